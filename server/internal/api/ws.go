package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"triage-assistant/server/internal/gateway"
	"triage-assistant/server/internal/model"
)

// chatConn 一个 WebSocket 聊天连接。写操作加锁，读在单个协程里进行。
type chatConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	seq  int64
	now  func() time.Time

	writeTimeout time.Duration
}

func (cc *chatConn) send(msg gateway.ServerMessage) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.seq++
	msg.Seq = cc.seq
	msg.ServerTS = cc.now()
	_ = cc.conn.SetWriteDeadline(cc.now().Add(cc.writeTimeout))
	return cc.conn.WriteJSON(msg)
}

func (cc *chatConn) ping() error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cc.writeTimeout))
}

// handleChatStream 文本聊天的 WebSocket 通道：每一帧是一个 ClientMessage。
// 同一病人的消息经 Dispatcher 串行处理，与 HTTP 接口共享会话。
func (s *Server) handleChatStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Printf("[API] failed to upgrade websocket: %v", err)
		return
	}
	defer conn.Close()
	s.logger.Printf("[API] chat websocket connected from %s", c.Request.RemoteAddr)

	cc := &chatConn{conn: conn, now: s.now, writeTimeout: s.config.Server.WriteTimeout}
	if cc.writeTimeout == 0 {
		cc.writeTimeout = 10 * time.Second
	}

	readTimeout := s.config.Server.ReadTimeout
	pingInterval := s.config.Server.PingInterval
	if readTimeout < 2*pingInterval {
		readTimeout = 2 * pingInterval
	}
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	if pingInterval > 0 {
		go func() {
			ticker := time.NewTicker(pingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := cc.ping(); err != nil {
						return
					}
				}
			}
		}()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Printf("[API] chat websocket read error: %v", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg gateway.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if cc.send(gateway.ServerMessage{Type: gateway.TypeError, Error: "invalid json"}) != nil {
				return
			}
			continue
		}
		if err := cc.send(s.handleClientMessage(c, msg)); err != nil {
			s.logger.Printf("[API] chat websocket write error: %v", err)
			return
		}
	}
}

func (s *Server) handleClientMessage(c *gin.Context, msg gateway.ClientMessage) gateway.ServerMessage {
	out := gateway.ServerMessage{EventID: msg.EventID}

	var (
		reply *model.Reply
		err   error
	)
	switch msg.Type {
	case gateway.TypePing:
		out.Type = gateway.TypePong
		return out
	case gateway.TypeCancel:
		reply, err = s.dispatcher.Cancel(c.Request.Context(), msg.PatientID)
	case gateway.TypeMessage, "":
		if msg.PatientID == "" {
			out.Type = gateway.TypeError
			out.Error = "patient_id required"
			return out
		}
		reply, err = s.dispatcher.HandleMessage(c.Request.Context(), model.InboundMessage{Text: msg.Text, PatientID: msg.PatientID})
	default:
		out.Type = gateway.TypeError
		out.Error = "unsupported message type: " + string(msg.Type)
		return out
	}

	if err != nil {
		s.logger.Printf("[API] chat message for %s failed: %v", msg.PatientID, err)
		out.Type = gateway.TypeError
		out.Error = "handle message failed"
		return out
	}
	out.Type = gateway.TypeReply
	out.Reply = reply
	return out
}
