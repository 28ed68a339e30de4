package gateway

import (
	"time"

	"triage-assistant/server/internal/model"
)

// MessageType 定义了聊天通道的消息类型
type MessageType string

const (
	// 客户端 -> 服务端
	TypeMessage MessageType = "message" // 病人发言
	TypeCancel  MessageType = "cancel"  // 主动取消会话
	TypePing    MessageType = "ping"

	// 服务端 -> 客户端
	TypeReply MessageType = "reply"
	TypeError MessageType = "error"
	TypePong  MessageType = "pong"
)

// ClientMessage 客户端发送的消息（WebSocket 文本帧）
type ClientMessage struct {
	Type      MessageType `json:"type"`
	EventID   string      `json:"event_id,omitempty"` // 客户端去重
	PatientID string      `json:"patient_id"`
	Text      string      `json:"text,omitempty"`
}

// ServerMessage 服务端发送给客户端的消息
type ServerMessage struct {
	Type     MessageType  `json:"type"`
	Seq      int64        `json:"seq,omitempty"` // 连接内序号
	EventID  string       `json:"event_id,omitempty"`
	Reply    *model.Reply `json:"reply,omitempty"`
	Error    string       `json:"error,omitempty"`
	ServerTS time.Time    `json:"server_ts"`
}
