package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"triage-assistant/server/internal/config"
	"triage-assistant/server/internal/domain"
	"triage-assistant/server/internal/gateway"
	"triage-assistant/server/internal/model"
	"triage-assistant/server/internal/orchestrator"
	"triage-assistant/server/internal/queue"
	"triage-assistant/server/internal/record"
	"triage-assistant/server/internal/session"
)

// Deps 是 HTTP 层依赖的组件
type Deps struct {
	Dispatcher   *gateway.Dispatcher
	Orchestrator *orchestrator.Orchestrator
	Queue        *queue.Manager
	Records      record.Store
	Catalog      *domain.Catalog
	// PDF 为空时不提供 PDF 导出
	PDF *record.PDFRenderer
}

type Server struct {
	config     *config.Config
	dispatcher *gateway.Dispatcher
	orch       *orchestrator.Orchestrator
	queue      *queue.Manager
	records    record.Store
	catalog    *domain.Catalog
	pdf        *record.PDFRenderer
	now        func() time.Time
	logger     *log.Logger

	// WebSocket upgrader
	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		config:     cfg,
		dispatcher: deps.Dispatcher,
		orch:       deps.Orchestrator,
		queue:      deps.Queue,
		records:    deps.Records,
		catalog:    deps.Catalog,
		pdf:        deps.PDF,
		now:        time.Now,
		logger:     log.Default(),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.allowOrigin}
	return s
}

func (s *Server) Routes() http.Handler {
	// Gin 统一承载中间件与路由，便于扩展日志/鉴权/限流等能力。
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery(), s.corsMiddleware())

	engine.GET("/healthz", s.handleHealthz)
	engine.POST("/chat", s.handleMessage)
	engine.GET("/ws", s.handleChatStream)

	api := engine.Group("/api")
	api.GET("/catalog", s.handleCatalog)
	api.POST("/messages", s.handleMessage)
	api.GET("/ws", s.handleChatStream)

	api.GET("/sessions/:id", s.handleGetSession)
	api.GET("/sessions/:id/events", s.handleSessionEvents)

	api.GET("/patients/:id/session", s.handlePatientSession)
	api.POST("/patients/:id/cancel", s.handleCancel)
	api.GET("/patients/:id/records", s.handlePatientRecords)

	api.GET("/queue", s.handleQueueSnapshot)
	api.GET("/queue/:specialty", s.handleQueueStatus)
	api.POST("/queue/:specialty/advance", s.handleQueueAdvance)

	api.GET("/records/:id", s.handleGetRecord)
	api.GET("/records/:id/pdf", s.handleRecordPDF)
	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, s.catalog)
}

// handleMessage 处理 {text, patient_id}，返回 {response, patient_id, state, ...}。
func (s *Server) handleMessage(c *gin.Context) {
	var msg model.InboundMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if msg.PatientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "patient_id required"})
		return
	}

	reply, err := s.dispatcher.HandleMessage(c.Request.Context(), msg)
	if err != nil {
		s.logger.Printf("[API] handle message for %s failed: %v", msg.PatientID, err)
		c.JSON(statusFor(err), gin.H{"error": "handle message failed"})
		return
	}
	c.JSON(http.StatusOK, reply)
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.orch.FindSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeLookupError(c, "session", err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// handleSessionEvents 返回会话时间线，?after=seq 只返回之后的事件。
func (s *Server) handleSessionEvents(c *gin.Context) {
	var after int64
	if v := c.Query("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a non-negative integer"})
			return
		}
		after = n
	}
	events, err := s.orch.Events(c.Request.Context(), c.Param("id"), after)
	if err != nil {
		s.logger.Printf("[API] list events failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list events failed"})
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) handlePatientSession(c *gin.Context) {
	sess, err := s.orch.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeLookupError(c, "session", err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleCancel(c *gin.Context) {
	reply, err := s.dispatcher.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeLookupError(c, "session", err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

func (s *Server) handlePatientRecords(c *gin.Context) {
	list, err := s.records.ListByPatient(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.logger.Printf("[API] list records failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list records failed"})
		return
	}
	if list == nil {
		list = []*model.MedicalRecord{}
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleQueueSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.queue.Snapshot())
}

// handleQueueStatus 查询专科排队状态，?day=YYYY-MM-DD 查询未归档的历史运营日。
func (s *Server) handleQueueStatus(c *gin.Context) {
	specialty := c.Param("specialty")
	if !s.catalog.Specialties.Contains(specialty) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown specialty"})
		return
	}
	day := c.DefaultQuery("day", s.queue.Today())
	st, err := s.queue.StatusOn(day, specialty)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

// handleQueueAdvance 叫下一个号（前台使用）。
func (s *Server) handleQueueAdvance(c *gin.Context) {
	specialty := c.Param("specialty")
	if !s.catalog.Specialties.Contains(specialty) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown specialty"})
		return
	}
	if _, err := s.queue.Advance(c.Request.Context(), specialty); err != nil {
		if errors.Is(err, queue.ErrQueueEmpty) {
			c.JSON(http.StatusConflict, gin.H{"error": "no waiting tickets"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "advance failed"})
		return
	}
	c.JSON(http.StatusOK, s.queue.Status(specialty))
}

func (s *Server) handleGetRecord(c *gin.Context) {
	r, err := s.records.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeLookupError(c, "record", err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) handleRecordPDF(c *gin.Context) {
	if s.pdf == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pdf export disabled"})
		return
	}
	r, err := s.records.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeLookupError(c, "record", err)
		return
	}
	data, err := s.pdf.Render(r)
	if err != nil {
		s.logger.Printf("[API] render pdf for record %s failed: %v", r.ID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "render pdf failed"})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="record-`+r.ID+`.pdf"`)
	c.Data(http.StatusOK, "application/pdf", data)
}

func (s *Server) writeLookupError(c *gin.Context, what string, err error) {
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, record.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
		return
	}
	s.logger.Printf("[API] load %s failed: %v", what, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "load " + what + " failed"})
}

// statusFor 把处理消息的错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrMissingPatientID):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) allowOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.config.Server.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.allowOrigin(c.Request) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Headers", "Content-Type")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
