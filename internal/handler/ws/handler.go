package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jwalitptl/notification-hub/internal/handler"
	"github.com/jwalitptl/notification-hub/internal/middleware"
	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/presence"
	"github.com/jwalitptl/notification-hub/pkg/logger"
)

// Acknowledger records client acknowledgements received over the socket.
type Acknowledger interface {
	MarkRead(ctx context.Context, deliveryRecordID, userID uuid.UUID, at time.Time) error
	Confirm(ctx context.Context, deliveryRecordID, userID uuid.UUID, at time.Time) error
}

type Config struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   25 * time.Second,
		MaxMessageSize: 4096,
	}
}

type Handler struct {
	registry *presence.Registry
	acks     Acknowledger
	config   Config
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

func NewHandler(registry *presence.Registry, acks Acknowledger, cfg Config, log *logger.Logger) *Handler {
	def := DefaultConfig()
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.ReadTimeout {
		cfg.PingInterval = cfg.ReadTimeout * 9 / 10
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	h := &Handler{registry: registry, acks: acks, config: cfg, logger: log}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ws", h.Connect)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range h.config.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Connect upgrades the request and registers a session for the caller. The
// user's pending in-app records are replayed during registration.
func (h *Handler) Connect(c *gin.Context) {
	identity := middleware.IdentityFrom(c)
	if identity == nil {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("unauthenticated"))
		return
	}

	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("WebSocket upgrade failed", "user_id", identity.UserID, "error", err.Error())
		return
	}
	wsConn.SetReadLimit(h.config.MaxMessageSize)

	conn := newConn(wsConn, h.config.WriteTimeout)
	session := h.registry.Register(context.Background(), model.ConnectionSession{
		UserID:         identity.UserID,
		EmployeeID:     identity.EmployeeID,
		BranchID:       identity.BranchID,
		OrganizationID: identity.OrganizationID,
		Roles:          model.RoleSet(identity.Roles...),
	}, conn)

	log := h.logger.With("connection_id", session.ConnectionID)
	log.Info("WebSocket connected", "user_id", identity.UserID)

	go h.pingLoop(conn, session.ConnectionID)
	h.readLoop(conn, wsConn, session.ConnectionID, identity.UserID, log)

	h.registry.Unregister(context.Background(), session.ConnectionID)
	log.Info("WebSocket disconnected", "user_id", identity.UserID)
}

func (h *Handler) pingLoop(conn *conn, connectionID string) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				h.registry.Unregister(context.Background(), connectionID)
				return
			}
		}
	}
}

func (h *Handler) readLoop(conn *conn, wsConn *websocket.Conn, connectionID string, userID uuid.UUID, log *logger.Logger) {
	extend := func() {
		_ = wsConn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
		_ = h.registry.Heartbeat(connectionID)
	}
	extend()
	wsConn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		var frame model.Ack
		if err := wsConn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn("WebSocket read failed", "error", err.Error())
			}
			return
		}
		extend()
		h.handleFrame(&frame, userID, log)
	}
}

func (h *Handler) handleFrame(frame *model.Ack, userID uuid.UUID, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.WriteTimeout)
	defer cancel()

	var err error
	switch frame.Type {
	case model.FrameHeartbeat:
		return
	case model.FrameAck:
		if frame.ReadAt == nil {
			return
		}
		err = h.acks.MarkRead(ctx, frame.DeliveryRecordID, userID, *frame.ReadAt)
	case model.FrameConfirm:
		err = h.acks.Confirm(ctx, frame.DeliveryRecordID, userID, time.Now())
	default:
		log.Debug("Ignoring unknown frame", "type", frame.Type)
		return
	}
	if err != nil {
		log.Warn("Failed to record acknowledgement", "type", frame.Type, "delivery_record_id", frame.DeliveryRecordID, "error", err.Error())
	}
}
