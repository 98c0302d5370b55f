package realtime

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// EventConnected is written to a socket once it is registered.
const EventConnected = "connected"

var (
	ErrConnClosed   = errors.New("connection closed")
	ErrSlowConsumer = errors.New("send queue full")
)

type WSOptions struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

func (o WSOptions) withDefaults() WSOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 16
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongTimeout {
		o.PingInterval = o.PongTimeout * 9 / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 4096
	}
	return o
}

// WSConn is a Conn backed by a websocket. Messages are queued and written by
// a dedicated goroutine, so Send never waits on the peer.
type WSConn struct {
	id     string
	userID string
	ws     *websocket.Conn
	opts   WSOptions
	logger *slog.Logger

	send      chan Message
	done      chan struct{}
	closeOnce sync.Once
}

var _ Conn = (*WSConn)(nil)

func NewWSConn(ws *websocket.Conn, userID string, opts WSOptions, logger *slog.Logger) *WSConn {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &WSConn{
		id:     id,
		userID: userID,
		ws:     ws,
		opts:   opts,
		logger: logger.With("conn_id", id, "user_id", userID),
		send:   make(chan Message, opts.SendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *WSConn) ID() string     { return c.id }
func (c *WSConn) UserID() string { return c.userID }

func (c *WSConn) Send(msg Message) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSlowConsumer
	}
}

func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
		err = c.ws.Close()
	})
	return err
}

// Run pumps the connection until the peer goes away or Close is called.
// Inbound frames are only read to observe pongs and close frames.
func (c *WSConn) Run() {
	go c.writeLoop()
	c.readLoop()
	_ = c.Close()
}

func (c *WSConn) readLoop() {
	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	})
	for {
		if _, _, err := c.ws.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
	}
}

func (c *WSConn) writeLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.logger.Debug("websocket write failed", "event", msg.Event, "error", err)
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Handler upgrades authenticated requests and keeps the socket registered for
// its lifetime.
type Handler struct {
	Registry *Registry
	Upgrader websocket.Upgrader
	Options  WSOptions
	Logger   *slog.Logger
	// UserID resolves the authenticated user of the request.
	UserID func(r *http.Request) (string, bool)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.UserID(r)
	if !ok || userID == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	ws, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	conn := NewWSConn(ws, userID, h.Options, h.Logger)
	if err := h.Registry.Register(userID, conn); err != nil {
		_ = conn.Close()
		return
	}
	defer h.Registry.Unregister(userID, conn)
	conn.logger.Info("websocket connected")
	_ = conn.Send(Message{Event: EventConnected, Payload: map[string]string{"user_id": userID}, TS: time.Now().UTC()})
	conn.Run()
	conn.logger.Info("websocket disconnected")
}
