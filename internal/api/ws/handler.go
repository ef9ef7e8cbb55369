package ws

import (
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/apphost/internal/domain/events"
	"github.com/GriffinCanCode/AgentOS/apphost/internal/infrastructure/monitoring"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	// DefaultBuffer is how many events may queue for a slow client
	DefaultBuffer = 256
)

// Message is sent to clients
type Message struct {
	Type      string        `json:"type"`
	Message   string        `json:"message,omitempty"`
	Event     *events.Event `json:"event,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// ClientMessage is received from clients
type ClientMessage struct {
	Type  string   `json:"type"`
	AppID string   `json:"app_id,omitempty"`
	Types []string `json:"types,omitempty"`
}

// Filter selects which events a client receives. Empty fields match
// everything.
type Filter struct {
	AppID string
	Types []string
}

// Match reports whether evt passes the filter. Types may be exact event
// types or glob patterns such as "sandbox:*".
func (f Filter) Match(evt events.Event) bool {
	if f.AppID != "" && evt.AppID != f.AppID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	return slices.ContainsFunc(f.Types, func(pattern string) bool {
		ok, err := doublestar.Match(pattern, string(evt.Type))
		return err == nil && ok
	})
}

// Handler manages event stream connections
type Handler struct {
	bus      *events.Bus
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
	buffer   int
}

// NewHandler creates a stream handler that accepts any origin
func NewHandler(bus *events.Bus, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		bus:    bus,
		logger: logger.Named("ws"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		buffer: DefaultBuffer,
	}
}

// WithMetrics counts connections and messages
func (h *Handler) WithMetrics(metrics *monitoring.Metrics) *Handler {
	h.metrics = metrics
	return h
}

// WithAllowedOrigins restricts upgrades to the given origins. "*" allows
// any origin.
func (h *Handler) WithAllowedOrigins(origins []string) *Handler {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return h
	}
	h.upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
	return h
}

// WithBuffer sets the per-client queue size
func (h *Handler) WithBuffer(n int) *Handler {
	if n > 0 {
		h.buffer = n
	}
	return h
}

// HandleConnection upgrades the request and streams events until the
// client disconnects
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	s := &session{
		conn:   conn,
		out:    make(chan Message, h.buffer),
		done:   make(chan struct{}),
		filter: filterFromQuery(c),
		logger: h.logger.With(zap.String("remote", c.ClientIP())),
		h:      h,
	}

	if h.metrics != nil {
		h.metrics.IncWSConnections()
		defer h.metrics.DecWSConnections()
	}

	unsubscribe := h.bus.SubscribeAll(s.deliver)
	s.enqueue(Message{Type: "system", Message: "Connected to app host event stream"})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()

	s.readLoop()

	unsubscribe()
	close(s.done)
	wg.Wait()
	conn.Close()
	s.logger.Debug("WebSocket closed")
}

func filterFromQuery(c *gin.Context) Filter {
	f := Filter{AppID: c.Query("app")}
	if raw := c.Query("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, t)
			}
		}
	}
	return f
}

type session struct {
	conn   *websocket.Conn
	out    chan Message
	done   chan struct{}
	logger *zap.Logger
	h      *Handler

	mu     sync.RWMutex
	filter Filter
}

// deliver runs on the publisher's goroutine and must not block
func (s *session) deliver(evt events.Event) {
	s.mu.RLock()
	ok := s.filter.Match(evt)
	s.mu.RUnlock()
	if !ok {
		return
	}
	if !s.enqueue(Message{Type: "event", Event: &evt}) {
		s.logger.Warn("Dropped event for slow client", zap.String("event_type", string(evt.Type)))
		s.record("dropped", "event")
	}
}

func (s *session) enqueue(msg Message) bool {
	msg.Timestamp = time.Now().Unix()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}

func (s *session) readLoop() {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			s.enqueue(Message{Type: "error", Message: "invalid message"})
			continue
		}
		s.record("in", msg.Type)

		switch msg.Type {
		case "ping":
			s.enqueue(Message{Type: "pong"})
		case "subscribe":
			s.mu.Lock()
			s.filter = Filter{AppID: msg.AppID, Types: msg.Types}
			s.mu.Unlock()
			s.enqueue(Message{Type: "system", Message: "Subscription updated"})
		default:
			s.enqueue(Message{Type: "error", Message: "unknown message type"})
		}
	}
}

// writeLoop is the only writer on the connection
func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case msg := <-s.out:
			data, err := sonic.Marshal(msg)
			if err != nil {
				s.logger.Error("Failed to encode message", zap.Error(err))
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("WebSocket write failed", zap.Error(err))
				// Unblock the reader so the connection is torn down
				s.conn.Close()
				return
			}
			s.record("out", msg.Type)
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.conn.Close()
				return
			}
		}
	}
}

func (s *session) record(direction, msgType string) {
	if s.h.metrics != nil {
		s.h.metrics.RecordWSMessage(direction, msgType)
	}
}
