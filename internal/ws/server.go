package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/session-timer/backend/internal/durable"
	"github.com/session-timer/backend/internal/engine"
	"github.com/session-timer/backend/internal/health"
	"github.com/session-timer/backend/internal/history"
)

// SessionEngine is the part of engine.Engine the transport drives.
type SessionEngine interface {
	Handle(ctx context.Context, connID string, op engine.EventType, userID string)
	Connect(ctx context.Context, connID, userID string)
	Disconnect(connID string)
	Reject(connID string, err error)
}

type HistoryLister interface {
	List(ctx context.Context, userID string) history.Response
}

type HealthReporter interface {
	Report() health.Report
}

// Stats are live counters included in the health response.
type Stats struct {
	ActiveTimers int `json:"activeTimers"`
	Connections  int `json:"connections"`
	Users        int `json:"users"`
}

type Server struct {
	engine         SessionEngine
	broadcaster    *Broadcaster
	history        HistoryLister
	health         HealthReporter
	stats          func() Stats
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	log            *slog.Logger
	baseCtx        context.Context
}

type ServerOption func(*Server)

func WithHistory(h HistoryLister) ServerOption { return func(s *Server) { s.history = h } }

func WithHealth(h HealthReporter, stats func() Stats) ServerOption {
	return func(s *Server) {
		s.health = h
		s.stats = stats
	}
}

func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		for _, origin := range origins {
			trimmed := strings.TrimSpace(origin)
			if trimmed == "" {
				continue
			}
			s.allowedOrigins[trimmed] = true
			if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
				s.allowedHosts[parsed.Host] = true
			}
		}
	}
}

func WithLogger(log *slog.Logger) ServerOption { return func(s *Server) { s.log = log } }

// WithBaseContext sets the context command handlers run under.
func WithBaseContext(ctx context.Context) ServerOption {
	return func(s *Server) { s.baseCtx = ctx }
}

func NewServer(eng SessionEngine, broadcaster *Broadcaster, opts ...ServerOption) *Server {
	s := &Server{
		engine:         eng,
		broadcaster:    broadcaster,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		log:            slog.Default(),
		baseCtx:        context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/sessions", securityHeaders(http.HandlerFunc(s.handleSessions)))
	mux.Handle("/api/health", securityHeaders(http.HandlerFunc(s.handleHealth)))
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		s.log.Warn("ws connection rejected", "remote", r.RemoteAddr, "err", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	userID := r.URL.Query().Get("userId")
	s.log.Info("ws client connected", "conn", c.id, "remote", r.RemoteAddr, "user", userID)
	go s.readPump(c, userID)
}

// readPump feeds client commands to the engine in arrival order until the
// connection drops.
func (s *Server) readPump(c *client, userID string) {
	defer func() {
		s.engine.Disconnect(c.id)
		s.broadcaster.RemoveClient(c)
		c.conn.Close()
		s.log.Info("ws client disconnected", "conn", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.engine.Connect(s.baseCtx, c.id, userID)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("ws read error", "conn", c.id, "err", err)
			}
			return
		}
		op, user, err := decodeCommand(data)
		if err != nil {
			s.engine.Reject(c.id, fmt.Errorf("%w: %v", engine.ErrInvalidMessage, err))
			continue
		}
		s.engine.Handle(s.baseCtx, c.id, op, user)
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeJSONError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if s.history == nil {
		writeJSON(w, http.StatusOK, history.Response{
			UserID:   userID,
			Sessions: []durable.Record{},
			Message:  "session history is not configured",
		})
		return
	}
	writeJSON(w, http.StatusOK, s.history.List(r.Context(), userID))
}

type healthResponse struct {
	health.Report
	Stats
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var resp healthResponse
	if s.health != nil {
		resp.Report = s.health.Report()
	} else {
		resp.Status = health.StatusHealthy
	}
	if s.stats != nil {
		resp.Stats = s.stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// checkOrigin accepts requests without an Origin header, origins on the
// allow list, and otherwise same-host or loopback origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// NewHTTPServer returns an http.Server for handler on host:port.
func NewHTTPServer(host string, port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort(host, fmt.Sprint(port)),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
