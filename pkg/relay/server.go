package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/parley-ai/parley/pkg/relay/config"
	"github.com/parley-ai/parley/pkg/relay/mw"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	lifecycle *Lifecycle
	sessions  *Tracker
	metrics   *Metrics
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		lifecycle: &Lifecycle{},
		sessions:  NewTracker(),
		metrics:   NewMetrics(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", HealthHandler{})
	s.mux.Handle("/readyz", ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/api/ws", WSHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
		Metrics:   s.metrics,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

func (s *Server) WarnSessionsDraining() {
	n := s.sessions.WarnAll(websocket.CloseGoingAway, "relay is shutting down")
	if n > 0 {
		s.logger.Info("warned live sessions about drain", "sessions", n)
	}
}

func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

func (s *Server) CancelSessions() {
	n := s.sessions.CancelAll()
	if n > 0 {
		s.logger.Info("canceled live sessions", "sessions", n)
	}
}

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK     bool     `json:"ok"`
		Issues []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	if h.Lifecycle.IsDraining() {
		issues = append(issues, "draining")
	}
	if strings.TrimSpace(h.Config.APIKey) == "" {
		issues = append(issues, "upstream credential is not configured")
	}
	if strings.TrimSpace(h.Config.UpstreamURL) == "" {
		issues = append(issues, "upstream url is not configured")
	}
	if h.Config.HandshakeTimeout <= 0 || h.Config.WriteTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}
	if h.Config.MaxFrameBytes <= 0 {
		issues = append(issues, "max frame bytes must be > 0")
	}

	resp := readyResp{OK: len(issues) == 0, Issues: issues}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if resp.OK {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
