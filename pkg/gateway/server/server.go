// Package server assembles the gateway's routes and middleware chain.
package server

import (
	"log/slog"
	"net/http"

	"github.com/melodyhq/voice-gateway/pkg/gateway/actions"
	"github.com/melodyhq/voice-gateway/pkg/gateway/config"
	"github.com/melodyhq/voice-gateway/pkg/gateway/handlers"
	"github.com/melodyhq/voice-gateway/pkg/gateway/live/sessions"
	"github.com/melodyhq/voice-gateway/pkg/gateway/mw"
)

// Dependencies are the wired backends the routes need.
type Dependencies struct {
	Store   *sessions.Store
	Actions actions.Service
	Dialer  handlers.UpstreamDialer
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Dependencies
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Store == nil {
		deps.Store = sessions.NewStore()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Store: s.deps.Store})

	s.mux.Handle("POST /api/voice/session", handlers.VoiceBootstrapHandler{
		Config:  s.cfg,
		Logger:  s.logger,
		Store:   s.deps.Store,
		Actions: s.deps.Actions,
	})
	s.mux.Handle("GET /api/voice/ws", handlers.VoiceSocketHandler{
		Config:  s.cfg,
		Logger:  s.logger,
		Store:   s.deps.Store,
		Actions: s.deps.Actions,
		Dialer:  s.deps.Dialer,
	})
	s.mux.Handle("DELETE /api/voice/session/{id}", handlers.VoiceTerminateHandler{
		Logger: s.logger,
		Store:  s.deps.Store,
	})
	s.mux.Handle("GET /api/voice/sessions", handlers.VoiceListHandler{
		Store: s.deps.Store,
	})
}

// Store exposes the session registry for drain handling at shutdown.
func (s *Server) Store() *sessions.Store { return s.deps.Store }

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
