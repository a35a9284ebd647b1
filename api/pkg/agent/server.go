package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/cloudtolocalllm/bridge/api/pkg/config"
	"github.com/cloudtolocalllm/bridge/api/pkg/system"
)

// Server is the loopback control API. It observes and controls the agent; it
// never proxies LLM traffic, that path only exists through the relay.
type Server struct {
	cfg    config.ControlAPI
	agent  *Agent
	router *mux.Router
}

func NewServer(cfg config.ControlAPI, agent *Agent) *Server {
	s := &Server{cfg: cfg, agent: agent}
	s.router = s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() *mux.Router {
	router := mux.NewRouter()
	subRouter := router.PathPrefix(system.APISubPath).Subrouter()
	subRouter.HandleFunc("/health", s.health).Methods(http.MethodGet)
	subRouter.HandleFunc("/status", s.status).Methods(http.MethodGet)
	subRouter.HandleFunc("/metrics", s.metrics).Methods(http.MethodGet)
	subRouter.HandleFunc("/tunnel/start", s.startTunnel).Methods(http.MethodPost)
	subRouter.HandleFunc("/tunnel/stop", s.stopTunnel).Methods(http.MethodPost)
	subRouter.HandleFunc("/tunnel/restart", s.restartTunnel).Methods(http.MethodPost)
	return router
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		ReadHeaderTimeout: 10 * time.Second,
		Handler:           s.router,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", srv.Addr).Msg("control API listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	system.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	system.WriteJSON(w, http.StatusOK, s.agent.Status())
}

func (s *Server) metrics(w http.ResponseWriter, _ *http.Request) {
	system.WriteJSON(w, http.StatusOK, s.agent.Metrics())
}

func (s *Server) startTunnel(w http.ResponseWriter, _ *http.Request) {
	if err := s.agent.StartTunnel(); err != nil {
		system.WriteError(w, system.NewHTTPError500(err.Error()))
		return
	}
	system.WriteJSON(w, http.StatusOK, s.agent.Status())
}

func (s *Server) stopTunnel(w http.ResponseWriter, _ *http.Request) {
	s.agent.StopTunnel()
	system.WriteJSON(w, http.StatusOK, s.agent.Status())
}

func (s *Server) restartTunnel(w http.ResponseWriter, _ *http.Request) {
	if err := s.agent.RestartTunnel(); err != nil {
		log.Error().Err(err).Msg("tunnel restart failed")
		system.WriteError(w, system.NewHTTPError(http.StatusServiceUnavailable, err.Error()))
		return
	}
	system.WriteJSON(w, http.StatusOK, s.agent.Status())
}
