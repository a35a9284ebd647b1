// Package relay is the cloud half of the bridge: it accepts tunnel
// connections from many agents, authenticates each one, and forwards web
// client requests over the matching tenant's tunnel.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/cloudtolocalllm/bridge/api/pkg/auth"
	"github.com/cloudtolocalllm/bridge/api/pkg/codec"
	"github.com/cloudtolocalllm/bridge/api/pkg/config"
	"github.com/cloudtolocalllm/bridge/api/pkg/relay/connman"
	"github.com/cloudtolocalllm/bridge/api/pkg/system"
	"github.com/cloudtolocalllm/bridge/api/pkg/types"
)

var (
	// ErrTunnelTimeout means the agent produced no terminal frame within
	// the forward deadline.
	ErrTunnelTimeout = errors.New("timed out waiting for tunnel response")
	// ErrTunnelDisconnected means the tunnel dropped while the request was
	// in flight.
	ErrTunnelDisconnected = errors.New("tunnel disconnected")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// UpstreamError carries the agent's structured error frame back to the
// relay's HTTP caller.
type UpstreamError struct {
	Code    string
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type Server struct {
	cfg      *config.RelayConfig
	verifier auth.TokenVerifier
	tunnels  *connman.ConnectionManager[*tunnelConn]
	router   *mux.Router
}

func NewServer(cfg *config.RelayConfig, verifier auth.TokenVerifier) *Server {
	s := &Server{
		cfg:      cfg,
		verifier: verifier,
		tunnels:  connman.New[*tunnelConn](),
	}
	s.router = s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() *mux.Router {
	router := mux.NewRouter()
	subRouter := router.PathPrefix(system.APISubPath).Subrouter()
	subRouter.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	subRouter.HandleFunc("/ws/tunnel", s.handleTunnel).Methods(http.MethodGet)
	subRouter.HandleFunc("/tenants/{tenant}/status", s.tenantStatus).Methods(http.MethodGet)
	subRouter.PathPrefix("/tenants/{tenant}/proxy/").HandlerFunc(s.handleProxy)
	return router
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.WebServer.Host, s.cfg.WebServer.Port),
		ReadHeaderTimeout: 30 * time.Second,
		Handler:           s.router,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", srv.Addr).Msg("relay listening")
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

// TunnelCount returns the number of live tenant bindings.
func (s *Server) TunnelCount() int {
	return s.tunnels.Count()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	system.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleTunnel performs the auth handshake for a new tunnel connection and
// then serves its read loop until it drops.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	tenantID, conn, err := s.handshake(r.Context(), ws)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("tunnel handshake failed")
		_ = ws.Close()
		return
	}

	// Last authenticated wins: a reconnect atomically replaces the prior
	// binding, then the prior connection is closed outside the map's lock.
	if prev, superseded := s.tunnels.Set(tenantID, conn); superseded {
		log.Info().Str("tenant", tenantID).Str("old_tunnel", prev.id).Str("new_tunnel", conn.id).Msg("tunnel superseded by reconnect")
		prev.close()
	}

	log.Info().Str("tenant", tenantID).Str("tunnel", conn.id).Msg("tunnel connected")

	s.serveTunnel(conn)

	// Remove only if this connection still owns the binding; a superseding
	// reconnect must keep its own.
	if s.tunnels.Remove(tenantID, conn) {
		log.Info().Str("tenant", tenantID).Str("tunnel", conn.id).Msg("tunnel disconnected")
	}
	conn.close()
}

// handshake requires the first frame to be a valid auth frame within the
// handshake window. The tenant identity in the payload must match the one
// carried by the verified token; a mismatch is a security-relevant event,
// not a client bug.
func (s *Server) handshake(ctx context.Context, ws *websocket.Conn) (string, *tunnelConn, error) {
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.Tunnels.HandshakeTimeout))

	_, data, err := ws.ReadMessage()
	if err != nil {
		return "", nil, fmt.Errorf("no auth frame: %w", err)
	}
	msg, err := codec.Decode(data)
	if err != nil {
		return "", nil, fmt.Errorf("bad auth frame: %w", err)
	}
	if msg.Type != types.MessageTypeAuth {
		return "", nil, fmt.Errorf("expected auth frame, got %s", msg.Type)
	}
	var payload types.AuthPayload
	if err := codec.UnmarshalPayload(msg, &payload); err != nil {
		return "", nil, err
	}

	conn := newTunnelConn(system.GenerateTunnelID(), "", ws, s.cfg.Tunnels)

	tenantID, err := s.verifier.VerifyToken(ctx, payload.AccessToken)
	if err != nil {
		_ = conn.send(codec.NewErrorMessage(msg.ID, "auth_failed", "invalid access token"))
		return "", nil, fmt.Errorf("token verification failed: %w", err)
	}
	if payload.TenantID != "" && payload.TenantID != tenantID {
		_ = conn.send(codec.NewErrorMessage(msg.ID, "tenant_mismatch", "tunnel identity does not match token"))
		log.Warn().Str("token_tenant", tenantID).Str("claimed_tenant", payload.TenantID).Msg("tenant identity mismatch on tunnel handshake")
		return "", nil, errors.New("tenant identity mismatch")
	}

	conn.tenantID = tenantID
	ack, err := codec.NewMessage(msg.ID, types.MessageTypeAuthAck, &types.AuthAckPayload{TenantID: tenantID})
	if err != nil {
		return "", nil, err
	}
	if err := conn.send(ack); err != nil {
		return "", nil, fmt.Errorf("failed to send auth acknowledgment: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.Tunnels.PongWait))
	return tenantID, conn, nil
}

// serveTunnel reads frames until the connection dies. Transport keepalive
// runs alongside the protocol-level ping handling: the read deadline is
// refreshed by websocket pongs, and protocol pings from the agent are
// answered inline.
func (s *Server) serveTunnel(conn *tunnelConn) {
	ws := conn.ws
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.Tunnels.PongWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(s.cfg.Tunnels.PingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.writeMu.Lock()
				err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.Tunnels.WriteWait))
				conn.writeMu.Unlock()
				if err != nil {
					return
				}
			case <-pingDone:
				return
			case <-conn.closed:
				return
			}
		}
	}()

	violations := 0
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.Tunnels.PongWait))

		msg, err := codec.Decode(data)
		if err != nil {
			violations++
			log.Warn().Err(err).Str("tunnel", conn.id).Int("violations", violations).Msg("dropping malformed frame")
			if violations >= s.cfg.Tunnels.ProtocolViolationLimit {
				log.Warn().Str("tunnel", conn.id).Msg("closing tunnel after repeated protocol violations")
				return
			}
			continue
		}

		switch msg.Type {
		case types.MessageTypePing:
			pong, _ := codec.NewMessage(msg.ID, types.MessageTypePong, nil)
			if err := conn.send(pong); err != nil {
				return
			}
		case types.MessageTypePong:
			// Protocol-level pong; transport deadline already refreshed.
		case types.MessageTypeResponse, types.MessageTypeError:
			conn.resolvePending(msg)
		default:
			violations++
			log.Warn().Str("tunnel", conn.id).Str("type", string(msg.Type)).Int("violations", violations).Msg("unexpected frame from agent")
			if violations >= s.cfg.Tunnels.ProtocolViolationLimit {
				return
			}
		}
	}
}

// Forward sends one request over the tenant's tunnel and blocks until the
// matching terminal frame, the deadline or a disconnect, whichever is
// first. Requests for tenants with no live tunnel fail immediately.
func (s *Server) Forward(ctx context.Context, tenantID string, request *types.RequestPayload) (*types.ResponsePayload, error) {
	conn, err := s.tunnels.Get(tenantID)
	if err != nil {
		return nil, err
	}

	id := system.GenerateRequestID()
	msg, err := codec.NewMessage(id, types.MessageTypeRequest, request)
	if err != nil {
		return nil, err
	}

	ch := conn.registerPending(id)
	defer conn.removePending(id)

	if err := conn.send(msg); err != nil {
		return nil, fmt.Errorf("%w: write failed: %s", ErrTunnelDisconnected, err)
	}

	select {
	case reply := <-ch:
		switch reply.Type {
		case types.MessageTypeResponse:
			var payload types.ResponsePayload
			if err := codec.UnmarshalPayload(reply, &payload); err != nil {
				return nil, err
			}
			return &payload, nil
		case types.MessageTypeError:
			var payload types.ErrorPayload
			if err := codec.UnmarshalPayload(reply, &payload); err != nil {
				return nil, err
			}
			if payload.Code == types.ErrorCodeTunnelDisconnected {
				return nil, ErrTunnelDisconnected
			}
			return nil, &UpstreamError{Code: payload.Code, Message: payload.Message}
		default:
			return nil, fmt.Errorf("unexpected %s frame for request %s", reply.Type, id)
		}
	case <-time.After(s.cfg.Tunnels.ForwardTimeout):
		return nil, ErrTunnelTimeout
	case <-conn.closed:
		return nil, ErrTunnelDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleProxy wraps an inbound HTTP request into a tunnel request frame and
// writes the tunnel's response back verbatim.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID := vars["tenant"]

	prefix := fmt.Sprintf("%s/tenants/%s/proxy", system.APISubPath, tenantID)
	path := r.URL.Path[len(prefix):]
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		system.WriteError(w, system.NewHTTPError400("failed to read request body"))
		return
	}

	response, err := s.Forward(r.Context(), tenantID, &types.RequestPayload{
		Method:  r.Method,
		Path:    path,
		Headers: map[string][]string(r.Header),
		Body:    body,
	})
	if err != nil {
		s.writeForwardError(w, tenantID, err)
		return
	}

	for key, values := range response.Headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(response.Status)
	_, _ = w.Write(response.Body)
}

func (s *Server) writeForwardError(w http.ResponseWriter, tenantID string, err error) {
	var upstream *UpstreamError
	switch {
	case errors.Is(err, connman.ErrNoConnection):
		system.WriteError(w, &system.HTTPError{StatusCode: http.StatusServiceUnavailable, Message: fmt.Sprintf("no tunnel connected for tenant %s", tenantID)})
	case errors.Is(err, ErrTunnelTimeout):
		system.WriteError(w, &system.HTTPError{StatusCode: http.StatusGatewayTimeout, Message: "tunnel response timed out"})
	case errors.Is(err, ErrTunnelDisconnected):
		system.WriteError(w, &system.HTTPError{StatusCode: http.StatusBadGateway, Message: "tunnel disconnected"})
	case errors.As(err, &upstream):
		status := http.StatusBadGateway
		switch upstream.Code {
		case types.ErrorCodeUpstreamTimeout:
			status = http.StatusGatewayTimeout
		case types.ErrorCodeForbiddenPath:
			status = http.StatusForbidden
		case types.ErrorCodeBadRequest:
			status = http.StatusBadRequest
		}
		system.WriteError(w, &system.HTTPError{StatusCode: status, Message: upstream.Error()})
	default:
		system.WriteError(w, system.NewHTTPError500(err.Error()))
	}
}

func (s *Server) tenantStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	_, err := s.tunnels.Get(tenantID)
	system.WriteJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"connected": err == nil,
	})
}
