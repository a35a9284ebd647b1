package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/cloudtolocalllm/bridge/api/pkg/auth"
	"github.com/cloudtolocalllm/bridge/api/pkg/codec"
	"github.com/cloudtolocalllm/bridge/api/pkg/config"
	"github.com/cloudtolocalllm/bridge/api/pkg/relay/connman"
	"github.com/cloudtolocalllm/bridge/api/pkg/types"
)

const testSecret = "relay-test-secret"

func testRelayConfig() *config.RelayConfig {
	return &config.RelayConfig{
		Auth: config.RelayAuth{Mode: "token", SharedSecret: testSecret},
		Tunnels: config.RelayTunnels{
			ForwardTimeout:         500 * time.Millisecond,
			HandshakeTimeout:       time.Second,
			PongWait:               5 * time.Second,
			PingPeriod:             time.Second,
			WriteWait:              time.Second,
			ProtocolViolationLimit: 5,
		},
	}
}

func newTestServer(t *testing.T, cfg *config.RelayConfig, verifier auth.TokenVerifier) (*Server, *httptest.Server) {
	t.Helper()
	if verifier == nil {
		var err error
		verifier, err = auth.NewSharedSecretVerifier(testSecret)
		require.NoError(t, err)
	}
	server := NewServer(cfg, verifier)
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)
	return server, httpServer
}

// fakeAgent is a minimal tunnel client for driving the relay in tests: it
// completes the auth handshake and then answers request frames with the
// configured responder.
type fakeAgent struct {
	t    *testing.T
	conn *websocket.Conn

	writeMu sync.Mutex
	// responder builds the terminal frame for each inbound request; nil
	// leaves requests unanswered.
	responder func(msg *types.TunnelMessage) *types.TunnelMessage
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/api/v1/ws/tunnel"
}

func dialAgent(t *testing.T, serverURL, tenantID string, responder func(*types.TunnelMessage) *types.TunnelMessage) *fakeAgent {
	t.Helper()
	token, err := auth.IssueTunnelToken(testSecret, tenantID, time.Hour)
	require.NoError(t, err)

	agent, ackType := dialAgentWithToken(t, serverURL, token, tenantID, responder)
	require.Equal(t, types.MessageTypeAuthAck, ackType, "handshake not acknowledged")
	return agent
}

// dialAgentWithToken performs the handshake with an arbitrary token and
// claimed tenant and returns whatever frame type the relay answered with.
func dialAgentWithToken(t *testing.T, serverURL, token, claimedTenant string, responder func(*types.TunnelMessage) *types.TunnelMessage) (*fakeAgent, types.MessageType) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(serverURL), nil)
	require.NoError(t, err)

	agent := &fakeAgent{t: t, conn: conn, responder: responder}
	t.Cleanup(func() { _ = conn.Close() })

	authMsg, err := codec.NewMessage("auth_1", types.MessageTypeAuth, &types.AuthPayload{
		AccessToken: token,
		TenantID:    claimedTenant,
	})
	require.NoError(t, err)
	agent.write(authMsg)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return agent, ""
	}
	_ = conn.SetReadDeadline(time.Time{})
	reply, err := codec.Decode(data)
	require.NoError(t, err)

	if reply.Type == types.MessageTypeAuthAck {
		go agent.serve()
	}
	return agent, reply.Type
}

func (a *fakeAgent) write(msg *types.TunnelMessage) {
	data, err := codec.Encode(msg)
	require.NoError(a.t, err)
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = a.conn.WriteMessage(websocket.TextMessage, data)
}

func (a *fakeAgent) serve() {
	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := codec.Decode(data)
		if err != nil {
			continue
		}
		switch msg.Type {
		case types.MessageTypeRequest:
			if a.responder == nil {
				continue
			}
			if reply := a.responder(msg); reply != nil {
				a.write(reply)
			}
		case types.MessageTypePing:
			pong, _ := codec.NewMessage(msg.ID, types.MessageTypePong, nil)
			a.write(pong)
		}
	}
}

func okResponder(body string) func(*types.TunnelMessage) *types.TunnelMessage {
	return func(msg *types.TunnelMessage) *types.TunnelMessage {
		reply, _ := codec.NewMessage(msg.ID, types.MessageTypeResponse, &types.ResponsePayload{
			Status: http.StatusOK,
			Body:   []byte(body),
		})
		return reply
	}
}

func waitForTunnelCount(t *testing.T, server *Server, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return server.TunnelCount() == want
	}, 3*time.Second, 10*time.Millisecond)
}

func TestForwardHappyPath(t *testing.T) {
	server, httpServer := newTestServer(t, testRelayConfig(), nil)
	dialAgent(t, httpServer.URL, "u1", okResponder(`{"models":[{"name":"llama3:instruct"}]}`))
	waitForTunnelCount(t, server, 1)

	res, err := http.Get(httpServer.URL + "/api/v1/tenants/u1/proxy/api/tags")
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "llama3:instruct")
}

func TestForwardNoTunnelFailsImmediately(t *testing.T) {
	_, httpServer := newTestServer(t, testRelayConfig(), nil)

	start := time.Now()
	res, err := http.Get(httpServer.URL + "/api/v1/tenants/u2/proxy/api/tags")
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	// No queueing for offline tunnels: well under the forward timeout.
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestForwardTimeoutReleasesPendingEntry(t *testing.T) {
	server, httpServer := newTestServer(t, testRelayConfig(), nil)
	dialAgent(t, httpServer.URL, "u1", nil) // never answers
	waitForTunnelCount(t, server, 1)

	res, err := http.Get(httpServer.URL + "/api/v1/tenants/u1/proxy/api/tags")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, res.StatusCode)

	conn, err := server.tunnels.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, 0, conn.pendingCount(), "timed out request leaked a pending entry")
}

func TestForwardCorrelationUnderConcurrency(t *testing.T) {
	// Each concurrent forward must receive exactly the terminal frame whose
	// id matches its own request. The responder tags each body with the
	// requested path.
	cfg := testRelayConfig()
	cfg.Tunnels.ForwardTimeout = 3 * time.Second
	server, httpServer := newTestServer(t, cfg, nil)

	dialAgent(t, httpServer.URL, "u1", func(msg *types.TunnelMessage) *types.TunnelMessage {
		var payload types.RequestPayload
		if err := codec.UnmarshalPayload(msg, &payload); err != nil {
			return nil
		}
		reply, _ := codec.NewMessage(msg.ID, types.MessageTypeResponse, &types.ResponsePayload{
			Status: http.StatusOK,
			Body:   []byte(payload.Path),
		})
		return reply
	})
	waitForTunnelCount(t, server, 1)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := fmt.Sprintf("/api/echo/%d", i)
			response, err := server.Forward(context.Background(), "u1", &types.RequestPayload{
				Method: "GET",
				Path:   path,
			})
			if err != nil {
				errs <- err
				return
			}
			if string(response.Body) != path {
				errs <- fmt.Errorf("request %d got body %q", i, response.Body)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	conn, err := server.tunnels.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, 0, conn.pendingCount())
}

func TestStaleReconnectSupersedesBinding(t *testing.T) {
	server, httpServer := newTestServer(t, testRelayConfig(), nil)

	first := dialAgent(t, httpServer.URL, "u1", okResponder("from-first"))
	waitForTunnelCount(t, server, 1)

	// Reconnect while the first connection is still open.
	dialAgent(t, httpServer.URL, "u1", okResponder("from-second"))

	// At most one binding per tenant, and traffic uses the new connection.
	require.Eventually(t, func() bool {
		response, err := server.Forward(context.Background(), "u1", &types.RequestPayload{Method: "GET", Path: "/api/tags"})
		return err == nil && string(response.Body) == "from-second"
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, server.TunnelCount())

	// The superseded connection gets closed by the relay.
	_ = first.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func TestDisconnectFailsInflightRequests(t *testing.T) {
	cfg := testRelayConfig()
	cfg.Tunnels.ForwardTimeout = 5 * time.Second
	server, httpServer := newTestServer(t, cfg, nil)

	agent := dialAgent(t, httpServer.URL, "u1", nil) // holds requests open
	waitForTunnelCount(t, server, 1)

	result := make(chan error, 1)
	go func() {
		_, err := server.Forward(context.Background(), "u1", &types.RequestPayload{Method: "GET", Path: "/api/tags"})
		result <- err
	}()

	// Wait for the request to be in flight, then kill the tunnel.
	conn, err := server.tunnels.Get("u1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return conn.pendingCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	_ = agent.conn.Close()

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrTunnelDisconnected)
	case <-time.After(3 * time.Second):
		t.Fatal("forward did not fail on disconnect")
	}

	waitForTunnelCount(t, server, 0)
	assert.Equal(t, 0, conn.pendingCount())
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	ctrl := gomock.NewController(t)
	verifier := auth.NewMockTokenVerifier(ctrl)
	verifier.EXPECT().VerifyToken(gomock.Any(), "bad-token").Return("", auth.ErrInvalidToken)

	server, httpServer := newTestServer(t, testRelayConfig(), verifier)

	_, replyType := dialAgentWithToken(t, httpServer.URL, "bad-token", "u1", nil)
	assert.Equal(t, types.MessageTypeError, replyType)
	assert.Equal(t, 0, server.TunnelCount())
}

func TestHandshakeRejectsTenantMismatch(t *testing.T) {
	server, httpServer := newTestServer(t, testRelayConfig(), nil)

	token, err := auth.IssueTunnelToken(testSecret, "u1", time.Hour)
	require.NoError(t, err)

	// Token says u1, payload claims u2: there is no cross-tenant addressing
	// path, so the handshake is rejected outright.
	_, replyType := dialAgentWithToken(t, httpServer.URL, token, "u2", nil)
	assert.Equal(t, types.MessageTypeError, replyType)
	assert.Equal(t, 0, server.TunnelCount())
}

func TestHandshakeRequiresAuthFrameFirst(t *testing.T) {
	server, httpServer := newTestServer(t, testRelayConfig(), nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(httpServer.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	ping, err := codec.NewMessage("p1", types.MessageTypePing, nil)
	require.NoError(t, err)
	data, err := codec.Encode(ping)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	// The relay closes the connection without installing a binding.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, 0, server.TunnelCount())
}

func TestUpstreamErrorMapping(t *testing.T) {
	server, httpServer := newTestServer(t, testRelayConfig(), nil)
	dialAgent(t, httpServer.URL, "u1", func(msg *types.TunnelMessage) *types.TunnelMessage {
		return codec.NewErrorMessage(msg.ID, types.ErrorCodeForbiddenPath, "blocked")
	})
	waitForTunnelCount(t, server, 1)

	res, err := http.Post(httpServer.URL+"/api/v1/tenants/u1/proxy/api/pull", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestTenantStatusEndpoint(t *testing.T) {
	server, httpServer := newTestServer(t, testRelayConfig(), nil)
	dialAgent(t, httpServer.URL, "u1", nil)
	waitForTunnelCount(t, server, 1)

	res, err := http.Get(httpServer.URL + "/api/v1/tenants/u1/status")
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	assert.Contains(t, string(body), `"connected":true`)

	res, err = http.Get(httpServer.URL + "/api/v1/tenants/u2/status")
	require.NoError(t, err)
	defer res.Body.Close()
	body, _ = io.ReadAll(res.Body)
	assert.Contains(t, string(body), `"connected":false`)
}

func TestHealthz(t *testing.T) {
	_, httpServer := newTestServer(t, testRelayConfig(), nil)

	res, err := http.Get(httpServer.URL + "/api/v1/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestConnmanIsTheOnlyAddressingPath(t *testing.T) {
	// Forward must consult the isolation layer even when other tenants are
	// connected: a request for an absent tenant fails with ErrNoConnection.
	server, httpServer := newTestServer(t, testRelayConfig(), nil)
	dialAgent(t, httpServer.URL, "u1", okResponder("hi"))
	waitForTunnelCount(t, server, 1)

	_, err := server.Forward(context.Background(), "u2", &types.RequestPayload{Method: "GET", Path: "/api/tags"})
	require.ErrorIs(t, err, connman.ErrNoConnection)
}
