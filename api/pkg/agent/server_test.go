package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/cloudtolocalllm/bridge/api/pkg/config"
	"github.com/cloudtolocalllm/bridge/api/pkg/types"
)

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		Relay: config.AgentRelay{
			// Nothing listens here; connection attempts fail fast and the
			// client sits in its reconnect loop.
			URL:      "ws://127.0.0.1:1/api/v1/ws/tunnel",
			TenantID: "u1",
		},
		Runtime: config.Runtime{
			URL:            "http://127.0.0.1:1",
			RequestTimeout: time.Second,
			ProbeInterval:  time.Hour,
		},
		Auth: config.AgentAuth{StaticToken: "static-test-token"},
		Tunnel: config.Tunnel{
			HeartbeatInterval:   time.Second,
			MissedPongLimit:     2,
			AuthAckTimeout:      time.Second,
			WriteTimeout:        time.Second,
			BackoffBaseDelay:    10 * time.Second,
			BackoffMaxDelay:     10 * time.Second,
			BackoffResetAfter:   time.Hour,
			MaxInflightRequests: 4,
		},
		ControlAPI: config.ControlAPI{Host: "127.0.0.1", Port: 0},
	}
}

func TestControlAPISuite(t *testing.T) {
	suite.Run(t, new(ControlAPITestSuite))
}

type ControlAPITestSuite struct {
	suite.Suite

	agent  *Agent
	server *httptest.Server
}

func (s *ControlAPITestSuite) SetupTest() {
	var err error
	s.agent, err = New(testAgentConfig())
	s.Require().NoError(err)
	s.server = httptest.NewServer(NewServer(config.ControlAPI{}, s.agent).Handler())
}

func (s *ControlAPITestSuite) TearDownTest() {
	s.agent.StopTunnel()
	s.server.Close()
}

func (s *ControlAPITestSuite) getStatus() types.TunnelStatus {
	res, err := http.Get(s.server.URL + "/api/v1/status")
	s.Require().NoError(err)
	defer res.Body.Close()
	s.Require().Equal(http.StatusOK, res.StatusCode)

	var status types.TunnelStatus
	s.Require().NoError(json.NewDecoder(res.Body).Decode(&status))
	return status
}

func (s *ControlAPITestSuite) post(path string) int {
	res, err := http.Post(s.server.URL+path, "", nil)
	s.Require().NoError(err)
	res.Body.Close()
	return res.StatusCode
}

func (s *ControlAPITestSuite) TestHealth() {
	res, err := http.Get(s.server.URL + "/api/v1/health")
	s.Require().NoError(err)
	defer res.Body.Close()

	s.Equal(http.StatusOK, res.StatusCode)
	var body map[string]string
	s.Require().NoError(json.NewDecoder(res.Body).Decode(&body))
	s.Equal("healthy", body["status"])
}

func (s *ControlAPITestSuite) TestStatusBeforeStart() {
	status := s.getStatus()
	s.Equal(types.ConnectionStateDisconnected, status.State)
	s.Equal("ws://127.0.0.1:1/api/v1/ws/tunnel", status.RelayURL)
	s.True(status.ConnectedAt.IsZero())
	s.Zero(status.Metrics.RequestsForwarded)
}

func (s *ControlAPITestSuite) TestTunnelStartStop() {
	s.Equal(http.StatusOK, s.post("/api/v1/tunnel/start"))

	// The relay is unreachable, so the client ends up waiting to reconnect.
	s.Require().Eventually(func() bool {
		return s.getStatus().State != types.ConnectionStateDisconnected
	}, 3*time.Second, 20*time.Millisecond)

	// Starting again while running is not an error.
	s.Equal(http.StatusOK, s.post("/api/v1/tunnel/start"))

	s.Equal(http.StatusOK, s.post("/api/v1/tunnel/stop"))
	s.Equal(types.ConnectionStateDisconnected, s.getStatus().State)
}

func (s *ControlAPITestSuite) TestTunnelRestart() {
	s.Equal(http.StatusOK, s.post("/api/v1/tunnel/restart"))

	s.Require().Eventually(func() bool {
		return s.getStatus().State != types.ConnectionStateDisconnected
	}, 3*time.Second, 20*time.Millisecond)
}

func (s *ControlAPITestSuite) TestMetricsEndpoint() {
	res, err := http.Get(s.server.URL + "/api/v1/metrics")
	s.Require().NoError(err)
	defer res.Body.Close()
	s.Equal(http.StatusOK, res.StatusCode)

	var metrics types.TunnelMetrics
	s.Require().NoError(json.NewDecoder(res.Body).Decode(&metrics))
	s.Zero(metrics.RequestsForwarded)
}

func (s *ControlAPITestSuite) TestRejectsWrongMethods() {
	res, err := http.Get(s.server.URL + "/api/v1/tunnel/start")
	s.Require().NoError(err)
	res.Body.Close()
	s.Equal(http.StatusMethodNotAllowed, res.StatusCode)
}

func TestNewAgentRequiresCredentialSource(t *testing.T) {
	cfg := testAgentConfig()
	cfg.Auth = config.AgentAuth{}
	_, err := New(cfg)
	require.Error(t, err)
}

func TestAgentStatusSnapshot(t *testing.T) {
	a, err := New(testAgentConfig())
	require.NoError(t, err)

	status := a.Status()
	require.Equal(t, types.ConnectionStateDisconnected, status.State)
	require.Empty(t, status.TenantID)
	require.Equal(t, "http://127.0.0.1:1", status.Runtime.Endpoint)
}
