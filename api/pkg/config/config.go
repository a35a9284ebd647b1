package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AgentConfig configures the local agent process: the outbound tunnel, the
// local LLM runtime it forwards to, and the control API other local
// processes use to observe it.
type AgentConfig struct {
	Relay      AgentRelay
	Runtime    Runtime
	Auth       AgentAuth
	Tunnel     Tunnel
	ControlAPI ControlAPI

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

func LoadAgentConfig() (AgentConfig, error) {
	var cfg AgentConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

type AgentRelay struct {
	// Websocket endpoint of the cloud relay, e.g. wss://app.example.com/api/v1/ws/tunnel
	URL string `envconfig:"RELAY_URL" default:"wss://app.cloudtolocalllm.online/api/v1/ws/tunnel"`
	// Stable tenant identity sent in the auth frame. When empty it is taken
	// from the access token's subject claim.
	TenantID string `envconfig:"TENANT_ID" default:""`
}

type Runtime struct {
	// Base URL of the local LLM runtime the router forwards to.
	URL string `envconfig:"RUNTIME_URL" default:"http://localhost:11434"`
	// Per-request timeout. Generation calls can run long.
	RequestTimeout time.Duration `envconfig:"RUNTIME_REQUEST_TIMEOUT" default:"60s"`
	// How often the agent probes the runtime for version and models.
	ProbeInterval time.Duration `envconfig:"RUNTIME_PROBE_INTERVAL" default:"30s"`
	// Optional YAML file overriding the built-in request allow-list.
	AllowListFile string `envconfig:"RUNTIME_ALLOWLIST_FILE" default:""`
}

type AgentAuth struct {
	// OIDC issuer, e.g. https://dev-xxxx.us.auth0.com/
	ProviderURL string `envconfig:"AUTH_PROVIDER_URL" default:""`
	ClientID    string `envconfig:"AUTH_CLIENT_ID" default:""`
	// Port the PKCE login flow listens on for the redirect callback.
	RedirectPort int    `envconfig:"AUTH_REDIRECT_PORT" default:"3025"`
	Audience     string `envconfig:"AUTH_AUDIENCE" default:""`
	// Where tokens are persisted between runs. Defaults to
	// ~/.config/cloudtolocalllm/tokens.json when empty.
	TokenFile string `envconfig:"AUTH_TOKEN_FILE" default:""`
	// Pre-emptive refresh margin: a token expiring within this window is
	// treated as expiring soon.
	RefreshMargin time.Duration `envconfig:"AUTH_REFRESH_MARGIN" default:"5m"`
	// Static bearer token for deployments without an identity provider.
	// When set, login/refresh are skipped entirely.
	StaticToken string `envconfig:"AUTH_STATIC_TOKEN" default:""`
}

type Tunnel struct {
	HeartbeatInterval time.Duration `envconfig:"TUNNEL_HEARTBEAT_INTERVAL" default:"30s"`
	// Missed pongs before the connection is considered dead.
	MissedPongLimit int           `envconfig:"TUNNEL_MISSED_PONG_LIMIT" default:"2"`
	AuthAckTimeout  time.Duration `envconfig:"TUNNEL_AUTH_ACK_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"TUNNEL_WRITE_TIMEOUT" default:"5s"`

	BackoffBaseDelay time.Duration `envconfig:"TUNNEL_BACKOFF_BASE_DELAY" default:"1s"`
	BackoffMaxDelay  time.Duration `envconfig:"TUNNEL_BACKOFF_MAX_DELAY" default:"5m"`
	// A connection that stays up this long resets the backoff attempt counter.
	BackoffResetAfter time.Duration `envconfig:"TUNNEL_BACKOFF_RESET_AFTER" default:"30s"`
	// 0 means retry forever with capped backoff. Background daemons should
	// not strand themselves; set a limit only where a human can restart.
	MaxReconnectAttempts int `envconfig:"TUNNEL_MAX_RECONNECT_ATTEMPTS" default:"0"`

	// Concurrent inbound requests handled by the router.
	MaxInflightRequests int `envconfig:"TUNNEL_MAX_INFLIGHT_REQUESTS" default:"16"`
}

type ControlAPI struct {
	Host string `envconfig:"CONTROL_API_HOST" default:"127.0.0.1"`
	Port int    `envconfig:"CONTROL_API_PORT" default:"3026"`
}

// RelayConfig configures the cloud relay process.
type RelayConfig struct {
	WebServer RelayWebServer
	Auth      RelayAuth
	Tunnels   RelayTunnels

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

func LoadRelayConfig() (RelayConfig, error) {
	var cfg RelayConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

type RelayWebServer struct {
	Host string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `envconfig:"SERVER_PORT" default:"8080"`
}

type RelayAuth struct {
	// One of oidc, token.
	Mode string `envconfig:"RELAY_AUTH_MODE" default:"token"`

	// OIDC mode: tokens are verified against the provider's JWKS.
	ProviderURL string `envconfig:"RELAY_OIDC_PROVIDER_URL" default:""`
	ClientID    string `envconfig:"RELAY_OIDC_CLIENT_ID" default:""`
	// Claim carrying the tenant identity. Subject when empty.
	TenantClaim string `envconfig:"RELAY_OIDC_TENANT_CLAIM" default:""`

	// Token mode: HMAC-signed tunnel tokens, subject is the tenant.
	SharedSecret string `envconfig:"RELAY_SHARED_SECRET" default:""`
}

type RelayTunnels struct {
	// How long a Forward call waits for the terminal frame.
	ForwardTimeout time.Duration `envconfig:"RELAY_FORWARD_TIMEOUT" default:"60s"`
	// The first frame after upgrade must be a valid auth frame within this window.
	HandshakeTimeout time.Duration `envconfig:"RELAY_HANDSHAKE_TIMEOUT" default:"10s"`

	PongWait   time.Duration `envconfig:"RELAY_PONG_WAIT" default:"60s"`
	PingPeriod time.Duration `envconfig:"RELAY_PING_PERIOD" default:"20s"`
	WriteWait  time.Duration `envconfig:"RELAY_WRITE_WAIT" default:"5s"`

	// Malformed frames tolerated per connection before it is closed.
	ProtocolViolationLimit int `envconfig:"RELAY_PROTOCOL_VIOLATION_LIMIT" default:"5"`
}
