// Package agent wires the local process together: the authenticated tunnel
// to the relay, the request router in front of the local LLM runtime, the
// runtime probe, and the loopback control API.
package agent

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/cloudtolocalllm/bridge/api/pkg/auth"
	"github.com/cloudtolocalllm/bridge/api/pkg/config"
	"github.com/cloudtolocalllm/bridge/api/pkg/router"
	"github.com/cloudtolocalllm/bridge/api/pkg/tunnel"
	"github.com/cloudtolocalllm/bridge/api/pkg/types"
)

type Agent struct {
	cfg      config.AgentConfig
	provider auth.TokenProvider
	client   *tunnel.Client
	router   *router.Router
	probe    *router.Probe

	// Lifetime of Run. Tunnel restarts requested over the control API attach
	// here rather than to the request that asked for them.
	runCtx context.Context
}

func New(cfg config.AgentConfig) (*Agent, error) {
	provider, err := newTokenProvider(cfg.Auth)
	if err != nil {
		return nil, err
	}

	allowList := config.DefaultAllowList()
	if cfg.Runtime.AllowListFile != "" {
		allowList, err = config.LoadAllowList(cfg.Runtime.AllowListFile)
		if err != nil {
			return nil, fmt.Errorf("loading allow-list: %w", err)
		}
	}

	requestRouter := router.New(cfg.Runtime, allowList)
	client := tunnel.NewClient(cfg.Relay, cfg.Tunnel, provider, requestRouter)

	return &Agent{
		cfg:      cfg,
		provider: provider,
		client:   client,
		router:   requestRouter,
		probe:    router.NewProbe(cfg.Runtime),
	}, nil
}

func newTokenProvider(cfg config.AgentAuth) (auth.TokenProvider, error) {
	if cfg.StaticToken != "" {
		return auth.NewStaticTokenProvider(cfg.StaticToken), nil
	}
	if cfg.ProviderURL == "" {
		return nil, fmt.Errorf("either AUTH_PROVIDER_URL or AUTH_STATIC_TOKEN must be set")
	}
	store, err := auth.NewFileTokenStore(cfg.TokenFile)
	if err != nil {
		return nil, err
	}
	return auth.NewOIDCTokenProvider(cfg, store)
}

// Run blocks serving the control API until ctx is cancelled. The tunnel and
// the runtime probe run for the same lifetime.
func (a *Agent) Run(ctx context.Context) error {
	a.runCtx = ctx
	go a.probe.Run(ctx)

	if err := a.client.Start(ctx); err != nil {
		return err
	}
	defer a.client.Stop()

	server := NewServer(a.cfg.ControlAPI, a)
	log.Info().
		Str("relay_url", a.cfg.Relay.URL).
		Str("runtime_url", a.cfg.Runtime.URL).
		Msg("agent running")
	return server.ListenAndServe(ctx)
}

// Login runs the interactive browser login and persists the tokens.
func (a *Agent) Login(ctx context.Context) error {
	_, err := a.provider.Login(ctx)
	return err
}

func (a *Agent) Logout() error {
	return a.provider.Logout()
}

// Status assembles the snapshot served by the control API.
func (a *Agent) Status() types.TunnelStatus {
	state := a.client.State()
	return types.TunnelStatus{
		State:         state.State,
		FailureReason: state.Reason,
		TenantID:      a.client.TenantID(),
		RelayURL:      a.cfg.Relay.URL,
		ConnectedAt:   a.client.ConnectedAt(),
		Runtime:       a.probe.Info(),
		Metrics:       a.router.Metrics(),
	}
}

func (a *Agent) Metrics() types.TunnelMetrics {
	return a.router.Metrics()
}

// StartTunnel is idempotent: starting an already running tunnel keeps the
// existing connection.
func (a *Agent) StartTunnel() error {
	err := a.client.Start(a.lifetime())
	if err != nil {
		log.Debug().Err(err).Msg("tunnel start ignored")
	}
	return nil
}

func (a *Agent) StopTunnel() {
	a.client.Stop()
}

func (a *Agent) RestartTunnel() error {
	a.client.Stop()
	return a.client.Start(a.lifetime())
}

func (a *Agent) lifetime() context.Context {
	if a.runCtx != nil {
		return a.runCtx
	}
	return context.Background()
}
