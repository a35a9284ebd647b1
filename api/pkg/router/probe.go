package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/cloudtolocalllm/bridge/api/pkg/config"
	"github.com/cloudtolocalllm/bridge/api/pkg/types"
)

// Probe periodically checks the local runtime, caching its version, model
// list and measured latency so the control API can answer status requests
// without touching the runtime on every call.
type Probe struct {
	baseURL  string
	interval time.Duration
	client   *http.Client

	mu   sync.Mutex
	info types.RuntimeInfo
}

func NewProbe(cfg config.Runtime) *Probe {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.HTTPClient.Timeout = 10 * time.Second
	retryClient.Logger = nil

	return &Probe{
		baseURL:  cfg.URL,
		interval: cfg.ProbeInterval,
		client:   retryClient.StandardClient(),
		info: types.RuntimeInfo{
			Endpoint: cfg.URL,
		},
	}
}

// Run probes until the context is cancelled. The first probe happens
// immediately so status is populated right after startup.
func (p *Probe) Run(ctx context.Context) {
	p.probe(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

// Info returns the last probe result.
func (p *Probe) Info() types.RuntimeInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := p.info
	info.Models = append([]string(nil), p.info.Models...)
	return info
}

func (p *Probe) probe(ctx context.Context) {
	start := time.Now()

	version, err := retry.DoWithData(func() (string, error) {
		return p.fetchVersion(ctx)
	}, retry.Context(ctx), retry.Attempts(3), retry.Delay(time.Second))
	if err != nil {
		log.Debug().Err(err).Str("runtime", p.baseURL).Msg("local runtime probe failed")
		p.mu.Lock()
		p.info.Version = ""
		p.info.Models = nil
		p.info.CheckedAt = time.Now()
		p.mu.Unlock()
		return
	}

	models, err := p.fetchModels(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("failed to list local runtime models")
	}

	p.mu.Lock()
	p.info.Version = version
	p.info.Models = models
	p.info.Latency = time.Since(start)
	p.info.CheckedAt = time.Now()
	p.mu.Unlock()
}

func (p *Probe) fetchVersion(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/version", nil)
	if err != nil {
		return "", err
	}
	res, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("version probe returned %d", res.StatusCode)
	}
	var payload struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return "", err
	}
	return payload.Version, nil
}

func (p *Probe) fetchModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	res, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model list returned %d", res.StatusCode)
	}
	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(payload.Models))
	for _, m := range payload.Models {
		names = append(names, m.Name)
	}
	return names, nil
}
