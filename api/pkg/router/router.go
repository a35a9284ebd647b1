// Package router translates inbound tunnel request frames into HTTP calls
// against the local LLM runtime and produces the matching terminal frames.
package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cloudtolocalllm/bridge/api/pkg/codec"
	"github.com/cloudtolocalllm/bridge/api/pkg/config"
	"github.com/cloudtolocalllm/bridge/api/pkg/types"
)

// Router forwards allow-listed requests to the local runtime. Everything
// else is rejected up front: the tunnel must never become an arbitrary local
// proxy.
type Router struct {
	baseURL   string
	allowList *config.AllowList
	client    *http.Client

	requestsForwarded atomic.Uint64
	requestsSucceeded atomic.Uint64
	requestsFailed    atomic.Uint64
	lastRequestAt     atomic.Int64
}

func New(cfg config.Runtime, allowList *config.AllowList) *Router {
	return &Router{
		baseURL:   strings.TrimSuffix(cfg.URL, "/"),
		allowList: allowList,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
	}
}

// Handle implements tunnel.RequestHandler. It always returns a terminal
// frame carrying the original id: the caller on the far side of the tunnel
// is blocked waiting for one.
func (r *Router) Handle(ctx context.Context, msg *types.TunnelMessage) *types.TunnelMessage {
	if msg.Type != types.MessageTypeRequest {
		log.Warn().Str("type", string(msg.Type)).Msg("router refusing non-request frame")
		return codec.NewErrorMessage(msg.ID, types.ErrorCodeBadRequest, fmt.Sprintf("cannot route %s frame", msg.Type))
	}

	var payload types.RequestPayload
	if err := codec.UnmarshalPayload(msg, &payload); err != nil {
		return codec.NewErrorMessage(msg.ID, types.ErrorCodeBadRequest, err.Error())
	}

	r.lastRequestAt.Store(time.Now().UnixNano())
	r.requestsForwarded.Add(1)

	if !r.allowList.Allows(payload.Method, payload.Path) {
		r.requestsFailed.Add(1)
		log.Warn().Str("method", payload.Method).Str("path", payload.Path).Msg("request blocked by allow-list")
		return codec.NewErrorMessage(msg.ID, types.ErrorCodeForbiddenPath,
			fmt.Sprintf("%s %s is not an allowed local runtime path", payload.Method, payload.Path))
	}

	reply, err := r.forward(ctx, msg.ID, &payload)
	if err != nil {
		r.requestsFailed.Add(1)
		log.Warn().Err(err).Str("method", payload.Method).Str("path", payload.Path).Msg("local runtime request failed")
		code := types.ErrorCodeUpstreamUnreachable
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			code = types.ErrorCodeUpstreamTimeout
		}
		return codec.NewErrorMessage(msg.ID, code, err.Error())
	}

	r.requestsSucceeded.Add(1)
	return reply
}

func (r *Router) forward(ctx context.Context, id string, payload *types.RequestPayload) (*types.TunnelMessage, error) {
	var body io.Reader
	if len(payload.Body) > 0 {
		body = bytes.NewReader(payload.Body)
	}

	req, err := http.NewRequestWithContext(ctx, payload.Method, r.baseURL+payload.Path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for key, values := range payload.Headers {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	res, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	log.Debug().Str("method", payload.Method).Str("path", payload.Path).Int("status", res.StatusCode).Msg("forwarded local runtime request")

	return codec.NewMessage(id, types.MessageTypeResponse, &types.ResponsePayload{
		Status:  res.StatusCode,
		Headers: map[string][]string(res.Header),
		Body:    respBody,
	})
}

// Metrics returns a copied snapshot of the forwarding counters.
func (r *Router) Metrics() types.TunnelMetrics {
	m := types.TunnelMetrics{
		RequestsForwarded: r.requestsForwarded.Load(),
		RequestsSucceeded: r.requestsSucceeded.Load(),
		RequestsFailed:    r.requestsFailed.Load(),
	}
	if nanos := r.lastRequestAt.Load(); nanos > 0 {
		m.LastRequestAt = time.Unix(0, nanos)
	}
	return m
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isHopByHopHeader(key string) bool {
	switch http.CanonicalHeaderKey(key) {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade":
		return true
	}
	return false
}
