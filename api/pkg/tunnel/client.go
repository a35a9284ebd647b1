package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/cloudtolocalllm/bridge/api/pkg/auth"
	"github.com/cloudtolocalllm/bridge/api/pkg/codec"
	"github.com/cloudtolocalllm/bridge/api/pkg/config"
	"github.com/cloudtolocalllm/bridge/api/pkg/system"
	"github.com/cloudtolocalllm/bridge/api/pkg/types"
)

// ErrNotConnected is returned by Send when the tunnel is not in the
// connected state.
var ErrNotConnected = errors.New("tunnel not connected")

// Frames this malformed from the relay close the connection. One bad frame
// is dropped; a stream of them means the peer is broken.
const protocolViolationLimit = 5

// RequestHandler turns an inbound request frame into its terminal frame.
// The router implements this against the local LLM runtime.
type RequestHandler interface {
	Handle(ctx context.Context, msg *types.TunnelMessage) *types.TunnelMessage
}

// Client is the tunnel client. Exactly one instance exists per agent
// process, explicitly constructed and passed around.
type Client struct {
	relayURL string
	tenantID string
	cfg      config.Tunnel
	provider auth.TokenProvider
	handler  RequestHandler
	dialer   *websocket.Dialer

	state *stateMachine

	mu      sync.Mutex // guards conn and writes: one writer at a time
	conn    *websocket.Conn
	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	missedPongs atomic.Int32
	connectedAt atomic.Int64 // unix nano, 0 when not connected
	boundTenant atomic.Value // string: tenant bound at last successful auth
}

func NewClient(relayCfg config.AgentRelay, tunnelCfg config.Tunnel, provider auth.TokenProvider, handler RequestHandler) *Client {
	c := &Client{
		relayURL: relayCfg.URL,
		tenantID: relayCfg.TenantID,
		cfg:      tunnelCfg,
		provider: provider,
		handler:  handler,
		dialer:   websocket.DefaultDialer,
		state:    newStateMachine(),
	}
	c.boundTenant.Store("")
	return c
}

// State returns the current state snapshot.
func (c *Client) State() StateChange {
	return c.state.get()
}

// Subscribe streams state transitions; the current state arrives first.
func (c *Client) Subscribe() (<-chan StateChange, func()) {
	return c.state.subscribe()
}

// TenantID returns the tenant identity bound at the last successful
// handshake, empty before the first one.
func (c *Client) TenantID() string {
	return c.boundTenant.Load().(string)
}

// ConnectedAt returns when the current connection was established, zero when
// not connected.
func (c *Client) ConnectedAt() time.Time {
	nanos := c.connectedAt.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Start launches the connect/serve/reconnect loop. It returns immediately;
// connection failures schedule reconnection, they do not surface here.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("tunnel client already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.started = true
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx)
	return nil
}

// Stop disconnects and suppresses automatic reconnection until the next
// Start. Safe to call when not started.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancel
	done := c.done
	conn := c.conn
	c.mu.Unlock()

	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

// Send writes one framed message. Fails with ErrNotConnected unless the
// state machine is in connected.
func (c *Client) Send(msg *types.TunnelMessage) error {
	if c.state.get().State != types.ConnectionStateConnected {
		return ErrNotConnected
	}
	return c.write(msg)
}

func (c *Client) write(msg *types.TunnelMessage) error {
	data, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// run is the connect/serve/reconnect loop. It exits only on Stop, context
// cancellation or an exhausted attempt limit.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer c.state.set(types.ConnectionStateDisconnected, types.FailureReasonNone)

	bo := newBackoff(c.cfg.BackoffBaseDelay, c.cfg.BackoffMaxDelay)
	first := true

	for {
		if first {
			c.state.set(types.ConnectionStateConnecting, types.FailureReasonNone)
			first = false
		} else {
			c.state.set(types.ConnectionStateReconnecting, types.FailureReasonNone)
		}

		connectedFor, reason, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Str("reason", string(reason)).Msg("tunnel session ended")

		// Only a session that actually reached the connected state and stayed
		// up counts as recovery. Slow failures keep the attempt counter.
		if connectedFor > c.cfg.BackoffResetAfter {
			bo.reset()
		}
		c.state.set(types.ConnectionStateError, reason)

		if c.cfg.MaxReconnectAttempts > 0 && bo.attempts() >= c.cfg.MaxReconnectAttempts {
			log.Error().Int("attempts", bo.attempts()).Msg("giving up on tunnel reconnection")
			return
		}

		wait := bo.next()
		log.Info().Dur("wait", wait).Int("attempt", bo.attempts()).Msg("scheduling tunnel reconnect")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// session performs one full connect/auth/serve cycle and blocks until the
// connection dies. It never retries internally. The returned duration is how
// long the session was in the connected state, zero if it never got there.
func (c *Client) session(ctx context.Context) (time.Duration, types.FailureReason, error) {
	tokens, err := c.provider.RefreshIfNeeded(ctx)
	if errors.Is(err, auth.ErrUnauthenticated) {
		log.Info().Msg("no usable credential, starting interactive login")
		tokens, err = c.provider.Login(ctx)
	}
	if err != nil {
		return 0, types.FailureReasonAuth, fmt.Errorf("authentication failed: %w", err)
	}

	tenantID := c.tenantID
	if tenantID == "" {
		tenantID, err = auth.TenantFromToken(tokens.AccessToken)
		if err != nil {
			return 0, types.FailureReasonAuth, fmt.Errorf("cannot determine tenant identity: %w", err)
		}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tokens.AccessToken)

	log.Info().Str("relay", c.relayURL).Str("tenant", tenantID).Msg("connecting to relay")
	conn, _, err := c.dialer.DialContext(ctx, c.relayURL, header)
	if err != nil {
		return 0, types.FailureReasonNetwork, fmt.Errorf("dial %s: %w", c.relayURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.connectedAt.Store(0)
		_ = conn.Close()
	}()

	reason, err := c.handshake(conn, tokens.AccessToken, tenantID)
	if err != nil {
		return 0, reason, err
	}

	connectedAt := time.Now()
	c.boundTenant.Store(tenantID)
	c.connectedAt.Store(connectedAt.UnixNano())
	c.missedPongs.Store(0)
	c.state.set(types.ConnectionStateConnected, types.FailureReasonNone)
	log.Info().Str("tenant", tenantID).Msg("tunnel connected")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeat(sessionCtx, conn)

	reason, err = c.readLoop(sessionCtx)
	return time.Since(connectedAt), reason, err
}

// handshake sends the auth frame and waits for the relay's acknowledgment.
func (c *Client) handshake(conn *websocket.Conn, accessToken, tenantID string) (types.FailureReason, error) {
	authMsg, err := codec.NewMessage(system.GenerateRequestID(), types.MessageTypeAuth, &types.AuthPayload{
		AccessToken: accessToken,
		TenantID:    tenantID,
	})
	if err != nil {
		return types.FailureReasonNetwork, err
	}
	if err := c.write(authMsg); err != nil {
		return types.FailureReasonNetwork, fmt.Errorf("failed to send auth frame: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.AuthAckTimeout))
	defer conn.SetReadDeadline(time.Time{}) //nolint:errcheck

	_, data, err := conn.ReadMessage()
	if err != nil {
		return types.FailureReasonNetwork, fmt.Errorf("no auth acknowledgment: %w", err)
	}
	msg, err := codec.Decode(data)
	if err != nil {
		return types.FailureReasonRejected, fmt.Errorf("bad auth acknowledgment: %w", err)
	}
	switch msg.Type {
	case types.MessageTypeAuthAck:
		return types.FailureReasonNone, nil
	case types.MessageTypeError:
		var payload types.ErrorPayload
		if err := codec.UnmarshalPayload(msg, &payload); err == nil {
			return types.FailureReasonRejected, fmt.Errorf("relay rejected tunnel: %s: %s", payload.Code, payload.Message)
		}
		return types.FailureReasonRejected, errors.New("relay rejected tunnel")
	default:
		return types.FailureReasonRejected, fmt.Errorf("unexpected %s frame during handshake", msg.Type)
	}
}

// heartbeat sends a protocol-level ping every interval and forces the
// connection down when too many pongs go missing. This catches connections
// the transport layer still believes are open.
func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if int(c.missedPongs.Load()) >= c.cfg.MissedPongLimit {
				log.Warn().Int32("missed", c.missedPongs.Load()).Msg("heartbeat timed out, closing connection")
				_ = conn.Close()
				return
			}
			ping, err := codec.NewMessage(system.GenerateRequestID(), types.MessageTypePing, nil)
			if err != nil {
				continue
			}
			if err := c.write(ping); err != nil {
				log.Warn().Err(err).Msg("heartbeat write failed")
				_ = conn.Close()
				return
			}
			c.missedPongs.Add(1)
		}
	}
}

// readLoop reads and dispatches frames until the connection dies. Dispatch
// never blocks on network I/O for unrelated requests: request handling runs
// on its own goroutines behind a bounded semaphore.
func (c *Client) readLoop(ctx context.Context) (types.FailureReason, error) {
	sem := make(chan struct{}, max(c.cfg.MaxInflightRequests, 1))
	violations := 0

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return types.FailureReasonNetwork, errors.New("connection closed")
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return types.FailureReasonNone, ctx.Err()
			}
			return types.FailureReasonNetwork, fmt.Errorf("read failed: %w", err)
		}

		msg, err := codec.Decode(data)
		if err != nil {
			violations++
			log.Warn().Err(err).Int("violations", violations).Msg("dropping malformed frame")
			if violations >= protocolViolationLimit {
				return types.FailureReasonNetwork, errors.New("too many protocol violations")
			}
			continue
		}

		switch msg.Type {
		case types.MessageTypePing:
			pong, _ := codec.NewMessage(msg.ID, types.MessageTypePong, nil)
			if err := c.write(pong); err != nil {
				log.Warn().Err(err).Msg("failed to answer ping")
			}
		case types.MessageTypePong:
			c.missedPongs.Store(0)
		case types.MessageTypeRequest:
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return types.FailureReasonNone, ctx.Err()
			}
			go func(msg *types.TunnelMessage) {
				defer func() { <-sem }()
				reply := c.handler.Handle(ctx, msg)
				if reply == nil {
					reply = codec.NewErrorMessage(msg.ID, types.ErrorCodeInternal, "request produced no reply")
				}
				if err := c.Send(reply); err != nil {
					log.Warn().Err(err).Str("request_id", msg.ID).Msg("failed to send reply")
				}
			}(msg)
		case types.MessageTypeResponse, types.MessageTypeError:
			// The agent never issues requests over the tunnel, so a terminal
			// frame here matches nothing. The relay-side requester has
			// already timed out.
			log.Debug().Str("id", msg.ID).Str("type", string(msg.Type)).Msg("dropping unmatched terminal frame")
		default:
			log.Debug().Str("type", string(msg.Type)).Msg("ignoring unexpected frame")
		}
	}
}
