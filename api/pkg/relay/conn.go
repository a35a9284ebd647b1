package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/cloudtolocalllm/bridge/api/pkg/codec"
	"github.com/cloudtolocalllm/bridge/api/pkg/config"
	"github.com/cloudtolocalllm/bridge/api/pkg/types"
)

// tunnelConn wraps one authenticated tunnel connection: a serialized writer
// and the correlation table of requests awaiting their terminal frame.
type tunnelConn struct {
	id       string
	tenantID string
	ws       *websocket.Conn
	cfg      config.RelayTunnels

	writeMu sync.Mutex
	pending *xsync.MapOf[string, chan *types.TunnelMessage]

	closeOnce sync.Once
	closed    chan struct{}
}

func newTunnelConn(id, tenantID string, ws *websocket.Conn, cfg config.RelayTunnels) *tunnelConn {
	return &tunnelConn{
		id:       id,
		tenantID: tenantID,
		ws:       ws,
		cfg:      cfg,
		pending:  xsync.NewMapOf[string, chan *types.TunnelMessage](),
		closed:   make(chan struct{}),
	}
}

// send writes one framed message. One writer at a time so frames never
// interleave.
func (c *tunnelConn) send(msg *types.TunnelMessage) error {
	data, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// registerPending installs the correlation entry for a request id. The
// returned channel receives exactly the terminal frame with that id.
func (c *tunnelConn) registerPending(id string) chan *types.TunnelMessage {
	ch := make(chan *types.TunnelMessage, 1)
	c.pending.Store(id, ch)
	return ch
}

// removePending releases the correlation entry, whether it was consumed or
// abandoned. Leaked entries would mis-deliver a late frame to a future
// request, so every Forward path must land here.
func (c *tunnelConn) removePending(id string) {
	c.pending.Delete(id)
}

// resolvePending delivers a terminal frame to its waiting request. Unknown
// ids are dropped: the requester has already timed out and released the
// entry.
func (c *tunnelConn) resolvePending(msg *types.TunnelMessage) {
	ch, ok := c.pending.LoadAndDelete(msg.ID)
	if !ok {
		log.Debug().Str("tunnel", c.id).Str("id", msg.ID).Msg("dropping terminal frame with no pending request")
		return
	}
	ch <- msg
}

// pendingCount is used by tests to assert the table drains back to baseline.
func (c *tunnelConn) pendingCount() int {
	return c.pending.Size()
}

// close marks the connection dead, closes the socket and fails every
// in-flight request immediately rather than leaving them to time out.
func (c *tunnelConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
		c.pending.Range(func(id string, ch chan *types.TunnelMessage) bool {
			c.pending.Delete(id)
			select {
			case ch <- codec.NewErrorMessage(id, types.ErrorCodeTunnelDisconnected, "tunnel disconnected"):
			default:
			}
			return true
		})
	})
}
