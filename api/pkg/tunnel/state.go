// Package tunnel owns the single persistent outbound connection from the
// local agent to the cloud relay: connect, authenticate, heartbeat, dispatch
// and reconnect with capped exponential backoff.
package tunnel

import (
	"sync"
	"time"

	"github.com/cloudtolocalllm/bridge/api/pkg/types"
)

// StateChange is one transition of the connection state machine.
type StateChange struct {
	State  types.ConnectionState
	Reason types.FailureReason
	At     time.Time
}

// stateMachine holds the current connection state and publishes transitions
// to subscribers. Subscribers get buffered channels and slow ones miss
// events rather than blocking the tunnel.
type stateMachine struct {
	mu      sync.Mutex
	current StateChange
	subs    map[chan StateChange]struct{}
}

func newStateMachine() *stateMachine {
	return &stateMachine{
		current: StateChange{State: types.ConnectionStateDisconnected, At: time.Now()},
		subs:    make(map[chan StateChange]struct{}),
	}
}

func (s *stateMachine) set(state types.ConnectionState, reason types.FailureReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.State == state && s.current.Reason == reason {
		return
	}
	s.current = StateChange{State: state, Reason: reason, At: time.Now()}
	for ch := range s.subs {
		select {
		case ch <- s.current:
		default:
		}
	}
}

func (s *stateMachine) get() StateChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// subscribe returns a channel of transitions and a cancel func. The current
// state is delivered first so subscribers never start blind.
func (s *stateMachine) subscribe() (<-chan StateChange, func()) {
	ch := make(chan StateChange, 16)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	ch <- s.current
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
}
