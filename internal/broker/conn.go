package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/domain"
)

// ConnectionManager owns the session state machine for one adapter
// instance: Disconnected -> Connecting -> Connected | Failed, with Failed
// eligible for re-Connect. Every authenticated operation calls Require
// first, which fails fast without touching the network.
type ConnectionManager struct {
	dial func(context.Context) error

	mu     sync.Mutex
	state  domain.ConnectionState
	waitCh chan struct{}
}

// NewConnectionManager creates a manager in the Disconnected state. dial
// performs the provider-specific session establishment.
func NewConnectionManager(dial func(context.Context) error) *ConnectionManager {
	return &ConnectionManager{
		dial:  dial,
		state: domain.ConnDisconnected,
	}
}

// Connect establishes the session. It is idempotent: calling while already
// connected is a no-op. Concurrent callers during an in-flight dial wait for
// its outcome instead of dialing again.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	for m.state == domain.ConnConnecting {
		ch := m.waitCh
		m.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
	}
	if m.state == domain.ConnConnected {
		m.mu.Unlock()
		return nil
	}
	m.state = domain.ConnConnecting
	m.waitCh = make(chan struct{})
	m.mu.Unlock()

	err := m.dial(ctx)

	m.mu.Lock()
	if err != nil {
		m.state = domain.ConnFailed
	} else {
		m.state = domain.ConnConnected
	}
	close(m.waitCh)
	m.mu.Unlock()

	if err != nil {
		if errors.Is(err, ErrAuthentication) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return nil
}

// Disconnect returns the manager to the Disconnected state.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.ConnConnecting {
		m.state = domain.ConnDisconnected
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Require returns ErrNotConnected unless the session is established. This
// is the cheap synchronous guard in front of every authenticated operation;
// it is never a retry target.
func (m *ConnectionManager) Require() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.ConnConnected {
		return fmt.Errorf("%w (state %s)", ErrNotConnected, m.state)
	}
	return nil
}
