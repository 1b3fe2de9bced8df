package connection

import (
	"context"
	"errors"
	"time"

	protolog "github.com/mash-protocol/iotsession/pkg/log"
	"github.com/mash-protocol/iotsession/pkg/metrics"
)

// State represents the connection state.
type State uint8

const (
	// StateDisconnected indicates no active connection.
	StateDisconnected State = iota

	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting

	// StateConnected indicates an active connection.
	StateConnected
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// startDaemon starts the reconnect daemon unless one is running. It reports
// whether a daemon was started.
func (m *Manager) startDaemon() bool {
	m.daemonMu.Lock()
	defer m.daemonMu.Unlock()
	if m.daemonCancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.daemonCancel, m.daemonDone = cancel, done
	go m.reconnectLoop(ctx, done)
	m.emitDaemonState("RUNNING", "")
	return true
}

// stopDaemon stops the reconnect daemon and waits for it to exit.
func (m *Manager) stopDaemon() {
	m.daemonMu.Lock()
	cancel, done := m.daemonCancel, m.daemonDone
	m.daemonCancel, m.daemonDone = nil, nil
	m.daemonMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.emitDaemonState("STOPPED", "")
}

// daemonExited forgets a daemon that ended on its own.
func (m *Manager) daemonExited(done chan struct{}, reason string) {
	m.daemonMu.Lock()
	if m.daemonDone == done {
		m.daemonCancel()
		m.daemonCancel, m.daemonDone = nil, nil
	}
	m.daemonMu.Unlock()
	m.emitDaemonState("STOPPED", reason)
}

// reconnectRunning reports whether the reconnect daemon is active.
func (m *Manager) reconnectRunning() bool {
	m.daemonMu.Lock()
	defer m.daemonMu.Unlock()
	return m.daemonCancel != nil
}

func (m *Manager) reconnectLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	m.logger.Debug("connection: reconnect daemon started")

	for {
		if !m.waitForReconnectNeeded(ctx) {
			m.logger.Debug("connection: reconnect daemon stopped")
			return
		}

		m.logger.Debug("connection: attempting reconnect", "broker", m.broker)
		err := m.Connect(ctx)
		if err == nil {
			m.metrics.ReconnectAttempt(metrics.ResultSuccess)
			continue
		}
		if ctx.Err() != nil || errors.Is(err, ErrClosed) {
			return
		}
		m.metrics.ReconnectAttempt(metrics.ResultError)

		var cfe *ConnectionFailedError
		if errors.As(err, &cfe) && cfe.Fatal {
			m.logger.Error("connection: reconnect failed permanently, reconnect daemon stopping",
				"broker", m.broker, "error", err)
			m.daemonExited(done, err.Error())
			return
		}

		delay := m.backoff.Next()
		m.logger.Debug("connection: reconnect failed, retrying",
			"error", err, "retry_in", delay, "attempt", m.backoff.Attempts())
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// waitForReconnectNeeded blocks until the session is down while a
// connection is desired. It returns false when ctx ends.
func (m *Manager) waitForReconnectNeeded(ctx context.Context) bool {
	for {
		m.stateMu.Lock()
		needed := m.state != StateConnected && m.desire
		ch := m.stateCh
		m.stateMu.Unlock()
		if needed {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ch:
		}
	}
}

func (m *Manager) emitDaemonState(state, reason string) {
	m.emit(protolog.Event{
		Category: protolog.CategoryState,
		StateChange: &protolog.StateChangeEvent{
			Entity:   protolog.StateEntityReconnect,
			NewState: state,
			Reason:   reason,
		},
	})
}
