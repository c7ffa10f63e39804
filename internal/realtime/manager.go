package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/agentworkforce/feedsync/internal/retry"
)

// TokenSource reads the persisted bearer token. An empty token with a nil
// error means no credential is stored.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Dialer opens an authenticated connection. It returns once the server has
// acknowledged the handshake or rejected it.
type Dialer interface {
	Dial(ctx context.Context, token string) (Session, error)
}

// Session is one established connection.
type Session interface {
	// Wait blocks until the connection drops and returns why.
	Wait(ctx context.Context) error
	Close() error
}

type ManagerOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the backoff randomization factor; 0 keeps delays exact.
	Jitter float64
	Logger *zap.Logger
	// OnStateChange is called after every transition, outside any lock.
	OnStateChange func(Status)
	// OnAuthFailure is called once when the server rejects the credential.
	// The owning process is expected to obtain a new token and call Reconnect.
	OnAuthFailure func(error)
}

func (o *ManagerOptions) norm() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 5 * time.Second
	}
	if o.MaxDelay < o.InitialDelay {
		o.MaxDelay = o.InitialDelay
	}
	if o.Multiplier < 1 {
		o.Multiplier = 1.5
	}
	if o.Jitter < 0 || o.Jitter > 1 {
		o.Jitter = 0
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Manager keeps at most one authenticated connection alive in the
// background. The token is snapshotted when the connection is (re)started
// and never refreshed behind the caller's back.
type Manager struct {
	tokens TokenSource
	dialer Dialer
	opts   ManagerOptions
	logger *zap.Logger
	wait   func(ctx context.Context, delay time.Duration) error

	lifecycle sync.Mutex

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

func NewManager(tokens TokenSource, dialer Dialer, opts ManagerOptions) (*Manager, error) {
	if tokens == nil {
		return nil, errors.New("token source is required")
	}
	if dialer == nil {
		return nil, errors.New("dialer is required")
	}
	opts.norm()
	return &Manager{
		tokens: tokens,
		dialer: dialer,
		opts:   opts,
		logger: opts.Logger,
		wait:   retry.Sleep,
		status: Status{State: StateDisconnected},
	}, nil
}

// Start reads the token and, if one is stored, connects in the background.
// It never blocks on the network. Calling Start while a connection loop is
// running is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.isClosed() {
		return ErrClosed
	}
	if m.running() {
		return nil
	}
	return m.start(ctx)
}

// Reconnect force-disconnects and immediately connects again with a fresh
// token snapshot. It resets the attempt counter. If the store no longer holds
// a token the manager stays disconnected.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.isClosed() {
		return ErrClosed
	}
	m.stop()
	return m.start(ctx)
}

// Disconnect stops the connection loop but leaves the manager usable.
func (m *Manager) Disconnect() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.stop()
}

// Close disconnects and waits for the background loop to exit. The manager
// cannot be restarted afterwards.
func (m *Manager) Close() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.isClosed() {
		return nil
	}
	m.stop()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.transition(eventClose, nil)
	return nil
}

func (m *Manager) Connected() bool {
	return m.Status().Connected()
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) start(ctx context.Context) error {
	token, err := m.tokens.Token(ctx)
	if err != nil {
		m.transition(eventNoToken, err)
		return err
	}
	if token == "" {
		m.logger.Info("no stored token; staying disconnected")
		m.transition(eventNoToken, nil)
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.mu.Lock()
	if m.cancel != nil {
		// the previous loop already exited on its own
		m.cancel()
	}
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()
	m.transition(eventStart, nil)
	go m.run(runCtx, token, done)
	return nil
}

func (m *Manager) stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.transition(eventStop, nil)
}

func (m *Manager) run(ctx context.Context, token string, done chan struct{}) {
	defer close(done)
	delays := m.newBackOff()
	for {
		session, err := m.dialer.Dial(ctx, token)
		if ctx.Err() != nil {
			if session != nil {
				_ = session.Close()
			}
			return
		}
		if err == nil {
			m.transition(eventHandshakeOK, nil)
			delays.Reset()
			err = session.Wait(ctx)
			_ = session.Close()
			if ctx.Err() != nil {
				return
			}
		}
		if IsAuthError(err) {
			m.transition(eventAuthError, err)
			if m.opts.OnAuthFailure != nil {
				m.opts.OnAuthFailure(err)
			}
			return
		}
		if st := m.transition(eventTransportError, err); st.State != StateReconnecting {
			m.logger.Warn("giving up reconnecting", zap.Int("attempt", st.Attempt), zap.Error(err))
			return
		}
		if waitErr := m.wait(ctx, delays.NextBackOff()); waitErr != nil {
			return
		}
	}
}

func (m *Manager) transition(ev event, err error) Status {
	m.mu.Lock()
	prev := m.status
	m.status = prev.next(ev, err, m.opts.MaxAttempts)
	st := m.status
	m.mu.Unlock()

	if st.State != prev.State || st.Attempt != prev.Attempt {
		fields := []zap.Field{
			zap.Stringer("from", prev.State),
			zap.Stringer("state", st.State),
			zap.Int("attempt", st.Attempt),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		m.logger.Info("connection state changed", fields...)
	}
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(st)
	}
	return st
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.InitialDelay
	b.MaxInterval = m.opts.MaxDelay
	b.Multiplier = m.opts.Multiplier
	b.RandomizationFactor = m.opts.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (m *Manager) running() bool {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
