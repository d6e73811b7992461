package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/erpchat/internal/await"
	"github.com/matheus3301/erpchat/internal/bus"
	"github.com/matheus3301/erpchat/internal/odoo"
	"github.com/matheus3301/erpchat/internal/status"
	"github.com/matheus3301/erpchat/internal/stream"
)

// Authenticator resolves the backend user.
type Authenticator interface {
	Authenticate(ctx context.Context) (int64, error)
}

// Session drives the daemon session state from backend authentication and
// notification stream transitions.
type Session struct {
	machine *status.Machine
	stream  *stream.Stream
	auth    Authenticator
	bus     *bus.Bus
	logger  *zap.Logger
	timeout time.Duration

	// OnReady runs once, the first time the session becomes ready.
	OnReady func(context.Context)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession creates a session supervisor. timeout bounds the startup wait
// for authentication and the first stream connection.
func NewSession(m *status.Machine, s *stream.Stream, auth Authenticator, b *bus.Bus, logger *zap.Logger, timeout time.Duration) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Session{machine: m, stream: s, auth: auth, bus: b, logger: logger, timeout: timeout}
}

// Start moves the session to connecting and supervises it in the background.
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	if err := s.machine.Transition(status.Connecting); err != nil {
		s.logger.Warn("session start", zap.Error(err))
	}
	events, unsub := s.bus.Subscribe("stream.", 32)
	go func() {
		defer close(s.done)
		defer unsub()
		s.run(ctx, events)
	}()
}

// Stop ends supervision.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// AuthFailed records that the backend rejected the credentials.
func (s *Session) AuthFailed(err error) {
	s.logger.Warn("backend rejected credentials", zap.Error(err))
	s.ensure(status.AuthRequired)
}

func (s *Session) run(ctx context.Context, events <-chan bus.Event) {
	out := await.Bounded(ctx, s.timeout, s.awaitReady)
	if ctx.Err() != nil {
		return
	}
	switch {
	case out.OK():
		s.logger.Info("session ready", zap.Int64("uid", out.Value), zap.Duration("elapsed", out.Elapsed))
		s.ready(ctx)
	case odoo.IsAuth(out.Err):
		s.AuthFailed(out.Err)
	default:
		s.logger.Warn("startup incomplete, running degraded",
			zap.String("outcome", out.State.String()), zap.Duration("elapsed", out.Elapsed), zap.Error(out.Err))
		s.ensure(status.Degraded)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			change, ok := evt.(bus.ConnectionStatusChanged)
			if !ok {
				continue
			}
			s.onStream(ctx, stream.State(change.Status))
		}
	}
}

// awaitReady authenticates and waits for the stream to connect.
func (s *Session) awaitReady(ctx context.Context) (int64, error) {
	uid, err := s.auth.Authenticate(ctx)
	if err != nil {
		return 0, err
	}
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for !s.stream.Online() {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
	return uid, nil
}

func (s *Session) onStream(ctx context.Context, st stream.State) {
	current := s.machine.Current()
	switch st {
	case stream.Connected:
		if current == status.AuthRequired {
			if _, err := s.auth.Authenticate(ctx); err != nil {
				return
			}
			s.ensure(status.Connecting)
		}
		s.ready(ctx)
	case stream.Reconnecting:
		if current == status.Ready {
			s.ensure(status.Degraded)
		}
	}
}

func (s *Session) ready(ctx context.Context) {
	s.ensure(status.Ready)
	if s.OnReady != nil && s.machine.Current() == status.Ready {
		hook := s.OnReady
		s.OnReady = nil
		go hook(ctx)
	}
}

func (s *Session) ensure(to status.State) {
	if err := s.machine.Ensure(to); err != nil {
		s.logger.Debug("session transition skipped", zap.String("to", string(to)), zap.Error(err))
	}
}
