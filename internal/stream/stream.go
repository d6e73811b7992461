// Package stream keeps a live connection to the backend for the subscribed
// channels and turns its notifications into normalized messages and events.
package stream

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/matheus3301/erpchat/internal/bus"
	"github.com/matheus3301/erpchat/internal/store"
)

// State is the connection state of the stream.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
)

var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Disconnected},
}

// Notification is one normalized item delivered by a transport.
type Notification struct {
	Message *store.Message
	Typing  *Typing

	// ack records the notification as handled. It runs after the consumer
	// returns, so anything still queued at Stop is read again later.
	ack func() error
}

// Typing is a single typing start or stop.
type Typing struct {
	ChannelID int64
	User      string
	Active    bool
}

// Session is the stream's side of a running transport.
type Session interface {
	// Channels returns the current subscriptions.
	Channels() []int64
	// Changed is signalled when the subscription set changes.
	Changed() <-chan struct{}
	// Connected marks the transport live.
	Connected()
	// Deliver hands a notification to the stream. It blocks while the
	// consumer is behind and returns false once ctx is done.
	Deliver(ctx context.Context, n Notification) bool
}

// Transport connects to the backend. Run blocks until the connection drops or
// ctx is done, and returns the cause.
type Transport interface {
	Run(ctx context.Context, s Session) error
}

// Options tunes reconnect behaviour.
type Options struct {
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// Stream owns the connection state machine, the subscription set and the
// single consumer of inbound notifications.
type Stream struct {
	transport Transport
	bus       *bus.Bus
	logger    *zap.Logger
	opts      Options

	mu      sync.Mutex
	state   State
	subs    map[int64]struct{}
	changed chan struct{}
	typing  map[int64]map[string]struct{}

	handler atomic.Pointer[func(store.Message)]
	inbound chan Notification
	wasLive atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stream over the given transport.
func New(t Transport, b *bus.Bus, logger *zap.Logger, opts Options) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectBase {
		opts.ReconnectMax = 30 * time.Second
	}
	return &Stream{
		transport: t,
		bus:       b,
		logger:    logger,
		opts:      opts,
		state:     Disconnected,
		subs:      make(map[int64]struct{}),
		changed:   make(chan struct{}, 1),
		typing:    make(map[int64]map[string]struct{}),
		inbound:   make(chan Notification, 256),
	}
}

// OnMessage sets the consumer of inbound messages. Messages are delivered one
// at a time, in arrival order.
func (s *Stream) OnMessage(h func(store.Message)) {
	s.handler.Store(&h)
}

// State returns the current connection state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Online reports whether the stream is connected.
func (s *Stream) Online() bool {
	return s.State() == Connected
}

// Subscribe adds a channel to the live set. Subscribing twice is a no-op.
func (s *Stream) Subscribe(channelID int64) {
	s.mu.Lock()
	_, had := s.subs[channelID]
	s.subs[channelID] = struct{}{}
	s.mu.Unlock()
	if !had {
		s.logger.Debug("subscribed", zap.Int64("channel_id", channelID))
		s.notifyChanged()
	}
}

// Unsubscribe removes a channel from the live set.
func (s *Stream) Unsubscribe(channelID int64) {
	s.mu.Lock()
	_, had := s.subs[channelID]
	delete(s.subs, channelID)
	delete(s.typing, channelID)
	s.mu.Unlock()
	if had {
		s.logger.Debug("unsubscribed", zap.Int64("channel_id", channelID))
		s.notifyChanged()
	}
}

// Subscriptions returns the subscribed channel ids in ascending order.
func (s *Stream) Subscriptions() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Stream) subscribed(channelID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[channelID]
	return ok
}

func (s *Stream) notifyChanged() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Start connects in the background and keeps reconnecting until Stop.
func (s *Stream) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.consume(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop closes the connection and waits for the background goroutines.
func (s *Stream) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.mu.Lock()
	if s.state != Disconnected {
		_ = s.transitionLocked(Disconnected)
	}
	s.mu.Unlock()
}

func (s *Stream) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.ReconnectBase
	bo.MaxInterval = s.opts.ReconnectMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		s.setState(Connecting)
		s.wasLive.Store(false)
		err := s.transport.Run(ctx, session{s})
		if ctx.Err() != nil {
			return
		}
		if s.wasLive.Load() {
			bo.Reset()
		}
		s.setState(Reconnecting)
		s.clearTyping()

		delay := bo.NextBackOff()
		s.logger.Warn("stream dropped, reconnecting", zap.Error(err), zap.Duration("delay", delay))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *Stream) setState(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == to {
		return
	}
	if err := s.transitionLocked(to); err != nil {
		s.logger.Error("stream state", zap.Error(err))
	}
}

func (s *Stream) transitionLocked(to State) error {
	if !slices.Contains(validTransitions[s.state], to) {
		return fmt.Errorf("invalid transition from %s to %s", s.state, to)
	}
	from := s.state
	s.state = to
	s.logger.Info("connection status", zap.String("from", string(from)), zap.String("to", string(to)))
	s.bus.Publish(bus.ConnectionStatusChanged{Time: time.Now(), From: string(from), Status: string(to)})
	return nil
}

func (s *Stream) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.inbound:
			s.dispatch(n)
		}
	}
}

func (s *Stream) dispatch(n Notification) {
	switch {
	case n.Message != nil:
		if h := s.handler.Load(); h != nil {
			(*h)(*n.Message)
		}
	case n.Typing != nil:
		users, changed := s.applyTyping(*n.Typing)
		if changed {
			s.bus.Publish(bus.TypingChanged{Time: time.Now(), ChannelID: n.Typing.ChannelID, TypingUsers: users})
		}
	}
	if n.ack != nil {
		if err := n.ack(); err != nil {
			s.logger.Warn("failed to advance cursor", zap.Error(err))
		}
	}
}

func (s *Stream) applyTyping(t Typing) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.typing[t.ChannelID]
	_, had := set[t.User]
	if had == t.Active {
		return nil, false
	}
	if t.Active {
		if set == nil {
			set = make(map[string]struct{})
			s.typing[t.ChannelID] = set
		}
		set[t.User] = struct{}{}
	} else {
		delete(set, t.User)
	}
	users := make([]string, 0, len(set))
	for u := range set {
		users = append(users, u)
	}
	slices.Sort(users)
	return users, true
}

func (s *Stream) clearTyping() {
	s.mu.Lock()
	cleared := make([]int64, 0, len(s.typing))
	for id, set := range s.typing {
		if len(set) > 0 {
			cleared = append(cleared, id)
		}
	}
	s.typing = make(map[int64]map[string]struct{})
	s.mu.Unlock()
	for _, id := range cleared {
		s.bus.Publish(bus.TypingChanged{Time: time.Now(), ChannelID: id, TypingUsers: []string{}})
	}
}

// session adapts Stream to the Session a transport sees.
type session struct{ s *Stream }

func (x session) Channels() []int64        { return x.s.Subscriptions() }
func (x session) Changed() <-chan struct{} { return x.s.changed }

func (x session) Connected() {
	x.s.wasLive.Store(true)
	x.s.setState(Connected)
}

func (x session) Deliver(ctx context.Context, n Notification) bool {
	var channelID int64
	switch {
	case n.Message != nil:
		channelID = n.Message.ChannelID
	case n.Typing != nil:
		channelID = n.Typing.ChannelID
	default:
		return true
	}
	if !x.s.subscribed(channelID) {
		return true
	}
	select {
	case x.s.inbound <- n:
		return true
	case <-ctx.Done():
		return false
	}
}
