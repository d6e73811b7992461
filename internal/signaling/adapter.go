package signaling

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/erpchat/internal/store"
)

// CallHandler is the call layer as seen by the adapter.
type CallHandler interface {
	AnswerCall(ctx context.Context, channelID int64, env *Envelope) error
	HandleAnswer(ctx context.Context, env *Envelope) error
	HandleCandidate(ctx context.Context, env *Envelope) error
}

// Poster posts a message body to a channel.
type Poster interface {
	PostMessage(ctx context.Context, channelID int64, body, subject string) (int64, error)
}

// Options bounds the ordering buffer.
type Options struct {
	// MaxBuffered caps buffered envelopes per session; the oldest is dropped.
	MaxBuffered int
	// TTL discards buffered envelopes older than this.
	TTL time.Duration
}

type buffered struct {
	env *Envelope
	at  time.Time
}

// peerState tracks what a session's peer can accept.
type peerState struct {
	opened bool // local peer exists; answers apply
	ready  bool // remote description set; candidates apply
	queue  []buffered
}

// Adapter filters inbound signaling and sends outbound envelopes.
type Adapter struct {
	self   string
	poster Poster
	logger *zap.Logger
	opts   Options
	now    func() time.Time

	mu      sync.Mutex
	handler CallHandler
	peers   map[int64]*peerState
	ended   map[int64]time.Time
}

// NewAdapter creates an adapter. self identifies the local user in the
// envelope "from" field; envelopes carrying it are discarded as echoes.
func NewAdapter(self string, poster Poster, logger *zap.Logger, opts Options) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = 64
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	return &Adapter{
		self:   self,
		poster: poster,
		logger: logger,
		opts:   opts,
		now:    time.Now,
		peers:  make(map[int64]*peerState),
		ended:  make(map[int64]time.Time),
	}
}

// SetHandler attaches the call layer.
func (a *Adapter) SetHandler(h CallHandler) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

// Self returns the local sender id.
func (a *Adapter) Self() string { return a.self }

// IsSignaling reports whether a message body is a valid envelope, without
// acting on it.
func (a *Adapter) IsSignaling(m store.Message) bool {
	if !LooksLikeEnvelope(m) {
		return false
	}
	_, err := Parse(m.Body)
	return err == nil
}

// Inspect examines an inbound message. It returns true when the message was
// consumed as signaling and must not be shown as chat.
func (a *Adapter) Inspect(ctx context.Context, m store.Message) bool {
	if !LooksLikeEnvelope(m) {
		return false
	}
	env, err := Parse(m.Body)
	if err != nil {
		if m.Subject == Marker {
			a.logger.Debug("marked message is not a valid envelope", zap.Int64("server_id", m.ServerID), zap.Error(err))
		}
		return false
	}
	if env.From == a.self {
		a.logger.Debug("discarding own envelope", zap.String("type", string(env.Type)), zap.Int64("session_id", env.SessionID))
		return true
	}
	a.dispatch(ctx, m.ChannelID, env)
	return true
}

func (a *Adapter) dispatch(ctx context.Context, channelID int64, env *Envelope) {
	a.mu.Lock()
	h := a.handler
	if _, gone := a.ended[env.SessionID]; gone {
		a.mu.Unlock()
		a.logger.Debug("envelope for ended session dropped", zap.String("type", string(env.Type)), zap.Int64("session_id", env.SessionID))
		return
	}
	if h == nil {
		a.mu.Unlock()
		a.logger.Warn("no call handler, envelope dropped", zap.Int64("session_id", env.SessionID))
		return
	}
	if env.Type != TypeOffer {
		p := a.peers[env.SessionID]
		if !applicable(p, env) {
			a.bufferLocked(env)
			a.mu.Unlock()
			return
		}
	}
	a.mu.Unlock()

	a.apply(ctx, h, channelID, env)
}

func applicable(p *peerState, env *Envelope) bool {
	if p == nil {
		return false
	}
	switch env.Type {
	case TypeAnswer:
		return p.opened
	case TypeCandidate:
		return p.ready
	}
	return true
}

func (a *Adapter) apply(ctx context.Context, h CallHandler, channelID int64, env *Envelope) {
	var err error
	switch env.Type {
	case TypeOffer:
		err = h.AnswerCall(ctx, channelID, env)
	case TypeAnswer:
		err = h.HandleAnswer(ctx, env)
	case TypeCandidate:
		err = h.HandleCandidate(ctx, env)
	}
	if err != nil {
		a.logger.Warn("envelope not applied", zap.String("type", string(env.Type)), zap.Int64("session_id", env.SessionID), zap.Error(err))
	}
}

func (a *Adapter) bufferLocked(env *Envelope) {
	now := a.now()
	a.pruneLocked(now)
	p := a.peers[env.SessionID]
	if p == nil {
		p = &peerState{}
		a.peers[env.SessionID] = p
	}
	if len(p.queue) >= a.opts.MaxBuffered {
		a.logger.Warn("signaling buffer full, dropping oldest", zap.Int64("session_id", env.SessionID))
		p.queue = p.queue[1:]
	}
	p.queue = append(p.queue, buffered{env: env, at: now})
	a.logger.Debug("envelope buffered until peer is ready",
		zap.String("type", string(env.Type)), zap.Int64("session_id", env.SessionID), zap.Int("buffered", len(p.queue)))
}

func (a *Adapter) pruneLocked(now time.Time) {
	for id, p := range a.peers {
		kept := p.queue[:0]
		for _, b := range p.queue {
			if now.Sub(b.at) < a.opts.TTL {
				kept = append(kept, b)
			}
		}
		p.queue = kept
		if len(kept) == 0 && !p.opened {
			delete(a.peers, id)
		}
	}
	for id, at := range a.ended {
		if now.Sub(at) > 10*a.opts.TTL {
			delete(a.ended, id)
		}
	}
}

// PeerOpened tells the adapter a local peer exists for the session, so
// answers can be applied.
func (a *Adapter) PeerOpened(ctx context.Context, sessionID int64) {
	a.flush(ctx, sessionID, func(p *peerState) { p.opened = true })
}

// PeerReady tells the adapter the session's remote description is set, so
// candidates can be applied. Buffered envelopes flush in arrival order.
func (a *Adapter) PeerReady(ctx context.Context, sessionID int64) {
	a.flush(ctx, sessionID, func(p *peerState) { p.opened, p.ready = true, true })
}

func (a *Adapter) flush(ctx context.Context, sessionID int64, mark func(*peerState)) {
	a.mu.Lock()
	delete(a.ended, sessionID)
	p := a.peers[sessionID]
	if p == nil {
		p = &peerState{}
		a.peers[sessionID] = p
	}
	mark(p)
	now := a.now()
	var due []*Envelope
	kept := p.queue[:0]
	for _, b := range p.queue {
		switch {
		case now.Sub(b.at) >= a.opts.TTL:
			a.logger.Debug("buffered envelope expired", zap.Int64("session_id", sessionID))
		case applicable(p, b.env):
			due = append(due, b.env)
		default:
			kept = append(kept, b)
		}
	}
	p.queue = kept
	h := a.handler
	a.mu.Unlock()

	if h == nil {
		return
	}
	for _, env := range due {
		a.apply(ctx, h, 0, env)
	}
}

// Forget drops all state for a session. Later envelopes for it are dropped.
func (a *Adapter) Forget(sessionID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.peers, sessionID)
	a.ended[sessionID] = a.now()
}

// Buffered returns the number of envelopes held for a session.
func (a *Adapter) Buffered(sessionID int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p := a.peers[sessionID]; p != nil {
		return len(p.queue)
	}
	return 0
}

// Send posts an envelope to a channel, stamping sender and time.
func (a *Adapter) Send(ctx context.Context, channelID int64, env Envelope) error {
	env.From = a.self
	if env.Timestamp == 0 {
		env.Timestamp = a.now().UnixMilli()
	}
	body, err := env.Encode()
	if err != nil {
		return err
	}
	if _, err := a.poster.PostMessage(ctx, channelID, body, Marker); err != nil {
		return err
	}
	a.logger.Debug("envelope sent", zap.String("type", string(env.Type)), zap.Int64("session_id", env.SessionID), zap.Int64("channel_id", channelID))
	return nil
}
