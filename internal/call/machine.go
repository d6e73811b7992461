package call

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/matheus3301/erpchat/internal/bus"
	"github.com/matheus3301/erpchat/internal/signaling"
)

// session is the active call. media and peer are owned exclusively by it.
type session struct {
	Info
	media Media
	peer  Peer
}

// Machine holds at most one session at a time.
type Machine struct {
	media  MediaSource
	peers  PeerFactory
	sig    Signaler
	bus    *bus.Bus
	logger *zap.Logger
	ids    *snowflake.Node

	// setup serializes StartCall and AnswerCall.
	setup sync.Mutex

	mu      sync.Mutex
	current *session
	last    *Info
}

// NewMachine creates a call machine.
func NewMachine(media MediaSource, peers PeerFactory, sig Signaler, b *bus.Bus, logger *zap.Logger, ids *snowflake.Node) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{media: media, peers: peers, sig: sig, bus: b, logger: logger, ids: ids}
}

// Current returns the active session, or the last ended one with ok=false.
func (m *Machine) Current() (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return m.current.Info, true
	}
	if m.last != nil {
		return *m.last, false
	}
	return Info{}, false
}

// StartCall ends any prior session, then opens a new outgoing one and sends
// the offer. It returns the session id.
func (m *Machine) StartCall(ctx context.Context, channelID int64, t Type) (int64, error) {
	m.setup.Lock()
	defer m.setup.Unlock()

	_ = m.EndCall(ctx)

	sid := m.ids.Generate().Int64()
	s, err := m.open(ctx, sid, channelID, t, true)
	if err != nil {
		return 0, err
	}
	m.sig.PeerOpened(ctx, sid)

	offer, err := s.peer.CreateOffer(ctx)
	if err != nil {
		return 0, m.fail(sid, fmt.Errorf("create offer: %w", err))
	}
	if !m.isCurrent(sid) {
		return 0, ErrCallEnded
	}
	err = m.sig.Send(ctx, channelID, signaling.Envelope{
		Type:      signaling.TypeOffer,
		SessionID: sid,
		SDP:       offer,
		CallType:  string(t),
	})
	if err != nil {
		return 0, m.fail(sid, fmt.Errorf("send offer: %w", err))
	}
	m.logger.Info("call offered", zap.Int64("session_id", sid), zap.Int64("channel_id", channelID), zap.String("type", string(t)))
	return sid, nil
}

// AnswerCall accepts an inbound offer: any prior session ends, a new one
// opens in connecting and the answer is sent back.
func (m *Machine) AnswerCall(ctx context.Context, channelID int64, env *signaling.Envelope) error {
	if env.Type != signaling.TypeOffer {
		return fmt.Errorf("%w: %s is not an offer", ErrInvalidTransition, env.Type)
	}
	m.setup.Lock()
	defer m.setup.Unlock()

	if m.isCurrent(env.SessionID) {
		m.logger.Debug("duplicate offer ignored", zap.Int64("session_id", env.SessionID))
		return nil
	}
	_ = m.EndCall(ctx)

	t, err := ParseType(env.CallType)
	if err != nil {
		t = Audio
	}
	sid := env.SessionID
	s, err := m.open(ctx, sid, channelID, t, false)
	if err != nil {
		return err
	}
	m.sig.PeerOpened(ctx, sid)

	answer, err := s.peer.AcceptOffer(ctx, env.SDP)
	if err != nil {
		return m.fail(sid, fmt.Errorf("accept offer: %w", err))
	}
	m.sig.PeerReady(ctx, sid)
	if !m.isCurrent(sid) {
		return ErrCallEnded
	}
	err = m.sig.Send(ctx, channelID, signaling.Envelope{
		Type:      signaling.TypeAnswer,
		SessionID: sid,
		SDP:       answer,
	})
	if err != nil {
		return m.fail(sid, fmt.Errorf("send answer: %w", err))
	}
	m.logger.Info("call answered", zap.Int64("session_id", sid), zap.Int64("channel_id", channelID))
	return nil
}

// open acquires media and a peer and installs the session in connecting.
// On any failure everything acquired so far is released.
func (m *Machine) open(ctx context.Context, sid, channelID int64, t Type, initiator bool) (*session, error) {
	media, err := m.media.Acquire(ctx, t)
	if err != nil {
		m.publishSetupFailed(sid, channelID, t, initiator, err)
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	peer, err := m.peers.NewPeer(ctx, m.hooks(sid, channelID))
	if err != nil {
		media.Release()
		m.publishSetupFailed(sid, channelID, t, initiator, err)
		return nil, fmt.Errorf("open peer: %w", err)
	}
	if err := peer.AttachMedia(media); err != nil {
		media.Release()
		_ = peer.Close()
		m.publishSetupFailed(sid, channelID, t, initiator, err)
		return nil, fmt.Errorf("attach media: %w", err)
	}

	s := &session{
		Info: Info{
			SessionID:   sid,
			ChannelID:   channelID,
			Type:        t,
			IsInitiator: initiator,
			Status:      Connecting,
			StartedAt:   time.Now(),
		},
		media: media,
		peer:  peer,
	}
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	m.bus.Publish(bus.CallStarted{
		Time:        time.Now(),
		SessionID:   sid,
		ChannelID:   channelID,
		CallType:    string(t),
		IsInitiator: initiator,
	})
	return s, nil
}

// HandleAnswer applies the remote answer to the outgoing session.
func (m *Machine) HandleAnswer(ctx context.Context, env *signaling.Envelope) error {
	s, err := m.active(env.SessionID)
	if err != nil {
		return err
	}
	if !s.IsInitiator {
		return fmt.Errorf("%w: answer for an incoming call", ErrInvalidTransition)
	}
	if err := s.peer.ApplyAnswer(ctx, env.SDP); err != nil {
		return m.fail(env.SessionID, fmt.Errorf("apply answer: %w", err))
	}
	m.sig.PeerReady(ctx, env.SessionID)
	return nil
}

// HandleCandidate adds a remote ICE candidate to the active peer.
func (m *Machine) HandleCandidate(_ context.Context, env *signaling.Envelope) error {
	s, err := m.active(env.SessionID)
	if err != nil {
		return err
	}
	if env.Candidate == nil {
		return fmt.Errorf("call: candidate envelope without candidate")
	}
	return s.peer.AddCandidate(*env.Candidate)
}

// EndCall ends the active session. It is a no-op without one.
func (m *Machine) EndCall(_ context.Context) error {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	m.finish(s.SessionID, Ended, "local hangup")
	return nil
}

func (m *Machine) active(sid int64) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrNoActiveCall
	}
	if m.current.SessionID != sid {
		return nil, fmt.Errorf("%w: have %d, got %d", ErrSessionMismatch, m.current.SessionID, sid)
	}
	return m.current, nil
}

func (m *Machine) isCurrent(sid int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.SessionID == sid
}

// transition moves the active session to a non-terminal status.
func (m *Machine) transition(sid int64, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.current
	if s == nil || s.SessionID != sid {
		return ErrNoActiveCall
	}
	if !slices.Contains(validTransitions[s.Status], to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	return nil
}

// finish moves a session to a terminal status, releases media and closes
// the peer together, and publishes CallEnded. Only the first call for a
// session has any effect.
func (m *Machine) finish(sid int64, to Status, reason string) bool {
	m.mu.Lock()
	s := m.current
	if s == nil || s.SessionID != sid || !slices.Contains(validTransitions[s.Status], to) {
		m.mu.Unlock()
		return false
	}
	s.Status = to
	s.Reason = reason
	s.EndedAt = time.Now()
	m.current = nil
	info := s.Info
	m.last = &info
	m.mu.Unlock()

	s.media.Release()
	if err := s.peer.Close(); err != nil {
		m.logger.Warn("peer close", zap.Int64("session_id", sid), zap.Error(err))
	}
	m.sig.Forget(sid)

	m.logger.Info("call ended", zap.Int64("session_id", sid), zap.String("status", string(to)), zap.String("reason", reason))
	m.publishEnded(info)
	return true
}

func (m *Machine) fail(sid int64, err error) error {
	m.finish(sid, Failed, err.Error())
	return err
}

func (m *Machine) publishEnded(info Info) {
	m.bus.Publish(bus.CallEnded{
		Time:      time.Now(),
		SessionID: info.SessionID,
		ChannelID: info.ChannelID,
		Status:    string(info.Status),
		Reason:    info.Reason,
	})
}

// publishSetupFailed reports a session that never reached connecting.
func (m *Machine) publishSetupFailed(sid, channelID int64, t Type, initiator bool, err error) {
	m.logger.Warn("call setup failed", zap.Int64("session_id", sid), zap.Error(err))
	m.bus.Publish(bus.CallSetupFailed{
		Time:        time.Now(),
		SessionID:   sid,
		ChannelID:   channelID,
		CallType:    string(t),
		IsInitiator: initiator,
		Reason:      err.Error(),
	})
}

func (m *Machine) hooks(sid, channelID int64) Hooks {
	return Hooks{
		OnConnected: func() {
			if err := m.transition(sid, Connected); err != nil {
				m.logger.Debug("connected signal ignored", zap.Int64("session_id", sid), zap.Error(err))
				return
			}
			m.logger.Info("call connected", zap.Int64("session_id", sid))
			m.bus.Publish(bus.CallConnected{Time: time.Now(), SessionID: sid})
		},
		OnFailed: func(err error) {
			m.finish(sid, Failed, err.Error())
		},
		OnClosed: func() {
			m.finish(sid, Ended, "remote hangup")
		},
		OnRemoteTrack: func(kind, streamID string) {
			m.mu.Lock()
			if m.current != nil && m.current.SessionID == sid {
				m.current.RemoteStreamID = streamID
			}
			m.mu.Unlock()
			m.bus.Publish(bus.RemoteStreamReceived{Time: time.Now(), SessionID: sid, TrackKind: kind, StreamID: streamID})
		},
		OnCandidate: func(c signaling.Candidate) {
			if !m.isCurrent(sid) {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := m.sig.Send(ctx, channelID, signaling.Envelope{
				Type:      signaling.TypeCandidate,
				SessionID: sid,
				Candidate: &c,
			})
			if err != nil {
				m.logger.Warn("failed to send candidate", zap.Int64("session_id", sid), zap.Error(err))
			}
		},
	}
}
