// Package call owns the single active call session: its local and remote
// media, its peer connection and the state transitions between them.
package call

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/erpchat/internal/signaling"
)

var (
	ErrNoActiveCall      = errors.New("call: no active call")
	ErrInvalidTransition = errors.New("call: invalid transition")
	ErrMediaUnavailable  = errors.New("call: local media unavailable")
	ErrSessionMismatch   = errors.New("call: envelope for another session")
	ErrCallEnded         = errors.New("call: ended during setup")
)

// Type is the kind of call.
type Type string

const (
	Audio Type = "audio"
	Video Type = "video"
)

// ParseType accepts "audio" or "video"; empty means audio.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case "", Audio:
		return Audio, nil
	case Video:
		return Video, nil
	}
	return "", errors.New("call: type must be audio or video")
}

// Status is the state of a call session.
type Status string

const (
	Connecting Status = "connecting"
	Connected  Status = "connected"
	Ended      Status = "ended"
	Failed     Status = "failed"
)

var validTransitions = map[Status][]Status{
	Connecting: {Connected, Ended, Failed},
	Connected:  {Ended, Failed},
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool { return s == Ended || s == Failed }

// Media is a handle on acquired local capture devices.
type Media interface {
	Kinds() []string
	Release()
}

// MediaSource acquires local media for a call type.
type MediaSource interface {
	Acquire(ctx context.Context, t Type) (Media, error)
}

// Hooks are the peer's callbacks into the machine. They may be called from
// any goroutine.
type Hooks struct {
	OnConnected   func()
	OnFailed      func(error)
	OnClosed      func()
	OnRemoteTrack func(kind, streamID string)
	OnCandidate   func(signaling.Candidate)
}

// Peer is one transport-level peer connection.
type Peer interface {
	AttachMedia(m Media) error
	CreateOffer(ctx context.Context) (string, error)
	AcceptOffer(ctx context.Context, sdp string) (string, error)
	ApplyAnswer(ctx context.Context, sdp string) error
	AddCandidate(c signaling.Candidate) error
	Close() error
}

// PeerFactory opens peer connections.
type PeerFactory interface {
	NewPeer(ctx context.Context, h Hooks) (Peer, error)
}

// Signaler carries envelopes to the remote side and is told when the local
// peer can accept buffered ones.
type Signaler interface {
	Send(ctx context.Context, channelID int64, env signaling.Envelope) error
	PeerOpened(ctx context.Context, sessionID int64)
	PeerReady(ctx context.Context, sessionID int64)
	Forget(sessionID int64)
}

// Info is a snapshot of a session.
type Info struct {
	SessionID      int64
	ChannelID      int64
	Type           Type
	IsInitiator    bool
	Status         Status
	StartedAt      time.Time
	EndedAt        time.Time
	Reason         string
	RemoteStreamID string
}
