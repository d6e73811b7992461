package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/matheus3301/erpchat/internal/call"
	"github.com/matheus3301/erpchat/internal/signaling"
)

// ErrForeignMedia is returned when a peer is given media it did not create.
var ErrForeignMedia = errors.New("rtc: media not created by rtc.Source")

// Factory creates peer connections sharing one pion API.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.Logger
	// disconnectGrace is how long a peer may stay disconnected before the
	// call is treated as hung up.
	disconnectGrace time.Duration
}

// DefaultDisconnectGrace bounds how long ICE may try to recover a
// disconnected transport.
const DefaultDisconnectGrace = 5 * time.Second

// NewFactory builds a factory using the given STUN urls. An empty list
// restricts ICE to host candidates.
func NewFactory(stunURLs []string, logger *zap.Logger) (*Factory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	cfg := webrtc.Configuration{}
	if len(stunURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunURLs}}
	}
	return &Factory{
		api:             webrtc.NewAPI(webrtc.WithMediaEngine(engine)),
		config:          cfg,
		logger:          logger,
		disconnectGrace: DefaultDisconnectGrace,
	}, nil
}

// NewPeer opens a peer connection and routes its callbacks to hooks.
func (f *Factory) NewPeer(_ context.Context, hooks call.Hooks) (call.Peer, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	p := &Peer{pc: pc, logger: f.logger, states: newStateRouter(hooks, f.disconnectGrace, f.logger)}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || hooks.OnCandidate == nil {
			return
		}
		init := c.ToJSON()
		hooks.OnCandidate(signaling.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
	pc.OnConnectionStateChange(p.states.onState)
	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if hooks.OnRemoteTrack != nil {
			hooks.OnRemoteTrack(t.Kind().String(), t.StreamID())
		}
	})
	return p, nil
}

// Peer wraps one pion peer connection.
type Peer struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger
	states *stateRouter
}

// AttachMedia adds the local tracks to the connection.
func (p *Peer) AttachMedia(m call.Media) error {
	local, ok := m.(*Media)
	if !ok {
		return ErrForeignMedia
	}
	for _, t := range local.tracks {
		if _, err := p.pc.AddTrack(t); err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}
	return nil
}

// CreateOffer creates and applies the local offer.
func (p *Peer) CreateOffer(_ context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

// AcceptOffer applies a remote offer and returns the local answer.
func (p *Peer) AcceptOffer(_ context.Context, sdp string) (string, error) {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	if err != nil {
		return "", fmt.Errorf("remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

// ApplyAnswer applies the remote answer to a local offer.
func (p *Peer) ApplyAnswer(_ context.Context, sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

// AddCandidate adds a remote ICE candidate.
func (p *Peer) AddCandidate(c signaling.Candidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// Close closes the connection.
func (p *Peer) Close() error {
	p.states.stop()
	return p.pc.Close()
}

// stateRouter maps connection states to call hooks. A disconnected
// transport that does not reconnect within grace counts as a hangup.
type stateRouter struct {
	hooks  call.Hooks
	grace  time.Duration
	logger *zap.Logger

	mu    sync.Mutex
	timer *time.Timer
	// gen invalidates a timer that fired after being cancelled.
	gen     uint64
	stopped bool
}

func newStateRouter(hooks call.Hooks, grace time.Duration, logger *zap.Logger) *stateRouter {
	return &stateRouter{hooks: hooks, grace: grace, logger: logger}
}

func (r *stateRouter) onState(s webrtc.PeerConnectionState) {
	r.logger.Debug("peer connection state", zap.String("state", s.String()))
	switch s {
	case webrtc.PeerConnectionStateDisconnected:
		r.armGrace()
	case webrtc.PeerConnectionStateConnected:
		r.cancelGrace()
		if r.hooks.OnConnected != nil {
			r.hooks.OnConnected()
		}
	case webrtc.PeerConnectionStateFailed:
		r.cancelGrace()
		if r.hooks.OnFailed != nil {
			r.hooks.OnFailed(errors.New("peer connection failed"))
		}
	case webrtc.PeerConnectionStateClosed:
		r.cancelGrace()
		if r.hooks.OnClosed != nil {
			r.hooks.OnClosed()
		}
	}
}

func (r *stateRouter) armGrace() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.timer != nil {
		return
	}
	gen := r.gen
	r.timer = time.AfterFunc(r.grace, func() { r.expire(gen) })
}

func (r *stateRouter) expire(gen uint64) {
	r.mu.Lock()
	if r.stopped || gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.gen++
	r.mu.Unlock()

	r.logger.Info("peer stayed disconnected, ending call", zap.Duration("grace", r.grace))
	if r.hooks.OnClosed != nil {
		r.hooks.OnClosed()
	}
}

func (r *stateRouter) cancelGrace() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
}

func (r *stateRouter) stop() {
	r.cancelGrace()
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}
