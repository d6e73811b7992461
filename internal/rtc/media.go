// Package rtc implements call media and peer connections on pion/webrtc.
package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"github.com/matheus3301/erpchat/internal/call"
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const streamID = "erpchat"

// Media is a set of local tracks owned by one call session.
type Media struct {
	tracks []*webrtc.TrackLocalStaticSample

	once sync.Once
	done chan struct{}
}

// Kinds returns the track kinds, audio first.
func (m *Media) Kinds() []string {
	out := make([]string, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t.Kind().String())
	}
	return out
}

// Release stops feeding the tracks. Safe to call more than once.
func (m *Media) Release() {
	m.once.Do(func() { close(m.done) })
}

// Released reports whether Release was called.
func (m *Media) Released() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Source produces local tracks. The daemon has no capture device, so audio
// carries Opus silence and video carries no frames until a sender is attached.
type Source struct {
	logger *zap.Logger
}

// NewSource creates a media source.
func NewSource(logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{logger: logger}
}

// Acquire creates the tracks for a call of type t.
func (s *Source) Acquire(ctx context.Context, t call.Type) (call.Media, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	m := &Media{tracks: []*webrtc.TrackLocalStaticSample{audio}, done: make(chan struct{})}
	if t == call.Video {
		video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", streamID)
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
		m.tracks = append(m.tracks, video)
	}
	go s.feedSilence(m, audio)
	return m, nil
}

func (s *Source) feedSilence(m *Media, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond}); err != nil {
				s.logger.Debug("silence write failed", zap.Error(err))
				return
			}
		}
	}
}
