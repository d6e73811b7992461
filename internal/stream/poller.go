package stream

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/erpchat/internal/store"
)

// Reader reads channel messages from the backend.
type Reader interface {
	Ping(ctx context.Context) error
	ReadMessages(ctx context.Context, channelID, sinceID int64, limit int) ([]store.Message, error)
	ReadRecent(ctx context.Context, channelID int64, limit int) ([]store.Message, error)
}

// Cursors persists the last seen message id per channel.
type Cursors interface {
	CursorInt(key string) (int64, error)
	AdvanceCursor(key string, id int64) error
}

// Poller is the pull transport: it reads each subscribed channel past its
// cursor every interval, and immediately when subscriptions change.
type Poller struct {
	reader   Reader
	cursors  Cursors
	interval time.Duration
	pageSize int
	logger   *zap.Logger
}

// NewPoller creates a polling transport.
func NewPoller(r Reader, c Cursors, interval time.Duration, pageSize int, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Poller{reader: r, cursors: c, interval: interval, pageSize: pageSize, logger: logger}
}

// Run polls until a read fails or ctx is done. Every pass reaches the
// backend, with a ping when nothing is subscribed. The first successful pass
// marks the session connected.
//
// Persisted cursors only move when the consumer acks a message; within one
// run the poller reads past what it already queued.
func (p *Poller) Run(ctx context.Context, s Session) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	queued := make(map[int64]int64)
	live := false
	for {
		if err := p.pollAll(ctx, s, queued); err != nil {
			return err
		}
		if !live {
			s.Connected()
			live = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.Changed():
		}
	}
}

func (p *Poller) pollAll(ctx context.Context, s Session, queued map[int64]int64) error {
	channels := s.Channels()
	for id := range queued {
		if !slices.Contains(channels, id) {
			delete(queued, id)
		}
	}
	if len(channels) == 0 {
		return p.reader.Ping(ctx)
	}
	for _, channelID := range channels {
		if err := p.poll(ctx, s, channelID, queued); err != nil {
			return err
		}
	}
	return nil
}

func (p *Poller) poll(ctx context.Context, s Session, channelID int64, queued map[int64]int64) error {
	key := store.MessageCursorKey(channelID)
	since, err := p.cursors.CursorInt(key)
	if err != nil {
		return err
	}
	if since == 0 && queued[channelID] == 0 {
		// First subscription: start from the newest message instead of replaying history.
		latest, err := p.reader.ReadRecent(ctx, channelID, 1)
		if err != nil {
			return err
		}
		if len(latest) > 0 {
			p.logger.Debug("cursor baseline", zap.Int64("channel_id", channelID), zap.Int64("id", latest[0].ServerID))
			return p.cursors.AdvanceCursor(key, latest[0].ServerID)
		}
	}
	if queued[channelID] > since {
		since = queued[channelID]
	}

	for {
		msgs, err := p.reader.ReadMessages(ctx, channelID, since, p.pageSize)
		if err != nil {
			return err
		}
		for i := range msgs {
			id := msgs[i].ServerID
			n := Notification{
				Message: &msgs[i],
				ack:     func() error { return p.cursors.AdvanceCursor(key, id) },
			}
			if !s.Deliver(ctx, n) {
				return ctx.Err()
			}
			if id > since {
				since = id
			}
		}
		queued[channelID] = since
		if len(msgs) < p.pageSize {
			return nil
		}
	}
}
