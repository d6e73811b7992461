package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/erpchat/internal/bus"
	"github.com/matheus3301/erpchat/internal/store"
)

// Ingest stores a confirmed inbound message, applying the store's merge
// policy, and publishes it. The channel cursor advances past its server id.
func (c *Controller) Ingest(msg store.Message) (*store.Message, error) {
	saved, err := c.db.SaveMessage(&msg)
	if err != nil {
		return nil, fmt.Errorf("ingest %d: %w", msg.ServerID, err)
	}
	if msg.ServerID != 0 {
		if err := c.db.AdvanceCursor(store.MessageCursorKey(msg.ChannelID), msg.ServerID); err != nil {
			c.logger.Warn("failed to advance cursor", zap.Int64("channel_id", msg.ChannelID), zap.Error(err))
		}
	}
	c.publishNew(saved.ChannelID, *saved)
	return saved, nil
}

// LoadChannels replaces the local roster with the backend's.
func (c *Controller) LoadChannels(ctx context.Context) ([]store.Channel, error) {
	remote, err := c.backend.ReadChannels(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.db.SyncChannels(remote); err != nil {
		return nil, err
	}
	channels, err := c.db.ListChannels()
	if err != nil {
		return nil, err
	}
	c.logger.Info("channels loaded", zap.Int("count", len(channels)))
	c.bus.Publish(bus.ChannelsLoaded{Time: time.Now(), Channels: channels})
	return channels, nil
}

// LoadMessages fetches the latest limit messages of a channel into the store
// and returns the local view. Signaling bodies are excluded by skip.
func (c *Controller) LoadMessages(ctx context.Context, channelID int64, limit int, skip func(store.Message) bool) ([]store.Message, error) {
	remote, err := c.backend.ReadRecent(ctx, channelID, limit)
	if err != nil {
		return nil, err
	}
	var maxID int64
	for i := range remote {
		m := remote[i]
		if m.ServerID > maxID {
			maxID = m.ServerID
		}
		if skip != nil && skip(m) {
			continue
		}
		if _, err := c.db.SaveMessage(&m); err != nil {
			return nil, fmt.Errorf("save %d: %w", m.ServerID, err)
		}
	}
	if maxID > 0 {
		if err := c.db.AdvanceCursor(store.MessageCursorKey(channelID), maxID); err != nil {
			c.logger.Warn("failed to advance cursor", zap.Int64("channel_id", channelID), zap.Error(err))
		}
	}

	msgs, err := c.db.GetChannelMessages(channelID, limit)
	if err != nil {
		return nil, err
	}
	c.bus.Publish(bus.MessagesLoaded{Time: time.Now(), ChannelID: channelID, Messages: msgs})
	return msgs, nil
}
