// Package outbox owns the pending-write queue: optimistic local inserts,
// delivery to the backend, user retries and inbound reconciliation.
package outbox

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/erpchat/internal/bus"
	"github.com/matheus3301/erpchat/internal/odoo"
	"github.com/matheus3301/erpchat/internal/store"
)

// ErrEmptyBody is returned when enqueueing a message with no text.
var ErrEmptyBody = errors.New("outbox: empty message body")

// Backend is the subset of the remote sync client the controller uses.
type Backend interface {
	PostMessage(ctx context.Context, channelID int64, body, subject string) (int64, error)
	ReadChannels(ctx context.Context) ([]store.Channel, error)
	ReadRecent(ctx context.Context, channelID int64, limit int) ([]store.Message, error)
}

// Options tunes a Controller. Zero values fall back to defaults.
type Options struct {
	// AuthorID stamps optimistic messages with the local partner id.
	AuthorID int64
	// DrainInterval is how often the loop drains while online.
	DrainInterval time.Duration
	// MaxAttempts caps automatic requeues of failed messages on reconnect.
	MaxAttempts int
	// Online reports current connectivity; nil means always online.
	Online func() bool
	// OnAuthError is called when a delivery is rejected for credentials.
	OnAuthError func(error)
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Attempted int
	Synced    int
	Failed    int
	// Skipped is set when the pass did not run because the stream was offline.
	Skipped bool
}

// Controller drains pending messages and reconciles confirmed ones.
type Controller struct {
	db      *store.DB
	backend Backend
	bus     *bus.Bus
	logger  *zap.Logger
	opts    Options

	group  singleflight.Group
	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewController creates a controller. Call Start to run the background loop.
func NewController(db *store.DB, backend Backend, b *bus.Bus, logger *zap.Logger, opts Options) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = 15 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Controller{
		db:      db,
		backend: backend,
		bus:     b,
		logger:  logger,
		opts:    opts,
		kick:    make(chan struct{}, 1),
	}
}

// Enqueue stores body as an optimistic pending message and schedules a drain.
// The returned message is visible immediately, before any network I/O.
func (c *Controller) Enqueue(ctx context.Context, channelID int64, body string) (*store.Message, error) {
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyBody
	}
	saved, err := c.db.SaveMessage(&store.Message{
		ChannelID:  channelID,
		AuthorID:   c.opts.AuthorID,
		Body:       body,
		MediaType:  store.MediaText,
		SyncStatus: store.StatusPending,
	})
	if err != nil {
		return nil, err
	}
	c.publishNew(channelID, *saved)
	c.trigger()
	return saved, nil
}

// EnqueueMessage marks an existing message pending, or stores m as a new
// pending message when it is unknown.
func (c *Controller) EnqueueMessage(m *store.Message) (*store.Message, error) {
	if m.ID != "" {
		err := c.db.UpdateSyncStatus(m.ID, store.StatusPending, "")
		switch {
		case err == nil:
			c.trigger()
			return c.db.GetMessage(m.ID)
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}
	in := *m
	in.ServerID = 0
	in.SyncStatus = store.StatusPending
	saved, err := c.db.SaveMessage(&in)
	if err != nil {
		return nil, err
	}
	c.publishNew(saved.ChannelID, *saved)
	c.trigger()
	return saved, nil
}

// DrainPending attempts delivery of every pending message in enqueue order.
// Each message succeeds or fails on its own. Concurrent calls share one pass.
func (c *Controller) DrainPending(ctx context.Context) DrainResult {
	if c.opts.Online != nil && !c.opts.Online() {
		return DrainResult{Skipped: true}
	}
	v, _, _ := c.group.Do("drain", func() (any, error) {
		return c.drain(ctx), nil
	})
	return v.(DrainResult)
}

func (c *Controller) drain(ctx context.Context) DrainResult {
	var res DrainResult
	pending, err := c.db.GetPendingSyncMessages()
	if err != nil {
		c.logger.Error("failed to read pending messages", zap.Error(err))
		return res
	}
	for i := range pending {
		if ctx.Err() != nil {
			// Leave the rest pending for the next pass.
			break
		}
		res.Attempted++
		if c.deliver(ctx, &pending[i]) {
			res.Synced++
		} else {
			res.Failed++
		}
	}
	if res.Attempted > 0 {
		c.logger.Info("drain finished",
			zap.Int("attempted", res.Attempted), zap.Int("synced", res.Synced), zap.Int("failed", res.Failed))
	}
	return res
}

// deliver posts one message and records the outcome. It reports success.
func (c *Controller) deliver(ctx context.Context, m *store.Message) bool {
	if err := c.db.RecordAttempt(m.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Deleted by the user while queued.
			return false
		}
		c.logger.Warn("failed to record attempt", zap.String("id", m.ID), zap.Error(err))
	}

	serverID, err := c.backend.PostMessage(ctx, m.ChannelID, m.Body, m.Subject)
	if err != nil {
		return c.fail(m, err)
	}

	if _, err := c.db.MarkSynced(m.ID, serverID); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Error("failed to mark synced", zap.String("id", m.ID), zap.Int64("server_id", serverID), zap.Error(err))
	}
	c.logger.Debug("message synced", zap.String("id", m.ID), zap.Int64("server_id", serverID))
	c.bus.Publish(bus.MessageSynced{
		Time:      time.Now(),
		ID:        m.ID,
		ServerID:  serverID,
		ChannelID: m.ChannelID,
	})
	return true
}

func (c *Controller) fail(m *store.Message, sendErr error) bool {
	err := c.db.UpdateSyncStatus(m.ID, store.StatusFailed, sendErr.Error())
	if errors.Is(err, store.ErrAlreadySynced) {
		// The echo reconciled it while the post was in flight.
		got, gerr := c.db.GetMessage(m.ID)
		if gerr == nil {
			c.bus.Publish(bus.MessageSynced{Time: time.Now(), ID: m.ID, ServerID: got.ServerID, ChannelID: m.ChannelID})
		}
		return true
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Error("failed to mark failed", zap.String("id", m.ID), zap.Error(err))
	}

	retryable := odoo.IsRetryable(sendErr)
	c.logger.Warn("message delivery failed",
		zap.String("id", m.ID), zap.Int64("channel_id", m.ChannelID), zap.Bool("retryable", retryable), zap.Error(sendErr))
	c.bus.Publish(bus.MessageFailed{
		Time:      time.Now(),
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Error:     sendErr.Error(),
		Retryable: retryable,
	})
	if odoo.IsAuth(sendErr) && c.opts.OnAuthError != nil {
		c.opts.OnAuthError(sendErr)
	}
	return false
}

// Retry requeues one failed message and drains until it has been attempted.
func (c *Controller) Retry(ctx context.Context, id string) (DrainResult, error) {
	m, err := c.db.GetMessage(id)
	if err != nil {
		return DrainResult{}, err
	}
	if m.SyncStatus == store.StatusSynced {
		return DrainResult{}, nil
	}
	if err := c.db.UpdateSyncStatus(id, store.StatusPending, ""); err != nil {
		return DrainResult{}, err
	}
	return c.drainRequeued(ctx, func() bool {
		got, err := c.db.GetMessage(id)
		return err == nil && got.SyncStatus == store.StatusPending
	}), nil
}

// RetryAll requeues every failed message, optionally limited to one channel
// (0 for all), and drains until they have been attempted.
func (c *Controller) RetryAll(ctx context.Context, channelID int64) (DrainResult, error) {
	n, err := c.db.RequeueFailed(channelID, 0)
	if err != nil {
		return DrainResult{}, err
	}
	c.logger.Info("retry all", zap.Int("requeued", n), zap.Int64("channel_id", channelID))
	if n == 0 {
		return c.DrainPending(ctx), nil
	}
	return c.drainRequeued(ctx, func() bool {
		pending, err := c.db.GetPendingSyncMessages()
		if err != nil {
			return false
		}
		for _, m := range pending {
			if channelID == 0 || m.ChannelID == channelID {
				return true
			}
		}
		return false
	}), nil
}

// drainRequeued drains after a user requeue. A pass already in flight read
// its pending list before the requeue, so when joining it leaves the
// requeued messages pending, one more pass runs and its result is returned.
func (c *Controller) drainRequeued(ctx context.Context, stillPending func() bool) DrainResult {
	c.trigger()
	res := c.DrainPending(ctx)
	if res.Skipped || ctx.Err() != nil || !stillPending() {
		return res
	}
	return c.DrainPending(ctx)
}

// Start runs the trigger loop: drain on reconnect, on Enqueue and on
// DrainInterval while online.
func (c *Controller) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	events, unsub := c.bus.Subscribe("stream.", 16)
	go func() {
		defer close(c.done)
		defer unsub()
		c.loop(ctx, events)
	}()
}

// Stop stops the loop and waits for an in-flight pass to return.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

func (c *Controller) loop(ctx context.Context, events <-chan bus.Event) {
	ticker := time.NewTicker(c.opts.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			change, ok := evt.(bus.ConnectionStatusChanged)
			if !ok || change.Status != "connected" {
				continue
			}
			n, err := c.db.RequeueFailed(0, c.opts.MaxAttempts)
			if err != nil {
				c.logger.Error("failed to requeue on reconnect", zap.Error(err))
			} else if n > 0 {
				c.logger.Info("requeued failed messages on reconnect", zap.Int("count", n))
			}
			c.DrainPending(ctx)
		case <-c.kick:
			c.DrainPending(ctx)
		case <-ticker.C:
			c.DrainPending(ctx)
		}
	}
}

func (c *Controller) trigger() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Controller) publishNew(channelID int64, msgs ...store.Message) {
	c.bus.Publish(bus.NewMessages{Time: time.Now(), ChannelID: channelID, Messages: msgs})
}
