package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/erpchat/internal/bus"
	"github.com/matheus3301/erpchat/internal/odoo"
	"github.com/matheus3301/erpchat/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeBackend struct {
	mu      sync.Mutex
	nextID  int64
	failFor map[string]error
	posted  []string
	gate    chan struct{}
	// gateBody limits the gate to one body; empty gates every post.
	gateBody string
	calls    atomic.Int32

	channels []store.Channel
	recent   []store.Message
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{nextID: 100, failFor: map[string]error{}}
}

func (f *fakeBackend) PostMessage(ctx context.Context, channelID int64, body, subject string) (int64, error) {
	f.calls.Add(1)
	if f.gate != nil && (f.gateBody == "" || f.gateBody == body) {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[body]; err != nil {
		return 0, err
	}
	f.nextID++
	f.posted = append(f.posted, body)
	return f.nextID, nil
}

func (f *fakeBackend) ReadChannels(context.Context) ([]store.Channel, error) {
	return f.channels, nil
}

func (f *fakeBackend) ReadRecent(context.Context, int64, int) ([]store.Message, error) {
	return f.recent, nil
}

func networkDown() error {
	return &odoo.NetworkError{Op: "message_post", Err: errors.New("connection refused")}
}

func waitFor[T bus.Event](t *testing.T, ch <-chan bus.Event) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if v, ok := evt.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timeout waiting for %T", zero)
			return zero
		}
	}
}

// Send "Hello" while offline: it is visible at once as pending, and the
// first drain after connectivity returns syncs it.
func TestOfflineSendSyncsAfterReconnect(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	backend := newFakeBackend()
	var online atomic.Bool
	c := NewController(db, backend, b, nil, Options{Online: online.Load})

	events, unsub := b.Subscribe("", 16)
	defer unsub()

	m, err := c.Enqueue(context.Background(), 105, "Hello")
	if err != nil {
		t.Fatal(err)
	}
	if m.SyncStatus != store.StatusPending || m.ServerID != 0 {
		t.Fatalf("enqueued = %s/%d, want pending without server id", m.SyncStatus, m.ServerID)
	}
	nm := waitFor[bus.NewMessages](t, events)
	if len(nm.Messages) != 1 || nm.Messages[0].ID != m.ID {
		t.Errorf("NewMessages = %+v", nm)
	}
	local, _ := db.GetChannelMessages(105, 10)
	if len(local) != 1 || local[0].Body != "Hello" {
		t.Fatalf("local view = %+v", local)
	}

	if res := c.DrainPending(context.Background()); !res.Skipped {
		t.Errorf("drain while offline = %+v, want skipped", res)
	}
	if backend.calls.Load() != 0 {
		t.Error("posted while offline")
	}

	online.Store(true)
	res := c.DrainPending(context.Background())
	if res.Synced != 1 || res.Failed != 0 {
		t.Fatalf("drain = %+v, want one synced", res)
	}
	synced := waitFor[bus.MessageSynced](t, events)
	if synced.ID != m.ID || synced.ServerID == 0 {
		t.Errorf("MessageSynced = %+v", synced)
	}
	got, err := db.GetMessage(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SyncStatus != store.StatusSynced || got.ServerID != synced.ServerID {
		t.Errorf("stored = %s/%d, want synced/%d", got.SyncStatus, got.ServerID, synced.ServerID)
	}
}

func TestDrainFailuresDoNotBlockLaterMessages(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	backend := newFakeBackend()
	backend.failFor["second"] = networkDown()
	c := NewController(db, backend, b, nil, Options{})

	events, unsub := b.Subscribe("sync.", 16)
	defer unsub()

	var ids []string
	for _, body := range []string{"first", "second", "third"} {
		m, err := c.Enqueue(context.Background(), 1, body)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, m.ID)
	}

	res := c.DrainPending(context.Background())
	if res.Attempted != 3 || res.Synced != 2 || res.Failed != 1 {
		t.Fatalf("drain = %+v", res)
	}
	if got := backend.posted; len(got) != 2 || got[0] != "first" || got[1] != "third" {
		t.Errorf("posted = %v, want enqueue order without the failure", got)
	}

	failed, _ := db.GetMessage(ids[1])
	if failed.SyncStatus != store.StatusFailed || failed.LastError == "" {
		t.Errorf("second = %s/%q, want failed with error", failed.SyncStatus, failed.LastError)
	}
	fe := waitFor[bus.MessageFailed](t, events)
	if fe.ID != ids[1] || !fe.Retryable {
		t.Errorf("MessageFailed = %+v, want retryable for second", fe)
	}

	// A later drain never retries failed items on its own.
	res = c.DrainPending(context.Background())
	if res.Attempted != 0 {
		t.Errorf("second drain attempted %d, want 0", res.Attempted)
	}
}

func TestRetry(t *testing.T) {
	db := testDB(t)
	backend := newFakeBackend()
	backend.failFor["flaky"] = networkDown()
	c := NewController(db, backend, bus.New(), nil, Options{})

	m, _ := c.Enqueue(context.Background(), 1, "flaky")
	c.DrainPending(context.Background())

	backend.mu.Lock()
	delete(backend.failFor, "flaky")
	backend.mu.Unlock()

	res, err := c.Retry(context.Background(), m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Synced != 1 {
		t.Fatalf("retry = %+v, want synced", res)
	}
	got, _ := db.GetMessage(m.ID)
	if got.SyncStatus != store.StatusSynced || got.Attempts != 2 {
		t.Errorf("after retry = %s attempts=%d", got.SyncStatus, got.Attempts)
	}

	if _, err := c.Retry(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Retry(missing) err = %v, want ErrNotFound", err)
	}
}

// A retry issued while a drain is already posting must still attempt the
// requeued message before it returns.
func TestRetryDuringRunningDrain(t *testing.T) {
	db := testDB(t)
	backend := newFakeBackend()
	backend.failFor["flaky"] = networkDown()
	c := NewController(db, backend, bus.New(), nil, Options{})

	failed, _ := c.Enqueue(context.Background(), 1, "flaky")
	c.DrainPending(context.Background())
	backend.mu.Lock()
	delete(backend.failFor, "flaky")
	backend.mu.Unlock()

	backend.gate = make(chan struct{})
	backend.gateBody = "slow"
	if _, err := c.Enqueue(context.Background(), 1, "slow"); err != nil {
		t.Fatal(err)
	}
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		c.DrainPending(context.Background())
	}()
	deadline := time.Now().Add(2 * time.Second)
	for backend.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("drain never reached the slow post")
		}
		time.Sleep(5 * time.Millisecond)
	}

	type result struct {
		res DrainResult
		err error
	}
	retried := make(chan result, 1)
	go func() {
		res, err := c.Retry(context.Background(), failed.ID)
		retried <- result{res, err}
	}()
	time.Sleep(50 * time.Millisecond)
	close(backend.gate)

	var r result
	select {
	case r = <-retried:
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not return")
	}
	<-drained
	if r.err != nil {
		t.Fatal(r.err)
	}
	if r.res.Attempted != 1 || r.res.Synced != 1 {
		t.Errorf("retry = %+v, want the requeued message attempted and synced", r.res)
	}
	got, _ := db.GetMessage(failed.ID)
	if got.SyncStatus != store.StatusSynced || got.Attempts != 2 {
		t.Errorf("after retry = %s attempts=%d, want synced after 2 attempts", got.SyncStatus, got.Attempts)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.posted) != 2 || backend.posted[0] != "slow" || backend.posted[1] != "flaky" {
		t.Errorf("posted = %v, want [slow flaky]", backend.posted)
	}
}

func TestRetryAll(t *testing.T) {
	db := testDB(t)
	backend := newFakeBackend()
	backend.failFor["a"] = networkDown()
	backend.failFor["b"] = networkDown()
	c := NewController(db, backend, bus.New(), nil, Options{})

	_, _ = c.Enqueue(context.Background(), 1, "a")
	_, _ = c.Enqueue(context.Background(), 2, "b")
	c.DrainPending(context.Background())

	backend.mu.Lock()
	backend.failFor = map[string]error{}
	backend.mu.Unlock()

	res, err := c.RetryAll(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Synced != 2 {
		t.Errorf("retry all = %+v, want 2 synced", res)
	}
}

// Concurrent drains must leave every attempted item synced or failed and
// must not post the same message twice.
func TestConcurrentDrains(t *testing.T) {
	db := testDB(t)
	backend := newFakeBackend()
	backend.gate = make(chan struct{})
	backend.failFor["bad"] = networkDown()
	c := NewController(db, backend, bus.New(), nil, Options{})

	for _, body := range []string{"one", "bad", "two"} {
		if _, err := c.Enqueue(context.Background(), 1, body); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.DrainPending(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(backend.gate)
	wg.Wait()

	if n := backend.calls.Load(); n != 3 {
		t.Errorf("post calls = %d, want 3", n)
	}
	pending, _ := db.GetPendingSyncMessages()
	if len(pending) != 0 {
		t.Errorf("%d messages left pending after drains", len(pending))
	}
	counts, _ := db.CountByStatus()
	if counts[store.StatusSynced] != 2 || counts[store.StatusFailed] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestAuthFailureSignalsSession(t *testing.T) {
	db := testDB(t)
	backend := newFakeBackend()
	backend.failFor["x"] = &odoo.AuthError{Message: "expired"}
	var authErr atomic.Bool
	c := NewController(db, backend, bus.New(), nil, Options{
		OnAuthError: func(error) { authErr.Store(true) },
	})

	m, _ := c.Enqueue(context.Background(), 1, "x")
	c.DrainPending(context.Background())

	if !authErr.Load() {
		t.Error("OnAuthError not called")
	}
	got, _ := db.GetMessage(m.ID)
	if got.SyncStatus != store.StatusFailed {
		t.Errorf("status = %s, want failed", got.SyncStatus)
	}
}

func TestEnqueueRejectsEmptyBody(t *testing.T) {
	c := NewController(testDB(t), newFakeBackend(), bus.New(), nil, Options{})
	if _, err := c.Enqueue(context.Background(), 1, "   "); !errors.Is(err, ErrEmptyBody) {
		t.Errorf("err = %v, want ErrEmptyBody", err)
	}
}

// The loop drains when the stream reports connected and requeues failed
// messages that are still under the attempt cap.
func TestLoopDrainsOnConnected(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	backend := newFakeBackend()
	backend.failFor["later"] = networkDown()
	c := NewController(db, backend, b, nil, Options{DrainInterval: time.Hour})

	m, _ := c.Enqueue(context.Background(), 1, "later")
	c.DrainPending(context.Background())

	backend.mu.Lock()
	delete(backend.failFor, "later")
	backend.mu.Unlock()

	events, unsub := b.Subscribe("sync.", 16)
	defer unsub()

	c.Start(context.Background())
	defer c.Stop()
	b.Publish(bus.ConnectionStatusChanged{Time: time.Now(), From: "connecting", Status: "connected"})

	synced := waitFor[bus.MessageSynced](t, events)
	if synced.ID != m.ID {
		t.Errorf("synced %q, want %q", synced.ID, m.ID)
	}
}

func TestIngestMergesEcho(t *testing.T) {
	db := testDB(t)
	c := NewController(db, newFakeBackend(), bus.New(), nil, Options{Online: func() bool { return false }})

	opt, _ := c.Enqueue(context.Background(), 7, "on my way")
	saved, err := c.Ingest(store.Message{ServerID: 900, ChannelID: 7, Body: " on  my way ", Timestamp: 5})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != opt.ID || saved.SyncStatus != store.StatusSynced {
		t.Errorf("ingested = %s/%s, want optimistic id synced", saved.ID, saved.SyncStatus)
	}
	msgs, _ := db.GetChannelMessages(7, 10)
	if len(msgs) != 1 {
		t.Errorf("channel has %d messages, want 1", len(msgs))
	}
	if cur, _ := db.CursorInt(store.MessageCursorKey(7)); cur != 900 {
		t.Errorf("cursor = %d, want 900", cur)
	}
}

func TestLoadChannelsAndMessages(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	backend := newFakeBackend()
	backend.channels = []store.Channel{{ID: 105, Name: "Marc", Type: store.ChannelDirect, MemberCount: 2}}
	backend.recent = []store.Message{
		{ServerID: 1, ChannelID: 105, Body: "hi", Timestamp: 10},
		{ServerID: 2, ChannelID: 105, Body: `{"type":"sdp-offer"}`, Timestamp: 20},
	}
	c := NewController(db, backend, b, nil, Options{})

	events, unsub := b.Subscribe("chat.", 16)
	defer unsub()

	chs, err := c.LoadChannels(context.Background())
	if err != nil || len(chs) != 1 {
		t.Fatalf("LoadChannels = %v, %v", chs, err)
	}
	waitFor[bus.ChannelsLoaded](t, events)

	skip := func(m store.Message) bool { return m.ServerID == 2 }
	msgs, err := c.LoadMessages(context.Background(), 105, 50, skip)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Body != "hi" {
		t.Errorf("messages = %+v", msgs)
	}
	if cur, _ := db.CursorInt(store.MessageCursorKey(105)); cur != 2 {
		t.Errorf("cursor = %d, want 2 (skipped rows still advance it)", cur)
	}
	waitFor[bus.MessagesLoaded](t, events)
}
