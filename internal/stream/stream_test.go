package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/matheus3301/erpchat/internal/bus"
	"github.com/matheus3301/erpchat/internal/store"
)

type memCursors struct {
	mu sync.Mutex
	m  map[string]int64
}

func newMemCursors() *memCursors { return &memCursors{m: map[string]int64{}} }

func (c *memCursors) CursorInt(key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[key], nil
}

func (c *memCursors) AdvanceCursor(key string, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id > c.m[key] {
		c.m[key] = id
	}
	return nil
}

type fakeReader struct {
	mu   sync.Mutex
	msgs map[int64][]store.Message
	err  error
}

func (r *fakeReader) Ping(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *fakeReader) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *fakeReader) ReadMessages(_ context.Context, channelID, sinceID int64, limit int) ([]store.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []store.Message
	for _, m := range r.msgs[channelID] {
		if m.ServerID > sinceID && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *fakeReader) ReadRecent(_ context.Context, channelID int64, limit int) ([]store.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.msgs[channelID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (r *fakeReader) add(m store.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs[m.ChannelID] = append(r.msgs[m.ChannelID], m)
}

func collect(t *testing.T, s *Stream) <-chan store.Message {
	t.Helper()
	out := make(chan store.Message, 64)
	s.OnMessage(func(m store.Message) { out <- m })
	return out
}

func waitStatus(t *testing.T, ch <-chan bus.Event, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if c, ok := evt.(bus.ConnectionStatusChanged); ok && c.Status == string(want) {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestPollerDeliversSubscribedChannels(t *testing.T) {
	reader := &fakeReader{msgs: map[int64][]store.Message{}}
	cursors := newMemCursors()
	require.NoError(t, cursors.AdvanceCursor(store.MessageCursorKey(105), 1))
	reader.add(store.Message{ServerID: 1, ChannelID: 105, Body: "old"})
	reader.add(store.Message{ServerID: 2, ChannelID: 105, Body: "first"})
	reader.add(store.Message{ServerID: 3, ChannelID: 105, Body: "second"})
	reader.add(store.Message{ServerID: 4, ChannelID: 200, Body: "not subscribed"})

	b := bus.New()
	events, unsub := b.Subscribe("stream.", 16)
	defer unsub()

	s := New(NewPoller(reader, cursors, 10*time.Millisecond, 1, nil), b, nil, Options{})
	got := collect(t, s)
	s.Subscribe(105)
	s.Start(context.Background())
	defer s.Stop()

	waitStatus(t, events, Connected)
	assert.True(t, s.Online())

	for _, want := range []string{"first", "second"} {
		select {
		case m := <-got:
			assert.Equal(t, want, m.Body)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %q", want)
		}
	}
	require.Eventually(t, func() bool {
		cur, _ := cursors.CursorInt(store.MessageCursorKey(105))
		return cur == 3
	}, 2*time.Second, 10*time.Millisecond)

	reader.add(store.Message{ServerID: 5, ChannelID: 105, Body: "live"})
	select {
	case m := <-got:
		assert.Equal(t, "live", m.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for live message")
	}
}

func TestPollerBaselinesNewSubscription(t *testing.T) {
	reader := &fakeReader{msgs: map[int64][]store.Message{}}
	reader.add(store.Message{ServerID: 10, ChannelID: 7, Body: "history"})
	cursors := newMemCursors()

	b := bus.New()
	events, unsub := b.Subscribe("stream.", 16)
	defer unsub()

	s := New(NewPoller(reader, cursors, 10*time.Millisecond, 50, nil), b, nil, Options{})
	got := collect(t, s)
	s.Subscribe(7)
	s.Start(context.Background())
	defer s.Stop()
	waitStatus(t, events, Connected)

	reader.add(store.Message{ServerID: 11, ChannelID: 7, Body: "new"})
	select {
	case m := <-got:
		assert.Equal(t, "new", m.Body, "history must not be replayed as live")
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
}

func TestPollerOfflineWithoutSubscriptions(t *testing.T) {
	reader := &fakeReader{msgs: map[int64][]store.Message{}, err: errors.New("connection refused")}
	b := bus.New()
	events, unsub := b.Subscribe("stream.", 32)
	defer unsub()

	s := New(NewPoller(reader, newMemCursors(), 10*time.Millisecond, 50, nil), b, nil,
		Options{ReconnectBase: 5 * time.Millisecond, ReconnectMax: 10 * time.Millisecond})
	s.Start(context.Background())
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for reconnects := 0; reconnects < 2; {
		select {
		case evt := <-events:
			status := evt.(bus.ConnectionStatusChanged).Status
			require.NotEqual(t, string(Connected), status, "backend is down")
			if status == string(Reconnecting) {
				reconnects++
			}
		case <-deadline:
			t.Fatal("timeout waiting for reconnect attempts")
		}
	}
	assert.False(t, s.Online())

	reader.setErr(nil)
	waitStatus(t, events, Connected)
	assert.True(t, s.Online())
}

func TestQueuedMessagesSurviveStop(t *testing.T) {
	const channel = 7
	reader := &fakeReader{msgs: map[int64][]store.Message{}}
	for id := int64(2); id <= 21; id++ {
		reader.add(store.Message{ServerID: id, ChannelID: channel, Body: "m"})
	}
	cursors := newMemCursors()
	key := store.MessageCursorKey(channel)
	require.NoError(t, cursors.AdvanceCursor(key, 1))

	var (
		mu      sync.Mutex
		handled = map[int64]bool{}
		highest int64
	)
	record := func(m store.Message) {
		mu.Lock()
		defer mu.Unlock()
		handled[m.ServerID] = true
		if m.ServerID > highest {
			highest = m.ServerID
		}
	}

	slow := New(NewPoller(reader, cursors, 10*time.Millisecond, 50, nil), bus.New(), nil, Options{})
	slow.OnMessage(func(m store.Message) {
		time.Sleep(20 * time.Millisecond)
		record(m)
	})
	slow.Subscribe(channel)
	slow.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	slow.Stop()

	mu.Lock()
	firstRun := len(handled)
	cur, _ := cursors.CursorInt(key)
	assert.Less(t, firstRun, 20, "consumer should still have been behind")
	assert.Equal(t, highest, cur, "cursor must not pass the last handled message")
	mu.Unlock()

	fast := New(NewPoller(reader, cursors, 10*time.Millisecond, 50, nil), bus.New(), nil, Options{})
	fast.OnMessage(record)
	fast.Subscribe(channel)
	fast.Start(context.Background())
	defer fast.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 20
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		cur, _ := cursors.CursorInt(key)
		return cur == 21
	}, 2*time.Second, 10*time.Millisecond)
}

type flakyTransport struct {
	mu    sync.Mutex
	fails int
	runs  int
}

func (f *flakyTransport) Run(ctx context.Context, s Session) error {
	f.mu.Lock()
	f.runs++
	fail := f.runs <= f.fails
	f.mu.Unlock()
	if fail {
		return errors.New("connection refused")
	}
	s.Connected()
	<-ctx.Done()
	return ctx.Err()
}

func TestReconnectsAfterDrop(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("stream.", 32)
	defer unsub()

	tr := &flakyTransport{fails: 2}
	s := New(tr, b, nil, Options{ReconnectBase: 5 * time.Millisecond, ReconnectMax: 20 * time.Millisecond})
	s.Start(context.Background())

	var seen []string
	deadline := time.After(2 * time.Second)
	for len(seen) == 0 || seen[len(seen)-1] != string(Connected) {
		select {
		case evt := <-events:
			seen = append(seen, evt.(bus.ConnectionStatusChanged).Status)
		case <-deadline:
			t.Fatalf("timeout, states so far: %v", seen)
		}
	}
	assert.Equal(t, []string{"connecting", "reconnecting", "connecting", "reconnecting", "connecting", "connected"}, seen)

	s.Stop()
	assert.Equal(t, Disconnected, s.State())
}

type scriptedTransport struct {
	notes []Notification
}

func (f *scriptedTransport) Run(ctx context.Context, s Session) error {
	s.Connected()
	for _, n := range f.notes {
		if !s.Deliver(ctx, n) {
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestTypingAggregation(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("chat.", 16)
	defer unsub()

	tr := &scriptedTransport{notes: []Notification{
		{Typing: &Typing{ChannelID: 1, User: "Marc", Active: true}},
		{Typing: &Typing{ChannelID: 1, User: "Ana", Active: true}},
		{Typing: &Typing{ChannelID: 1, User: "Ana", Active: true}},
		{Typing: &Typing{ChannelID: 1, User: "Marc", Active: false}},
	}}
	s := New(tr, b, nil, Options{})
	s.Subscribe(1)
	s.Start(context.Background())
	defer s.Stop()

	want := [][]string{{"Marc"}, {"Ana", "Marc"}, {"Ana"}}
	for _, users := range want {
		select {
		case evt := <-events:
			tc := evt.(bus.TypingChanged)
			assert.Equal(t, users, tc.TypingUsers)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for typing change")
		}
	}
}

func TestSubscriptions(t *testing.T) {
	s := New(&scriptedTransport{}, bus.New(), nil, Options{})
	s.Subscribe(9)
	s.Subscribe(3)
	s.Subscribe(9)
	assert.Equal(t, []int64{3, 9}, s.Subscriptions())
	s.Unsubscribe(9)
	s.Unsubscribe(42)
	assert.Equal(t, []int64{3}, s.Subscriptions())
}

type fakeSocketBackend struct {
	url    string
	client *http.Client
}

func (f fakeSocketBackend) BaseURL() string                   { return f.url }
func (f fakeSocketBackend) HTTPClient() *http.Client          { return f.client }
func (f fakeSocketBackend) OpenSession(context.Context) error { return nil }

func TestSocketSubscribesAndDelivers(t *testing.T) {
	subscribed := make(chan subscribeMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/websocket", r.URL.Path)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

		var sub subscribeMessage
		if err := wsjson.Read(r.Context(), conn, &sub); err != nil {
			return
		}
		subscribed <- sub
		batch := []map[string]any{{
			"id": 40,
			"message": map[string]any{
				"type": "discuss.channel/new_message",
				"payload": map[string]any{"id": 105, "message": map[string]any{
					"id": 900, "body": "<p>pushed</p>", "author_id": []any{3, "Marc"}, "date": "2024-03-01 10:00:00",
				}},
			},
		}}
		_ = wsjson.Write(r.Context(), conn, batch)
		// Block until the client goes away.
		_, _, _ = conn.Read(context.Background())
	}))
	defer srv.Close()

	cursors := newMemCursors()
	require.NoError(t, cursors.AdvanceCursor(BusCursorKey, 39))
	sock := NewSocket(fakeSocketBackend{url: srv.URL, client: srv.Client()}, cursors, nil)
	s := New(sock, bus.New(), nil, Options{})
	got := collect(t, s)
	s.Subscribe(105)
	s.Start(context.Background())
	defer s.Stop()

	select {
	case sub := <-subscribed:
		assert.Equal(t, "subscribe", sub.EventName)
		assert.Equal(t, []string{"discuss.channel_105"}, sub.Data.Channels)
		assert.Equal(t, int64(39), sub.Data.Last)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe message")
	}

	select {
	case m := <-got:
		assert.Equal(t, "pushed", m.Body)
		assert.Equal(t, int64(105), m.ChannelID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
	require.Eventually(t, func() bool {
		v, _ := cursors.CursorInt(BusCursorKey)
		return v == 40
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketURL(t *testing.T) {
	assert.Equal(t, "wss://erp.example.com/websocket", WebsocketURL("https://erp.example.com/"))
	assert.Equal(t, "ws://127.0.0.1:8069/websocket", WebsocketURL("http://127.0.0.1:8069"))
}
