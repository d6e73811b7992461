package stream

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/matheus3301/erpchat/internal/odoo"
)

// BusCursorKey is the cursor holding the last processed bus notification id.
const BusCursorKey = "bus_last"

// Backend opens the web session the websocket endpoint authenticates with.
type Backend interface {
	BaseURL() string
	HTTPClient() *http.Client
	OpenSession(ctx context.Context) error
}

// Socket is the push transport over the backend's websocket bus.
type Socket struct {
	backend      Backend
	cursors      Cursors
	pingInterval time.Duration
	logger       *zap.Logger
}

// NewSocket creates a websocket transport.
func NewSocket(b Backend, c Cursors, logger *zap.Logger) *Socket {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Socket{backend: b, cursors: c, pingInterval: 30 * time.Second, logger: logger}
}

type subscribeMessage struct {
	EventName string        `json:"event_name"`
	Data      subscribeData `json:"data"`
}

type subscribeData struct {
	Channels []string `json:"channels"`
	Last     int64    `json:"last"`
}

// WebsocketURL converts the backend http(s) URL into its websocket endpoint.
func WebsocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return strings.TrimRight(base, "/") + "/websocket"
}

// Run dials the bus, subscribes and forwards notifications until the
// connection fails or ctx is done.
func (w *Socket) Run(ctx context.Context, s Session) error {
	if err := w.backend.OpenSession(ctx); err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, WebsocketURL(w.backend.BaseURL()), &websocket.DialOptions{
		HTTPClient: w.backend.HTTPClient(),
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
	conn.SetReadLimit(1 << 20)

	if err := w.subscribe(ctx, conn, s.Channels()); err != nil {
		return err
	}
	s.Connected()

	readErr := make(chan error, 1)
	go func() {
		readErr <- w.readLoop(ctx, conn, s)
	}()

	ping := time.NewTicker(w.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-s.Changed():
			if err := w.subscribe(ctx, conn, s.Channels()); err != nil {
				return err
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (w *Socket) subscribe(ctx context.Context, conn *websocket.Conn, channels []int64) error {
	last, err := w.cursors.CursorInt(BusCursorKey)
	if err != nil {
		return err
	}
	names := make([]string, len(channels))
	for i, id := range channels {
		names[i] = odoo.BusChannel(id)
	}
	msg := subscribeMessage{EventName: "subscribe", Data: subscribeData{Channels: names, Last: last}}
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	w.logger.Debug("bus subscribed", zap.Strings("channels", names), zap.Int64("last", last))
	return nil
}

func (w *Socket) readLoop(ctx context.Context, conn *websocket.Conn, s Session) error {
	for {
		var batch []odoo.BusNotification
		if err := wsjson.Read(ctx, conn, &batch); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		for _, n := range batch {
			evt, err := odoo.ParseBusEvent(n)
			if err != nil {
				w.logger.Warn("dropping malformed notification", zap.Int64("id", n.ID), zap.String("type", n.Message.Type), zap.Error(err))
				continue
			}
			notes := make([]Notification, 0, len(evt.Messages)+1)
			for i := range evt.Messages {
				notes = append(notes, Notification{Message: &evt.Messages[i]})
			}
			if evt.Typing != nil {
				t := Typing{ChannelID: evt.Typing.ChannelID, User: evt.Typing.Name, Active: evt.Typing.Typing}
				if t.User == "" {
					t.User = fmt.Sprintf("partner:%d", evt.Typing.PartnerID)
				}
				notes = append(notes, Notification{Typing: &t})
			}
			if len(notes) == 0 {
				continue
			}
			// The bus cursor moves once the last item of the notification is handled.
			id := n.ID
			notes[len(notes)-1].ack = func() error { return w.cursors.AdvanceCursor(BusCursorKey, id) }
			for _, note := range notes {
				if !s.Deliver(ctx, note) {
					return ctx.Err()
				}
			}
		}
	}
}
