package api

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/erpchat/internal/bus"
	"github.com/matheus3301/erpchat/internal/outbox"
	"github.com/matheus3301/erpchat/internal/store"
	"github.com/matheus3301/erpchat/internal/stream"
)

const defaultPageSize = 50

// ChatService implements ChatServer over the store, the retry controller
// and the notification stream.
type ChatService struct {
	db          *store.DB
	bus         *bus.Bus
	controller  *outbox.Controller
	stream      *stream.Stream
	isSignaling func(store.Message) bool
	profile     string
	logger      *zap.Logger
}

// NewChatService creates a chat service. isSignaling filters call setup
// traffic out of refreshed history; nil keeps everything.
func NewChatService(db *store.DB, b *bus.Bus, c *outbox.Controller, s *stream.Stream, isSignaling func(store.Message) bool, profile string, logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{db: db, bus: b, controller: c, stream: s, isSignaling: isSignaling, profile: profile, logger: logger}
}

func (s *ChatService) ListChannels(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var (
		channels []store.Channel
		err      error
	)
	if boolField(req, "refresh") {
		channels, err = s.controller.LoadChannels(ctx)
	} else {
		channels, err = s.db.ListChannels()
	}
	if err != nil {
		return nil, toStatus("list channels", err)
	}
	out := make([]any, 0, len(channels))
	for i := range channels {
		out = append(out, channelFields(&channels[i]))
	}
	return newStruct(map[string]any{"channels": out})
}

func (s *ChatService) ListMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	channelID, err := requireID(req, "channel_id")
	if err != nil {
		return nil, err
	}
	limit := int(intField(req, "limit"))
	if limit <= 0 {
		limit = defaultPageSize
	}
	if boolField(req, "refresh") {
		if _, err := s.controller.LoadMessages(ctx, channelID, limit, s.isSignaling); err != nil {
			return nil, toStatus("load messages", err)
		}
	}
	msgs, err := s.db.GetChannelMessages(channelID, limit)
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	return newStruct(map[string]any{
		"messages": messageList(msgs),
		"has_more": len(msgs) == limit,
	})
}

func (s *ChatService) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	channelID, err := requireID(req, "channel_id")
	if err != nil {
		return nil, err
	}
	m, err := s.controller.Enqueue(ctx, channelID, stringField(req, "body"))
	if err != nil {
		return nil, toStatus("send message", err)
	}
	return newStruct(map[string]any{"message": messageFields(m)})
}

func (s *ChatService) Retry(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.controller.Retry(ctx, stringField(req, "id"))
	if err != nil {
		return nil, toStatus("retry", err)
	}
	return newStruct(drainFields(res))
}

func (s *ChatService) RetryAll(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.controller.RetryAll(ctx, intField(req, "channel_id"))
	if err != nil {
		return nil, toStatus("retry all", err)
	}
	return newStruct(drainFields(res))
}

func (s *ChatService) Subscribe(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	channelID, err := requireID(req, "channel_id")
	if err != nil {
		return nil, err
	}
	s.stream.Subscribe(channelID)
	return newStruct(map[string]any{"subscriptions": int64List(s.stream.Subscriptions())})
}

func (s *ChatService) Unsubscribe(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	channelID, err := requireID(req, "channel_id")
	if err != nil {
		return nil, err
	}
	s.stream.Unsubscribe(channelID)
	return newStruct(map[string]any{"subscriptions": int64List(s.stream.Subscriptions())})
}

// Refresh re-reads the channel roster, or the latest page of one channel
// when channel_id is set. Results arrive as ChannelsLoaded or MessagesLoaded.
func (s *ChatService) Refresh(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	channelID := intField(req, "channel_id")
	if channelID == 0 {
		channels, err := s.controller.LoadChannels(ctx)
		if err != nil {
			return nil, toStatus("refresh channels", err)
		}
		return newStruct(map[string]any{"channels": len(channels)})
	}
	msgs, err := s.controller.LoadMessages(ctx, channelID, defaultPageSize, s.isSignaling)
	if err != nil {
		return nil, toStatus("refresh messages", err)
	}
	return newStruct(map[string]any{"messages": len(msgs)})
}

// WatchEvents streams bus events whose kind starts with the requested
// namespace ("" for all) until the client goes away.
func (s *ChatService) WatchEvents(req *structpb.Struct, ss grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe(stringField(req, "namespace"), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			env, err := structpb.NewStruct(map[string]any{
				"event_id":       uuid.New().String(),
				"profile":        s.profile,
				"kind":           string(evt.Kind()),
				"occurred_at_ms": evt.At().UnixMilli(),
				"payload":        eventPayload(evt),
			})
			if err != nil {
				s.logger.Warn("event not encodable", zap.String("kind", string(evt.Kind())), zap.Error(err))
				continue
			}
			if err := ss.SendMsg(env); err != nil {
				return err
			}
		case <-ss.Context().Done():
			return nil
		}
	}
}
