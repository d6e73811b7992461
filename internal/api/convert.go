package api

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/erpchat/internal/bus"
	"github.com/matheus3301/erpchat/internal/call"
	"github.com/matheus3301/erpchat/internal/odoo"
	"github.com/matheus3301/erpchat/internal/outbox"
	"github.com/matheus3301/erpchat/internal/store"
)

func intField(s *structpb.Struct, name string) int64 {
	return int64(s.GetFields()[name].GetNumberValue())
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

func boolField(s *structpb.Struct, name string) bool {
	return s.GetFields()[name].GetBoolValue()
}

func requireID(s *structpb.Struct, name string) (int64, error) {
	id := intField(s, name)
	if id <= 0 {
		return 0, grpcstatus.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	return id, nil
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func messageFields(m *store.Message) map[string]any {
	f := map[string]any{
		"id":          m.ID,
		"server_id":   m.ServerID,
		"channel_id":  m.ChannelID,
		"author_id":   m.AuthorID,
		"author_name": m.AuthorName,
		"body":        m.Body,
		"media_type":  string(m.MediaType),
		"timestamp":   m.Timestamp,
		"sync_status": string(m.SyncStatus),
		"attempts":    m.Attempts,
	}
	if m.LastError != "" {
		f["last_error"] = m.LastError
	}
	if m.Media != (store.Media{}) {
		f["media"] = map[string]any{
			"size":        m.Media.Size,
			"duration_ms": m.Media.DurationMs,
			"remote_url":  m.Media.RemoteURL,
			"mime_type":   m.Media.MimeType,
		}
	}
	return f
}

func messageList(msgs []store.Message) []any {
	out := make([]any, 0, len(msgs))
	for i := range msgs {
		out = append(out, messageFields(&msgs[i]))
	}
	return out
}

func channelFields(c *store.Channel) map[string]any {
	return map[string]any{
		"id":           c.ID,
		"name":         c.Name,
		"type":         string(c.Type),
		"member_count": c.MemberCount,
		"updated_at":   c.UpdatedAt,
	}
}

func drainFields(r outbox.DrainResult) map[string]any {
	return map[string]any{
		"attempted": r.Attempted,
		"synced":    r.Synced,
		"failed":    r.Failed,
		"skipped":   r.Skipped,
	}
}

func callFields(info call.Info) map[string]any {
	f := map[string]any{
		"session_id":   info.SessionID,
		"channel_id":   info.ChannelID,
		"type":         string(info.Type),
		"is_initiator": info.IsInitiator,
		"status":       string(info.Status),
		"started_at":   info.StartedAt.UnixMilli(),
	}
	if !info.EndedAt.IsZero() {
		f["ended_at"] = info.EndedAt.UnixMilli()
		f["reason"] = info.Reason
	}
	if info.RemoteStreamID != "" {
		f["remote_stream_id"] = info.RemoteStreamID
	}
	return f
}

func int64List(ids []int64) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, id)
	}
	return out
}

func stringList(ss []string) []any {
	out := make([]any, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	return out
}

// eventPayload flattens a bus event into struct fields.
func eventPayload(evt bus.Event) map[string]any {
	switch e := evt.(type) {
	case bus.ChannelsLoaded:
		chans := make([]any, 0, len(e.Channels))
		for i := range e.Channels {
			chans = append(chans, channelFields(&e.Channels[i]))
		}
		return map[string]any{"channels": chans}
	case bus.MessagesLoaded:
		return map[string]any{"channel_id": e.ChannelID, "messages": messageList(e.Messages)}
	case bus.NewMessages:
		return map[string]any{"channel_id": e.ChannelID, "messages": messageList(e.Messages)}
	case bus.TypingChanged:
		return map[string]any{"channel_id": e.ChannelID, "typing_users": stringList(e.TypingUsers)}
	case bus.ConnectionStatusChanged:
		return map[string]any{"from": e.From, "status": e.Status}
	case bus.MessageSynced:
		return map[string]any{"id": e.ID, "server_id": e.ServerID, "channel_id": e.ChannelID}
	case bus.MessageFailed:
		return map[string]any{"id": e.ID, "channel_id": e.ChannelID, "error": e.Error, "retryable": e.Retryable}
	case bus.SessionStatusChanged:
		return map[string]any{"from": e.From, "to": e.To}
	case bus.CallStarted:
		return map[string]any{"session_id": e.SessionID, "channel_id": e.ChannelID, "call_type": e.CallType, "is_initiator": e.IsInitiator}
	case bus.RemoteStreamReceived:
		return map[string]any{"session_id": e.SessionID, "track_kind": e.TrackKind, "stream_id": e.StreamID}
	case bus.CallConnected:
		return map[string]any{"session_id": e.SessionID}
	case bus.CallEnded:
		return map[string]any{"session_id": e.SessionID, "channel_id": e.ChannelID, "status": e.Status, "reason": e.Reason}
	case bus.CallSetupFailed:
		return map[string]any{"session_id": e.SessionID, "channel_id": e.ChannelID, "call_type": e.CallType, "is_initiator": e.IsInitiator, "reason": e.Reason}
	}
	return map[string]any{}
}

// toStatus maps domain errors to gRPC status codes.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, outbox.ErrEmptyBody):
		code = codes.InvalidArgument
	case errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, call.ErrNoActiveCall),
		errors.Is(err, call.ErrInvalidTransition),
		errors.Is(err, call.ErrSessionMismatch),
		errors.Is(err, call.ErrMediaUnavailable):
		code = codes.FailedPrecondition
	case errors.Is(err, call.ErrCallEnded):
		code = codes.Aborted
	case odoo.IsAuth(err):
		code = codes.Unauthenticated
	case odoo.IsRetryable(err):
		code = codes.Unavailable
	}
	return grpcstatus.Error(code, fmt.Sprintf("%s: %v", op, err))
}
