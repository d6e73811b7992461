package api

import (
	"context"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/erpchat/internal/status"
	"github.com/matheus3301/erpchat/internal/store"
	"github.com/matheus3301/erpchat/internal/stream"
)

// StatusService implements StatusServer.
type StatusService struct {
	profile   string
	startedAt time.Time
	machine   *status.Machine
	stream    *stream.Stream
	db        *store.DB
}

// NewStatusService creates a status service.
func NewStatusService(profile string, m *status.Machine, s *stream.Stream, db *store.DB) *StatusService {
	return &StatusService{
		profile:   profile,
		startedAt: time.Now(),
		machine:   m,
		stream:    s,
		db:        db,
	}
}

func (s *StatusService) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	out := map[string]any{
		"profile":   s.profile,
		"status":    string(s.machine.Current()),
		"uptime_ms": time.Since(s.startedAt).Milliseconds(),
	}
	if s.stream != nil {
		out["stream"] = string(s.stream.State())
		out["subscriptions"] = int64List(s.stream.Subscriptions())
	}

	// Counts are best effort.
	if s.db != nil {
		if counts, err := s.db.CountByStatus(); err == nil {
			out["messages"] = map[string]any{
				"pending": counts[store.StatusPending],
				"synced":  counts[store.StatusSynced],
				"failed":  counts[store.StatusFailed],
			}
		}
		if channels, err := s.db.ListChannels(); err == nil {
			out["channel_count"] = len(channels)
		}
	}
	return newStruct(out)
}
