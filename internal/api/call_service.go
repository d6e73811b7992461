package api

import (
	"context"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/erpchat/internal/call"
)

// CallService implements CallServer over the call machine.
type CallService struct {
	machine *call.Machine
}

// NewCallService creates a call service.
func NewCallService(m *call.Machine) *CallService {
	return &CallService{machine: m}
}

func (s *CallService) StartCall(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	channelID, err := requireID(req, "channel_id")
	if err != nil {
		return nil, err
	}
	t, err := call.ParseType(stringField(req, "call_type"))
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	sid, err := s.machine.StartCall(ctx, channelID, t)
	if err != nil {
		return nil, toStatus("start call", err)
	}
	return newStruct(map[string]any{"session_id": sid})
}

func (s *CallService) EndCall(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.machine.EndCall(ctx); err != nil {
		return nil, toStatus("end call", err)
	}
	return s.GetCall(ctx, nil)
}

// GetCall returns the active session, or the last ended one with active=false.
func (s *CallService) GetCall(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	info, active := s.machine.Current()
	out := map[string]any{"active": active}
	if info.SessionID != 0 {
		out["call"] = callFields(info)
	}
	return newStruct(out)
}
