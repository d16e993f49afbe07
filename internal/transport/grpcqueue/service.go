// ============================================================================
// hackops gRPC service
// ============================================================================
//
// Package: internal/transport/grpcqueue
// File: service.go
// Purpose: The hackops.v1.Onsite gRPC service. Staff consoles record actions
// and submit prints through it; remote print agents claim, report and watch
// pending jobs through it.
//
// Messages are google.protobuf.Struct values whose fields mirror the JSON
// form of the pkg/types records, so every client that speaks gRPC can call
// the service without generated stubs.
//
// RPCs (unary unless noted):
//
//   RecordAction        {participant_id, action_type, staff_id, location} -> ActionRecord
//   ListActions         {participant_id}                 -> {actions}
//   SubmitPrintJob      {participant_id, photo_reference} -> PrintJob
//   CancelPrintJob      {participant_id, job_id}         -> PrintJob
//   GetPrintJob         {job_id}                         -> PrintJob
//   ListPrintJobs       {participant_id, status}         -> {jobs}
//   ClaimPrintJob       {job_id, agent_id}               -> PrintJob
//   CompletePrintJob    {job_id, agent_id}               -> PrintJob
//   RecordPrintFailure  {job_id, agent_id, reason, max_attempts} -> PrintJob
//   ListClaimedJobs     {agent_id}                       -> {jobs}
//   Heartbeat           AgentHeartbeat                   -> {}
//   Stats               {}                               -> Stats
//   WatchPendingJobs    {}                               -> stream PrintJob
//
// Guard violations travel as status codes with an errdetails.ErrorInfo whose
// Reason names the violation; the client turns them back into the pkg/types
// errors.
//
// ============================================================================

package grpcqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/hackops/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "hackops.v1.Onsite"

// OnsiteServer is the server side of hackops.v1.Onsite.
type OnsiteServer interface {
	RecordAction(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListActions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SubmitPrintJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CancelPrintJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetPrintJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListPrintJobs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ClaimPrintJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CompletePrintJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RecordPrintFailure(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListClaimedJobs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Heartbeat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Stats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	WatchPendingJobs(req *structpb.Struct, stream grpc.ServerStream) error
}

type unaryMethod func(srv OnsiteServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(OnsiteServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchPendingHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(OnsiteServer).WatchPendingJobs(in, stream)
}

// ServiceDesc describes hackops.v1.Onsite for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*OnsiteServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("RecordAction", OnsiteServer.RecordAction),
		unary("ListActions", OnsiteServer.ListActions),
		unary("SubmitPrintJob", OnsiteServer.SubmitPrintJob),
		unary("CancelPrintJob", OnsiteServer.CancelPrintJob),
		unary("GetPrintJob", OnsiteServer.GetPrintJob),
		unary("ListPrintJobs", OnsiteServer.ListPrintJobs),
		unary("ClaimPrintJob", OnsiteServer.ClaimPrintJob),
		unary("CompletePrintJob", OnsiteServer.CompletePrintJob),
		unary("RecordPrintFailure", OnsiteServer.RecordPrintFailure),
		unary("ListClaimedJobs", OnsiteServer.ListClaimedJobs),
		unary("Heartbeat", OnsiteServer.Heartbeat),
		unary("Stats", OnsiteServer.Stats),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchPendingJobs",
			Handler:       watchPendingHandler,
			ServerStreams: true,
		},
	},
	Metadata: "hackops/v1/onsite.proto",
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// Request and list bodies. Records themselves travel in their pkg/types
// JSON form.

type recordActionRequest struct {
	ParticipantID string           `json:"participant_id"`
	ActionType    types.ActionType `json:"action_type"`
	StaffID       string           `json:"staff_id"`
	Location      string           `json:"location"`
}

type participantRequest struct {
	ParticipantID string `json:"participant_id"`
}

type submitRequest struct {
	ParticipantID  string `json:"participant_id"`
	PhotoReference string `json:"photo_reference"`
}

type jobRequest struct {
	ParticipantID string `json:"participant_id,omitempty"`
	JobID         string `json:"job_id"`
	AgentID       string `json:"agent_id,omitempty"`
}

type listJobsRequest struct {
	ParticipantID string          `json:"participant_id,omitempty"`
	Status        types.JobStatus `json:"status,omitempty"`
}

type failureRequest struct {
	JobID       string `json:"job_id"`
	AgentID     string `json:"agent_id"`
	Reason      string `json:"reason"`
	MaxAttempts int    `json:"max_attempts"`
}

type agentRequest struct {
	AgentID string `json:"agent_id"`
}

type actionList struct {
	Actions []types.ActionRecord `json:"actions"`
}

type jobList struct {
	Jobs []types.PrintJob `json:"jobs"`
}

// encode converts v to a Struct through its JSON form.
func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return out, nil
}

// decode fills v from a Struct through its JSON form.
func decode(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}
