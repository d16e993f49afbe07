package grpcqueue

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ChuLiYu/hackops/internal/guard"
	"github.com/ChuLiYu/hackops/internal/printqueue"
	"github.com/ChuLiYu/hackops/internal/store"
	"github.com/ChuLiYu/hackops/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

var log = slog.Default()

// Server implements OnsiteServer over the in-process services.
type Server struct {
	recorder *guard.Recorder
	prints   *printqueue.Service
	queue    *store.Queue
	store    store.Store
}

var _ OnsiteServer = (*Server)(nil)

// NewServer serves recorder and prints to staff clients and queue to
// remote agents. s answers list and stats reads.
func NewServer(recorder *guard.Recorder, prints *printqueue.Service, queue *store.Queue, s store.Store) *Server {
	return &Server{recorder: recorder, prints: prints, queue: queue, store: s}
}

// Register attaches the service to g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&ServiceDesc, s)
}

func reply(v any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := encode(v)
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

func bad(err error) error {
	return toStatus(errors.Join(types.ErrInvalidArgument, err))
}

func (s *Server) RecordAction(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in recordActionRequest
	if err := decode(req, &in); err != nil {
		return nil, bad(err)
	}
	return reply(s.recorder.RecordAction(ctx, in.ParticipantID, in.ActionType, in.StaffID, in.Location))
}

func (s *Server) ListActions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in participantRequest
	if err := decode(req, &in); err != nil {
		return nil, bad(err)
	}
	recs, err := s.recorder.History(ctx, in.ParticipantID)
	if recs == nil {
		recs = []types.ActionRecord{}
	}
	return reply(actionList{Actions: recs}, err)
}

func (s *Server) SubmitPrintJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in submitRequest
	if err := decode(req, &in); err != nil {
		return nil, bad(err)
	}
	return reply(s.prints.SubmitPrintJob(ctx, in.ParticipantID, in.PhotoReference))
}

func (s *Server) CancelPrintJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in jobRequest
	if err := decode(req, &in); err != nil {
		return nil, bad(err)
	}
	return reply(s.prints.CancelPrintJob(ctx, in.ParticipantID, in.JobID))
}

func (s *Server) GetPrintJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in jobRequest
	if err := decode(req, &in); err != nil {
		return nil, bad(err)
	}
	return reply(s.prints.Job(ctx, in.JobID))
}

func (s *Server) ListPrintJobs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in listJobsRequest
	if err := decode(req, &in); err != nil {
		return nil, bad(err)
	}
	jobs, err := s.store.ListPrintJobs(ctx, store.JobFilter{ParticipantID: in.ParticipantID, Status: in.Status})
	if jobs == nil {
		jobs = []types.PrintJob{}
	}
	return reply(jobList{Jobs: jobs}, err)
}

func (s *Server) ClaimPrintJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in jobRequest
	if err := decode(req, &in); err != nil {
		return nil, bad(err)
	}
	return reply(s.queue.Claim(ctx, in.JobID, in.AgentID))
}

func (s *Server) CompletePrintJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in jobRequest
	if err := decode(req, &in); err != nil {
		return nil, bad(err)
	}
	return reply(s.queue.Complete(ctx, in.JobID, in.AgentID))
}

func (s *Server) RecordPrintFailure(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in failureRequest
	if err := decode(req, &in); err != nil {
		return nil, bad(err)
	}
	return reply(s.queue.RecordFailure(ctx, in.JobID, in.AgentID, in.Reason, in.MaxAttempts))
}

func (s *Server) ListClaimedJobs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in agentRequest
	if err := decode(req, &in); err != nil {
		return nil, bad(err)
	}
	jobs, err := s.queue.Claimed(ctx, in.AgentID)
	if jobs == nil {
		jobs = []types.PrintJob{}
	}
	return reply(jobList{Jobs: jobs}, err)
}

func (s *Server) Heartbeat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var hb types.AgentHeartbeat
	if err := decode(req, &hb); err != nil {
		return nil, bad(err)
	}
	if err := s.queue.Heartbeat(ctx, hb); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Server) Stats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return reply(s.store.Stats(ctx))
}

// WatchPendingJobs streams Pending jobs until the client goes away or the
// store subscription is lost.
func (s *Server) WatchPendingJobs(_ *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	sub, err := s.queue.WatchPending(ctx)
	if err != nil {
		return toStatus(err)
	}
	defer sub.Close()

	for {
		job, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("Pending stream ended", "error", err)
			return toStatus(err)
		}
		msg, err := encode(job)
		if err != nil {
			return toStatus(err)
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
}
