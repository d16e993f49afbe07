package grpcqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ChuLiYu/hackops/internal/store"
	"github.com/ChuLiYu/hackops/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls hackops.v1.Onsite. It serves remote agents as their queue
// and the CLI as its staff console.
type Client struct {
	conn  *grpc.ClientConn
	owned bool
}

// Dial connects to target without transport security. The venue network
// is trusted; callers that need TLS pass their own credentials in opts.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{conn: conn, owned: true}, nil
}

// NewClient uses an existing connection. Close leaves it open.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	if !c.owned {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return fromStatus(err)
	}
	if resp == nil {
		return nil
	}
	return decode(out, resp)
}

func (c *Client) RecordAction(ctx context.Context, participantID string, actionType types.ActionType, staffID, location string) (types.ActionRecord, error) {
	var rec types.ActionRecord
	err := c.call(ctx, "RecordAction", recordActionRequest{
		ParticipantID: participantID,
		ActionType:    actionType,
		StaffID:       staffID,
		Location:      location,
	}, &rec)
	return rec, err
}

// History lists a participant's action records in recording order.
func (c *Client) History(ctx context.Context, participantID string) ([]types.ActionRecord, error) {
	var out actionList
	err := c.call(ctx, "ListActions", participantRequest{ParticipantID: participantID}, &out)
	return out.Actions, err
}

func (c *Client) SubmitPrintJob(ctx context.Context, participantID, photoReference string) (types.PrintJob, error) {
	var job types.PrintJob
	err := c.call(ctx, "SubmitPrintJob", submitRequest{ParticipantID: participantID, PhotoReference: photoReference}, &job)
	return job, err
}

func (c *Client) CancelPrintJob(ctx context.Context, participantID, jobID string) (types.PrintJob, error) {
	var job types.PrintJob
	err := c.call(ctx, "CancelPrintJob", jobRequest{ParticipantID: participantID, JobID: jobID}, &job)
	return job, err
}

func (c *Client) Job(ctx context.Context, jobID string) (types.PrintJob, error) {
	var job types.PrintJob
	err := c.call(ctx, "GetPrintJob", jobRequest{JobID: jobID}, &job)
	return job, err
}

// ListPrintJobs lists jobs, optionally narrowed to one participant or status.
func (c *Client) ListPrintJobs(ctx context.Context, participantID string, status types.JobStatus) ([]types.PrintJob, error) {
	var out jobList
	err := c.call(ctx, "ListPrintJobs", listJobsRequest{ParticipantID: participantID, Status: status}, &out)
	return out.Jobs, err
}

func (c *Client) Stats(ctx context.Context) (store.Stats, error) {
	var out store.Stats
	err := c.call(ctx, "Stats", struct{}{}, &out)
	return out, err
}

// Agent side.

func (c *Client) Claim(ctx context.Context, jobID, agentID string) (types.PrintJob, error) {
	var job types.PrintJob
	err := c.call(ctx, "ClaimPrintJob", jobRequest{JobID: jobID, AgentID: agentID}, &job)
	return job, err
}

func (c *Client) Complete(ctx context.Context, jobID, agentID string) (types.PrintJob, error) {
	var job types.PrintJob
	err := c.call(ctx, "CompletePrintJob", jobRequest{JobID: jobID, AgentID: agentID}, &job)
	return job, err
}

func (c *Client) RecordFailure(ctx context.Context, jobID, agentID, reason string, maxAttempts int) (types.PrintJob, error) {
	var job types.PrintJob
	err := c.call(ctx, "RecordPrintFailure", failureRequest{
		JobID:       jobID,
		AgentID:     agentID,
		Reason:      reason,
		MaxAttempts: maxAttempts,
	}, &job)
	return job, err
}

func (c *Client) Claimed(ctx context.Context, agentID string) ([]types.PrintJob, error) {
	var out jobList
	err := c.call(ctx, "ListClaimedJobs", agentRequest{AgentID: agentID}, &out)
	return out.Jobs, err
}

func (c *Client) Heartbeat(ctx context.Context, hb types.AgentHeartbeat) error {
	return c.call(ctx, "Heartbeat", hb, nil)
}

// WatchPending opens the pending-job stream. A broken connection surfaces
// as an error from Next; the caller reconnects by calling WatchPending
// again.
func (c *Client) WatchPending(ctx context.Context) (store.Subscription, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := c.conn.NewStream(streamCtx, &ServiceDesc.Streams[0], fullMethod("WatchPendingJobs"))
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil && !errors.Is(err, io.EOF) {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fromStatus(err)
	}

	sub := &streamSubscription{
		cancel:  cancel,
		results: make(chan streamResult),
		closed:  make(chan struct{}),
	}
	go sub.recv(stream)
	return sub, nil
}

type streamResult struct {
	job types.PrintJob
	err error
}

type streamSubscription struct {
	cancel  context.CancelFunc
	results chan streamResult
	closed  chan struct{}
	once    sync.Once

	mu  sync.Mutex
	err error
}

var errStreamEnded = errors.New("pending stream ended by server")

func (s *streamSubscription) recv(stream grpc.ClientStream) {
	for {
		msg := new(structpb.Struct)
		var res streamResult
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				err = errStreamEnded
			}
			res.err = fromStatus(err)
		} else if err := decode(msg, &res.job); err != nil {
			res.err = err
		}

		select {
		case s.results <- res:
		case <-s.closed:
			return
		}
		if res.err != nil {
			return
		}
	}
}

func (s *streamSubscription) Next(ctx context.Context) (types.PrintJob, error) {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return types.PrintJob{}, err
	}

	select {
	case <-ctx.Done():
		return types.PrintJob{}, ctx.Err()
	case <-s.closed:
		return types.PrintJob{}, store.ErrSubscriptionClosed
	case res := <-s.results:
		if res.err != nil {
			s.mu.Lock()
			s.err = res.err
			s.mu.Unlock()
			return types.PrintJob{}, res.err
		}
		return res.job, nil
	}
}

func (s *streamSubscription) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.cancel()
	})
	return nil
}
