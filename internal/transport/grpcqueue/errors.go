package grpcqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/hackops/internal/store"
	"github.com/ChuLiYu/hackops/pkg/types"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Domain is the ErrorInfo domain of hackops errors.
const Domain = "hackops.v1"

type errorMapping struct {
	target error
	reason string
	code   codes.Code
}

// errorTable maps domain errors to wire reasons and codes. Order matters:
// the first errors.Is match wins.
var errorTable = []errorMapping{
	{types.ErrParticipantNotFound, "PARTICIPANT_NOT_FOUND", codes.NotFound},
	{types.ErrCheckInRequired, "CHECK_IN_REQUIRED", codes.FailedPrecondition},
	{types.ErrPaymentNotCaptured, "PAYMENT_NOT_CAPTURED", codes.FailedPrecondition},
	{types.ErrAlreadyRecorded, "ALREADY_RECORDED", codes.AlreadyExists},
	{types.ErrAlreadyPrinted, "ALREADY_PRINTED", codes.AlreadyExists},
	{types.ErrPhotoNotOwned, "PHOTO_NOT_OWNED", codes.PermissionDenied},
	{types.ErrPrintInProgress, "PRINT_IN_PROGRESS", codes.FailedPrecondition},
	{types.ErrSubmissionsClosed, "SUBMISSIONS_CLOSED", codes.FailedPrecondition},
	{types.ErrNotCancellable, "NOT_CANCELLABLE", codes.FailedPrecondition},
	{types.ErrInvalidArgument, "INVALID_ARGUMENT", codes.InvalidArgument},
	{store.ErrNotFound, "NOT_FOUND", codes.NotFound},
	{store.ErrClaimConflict, "CLAIM_CONFLICT", codes.Aborted},
	{store.ErrNotClaimant, "NOT_CLAIMANT", codes.FailedPrecondition},
}

// toStatus converts a domain error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}

	for _, m := range errorTable {
		if !errors.Is(err, m.target) {
			continue
		}
		info := &errdetails.ErrorInfo{Reason: m.reason, Domain: Domain}

		var dup *types.AlreadyRecordedError
		var printed *types.AlreadyPrintedError
		switch {
		case errors.As(err, &dup):
			info.Metadata = metadataJSON("original", dup.Original)
		case errors.As(err, &printed):
			info.Metadata = metadataJSON("job", printed.Job)
		}

		st, detailErr := status.New(m.code, err.Error()).WithDetails(info)
		if detailErr != nil {
			return status.Error(m.code, err.Error())
		}
		return st.Err()
	}

	log.Error("Unmapped service error", "error", err)
	return status.Error(codes.Internal, err.Error())
}

func metadataJSON(key string, v any) map[string]string {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return map[string]string{key: string(raw)}
}

// fromStatus turns a gRPC error from the server back into the domain error
// it was made from. Errors without hackops details are returned wrapped.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	}

	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != Domain {
			continue
		}
		switch info.GetReason() {
		case "ALREADY_RECORDED":
			var rec types.ActionRecord
			if raw, ok := info.GetMetadata()["original"]; ok && json.Unmarshal([]byte(raw), &rec) == nil {
				return &types.AlreadyRecordedError{Original: rec}
			}
		case "ALREADY_PRINTED":
			var job types.PrintJob
			if raw, ok := info.GetMetadata()["job"]; ok && json.Unmarshal([]byte(raw), &job) == nil {
				return &types.AlreadyPrintedError{Job: job}
			}
		}
		for _, m := range errorTable {
			if m.reason == info.GetReason() {
				return &remoteError{target: m.target, msg: st.Message()}
			}
		}
	}
	return fmt.Errorf("rpc: %w", err)
}

// remoteError is a domain error reported by the server. It matches its
// sentinel with errors.Is and prints the server's message.
type remoteError struct {
	target error
	msg    string
}

func (e *remoteError) Error() string { return e.msg }

func (e *remoteError) Unwrap() error { return e.target }
