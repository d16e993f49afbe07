package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/hackops/internal/store"
	"github.com/ChuLiYu/hackops/pkg/types"
	"github.com/dgraph-io/badger/v4"
)

// InsertPrintJob implements store.JobQueue. The participant's slot/ key is
// read and written in the same transaction as the job.
func (s *Store) InsertPrintJob(ctx context.Context, job types.PrintJob) error {
	if job.ID == "" || job.ParticipantID == "" || job.Status != types.StatusPending {
		return fmt.Errorf("%w: print job must be a new pending job", types.ErrInvalidArgument)
	}

	return s.update(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(slotKey(job.ParticipantID))
		switch {
		case err == nil:
			heldID, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var held types.PrintJob
			if err := get(txn, jobKey(string(heldID)), &held); err != nil {
				return fmt.Errorf("load slot holder: %w", err)
			}
			switch {
			case held.Status == types.StatusCompleted:
				return &types.AlreadyPrintedError{Job: held}
			case held.Status.HoldsSlot():
				return fmt.Errorf("%w: job %s is %s", types.ErrPrintInProgress, held.ID, held.Status)
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		if _, err := txn.Get(jobKey(job.ID)); err == nil {
			return fmt.Errorf("%w: duplicate job id %s", types.ErrInvalidArgument, job.ID)
		}

		if err := txn.Set(slotKey(job.ParticipantID), []byte(job.ID)); err != nil {
			return err
		}
		if err := put(txn, jobKey(job.ID), job); err != nil {
			return err
		}
		if err := txn.Set(jobPartKey(job.ParticipantID, job.ID), nil); err != nil {
			return err
		}
		return txn.Set(pendingKey(job.ID), nil)
	})
}

// GetPrintJob implements store.JobQueue.
func (s *Store) GetPrintJob(ctx context.Context, id string) (types.PrintJob, error) {
	var job types.PrintJob
	err := s.view(ctx, func(txn *badger.Txn) error {
		return get(txn, jobKey(id), &job)
	})
	return job, err
}

// CompletedPrintJob implements store.JobQueue.
func (s *Store) CompletedPrintJob(ctx context.Context, participantID string) (types.PrintJob, bool, error) {
	var (
		job   types.PrintJob
		found bool
	)
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(slotKey(participantID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		heldID, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := get(txn, jobKey(string(heldID)), &job); err != nil {
			return err
		}
		found = job.Status == types.StatusCompleted
		return nil
	})
	if err != nil || !found {
		return types.PrintJob{}, false, err
	}
	return job, true, nil
}

// ListPrintJobs implements store.JobQueue.
func (s *Store) ListPrintJobs(ctx context.Context, f store.JobFilter) ([]types.PrintJob, error) {
	var out []types.PrintJob
	err := s.view(ctx, func(txn *badger.Txn) error {
		var index []byte
		switch {
		case f.ClaimedBy != "" && f.Status == types.StatusPrinting:
			index = claimAgentPrefix(f.ClaimedBy)
		case f.Status == types.StatusPending:
			index = []byte(pendingPrefix)
		case f.ParticipantID != "":
			index = jobPartPrefix(f.ParticipantID)
		}

		if index == nil {
			return scanValues(txn, []byte(jobPrefix), func(val []byte) error {
				var job types.PrintJob
				if err := unmarshal(val, &job); err != nil {
					return err
				}
				if f.Matches(job) {
					out = append(out, job)
				}
				return nil
			})
		}

		return scanKeys(txn, index, func(id string) error {
			var job types.PrintJob
			if err := get(txn, jobKey(id), &job); err != nil {
				return err
			}
			if f.Matches(job) {
				out = append(out, job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list print jobs: %w", err)
	}
	return out, nil
}

// transition loads job id, applies fn and writes the result together with
// the index changes for the new status.
func (s *Store) transition(ctx context.Context, id string, fn func(job *types.PrintJob) error) (types.PrintJob, error) {
	var out types.PrintJob
	err := s.update(ctx, func(txn *badger.Txn) error {
		var job types.PrintJob
		if err := get(txn, jobKey(id), &job); err != nil {
			return err
		}
		before := job
		if err := fn(&job); err != nil {
			return err
		}
		if err := put(txn, jobKey(id), job); err != nil {
			return err
		}
		if err := reindex(txn, before, job); err != nil {
			return err
		}
		out = job
		return nil
	})
	return out, err
}

// reindex moves a job between the pending, claim and slot indexes.
func reindex(txn *badger.Txn, before, after types.PrintJob) error {
	if before.Status == after.Status {
		return nil
	}
	if before.Status == types.StatusPending {
		if err := txn.Delete(pendingKey(after.ID)); err != nil {
			return err
		}
	}
	if before.Status == types.StatusPrinting {
		if err := txn.Delete(claimKey(before.ClaimedBy, after.ID)); err != nil {
			return err
		}
	}
	if after.Status == types.StatusPrinting {
		if err := txn.Set(claimKey(after.ClaimedBy, after.ID), nil); err != nil {
			return err
		}
	}
	if !after.Status.HoldsSlot() {
		if err := txn.Delete(slotKey(after.ParticipantID)); err != nil {
			return err
		}
	}
	return nil
}

// ClaimPrintJob implements store.JobQueue.
func (s *Store) ClaimPrintJob(ctx context.Context, id, agentID string, at time.Time) (types.PrintJob, error) {
	return s.transition(ctx, id, func(job *types.PrintJob) error {
		return store.ApplyClaim(job, agentID, at)
	})
}

// CompletePrintJob implements store.JobQueue.
func (s *Store) CompletePrintJob(ctx context.Context, id, agentID string, at time.Time) (types.PrintJob, error) {
	return s.transition(ctx, id, func(job *types.PrintJob) error {
		return store.ApplyComplete(job, agentID, at)
	})
}

// FailPrintAttempt implements store.JobQueue.
func (s *Store) FailPrintAttempt(ctx context.Context, id, agentID, reason string, maxAttempts int, at time.Time) (types.PrintJob, error) {
	return s.transition(ctx, id, func(job *types.PrintJob) error {
		return store.ApplyFailure(job, agentID, reason, maxAttempts, at)
	})
}

// CancelPrintJob implements store.JobQueue.
func (s *Store) CancelPrintJob(ctx context.Context, id, participantID string, at time.Time) (types.PrintJob, error) {
	return s.transition(ctx, id, func(job *types.PrintJob) error {
		return store.ApplyCancel(job, participantID, at)
	})
}

// pendingJobs lists Pending jobs in creation order.
func (s *Store) pendingJobs(ctx context.Context) ([]types.PrintJob, error) {
	return s.ListPrintJobs(ctx, store.JobFilter{Status: types.StatusPending})
}
