package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/hackops/internal/store"
	"github.com/ChuLiYu/hackops/pkg/types"
)

const jobColumns = `id, participant_id, photo_reference, status, claimed_by, attempt_count, created_at, updated_at, completed_at, last_error`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InsertPrintJob implements store.JobQueue. The slot holder is read and the
// job inserted inside one IMMEDIATE transaction; the partial unique index on
// participant_id backs the rule up.
func (s *Store) InsertPrintJob(ctx context.Context, job types.PrintJob) error {
	if job.ID == "" || job.ParticipantID == "" || job.Status != types.StatusPending {
		return fmt.Errorf("%w: print job must be a new pending job", types.ErrInvalidArgument)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		held, found, err := slotHolder(ctx, tx, job.ParticipantID)
		if err != nil {
			return err
		}
		if found {
			return slotError(held)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO print_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.ParticipantID, job.PhotoReference, string(job.Status), job.ClaimedBy,
			job.AttemptCount, toNanos(job.CreatedAt), toNanos(job.UpdatedAt), nullNanos(job.CompletedAt), job.LastError,
		)
		if isUniqueViolation(err) {
			held, found, lookupErr := slotHolder(ctx, tx, job.ParticipantID)
			if lookupErr == nil && found {
				return slotError(held)
			}
			return fmt.Errorf("%w: duplicate job id %s", types.ErrInvalidArgument, job.ID)
		}
		if err != nil {
			return fmt.Errorf("insert print job: %w", err)
		}
		return nil
	})
}

func slotHolder(ctx context.Context, q querier, participantID string) (types.PrintJob, bool, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM print_jobs
		 WHERE participant_id = ? AND status IN ('pending', 'printing', 'completed')`,
		participantID,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.PrintJob{}, false, nil
	}
	if err != nil {
		return types.PrintJob{}, false, fmt.Errorf("load slot holder: %w", err)
	}
	return job, true, nil
}

func slotError(held types.PrintJob) error {
	if held.Status == types.StatusCompleted {
		return &types.AlreadyPrintedError{Job: held}
	}
	return fmt.Errorf("%w: job %s is %s", types.ErrPrintInProgress, held.ID, held.Status)
}

// GetPrintJob implements store.JobQueue.
func (s *Store) GetPrintJob(ctx context.Context, id string) (types.PrintJob, error) {
	return getJob(ctx, s.sqlDB, id)
}

func getJob(ctx context.Context, q querier, id string) (types.PrintJob, error) {
	job, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM print_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.PrintJob{}, fmt.Errorf("%w: job %s", store.ErrNotFound, id)
	}
	if err != nil {
		return types.PrintJob{}, fmt.Errorf("get print job: %w", err)
	}
	return job, nil
}

// CompletedPrintJob implements store.JobQueue.
func (s *Store) CompletedPrintJob(ctx context.Context, participantID string) (types.PrintJob, bool, error) {
	job, err := scanJob(s.sqlDB.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM print_jobs WHERE participant_id = ? AND status = 'completed'`,
		participantID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return types.PrintJob{}, false, nil
	}
	if err != nil {
		return types.PrintJob{}, false, fmt.Errorf("completed print job: %w", err)
	}
	return job, true, nil
}

// ListPrintJobs implements store.JobQueue.
func (s *Store) ListPrintJobs(ctx context.Context, f store.JobFilter) ([]types.PrintJob, error) {
	var (
		where []string
		args  []any
	)
	if f.ParticipantID != "" {
		where = append(where, "participant_id = ?")
		args = append(args, f.ParticipantID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ClaimedBy != "" {
		where = append(where, "claimed_by = ?")
		args = append(args, f.ClaimedBy)
	}

	query := `SELECT ` + jobColumns + ` FROM print_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list print jobs: %w", err)
	}
	defer rows.Close()

	var out []types.PrintJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list print jobs: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// transition loads job id, applies fn and writes the result back with a
// conditional UPDATE on the status it was read in.
func (s *Store) transition(ctx context.Context, id string, fn func(job *types.PrintJob) error) (types.PrintJob, error) {
	var out types.PrintJob
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		before := job.Status
		if err := fn(&job); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE print_jobs
			 SET status = ?, claimed_by = ?, attempt_count = ?, updated_at = ?, completed_at = ?, last_error = ?
			 WHERE id = ? AND status = ?`,
			string(job.Status), job.ClaimedBy, job.AttemptCount, toNanos(job.UpdatedAt),
			nullNanos(job.CompletedAt), job.LastError, id, string(before),
		)
		if err != nil {
			return fmt.Errorf("update print job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("%w: job %s changed concurrently", store.ErrClaimConflict, id)
		}
		out = job
		return nil
	})
	return out, err
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

// withTx runs fn in a transaction. The DSN sets _txlock=immediate, so the
// write lock is taken at BEGIN and read-modify-write sequences from other
// connections or processes wait on busy_timeout.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func scanJob(row rowScanner) (types.PrintJob, error) {
	var (
		job         types.PrintJob
		status      string
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
	)
	if err := row.Scan(&job.ID, &job.ParticipantID, &job.PhotoReference, &status, &job.ClaimedBy,
		&job.AttemptCount, &createdAt, &updatedAt, &completedAt, &job.LastError); err != nil {
		return types.PrintJob{}, err
	}
	st, err := types.ParseJobStatus(status)
	if err != nil {
		return types.PrintJob{}, err
	}
	job.Status = st
	job.CreatedAt = fromNanos(createdAt)
	job.UpdatedAt = fromNanos(updatedAt)
	if completedAt.Valid {
		t := fromNanos(completedAt.Int64)
		job.CompletedAt = &t
	}
	return job, nil
}
