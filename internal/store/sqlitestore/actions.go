package sqlitestore

import (
	"context"
	"fmt"
	"strings"

	"github.com/ChuLiYu/hackops/internal/store"
	"github.com/ChuLiYu/hackops/pkg/types"
)

const actionColumns = `id, participant_id, team_id, action_type, recorded_at, recorded_by, location`

// AppendAction implements store.ActionLog. The partial unique index on
// (participant_id, action_type) WHERE one_time = 1 rejects a second one-time
// record; the existing record is then loaded for the error.
func (s *Store) AppendAction(ctx context.Context, rec types.ActionRecord) error {
	if rec.ID == "" || rec.ParticipantID == "" || !rec.ActionType.Valid() {
		return fmt.Errorf("%w: incomplete action record", types.ErrInvalidArgument)
	}

	oneTime := 0
	if rec.ActionType.IsOneTime() {
		oneTime = 1
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO action_records (id, participant_id, team_id, action_type, one_time, recorded_at, recorded_by, location)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ParticipantID, rec.TeamID, string(rec.ActionType), oneTime,
		toNanos(rec.RecordedAt), rec.RecordedBy, rec.Location,
	)
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) || oneTime == 0 {
		return fmt.Errorf("insert action record: %w", err)
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM action_records
		 WHERE participant_id = ? AND action_type = ? AND one_time = 1`,
		rec.ParticipantID, string(rec.ActionType),
	)
	original, scanErr := scanAction(row)
	if scanErr != nil {
		return fmt.Errorf("load original %s: %w", rec.ActionType, scanErr)
	}
	return &types.AlreadyRecordedError{Original: original}
}

// HasAction implements store.ActionLog.
func (s *Store) HasAction(ctx context.Context, participantID string, t types.ActionType) (bool, error) {
	var found int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM action_records WHERE participant_id = ? AND action_type = ?)`,
		participantID, string(t),
	).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("check action: %w", err)
	}
	return found == 1, nil
}

// ListActions implements store.ActionLog.
func (s *Store) ListActions(ctx context.Context, f store.ActionFilter) ([]types.ActionRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.ParticipantID != "" {
		where = append(where, "participant_id = ?")
		args = append(args, f.ParticipantID)
	}
	if f.ActionType != "" {
		where = append(where, "action_type = ?")
		args = append(args, string(f.ActionType))
	}

	query := `SELECT ` + actionColumns + ` FROM action_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY recorded_at, id`

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []types.ActionRecord
	for rows.Next() {
		rec, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("list actions: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanAction(row rowScanner) (types.ActionRecord, error) {
	var (
		rec        types.ActionRecord
		actionType string
		recordedAt int64
	)
	if err := row.Scan(&rec.ID, &rec.ParticipantID, &rec.TeamID, &actionType, &recordedAt, &rec.RecordedBy, &rec.Location); err != nil {
		return types.ActionRecord{}, err
	}
	t, err := types.ParseActionType(actionType)
	if err != nil {
		return types.ActionRecord{}, err
	}
	rec.ActionType = t
	rec.RecordedAt = fromNanos(recordedAt)
	return rec, nil
}
