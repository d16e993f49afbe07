package badgerstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/hackops/internal/store"
	"github.com/ChuLiYu/hackops/pkg/types"
	"github.com/dgraph-io/badger/v4"
)

// AppendAction implements store.ActionLog. For one-time types the once/ key
// is read and written in the same transaction as the record.
func (s *Store) AppendAction(ctx context.Context, rec types.ActionRecord) error {
	if rec.ID == "" || rec.ParticipantID == "" || !rec.ActionType.Valid() {
		return fmt.Errorf("%w: incomplete action record", types.ErrInvalidArgument)
	}

	return s.update(ctx, func(txn *badger.Txn) error {
		if rec.ActionType.IsOneTime() {
			key := onceKey(rec.ParticipantID, rec.ActionType)
			item, err := txn.Get(key)
			switch {
			case err == nil:
				originalID, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				var original types.ActionRecord
				if err := get(txn, actionKey(string(originalID)), &original); err != nil {
					return fmt.Errorf("load original %s: %w", rec.ActionType, err)
				}
				return &types.AlreadyRecordedError{Original: original}
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}
			if err := txn.Set(key, []byte(rec.ID)); err != nil {
				return err
			}
		}

		if err := put(txn, actionKey(rec.ID), rec); err != nil {
			return err
		}
		return txn.Set(actionPartKey(rec.ParticipantID, rec.ID), nil)
	})
}

// HasAction implements store.ActionLog.
func (s *Store) HasAction(ctx context.Context, participantID string, t types.ActionType) (bool, error) {
	var found bool
	err := s.view(ctx, func(txn *badger.Txn) error {
		if t.IsOneTime() {
			var err error
			found, err = exists(txn, onceKey(participantID, t))
			return err
		}
		recs, err := participantActions(txn, participantID)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if rec.ActionType == t {
				found = true
				break
			}
		}
		return nil
	})
	return found, err
}

// ListActions implements store.ActionLog.
func (s *Store) ListActions(ctx context.Context, f store.ActionFilter) ([]types.ActionRecord, error) {
	var out []types.ActionRecord
	err := s.view(ctx, func(txn *badger.Txn) error {
		if f.ParticipantID != "" {
			recs, err := participantActions(txn, f.ParticipantID)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				if f.Matches(rec) {
					out = append(out, rec)
				}
			}
			return nil
		}
		return scanValues(txn, []byte(actionPrefix), func(val []byte) error {
			var rec types.ActionRecord
			if err := unmarshal(val, &rec); err != nil {
				return err
			}
			if f.Matches(rec) {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return out, nil
}

func participantActions(txn *badger.Txn, participantID string) ([]types.ActionRecord, error) {
	var recs []types.ActionRecord
	err := scanKeys(txn, actionPartPrefix(participantID), func(id string) error {
		var rec types.ActionRecord
		if err := get(txn, actionKey(id), &rec); err != nil {
			return err
		}
		if rec.ParticipantID == participantID {
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}
