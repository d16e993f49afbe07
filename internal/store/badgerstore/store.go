// ============================================================================
// hackops badger store
// ============================================================================
//
// Package: internal/store/badgerstore
// File: store.go
// Purpose: Default single-process store on badger.
//
// Atomicity:
//   Every conditional write runs in one serializable badger transaction.
//   Two transactions that read the same key and both write fail at commit
//   with badger.ErrConflict for the later one; update() retries it, and the
//   retry observes the winner's write. This is how uniqueness keys (once/,
//   slot/) and claims stay exclusive without any process-wide lock.
//
// Values are CBOR-encoded.
//
// ============================================================================

package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/hackops/internal/store"
	"github.com/ChuLiYu/hackops/pkg/types"
	"github.com/dgraph-io/badger/v4"
)

var log = slog.Default()

const maxTxnRetries = 32

// Store implements store.Store on badger.
type Store struct {
	db *badger.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the store directory at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(slogLogger{log.With("component", "badger")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory() (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database. Open subscriptions end with an error.
func (s *Store) Close() error {
	return s.db.Close()
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) && attempt < maxTxnRetries {
			continue
		}
		return err
	}
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

// get decodes the value at key into v. A missing key yields store.ErrNotFound.
func get(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", store.ErrNotFound, key)
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return unmarshal(val, v)
	})
}

func put(txn *badger.Txn, key []byte, v any) error {
	data, err := marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}

// exists reports whether key is present, registering the read for conflict
// detection.
func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// scanKeys calls fn with the id suffix of every key under prefix, in key
// order.
func scanKeys(txn *badger.Txn, prefix []byte, fn func(id string) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		if err := fn(suffix(it.Item().Key())); err != nil {
			return err
		}
	}
	return nil
}

// scanValues decodes every value under prefix with decode, in key order.
func scanValues(txn *badger.Txn, prefix []byte, decode func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(decode); err != nil {
			return err
		}
	}
	return nil
}

// Stats implements store.Store.
func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	stats := store.NewStats()
	err := s.view(ctx, func(txn *badger.Txn) error {
		if err := scanValues(txn, []byte(jobPrefix), func(val []byte) error {
			var job types.PrintJob
			if err := unmarshal(val, &job); err != nil {
				return err
			}
			stats.Jobs[job.Status]++
			return nil
		}); err != nil {
			return err
		}
		if err := scanValues(txn, []byte(actionPrefix), func(val []byte) error {
			var rec types.ActionRecord
			if err := unmarshal(val, &rec); err != nil {
				return err
			}
			stats.Actions[rec.ActionType]++
			return nil
		}); err != nil {
			return err
		}
		return scanValues(txn, []byte(heartbeatPrefix), func(val []byte) error {
			var hb types.AgentHeartbeat
			if err := unmarshal(val, &hb); err != nil {
				return err
			}
			stats.Agents = append(stats.Agents, hb)
			return nil
		})
	})
	if err != nil {
		return store.Stats{}, fmt.Errorf("collect stats: %w", err)
	}
	return stats, nil
}

// slogLogger adapts slog to badger.Logger.
type slogLogger struct {
	l *slog.Logger
}

func (s slogLogger) Errorf(format string, args ...any) {
	s.l.Error(fmt.Sprintf(format, args...))
}

func (s slogLogger) Warningf(format string, args ...any) {
	s.l.Warn(fmt.Sprintf(format, args...))
}

func (s slogLogger) Infof(format string, args ...any) {
	s.l.Debug(fmt.Sprintf(format, args...))
}

func (s slogLogger) Debugf(format string, args ...any) {
	s.l.Debug(fmt.Sprintf(format, args...))
}
