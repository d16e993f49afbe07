package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/hackops/internal/store"
	"github.com/ChuLiYu/hackops/pkg/types"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
)

// resyncInterval bounds how long a job can wait if a change notification
// raced the subscriber registration.
const resyncInterval = 2 * time.Second

// PutHeartbeat implements store.HeartbeatLog.
func (s *Store) PutHeartbeat(ctx context.Context, hb types.AgentHeartbeat) error {
	if hb.AgentID == "" {
		return fmt.Errorf("%w: heartbeat without agent id", types.ErrInvalidArgument)
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		return put(txn, heartbeatKey(hb.AgentID), hb)
	})
}

// ListHeartbeats implements store.HeartbeatLog.
func (s *Store) ListHeartbeats(ctx context.Context) ([]types.AgentHeartbeat, error) {
	var out []types.AgentHeartbeat
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanValues(txn, []byte(heartbeatPrefix), func(val []byte) error {
			var hb types.AgentHeartbeat
			if err := unmarshal(val, &hb); err != nil {
				return err
			}
			out = append(out, hb)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	return out, nil
}

// WatchPending implements store.JobQueue. Writes under pend/ wake the
// subscription, which then rescans the pending index.
func (s *Store) WatchPending(ctx context.Context) (store.Subscription, error) {
	if s.db.IsClosed() {
		return nil, errors.New("watch pending: store closed")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	sub := store.NewScanSubscription(s.pendingJobs, cancel)

	go func() {
		err := s.db.Subscribe(watchCtx, func(*badger.KVList) error {
			sub.Wake()
			return nil
		}, []pb.Match{{Prefix: []byte(pendingPrefix)}})
		if watchCtx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("store closed")
		}
		sub.Fail(fmt.Errorf("pending subscription lost: %w", err))
	}()

	go func() {
		ticker := time.NewTicker(resyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				sub.Wake()
			}
		}
	}()

	return sub, nil
}
