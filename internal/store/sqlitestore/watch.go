package sqlitestore

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/hackops/internal/store"
	"github.com/ChuLiYu/hackops/pkg/types"
)

// PutHeartbeat implements store.HeartbeatLog.
func (s *Store) PutHeartbeat(ctx context.Context, hb types.AgentHeartbeat) error {
	if hb.AgentID == "" {
		return fmt.Errorf("%w: heartbeat without agent id", types.ErrInvalidArgument)
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO agent_heartbeats (agent_id, hostname, state, current_job_id, started_at, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (agent_id) DO UPDATE SET
		     hostname = excluded.hostname,
		     state = excluded.state,
		     current_job_id = excluded.current_job_id,
		     started_at = excluded.started_at,
		     last_seen = excluded.last_seen`,
		hb.AgentID, hb.Hostname, string(hb.State), hb.CurrentJobID, toNanos(hb.StartedAt), toNanos(hb.LastSeen),
	)
	if err != nil {
		return fmt.Errorf("put heartbeat: %w", err)
	}
	return nil
}

// ListHeartbeats implements store.HeartbeatLog.
func (s *Store) ListHeartbeats(ctx context.Context) ([]types.AgentHeartbeat, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT agent_id, hostname, state, current_job_id, started_at, last_seen
		 FROM agent_heartbeats ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	defer rows.Close()

	var out []types.AgentHeartbeat
	for rows.Next() {
		var (
			hb        types.AgentHeartbeat
			state     string
			startedAt int64
			lastSeen  int64
		)
		if err := rows.Scan(&hb.AgentID, &hb.Hostname, &state, &hb.CurrentJobID, &startedAt, &lastSeen); err != nil {
			return nil, fmt.Errorf("list heartbeats: %w", err)
		}
		hb.State = types.AgentState(state)
		hb.StartedAt = fromNanos(startedAt)
		hb.LastSeen = fromNanos(lastSeen)
		out = append(out, hb)
	}
	return out, rows.Err()
}

// WatchPending implements store.JobQueue. SQLite has no change feed that
// crosses processes, so the subscription rescans on a poll ticker.
func (s *Store) WatchPending(ctx context.Context) (store.Subscription, error) {
	if err := s.sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("watch pending: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	sub := store.NewScanSubscription(s.pendingJobs, cancel)

	go func() {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				if err := s.sqlDB.PingContext(watchCtx); err != nil {
					if watchCtx.Err() == nil {
						log.Warn("Pending poll failed", "error", err)
						sub.Fail(fmt.Errorf("pending subscription lost: %w", err))
					}
					return
				}
				sub.Wake()
			}
		}
	}()

	return sub, nil
}

func (s *Store) pendingJobs(ctx context.Context) ([]types.PrintJob, error) {
	return s.ListPrintJobs(ctx, store.JobFilter{Status: types.StatusPending})
}
