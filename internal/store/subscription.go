package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/ChuLiYu/hackops/pkg/types"
)

// PendingScan lists the currently Pending jobs in creation order.
type PendingScan func(ctx context.Context) ([]types.PrintJob, error)

// ScanSubscription turns change notifications into a stream of newly
// Pending jobs. On every wake-up it rescans the pending set and delivers the
// jobs it has not delivered before, so bursts of notifications never queue
// up and a missed notification is repaired by the next one.
//
// Next must be called from one goroutine at a time; Wake, Fail and Close are
// safe from any goroutine.
type ScanSubscription struct {
	scan PendingScan
	wake chan struct{}
	done chan struct{}
	stop func()

	once sync.Once
	mu   sync.Mutex
	err  error

	buf  []types.PrintJob
	seen map[string]struct{}
}

// NewScanSubscription returns a subscription over scan. stop, if non-nil,
// runs once on Close or Fail to release the notification source.
func NewScanSubscription(scan PendingScan, stop func()) *ScanSubscription {
	return &ScanSubscription{
		scan: scan,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		stop: stop,
		seen: make(map[string]struct{}),
	}
}

// Wake schedules a rescan. It never blocks.
func (s *ScanSubscription) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Fail ends the subscription with err. Next returns err from then on.
func (s *ScanSubscription) Fail(err error) {
	s.finish(err)
}

// Close ends the subscription.
func (s *ScanSubscription) Close() error {
	s.finish(ErrSubscriptionClosed)
	return nil
}

func (s *ScanSubscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		if s.stop != nil {
			s.stop()
		}
	})
}

func (s *ScanSubscription) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Next implements Subscription.
func (s *ScanSubscription) Next(ctx context.Context) (types.PrintJob, error) {
	for {
		if err := s.failure(); err != nil {
			return types.PrintJob{}, err
		}
		if len(s.buf) > 0 {
			job := s.buf[0]
			s.buf = s.buf[1:]
			return job, nil
		}

		jobs, err := s.scan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return types.PrintJob{}, ctx.Err()
			}
			return types.PrintJob{}, fmt.Errorf("scan pending jobs: %w", err)
		}
		s.absorb(jobs)
		if len(s.buf) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return types.PrintJob{}, ctx.Err()
		case <-s.done:
		case <-s.wake:
		}
	}
}

// absorb queues unseen jobs and forgets ids that left the pending set.
func (s *ScanSubscription) absorb(jobs []types.PrintJob) {
	current := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		current[job.ID] = struct{}{}
		if _, ok := s.seen[job.ID]; ok {
			continue
		}
		s.seen[job.ID] = struct{}{}
		s.buf = append(s.buf, job)
	}
	for id := range s.seen {
		if _, ok := current[id]; !ok {
			delete(s.seen, id)
		}
	}
}
