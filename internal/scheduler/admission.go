package scheduler

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/depsched/internal/domain"
	"github.com/SirClappington/depsched/internal/query"
	"github.com/SirClappington/depsched/internal/store"
)

const maxConcurrentPushes = 8

// admit offers a ready chunk to its phase's queue. In DIRECT mode the
// chunk is submitted at once unless the queue is full, in which case the
// queue switches to BULK and the chunk stays ready for the sweep.
func (s *Scheduler) admit(ctx context.Context, dt domain.DependencyTracking) (domain.DependencyTracking, error) {
	phase := dt.Phase
	if !dt.Admissible(phase) {
		return dt, nil
	}
	qs := s.SinkStatus(dt.SinkID).Queue(phase)
	if qs.Mode() != Direct {
		return dt, nil
	}
	if !qs.reserve(int64(phase.QueuedStatus().Capacity())) {
		if qs.switchMode(Direct, Bulk) {
			s.logger.Info("queue full, switching to bulk submission",
				zap.Int("sink", dt.SinkID),
				zap.Stringer("phase", phase),
				zap.Int64("enqueued", qs.Enqueued()))
		}
		return dt, nil
	}
	return s.submit(ctx, dt, qs)
}

// submit moves a chunk to its queued status and hands it to the
// dispatcher. The caller has reserved a slot in qs; it is given back when
// the chunk turns out not to be admissible any more.
func (s *Scheduler) submit(ctx context.Context, dt domain.DependencyTracking, qs *QueueStatus) (domain.DependencyTracking, error) {
	phase := dt.Phase
	change, err := store.Update(ctx, s.store, dt.Key, func(cur domain.DependencyTracking) (domain.DependencyTracking, bool, error) {
		if !cur.Admissible(phase) {
			return cur, false, nil
		}
		cur, err := cur.WithStatus(phase.QueuedStatus(), s.now())
		return cur, true, err
	})
	if err != nil || !change.Changed {
		qs.release()
		if errors.Is(err, store.ErrNotFound) {
			return dt, nil
		}
		if err != nil {
			return dt, errors.Wrapf(err, "admit %s", dt.Key)
		}
		return change.After, nil
	}

	// enqueued was counted by the reservation.
	qs.confirm()
	s.SinkStatus(dt.SinkID).counter(phase.ReadyStatus()).Add(-1)
	s.publish(ctx, change.After, change.Before.Status, change.After.Status)
	s.journalUpsert(ctx, change.After)

	if err := s.dispatcher.Submit(ctx, phase, change.After); err != nil {
		// Put it back so the next sweep retries it.
		queued := change.After
		_, revertErr := s.update(ctx, dt.Key, func(cur domain.DependencyTracking) (domain.DependencyTracking, bool, error) {
			if cur.Version != queued.Version {
				return cur, false, nil
			}
			cur, err := cur.WithStatus(phase.ReadyStatus(), s.now())
			return cur, true, err
		})
		return queued, multierr.Append(errors.Wrapf(err, "submit %s", dt.Key), revertErr)
	}
	s.logger.Debug("chunk submitted",
		zap.Stringer("key", dt.Key),
		zap.Int("sink", dt.SinkID),
		zap.Stringer("phase", phase))
	return change.After, nil
}

// Sweep is one pass of the bulk submitter: counters are resynced from the
// store, blocked chunks are settled and every sink/phase queue is topped up
// with ready chunks in priority order. Queues in BULK mode move towards
// DIRECT once drained below the low-water mark.
func (s *Scheduler) Sweep(ctx context.Context) error {
	var errs error
	if err := s.Resync(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := s.SettleBlocked(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(maxConcurrentPushes)
	for _, sinkID := range s.sinkIDs() {
		for _, phase := range domain.Phases() {
			g.Go(func() error {
				if err := s.bulkPush(ctx, sinkID, phase); err != nil {
					mu.Lock()
					errs = multierr.Append(errs, err)
					mu.Unlock()
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	return errs
}

// bulkPush tops up one queue. Concurrent pushes for the same queue are
// skipped.
func (s *Scheduler) bulkPush(ctx context.Context, sinkID int, phase domain.Phase) error {
	qs := s.SinkStatus(sinkID).Queue(phase)
	done, ok := qs.startPush()
	if !ok {
		return nil
	}
	defer done()

	mode := qs.Mode()
	capacity := int64(phase.QueuedStatus().Capacity())
	var errs error
	left := 0
	if capacity-qs.Enqueued() > 0 {
		ready, err := s.store.Query(ctx, query.SinkStatus(sinkID, phase.ReadyStatus()))
		if err != nil {
			return errors.Wrapf(err, "bulk push sink %d %s", sinkID, phase)
		}
		candidates := ready[:0]
		for _, dt := range ready {
			if dt.Admissible(phase) {
				candidates = append(candidates, dt)
			}
		}
		domain.SortByPriority(candidates)

		pushed := 0
		for _, dt := range candidates {
			if !qs.reserve(capacity) {
				break
			}
			after, err := s.submit(ctx, dt, qs)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if after.Status == phase.QueuedStatus() {
				pushed++
			}
		}
		left = len(candidates) - pushed
		if pushed > 0 {
			s.logger.Info("bulk push",
				zap.Int("sink", sinkID),
				zap.Stringer("phase", phase),
				zap.Stringer("mode", mode),
				zap.Int("pushed", pushed),
				zap.Int("left", left))
		}
	}

	switch mode {
	case Bulk:
		if qs.Enqueued() < s.lowWaterMark && qs.switchMode(Bulk, TransitionToDirect) {
			s.logger.Info("queue drained, leaving bulk submission",
				zap.Int("sink", sinkID), zap.Stringer("phase", phase))
		}
	case TransitionToDirect:
		switch {
		case qs.Enqueued() >= capacity:
			qs.switchMode(TransitionToDirect, Bulk)
		case left == 0 && qs.cleanupPushes.Add(1) >= s.maxCleanupPushes:
			if qs.switchMode(TransitionToDirect, Direct) {
				s.logger.Info("resuming direct submission",
					zap.Int("sink", sinkID), zap.Stringer("phase", phase))
			}
		}
	}
	return errs
}

// Resync replaces the local counters with store-wide counts, so that every
// instance sees the load other instances put on a sink. Local reservations
// the counts may not include yet are kept. DIRECT queues found at capacity
// switch to BULK.
func (s *Scheduler) Resync(ctx context.Context) error {
	for _, sinkID := range s.sinkIDs() {
		s.SinkStatus(sinkID).beginResync()
	}
	acc, err := s.store.Aggregate(ctx, query.SinkStatusBreakdown())
	if err != nil {
		return errors.Wrap(err, "resync sink status")
	}
	breakdown := acc.(*query.Breakdown)
	for sinkID, counts := range breakdown.Sinks {
		s.SinkStatus(sinkID).reset(*counts)
	}
	for _, sinkID := range s.sinkIDs() {
		ss := s.SinkStatus(sinkID)
		if _, ok := breakdown.Sinks[sinkID]; !ok {
			ss.reset(query.SinkCounts{})
		}
		for _, phase := range domain.Phases() {
			qs := ss.Queue(phase)
			if qs.Enqueued() >= int64(phase.QueuedStatus().Capacity()) && qs.switchMode(Direct, Bulk) {
				s.logger.Info("queue full after resync, switching to bulk submission",
					zap.Int("sink", sinkID), zap.Stringer("phase", phase))
			}
		}
	}
	return nil
}
