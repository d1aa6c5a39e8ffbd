package scheduler

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/depsched/internal/domain"
	"github.com/SirClappington/depsched/internal/query"
	"github.com/SirClappington/depsched/internal/store"
)

// computeWaitingOn fills in the predecessors of a freshly inserted record:
// every record of the same sink and submitter sharing one of its match keys
// that arrived before it. Without predecessors the record becomes ready for
// processing.
func (s *Scheduler) computeWaitingOn(ctx context.Context, dt domain.DependencyTracking) (domain.DependencyTracking, error) {
	var waitingOn []domain.TrackingKey
	if len(dt.MatchKeys) > 0 {
		preds, err := s.store.Query(ctx, query.ChunksToWaitFor(dt.SinkID, dt.Submitter, dt.MatchKeys, dt.Seq))
		if err != nil {
			return domain.DependencyTracking{}, errors.Wrapf(err, "find predecessors of %s", dt.Key)
		}
		for _, p := range preds {
			if p.Key != dt.Key {
				waitingOn = append(waitingOn, p.Key)
			}
		}
	}

	change, err := store.Update(ctx, s.store, dt.Key, func(cur domain.DependencyTracking) (domain.DependencyTracking, bool, error) {
		if !cur.Pending {
			// computed by someone else already
			return cur, false, nil
		}
		cur = cur.WithWaitingOn(waitingOn)
		cur.Status = domain.Blocked
		cur.Pending = false
		cur, _ = cur.Release(s.now())
		cur.LastModified = s.now()
		return cur, true, nil
	})
	if err != nil {
		return domain.DependencyTracking{}, errors.Wrapf(err, "store predecessors of %s", dt.Key)
	}
	if change.Changed {
		// The provisional insert was never counted.
		s.recordChange(ctx, change.After, 0, change.After.Status)
		s.journalUpsert(ctx, change.After)
	}
	return change.After, nil
}

// Settle re-checks a blocked chunk: predecessors that no longer exist are
// dropped and, once none are left, the chunk returns to its phase's ready
// status and is offered for admission.
func (s *Scheduler) Settle(ctx context.Context, key domain.TrackingKey) (domain.DependencyTracking, error) {
	cur, err := s.store.Get(ctx, key)
	if err != nil {
		return domain.DependencyTracking{}, errors.Wrapf(err, "settle %s", key)
	}
	if cur.Pending {
		if cur, err = s.computeWaitingOn(ctx, cur); err != nil {
			return domain.DependencyTracking{}, err
		}
	}
	if cur.Status != domain.Blocked {
		return s.admit(ctx, cur)
	}

	_, gone, err := store.GetMany(ctx, s.store, cur.WaitingOn)
	if err != nil {
		return domain.DependencyTracking{}, errors.Wrapf(err, "settle %s", key)
	}
	change, err := s.update(ctx, key, func(cur domain.DependencyTracking) (domain.DependencyTracking, bool, error) {
		cur, dropped := cur.WithoutWaitingOn(gone...)
		cur, released := cur.Release(s.now())
		return cur, dropped || released, nil
	})
	if err != nil {
		return domain.DependencyTracking{}, errors.Wrapf(err, "settle %s", key)
	}
	if change.After.Status == domain.Blocked {
		return change.After, nil
	}
	s.logger.Debug("chunk unblocked", zap.Stringer("key", key), zap.Stringer("status", change.After.Status))
	return s.admit(ctx, change.After)
}

// SettleBlocked settles every blocked chunk and returns how many left the
// BLOCKED status.
func (s *Scheduler) SettleBlocked(ctx context.Context) (int, error) {
	blocked, err := s.store.Query(ctx, query.Status(domain.Blocked))
	if err != nil {
		return 0, errors.Wrap(err, "find blocked chunks")
	}
	released := 0
	var errs error
	for _, dt := range blocked {
		after, err := s.Settle(ctx, dt.Key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if after.Status != domain.Blocked {
			released++
		}
	}
	return released, errs
}

// resolveDependents drops key from every chunk waiting for it. Each
// dependent is updated on its own; dependents that vanished meanwhile are
// already resolved.
func (s *Scheduler) resolveDependents(ctx context.Context, key domain.TrackingKey) error {
	dependents, err := s.store.Query(ctx, query.WaitingOn(key))
	if err != nil {
		return errors.Wrapf(err, "find dependents of %s", key)
	}
	var errs error
	for _, dep := range dependents {
		change, err := s.update(ctx, dep.Key, func(cur domain.DependencyTracking) (domain.DependencyTracking, bool, error) {
			cur, changed := cur.WithoutWaitingOn(key)
			if !changed {
				return cur, false, nil
			}
			cur.LastModified = s.now()
			cur, _ = cur.Release(s.now())
			return cur, true, nil
		})
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "release %s from %s", dep.Key, key))
			continue
		}
		if !change.Changed || change.After.Status == domain.Blocked {
			continue
		}
		s.logger.Debug("chunk unblocked",
			zap.Stringer("key", dep.Key),
			zap.Stringer("by", key),
			zap.Stringer("status", change.After.Status))
		if _, err := s.admit(ctx, change.After); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Restore loads a record recovered from the journal into the store as is.
func (s *Scheduler) Restore(ctx context.Context, dt domain.DependencyTracking) error {
	dt.Pending = false
	stored, err := s.store.Insert(ctx, dt)
	if errors.Is(err, store.ErrExists) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "restore %s", dt.Key)
	}
	s.SinkStatus(stored.SinkID).transition(0, stored.Status)
	return nil
}
