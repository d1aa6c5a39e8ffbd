// Package scheduler decides when a chunk may enter the processing or
// delivery queue. It keeps chunks that share an ordering group in arrival
// order and applies per-sink backpressure.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/depsched/internal/domain"
	"github.com/SirClappington/depsched/internal/query"
	"github.com/SirClappington/depsched/internal/store"
)

// Dispatcher hands admitted chunks to the queue of a phase.
type Dispatcher interface {
	Submit(ctx context.Context, phase domain.Phase, dt domain.DependencyTracking) error
}

// Events receives status deltas for monitoring.
type Events interface {
	StatusChanged(ctx context.Context, change domain.StatusChange) error
}

// Journal persists record snapshots for recovery.
type Journal interface {
	Upsert(ctx context.Context, dt domain.DependencyTracking) error
	Delete(ctx context.Context, key domain.TrackingKey) error
}

// Config tunes a Scheduler.
type Config struct {
	// LowWaterMark is the queued count under which a bulk queue starts
	// moving back to direct submission.
	LowWaterMark int
	// MaxCleanupPushes is the number of sweeps a queue spends in
	// TRANSITION_TO_DIRECT.
	MaxCleanupPushes int
	Journal          Journal
	Events           Events
	// Now defaults to time.Now.
	Now func() time.Time
}

const (
	DefaultLowWaterMark     = 100
	DefaultMaxCleanupPushes = 2
)

// Scheduler is one scheduler instance. Many instances may share a store.
type Scheduler struct {
	store      store.Store
	dispatcher Dispatcher
	journal    Journal
	events     Events
	logger     *zap.Logger
	nodeID     string
	now        func() time.Time

	lowWaterMark     int64
	maxCleanupPushes int32

	mu    sync.RWMutex
	sinks map[int]*SinkStatus
}

// New creates a scheduler on top of st.
func New(st store.Store, dispatcher Dispatcher, logger *zap.Logger, cfg Config) *Scheduler {
	if cfg.LowWaterMark <= 0 {
		cfg.LowWaterMark = DefaultLowWaterMark
	}
	if cfg.MaxCleanupPushes <= 0 {
		cfg.MaxCleanupPushes = DefaultMaxCleanupPushes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	nodeID := uuid.NewString()
	return &Scheduler{
		store:            st,
		dispatcher:       dispatcher,
		journal:          cfg.Journal,
		events:           cfg.Events,
		logger:           logger.With(zap.String("node", nodeID)),
		nodeID:           nodeID,
		now:              cfg.Now,
		lowWaterMark:     int64(cfg.LowWaterMark),
		maxCleanupPushes: int32(cfg.MaxCleanupPushes),
		sinks:            make(map[int]*SinkStatus),
	}
}

// NodeID identifies this instance in events and logs.
func (s *Scheduler) NodeID() string { return s.nodeID }

// SinkStatus returns the live status of a sink, creating it on first use.
func (s *Scheduler) SinkStatus(sinkID int) *SinkStatus {
	s.mu.RLock()
	ss, ok := s.sinks[sinkID]
	s.mu.RUnlock()
	if ok {
		return ss
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ss, ok = s.sinks[sinkID]; !ok {
		ss = newSinkStatus(sinkID)
		s.sinks[sinkID] = ss
	}
	return ss
}

func (s *Scheduler) sinkIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.sinks))
	for id := range s.sinks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Registration is a chunk handed over by the partitioner.
type Registration struct {
	JobID      int      `json:"jobId"`
	ChunkID    int      `json:"chunkId"`
	SinkID     int      `json:"sinkId"`
	Submitter  int      `json:"submitter"`
	MatchKeys  []string `json:"matchKeys"`
	BarrierKey string   `json:"barrierKey,omitempty"`
	Priority   int      `json:"priority"`
}

// Key returns the tracking key of the registered chunk.
func (r Registration) Key() domain.TrackingKey {
	return domain.TrackingKey{JobID: r.JobID, ChunkID: r.ChunkID}
}

// Register creates the tracking record of a new chunk, computes what it
// waits for and admits it to processing if nothing blocks it.
// Registering a known chunk again returns the stored record.
func (s *Scheduler) Register(ctx context.Context, reg Registration) (domain.DependencyTracking, error) {
	dt := domain.NewDependencyTracking(reg.Key(), reg.SinkID, reg.Submitter,
		reg.MatchKeys, reg.BarrierKey, reg.Priority, s.now())
	// Not admissible until its predecessors are known.
	dt.Status = domain.Blocked
	dt.Pending = true

	stored, err := s.store.Insert(ctx, dt)
	if errors.Is(err, store.ErrExists) {
		s.logger.Debug("chunk already registered", zap.Stringer("key", dt.Key))
		return s.store.Get(ctx, dt.Key)
	}
	if err != nil {
		return domain.DependencyTracking{}, errors.Wrapf(err, "register %s", dt.Key)
	}

	cur, err := s.computeWaitingOn(ctx, stored)
	if err != nil {
		return domain.DependencyTracking{}, err
	}
	s.logger.Debug("chunk registered",
		zap.Stringer("key", cur.Key),
		zap.Int("sink", cur.SinkID),
		zap.Stringer("status", cur.Status),
		zap.Int("waitingOn", len(cur.WaitingOn)))

	if cur.Status == domain.Blocked {
		// A predecessor may have completed between the query and the write.
		return s.Settle(ctx, cur.Key)
	}
	return s.admit(ctx, cur)
}

// PhaseDone reports that a chunk finished phase.
func (s *Scheduler) PhaseDone(ctx context.Context, key domain.TrackingKey, phase domain.Phase) error {
	switch phase {
	case domain.Processing:
		_, err := s.ProcessingDone(ctx, key)
		return err
	case domain.Delivery:
		return s.DeliveryDone(ctx, key)
	}
	return errors.Errorf("unknown phase %d", phase)
}

// ProcessingDone moves a processed chunk to the delivery phase. It becomes
// ready for delivery once every predecessor is gone and stays BLOCKED
// until then. Repeated notifications are ignored.
func (s *Scheduler) ProcessingDone(ctx context.Context, key domain.TrackingKey) (domain.DependencyTracking, error) {
	cur, err := s.store.Get(ctx, key)
	if err != nil {
		return domain.DependencyTracking{}, errors.Wrapf(err, "processing done %s", key)
	}
	_, gone, err := store.GetMany(ctx, s.store, cur.WaitingOn)
	if err != nil {
		return domain.DependencyTracking{}, err
	}

	change, err := s.update(ctx, key, func(cur domain.DependencyTracking) (domain.DependencyTracking, bool, error) {
		if cur.Phase == domain.Delivery {
			return cur, false, nil
		}
		if cur.Status != domain.QueuedForProcessing && cur.Status != domain.ReadyForProcessing {
			return cur, false, errors.Wrapf(domain.ErrIllegalTransition,
				"%s: processing done while %s", cur.Key, cur.Status)
		}
		cur, _ = cur.WithoutWaitingOn(gone...)
		cur.Phase = domain.Delivery
		next := domain.ReadyForDelivery
		if len(cur.WaitingOn) > 0 {
			next = domain.Blocked
		}
		cur, err := cur.WithStatus(next, s.now())
		return cur, true, err
	})
	if err != nil {
		return domain.DependencyTracking{}, errors.Wrapf(err, "processing done %s", key)
	}
	if !change.Changed {
		return change.After, nil
	}
	if change.After.Status == domain.Blocked {
		return s.Settle(ctx, key)
	}
	return s.admit(ctx, change.After)
}

// DeliveryDone removes a delivered chunk and releases the chunks waiting
// for it. Delivering an unknown chunk only re-runs the release, which
// makes duplicate notifications harmless.
func (s *Scheduler) DeliveryDone(ctx context.Context, key domain.TrackingKey) error {
	cur, err := s.store.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return s.resolveDependents(ctx, key)
	case err != nil:
		return errors.Wrapf(err, "delivery done %s", key)
	case cur.Phase != domain.Delivery:
		return errors.Wrapf(domain.ErrIllegalTransition, "%s: delivery done while %s", key, cur.Status)
	}
	if err := s.remove(ctx, key); err != nil {
		return err
	}
	return s.resolveDependents(ctx, key)
}

// remove deletes a record and accounts for it.
func (s *Scheduler) remove(ctx context.Context, key domain.TrackingKey) error {
	removed, err := s.store.Delete(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "remove %s", key)
	}
	s.recordChange(ctx, removed, removed.Status, 0)
	if s.journal != nil {
		if err := s.journal.Delete(ctx, key); err != nil {
			s.logger.Error("journal delete failed", zap.Stringer("key", key), zap.Error(err))
		}
	}
	s.logger.Debug("chunk removed", zap.Stringer("key", key), zap.Int("sink", removed.SinkID))
	return nil
}

// Resend puts a chunk presumed lost in its queue back to ready and
// returns its retry count. Statuses without a resend target are left
// alone, so repeated calls for the same loss resend once.
func (s *Scheduler) Resend(ctx context.Context, key domain.TrackingKey) (int, error) {
	change, err := s.update(ctx, key, func(cur domain.DependencyTracking) (domain.DependencyTracking, bool, error) {
		next, ok := cur.Resend(s.now())
		return next, ok, nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "resend %s", key)
	}
	if !change.Changed {
		return change.After.Retries, nil
	}
	s.logger.Info("chunk resent",
		zap.Stringer("key", key),
		zap.Stringer("status", change.After.Status),
		zap.Int("retries", change.After.Retries))
	if _, err := s.admit(ctx, change.After); err != nil {
		return change.After.Retries, err
	}
	return change.After.Retries, nil
}

// ResendStale resends every queued chunk not modified for olderThan and
// returns how many were resent.
func (s *Scheduler) ResendStale(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := s.store.Query(ctx, query.Stale(s.now().Add(-olderThan), domain.QueuedForProcessing, domain.QueuedForDelivery))
	if err != nil {
		return 0, errors.Wrap(err, "find stale chunks")
	}
	resent := 0
	var errs error
	for _, dt := range stale {
		before := dt.Retries
		retries, err := s.Resend(ctx, dt.Key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if retries > before {
			resent++
		}
	}
	return resent, errs
}

// SetPriority changes the admission priority of a chunk.
func (s *Scheduler) SetPriority(ctx context.Context, key domain.TrackingKey, priority int) (domain.DependencyTracking, error) {
	change, err := s.update(ctx, key, func(cur domain.DependencyTracking) (domain.DependencyTracking, bool, error) {
		if cur.Priority == priority {
			return cur, false, nil
		}
		cur.Priority = priority
		cur.LastModified = s.now()
		return cur, true, nil
	})
	if err != nil {
		return domain.DependencyTracking{}, errors.Wrapf(err, "set priority %s", key)
	}
	return change.After, nil
}

// RemoveJob drops every chunk of an aborted job and releases the chunks of
// other jobs waiting for them. It returns the number of removed chunks.
func (s *Scheduler) RemoveJob(ctx context.Context, jobID int) (int, error) {
	records, err := s.store.Query(ctx, query.Job(jobID))
	if err != nil {
		return 0, errors.Wrapf(err, "remove job %d", jobID)
	}
	var errs error
	for _, dt := range records {
		if err := s.remove(ctx, dt.Key); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	for _, dt := range records {
		if err := s.resolveDependents(ctx, dt.Key); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	s.logger.Info("job removed", zap.Int("job", jobID), zap.Int("chunks", len(records)))
	return len(records), errs
}

// Get returns the tracking record of a chunk.
func (s *Scheduler) Get(ctx context.Context, key domain.TrackingKey) (domain.DependencyTracking, error) {
	return s.store.Get(ctx, key)
}

// update applies fn and accounts for the resulting status change.
func (s *Scheduler) update(ctx context.Context, key domain.TrackingKey, fn store.Mutation) (store.Change, error) {
	change, err := store.Update(ctx, s.store, key, fn)
	if err != nil {
		return change, err
	}
	if change.Changed {
		s.recordChange(ctx, change.After, change.Before.Status, change.After.Status)
		s.journalUpsert(ctx, change.After)
	}
	return change, nil
}

func (s *Scheduler) journalUpsert(ctx context.Context, dt domain.DependencyTracking) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Upsert(ctx, dt); err != nil {
		s.logger.Error("journal upsert failed", zap.Stringer("key", dt.Key), zap.Error(err))
	}
}

// recordChange updates the local counters and publishes the delta.
func (s *Scheduler) recordChange(ctx context.Context, dt domain.DependencyTracking, from, to domain.Status) {
	if from == to {
		return
	}
	s.SinkStatus(dt.SinkID).transition(from, to)
	s.publish(ctx, dt, from, to)
}

func (s *Scheduler) publish(ctx context.Context, dt domain.DependencyTracking, from, to domain.Status) {
	if s.events == nil {
		return
	}
	change := domain.StatusChange{Key: dt.Key, SinkID: dt.SinkID, From: from, To: to, Node: s.nodeID, At: s.now()}
	if err := s.events.StatusChanged(ctx, change); err != nil {
		s.logger.Warn("status event not published", zap.Stringer("key", dt.Key), zap.Error(err))
	}
}
