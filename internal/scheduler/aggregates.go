package scheduler

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/SirClappington/depsched/internal/domain"
	"github.com/SirClappington/depsched/internal/query"
)

// BlockedPerSink returns the number of blocked chunks per sink.
func (s *Scheduler) BlockedPerSink(ctx context.Context) (map[int]int, error) {
	return s.StatusCountPerSink(ctx, domain.Blocked)
}

// StatusCountPerSink counts chunks in one of statuses, grouped by sink.
func (s *Scheduler) StatusCountPerSink(ctx context.Context, statuses ...domain.Status) (map[int]int, error) {
	acc, err := s.store.Aggregate(ctx, query.StatusCountPerSink(statuses...))
	if err != nil {
		return nil, errors.Wrap(err, "count per sink")
	}
	return acc.(*query.CountPerSink).Counts, nil
}

// JobChunkCount returns the number of distinct jobs and chunks of a sink.
func (s *Scheduler) JobChunkCount(ctx context.Context, sinkID int) (jobs, chunks int, err error) {
	acc, err := s.store.Aggregate(ctx, query.JobChunkCount(sinkID))
	if err != nil {
		return 0, 0, errors.Wrapf(err, "job/chunk count sink %d", sinkID)
	}
	jc := acc.(*query.JobChunks)
	return jc.Jobs(), jc.Chunks(), nil
}

// SinkStatusCount counts chunks of a sink in one of statuses, or in any
// status if none are given.
func (s *Scheduler) SinkStatusCount(ctx context.Context, sinkID int, statuses ...domain.Status) (int, error) {
	acc, err := s.store.Aggregate(ctx, query.SinkStatusCount(sinkID, statuses...))
	if err != nil {
		return 0, errors.Wrapf(err, "count sink %d", sinkID)
	}
	return acc.(*query.Count).N, nil
}

// QueueView is the state of one sink/phase queue.
type QueueView struct {
	Mode     Mode `json:"mode"`
	Ready    int  `json:"ready"`
	Enqueued int  `json:"enqueued"`
}

// SinkView is the scheduling status of one sink: store-wide counts merged
// with this instance's submission modes.
type SinkView struct {
	SinkID     int              `json:"sinkId"`
	Processing QueueView        `json:"processing"`
	Delivering QueueView        `json:"delivering"`
	Blocked    int              `json:"blocked"`
	Counts     query.SinkCounts `json:"counts"`
}

// SinkStatuses returns the status of every sink with tracked chunks or
// known to this instance, ordered by sink id.
func (s *Scheduler) SinkStatuses(ctx context.Context) ([]SinkView, error) {
	acc, err := s.store.Aggregate(ctx, query.SinkStatusBreakdown())
	if err != nil {
		return nil, errors.Wrap(err, "sink status breakdown")
	}
	breakdown := acc.(*query.Breakdown)
	ids := map[int]struct{}{}
	for id := range breakdown.Sinks {
		ids[id] = struct{}{}
	}
	for _, id := range s.sinkIDs() {
		ids[id] = struct{}{}
	}

	views := make([]SinkView, 0, len(ids))
	for id := range ids {
		var counts query.SinkCounts
		if c, ok := breakdown.Sinks[id]; ok {
			counts = *c
		}
		ss := s.SinkStatus(id)
		views = append(views, SinkView{
			SinkID: id,
			Processing: QueueView{
				Mode:     ss.Processing.Mode(),
				Ready:    counts.ReadyForProcessing,
				Enqueued: counts.QueuedForProcessing,
			},
			Delivering: QueueView{
				Mode:     ss.Delivering.Mode(),
				Ready:    counts.ReadyForDelivery,
				Enqueued: counts.QueuedForDelivery,
			},
			Blocked: counts.Blocked,
			Counts:  counts,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].SinkID < views[j].SinkID })
	return views, nil
}
