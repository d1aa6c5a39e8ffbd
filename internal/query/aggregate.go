package query

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/SirClappington/depsched/internal/domain"
)

// AggregationKind names an aggregator.
type AggregationKind string

const (
	AggStatusCountPerSink  AggregationKind = "status-count-per-sink"
	AggJobChunkCount       AggregationKind = "job-chunk-count"
	AggSinkStatusCount     AggregationKind = "sink-status-count"
	AggSinkStatusBreakdown AggregationKind = "sink-status-breakdown"
)

// Aggregation describes an aggregate to compute over the keyspace.
type Aggregation struct {
	Kind     AggregationKind `json:"kind"`
	SinkID   int             `json:"sinkId,omitempty"`
	Statuses []domain.Status `json:"statuses,omitempty"`
}

// Accumulator folds records into a partial result. Accumulate and Combine
// are associative and commutative, so partitions can be folded
// independently and merged in any order.
type Accumulator interface {
	Accumulate(dt domain.DependencyTracking)
	// Combine merges other, which must have the same concrete type.
	Combine(other Accumulator)
}

// StatusCountPerSink counts records in one of statuses, grouped by sink.
// With domain.Blocked it is the blocked-per-sink count.
func StatusCountPerSink(statuses ...domain.Status) Aggregation {
	return Aggregation{Kind: AggStatusCountPerSink, Statuses: statuses}
}

// JobChunkCount counts distinct jobs and chunks of a sink.
func JobChunkCount(sinkID int) Aggregation {
	return Aggregation{Kind: AggJobChunkCount, SinkID: sinkID}
}

// SinkStatusCount counts records of a sink in one of statuses (any if none).
func SinkStatusCount(sinkID int, statuses ...domain.Status) Aggregation {
	return Aggregation{Kind: AggSinkStatusCount, SinkID: sinkID, Statuses: statuses}
}

// SinkStatusBreakdown counts records per sink and status.
func SinkStatusBreakdown() Aggregation {
	return Aggregation{Kind: AggSinkStatusBreakdown}
}

// Filter is the predicate narrowing the records an aggregation needs to see.
// Accumulators still receive only matching records, so stores may use it to
// pick an index.
func (a Aggregation) Filter() Predicate {
	switch a.Kind {
	case AggStatusCountPerSink:
		return Status(a.Statuses...)
	case AggJobChunkCount:
		return SinkStatus(a.SinkID)
	case AggSinkStatusCount:
		return SinkStatus(a.SinkID, a.Statuses...)
	}
	return All()
}

// NewAccumulator returns an empty accumulator for a.
func (a Aggregation) NewAccumulator() (Accumulator, error) {
	switch a.Kind {
	case AggStatusCountPerSink:
		return &CountPerSink{Counts: map[int]int{}}, nil
	case AggJobChunkCount:
		return &JobChunks{ChunksPerJob: map[int]int{}}, nil
	case AggSinkStatusCount:
		return &Count{}, nil
	case AggSinkStatusBreakdown:
		return &Breakdown{Sinks: map[int]*SinkCounts{}}, nil
	}
	return nil, errors.Errorf("unknown aggregation %q", a.Kind)
}

// Decode reads an accumulator produced by a remote store.
func (a Aggregation) Decode(data []byte) (Accumulator, error) {
	acc, err := a.NewAccumulator()
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, acc); err != nil {
		return nil, errors.Wrapf(err, "decode %s result", a.Kind)
	}
	return acc, nil
}

// Run folds records into a fresh accumulator, skipping records outside the
// aggregation's filter.
func (a Aggregation) Run(records []domain.DependencyTracking) (Accumulator, error) {
	acc, err := a.NewAccumulator()
	if err != nil {
		return nil, err
	}
	filter := a.Filter()
	for _, r := range records {
		if filter.Match(r) {
			acc.Accumulate(r)
		}
	}
	return acc, nil
}

// CountPerSink maps sink id to record count.
type CountPerSink struct {
	Counts map[int]int `json:"counts"`
}

func (c *CountPerSink) Accumulate(dt domain.DependencyTracking) { c.Counts[dt.SinkID]++ }

func (c *CountPerSink) Combine(other Accumulator) {
	for sink, n := range other.(*CountPerSink).Counts {
		c.Counts[sink] += n
	}
}

// JobChunks keeps chunk counts per job so distinct jobs survive merging.
type JobChunks struct {
	ChunksPerJob map[int]int `json:"chunksPerJob"`
}

func (j *JobChunks) Accumulate(dt domain.DependencyTracking) { j.ChunksPerJob[dt.Key.JobID]++ }

func (j *JobChunks) Combine(other Accumulator) {
	for job, n := range other.(*JobChunks).ChunksPerJob {
		j.ChunksPerJob[job] += n
	}
}

// Jobs is the number of distinct jobs.
func (j *JobChunks) Jobs() int { return len(j.ChunksPerJob) }

// Chunks is the total number of chunks.
func (j *JobChunks) Chunks() int {
	total := 0
	for _, n := range j.ChunksPerJob {
		total += n
	}
	return total
}

// Count is a plain record count.
type Count struct {
	N int `json:"n"`
}

func (c *Count) Accumulate(domain.DependencyTracking) { c.N++ }

func (c *Count) Combine(other Accumulator) { c.N += other.(*Count).N }

// SinkCounts is the per-status record count of one sink.
type SinkCounts struct {
	ReadyForProcessing  int `json:"readyForProcessing"`
	QueuedForProcessing int `json:"queuedForProcessing"`
	Blocked             int `json:"blocked"`
	ReadyForDelivery    int `json:"readyForDelivery"`
	QueuedForDelivery   int `json:"queuedForDelivery"`
}

// Of returns the count for status s.
func (c SinkCounts) Of(s domain.Status) int {
	switch s {
	case domain.ReadyForProcessing:
		return c.ReadyForProcessing
	case domain.QueuedForProcessing:
		return c.QueuedForProcessing
	case domain.Blocked:
		return c.Blocked
	case domain.ReadyForDelivery:
		return c.ReadyForDelivery
	case domain.QueuedForDelivery:
		return c.QueuedForDelivery
	}
	return 0
}

func (c *SinkCounts) add(s domain.Status, n int) {
	switch s {
	case domain.ReadyForProcessing:
		c.ReadyForProcessing += n
	case domain.QueuedForProcessing:
		c.QueuedForProcessing += n
	case domain.Blocked:
		c.Blocked += n
	case domain.ReadyForDelivery:
		c.ReadyForDelivery += n
	case domain.QueuedForDelivery:
		c.QueuedForDelivery += n
	}
}

// Breakdown holds SinkCounts for every sink seen.
type Breakdown struct {
	Sinks map[int]*SinkCounts `json:"sinks"`
}

func (b *Breakdown) Accumulate(dt domain.DependencyTracking) {
	b.sink(dt.SinkID).add(dt.Status, 1)
}

func (b *Breakdown) Combine(other Accumulator) {
	for sinkID, counts := range other.(*Breakdown).Sinks {
		c := b.sink(sinkID)
		for _, s := range domain.AllStatuses() {
			c.add(s, counts.Of(s))
		}
	}
}

func (b *Breakdown) sink(sinkID int) *SinkCounts {
	c, ok := b.Sinks[sinkID]
	if !ok {
		c = &SinkCounts{}
		b.Sinks[sinkID] = c
	}
	return c
}
