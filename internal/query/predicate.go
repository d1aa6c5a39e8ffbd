// Package query holds the predicates and aggregations that run against the
// shared tracking keyspace. Both are plain data so that a store can evaluate
// them next to the data, locally or behind an RPC boundary.
package query

import (
	"slices"
	"time"

	"github.com/SirClappington/depsched/internal/domain"
)

// Kind selects the filter a Predicate applies.
type Kind string

const (
	KindAll             Kind = "all"
	KindSinkStatus      Kind = "sink-status"
	KindStatus          Kind = "status"
	KindChunksToWaitFor Kind = "chunks-to-wait-for"
	KindWaitForKeys     Kind = "wait-for-keys"
	KindWaitingOn       Kind = "waiting-on"
	KindJob             Kind = "job"
	KindStale           Kind = "stale"
)

// Predicate filters tracking records. Only the fields relevant to Kind are
// set; an empty Statuses list matches any status.
type Predicate struct {
	Kind           Kind                `json:"kind"`
	SinkID         int                 `json:"sinkId,omitempty"`
	Submitter      int                 `json:"submitter,omitempty"`
	Statuses       []domain.Status     `json:"statuses,omitempty"`
	MatchKeys      []string            `json:"matchKeys,omitempty"`
	WaitFor        []domain.WaitForKey `json:"waitFor,omitempty"`
	Key            domain.TrackingKey  `json:"key"`
	JobID          int                 `json:"jobId,omitempty"`
	BeforeSeq      uint64              `json:"beforeSeq,omitempty"`
	ModifiedBefore time.Time           `json:"modifiedBefore"`
}

// All matches every record.
func All() Predicate { return Predicate{Kind: KindAll} }

// SinkStatus matches records of a sink in one of statuses (any if none given).
func SinkStatus(sinkID int, statuses ...domain.Status) Predicate {
	return Predicate{Kind: KindSinkStatus, SinkID: sinkID, Statuses: statuses}
}

// Status matches records in one of statuses regardless of sink.
func Status(statuses ...domain.Status) Predicate {
	return Predicate{Kind: KindStatus, Statuses: statuses}
}

// ChunksToWaitFor matches the records a new chunk must wait for: same sink
// and submitter, at least one shared match key, and inserted before the
// chunk with arrival sequence beforeSeq. A zero beforeSeq disables the
// arrival bound.
func ChunksToWaitFor(sinkID, submitter int, matchKeys []string, beforeSeq uint64) Predicate {
	return Predicate{
		Kind:      KindChunksToWaitFor,
		SinkID:    sinkID,
		Submitter: submitter,
		MatchKeys: matchKeys,
		BeforeSeq: beforeSeq,
	}
}

// WaitForKeys matches records whose wait-for set intersects keys.
func WaitForKeys(keys ...domain.WaitForKey) Predicate {
	return Predicate{Kind: KindWaitForKeys, WaitFor: keys}
}

// WaitingOn matches the records that still wait for key.
func WaitingOn(key domain.TrackingKey) Predicate {
	return Predicate{Kind: KindWaitingOn, Key: key}
}

// Job matches every record of a job.
func Job(jobID int) Predicate { return Predicate{Kind: KindJob, JobID: jobID} }

// Stale matches records in one of statuses not modified since before.
func Stale(before time.Time, statuses ...domain.Status) Predicate {
	return Predicate{Kind: KindStale, Statuses: statuses, ModifiedBefore: before}
}

// Match evaluates the predicate against one record.
func (p Predicate) Match(dt domain.DependencyTracking) bool {
	switch p.Kind {
	case KindAll:
		return true
	case KindSinkStatus:
		return dt.SinkID == p.SinkID && p.statusMatches(dt.Status)
	case KindStatus:
		return p.statusMatches(dt.Status)
	case KindChunksToWaitFor:
		if dt.SinkID != p.SinkID || dt.Submitter != p.Submitter {
			return false
		}
		if p.BeforeSeq != 0 && dt.Seq >= p.BeforeSeq {
			return false
		}
		// Any shared match key counts, not only the record's first one.
		return dt.SharesMatchKey(p.MatchKeys)
	case KindWaitForKeys:
		for _, w := range p.WaitFor {
			if _, found := slices.BinarySearchFunc(dt.WaitFor, w, domain.WaitForKey.Compare); found {
				return true
			}
		}
		return false
	case KindWaitingOn:
		return dt.IsWaitingOn(p.Key)
	case KindJob:
		return dt.Key.JobID == p.JobID
	case KindStale:
		return p.statusMatches(dt.Status) && dt.LastModified.Before(p.ModifiedBefore)
	}
	return false
}

func (p Predicate) statusMatches(s domain.Status) bool {
	return len(p.Statuses) == 0 || slices.Contains(p.Statuses, s)
}

// Filter returns the records matching p.
func Filter(records []domain.DependencyTracking, p Predicate) []domain.DependencyTracking {
	var out []domain.DependencyTracking
	for _, r := range records {
		if p.Match(r) {
			out = append(out, r)
		}
	}
	return out
}
