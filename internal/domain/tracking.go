package domain

import (
	"slices"
	"time"

	"github.com/pkg/errors"
)

// DependencyTracking is the scheduling record of one chunk.
//
// Values are treated as immutable snapshots: the With* helpers return
// modified copies and never touch the receiver's slices.
type DependencyTracking struct {
	Key          TrackingKey   `json:"key"`
	SinkID       int           `json:"sinkId"`
	Submitter    int           `json:"submitter"`
	Status       Status        `json:"status"`
	Priority     int           `json:"priority"`
	MatchKeys    []string      `json:"matchKeys"`
	WaitFor      []WaitForKey  `json:"waitFor"`
	WaitingOn    []TrackingKey `json:"waitingOn"`
	Retries      int           `json:"retries"`
	LastModified time.Time     `json:"lastModified"`

	// Phase is the phase whose ready status a blocked record returns to.
	Phase Phase `json:"phase"`
	// Seq is the arrival sequence assigned by the store on insert.
	Seq uint64 `json:"seq"`
	// Version is bumped by the store on every successful write.
	Version uint64 `json:"version"`
	// Pending marks a registered record whose predecessors are not stored
	// yet. Only the predecessor computation clears it.
	Pending bool `json:"pending,omitempty"`
}

// NewDependencyTracking builds the record of a freshly split chunk. The
// optional barrier key joins the match keys so that every chunk carrying it
// is ordered against every other.
func NewDependencyTracking(key TrackingKey, sinkID, submitter int, matchKeys []string, barrierKey string, priority int, now time.Time) DependencyTracking {
	keys := make([]string, 0, len(matchKeys)+1)
	keys = append(keys, matchKeys...)
	if barrierKey != "" {
		keys = append(keys, barrierKey)
	}
	keys = normalizeMatchKeys(keys)
	return DependencyTracking{
		Key:          key,
		SinkID:       sinkID,
		Submitter:    submitter,
		Status:       ReadyForProcessing,
		Priority:     priority,
		MatchKeys:    keys,
		WaitFor:      DeriveWaitFor(sinkID, submitter, keys),
		Retries:      0,
		LastModified: now,
		Phase:        Processing,
	}
}

// DeriveWaitFor returns one wait-for key per match key, sorted.
func DeriveWaitFor(sinkID, submitter int, matchKeys []string) []WaitForKey {
	out := make([]WaitForKey, 0, len(matchKeys))
	for _, mk := range normalizeMatchKeys(matchKeys) {
		out = append(out, WaitForKey{SinkID: sinkID, Submitter: submitter, MatchKey: mk})
	}
	return out
}

func normalizeMatchKeys(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

// Equal compares identity, priority and submitter only. Status and
// waitingOn are ignored.
func (d DependencyTracking) Equal(o DependencyTracking) bool {
	return d.Key == o.Key && d.Priority == o.Priority && d.Submitter == o.Submitter
}

// Clone returns a deep copy.
func (d DependencyTracking) Clone() DependencyTracking {
	d.MatchKeys = slices.Clone(d.MatchKeys)
	d.WaitFor = slices.Clone(d.WaitFor)
	d.WaitingOn = slices.Clone(d.WaitingOn)
	return d
}

// HasMatchKey reports whether mk is one of the record's match keys.
func (d DependencyTracking) HasMatchKey(mk string) bool {
	_, found := slices.BinarySearch(d.MatchKeys, mk)
	return found
}

// SharesMatchKey reports whether any of keys is among the record's match keys.
func (d DependencyTracking) SharesMatchKey(keys []string) bool {
	for _, k := range keys {
		if d.HasMatchKey(k) {
			return true
		}
	}
	return false
}

// IsWaitingOn reports whether key is one of the unresolved predecessors.
func (d DependencyTracking) IsWaitingOn(key TrackingKey) bool {
	_, found := slices.BinarySearchFunc(d.WaitingOn, key, TrackingKey.Compare)
	return found
}

// Admissible reports whether the record may enter the queue of phase.
func (d DependencyTracking) Admissible(phase Phase) bool {
	return d.Phase == phase && d.Status == phase.ReadyStatus() && len(d.WaitingOn) == 0
}

// WithStatus moves the record to next, enforcing the transition table.
func (d DependencyTracking) WithStatus(next Status, now time.Time) (DependencyTracking, error) {
	if !d.Status.CanTransitionTo(next) {
		return d, errors.Wrapf(ErrIllegalTransition, "%s: %s -> %s", d.Key, d.Status, next)
	}
	d.Status = next
	d.LastModified = now
	return d, nil
}

// WithWaitingOn replaces the predecessor set.
func (d DependencyTracking) WithWaitingOn(keys []TrackingKey) DependencyTracking {
	out := slices.Clone(keys)
	slices.SortFunc(out, TrackingKey.Compare)
	d.WaitingOn = slices.Compact(out)
	return d
}

// WithoutWaitingOn drops the given predecessors. The second result is false
// when none of them were present.
func (d DependencyTracking) WithoutWaitingOn(keys ...TrackingKey) (DependencyTracking, bool) {
	out := make([]TrackingKey, 0, len(d.WaitingOn))
	for _, k := range d.WaitingOn {
		if !slices.Contains(keys, k) {
			out = append(out, k)
		}
	}
	if len(out) == len(d.WaitingOn) {
		return d, false
	}
	d.WaitingOn = out
	return d, true
}

// Release moves a blocked record without predecessors to its phase's ready
// status. The second result reports whether anything changed.
func (d DependencyTracking) Release(now time.Time) (DependencyTracking, bool) {
	if d.Status != Blocked || d.Pending || len(d.WaitingOn) > 0 {
		return d, false
	}
	d.Status = d.Phase.ReadyStatus()
	d.LastModified = now
	return d, true
}

// Resend moves a queued record back to ready and counts the retry. Statuses
// without a resend target are left untouched.
func (d DependencyTracking) Resend(now time.Time) (DependencyTracking, bool) {
	target, ok := d.Status.ResendTarget()
	if !ok {
		return d, false
	}
	d.Status = target
	d.Retries++
	d.LastModified = now
	return d, true
}

// Compare is the admission order: priority descending, then key ascending.
func Compare(a, b DependencyTracking) int {
	if a.Priority != b.Priority {
		if a.Priority > b.Priority {
			return -1
		}
		return 1
	}
	return a.Key.Compare(b.Key)
}

// SortByPriority sorts records into admission order.
func SortByPriority(records []DependencyTracking) {
	slices.SortFunc(records, Compare)
}

// Keys returns the tracking keys of records.
func Keys(records []DependencyTracking) []TrackingKey {
	out := make([]TrackingKey, 0, len(records))
	for _, r := range records {
		out = append(out, r.Key)
	}
	return out
}
