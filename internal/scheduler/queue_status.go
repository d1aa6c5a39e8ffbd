package scheduler

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/SirClappington/depsched/internal/domain"
	"github.com/SirClappington/depsched/internal/query"
)

// Mode is the submission policy of one sink/phase queue.
type Mode int

const (
	// Direct submits every chunk the moment it becomes ready.
	Direct Mode = iota
	// Bulk leaves ready chunks for the periodic sweep.
	Bulk
	// TransitionToDirect drains what bulk mode left behind before
	// switching back to Direct.
	TransitionToDirect
)

func (m Mode) String() string {
	switch m {
	case Direct:
		return "DIRECT"
	case Bulk:
		return "BULK"
	case TransitionToDirect:
		return "TRANSITION_TO_DIRECT"
	}
	return "UNKNOWN"
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "DIRECT":
		*m = Direct
	case "BULK":
		*m = Bulk
	case "TRANSITION_TO_DIRECT":
		*m = TransitionToDirect
	default:
		return errors.Errorf("unknown submit mode %q", text)
	}
	return nil
}

// QueueStatus tracks one phase of one sink. The mode is read on every
// admission and written rarely, hence the RWMutex; the counters are
// atomics. Only the plain fields are serialised, the lock is rebuilt by
// construction.
type QueueStatus struct {
	mu   sync.RWMutex
	mode Mode

	ready    atomic.Int64
	enqueued atomic.Int64

	cleanupPushes atomic.Int32

	// Reservations not yet visible as QUEUED in the store, and those that
	// became visible since the last resync began.
	inflight  atomic.Int64
	confirmed atomic.Int64

	pushMu   sync.Mutex
	lastPush chan struct{}
}

// Mode returns the current submission mode.
func (q *QueueStatus) Mode() Mode {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.mode
}

// switchMode moves from one mode to another only if the queue is still in
// from.
func (q *QueueStatus) switchMode(from, to Mode) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.mode != from {
		return false
	}
	q.mode = to
	q.cleanupPushes.Store(0)
	return true
}

func (q *QueueStatus) Ready() int64    { return q.ready.Load() }
func (q *QueueStatus) Enqueued() int64 { return q.enqueued.Load() }

// reserve takes one queue slot unless that would exceed limit.
func (q *QueueStatus) reserve(limit int64) bool {
	for {
		n := q.enqueued.Load()
		if n >= limit {
			return false
		}
		if q.enqueued.CompareAndSwap(n, n+1) {
			q.inflight.Add(1)
			return true
		}
	}
}

// release gives back a reservation that never reached the store.
func (q *QueueStatus) release() {
	q.inflight.Add(-1)
	q.enqueued.Add(-1)
}

// confirm marks a reservation as stored in its queued status.
func (q *QueueStatus) confirm() {
	q.confirmed.Add(1)
	q.inflight.Add(-1)
}

// beginResync is called before the store-wide counts are read.
func (q *QueueStatus) beginResync() { q.confirmed.Store(0) }

func (s *SinkStatus) beginResync() {
	s.Processing.beginResync()
	s.Delivering.beginResync()
}

// resetEnqueued overwrites the queued counter with a store-wide count,
// keeping the reservations the count may have missed.
func (q *QueueStatus) resetEnqueued(n int64) {
	q.enqueued.Store(n + q.inflight.Load() + q.confirmed.Load())
}

// startPush claims the queue for one bulk push. It fails while the previous
// push is still running.
func (q *QueueStatus) startPush() (done func(), ok bool) {
	q.pushMu.Lock()
	defer q.pushMu.Unlock()
	if q.lastPush != nil {
		select {
		case <-q.lastPush:
		default:
			return nil, false
		}
	}
	ch := make(chan struct{})
	q.lastPush = ch
	return func() { close(ch) }, true
}

type queueStatusJSON struct {
	Mode          Mode  `json:"mode"`
	Ready         int64 `json:"ready"`
	Enqueued      int64 `json:"enqueued"`
	CleanupPushes int32 `json:"cleanupPushes"`
}

func (q *QueueStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(queueStatusJSON{
		Mode:          q.Mode(),
		Ready:         q.ready.Load(),
		Enqueued:      q.enqueued.Load(),
		CleanupPushes: q.cleanupPushes.Load(),
	})
}

func (q *QueueStatus) UnmarshalJSON(data []byte) error {
	var raw queueStatusJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	q.mu.Lock()
	q.mode = raw.Mode
	q.mu.Unlock()
	q.ready.Store(raw.Ready)
	q.enqueued.Store(raw.Enqueued)
	q.cleanupPushes.Store(raw.CleanupPushes)
	return nil
}

// SinkStatus holds the live counters and modes of one sink.
type SinkStatus struct {
	SinkID     int          `json:"sinkId"`
	Processing *QueueStatus `json:"processing"`
	Delivering *QueueStatus `json:"delivering"`
	blocked    atomic.Int64
}

func newSinkStatus(sinkID int) *SinkStatus {
	return &SinkStatus{SinkID: sinkID, Processing: &QueueStatus{}, Delivering: &QueueStatus{}}
}

// Queue returns the queue status of phase.
func (s *SinkStatus) Queue(phase domain.Phase) *QueueStatus {
	if phase == domain.Delivery {
		return s.Delivering
	}
	return s.Processing
}

// Blocked returns the number of blocked chunks of the sink.
func (s *SinkStatus) Blocked() int64 { return s.blocked.Load() }

func (s *SinkStatus) counter(st domain.Status) *atomic.Int64 {
	switch st {
	case domain.ReadyForProcessing:
		return &s.Processing.ready
	case domain.QueuedForProcessing:
		return &s.Processing.enqueued
	case domain.Blocked:
		return &s.blocked
	case domain.ReadyForDelivery:
		return &s.Delivering.ready
	case domain.QueuedForDelivery:
		return &s.Delivering.enqueued
	}
	return nil
}

// transition moves one chunk between counters; zero statuses stand for
// "not tracked".
func (s *SinkStatus) transition(from, to domain.Status) {
	if from == to {
		return
	}
	if c := s.counter(from); c != nil {
		c.Add(-1)
	}
	if c := s.counter(to); c != nil {
		c.Add(1)
	}
}

// reset overwrites the counters with store-wide counts.
func (s *SinkStatus) reset(counts query.SinkCounts) {
	for _, st := range domain.AllStatuses() {
		s.counter(st).Store(int64(counts.Of(st)))
	}
	s.Processing.resetEnqueued(int64(counts.Of(domain.QueuedForProcessing)))
	s.Delivering.resetEnqueued(int64(counts.Of(domain.QueuedForDelivery)))
}

func (s *SinkStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		SinkID     int          `json:"sinkId"`
		Processing *QueueStatus `json:"processing"`
		Delivering *QueueStatus `json:"delivering"`
		Blocked    int64        `json:"blocked"`
	}{s.SinkID, s.Processing, s.Delivering, s.blocked.Load()})
}
