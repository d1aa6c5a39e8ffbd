package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/depsched/internal/domain"
	"github.com/SirClappington/depsched/internal/query"
	"github.com/SirClappington/depsched/internal/store"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct{ nanos atomic.Int64 }

func newClock() *clock {
	c := &clock{}
	c.nanos.Store(epoch.UnixNano())
	return c
}

func (c *clock) Now() time.Time { return time.Unix(0, c.nanos.Load()).UTC() }

func (c *clock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

type submission struct {
	phase domain.Phase
	key   domain.TrackingKey
}

// dispatcher records submissions and checks that nothing is ever submitted
// while a chunk of the same ordering group that arrived earlier is still
// tracked.
type dispatcher struct {
	mu        sync.Mutex
	st        store.Store
	submitted []submission
	violation error
	fail      atomic.Bool
	out       chan submission
}

func (d *dispatcher) Submit(ctx context.Context, phase domain.Phase, dt domain.DependencyTracking) error {
	if d.fail.Load() {
		return errors.New("broker unavailable")
	}
	if d.st != nil && len(dt.MatchKeys) > 0 {
		preds, err := d.st.Query(ctx, query.ChunksToWaitFor(dt.SinkID, dt.Submitter, dt.MatchKeys, dt.Seq))
		if err != nil {
			return err
		}
		if len(preds) > 0 {
			d.mu.Lock()
			if d.violation == nil {
				d.violation = errors.Errorf("%s submitted for %s before %v", dt.Key, phase, domain.Keys(preds))
			}
			d.mu.Unlock()
		}
	}
	d.mu.Lock()
	d.submitted = append(d.submitted, submission{phase: phase, key: dt.Key})
	d.mu.Unlock()
	if d.out != nil {
		d.out <- submission{phase: phase, key: dt.Key}
	}
	return nil
}

func (d *dispatcher) keys(phase domain.Phase) []domain.TrackingKey {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []domain.TrackingKey
	for _, s := range d.submitted {
		if s.phase == phase {
			out = append(out, s.key)
		}
	}
	return out
}

func (d *dispatcher) err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.violation
}

type events struct {
	mu      sync.Mutex
	changes []domain.StatusChange
}

func (e *events) StatusChanged(_ context.Context, c domain.StatusChange) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.changes = append(e.changes, c)
	return nil
}

func (e *events) forKey(key domain.TrackingKey) []domain.StatusChange {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.StatusChange
	for _, c := range e.changes {
		if c.Key == key {
			out = append(out, c)
		}
	}
	return out
}

type journal struct {
	mu      sync.Mutex
	records map[domain.TrackingKey]domain.DependencyTracking
}

func (j *journal) Upsert(_ context.Context, dt domain.DependencyTracking) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records[dt.Key] = dt
	return nil
}

func (j *journal) Delete(_ context.Context, key domain.TrackingKey) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.records, key)
	return nil
}

type harness struct {
	st      *store.Memory
	d       *dispatcher
	events  *events
	journal *journal
	clock   *clock
	s       *Scheduler
}

func newHarness(t *testing.T) *harness {
	st := store.NewMemory(8)
	h := &harness{
		st:      st,
		d:       &dispatcher{st: st},
		events:  &events{},
		journal: &journal{records: map[domain.TrackingKey]domain.DependencyTracking{}},
		clock:   newClock(),
	}
	h.s = New(st, h.d, zaptest.NewLogger(t), Config{
		LowWaterMark: 100,
		Journal:      h.journal,
		Events:       h.events,
		Now:          h.clock.Now,
	})
	return h
}

func key(job, chunk int) domain.TrackingKey {
	return domain.TrackingKey{JobID: job, ChunkID: chunk}
}

func reg(job, chunk, sink, submitter int, matchKeys ...string) Registration {
	return Registration{JobID: job, ChunkID: chunk, SinkID: sink, Submitter: submitter, MatchKeys: matchKeys}
}

func (h *harness) get(t *testing.T, k domain.TrackingKey) domain.DependencyTracking {
	t.Helper()
	dt, err := h.st.Get(context.Background(), k)
	if err != nil {
		t.Fatalf("get %s: %v", k, err)
	}
	return dt
}

func (d *dispatcher) all() []submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]submission(nil), d.submitted...)
}
