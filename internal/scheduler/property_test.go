package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/depsched/internal/domain"
	"github.com/SirClappington/depsched/internal/query"
	"github.com/SirClappington/depsched/internal/store"
)

func randomMatchKeys(rng *rand.Rand) []string {
	var keys []string
	for _, k := range []string{"a", "b", "c"} {
		if rng.Intn(3) == 0 {
			keys = append(keys, k)
		}
	}
	return keys
}

func completeSubmissions(ctx context.Context, t *testing.T, h *harness, from int) int {
	t.Helper()
	for {
		all := h.d.all()
		if from >= len(all) {
			return from
		}
		for _, sub := range all[from:] {
			err := h.s.PhaseDone(ctx, sub.key, sub.phase)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				require.NoError(t, err, "%s done %s", sub.phase, sub.key)
			}
		}
		from = len(all)
	}
}

func TestRandomOperationsKeepOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for seed := int64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			h := newHarness(t)
			chunk := 0
			done := 0

			for i := 0; i < 300; i++ {
				switch op := rng.Intn(10); {
				case op < 5:
					chunk++
					r := reg(1+rng.Intn(3), chunk, 1+rng.Intn(2), 1+rng.Intn(2), randomMatchKeys(rng)...)
					r.Priority = rng.Intn(3)
					_, err := h.s.Register(ctx, r)
					require.NoError(t, err)
				case op < 8:
					all := h.d.all()
					if done < len(all) {
						sub := all[done]
						done++
						err := h.s.PhaseDone(ctx, sub.key, sub.phase)
						if err != nil && !errors.Is(err, store.ErrNotFound) {
							require.NoError(t, err)
						}
					}
				case op < 9:
					queued, err := h.st.Query(ctx, query.Status(domain.QueuedForProcessing, domain.QueuedForDelivery))
					require.NoError(t, err)
					if len(queued) > 0 {
						_, err := h.s.Resend(ctx, queued[rng.Intn(len(queued))].Key)
						require.NoError(t, err)
					}
				default:
					require.NoError(t, h.s.Sweep(ctx))
				}
			}

			_, err := h.s.SettleBlocked(ctx)
			require.NoError(t, err)
			blocked, err := h.st.Query(ctx, query.Status(domain.Blocked))
			require.NoError(t, err)
			for _, dt := range blocked {
				require.NotEmpty(t, dt.WaitingOn, dt.Key.String())
			}
			for _, id := range h.s.sinkIDs() {
				for _, phase := range domain.Phases() {
					require.LessOrEqual(t, h.s.SinkStatus(id).Queue(phase).Enqueued(), int64(phase.QueuedStatus().Capacity()))
				}
			}

			// Drain: everything registered is eventually delivered.
			for {
				done = completeSubmissions(ctx, t, h, done)
				require.NoError(t, h.s.Sweep(ctx))
				if done == len(h.d.all()) {
					break
				}
			}
			require.Zero(t, h.st.Len())
			require.NoError(t, h.d.err())
		})
	}
}

func TestConcurrentWorkersDeliverEverything(t *testing.T) {
	t.Parallel()
	const (
		chunks     = 200
		registrars = 4
		workers    = 4
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)
	h.d.out = make(chan submission, 4*chunks)

	var delivered atomic.Int64
	allDone := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case sub := <-h.d.out:
					err := h.s.PhaseDone(ctx, sub.key, sub.phase)
					if err != nil && !errors.Is(err, store.ErrNotFound) {
						assert.NoError(t, err)
					}
					if sub.phase == domain.Delivery && delivered.Add(1) == chunks {
						close(allDone)
					}
				}
			}
		}()
	}

	var regs sync.WaitGroup
	for r := 0; r < registrars; r++ {
		regs.Add(1)
		go func() {
			defer regs.Done()
			for i := r; i < chunks; i += registrars {
				mk := []string{"k" + fmt.Sprint(i%3)}
				_, err := h.s.Register(ctx, reg(1+i%5, i, 1+i%2, 7, mk...))
				assert.NoError(t, err)
			}
		}()
	}
	regs.Wait()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(10 * time.Second)
wait:
	for {
		select {
		case <-allDone:
			break wait
		case <-ticker.C:
			assert.NoError(t, h.s.Sweep(ctx))
		case <-deadline:
			t.Fatalf("delivered %d of %d chunks", delivered.Load(), chunks)
		}
	}
	cancel()
	wg.Wait()

	require.Zero(t, h.st.Len())
	require.NoError(t, h.d.err())
}
