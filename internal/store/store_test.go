package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/depsched/internal/domain"
	"github.com/SirClappington/depsched/internal/query"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newRecord(job, chunk, sink, submitter int, matchKeys ...string) domain.DependencyTracking {
	return domain.NewDependencyTracking(domain.TrackingKey{JobID: job, ChunkID: chunk}, sink, submitter, matchKeys, "", 0, epoch)
}

func newRedisStore(t *testing.T) Store {
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, "test")
}

func newMemoryStore(*testing.T) Store { return NewMemory(8) }

var backends = map[string]func(t *testing.T) Store{
	"memory": newMemoryStore,
	"redis":  newRedisStore,
}

func TestInsertGetDelete(t *testing.T) {
	t.Parallel()
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := newStore(t)

			a, err := st.Insert(ctx, newRecord(1, 1, 1, 7, "X"))
			require.NoError(t, err)
			b, err := st.Insert(ctx, newRecord(1, 2, 1, 7, "X"))
			require.NoError(t, err)
			require.Equal(t, uint64(1), a.Version)
			require.Less(t, a.Seq, b.Seq)

			_, err = st.Insert(ctx, newRecord(1, 1, 1, 7, "X"))
			require.True(t, errors.Is(err, ErrExists))

			got, err := st.Get(ctx, a.Key)
			require.NoError(t, err)
			require.Equal(t, a.Key, got.Key)
			require.Equal(t, []string{"X"}, got.MatchKeys)
			require.True(t, got.LastModified.Equal(epoch))

			removed, err := st.Delete(ctx, a.Key)
			require.NoError(t, err)
			require.Equal(t, a.Key, removed.Key)

			_, err = st.Get(ctx, a.Key)
			require.True(t, errors.Is(err, ErrNotFound))
			_, err = st.Delete(ctx, a.Key)
			require.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestCompareAndSwap(t *testing.T) {
	t.Parallel()
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := newStore(t)

			a, err := st.Insert(ctx, newRecord(1, 1, 1, 7))
			require.NoError(t, err)

			next := a
			next.Priority = 9
			stored, err := st.CompareAndSwap(ctx, next)
			require.NoError(t, err)
			require.Equal(t, uint64(2), stored.Version)
			require.Equal(t, a.Seq, stored.Seq)

			stale := a
			stale.Priority = 3
			_, err = st.CompareAndSwap(ctx, stale)
			require.True(t, errors.Is(err, ErrConflict))

			missing := newRecord(5, 5, 1, 7)
			missing.Version = 1
			_, err = st.CompareAndSwap(ctx, missing)
			require.True(t, errors.Is(err, ErrNotFound))

			got, err := st.Get(ctx, a.Key)
			require.NoError(t, err)
			require.Equal(t, 9, got.Priority)
		})
	}
}

func TestUpdateUnderContention(t *testing.T) {
	t.Parallel()
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := newStore(t)
			a, err := st.Insert(ctx, newRecord(1, 1, 1, 7))
			require.NoError(t, err)

			const workers, increments = 4, 10
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < increments; j++ {
						_, err := Update(ctx, st, a.Key, func(cur domain.DependencyTracking) (domain.DependencyTracking, bool, error) {
							cur.Priority++
							return cur, true, nil
						})
						assert.NoError(t, err)
					}
				}()
			}
			wg.Wait()

			got, err := st.Get(ctx, a.Key)
			require.NoError(t, err)
			require.Equal(t, workers*increments, got.Priority)
		})
	}
}

func TestUpdateNoChangeAndMissing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory(2)
	a, err := st.Insert(ctx, newRecord(1, 1, 1, 7))
	require.NoError(t, err)

	change, err := Update(ctx, st, a.Key, func(cur domain.DependencyTracking) (domain.DependencyTracking, bool, error) {
		return cur, false, nil
	})
	require.NoError(t, err)
	require.False(t, change.Changed)
	require.Equal(t, a.Version, change.After.Version)

	_, err = Update(ctx, st, domain.TrackingKey{JobID: 9, ChunkID: 9}, func(cur domain.DependencyTracking) (domain.DependencyTracking, bool, error) {
		return cur, true, nil
	})
	require.True(t, errors.Is(err, ErrNotFound))

	boom := errors.New("boom")
	_, err = Update(ctx, st, a.Key, func(cur domain.DependencyTracking) (domain.DependencyTracking, bool, error) {
		return cur, true, boom
	})
	require.Equal(t, boom, err)
}

func TestQueryFollowsUpdates(t *testing.T) {
	t.Parallel()
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := newStore(t)

			a, err := st.Insert(ctx, newRecord(1, 1, 9, 7, "X", "Y"))
			require.NoError(t, err)
			b := newRecord(2, 1, 9, 7, "Y")
			b.Status = domain.Blocked
			b = b.WithWaitingOn([]domain.TrackingKey{a.Key})
			b, err = st.Insert(ctx, b)
			require.NoError(t, err)
			_, err = st.Insert(ctx, newRecord(3, 1, 4, 7, "X"))
			require.NoError(t, err)

			got, err := st.Query(ctx, query.SinkStatus(9, domain.Blocked))
			require.NoError(t, err)
			require.Equal(t, []domain.TrackingKey{b.Key}, domain.Keys(got))

			got, err = st.Query(ctx, query.WaitingOn(a.Key))
			require.NoError(t, err)
			require.Equal(t, []domain.TrackingKey{b.Key}, domain.Keys(got))

			got, err = st.Query(ctx, query.ChunksToWaitFor(9, 7, []string{"Y"}, b.Seq))
			require.NoError(t, err)
			require.Equal(t, []domain.TrackingKey{a.Key}, domain.Keys(got))

			got, err = st.Query(ctx, query.WaitForKeys(domain.WaitForKey{SinkID: 9, Submitter: 7, MatchKey: "Y"}))
			require.NoError(t, err)
			require.Equal(t, []domain.TrackingKey{a.Key, b.Key}, domain.Keys(got))

			got, err = st.Query(ctx, query.All())
			require.NoError(t, err)
			require.Len(t, got, 3)

			// Resolve b and move it on; the indexes must follow.
			_, err = Update(ctx, st, b.Key, func(cur domain.DependencyTracking) (domain.DependencyTracking, bool, error) {
				cur, _ = cur.WithoutWaitingOn(a.Key)
				cur, ok := cur.Release(epoch)
				return cur, ok, nil
			})
			require.NoError(t, err)

			got, err = st.Query(ctx, query.SinkStatus(9, domain.Blocked))
			require.NoError(t, err)
			require.Empty(t, got)
			got, err = st.Query(ctx, query.WaitingOn(a.Key))
			require.NoError(t, err)
			require.Empty(t, got)
			got, err = st.Query(ctx, query.SinkStatus(9, domain.ReadyForProcessing))
			require.NoError(t, err)
			require.Equal(t, []domain.TrackingKey{a.Key, b.Key}, domain.Keys(got))

			_, err = st.Delete(ctx, a.Key)
			require.NoError(t, err)
			got, err = st.Query(ctx, query.Job(1))
			require.NoError(t, err)
			require.Empty(t, got)
		})
	}
}

func TestAggregate(t *testing.T) {
	t.Parallel()
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := newStore(t)

			acc, err := st.Aggregate(ctx, query.StatusCountPerSink(domain.Blocked))
			require.NoError(t, err)
			require.Empty(t, acc.(*query.CountPerSink).Counts)

			for i, status := range []domain.Status{domain.QueuedForProcessing, domain.Blocked, domain.Blocked} {
				dt := newRecord(1, i, 9, 7)
				dt.Status = status
				_, err := st.Insert(ctx, dt)
				require.NoError(t, err)
			}
			other := newRecord(2, 0, 3, 7)
			other.Status = domain.Blocked
			_, err = st.Insert(ctx, other)
			require.NoError(t, err)

			acc, err = st.Aggregate(ctx, query.StatusCountPerSink(domain.Blocked))
			require.NoError(t, err)
			require.Equal(t, 2, acc.(*query.CountPerSink).Counts[9])
			require.Equal(t, 1, acc.(*query.CountPerSink).Counts[3])

			acc, err = st.Aggregate(ctx, query.JobChunkCount(9))
			require.NoError(t, err)
			require.Equal(t, 1, acc.(*query.JobChunks).Jobs())
			require.Equal(t, 3, acc.(*query.JobChunks).Chunks())

			acc, err = st.Aggregate(ctx, query.SinkStatusCount(9, domain.QueuedForProcessing))
			require.NoError(t, err)
			require.Equal(t, 1, acc.(*query.Count).N)

			acc, err = st.Aggregate(ctx, query.SinkStatusBreakdown())
			require.NoError(t, err)
			breakdown := acc.(*query.Breakdown)
			require.Equal(t, 2, breakdown.Sinks[9].Blocked)
			require.Equal(t, 1, breakdown.Sinks[3].Blocked)
		})
	}
}

func TestRedisRejectsUnknownStatus(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	defer rdb.Close()
	st := NewRedis(rdb, "")

	require.NoError(t, mr.Set("dt:rec:1:1", `{"key":{"jobId":1,"chunkId":1},"status":77}`))
	_, err := st.Get(context.Background(), domain.TrackingKey{JobID: 1, ChunkID: 1})
	require.True(t, errors.Is(err, domain.ErrUnknownStatus))
}

func TestMemoryLen(t *testing.T) {
	t.Parallel()
	st := NewMemory(0)
	require.Len(t, st.shards, DefaultShards)
	for i := 0; i < 100; i++ {
		_, err := st.Insert(context.Background(), newRecord(1, i, 1, 1))
		require.NoError(t, err)
	}
	require.Equal(t, 100, st.Len())
}
