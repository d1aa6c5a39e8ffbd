package store

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/depsched/internal/domain"
	"github.com/SirClappington/depsched/internal/query"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 64

// Memory is a sharded concurrent map. Writers to keys on different shards
// never contend; queries and aggregations run per shard in parallel and are
// merged.
type Memory struct {
	shards []*shard

	// insertMu orders inserts so that arrival sequence equals visibility
	// order. Updates and deletes do not take it.
	insertMu sync.Mutex
	seq      atomic.Uint64
}

type shard struct {
	mu      sync.RWMutex
	records map[domain.TrackingKey]domain.DependencyTracking
}

// NewMemory creates an empty store with n shards.
func NewMemory(n int) *Memory {
	if n <= 0 {
		n = DefaultShards
	}
	m := &Memory{shards: make([]*shard, n)}
	for i := range m.shards {
		m.shards[i] = &shard{records: make(map[domain.TrackingKey]domain.DependencyTracking)}
	}
	return m
}

func (m *Memory) shardFor(key domain.TrackingKey) *shard {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], uint64(key.JobID))
	binary.BigEndian.PutUint64(b[8:], uint64(key.ChunkID))
	return m.shards[xxhash.Sum64(b[:])%uint64(len(m.shards))]
}

func (m *Memory) Get(_ context.Context, key domain.TrackingKey) (domain.DependencyTracking, error) {
	s := m.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	dt, ok := s.records[key]
	if !ok {
		return domain.DependencyTracking{}, errors.Wrapf(ErrNotFound, "%s", key)
	}
	return dt.Clone(), nil
}

func (m *Memory) Insert(_ context.Context, dt domain.DependencyTracking) (domain.DependencyTracking, error) {
	m.insertMu.Lock()
	defer m.insertMu.Unlock()

	s := m.shardFor(dt.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[dt.Key]; ok {
		return domain.DependencyTracking{}, errors.Wrapf(ErrExists, "%s", dt.Key)
	}
	dt = dt.Clone()
	dt.Seq = m.seq.Add(1)
	dt.Version = 1
	s.records[dt.Key] = dt
	return dt.Clone(), nil
}

func (m *Memory) CompareAndSwap(_ context.Context, dt domain.DependencyTracking) (domain.DependencyTracking, error) {
	s := m.shardFor(dt.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[dt.Key]
	if !ok {
		return domain.DependencyTracking{}, errors.Wrapf(ErrNotFound, "%s", dt.Key)
	}
	if cur.Version != dt.Version {
		return domain.DependencyTracking{}, errors.Wrapf(ErrConflict, "%s: version %d, have %d", dt.Key, dt.Version, cur.Version)
	}
	dt = dt.Clone()
	dt.Seq = cur.Seq
	dt.Version = cur.Version + 1
	s.records[dt.Key] = dt
	return dt.Clone(), nil
}

func (m *Memory) Delete(_ context.Context, key domain.TrackingKey) (domain.DependencyTracking, error) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	dt, ok := s.records[key]
	if !ok {
		return domain.DependencyTracking{}, errors.Wrapf(ErrNotFound, "%s", key)
	}
	delete(s.records, key)
	return dt, nil
}

func (m *Memory) Query(ctx context.Context, p query.Predicate) ([]domain.DependencyTracking, error) {
	parts := make([][]domain.DependencyTracking, len(m.shards))
	g, _ := errgroup.WithContext(ctx)
	for i, s := range m.shards {
		g.Go(func() error {
			s.mu.RLock()
			defer s.mu.RUnlock()
			for _, dt := range s.records {
				if p.Match(dt) {
					parts[i] = append(parts[i], dt.Clone())
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []domain.DependencyTracking
	for _, part := range parts {
		out = append(out, part...)
	}
	sortByKey(out)
	return out, nil
}

func (m *Memory) Aggregate(ctx context.Context, agg query.Aggregation) (query.Accumulator, error) {
	parts := make([]query.Accumulator, len(m.shards))
	filter := agg.Filter()
	g, _ := errgroup.WithContext(ctx)
	for i, s := range m.shards {
		g.Go(func() error {
			acc, err := agg.NewAccumulator()
			if err != nil {
				return err
			}
			s.mu.RLock()
			defer s.mu.RUnlock()
			for _, dt := range s.records {
				if filter.Match(dt) {
					acc.Accumulate(dt)
				}
			}
			parts[i] = acc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	result := parts[0]
	for _, part := range parts[1:] {
		result.Combine(part)
	}
	return result, nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.records)
		s.mu.RUnlock()
	}
	return n
}
