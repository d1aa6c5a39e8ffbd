package store

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/depsched/internal/domain"
	"github.com/SirClappington/depsched/internal/query"
)

const (
	// DefaultKeyPrefix namespaces every key the Redis store writes.
	DefaultKeyPrefix = "dt"
	redisPageSize    = 500
	maxTxAttempts    = 32
)

// Redis keeps each record as JSON under its own key and maintains Redis
// sets as secondary indexes, so predicates only touch candidate records.
// Every write is a WATCH/MULTI transaction on the record key.
type Redis struct {
	rdb    *r.Client
	prefix string
}

// NewRedis creates a store using keys under prefix.
func NewRedis(rdb *r.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (s *Redis) recordKey(key domain.TrackingKey) string {
	return s.prefix + ":rec:" + key.String()
}

func (s *Redis) seqKey() string { return s.prefix + ":seq" }

func (s *Redis) allIndex() string { return s.prefix + ":idx:all" }

func (s *Redis) sinkIndex(sinkID int) string {
	return s.prefix + ":idx:sink:" + strconv.Itoa(sinkID)
}

func (s *Redis) sinkStatusIndex(sinkID int, st domain.Status) string {
	return s.sinkIndex(sinkID) + ":status:" + strconv.Itoa(st.Value())
}

func (s *Redis) statusIndex(st domain.Status) string {
	return s.prefix + ":idx:status:" + strconv.Itoa(st.Value())
}

func (s *Redis) jobIndex(jobID int) string {
	return s.prefix + ":idx:job:" + strconv.Itoa(jobID)
}

func (s *Redis) waitForIndex(w domain.WaitForKey) string {
	return s.prefix + ":idx:wf:" + w.String()
}

func (s *Redis) dependentsIndex(key domain.TrackingKey) string {
	return s.prefix + ":idx:waiting:" + key.String()
}

// indexes lists every index set the record is a member of.
func (s *Redis) indexes(dt domain.DependencyTracking) map[string]struct{} {
	out := map[string]struct{}{
		s.allIndex():                            {},
		s.sinkIndex(dt.SinkID):                  {},
		s.sinkStatusIndex(dt.SinkID, dt.Status): {},
		s.statusIndex(dt.Status):                {},
		s.jobIndex(dt.Key.JobID):                {},
	}
	for _, w := range dt.WaitFor {
		out[s.waitForIndex(w)] = struct{}{}
	}
	for _, k := range dt.WaitingOn {
		out[s.dependentsIndex(k)] = struct{}{}
	}
	return out
}

func (s *Redis) Get(ctx context.Context, key domain.TrackingKey) (domain.DependencyTracking, error) {
	return s.get(ctx, s.rdb, key)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *r.StringCmd
}

func (s *Redis) get(ctx context.Context, c stringGetter, key domain.TrackingKey) (domain.DependencyTracking, error) {
	data, err := c.Get(ctx, s.recordKey(key)).Bytes()
	if errors.Is(err, r.Nil) {
		return domain.DependencyTracking{}, errors.Wrapf(ErrNotFound, "%s", key)
	}
	if err != nil {
		return domain.DependencyTracking{}, errors.Wrapf(err, "get %s", key)
	}
	return decodeRecord(data)
}

func decodeRecord(data []byte) (domain.DependencyTracking, error) {
	var dt domain.DependencyTracking
	if err := json.Unmarshal(data, &dt); err != nil {
		return domain.DependencyTracking{}, errors.Wrap(err, "decode tracking record")
	}
	return dt, nil
}

// watch runs fn in an optimistic transaction, retrying while other clients
// modify the watched keys.
func (s *Redis) watch(ctx context.Context, fn func(tx *r.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, r.TxFailedErr) {
			continue
		}
		return err
	}
	return errors.Wrapf(ErrTooManyConflicts, "redis transaction on %v", keys)
}

func (s *Redis) Insert(ctx context.Context, dt domain.DependencyTracking) (domain.DependencyTracking, error) {
	recKey := s.recordKey(dt.Key)
	var stored domain.DependencyTracking
	err := s.watch(ctx, func(tx *r.Tx) error {
		n, err := tx.Exists(ctx, recKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return errors.Wrapf(ErrExists, "%s", dt.Key)
		}
		seq, err := tx.Get(ctx, s.seqKey()).Uint64()
		if err != nil && !errors.Is(err, r.Nil) {
			return err
		}
		stored = dt.Clone()
		stored.Seq = seq + 1
		stored.Version = 1
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		// Bumping the sequence inside the transaction serialises inserts,
		// so a record is visible no later than any record with a higher seq.
		_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			pipe.Set(ctx, s.seqKey(), stored.Seq, 0)
			pipe.Set(ctx, recKey, data, 0)
			member := stored.Key.String()
			for idx := range s.indexes(stored) {
				pipe.SAdd(ctx, idx, member)
			}
			return nil
		})
		return err
	}, recKey, s.seqKey())
	if err != nil {
		return domain.DependencyTracking{}, err
	}
	return stored, nil
}

func (s *Redis) CompareAndSwap(ctx context.Context, dt domain.DependencyTracking) (domain.DependencyTracking, error) {
	recKey := s.recordKey(dt.Key)
	var stored domain.DependencyTracking
	err := s.rdb.Watch(ctx, func(tx *r.Tx) error {
		cur, err := s.get(ctx, tx, dt.Key)
		if err != nil {
			return err
		}
		if cur.Version != dt.Version {
			return errors.Wrapf(ErrConflict, "%s: version %d, have %d", dt.Key, dt.Version, cur.Version)
		}
		stored = dt.Clone()
		stored.Seq = cur.Seq
		stored.Version = cur.Version + 1
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		oldIdx, newIdx := s.indexes(cur), s.indexes(stored)
		member := stored.Key.String()
		_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			pipe.Set(ctx, recKey, data, 0)
			for idx := range oldIdx {
				if _, keep := newIdx[idx]; !keep {
					pipe.SRem(ctx, idx, member)
				}
			}
			for idx := range newIdx {
				if _, had := oldIdx[idx]; !had {
					pipe.SAdd(ctx, idx, member)
				}
			}
			return nil
		})
		return err
	}, recKey)
	if errors.Is(err, r.TxFailedErr) {
		return domain.DependencyTracking{}, errors.Wrapf(ErrConflict, "%s", dt.Key)
	}
	if err != nil {
		return domain.DependencyTracking{}, err
	}
	return stored, nil
}

func (s *Redis) Delete(ctx context.Context, key domain.TrackingKey) (domain.DependencyTracking, error) {
	recKey := s.recordKey(key)
	var removed domain.DependencyTracking
	err := s.watch(ctx, func(tx *r.Tx) error {
		cur, err := s.get(ctx, tx, key)
		if err != nil {
			return err
		}
		removed = cur
		member := key.String()
		_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			pipe.Del(ctx, recKey)
			for idx := range s.indexes(cur) {
				pipe.SRem(ctx, idx, member)
			}
			return nil
		})
		return err
	}, recKey)
	if err != nil {
		return domain.DependencyTracking{}, err
	}
	return removed, nil
}

// candidateSets picks the index sets whose union holds every record that
// can match p.
func (s *Redis) candidateSets(p query.Predicate) []string {
	var sets []string
	switch p.Kind {
	case query.KindSinkStatus:
		if len(p.Statuses) == 0 {
			return []string{s.sinkIndex(p.SinkID)}
		}
		for _, st := range p.Statuses {
			sets = append(sets, s.sinkStatusIndex(p.SinkID, st))
		}
	case query.KindStatus, query.KindStale:
		if len(p.Statuses) == 0 {
			return []string{s.allIndex()}
		}
		for _, st := range p.Statuses {
			sets = append(sets, s.statusIndex(st))
		}
	case query.KindChunksToWaitFor:
		for _, mk := range p.MatchKeys {
			sets = append(sets, s.waitForIndex(domain.WaitForKey{SinkID: p.SinkID, Submitter: p.Submitter, MatchKey: mk}))
		}
	case query.KindWaitForKeys:
		for _, w := range p.WaitFor {
			sets = append(sets, s.waitForIndex(w))
		}
	case query.KindWaitingOn:
		sets = []string{s.dependentsIndex(p.Key)}
	case query.KindJob:
		sets = []string{s.jobIndex(p.JobID)}
	default:
		sets = []string{s.allIndex()}
	}
	return sets
}

func (s *Redis) members(ctx context.Context, sets []string) ([]string, error) {
	switch len(sets) {
	case 0:
		return nil, nil
	case 1:
		return s.rdb.SMembers(ctx, sets[0]).Result()
	}
	return s.rdb.SUnion(ctx, sets...).Result()
}

// pages loads the records behind members in pages and hands every page of
// records matching p to fn.
func (s *Redis) pages(ctx context.Context, members []string, p query.Predicate, fn func([]domain.DependencyTracking) error) error {
	for start := 0; start < len(members); start += redisPageSize {
		end := min(start+redisPageSize, len(members))
		keys := make([]string, 0, end-start)
		for _, m := range members[start:end] {
			keys = append(keys, s.prefix+":rec:"+m)
		}
		values, err := s.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return errors.Wrap(err, "load tracking records")
		}
		page := make([]domain.DependencyTracking, 0, len(values))
		for _, v := range values {
			str, ok := v.(string)
			if !ok {
				// removed since the index was read
				continue
			}
			dt, err := decodeRecord([]byte(str))
			if err != nil {
				return err
			}
			page = append(page, dt)
		}
		if err := fn(query.Filter(page, p)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Redis) Query(ctx context.Context, p query.Predicate) ([]domain.DependencyTracking, error) {
	members, err := s.members(ctx, s.candidateSets(p))
	if err != nil {
		return nil, errors.Wrapf(err, "query %s", p.Kind)
	}
	var out []domain.DependencyTracking
	err = s.pages(ctx, members, p, func(page []domain.DependencyTracking) error {
		out = append(out, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByKey(out)
	return out, nil
}

func (s *Redis) Aggregate(ctx context.Context, agg query.Aggregation) (query.Accumulator, error) {
	result, err := agg.NewAccumulator()
	if err != nil {
		return nil, err
	}
	filter := agg.Filter()
	members, err := s.members(ctx, s.candidateSets(filter))
	if err != nil {
		return nil, errors.Wrapf(err, "aggregate %s", agg.Kind)
	}
	err = s.pages(ctx, members, filter, func(page []domain.DependencyTracking) error {
		partial, err := agg.Run(page)
		if err != nil {
			return err
		}
		result.Combine(partial)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
