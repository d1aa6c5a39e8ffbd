// Package store is the shared keyspace of tracking records.
package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/SirClappington/depsched/internal/domain"
	"github.com/SirClappington/depsched/internal/query"
)

var (
	ErrNotFound         = errors.New("tracking record not found")
	ErrExists           = errors.New("tracking record already exists")
	ErrConflict         = errors.New("tracking record was modified concurrently")
	ErrTooManyConflicts = errors.New("too many concurrent modifications")
)

const maxUpdateAttempts = 32

// Store is a concurrently shared keyspace of tracking records. Every write
// is scoped to one key. Implementations evaluate predicates and
// aggregations next to the data instead of shipping the dataset to the
// caller.
type Store interface {
	Get(ctx context.Context, key domain.TrackingKey) (domain.DependencyTracking, error)
	// Insert stores a new record, assigning its arrival sequence and version.
	// Sequence order equals the order in which inserts become visible.
	Insert(ctx context.Context, dt domain.DependencyTracking) (domain.DependencyTracking, error)
	// CompareAndSwap replaces the record if its stored version still equals
	// dt.Version and returns the stored value with the new version.
	CompareAndSwap(ctx context.Context, dt domain.DependencyTracking) (domain.DependencyTracking, error)
	// Delete removes the record and returns its last value.
	Delete(ctx context.Context, key domain.TrackingKey) (domain.DependencyTracking, error)
	Query(ctx context.Context, p query.Predicate) ([]domain.DependencyTracking, error)
	Aggregate(ctx context.Context, agg query.Aggregation) (query.Accumulator, error)
}

// Mutation computes the next value of a record from a private copy of the
// current one. Returning false leaves the record untouched.
type Mutation func(cur domain.DependencyTracking) (domain.DependencyTracking, bool, error)

// Change is the outcome of Update.
type Change struct {
	Before  domain.DependencyTracking
	After   domain.DependencyTracking
	Changed bool
}

// Update applies fn to the record at key with optimistic concurrency,
// retrying when another writer got there first.
func Update(ctx context.Context, st Store, key domain.TrackingKey, fn Mutation) (Change, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Change{}, err
		}
		cur, err := st.Get(ctx, key)
		if err != nil {
			return Change{}, err
		}
		next, changed, err := fn(cur.Clone())
		if err != nil {
			return Change{Before: cur, After: cur}, err
		}
		if !changed {
			return Change{Before: cur, After: cur}, nil
		}
		next.Key = cur.Key
		next.Seq = cur.Seq
		next.Version = cur.Version
		stored, err := st.CompareAndSwap(ctx, next)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return Change{}, err
		}
		return Change{Before: cur, After: stored, Changed: true}, nil
	}
	return Change{}, errors.Wrapf(ErrTooManyConflicts, "update %s", key)
}

// GetMany returns the records that still exist among keys and the keys
// that do not.
func GetMany(ctx context.Context, st Store, keys []domain.TrackingKey) ([]domain.DependencyTracking, []domain.TrackingKey, error) {
	var found []domain.DependencyTracking
	var missing []domain.TrackingKey
	for _, k := range keys {
		dt, err := st.Get(ctx, k)
		switch {
		case errors.Is(err, ErrNotFound):
			missing = append(missing, k)
		case err != nil:
			return nil, nil, err
		default:
			found = append(found, dt)
		}
	}
	return found, missing, nil
}
