// Package storage keeps the dependencytracking table, a write-through
// journal of the scheduling records used to rebuild an in-memory store
// after a restart.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose"

	"github.com/SirClappington/depsched/internal/domain"
)

type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

// Migrate applies the SQL migrations found in dir.
func Migrate(db *pgxpool.Pool, dir string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	sqlDB := stdlib.OpenDBFromPool(db)
	defer sqlDB.Close()
	return errors.Wrap(goose.Up(sqlDB, dir), "migrate")
}

// row is the persisted layout of a record. phase, seq and version are
// store-only and never written.
type row struct {
	JobID        int
	ChunkID      int
	SinkID       int
	WaitingOn    []byte
	Status       int
	MatchKeys    []byte
	Priority     int
	Submitter    int
	LastModified time.Time
	Retries      int
}

func toRow(dt domain.DependencyTracking) (row, error) {
	waitingOn := dt.WaitingOn
	if waitingOn == nil {
		waitingOn = []domain.TrackingKey{}
	}
	wo, err := json.Marshal(waitingOn)
	if err != nil {
		return row{}, err
	}
	matchKeys := dt.MatchKeys
	if matchKeys == nil {
		matchKeys = []string{}
	}
	mk, err := json.Marshal(matchKeys)
	if err != nil {
		return row{}, err
	}
	return row{
		JobID:        dt.Key.JobID,
		ChunkID:      dt.Key.ChunkID,
		SinkID:       dt.SinkID,
		WaitingOn:    wo,
		Status:       dt.Status.Value(),
		MatchKeys:    mk,
		Priority:     dt.Priority,
		Submitter:    dt.Submitter,
		LastModified: dt.LastModified,
		Retries:      dt.Retries,
	}, nil
}

// fromRow rebuilds a record. An unknown status code is an error the caller
// must not skip. BLOCKED rows resume in the processing phase since the
// table does not say which phase they were blocked in.
func fromRow(r row) (domain.DependencyTracking, error) {
	key := domain.TrackingKey{JobID: r.JobID, ChunkID: r.ChunkID}
	status, err := domain.StatusFromCode(r.Status)
	if err != nil {
		return domain.DependencyTracking{}, errors.Wrapf(err, "row %s", key)
	}
	var waitingOn []domain.TrackingKey
	if err := json.Unmarshal(r.WaitingOn, &waitingOn); err != nil {
		return domain.DependencyTracking{}, errors.Wrapf(err, "row %s: waitingon", key)
	}
	var matchKeys []string
	if err := json.Unmarshal(r.MatchKeys, &matchKeys); err != nil {
		return domain.DependencyTracking{}, errors.Wrapf(err, "row %s: matchkeys", key)
	}
	phase, ok := status.Phase()
	if !ok {
		phase = domain.Processing
	}
	dt := domain.NewDependencyTracking(key, r.SinkID, r.Submitter, matchKeys, "", r.Priority, r.LastModified)
	dt.Status = status
	dt.Phase = phase
	dt.Retries = r.Retries
	return dt.WithWaitingOn(waitingOn), nil
}

// Upsert writes the current snapshot of a record.
func (s *Store) Upsert(ctx context.Context, dt domain.DependencyTracking) error {
	r, err := toRow(dt)
	if err != nil {
		return errors.Wrapf(err, "encode %s", dt.Key)
	}
	_, err = s.db.Exec(ctx, `insert into dependencytracking(
jobid, chunkid, sinkid, waitingon, status, matchkeys, priority, submitter, lastmodified, retries
) values ($1,$2,$3,$4::jsonb,$5,$6::jsonb,$7,$8,$9,$10)
on conflict (jobid, chunkid) do update set
sinkid = excluded.sinkid, waitingon = excluded.waitingon, status = excluded.status,
matchkeys = excluded.matchkeys, priority = excluded.priority, submitter = excluded.submitter,
lastmodified = excluded.lastmodified, retries = excluded.retries`,
		r.JobID, r.ChunkID, r.SinkID, string(r.WaitingOn), r.Status, string(r.MatchKeys),
		r.Priority, r.Submitter, r.LastModified, r.Retries,
	)
	return errors.Wrapf(err, "upsert %s", dt.Key)
}

// Delete removes the row of a record; deleting a missing row is not an error.
func (s *Store) Delete(ctx context.Context, key domain.TrackingKey) error {
	_, err := s.db.Exec(ctx, `delete from dependencytracking where jobid = $1 and chunkid = $2`,
		key.JobID, key.ChunkID)
	return errors.Wrapf(err, "delete %s", key)
}

// LoadAll reads every row in key order.
func (s *Store) LoadAll(ctx context.Context) ([]domain.DependencyTracking, error) {
	rows, err := s.db.Query(ctx, `select jobid, chunkid, sinkid, waitingon, status, matchkeys,
priority, submitter, lastmodified, retries
from dependencytracking order by jobid, chunkid`)
	if err != nil {
		return nil, errors.Wrap(err, "load journal")
	}
	raw, err := pgx.CollectRows(rows, func(cr pgx.CollectableRow) (row, error) {
		var r row
		err := cr.Scan(&r.JobID, &r.ChunkID, &r.SinkID, &r.WaitingOn, &r.Status, &r.MatchKeys,
			&r.Priority, &r.Submitter, &r.LastModified, &r.Retries)
		return r, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "load journal")
	}
	out := make([]domain.DependencyTracking, 0, len(raw))
	for _, r := range raw {
		dt, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, dt)
	}
	return out, nil
}
