// Package queue is the broker side of admission: admitted chunks are pushed
// to per sink and phase Redis lists and status changes are published on a
// Redis channel.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/depsched/internal/domain"
)

// EventsChannel carries JSON encoded domain.StatusChange values.
const EventsChannel = "events:status"

// queuesKey lists every queue that ever received a chunk.
const queuesKey = "queues"

// Message is what a worker pops from a queue.
type Message struct {
	JobID    int          `json:"jobId"`
	ChunkID  int          `json:"chunkId"`
	SinkID   int          `json:"sinkId"`
	Phase    domain.Phase `json:"phase"`
	Priority int          `json:"priority"`
	Retries  int          `json:"retries"`
}

// Key returns the tracking key of the chunk.
func (m Message) Key() domain.TrackingKey {
	return domain.TrackingKey{JobID: m.JobID, ChunkID: m.ChunkID}
}

func queueName(phase domain.Phase, sinkID int) string {
	return fmt.Sprintf("queue:%s:%d", phase, sinkID)
}

func delayName(queue string) string { return "delay:" + queue }

type RedisQ struct {
	rdb *r.Client
	// backoff delays resent chunks by retries*backoff; zero disables it.
	backoff time.Duration
	now     func() time.Time
}

func New(rdb *r.Client, backoff time.Duration) *RedisQ {
	return &RedisQ{rdb: rdb, backoff: backoff, now: time.Now}
}

// Submit pushes an admitted chunk to its queue. Resent chunks go to the
// queue's delay set first and are moved over by MoveDue.
func (q *RedisQ) Submit(ctx context.Context, phase domain.Phase, dt domain.DependencyTracking) error {
	msg, err := json.Marshal(Message{
		JobID:    dt.Key.JobID,
		ChunkID:  dt.Key.ChunkID,
		SinkID:   dt.SinkID,
		Phase:    phase,
		Priority: dt.Priority,
		Retries:  dt.Retries,
	})
	if err != nil {
		return err
	}
	name := queueName(phase, dt.SinkID)
	pipe := q.rdb.TxPipeline()
	pipe.SAdd(ctx, queuesKey, name)
	if q.backoff > 0 && dt.Retries > 0 {
		runAt := q.now().Add(time.Duration(dt.Retries) * q.backoff)
		pipe.ZAdd(ctx, delayName(name), r.Z{Score: float64(runAt.Unix()), Member: msg})
	} else {
		pipe.LPush(ctx, name, msg)
	}
	_, err = pipe.Exec(ctx)
	return errors.Wrapf(err, "submit %s to %s", dt.Key, name)
}

// Dequeue pops the oldest message of a queue, waiting up to block. It
// returns r.Nil when the queue stayed empty.
func (q *RedisQ) Dequeue(ctx context.Context, phase domain.Phase, sinkID int, block time.Duration) (Message, error) {
	res, err := q.rdb.BRPop(ctx, block, queueName(phase, sinkID)).Result()
	if err != nil {
		return Message{}, err
	}
	var m Message
	if len(res) != 2 {
		return m, r.Nil
	}
	return m, json.Unmarshal([]byte(res[1]), &m)
}

// Len returns the number of messages waiting in a queue, delayed ones
// excluded.
func (q *RedisQ) Len(ctx context.Context, phase domain.Phase, sinkID int) (int64, error) {
	return q.rdb.LLen(ctx, queueName(phase, sinkID)).Result()
}

// MoveDue moves up to batch delayed messages per queue whose time has come.
func (q *RedisQ) MoveDue(ctx context.Context, now int64, batch int64) error {
	queues, err := q.rdb.SMembers(ctx, queuesKey).Result()
	if err != nil {
		return err
	}
	for _, name := range queues {
		ids, err := q.rdb.ZRangeByScore(ctx, delayName(name), &r.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now), Offset: 0, Count: batch}).Result()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			continue
		}
		pipe := q.rdb.TxPipeline()
		for _, id := range ids {
			pipe.LPush(ctx, name, id)
			pipe.ZRem(ctx, delayName(name), id)
		}
		if _, err = pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StatusChanged publishes a status delta on EventsChannel.
func (q *RedisQ) StatusChanged(ctx context.Context, change domain.StatusChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return q.rdb.Publish(ctx, EventsChannel, payload).Err()
}
