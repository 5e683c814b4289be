// Mech is a multi-tenant job queueing and dispatch service.
// Copyright (C) 2025 Mech Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package broker is a thin façade over the Redis ordered-set broker.
//
// Per queue it keeps a waiting zset (scored by priority then enqueue
// sequence, lower fires earlier), a delayed zset (scored by due time), an
// active zset (scored by lease expiry), a payload key per job, and a pause
// flag. All state moves are per-queue atomic: single commands, pipelines,
// or small server-side scripts.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job states the broker tracks. Terminal states live in the persistence
// store, not here.
const (
	StateWaiting = "waiting"
	StateDelayed = "delayed"
	StateActive  = "active"
)

var (
	// ErrNoJob indicates no job was available to reserve.
	ErrNoJob = errors.New("no job available")
	// ErrPaused indicates the queue is paused and reservations are refused.
	ErrPaused = errors.New("queue paused")
)

// Priority scores pack (priority, enqueue sequence) into one float64.
// Sequence stays below the multiplier so ties break FIFO; both fit exactly
// in the 2^53 integer range of a float64 for any realistic priority.
const prioMultiplier = 1e12

// reserveScript atomically moves the lowest-scored waiting job to the
// active set with a lease expiry. Returns false when paused or empty.
var reserveScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[3]) == 1 then
  return "__paused__"
end
local ids = redis.call("ZRANGE", KEYS[1], 0, 0)
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call("ZREM", KEYS[1], id)
redis.call("ZADD", KEYS[2], tonumber(ARGV[1]), id)
return id
`)

// requeueScript moves a job into the waiting zset with its recorded
// priority and a fresh enqueue sequence, removing it from the source zset.
var requeueScript = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
local prio = redis.call("HGET", KEYS[3], ARGV[1])
if prio == false then
  prio = "0"
end
local seq = redis.call("INCR", KEYS[4])
redis.call("ZADD", KEYS[2], tonumber(prio) * 1e12 + seq, ARGV[1])
return 1
`)

// scanDelayedScript moves due delayed jobs back to waiting. Idempotent and
// bounded per call; safe to run from every worker.
var scanDelayedScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[1], id)
  local prio = redis.call("HGET", KEYS[3], id)
  if prio == false then
    prio = "0"
  end
  local seq = redis.call("INCR", KEYS[4])
  redis.call("ZADD", KEYS[2], tonumber(prio) * 1e12 + seq, id)
end
return #due
`)

// renewLeaseScript extends a leadership lease only while held by the caller.
var renewLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// Broker wraps a shared, connection-pooled Redis client.
type Broker struct {
	rdb *redis.Client
}

// New constructs a Broker over an existing Redis client.
func New(rdb *redis.Client) *Broker {
	return &Broker{rdb: rdb}
}

// Connect dials the broker at addr and verifies the connection.
func Connect(ctx context.Context, addr string) (*Broker, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping broker: %w", err)
	}
	return &Broker{rdb: rdb}, nil
}

// Close releases the underlying connection pool.
func (b *Broker) Close() error { return b.rdb.Close() }

func keyWaiting(q string) string { return "mech:q:" + q + ":waiting" }
func keyDelayed(q string) string { return "mech:q:" + q + ":delayed" }
func keyActive(q string) string  { return "mech:q:" + q + ":active" }
func keyPaused(q string) string  { return "mech:q:" + q + ":paused" }
func keyPrio(q string) string    { return "mech:q:" + q + ":prio" }
func keySeq(q string) string     { return "mech:q:" + q + ":seq" }
func keyPayload(q, id string) string {
	return "mech:q:" + q + ":payload:" + id
}

// Push appends a job to the waiting zset, or the delayed zset when
// delayUntil is in the future. The payload and priority are recorded so
// later requeues keep ordering semantics.
func (b *Broker) Push(ctx context.Context, queue, jobID string, payload []byte, priority int, delayUntil time.Time) error {
	now := time.Now()
	seq, err := b.rdb.Incr(ctx, keySeq(queue)).Result()
	if err != nil {
		return fmt.Errorf("push %s/%s: %w", queue, jobID, err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, keyPayload(queue, jobID), payload, 0)
	pipe.HSet(ctx, keyPrio(queue), jobID, priority)
	if delayUntil.After(now) {
		pipe.ZAdd(ctx, keyDelayed(queue), redis.Z{Score: float64(delayUntil.UnixMilli()), Member: jobID})
	} else {
		pipe.ZAdd(ctx, keyWaiting(queue), redis.Z{Score: float64(priority)*prioMultiplier + float64(seq), Member: jobID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push %s/%s: %w", queue, jobID, err)
	}
	return nil
}

// Reserve atomically claims the highest-priority waiting job, holding it in
// the active set until the lease expires. Returns ErrNoJob when the queue is
// empty and ErrPaused when it is paused.
func (b *Broker) Reserve(ctx context.Context, queue string, visibility time.Duration) (string, []byte, error) {
	expiry := time.Now().Add(visibility).UnixMilli()
	res, err := reserveScript.Run(ctx, b.rdb,
		[]string{keyWaiting(queue), keyActive(queue), keyPaused(queue)},
		expiry,
	).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil, ErrNoJob
		}
		return "", nil, fmt.Errorf("reserve %s: %w", queue, err)
	}
	jobID, ok := res.(string)
	if !ok || jobID == "" {
		return "", nil, ErrNoJob
	}
	if jobID == "__paused__" {
		return "", nil, ErrPaused
	}
	payload, err := b.rdb.Get(ctx, keyPayload(queue, jobID)).Bytes()
	if err != nil && err != redis.Nil {
		return "", nil, fmt.Errorf("reserve payload %s/%s: %w", queue, jobID, err)
	}
	return jobID, payload, nil
}

// Ack removes an active job and its payload after successful processing or
// a terminal failure.
func (b *Broker) Ack(ctx context.Context, queue, jobID string) error {
	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, keyActive(queue), jobID)
	pipe.Del(ctx, keyPayload(queue, jobID))
	pipe.HDel(ctx, keyPrio(queue), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s/%s: %w", queue, jobID, err)
	}
	return nil
}

// Nack returns an active job to the queue: to the delayed zset when
// requeueAfter > 0, otherwise straight back to waiting.
func (b *Broker) Nack(ctx context.Context, queue, jobID string, requeueAfter time.Duration) error {
	if requeueAfter > 0 {
		due := time.Now().Add(requeueAfter).UnixMilli()
		pipe := b.rdb.TxPipeline()
		pipe.ZRem(ctx, keyActive(queue), jobID)
		pipe.ZAdd(ctx, keyDelayed(queue), redis.Z{Score: float64(due), Member: jobID})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("nack %s/%s: %w", queue, jobID, err)
		}
		return nil
	}
	err := requeueScript.Run(ctx, b.rdb,
		[]string{keyActive(queue), keyWaiting(queue), keyPrio(queue), keySeq(queue)},
		jobID,
	).Err()
	if err != nil {
		return fmt.Errorf("nack %s/%s: %w", queue, jobID, err)
	}
	return nil
}

// Remove deletes a job from the waiting or delayed sets, used by cancel.
// Returns true when the job was present in either set.
func (b *Broker) Remove(ctx context.Context, queue, jobID string) (bool, error) {
	pipe := b.rdb.TxPipeline()
	w := pipe.ZRem(ctx, keyWaiting(queue), jobID)
	d := pipe.ZRem(ctx, keyDelayed(queue), jobID)
	pipe.Del(ctx, keyPayload(queue, jobID))
	pipe.HDel(ctx, keyPrio(queue), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("remove %s/%s: %w", queue, jobID, err)
	}
	return w.Val()+d.Val() > 0, nil
}

// ScanDelayed moves jobs whose due time has passed back to waiting.
// Idempotent; returns the number moved this call.
func (b *Broker) ScanDelayed(ctx context.Context, queue string, now time.Time) (int64, error) {
	const batch = 100
	n, err := scanDelayedScript.Run(ctx, b.rdb,
		[]string{keyDelayed(queue), keyWaiting(queue), keyPrio(queue), keySeq(queue)},
		now.UnixMilli(), batch,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("scan delayed %s: %w", queue, err)
	}
	return n, nil
}

// ExpiredActive lists active jobs whose lease expired before now.
func (b *Broker) ExpiredActive(ctx context.Context, queue string, now time.Time, limit int64) ([]string, error) {
	ids, err := b.rdb.ZRangeByScore(ctx, keyActive(queue), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("expired active %s: %w", queue, err)
	}
	return ids, nil
}

// ClaimExpired removes an expired job from the active set so exactly one
// sweeper requeues it. Returns true for the claiming caller.
func (b *Broker) ClaimExpired(ctx context.Context, queue, jobID string) (bool, error) {
	n, err := b.rdb.ZRem(ctx, keyActive(queue), jobID).Result()
	if err != nil {
		return false, fmt.Errorf("claim expired %s/%s: %w", queue, jobID, err)
	}
	return n == 1, nil
}

// Requeue places a claimed job back on the waiting zset, used by stalled
// recovery after ClaimExpired.
func (b *Broker) Requeue(ctx context.Context, queue, jobID string) error {
	err := requeueScript.Run(ctx, b.rdb,
		[]string{keyActive(queue), keyWaiting(queue), keyPrio(queue), keySeq(queue)},
		jobID,
	).Err()
	if err != nil {
		return fmt.Errorf("requeue %s/%s: %w", queue, jobID, err)
	}
	return nil
}

// ExtendLease pushes an active job's lease expiry forward. Returns false if
// the job is no longer active.
func (b *Broker) ExtendLease(ctx context.Context, queue, jobID string, until time.Time) (bool, error) {
	// XX keeps a lost lease lost; CH reports whether the member was updated.
	n, err := b.rdb.ZAddArgs(ctx, keyActive(queue), redis.ZAddArgs{
		XX:      true,
		Ch:      true,
		Members: []redis.Z{{Score: float64(until.UnixMilli()), Member: jobID}},
	}).Result()
	if err != nil {
		return false, fmt.Errorf("extend lease %s/%s: %w", queue, jobID, err)
	}
	return n == 1, nil
}

// Pause sets the queue's pause flag; reservations are refused until Resume.
func (b *Broker) Pause(ctx context.Context, queue string) error {
	return b.rdb.Set(ctx, keyPaused(queue), "1", 0).Err()
}

// Resume clears the queue's pause flag.
func (b *Broker) Resume(ctx context.Context, queue string) error {
	return b.rdb.Del(ctx, keyPaused(queue)).Err()
}

// IsPaused reports the queue's pause flag.
func (b *Broker) IsPaused(ctx context.Context, queue string) (bool, error) {
	n, err := b.rdb.Exists(ctx, keyPaused(queue)).Result()
	if err != nil {
		return false, fmt.Errorf("is paused %s: %w", queue, err)
	}
	return n == 1, nil
}

// Counts returns the waiting/delayed/active cardinalities for a queue.
func (b *Broker) Counts(ctx context.Context, queue string) (map[string]int64, error) {
	pipe := b.rdb.Pipeline()
	w := pipe.ZCard(ctx, keyWaiting(queue))
	d := pipe.ZCard(ctx, keyDelayed(queue))
	a := pipe.ZCard(ctx, keyActive(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("counts %s: %w", queue, err)
	}
	return map[string]int64{
		StateWaiting: w.Val(),
		StateDelayed: d.Val(),
		StateActive:  a.Val(),
	}, nil
}

// List returns job ids for one broker-held state in score order.
func (b *Broker) List(ctx context.Context, queue, state string, offset, limit int64) ([]string, error) {
	var key string
	switch state {
	case StateWaiting:
		key = keyWaiting(queue)
	case StateDelayed:
		key = keyDelayed(queue)
	case StateActive:
		key = keyActive(queue)
	default:
		return nil, fmt.Errorf("unknown broker state %q", state)
	}
	if limit <= 0 {
		limit = 100
	}
	ids, err := b.rdb.ZRange(ctx, key, offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", queue, state, err)
	}
	return ids, nil
}

// --------------- Leadership leases ---------------

// AcquireLease claims a named lease for holder with the given TTL.
// Used by the scheduler to elect a single leader per shard.
func (b *Broker) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	ok, err := b.rdb.SetNX(ctx, "mech:lease:"+name, holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return ok, nil
}

// RenewLease extends a lease only while the caller still holds it.
func (b *Broker) RenewLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	n, err := renewLeaseScript.Run(ctx, b.rdb, []string{"mech:lease:" + name}, holder, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", name, err)
	}
	return n == 1, nil
}

// ReleaseLease drops the lease if held by holder. Best effort.
func (b *Broker) ReleaseLease(ctx context.Context, name, holder string) {
	cur, err := b.rdb.Get(ctx, "mech:lease:"+name).Result()
	if err == nil && cur == holder {
		_ = b.rdb.Del(ctx, "mech:lease:"+name).Err()
	}
}
