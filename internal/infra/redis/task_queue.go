package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"grading-orchestrator/internal/config"
	"grading-orchestrator/internal/domain"
	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/domain/ports/repository"
	"grading-orchestrator/internal/infra/metrics"
)

var _ repository.TaskQueue = (*TaskQueue)(nil)

// Every script that moves a task into the ready set scores it with push:
// higher priority first, FIFO within a priority.
const luaPush = `
local function push(pending, prio, seqkey, id)
	local p = tonumber(redis.call("HGET", prio, id) or "1")
	local seq = redis.call("INCR", seqkey)
	redis.call("ZADD", pending, (3 - p) * 10000000000000 + seq, id)
end
local function promote(delayed, pending, prio, seqkey, now)
	local due = redis.call("ZRANGEBYSCORE", delayed, "-inf", now, "LIMIT", 0, 100)
	for _, id in ipairs(due) do
		redis.call("ZREM", delayed, id)
		push(pending, prio, seqkey, id)
	end
	return #due
end
`

// KEYS: tasks, prio, pending, seq, delayed   ARGV: id, payload, priority, dueMs (0 = now)
var luaEnqueue = redis.NewScript(luaPush + `
if redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call("HSET", KEYS[2], ARGV[1], ARGV[3])
if tonumber(ARGV[4]) > 0 then
	redis.call("ZADD", KEYS[5], ARGV[4], ARGV[1])
else
	push(KEYS[3], KEYS[2], KEYS[4], ARGV[1])
end
return 1`)

// KEYS: pending, inflight, owners, deliveries, tasks, delayed, prio, seq
// ARGV: worker, nowMs, deadlineMs
var luaDequeue = redis.NewScript(luaPush + `
promote(KEYS[6], KEYS[1], KEYS[7], KEYS[8], ARGV[2])
while true do
	local ids = redis.call("ZRANGE", KEYS[1], 0, 0)
	if #ids == 0 then
		return false
	end
	local id = ids[1]
	redis.call("ZREM", KEYS[1], id)
	local payload = redis.call("HGET", KEYS[5], id)
	if payload then
		redis.call("ZADD", KEYS[2], ARGV[3], id)
		redis.call("HSET", KEYS[3], id, ARGV[1])
		local n = redis.call("HINCRBY", KEYS[4], id, 1)
		return {id, payload, n}
	end
end`)

// KEYS: inflight, owners, deliveries, tasks, prio, cancel   ARGV: id, worker
var luaComplete = redis.NewScript(`
if redis.call("HGET", KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[3], ARGV[1])
redis.call("HDEL", KEYS[4], ARGV[1])
redis.call("HDEL", KEYS[5], ARGV[1])
redis.call("DEL", KEYS[6])
return 1`)

// KEYS: inflight, owners   ARGV: id, worker, deadlineMs
var luaExtend = redis.NewScript(`
if redis.call("HGET", KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[1])
return 1`)

// KEYS: inflight, owners, deliveries, delayed   ARGV: id, worker, dueMs
// A requeued delivery does not count towards dead-lettering.
var luaRequeue = redis.NewScript(`
if redis.call("HGET", KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("HINCRBY", KEYS[3], ARGV[1], -1)
redis.call("ZADD", KEYS[4], ARGV[3], ARGV[1])
return 1`)

// KEYS: inflight, owners, deliveries, tasks, prio, pending, seq, delayed, dead
// ARGV: nowMs, maxDeliveries
// ZREM returning 1 is the claim: a lease expiry is requeued exactly once
// even when several reapers run.
var luaReap = redis.NewScript(luaPush + `
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
local requeued = 0
local dead = {}
for _, id in ipairs(expired) do
	if redis.call("ZREM", KEYS[1], id) == 1 then
		redis.call("HDEL", KEYS[2], id)
		local n = tonumber(redis.call("HGET", KEYS[3], id) or "0")
		local payload = redis.call("HGET", KEYS[4], id)
		if not payload then
			redis.call("HDEL", KEYS[3], id)
			redis.call("HDEL", KEYS[5], id)
		elseif n >= tonumber(ARGV[2]) then
			redis.call("HDEL", KEYS[3], id)
			redis.call("HDEL", KEYS[4], id)
			redis.call("HDEL", KEYS[5], id)
			redis.call("LPUSH", KEYS[9], payload)
			table.insert(dead, payload)
		else
			push(KEYS[6], KEYS[5], KEYS[7], id)
			requeued = requeued + 1
		end
	end
end
local promoted = promote(KEYS[8], KEYS[6], KEYS[5], KEYS[7], ARGV[1])
return {requeued, promoted, dead}`)

// KEYS: pending, delayed, tasks, prio, deliveries, cancel   ARGV: id, flagTTLSeconds
var luaCancel = redis.NewScript(`
local removed = redis.call("ZREM", KEYS[1], ARGV[1]) + redis.call("ZREM", KEYS[2], ARGV[1])
if removed > 0 then
	redis.call("HDEL", KEYS[3], ARGV[1])
	redis.call("HDEL", KEYS[4], ARGV[1])
	redis.call("HDEL", KEYS[5], ARGV[1])
	return 1
end
redis.call("SET", KEYS[6], "1", "EX", ARGV[2])
return 0`)

// TaskQueue is a redis priority queue with lease-based redelivery. A task
// lives in exactly one of pending, delayed or inflight; its payload stays in
// the tasks hash until completion or dead-lettering.
type TaskQueue struct {
	cli           *redis.Client
	prefix        string
	leaseTTL      time.Duration
	pollInterval  time.Duration
	maxDeliveries int
	now           func() time.Time
	log           *zerolog.Logger
}

func NewTaskQueue(c *Client, cfg config.QueueConfig, logger *zerolog.Logger) *TaskQueue {
	l := logger.With().Str("component", "task_queue").Logger()
	q := &TaskQueue{
		cli:           c.cli,
		prefix:        cfg.Prefix,
		leaseTTL:      cfg.TaskTimeout,
		pollInterval:  cfg.PollInterval,
		maxDeliveries: cfg.MaxDeliveries,
		now:           time.Now,
		log:           &l,
	}
	if q.prefix == "" {
		q.prefix = "grading"
	}
	if q.leaseTTL <= 0 {
		q.leaseTTL = 10 * time.Minute
	}
	if q.pollInterval <= 0 {
		q.pollInterval = 100 * time.Millisecond
	}
	if q.maxDeliveries <= 0 {
		q.maxDeliveries = 3
	}
	return q
}

func (q *TaskQueue) key(name string) string { return q.prefix + ":" + name }

func (q *TaskQueue) cancelKey(id string) string { return q.prefix + ":cancel:" + id }

func ms(t time.Time) int64 { return t.UnixMilli() }

func (q *TaskQueue) Enqueue(ctx context.Context, task model.Task) error {
	return q.enqueue(ctx, task, 0)
}

// EnqueueAt holds the task back until at; it becomes dequeuable once due.
func (q *TaskQueue) EnqueueAt(ctx context.Context, task model.Task, at time.Time) error {
	return q.enqueue(ctx, task, max(ms(at), 1))
}

func (q *TaskQueue) enqueue(ctx context.Context, task model.Task, dueMs int64) error {
	if task.ID == "" {
		return domain.Validation("enqueue", fmt.Errorf("%w: empty task id", domain.ErrInvalidArgument))
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	keys := []string{q.key("tasks"), q.key("prio"), q.key("pending"), q.key("seq"), q.key("delayed")}
	ok, err := luaEnqueue.Run(ctx, q.cli, keys, task.ID, payload, int(task.Priority), dueMs).Int()
	if err != nil {
		return domain.Transient("enqueue", err)
	}
	if ok == 0 {
		return fmt.Errorf("task %s: %w", task.ID, domain.ErrAlreadyExists)
	}
	return nil
}

// Dequeue polls until a task is available, timeout elapses (domain.ErrQueueEmpty)
// or ctx is done.
func (q *TaskQueue) Dequeue(ctx context.Context, workerID string, timeout time.Duration) (*model.Lease, error) {
	deadline := time.Now().Add(timeout)
	for {
		lease, err := q.tryDequeue(ctx, workerID)
		if err != nil || lease != nil {
			return lease, err
		}
		if !time.Now().Before(deadline) {
			return nil, domain.ErrQueueEmpty
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(q.pollInterval, time.Until(deadline))):
		}
	}
}

func (q *TaskQueue) tryDequeue(ctx context.Context, workerID string) (*model.Lease, error) {
	now := q.now()
	expires := now.Add(q.leaseTTL)
	keys := []string{
		q.key("pending"), q.key("inflight"), q.key("owners"), q.key("deliveries"),
		q.key("tasks"), q.key("delayed"), q.key("prio"), q.key("seq"),
	}
	res, err := luaDequeue.Run(ctx, q.cli, keys, workerID, ms(now), ms(expires)).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Transient("dequeue", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("dequeue: unexpected reply %v", res)
	}
	payload, _ := res[1].(string)
	var task model.Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return nil, fmt.Errorf("dequeue: decode task %v: %w", res[0], err)
	}
	n, _ := res[2].(int64)
	return &model.Lease{Task: task, WorkerID: workerID, Deliveries: int(n), ExpiresAt: expires}, nil
}

func (q *TaskQueue) Complete(ctx context.Context, lease *model.Lease) error {
	keys := []string{q.key("inflight"), q.key("owners"), q.key("deliveries"), q.key("tasks"), q.key("prio"), q.cancelKey(lease.Task.ID)}
	return q.owned(luaComplete.Run(ctx, q.cli, keys, lease.Task.ID, lease.WorkerID).Int())
}

func (q *TaskQueue) Extend(ctx context.Context, lease *model.Lease, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = q.leaseTTL
	}
	expires := q.now().Add(ttl)
	keys := []string{q.key("inflight"), q.key("owners")}
	if err := q.owned(luaExtend.Run(ctx, q.cli, keys, lease.Task.ID, lease.WorkerID, ms(expires)).Int()); err != nil {
		return err
	}
	lease.ExpiresAt = expires
	return nil
}

// Requeue releases the lease and makes the task due again after delay.
func (q *TaskQueue) Requeue(ctx context.Context, lease *model.Lease, delay time.Duration) error {
	due := q.now().Add(max(delay, 0))
	keys := []string{q.key("inflight"), q.key("owners"), q.key("deliveries"), q.key("delayed")}
	return q.owned(luaRequeue.Run(ctx, q.cli, keys, lease.Task.ID, lease.WorkerID, max(ms(due), 1)).Int())
}

func (q *TaskQueue) owned(n int, err error) error {
	if err != nil {
		return domain.Transient("queue", err)
	}
	if n == 0 {
		return domain.LeaseExpired("queue")
	}
	return nil
}

// Reap requeues tasks whose lease expired before now, dead-letters those
// out of deliveries and promotes due delayed tasks.
func (q *TaskQueue) Reap(ctx context.Context, now time.Time) (model.ReapResult, error) {
	keys := []string{
		q.key("inflight"), q.key("owners"), q.key("deliveries"), q.key("tasks"), q.key("prio"),
		q.key("pending"), q.key("seq"), q.key("delayed"), q.key("dead"),
	}
	res, err := luaReap.Run(ctx, q.cli, keys, ms(now), q.maxDeliveries).Slice()
	if err != nil {
		return model.ReapResult{}, domain.Transient("reap", err)
	}
	var out model.ReapResult
	if len(res) != 3 {
		return out, fmt.Errorf("reap: unexpected reply %v", res)
	}
	requeued, _ := res[0].(int64)
	promoted, _ := res[1].(int64)
	out.Requeued, out.Promoted = int(requeued), int(promoted)
	dead, _ := res[2].([]interface{})
	for _, d := range dead {
		s, _ := d.(string)
		var t model.Task
		if err := json.Unmarshal([]byte(s), &t); err != nil {
			q.log.Error().Err(err).Msg("undecodable dead task")
			continue
		}
		out.Dead = append(out.Dead, t)
	}
	if out.Requeued > 0 || len(out.Dead) > 0 {
		q.log.Info().Int("requeued", out.Requeued).Int("dead", len(out.Dead)).Msg("expired leases reaped")
	}
	metrics.AddLeasesReaped(out.Requeued + len(out.Dead))
	metrics.AddTasksDead(len(out.Dead))
	return out, nil
}

func (q *TaskQueue) Len(ctx context.Context) (int64, error) {
	return q.cli.ZCard(ctx, q.key("pending")).Result()
}

func (q *TaskQueue) Stats(ctx context.Context) (model.QueueStats, error) {
	pipe := q.cli.Pipeline()
	pending := pipe.ZCard(ctx, q.key("pending"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	inflight := pipe.ZCard(ctx, q.key("inflight"))
	dead := pipe.LLen(ctx, q.key("dead"))
	if _, err := pipe.Exec(ctx); err != nil {
		return model.QueueStats{}, err
	}
	st := model.QueueStats{Pending: pending.Val(), Delayed: delayed.Val(), InFlight: inflight.Val(), Dead: dead.Val()}
	metrics.SetQueueDepth(st.Pending, st.Delayed, st.InFlight, st.Dead)
	return st, nil
}

// Cancel removes a waiting task outright. For a task already leased it sets
// a flag the worker checks at its next stage boundary.
func (q *TaskQueue) Cancel(ctx context.Context, taskID string) (bool, error) {
	keys := []string{q.key("pending"), q.key("delayed"), q.key("tasks"), q.key("prio"), q.key("deliveries"), q.cancelKey(taskID)}
	flagTTL := int64((q.leaseTTL * 2).Seconds())
	n, err := luaCancel.Run(ctx, q.cli, keys, taskID, max(flagTTL, 60)).Int()
	if err != nil {
		return false, domain.Transient("cancel", err)
	}
	return n == 1, nil
}

func (q *TaskQueue) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	n, err := q.cli.Exists(ctx, q.cancelKey(taskID)).Result()
	if err != nil {
		return false, domain.Transient("is_cancelled", err)
	}
	return n == 1, nil
}
