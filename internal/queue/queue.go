// Package queue talks to the external work queue. Jobs are kept in Redis
// using the key layout of RQ workers: a hash per job and a list per queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/CZERTAINLY/daas/internal/model"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// State is the job status as reported by a queue worker.
type State string

const (
	Queued    State = "queued"
	Deferred  State = "deferred"
	Scheduled State = "scheduled"
	Started   State = "started"
	Finished  State = "finished"
	Failed    State = "failed"
	Stopped   State = "stopped"
	Canceled  State = "canceled"
)

// JobStatus maps a worker state to the local job status.
func (s State) JobStatus() (model.JobStatus, error) {
	switch s {
	case Queued, Deferred, Scheduled:
		return model.JobQueued, nil
	case Started:
		return model.JobProcessing, nil
	case Finished:
		return model.JobDone, nil
	case Failed, Stopped:
		return model.JobFailed, nil
	case Canceled:
		return model.JobCancelled, nil
	default:
		return "", fmt.Errorf("unknown queue state %q", string(s))
	}
}

const (
	jobPrefix   = "rq:job:"
	queuePrefix = "rq:queue:"
	queuesKey   = "rq:queues"
)

// cancelScript removes a job from its queue list only while nobody picked it up.
// KEYS[1] = job hash
// KEYS[2] = queue list
// ARGV[1] = job id
// ARGV[2] = end timestamp
// Returns 1 when canceled, 0 when the job is no longer queued, -1 when missing.
var cancelScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if not status then
    return -1
end
if status ~= "queued" then
    return 0
end
redis.call("LREM", KEYS[2], 0, ARGV[1])
redis.call("HSET", KEYS[1], "status", "canceled", "ended_at", ARGV[2])
return 1
`)

// Redis is a queue client with every round-trip bounded by a timeout.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
	newID   func() string
	now     func() time.Time
}

// New connects lazily to the queue described by cfg.
func New(cfg model.Queue, timeout time.Duration) *Redis {
	return NewWithClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), timeout)
}

func NewWithClient(client *redis.Client, timeout time.Duration) *Redis {
	return &Redis{
		client:  client,
		timeout: timeout,
		newID:   uuid.NewString,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Client exposes the connection so other Redis backed components can share it.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Submit enqueues task to queue and returns the new job id.
func (r *Redis) Submit(ctx context.Context, queue string, task model.Task) (string, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encoding task: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	id := r.newID()
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, jobPrefix+id, map[string]any{
			"status":      string(Queued),
			"origin":      queue,
			"data":        payload,
			"timeout":     strconv.Itoa(task.Timeout),
			"enqueued_at": r.now().Format(time.RFC3339Nano),
		})
		pipe.RPush(ctx, queuePrefix+queue, id)
		pipe.SAdd(ctx, queuesKey, queuePrefix+queue)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("submitting to %s: %w: %w", queue, model.ErrQueueUnavailable, err)
	}
	slog.DebugContext(ctx, "job submitted", "queue", queue, "job_id", id)
	return id, nil
}

// Query returns the worker state of job id. A job the queue no longer knows
// yields model.ErrNotFound; any communication failure model.ErrQueueUnavailable.
func (r *Redis) Query(ctx context.Context, queue, id string) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fields, err := r.client.HGetAll(ctx, jobPrefix+id).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", fmt.Errorf("job %s in %s: %w", id, queue, model.ErrNotFound)
	case err != nil:
		return "", fmt.Errorf("querying job %s in %s: %w: %w", id, queue, model.ErrQueueUnavailable, err)
	case len(fields) == 0:
		return "", fmt.Errorf("job %s in %s: %w", id, queue, model.ErrNotFound)
	}
	status, ok := fields["status"]
	if !ok {
		return "", fmt.Errorf("job %s in %s has no status: %w", id, queue, model.ErrNotFound)
	}
	return State(status), nil
}

// Cancel removes a job nobody picked up yet. It returns model.ErrConflict
// when a worker already took the job and model.ErrNotFound when it is gone.
func (r *Redis) Cancel(ctx context.Context, queue, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ret, err := cancelScript.Run(ctx, r.client,
		[]string{jobPrefix + id, queuePrefix + queue},
		id, r.now().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return fmt.Errorf("canceling job %s in %s: %w: %w", id, queue, model.ErrQueueUnavailable, err)
	}
	switch ret {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("job %s in %s is not queued: %w", id, queue, model.ErrConflict)
	default:
		return fmt.Errorf("job %s in %s: %w", id, queue, model.ErrNotFound)
	}
}
