package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Norgate-AV/fitscache/internal/kv"
	"github.com/Norgate-AV/fitscache/internal/opcache"
)

// DefaultQueueName is the list tasks are pushed to
const DefaultQueueName = "fitscache_tasks"

// Task is one queued execution of an operation
type Task struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Key     string        `json:"key"`
	Input   opcache.Input `json:"input"`
	Attempt int           `json:"attempt"`

	// NotBefore delays a retry; zero means run now
	NotBefore time.Time `json:"not_before,omitempty"`
}

// Invocation returns the invocation the task runs
func (t *Task) Invocation() *opcache.Invocation {
	return &opcache.Invocation{Name: t.Name, Input: t.Input, Key: t.Key}
}

// Queue is a FIFO of tasks on a kv list: producers push at the head and
// consumers pop from the tail
type Queue struct {
	store kv.Store
	name  string
	log   zerolog.Logger
}

// NewQueue returns the queue stored under name
func NewQueue(store kv.Store, name string, log zerolog.Logger) *Queue {
	if name == "" {
		name = DefaultQueueName
	}

	return &Queue{
		store: store,
		name:  name,
		log:   log.With().Str("component", "queue").Str("queue", name).Logger(),
	}
}

// Enqueue queues a first attempt of inv
func (q *Queue) Enqueue(ctx context.Context, inv *opcache.Invocation) error {
	return q.Push(ctx, &Task{
		ID:    uuid.NewString(),
		Name:  inv.Name,
		Key:   inv.Key,
		Input: inv.Input,
	})
}

// Push queues task
func (q *Queue) Push(ctx context.Context, task *Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	if err := q.store.LPush(ctx, q.name, string(raw)); err != nil {
		return fmt.Errorf("failed to push task: %w", err)
	}

	q.log.Debug().Str("task_id", task.ID).Str("cache_key", task.Key).Int("attempt", task.Attempt).Msg("task queued")

	return nil
}

// Pop waits up to timeout for the oldest task. It returns nil, nil when the
// queue stayed empty.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*Task, error) {
	raw, err := q.store.BRPop(ctx, timeout, q.name)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop task: %w", err)
	}

	var task Task
	if err := opcache.DecodeInput([]byte(raw), &task); err != nil {
		// Unparseable payloads are dropped
		q.log.Error().Err(err).Str("payload", raw).Msg("discarding malformed task")
		return nil, nil
	}

	return &task, nil
}
