package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"taskworker/src/logging"
	"taskworker/src/store"
)

// DatabaseQueue uses the task table itself as the queue: a QUEUED row is
// a pending message. Enqueue fires a NOTIFY on the worker channel so the
// listening worker wakes immediately; the worker's fallback poll covers
// missed notifications, so a failed notify is logged and swallowed.
type DatabaseQueue struct {
	store    store.Store
	executor Executor
	channel  string // empty disables NOTIFY (tests, non-Postgres stores)
}

func NewDatabaseQueue(st store.Store, executor Executor, channel string) *DatabaseQueue {
	return &DatabaseQueue{store: st, executor: executor, channel: channel}
}

func (q *DatabaseQueue) Enqueue(ctx context.Context, msg TaskMessage) (string, error) {
	if msg.TaskID == 0 {
		return "", fmt.Errorf("task message without a task id")
	}
	handle := uuid.NewString()
	if q.channel != "" {
		if err := q.store.Notify(ctx, q.channel, strconv.FormatInt(msg.TaskID, 10)); err != nil {
			logging.Log(fmt.Sprintf("notify failed for task %d: %v", msg.TaskID, err), slog.LevelWarn)
		}
	}
	return handle, nil
}

func (q *DatabaseQueue) RunAll(ctx context.Context) (int, error) {
	processed := 0
	for {
		ids, err := q.store.PendingIDs(ctx)
		if err != nil {
			return processed, fmt.Errorf("list pending tasks: %w", err)
		}
		if len(ids) == 0 {
			return processed, nil
		}
		ranThisPass := 0
		for _, id := range ids {
			task, err := q.store.Get(ctx, id)
			if err != nil {
				logging.Log(fmt.Sprintf("load task %d: %v", id, err), slog.LevelError)
				continue
			}
			if _, err := q.executor.Run(ctx, MessageFor(task)); err != nil {
				logging.Log(fmt.Sprintf("run task %d: %v", id, err), slog.LevelError)
				continue
			}
			processed++
			ranThisPass++
		}
		// A task that failed to even start stays QUEUED; without progress
		// another pass would spin on it forever.
		if ranThisPass == 0 {
			return processed, nil
		}
	}
}
