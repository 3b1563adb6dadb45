package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// SyncQueue executes messages in-process when drained. It backs tests
// that want deterministic "flush the queue" semantics and small
// deployments that run without a separate worker process.
type SyncQueue struct {
	executor Executor

	mu      sync.Mutex
	pending []TaskMessage
}

func NewSyncQueue(executor Executor) *SyncQueue {
	return &SyncQueue{executor: executor}
}

func (q *SyncQueue) Enqueue(ctx context.Context, msg TaskMessage) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, msg)
	return uuid.NewString(), nil
}

func (q *SyncQueue) RunAll(ctx context.Context) (int, error) {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, msg := range batch {
		if _, err := q.executor.Run(ctx, msg); err != nil {
			return 0, err
		}
	}
	return len(batch), nil
}

// Pending returns a snapshot of the queued messages, for assertions.
func (q *SyncQueue) Pending() []TaskMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]TaskMessage(nil), q.pending...)
}
