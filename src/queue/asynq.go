package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

// TypeRunTask is the asynq task type carrying one task message.
const TypeRunTask = "tasks:run"

// AsynqQueue pushes task messages to a managed Redis-backed queue. The
// asynq server delivers each message at least once to a handler process;
// retry and backoff policy belong to that infrastructure, not to this
// core.
type AsynqQueue struct {
	client *asynq.Client
}

func NewAsynqQueue(redisOpt asynq.RedisClientOpt) *AsynqQueue {
	return &AsynqQueue{client: asynq.NewClient(redisOpt)}
}

func (q *AsynqQueue) Enqueue(ctx context.Context, msg TaskMessage) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal task message: %w", err)
	}
	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(TypeRunTask, payload))
	if err != nil {
		return "", fmt.Errorf("enqueue task %d: %w", msg.TaskID, err)
	}
	return info.ID, nil
}

// RunAll is unsupported: the managed queue's own server drains messages
// and calls Handler per delivery.
func (q *AsynqQueue) RunAll(ctx context.Context) (int, error) {
	return 0, errors.New("managed queue is drained by its own server, not in-process")
}

// Handler adapts registry execution to the asynq handler contract, for
// mounting on the asynq server's mux.
func Handler(executor Executor) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var msg TaskMessage
		if err := json.Unmarshal(t.Payload(), &msg); err != nil {
			return fmt.Errorf("unmarshal task message: %w", err)
		}
		_, err := executor.Run(ctx, msg)
		return err
	}
}

func (q *AsynqQueue) Close() error {
	return q.client.Close()
}
