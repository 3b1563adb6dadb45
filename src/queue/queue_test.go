package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskworker/src/model"
	"taskworker/src/store"
)

// fakeExecutor finalizes each delivered task so drain loops see progress.
type fakeExecutor struct {
	st   *store.Memory
	msgs []TaskMessage
	fail bool
}

func (e *fakeExecutor) Run(ctx context.Context, msg TaskMessage) (*model.Task, error) {
	e.msgs = append(e.msgs, msg)
	if e.fail {
		return nil, errors.New("executor down")
	}
	t, err := e.st.Get(ctx, msg.TaskID)
	if err != nil {
		return nil, err
	}
	t.Status = model.TaskSuccess
	if err := e.st.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func insertQueued(t *testing.T, st *store.Memory, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		task := &model.Task{
			Launcher: "alice",
			Status:   model.TaskQueued,
			Params:   &model.Params{Module: "demo", Method: "noop"},
		}
		require.NoError(t, st.Insert(context.Background(), task))
		ids = append(ids, task.ID)
	}
	return ids
}

func TestSyncQueueDrains(t *testing.T) {
	st := store.NewMemory()
	exec := &fakeExecutor{st: st}
	q := NewSyncQueue(exec)
	ctx := context.Background()

	ids := insertQueued(t, st, 3)
	for _, id := range ids {
		task, err := st.Get(ctx, id)
		require.NoError(t, err)
		handle, err := q.Enqueue(ctx, MessageFor(task))
		require.NoError(t, err)
		assert.NotEmpty(t, handle)
	}
	require.Len(t, q.Pending(), 3)

	n, err := q.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, exec.msgs, 3)
	assert.Empty(t, q.Pending())

	// A second drain on an empty queue is a no-op.
	n, err = q.RunAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDatabaseQueueDrains(t *testing.T) {
	st := store.NewMemory()
	exec := &fakeExecutor{st: st}
	q := NewDatabaseQueue(st, exec, "")
	ctx := context.Background()

	insertQueued(t, st, 4)

	n, err := q.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = q.RunAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "drained queue must report nothing left")

	for _, msg := range exec.msgs {
		got, err := st.Get(ctx, msg.TaskID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskSuccess, got.Status)
	}
}

func TestDatabaseQueueDrainPicksUpMidDrainArrivals(t *testing.T) {
	st := store.NewMemory()
	added := false
	exec := &fakeExecutor{st: st}
	q := NewDatabaseQueue(st, &midDrainExecutor{inner: exec, st: st, added: &added}, "")
	ctx := context.Background()

	insertQueued(t, st, 2)

	n, err := q.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "a task enqueued mid-drain is drained in the next pass")
}

// midDrainExecutor inserts one extra QUEUED task during the first delivery.
type midDrainExecutor struct {
	inner *fakeExecutor
	st    *store.Memory
	added *bool
}

func (e *midDrainExecutor) Run(ctx context.Context, msg TaskMessage) (*model.Task, error) {
	if !*e.added {
		*e.added = true
		extra := &model.Task{
			Launcher: "alice",
			Status:   model.TaskQueued,
			Params:   &model.Params{Module: "demo", Method: "noop"},
		}
		if err := e.st.Insert(ctx, extra); err != nil {
			return nil, err
		}
	}
	return e.inner.Run(ctx, msg)
}

func TestDatabaseQueueStuckTaskDoesNotSpin(t *testing.T) {
	st := store.NewMemory()
	exec := &fakeExecutor{st: st, fail: true}
	q := NewDatabaseQueue(st, exec, "")

	insertQueued(t, st, 2)

	// The executor leaves both tasks QUEUED; RunAll must still return.
	n, err := q.RunAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDatabaseQueueEnqueueRequiresTaskID(t *testing.T) {
	q := NewDatabaseQueue(store.NewMemory(), &fakeExecutor{}, "")
	_, err := q.Enqueue(context.Background(), TaskMessage{Module: "demo", Method: "noop"})
	assert.Error(t, err)
}

func TestAsynqQueueEnqueue(t *testing.T) {
	srv := miniredis.RunT(t)
	q := NewAsynqQueue(asynq.RedisClientOpt{Addr: srv.Addr()})
	defer q.Close()

	handle, err := q.Enqueue(context.Background(), TaskMessage{
		Module: "exports",
		Method: "run_export",
		TaskID: 42,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, handle)

	_, err = q.RunAll(context.Background())
	assert.Error(t, err, "the managed backend does not drain in-process")
}

func TestAsynqHandlerDecodes(t *testing.T) {
	st := store.NewMemory()
	exec := &fakeExecutor{st: st}
	ids := insertQueued(t, st, 1)

	payload, err := json.Marshal(TaskMessage{Module: "demo", Method: "noop", TaskID: ids[0]})
	require.NoError(t, err)

	h := Handler(exec)
	require.NoError(t, h(context.Background(), asynq.NewTask(TypeRunTask, payload)))

	require.Len(t, exec.msgs, 1)
	assert.Equal(t, ids[0], exec.msgs[0].TaskID)

	assert.Error(t, h(context.Background(), asynq.NewTask(TypeRunTask, []byte("{nope"))))
}

func TestMessageFor(t *testing.T) {
	task := &model.Task{
		ID: 9,
		Params: &model.Params{
			Module: "exports",
			Method: "run_export",
			Args:   []json.RawMessage{json.RawMessage(`"csv"`)},
		},
	}
	msg := MessageFor(task)
	assert.Equal(t, int64(9), msg.TaskID)
	assert.Equal(t, "exports", msg.Module)
	assert.Equal(t, "run_export", msg.Method)
	require.Len(t, msg.Args, 1)

	// A task with no params still yields an addressable message.
	bare := MessageFor(&model.Task{ID: 3})
	assert.Equal(t, int64(3), bare.TaskID)
	assert.Empty(t, bare.Module)
}
