package runner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskworker/src/model"
	"taskworker/src/store"
)

func seedTask(t *testing.T, st store.Store) *model.Task {
	t.Helper()
	task := &model.Task{
		Name:     "Seeded",
		Launcher: "user-1",
		Status:   model.TaskRunning,
		Params: &model.Params{
			Module: "demo",
			Method: "echo",
			Args:   []json.RawMessage{json.RawMessage(`"hello"`)},
			Kwargs: map[string]json.RawMessage{"count": json.RawMessage(`3`)},
		},
	}
	require.NoError(t, st.Insert(context.Background(), task))
	return task
}

func TestJobArgsAndKwargs(t *testing.T) {
	st := store.NewMemory()
	job := NewJob(seedTask(t, st), st)

	var s string
	require.NoError(t, job.Args(0, &s))
	assert.Equal(t, "hello", s)
	assert.Error(t, job.Args(1, &s))

	var n int
	require.NoError(t, job.Kwarg("count", &n))
	assert.Equal(t, 3, n)
	assert.Error(t, job.Kwarg("missing", &n))
}

func TestReportProgressPersists(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	task := seedTask(t, st)
	job := NewJob(task, st)

	require.NoError(t, job.ReportProgress(ctx, 5, 10, "halfway"))

	got, err := st.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.ProgressValue)
	assert.Equal(t, int64(10), got.EndValue)
	assert.Equal(t, "halfway", got.ProgressMessage)
	assert.Equal(t, model.TaskRunning, got.Status)
}

func TestReportProgressObservesKill(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	task := seedTask(t, st)
	job := NewJob(task, st)

	// Operator kills out of band, between two checkpoints.
	require.NoError(t, job.ReportProgress(ctx, 1, 10, "row 1"))
	require.NoError(t, st.RequestKill(ctx, task.ID))

	err := job.ReportProgress(ctx, 2, 10, "row 2")
	assert.ErrorIs(t, err, ErrKilled)

	got, gerr := st.Get(ctx, task.ID)
	require.NoError(t, gerr)
	assert.Equal(t, model.TaskKilled, got.Status)
	require.NotNil(t, got.EndedAt)
	require.NotNil(t, got.Result)
	assert.Equal(t, model.TaskKilled, got.Result.Result)
	assert.Equal(t, "row 2", got.Result.LastProgressMessage)
}

func TestReportSuccess(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	task := seedTask(t, st)
	job := NewJob(task, st)

	require.NoError(t, job.ReportSuccess(ctx, "done"))

	got, err := st.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskSuccess, got.Status)
	require.NotNil(t, got.EndedAt)
	require.NotNil(t, got.Result)
	assert.Equal(t, model.TaskSuccess, got.Result.Result)
	assert.Equal(t, "done", got.Result.Message)
}

func TestReportSuccessWithResult(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	task := seedTask(t, st)
	job := NewJob(task, st)

	require.NoError(t, job.ReportSuccessWithResult(ctx, "exported", map[string]string{"file": "/tmp/out.csv"}))

	got, err := st.Get(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	var data map[string]string
	require.NoError(t, json.Unmarshal(got.Result.Data, &data))
	assert.Equal(t, "/tmp/out.csv", data["file"])
}

func TestTerminateWithError(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	task := seedTask(t, st)
	job := NewJob(task, st)

	require.NoError(t, job.TerminateWithError(ctx, "source file missing"))

	got, err := st.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskErrored, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "source file missing", got.Result.Message)
}

// A second finalizer call must not overwrite the first outcome.
func TestDoubleFinalizationRefused(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	task := seedTask(t, st)
	job := NewJob(task, st)

	require.NoError(t, job.ReportSuccess(ctx, "done"))

	assert.ErrorIs(t, job.TerminateWithError(ctx, "oops"), ErrAlreadyFinished)
	assert.ErrorIs(t, job.ReportSuccess(ctx, "again"), ErrAlreadyFinished)
	assert.ErrorIs(t, job.ReportProgress(ctx, 1, 1, "late"), ErrAlreadyFinished)

	got, err := st.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskSuccess, got.Status)
	assert.Equal(t, "done", got.Result.Message)
}
