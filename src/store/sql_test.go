package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"taskworker/src/model"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    name             TEXT     NOT NULL DEFAULT '',
    account          TEXT     NOT NULL DEFAULT '',
    launcher         TEXT     NOT NULL DEFAULT '',
    params           TEXT     NULL,
    status           TEXT     NOT NULL,
    progress_message TEXT     NOT NULL DEFAULT '',
    progress_value   INTEGER  NOT NULL DEFAULT 0,
    end_value        INTEGER  NOT NULL DEFAULT 0,
    result           TEXT     NULL,
    should_be_killed BOOLEAN  NOT NULL DEFAULT 0,
    created_at       DATETIME NOT NULL,
    started_at       DATETIME NULL,
    ended_at         DATETIME NULL,
    queue_answer     TEXT     NOT NULL DEFAULT ''
);
`

func openTestDB(t *testing.T, name string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	_, err = db.Exec(createTableSQL)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTask(module, method string) *model.Task {
	return &model.Task{
		Name:     "Test task",
		Account:  "acct-1",
		Launcher: "user-1",
		Status:   model.TaskQueued,
		Params:   &model.Params{Module: module, Method: method},
	}
}

func TestSQLStore_InsertAssignsID(t *testing.T) {
	st := NewSQLStore(openTestDB(t, "insert_test"))
	ctx := context.Background()

	task := newTask("demo", "echo")
	require.NoError(t, st.Insert(ctx, task))
	assert.NotZero(t, task.ID, "id must exist before the queue message is built")
	assert.False(t, task.CreatedAt.IsZero())

	got, err := st.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskQueued, got.Status)
	assert.Equal(t, "acct-1", got.Account)
	assert.Equal(t, "user-1", got.Launcher)
	require.NotNil(t, got.Params)
	assert.Equal(t, "demo", got.Params.Module)
	assert.Equal(t, "echo", got.Params.Method)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.EndedAt)
}

func TestSQLStore_GetMissing(t *testing.T) {
	st := NewSQLStore(openTestDB(t, "missing_test"))
	_, err := st.Get(context.Background(), 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_UpdateRoundTrip(t *testing.T) {
	st := NewSQLStore(openTestDB(t, "update_test"))
	ctx := context.Background()

	task := newTask("demo", "echo")
	require.NoError(t, st.Insert(ctx, task))

	now := time.Now().UTC()
	task.Status = model.TaskSuccess
	task.ProgressMessage = "done"
	task.ProgressValue = 10
	task.EndValue = 10
	task.EndedAt = &now
	task.QueueAnswer = "handle-123"
	task.Result = &model.Result{Result: model.TaskSuccess, Message: "done"}
	require.NoError(t, st.Update(ctx, task))

	got, err := st.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskSuccess, got.Status)
	assert.Equal(t, "done", got.ProgressMessage)
	assert.Equal(t, int64(10), got.ProgressValue)
	assert.Equal(t, "handle-123", got.QueueAnswer)
	require.NotNil(t, got.Result)
	assert.Equal(t, model.TaskSuccess, got.Result.Result)
	require.NotNil(t, got.EndedAt)
}

func TestSQLStore_UpdateMissing(t *testing.T) {
	st := NewSQLStore(openTestDB(t, "update_missing_test"))
	task := newTask("demo", "echo")
	task.ID = 424242
	assert.ErrorIs(t, st.Update(context.Background(), task), ErrNotFound)
}

func TestSQLStore_ClaimIsExclusive(t *testing.T) {
	st := NewSQLStore(openTestDB(t, "claim_test"))
	ctx := context.Background()

	task := newTask("demo", "echo")
	require.NoError(t, st.Insert(ctx, task))

	claimed, err := st.Claim(ctx, task.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, claimed)

	// Second claim loses: the row already moved out of QUEUED.
	claimed, err = st.Claim(ctx, task.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := st.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, got.Status)
	assert.NotNil(t, got.StartedAt)
}

func TestSQLStore_KillFlag(t *testing.T) {
	st := NewSQLStore(openTestDB(t, "kill_test"))
	ctx := context.Background()

	task := newTask("demo", "countdown")
	require.NoError(t, st.Insert(ctx, task))

	killed, err := st.ShouldBeKilled(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, killed)

	require.NoError(t, st.RequestKill(ctx, task.ID))

	killed, err = st.ShouldBeKilled(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, killed)

	// A progress write carrying a stale copy must not erase the request.
	stale := *task
	stale.ShouldBeKilled = false
	stale.ProgressValue = 10
	require.NoError(t, st.Update(ctx, &stale))

	killed, err = st.ShouldBeKilled(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, killed)

	// Only an explicit clear resets it.
	require.NoError(t, st.ClearKill(ctx, task.ID))
	killed, err = st.ShouldBeKilled(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, killed)

	assert.ErrorIs(t, st.RequestKill(ctx, 9999), ErrNotFound)
}

func TestSQLStore_PendingIDsOrder(t *testing.T) {
	st := NewSQLStore(openTestDB(t, "pending_test"))
	ctx := context.Background()

	var want []int64
	for i := 0; i < 3; i++ {
		task := newTask("demo", "echo")
		require.NoError(t, st.Insert(ctx, task))
		want = append(want, task.ID)
	}
	// A running task is not pending.
	running := newTask("demo", "echo")
	require.NoError(t, st.Insert(ctx, running))
	_, err := st.Claim(ctx, running.ID, time.Now())
	require.NoError(t, err)

	ids, err := st.PendingIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, ids)
}

func TestSQLStore_LastTask(t *testing.T) {
	st := NewSQLStore(openTestDB(t, "last_test"))
	ctx := context.Background()

	first := newTask("demo", "echo")
	require.NoError(t, st.Insert(ctx, first))
	second := newTask("demo", "countdown")
	require.NoError(t, st.Insert(ctx, second))

	got, err := st.LastTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestSQLStore_RecoverStale(t *testing.T) {
	st := NewSQLStore(openTestDB(t, "stale_test"))
	ctx := context.Background()

	stale := newTask("demo", "echo")
	require.NoError(t, st.Insert(ctx, stale))
	_, err := st.Claim(ctx, stale.ID, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	fresh := newTask("demo", "echo")
	require.NoError(t, st.Insert(ctx, fresh))
	_, err = st.Claim(ctx, fresh.ID, time.Now())
	require.NoError(t, err)

	n, err := st.RecoverStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := st.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskErrored, got.Status)
	require.NotNil(t, got.Result)
	assert.Contains(t, got.Result.Message, "worker crashed")

	got, err = st.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, got.Status)
}
