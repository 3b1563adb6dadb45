// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskworker/src/model"
)

var ErrNotFound = errors.New("task not found")

// SQLStore keeps tasks in a relational TASKS table. Queries stick to $N
// placeholders and bind timestamps from Go so the same statements run on
// Postgres in production and on SQLite in tests.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const taskColumns = `id, name, account, launcher, params, status, progress_message,
	progress_value, end_value, result, should_be_killed, created_at, started_at,
	ended_at, queue_answer`

func (s *SQLStore) Insert(ctx context.Context, t *model.Task) error {
	params, err := marshalNullable(t.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO tasks
		(name, account, launcher, params, status, progress_message, progress_value,
		 end_value, should_be_killed, created_at, queue_answer)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`
	row := s.db.QueryRowContext(ctx, query,
		t.Name, t.Account, t.Launcher, params, string(t.Status), t.ProgressMessage,
		t.ProgressValue, t.EndValue, t.ShouldBeKilled, t.CreatedAt.UTC(), t.QueueAnswer,
	)
	if err := row.Scan(&t.ID); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, t *model.Task) error {
	params, err := marshalNullable(t.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	result, err := marshalNullable(t.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	query := `UPDATE tasks SET
		name = $1, params = $2, status = $3, progress_message = $4,
		progress_value = $5, end_value = $6, result = $7,
		should_be_killed = (should_be_killed OR $8),
		started_at = $9, ended_at = $10, queue_answer = $11
		WHERE id = $12`
	res, err := s.db.ExecContext(ctx, query,
		t.Name, params, string(t.Status), t.ProgressMessage,
		t.ProgressValue, t.EndValue, result, t.ShouldBeKilled,
		nullTime(t.StartedAt), nullTime(t.EndedAt), t.QueueAnswer, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task %d: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return scanTask(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLStore) Claim(ctx context.Context, id int64, startedAt time.Time) (bool, error) {
	query := `UPDATE tasks SET status = $1, started_at = $2 WHERE id = $3 AND status = $4`
	res, err := s.db.ExecContext(ctx, query,
		string(model.TaskRunning), startedAt.UTC(), id, string(model.TaskQueued))
	if err != nil {
		return false, fmt.Errorf("claim task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) ShouldBeKilled(ctx context.Context, id int64) (bool, error) {
	var killed bool
	err := s.db.QueryRowContext(ctx,
		`SELECT should_be_killed FROM tasks WHERE id = $1`, id).Scan(&killed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return killed, err
}

func (s *SQLStore) RequestKill(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET should_be_killed = $1 WHERE id = $2`, true, id)
	if err != nil {
		return fmt.Errorf("request kill for task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ClearKill(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET should_be_killed = $1 WHERE id = $2`, false, id)
	if err != nil {
		return fmt.Errorf("clear kill for task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) PendingIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM tasks WHERE status = $1 ORDER BY id`, string(model.TaskQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) LastTask(ctx context.Context) (*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks ORDER BY id DESC LIMIT 1`
	return scanTask(s.db.QueryRowContext(ctx, query))
}

func (s *SQLStore) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result := model.Result{
		Result:  model.TaskErrored,
		Message: "worker crashed or task timed out",
	}
	payload, _ := json.Marshal(result)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, ended_at = $2, result = $3
		 WHERE status = $4 AND started_at < $5`,
		string(model.TaskErrored), time.Now().UTC(), string(payload),
		string(model.TaskRunning), cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stale tasks: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) GlobalStats(ctx context.Context) (GlobalStats, error) {
	var gs GlobalStats
	query := `
		WITH counts AS (
			SELECT
				COUNT(*) as total,
				COUNT(*) FILTER (WHERE status = 'QUEUED') as queued,
				COUNT(*) FILTER (WHERE status = 'RUNNING') as running,
				COUNT(*) FILTER (WHERE status = 'SUCCESS') as succeeded,
				COUNT(*) FILTER (WHERE status = 'ERRORED') as errored,
				COUNT(*) FILTER (WHERE status = 'KILLED') as killed
			FROM tasks
		),
		performance AS (
			SELECT
				COALESCE(AVG(EXTRACT(EPOCH FROM (ended_at - started_at))), 0) as avg_exec,
				COALESCE(COUNT(*) FILTER (WHERE ended_at > NOW() - INTERVAL '1 hour'), 0) as throughput
			FROM tasks
			WHERE status = 'SUCCESS' AND ended_at IS NOT NULL AND started_at IS NOT NULL
		)
		SELECT * FROM counts, performance;
	`
	err := s.db.QueryRowContext(ctx, query).Scan(
		&gs.TotalTasks, &gs.QueuedTasks, &gs.RunningTasks,
		&gs.SucceededTasks, &gs.ErroredTasks, &gs.KilledTasks,
		&gs.AvgExecutionSec, &gs.ThroughputTasks,
	)
	return gs, err
}

func (s *SQLStore) Notify(ctx context.Context, channel, payload string) error {
	_, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	return err
}

func scanTask(row *sql.Row) (*model.Task, error) {
	t := &model.Task{}
	var params, result sql.NullString
	var status string
	var startedAt, endedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.Name, &t.Account, &t.Launcher, &params, &status,
		&t.ProgressMessage, &t.ProgressValue, &t.EndValue, &result,
		&t.ShouldBeKilled, &t.CreatedAt, &startedAt, &endedAt, &t.QueueAnswer,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	if params.Valid && params.String != "" {
		t.Params = &model.Params{}
		if err := json.Unmarshal([]byte(params.String), t.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params for task %d: %w", t.ID, err)
		}
	}
	if result.Valid && result.String != "" {
		t.Result = &model.Result{}
		if err := json.Unmarshal([]byte(result.String), t.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result for task %d: %w", t.ID, err)
		}
	}
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if endedAt.Valid {
		v := endedAt.Time
		t.EndedAt = &v
	}
	return t, nil
}

func marshalNullable(v any) (any, error) {
	switch x := v.(type) {
	case *model.Params:
		if x == nil {
			return nil, nil
		}
	case *model.Result:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
