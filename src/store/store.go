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
	"time"

	"taskworker/src/model"
)

// GlobalStats aggregates the task table for the status API.
type GlobalStats struct {
	TotalTasks      int     `json:"total_tasks"`
	QueuedTasks     int     `json:"queued_tasks"`
	RunningTasks    int     `json:"running_tasks"`
	SucceededTasks  int     `json:"succeeded_tasks"`
	ErroredTasks    int     `json:"errored_tasks"`
	KilledTasks     int     `json:"killed_tasks"`
	AvgExecutionSec float64 `json:"avg_execution_seconds"`
	ThroughputTasks float64 `json:"throughput_tasks_per_hour"`
}

// Store is the persistence boundary for tasks. Implementations must be
// safe for concurrent use; the task row is the only shared state between
// the enqueueing process and the worker.
type Store interface {
	// Insert persists a new task and assigns its ID. The ID must exist
	// before the queue message is built, because the message carries it.
	Insert(ctx context.Context, t *model.Task) error

	// Update writes the mutable columns of the task back to the row. The
	// kill flag is set-only here: a set flag in the row survives an update
	// carrying false, since the caller's copy may predate the request.
	Update(ctx context.Context, t *model.Task) error

	Get(ctx context.Context, id int64) (*model.Task, error)

	// Claim atomically moves a task from QUEUED to RUNNING. It returns
	// false when the task was already claimed or is terminal, so two
	// workers racing for the same row execute it at most once.
	Claim(ctx context.Context, id int64, startedAt time.Time) (bool, error)

	// ShouldBeKilled re-reads the kill flag from the row. Job bodies call
	// this through their progress checkpoint; the flag may have been set
	// concurrently by an operator, so the in-memory task is not trusted.
	ShouldBeKilled(ctx context.Context, id int64) (bool, error)

	// RequestKill sets the kill flag. The task is only actually killed at
	// its next cooperative checkpoint.
	RequestKill(ctx context.Context, id int64) error

	// ClearKill resets the kill flag. Update never clears it (a progress
	// write must not erase a concurrent kill request), so re-queueing a
	// killed task has to reset it explicitly.
	ClearKill(ctx context.Context, id int64) error

	// PendingIDs lists QUEUED tasks oldest first.
	PendingIDs(ctx context.Context) ([]int64, error)

	// LastTask returns the most recently created task.
	LastTask(ctx context.Context) (*model.Task, error)

	// RecoverStale fails RUNNING tasks whose worker died, so they do not
	// hang in RUNNING forever. Returns the number of tasks failed.
	RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error)

	GlobalStats(ctx context.Context) (GlobalStats, error)

	// Notify wakes listening workers on the given channel. Backends
	// without pub/sub may return an error; callers treat a failed notify
	// as non-fatal since the worker polls as a fallback.
	Notify(ctx context.Context, channel, payload string) error
}
