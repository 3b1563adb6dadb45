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

// Package runner carries a task through its job body: progress
// reporting, cooperative cancellation and terminal-state finalization.
//
// Cancellation is strictly cooperative. An operator sets the kill flag
// out of band; the job only notices at its next ReportProgress call and
// unwinds by returning ErrKilled up its own call stack. There is no
// preemption and no timeout kill: a body that never checkpoints cannot
// be killed by this mechanism.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskworker/src/model"
	"taskworker/src/store"
)

// ErrKilled is returned by ReportProgress when an operator requested a
// kill. Job bodies must propagate it unchanged so the executor can
// re-persist the KILLED state after any transaction the body held has
// been rolled back.
var ErrKilled = errors.New("task killed by operator request")

// ErrAlreadyFinished is returned when a finalizer or checkpoint is
// called on a task that already reached a terminal status. The second
// write is refused rather than silently overwriting the first outcome.
var ErrAlreadyFinished = errors.New("task already reached a terminal status")

// ExtraCarrier lets a job error attach structured context that ends up
// in the task's result payload.
type ExtraCarrier interface {
	TaskExtra() map[string]any
}

// Job is handed to every job body. It wraps the task row and its store
// and is the only way a body should touch task state.
type Job struct {
	Task  *model.Task
	store store.Store
}

func NewJob(task *model.Task, st store.Store) *Job {
	return &Job{Task: task, store: st}
}

// Args decodes the positional argument at index i into out.
func (j *Job) Args(i int, out any) error {
	if j.Task.Params == nil || i >= len(j.Task.Params.Args) {
		return fmt.Errorf("task %d has no positional arg %d", j.Task.ID, i)
	}
	return json.Unmarshal(j.Task.Params.Args[i], out)
}

// Kwarg decodes the keyword argument named key into out.
func (j *Job) Kwarg(key string, out any) error {
	if j.Task.Params == nil {
		return fmt.Errorf("task %d has no params", j.Task.ID)
	}
	raw, ok := j.Task.Params.Kwargs[key]
	if !ok {
		return fmt.Errorf("task %d has no kwarg %q", j.Task.ID, key)
	}
	return json.Unmarshal(raw, out)
}

// ReportProgress persists the progress fields and re-reads the kill flag
// from the store. The fresh read matters: the flag may have been set by
// a concurrent API call while the body was working. When the flag is
// set, the task is moved to KILLED, persisted, and ErrKilled is
// returned for the body to propagate upward.
//
// This is the only progress-reporting primitive; long jobs are expected
// to call it at every natural checkpoint (per row, per page).
func (j *Job) ReportProgress(ctx context.Context, progress, end int64, message string) error {
	if j.Task.Status.IsTerminal() {
		return ErrAlreadyFinished
	}
	j.Task.ProgressValue = progress
	if end > 0 {
		j.Task.EndValue = end
	}
	if message != "" {
		j.Task.ProgressMessage = message
	}
	if err := j.store.Update(ctx, j.Task); err != nil {
		return fmt.Errorf("persist progress for task %d: %w", j.Task.ID, err)
	}

	killed, err := j.store.ShouldBeKilled(ctx, j.Task.ID)
	if err != nil {
		return fmt.Errorf("read kill flag for task %d: %w", j.Task.ID, err)
	}
	if !killed {
		return nil
	}

	j.Task.ShouldBeKilled = true
	j.Task.Status = model.TaskKilled
	now := time.Now().UTC()
	j.Task.EndedAt = &now
	j.Task.Result = &model.Result{
		Result:              model.TaskKilled,
		Message:             "killed",
		LastProgressMessage: j.Task.ProgressMessage,
	}
	if err := j.store.Update(ctx, j.Task); err != nil {
		return fmt.Errorf("persist killed task %d: %w", j.Task.ID, err)
	}
	return ErrKilled
}

// ReportSuccess finalizes the task as SUCCESS.
func (j *Job) ReportSuccess(ctx context.Context, message string) error {
	return j.finalize(ctx, model.TaskSuccess, message, nil)
}

// ReportSuccessWithResult finalizes the task as SUCCESS and attaches a
// result artifact (a file path, a URL) for the caller to pick up.
func (j *Job) ReportSuccessWithResult(ctx context.Context, message string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal result data for task %d: %w", j.Task.ID, err)
	}
	return j.finalize(ctx, model.TaskSuccess, message, raw)
}

// TerminateWithError finalizes the task as ERRORED for a domain-level
// failure the body wants to report without returning an error itself.
func (j *Job) TerminateWithError(ctx context.Context, message string) error {
	return j.finalize(ctx, model.TaskErrored, message, nil)
}

func (j *Job) finalize(ctx context.Context, status model.TaskStatus, message string, data json.RawMessage) error {
	if j.Task.Status.IsTerminal() {
		return ErrAlreadyFinished
	}
	j.Task.Status = status
	now := time.Now().UTC()
	j.Task.EndedAt = &now
	j.Task.Result = &model.Result{
		Result:  status,
		Message: message,
		Data:    data,
	}
	if err := j.store.Update(ctx, j.Task); err != nil {
		return fmt.Errorf("finalize task %d: %w", j.Task.ID, err)
	}
	return nil
}
