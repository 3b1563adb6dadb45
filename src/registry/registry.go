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

// Package registry maps job names to job functions and drives both
// execution paths: Submit persists a task and hands it to the queue,
// Execute runs the job body synchronously against an existing task.
//
// Jobs are registered explicitly at startup, so the set of valid jobs
// is statically enumerable and a message naming an unregistered job is
// just an errored task, not a resolution failure deep in the worker.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"taskworker/src/logging"
	"taskworker/src/model"
	"taskworker/src/queue"
	"taskworker/src/runner"
	"taskworker/src/store"
)

// JobFunc is the signature every job body implements. The body reads
// its arguments from the job, checkpoints through ReportProgress, and
// either finalizes itself through a reporter or returns an error.
type JobFunc func(ctx context.Context, job *runner.Job) error

// Principal identifies who launches a task and which tenant owns it.
type Principal struct {
	User    string
	Account string
}

// Observer is notified after every execution, whatever the outcome.
// The worker's stats endpoint hangs off this.
type Observer interface {
	TaskFinished(t *model.Task)
}

type entry struct {
	taskName string
	fn       JobFunc
}

// Registry holds the job table plus its injected collaborators. The
// queue is attached after construction because the database-backed
// queue needs the registry as its executor.
type Registry struct {
	store    store.Store
	queue    queue.Queue
	observer Observer

	mu   sync.RWMutex
	jobs map[string]entry
}

func New(st store.Store) *Registry {
	return &Registry{store: st, jobs: make(map[string]entry)}
}

func (r *Registry) UseQueue(q queue.Queue) { r.queue = q }

func (r *Registry) SetObserver(o Observer) { r.observer = o }

// Register adds a job under "module.method". It fails fast on an empty
// or duplicate key: a job that cannot be resolved by name later must
// not be registerable now.
func (r *Registry) Register(module, method, taskName string, fn JobFunc) error {
	if module == "" || method == "" {
		return fmt.Errorf("job registration requires module and method, got %q.%q", module, method)
	}
	if fn == nil {
		return fmt.Errorf("job %s.%s registered with nil function", module, method)
	}
	key := module + "." + method
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.jobs[key]; dup {
		return fmt.Errorf("job %s already registered", key)
	}
	r.jobs[key] = entry{taskName: taskName, fn: fn}
	return nil
}

func (r *Registry) lookup(module, method string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[module+"."+method]
	return e, ok
}

// Submit creates a QUEUED task for the named job and enqueues it. No
// job body code runs on this path; callers only ever see QUEUED and
// must poll the task to learn its terminal state.
func (r *Registry) Submit(ctx context.Context, module, method string, principal Principal, args []any, kwargs map[string]any) (*model.Task, error) {
	e, ok := r.lookup(module, method)
	if !ok {
		return nil, fmt.Errorf("no job registered as %s.%s", module, method)
	}
	if principal.User == "" {
		return nil, errors.New("submit requires a launching user")
	}
	if r.queue == nil {
		return nil, errors.New("registry has no queue attached")
	}

	params, err := encodeParams(module, method, args, kwargs)
	if err != nil {
		return nil, err
	}
	task := &model.Task{
		Name:     e.taskName,
		Account:  principal.Account,
		Launcher: principal.User,
		Params:   params,
		Status:   model.TaskQueued,
	}
	if err := r.store.Insert(ctx, task); err != nil {
		return nil, fmt.Errorf("persist task for %s.%s: %w", module, method, err)
	}

	handle, err := r.queue.Enqueue(ctx, queue.MessageFor(task))
	if err != nil {
		return nil, fmt.Errorf("enqueue task %d: %w", task.ID, err)
	}
	task.QueueAnswer = handle
	if err := r.store.Update(ctx, task); err != nil {
		return nil, fmt.Errorf("persist queue handle for task %d: %w", task.ID, err)
	}
	return task, nil
}

// Run resolves a queue message to its task and executes it. A message
// without a task id (the cron callback path) gets a bare task created
// for it first, so every execution leaves a persisted record.
func (r *Registry) Run(ctx context.Context, msg queue.TaskMessage) (*model.Task, error) {
	var task *model.Task
	var err error
	if msg.TaskID != 0 {
		task, err = r.store.Get(ctx, msg.TaskID)
		if err != nil {
			return nil, fmt.Errorf("load task %d: %w", msg.TaskID, err)
		}
	} else {
		task = &model.Task{
			Launcher: "scheduler",
			Status:   model.TaskQueued,
			Params: &model.Params{
				Args:   msg.Args,
				Kwargs: msg.Kwargs,
				Module: msg.Module,
				Method: msg.Method,
			},
		}
		if err := r.store.Insert(ctx, task); err != nil {
			return nil, fmt.Errorf("persist scheduled task %s.%s: %w", msg.Module, msg.Method, err)
		}
	}
	return r.Execute(ctx, task)
}

// Execute runs the job body for an existing task, synchronously in the
// calling process, and finalizes the record whatever happens. The
// returned task is terminal unless it was already claimed elsewhere.
func (r *Registry) Execute(ctx context.Context, task *model.Task) (*model.Task, error) {
	if task.Params == nil {
		return nil, fmt.Errorf("task %d has no params to run", task.ID)
	}
	e, ok := r.lookup(task.Params.Module, task.Params.Method)
	if !ok {
		// An unresolvable job reference degrades to an ordinary errored
		// task; there is nothing to retry until the job gets registered.
		r.finalizeError(ctx, task,
			fmt.Errorf("no job registered as %s.%s", task.Params.Module, task.Params.Method), nil)
		return task, nil
	}

	// A task launched out of band carries no name; stamp it before the
	// body runs so progress reads show something meaningful.
	if task.Name == "" && e.taskName != "" {
		task.Name = e.taskName
		if err := r.store.Update(ctx, task); err != nil {
			return nil, fmt.Errorf("backfill name for task %d: %w", task.ID, err)
		}
	}

	now := time.Now().UTC()
	claimed, err := r.store.Claim(ctx, task.ID, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		logging.Log(fmt.Sprintf("task %d not claimable (status %s), skipping", task.ID, task.Status), slog.LevelWarn)
		return task, nil
	}
	task.Status = model.TaskRunning
	task.StartedAt = &now

	spanCtx, span := logging.StartTaskSpan(ctx, task.Params.Module+"."+task.Params.Method, task.ID)
	defer span.End()

	job := runner.NewJob(task, r.store)
	stack, err := r.invoke(spanCtx, e.fn, job)

	switch {
	case err == nil:
		// A body that never called a reporter still finished fine.
		if !task.Status.IsTerminal() {
			if rerr := job.ReportSuccess(spanCtx, ""); rerr != nil {
				logging.Log(fmt.Sprintf("default success for task %d: %v", task.ID, rerr), slog.LevelError)
			}
		}
	case errors.Is(err, runner.ErrKilled):
		// The checkpoint already persisted KILLED, but that write may
		// have happened inside a transaction the body rolled back on its
		// way out. Re-persist the in-memory state so KILLED survives.
		task.Status = model.TaskKilled
		if task.EndedAt == nil {
			ended := time.Now().UTC()
			task.EndedAt = &ended
		}
		if uerr := r.store.Update(ctx, task); uerr != nil {
			logging.Log(fmt.Sprintf("re-persist killed task %d: %v", task.ID, uerr), slog.LevelError)
		}
		logging.Log(fmt.Sprintf("task %d killed at %q", task.ID, task.ProgressMessage), slog.LevelWarn)
	default:
		r.finalizeError(spanCtx, task, err, stack)
	}

	if r.observer != nil {
		r.observer.TaskFinished(task)
	}
	return task, nil
}

// invoke runs the body and folds panics into the error path, keeping
// the stack from the panic site.
func (r *Registry) invoke(ctx context.Context, fn JobFunc, job *runner.Job) (stack []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%v", rec)
			stack = debug.Stack()
		}
	}()
	err = fn(ctx, job)
	return stack, err
}

func (r *Registry) finalizeError(ctx context.Context, task *model.Task, jobErr error, stack []byte) {
	if stack == nil {
		stack = debug.Stack()
	}
	result := &model.Result{
		Result:              model.TaskErrored,
		Message:             jobErr.Error(),
		StackTrace:          string(stack),
		LastProgressMessage: task.ProgressMessage,
	}
	var ec runner.ExtraCarrier
	if errors.As(jobErr, &ec) {
		result.Extra = ec.TaskExtra()
	}
	task.Status = model.TaskErrored
	ended := time.Now().UTC()
	task.EndedAt = &ended
	task.Result = result
	task.ProgressMessage = jobErr.Error()
	if err := r.store.Update(ctx, task); err != nil {
		logging.Log(fmt.Sprintf("persist errored task %d: %v", task.ID, err), slog.LevelError)
	}
	logging.Log(fmt.Sprintf("task %d errored: %v", task.ID, jobErr), slog.LevelError)

	// Fire and forget: the error sink must never affect finalization.
	func() {
		defer func() { _ = recover() }()
		logging.CaptureException(ctx, jobErr)
	}()
}

func encodeParams(module, method string, args []any, kwargs map[string]any) (*model.Params, error) {
	p := &model.Params{Module: module, Method: method}
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal arg %d: %w", i, err)
		}
		p.Args = append(p.Args, raw)
	}
	if len(kwargs) > 0 {
		p.Kwargs = make(map[string]json.RawMessage, len(kwargs))
		for k, v := range kwargs {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("marshal kwarg %q: %w", k, err)
			}
			p.Kwargs[k] = raw
		}
	}
	return p, nil
}
