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
	"encoding/json"
	"sync"
	"time"

	"taskworker/src/model"
)

// Memory is an in-process Store used by tests and by the synchronous
// queue backend in small deployments. It copies tasks on the way in and
// out so callers observe the same snapshot semantics as a database row.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*model.Task
}

func NewMemory() *Memory {
	return &Memory{nextID: 1, tasks: make(map[int64]*model.Task)}
}

func (m *Memory) Insert(ctx context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.ID = m.nextID
	m.nextID++
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *Memory) Update(ctx context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	// An out-of-band kill must not be lost to a stale in-memory copy.
	if m.tasks[t.ID].ShouldBeKilled {
		t.ShouldBeKilled = true
	}
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *Memory) Get(ctx context.Context, id int64) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(t), nil
}

func (m *Memory) Claim(ctx context.Context, id int64, startedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.Status != model.TaskQueued {
		return false, nil
	}
	t.Status = model.TaskRunning
	at := startedAt.UTC()
	t.StartedAt = &at
	return true, nil
}

func (m *Memory) ShouldBeKilled(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	return t.ShouldBeKilled, nil
}

func (m *Memory) RequestKill(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.ShouldBeKilled = true
	return nil
}

func (m *Memory) ClearKill(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.ShouldBeKilled = false
	return nil
}

func (m *Memory) PendingIDs(ctx context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id := int64(1); id < m.nextID; id++ {
		if t, ok := m.tasks[id]; ok && t.Status == model.TaskQueued {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *Memory) LastTask(ctx context.Context) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := m.nextID - 1; id >= 1; id-- {
		if t, ok := m.tasks[id]; ok {
			return cloneTask(t), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var recovered int64
	for _, t := range m.tasks {
		if t.Status == model.TaskRunning && t.StartedAt != nil && t.StartedAt.Before(cutoff) {
			t.Status = model.TaskErrored
			now := time.Now().UTC()
			t.EndedAt = &now
			t.Result = &model.Result{
				Result:  model.TaskErrored,
				Message: "worker crashed or task timed out",
			}
			recovered++
		}
	}
	return recovered, nil
}

func (m *Memory) GlobalStats(ctx context.Context) (GlobalStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var gs GlobalStats
	var execTotal float64
	var execCount int
	for _, t := range m.tasks {
		gs.TotalTasks++
		switch t.Status {
		case model.TaskQueued:
			gs.QueuedTasks++
		case model.TaskRunning:
			gs.RunningTasks++
		case model.TaskSuccess:
			gs.SucceededTasks++
		case model.TaskErrored:
			gs.ErroredTasks++
		case model.TaskKilled:
			gs.KilledTasks++
		}
		if t.Status == model.TaskSuccess && t.StartedAt != nil && t.EndedAt != nil {
			execTotal += t.EndedAt.Sub(*t.StartedAt).Seconds()
			execCount++
			if t.EndedAt.After(time.Now().Add(-time.Hour)) {
				gs.ThroughputTasks++
			}
		}
	}
	if execCount > 0 {
		gs.AvgExecutionSec = execTotal / float64(execCount)
	}
	return gs, nil
}

func (m *Memory) Notify(ctx context.Context, channel, payload string) error {
	return nil
}

func cloneTask(t *model.Task) *model.Task {
	c := *t
	if t.Params != nil {
		p := *t.Params
		p.Args = append([]json.RawMessage(nil), t.Params.Args...)
		if t.Params.Kwargs != nil {
			p.Kwargs = make(map[string]json.RawMessage, len(t.Params.Kwargs))
			for k, v := range t.Params.Kwargs {
				p.Kwargs[k] = v
			}
		}
		c.Params = &p
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.EndedAt != nil {
		v := *t.EndedAt
		c.EndedAt = &v
	}
	return &c
}
