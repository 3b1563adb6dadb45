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

package model

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskQueued  TaskStatus = "QUEUED"
	TaskRunning TaskStatus = "RUNNING"
	TaskSuccess TaskStatus = "SUCCESS"
	TaskErrored TaskStatus = "ERRORED"
	TaskKilled  TaskStatus = "KILLED"
)

// IsTerminal reports whether the status is final. A task never leaves a
// terminal status.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskSuccess || s == TaskErrored || s == TaskKilled
}

// Params is the serialized call stored on a task. Module and Method
// together form the registry key; Args and Kwargs are handed back to the
// job body untouched. A task must be runnable from its params alone.
type Params struct {
	Args   []json.RawMessage          `json:"args"`
	Kwargs map[string]json.RawMessage `json:"kwargs"`
	Module string                     `json:"module"`
	Method string                     `json:"method"`
}

// Result is the structured outcome payload written when a task reaches a
// terminal status.
type Result struct {
	Result              TaskStatus      `json:"result"`
	Message             string          `json:"message"`
	StackTrace          string          `json:"stack_trace,omitempty"`
	LastProgressMessage string          `json:"last_progress_message,omitempty"`
	Extra               map[string]any  `json:"extra,omitempty"`
	Data                json.RawMessage `json:"data,omitempty"`
}

type Task struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Account         string     `json:"account"`
	Launcher        string     `json:"launcher"`
	Params          *Params    `json:"params,omitempty"`
	Status          TaskStatus `json:"status"`
	ProgressMessage string     `json:"progress_message,omitempty"`
	ProgressValue   int64      `json:"progress_value"`
	EndValue        int64      `json:"end_value"`
	Result          *Result    `json:"result,omitempty"`
	ShouldBeKilled  bool       `json:"should_be_killed"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	QueueAnswer     string     `json:"queue_answer,omitempty"` // opaque handle from the queue backend, kept for tracing
}
