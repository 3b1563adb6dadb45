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

// Package queue abstracts the durable queue that carries task messages
// from the enqueueing process to whatever process executes them. The
// only hard delivery guarantee is at-least-once; ordering across tasks
// is best effort.
package queue

import (
	"context"
	"encoding/json"

	"taskworker/src/model"
)

// TaskMessage is the wire payload for one task. Module and Method
// resolve the job in the registry; TaskID points at the persisted row.
type TaskMessage struct {
	Module string                     `json:"module"`
	Method string                     `json:"method"`
	Args   []json.RawMessage          `json:"args"`
	Kwargs map[string]json.RawMessage `json:"kwargs"`
	TaskID int64                      `json:"task_id"`
}

// MessageFor builds the wire payload for a persisted task.
func MessageFor(t *model.Task) TaskMessage {
	msg := TaskMessage{TaskID: t.ID}
	if t.Params != nil {
		msg.Module = t.Params.Module
		msg.Method = t.Params.Method
		msg.Args = t.Params.Args
		msg.Kwargs = t.Params.Kwargs
	}
	return msg
}

// Executor resolves and runs one task message. Implemented by the job
// registry; the indirection keeps the queue backends free of job
// resolution concerns.
type Executor interface {
	Run(ctx context.Context, msg TaskMessage) (*model.Task, error)
}

// Queue is the durable queue boundary. Enqueue must not silently drop a
// message; the returned handle is stored on the task for traceability.
type Queue interface {
	Enqueue(ctx context.Context, msg TaskMessage) (string, error)

	// RunAll synchronously drains every ready message in the calling
	// process and returns the number processed. The database and sync
	// backends support it; the managed backend does not, since draining
	// belongs to its own server there.
	RunAll(ctx context.Context) (int, error)
}
