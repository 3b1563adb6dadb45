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

// Package jobs holds the built-in jobs shipped with the worker. The
// application's own jobs register the same way at startup.
package jobs

import (
	"context"
	"fmt"
	"time"

	"taskworker/src/registry"
	"taskworker/src/runner"
)

func RegisterAll(reg *registry.Registry) error {
	if err := reg.Register("demo", "countdown", "Countdown", Countdown); err != nil {
		return err
	}
	return reg.Register("demo", "echo", "Echo", Echo)
}

// Countdown ticks once per second for "seconds" steps, checkpointing at
// every tick. Useful to exercise progress reporting and operator kills.
func Countdown(ctx context.Context, job *runner.Job) error {
	var seconds int64
	if err := job.Kwarg("seconds", &seconds); err != nil {
		return err
	}
	for i := int64(1); i <= seconds; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
		if err := job.ReportProgress(ctx, i, seconds, fmt.Sprintf("counted %d of %d", i, seconds)); err != nil {
			return err
		}
	}
	return job.ReportSuccess(ctx, fmt.Sprintf("counted to %d", seconds))
}

// Echo finalizes with its first positional argument as the result data.
func Echo(ctx context.Context, job *runner.Job) error {
	var message string
	if err := job.Args(0, &message); err != nil {
		return err
	}
	return job.ReportSuccessWithResult(ctx, "echoed", message)
}
