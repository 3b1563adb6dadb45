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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"taskworker/src/model"
)

// runTaskCmd executes one job synchronously, right now, bypassing the
// queue. A bare task record is created so the run leaves the same audit
// trail as a queued execution.
func runTaskCmd(configPath *string) *cobra.Command {
	var module, method, argsJSON, kwargsJSON, user, account string
	cmd := &cobra.Command{
		Use:   "run-task",
		Short: "Run one job synchronously, bypassing the queue",
		RunE: func(cmd *cobra.Command, cliArgs []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			e, err := buildEnv(cfg)
			if err != nil {
				return err
			}
			defer e.db.Close()

			params := &model.Params{Module: module, Method: method}
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &params.Args); err != nil {
					return fmt.Errorf("parse --args: %w", err)
				}
			}
			if kwargsJSON != "" {
				if err := json.Unmarshal([]byte(kwargsJSON), &params.Kwargs); err != nil {
					return fmt.Errorf("parse --kwargs: %w", err)
				}
			}

			task := &model.Task{
				Account:  account,
				Launcher: user,
				Status:   model.TaskQueued,
				Params:   params,
			}
			ctx := context.Background()
			if err := e.st.Insert(ctx, task); err != nil {
				return fmt.Errorf("persist task: %w", err)
			}

			final, err := e.reg.Execute(ctx, task)
			if err != nil {
				return err
			}
			return printTask(final)
		},
	}
	cmd.Flags().StringVar(&module, "module", "", "job module name")
	cmd.Flags().StringVar(&method, "method", "", "job method name")
	cmd.Flags().StringVar(&argsJSON, "args", "", "positional args as a JSON array")
	cmd.Flags().StringVar(&kwargsJSON, "kwargs", "", "keyword args as a JSON object")
	cmd.Flags().StringVar(&user, "user", "cli", "launching user")
	cmd.Flags().StringVar(&account, "account", "", "owning account")
	cmd.MarkFlagRequired("module")
	cmd.MarkFlagRequired("method")
	return cmd
}

// rerunLastCmd re-queues the most recent task and drains the queue.
// This is the explicit external action that moves a task out of a
// terminal state; nothing inside the core does that on its own.
func rerunLastCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rerun-last",
		Short: "Reset the most recent task to QUEUED and run it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			e, err := buildEnv(cfg)
			if err != nil {
				return err
			}
			defer e.db.Close()

			ctx := context.Background()
			task, err := e.st.LastTask(ctx)
			if err != nil {
				return fmt.Errorf("load last task: %w", err)
			}

			if task.ShouldBeKilled {
				if err := e.st.ClearKill(ctx, task.ID); err != nil {
					return fmt.Errorf("clear kill flag on task %d: %w", task.ID, err)
				}
			}
			task.Status = model.TaskQueued
			task.ShouldBeKilled = false
			task.Result = nil
			task.StartedAt = nil
			task.EndedAt = nil
			task.ProgressMessage = ""
			task.ProgressValue = 0
			if err := e.st.Update(ctx, task); err != nil {
				return fmt.Errorf("requeue task %d: %w", task.ID, err)
			}

			if _, err := e.q.RunAll(ctx); err != nil {
				return err
			}
			final, err := e.st.Get(ctx, task.ID)
			if err != nil {
				return err
			}
			return printTask(final)
		},
	}
}

// serveCmd runs the HTTP API without the worker loop, for deployments
// where the managed queue calls back per message.
func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the task API (queue callbacks, status, kill)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			e, err := buildEnv(cfg)
			if err != nil {
				return err
			}
			defer e.db.Close()

			stats := NewWorkerStats()
			e.reg.SetObserver(stats)
			return StartAPIServer(cfg.HTTP.Port, e, stats)
		},
	}
}

func printTask(t *model.Task) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(t)
}
