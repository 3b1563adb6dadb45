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
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/lib/pq"
	"github.com/spf13/cobra"

	"taskworker/src/jobs"
	"taskworker/src/logging"
	"taskworker/src/queue"
	"taskworker/src/registry"
	"taskworker/src/store"
)

func main() {
	// .env is optional outside development.
	_ = godotenv.Load()

	var configPath string
	root := &cobra.Command{
		Use:          "taskworker",
		Short:        "Asynchronous task dispatch and worker execution for the platform",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/default.yaml", "config file")

	root.AddCommand(
		runCmd(&configPath),
		runTaskCmd(&configPath),
		rerunLastCmd(&configPath),
		serveCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env bundles the wired collaborators every command needs.
type env struct {
	db  *sql.DB
	st  store.Store
	reg *registry.Registry
	q   queue.Queue
	cfg Config
}

func buildEnv(cfg Config) (*env, error) {
	db, err := sql.Open("postgres", databaseDSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	st := store.NewSQLStore(db)
	reg := registry.New(st)
	if err := jobs.RegisterAll(reg); err != nil {
		db.Close()
		return nil, fmt.Errorf("register jobs: %w", err)
	}

	var q queue.Queue
	switch cfg.Queue.Backend {
	case "asynq":
		q = queue.NewAsynqQueue(asynq.RedisClientOpt{Addr: redisAddr()})
	default:
		q = queue.NewDatabaseQueue(st, reg, cfg.Worker.NotifyChannel)
	}
	reg.UseQueue(q)

	return &env{db: db, st: st, reg: reg, q: q, cfg: cfg}, nil
}

func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the worker loop (single instance only)",
		Long: "Listens for task notifications and drains the queue until killed.\n" +
			"Not safe to run more than one instance against the same database: the\n" +
			"claim guard makes a duplicate execution a no-op, but nothing balances\n" +
			"work between instances.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return runWorker(cfg)
		},
	}
}

func runWorker(cfg Config) error {
	e, err := buildEnv(cfg)
	if err != nil {
		return err
	}
	defer e.db.Close()

	workerID := uuid.New().String()
	fmt.Printf("Starting worker with UUID: %s\n", workerID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats := NewWorkerStats()
	stats.SetWorkerID(workerID)
	e.reg.SetObserver(stats)
	go StartAPIServer(cfg.HTTP.Port, e, stats)

	logging.InitializeFloatCounter("worker_tasks_total", "Total number of tasks run by the worker", "Task")
	logging.InitializeFloatCounter("worker_tasks_failed", "Number of failed tasks", "Task")
	logging.InitializeFloatCounter("worker_tasks_succeeded", "Number of succeeded tasks", "Task")
	logging.InitializeFloatCounter("worker_tasks_killed", "Number of killed tasks", "Task")
	logging.InitializeFloatCounter("worker_tasks_error_rate", "Error rate of tasks", "%")

	if cfg.Queue.Backend == "asynq" {
		return runAsynqWorker(ctx, e)
	}

	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			fmt.Printf("Listener error: %v\n", err)
		}
	}
	listener := pq.NewListener(databaseDSN(), 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(cfg.Worker.NotifyChannel); err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Worker.NotifyChannel, err)
	}
	defer listener.Close()

	ticker := time.NewTicker(cfg.Worker.PollInterval)
	defer ticker.Stop()

	logging.Log("Worker started. Waiting for tasks (LISTEN/NOTIFY + fallback polling)...", slog.LevelInfo)

	// Initial catch-up on anything enqueued while no worker was running.
	recoverAndDrain(ctx, e)

	for {
		select {
		case <-ctx.Done():
			logging.Log("Shutting down worker gracefully...", slog.LevelInfo)
			return nil
		case <-ticker.C:
			// Fallback poll covers missed notifications.
			drain(ctx, e)
		case <-listener.Notify:
			logging.Log("Received notification, checking for tasks...", slog.LevelInfo)
			flushNotifications(listener)
			recoverAndDrain(ctx, e)
		}
	}
}

// runAsynqWorker hands draining to the managed queue's own server; each
// delivery lands in the registry through the queue handler.
func runAsynqWorker(ctx context.Context, e *env) error {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: redisAddr()},
		asynq.Config{Concurrency: 1, Queues: map[string]int{"default": 1}},
	)
	mux := asynq.NewServeMux()
	mux.Handle(queue.TypeRunTask, queue.Handler(e.reg))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(mux) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logging.Log("Shutting down worker gracefully...", slog.LevelInfo)
		srv.Shutdown()
		return nil
	}
}

func recoverAndDrain(ctx context.Context, e *env) {
	if n, err := e.st.RecoverStale(ctx, e.cfg.Worker.StaleAfter); err != nil {
		logging.Log(fmt.Sprintf("Error recovering stale tasks: %v", err), slog.LevelError)
	} else if n > 0 {
		logging.Log(fmt.Sprintf("Recovered %d stale tasks (marked as errored)", n), slog.LevelInfo)
	}
	drain(ctx, e)
}

func drain(ctx context.Context, e *env) {
	n, err := e.q.RunAll(ctx)
	if err != nil {
		logging.Log(fmt.Sprintf("Error draining tasks: %v", err), slog.LevelError)
		return
	}
	if n > 0 {
		logging.Log(fmt.Sprintf("Processed %d tasks", n), slog.LevelInfo)
	}
}

// flushNotifications empties the listener buffer so a burst of enqueues
// triggers one drain pass, not one per message.
func flushNotifications(listener *pq.Listener) {
	for {
		select {
		case <-listener.Notify:
		default:
			return
		}
	}
}
