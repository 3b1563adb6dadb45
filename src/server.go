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
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"taskworker/src/logging"
	"taskworker/src/model"
	"taskworker/src/queue"
	"taskworker/src/store"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// StatusResponse for JSON output
type StatusResponse struct {
	ID              string      `json:"id"`
	StartTime       time.Time   `json:"start_time"`
	Uptime          string      `json:"uptime"`
	TasksProcessed  uint64      `json:"tasks_processed"`
	TasksSuccessful uint64      `json:"tasks_successful"`
	TasksFailed     uint64      `json:"tasks_failed"`
	TasksKilled     uint64      `json:"tasks_killed"`
	CurrentTask     *model.Task `json:"current_task,omitempty"`
}

// WorkerStats tracks the internal state of the worker
type WorkerStats struct {
	mu             sync.RWMutex
	statusResponse StatusResponse
}

func NewWorkerStats() *WorkerStats {
	return &WorkerStats{
		statusResponse: StatusResponse{
			StartTime: time.Now(),
		},
	}
}

func (s *WorkerStats) SetWorkerID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.ID = id
}

// TaskFinished records one execution outcome; the registry calls it
// after every task, whatever the terminal state.
func (s *WorkerStats) TaskFinished(t *model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.TasksProcessed++
	switch t.Status {
	case model.TaskSuccess:
		s.statusResponse.TasksSuccessful++
	case model.TaskErrored:
		s.statusResponse.TasksFailed++
	case model.TaskKilled:
		s.statusResponse.TasksKilled++
	}
	s.statusResponse.CurrentTask = nil

	logging.UpdateSpanValue("worker_tasks_total", float64(s.statusResponse.TasksProcessed))
	logging.UpdateSpanValue("worker_tasks_succeeded", float64(s.statusResponse.TasksSuccessful))
	logging.UpdateSpanValue("worker_tasks_failed", float64(s.statusResponse.TasksFailed))
	logging.UpdateSpanValue("worker_tasks_killed", float64(s.statusResponse.TasksKilled))
	logging.UpdateSpanValue("worker_tasks_error_rate",
		float64(s.statusResponse.TasksFailed)/float64(s.statusResponse.TasksProcessed))
}

// GetStats returns the current statistics as a response struct
func (s *WorkerStats) GetStats() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := s.statusResponse
	resp.Uptime = time.Since(s.statusResponse.StartTime).Truncate(time.Second).String()
	return resp
}

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	env   *env
	stats *WorkerStats
}

// StartAPIServer starts the HTTP server with graceful shutdown and OTel
func StartAPIServer(port string, e *env, workerStats *WorkerStats) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := logging.SetupOTelSDK(context.Background())
	if err != nil {
		return fmt.Errorf("failed to setup OTel SDK: %w", err)
	}
	defer func() {
		// Ensure OTel flushes spans before exiting
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()

	srv := &APIServer{env: e, stats: workerStats}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks/run", srv.runHandler)
	mux.HandleFunc("POST /tasks/cron", srv.cronHandler)
	mux.HandleFunc("POST /tasks/run-all", srv.runAllHandler)
	mux.HandleFunc("POST /tasks/{id}/kill", srv.killHandler)
	mux.HandleFunc("GET /tasks/{id}", srv.getTaskHandler)
	mux.HandleFunc("GET /status", srv.statusHandler)
	mux.HandleFunc("GET /global-status", srv.globalStatusHandler)

	otelHandler := otelhttp.NewHandler(mux, "taskworker-api-server")

	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: otelHandler,
	}

	serverErr := make(chan error, 1)
	go func() {
		fmt.Printf("API Server starting on :%s\n", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		fmt.Println("\nShutdown signal received, closing server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		fmt.Println("Server exited cleanly")
	}

	return nil
}

// runHandler executes one task message synchronously. The managed queue
// infrastructure calls this once per delivered message; when the call
// fails, retry policy belongs to that infrastructure.
func (s *APIServer) runHandler(w http.ResponseWriter, r *http.Request) {
	var msg queue.TaskMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid task message", http.StatusBadRequest)
		return
	}
	task, err := s.env.reg.Run(r.Context(), msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, task)
}

// cronHandler runs a job named in the X-Task-Name header with no
// arguments; the scheduler infrastructure sends only the dotted name.
func (s *APIServer) cronHandler(w http.ResponseWriter, r *http.Request) {
	name := r.Header.Get("X-Task-Name")
	module, method, ok := strings.Cut(name, ".")
	if !ok {
		http.Error(w, "X-Task-Name must be module.method", http.StatusBadRequest)
		return
	}
	task, err := s.env.reg.Run(r.Context(), queue.TaskMessage{Module: module, Method: method})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, task)
}

// runAllHandler drains the queue in-process. Debug only.
func (s *APIServer) runAllHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.env.q.RunAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"processed": n})
}

// killHandler sets the kill flag; the task only dies at its next
// cooperative checkpoint.
func (s *APIServer) killHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	if err := s.env.st.RequestKill(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "kill requested"})
}

func (s *APIServer) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	task, err := s.env.st.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, task)
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.stats.GetStats())
}

func (s *APIServer) globalStatusHandler(w http.ResponseWriter, r *http.Request) {
	gs, err := s.env.st.GlobalStats(r.Context())
	if err != nil {
		http.Error(w, "Failed to query system stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, gs)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
