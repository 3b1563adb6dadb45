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
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

// GlobalStats matches the /global-status response from the worker API.
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

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

func main() {
	count := flag.Int("count", 100, "Number of tasks to inject")
	job := flag.String("job", "demo.echo", "Registered job to run (module.method)")
	dbHost := flag.String("db_host", "localhost", "Database host")
	apiHost := flag.String("api_host", "localhost", "Worker API host")
	apiPort := flag.String("api_port", "8080", "Worker API port")
	flag.Parse()

	// Load DB config from .env or defaults
	_ = godotenv.Load("../../.env")
	dbUser := os.Getenv("DB_USER")
	dbPass := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")
	if dbUser == "" { dbUser = "user" }
	if dbPass == "" { dbPass = "password" }
	if dbName == "" { dbName = "taskworker" }

	connStr := fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=5432 sslmode=require",
		dbUser, dbPass, dbName, *dbHost)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		fmt.Printf("%sFailed to connect to DB: %v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Printf("\n%s%s >> TASKWORKER LOAD RUN << %s%s\n", colorCyan, colorBold,
		fmt.Sprintf("JOB: %s x%d", *job, *count), colorReset)

	// Get Baseline Stats
	initialStats, err := getGlobalStats(*apiHost, *apiPort)
	if err != nil {
		fmt.Printf("%s[WARN]%s Could not get initial stats: %v. Metrics might be absolute.\n", colorYellow, colorReset, err)
	}

	// Inject QUEUED rows straight into the task table. The worker's
	// fallback poll picks them up whether or not a NOTIFY fires.
	if err := injectTasks(db, *job, *count); err != nil {
		fmt.Printf("%s[ERR]%s Failed to inject tasks: %v\n", colorRed, colorReset, err)
		os.Exit(1)
	}
	fmt.Printf("%s[OK]%s %d tasks injected.\n\n", colorGreen, colorReset, *count)

	// Monitor Progress
	startTime := time.Now()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	fmt.Printf("%s%-10s %-12s %-10s %-10s %-10s%s\n", colorGray+colorBold, "ELAPSED", "SUCCEEDED", "ERRORED", "RUNNING", "QUEUED", colorReset)
	fmt.Println(colorGray + "------------------------------------------------------------" + colorReset)

	for range ticker.C {
		stats, err := getGlobalStats(*apiHost, *apiPort)

		elapsed := time.Since(startTime).Round(time.Second).String()

		if err != nil {
			fmt.Printf("\r%-10s %s%-42s%s",
				elapsed,
				colorRed, "Error: Connection Refused (Retrying...)", colorReset,
			)
			continue
		}

		deltaSucceeded := stats.SucceededTasks - initialStats.SucceededTasks
		deltaErrored := stats.ErroredTasks - initialStats.ErroredTasks

		statusColor := colorGreen
		if deltaErrored > 0 {
			statusColor = colorRed
		}

		fmt.Printf("\r%-10s %s%-12d%s %s%-10d%s %s%-10d%s %-10d",
			elapsed,
			colorGreen, deltaSucceeded, colorReset,
			statusColor, deltaErrored, colorReset,
			colorYellow, stats.RunningTasks, colorReset,
			stats.QueuedTasks,
		)

		if stats.RunningTasks == 0 && stats.QueuedTasks == 0 && deltaSucceeded+deltaErrored >= *count {
			fmt.Printf("\n%s------------------------------------------------------------%s\n", colorGray, colorReset)
			fmt.Printf("\n%s%s Load run completed. %s%s\n", colorGreen, colorBold, "✓", colorReset)
			printReport(stats, initialStats, time.Since(startTime))
			break
		}
	}
}

// injectTasks inserts QUEUED rows for the given job directly into the
// task table, one statement per row to mimic independent submitters.
func injectTasks(db *sql.DB, job string, count int) error {
	module, method, ok := strings.Cut(job, ".")
	if !ok || module == "" || method == "" {
		return fmt.Errorf("job must be module.method, got %q", job)
	}

	params, err := json.Marshal(map[string]any{
		"args":   []any{fmt.Sprintf("load-%d", time.Now().Unix())},
		"module": module,
		"method": method,
	})
	if err != nil {
		return err
	}

	for i := 0; i < count; i++ {
		_, err := db.Exec(`
			INSERT INTO tasks (name, account, launcher, params, status, created_at)
			VALUES ($1, $2, $3, $4, 'QUEUED', NOW())`,
			job, "bench", "benchmark", params)
		if err != nil {
			return err
		}
	}
	return nil
}

func getGlobalStats(host, port string) (GlobalStats, error) {
	resp, err := http.Get(fmt.Sprintf("http://%s:%s/global-status", host, port))
	if err != nil {
		return GlobalStats{}, err
	}
	defer resp.Body.Close()

	var stats GlobalStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return GlobalStats{}, err
	}
	return stats, nil
}

func printReport(final, initial GlobalStats, duration time.Duration) {
	totalProcessed := (final.SucceededTasks - initial.SucceededTasks) + (final.ErroredTasks - initial.ErroredTasks)
	tps := float64(totalProcessed) / duration.Seconds()

	successRate := 100.0
	if totalProcessed > 0 {
		successRate = (float64(final.SucceededTasks-initial.SucceededTasks) / float64(totalProcessed)) * 100
	}

	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)

	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset

	fmt.Printf(lineFmt+"\n", "Duration:", duration.Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt+"\n", "Total Tasks:", fmt.Sprintf("%d", totalProcessed))

	succeededStr := fmt.Sprintf("%d", final.SucceededTasks-initial.SucceededTasks)
	fmt.Printf(colorCyan+"┃"+"  %-22s "+colorGreen+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Succeeded:", succeededStr)

	erroredVal := final.ErroredTasks - initial.ErroredTasks
	erroredColor := colorGreen
	if erroredVal > 0 {
		erroredColor = colorRed
	}
	fmt.Printf(colorCyan+"┃"+"  %-22s "+erroredColor+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Errored:", fmt.Sprintf("%d", erroredVal))

	fmt.Printf(lineFmt+"\n", "Success Rate:", fmt.Sprintf("%.2f%%", successRate))
	fmt.Printf(lineFmt+"\n", "Throughput (TPS):", fmt.Sprintf("%.2f tasks/sec", tps))
	fmt.Printf(lineFmt+"\n", "Avg Latency:", fmt.Sprintf("%.2f ms", final.AvgExecutionSec*1000))
	fmt.Printf(lineFmt+"\n", "Hourly Capacity:", fmt.Sprintf("%.1f tasks/hr", final.ThroughputTasks))

	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}
