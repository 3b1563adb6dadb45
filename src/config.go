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
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config maps configs/default.yaml. Credentials stay out of the file
// and come from the environment (.env in development).
type Config struct {
	Worker struct {
		PollInterval  time.Duration `yaml:"poll_interval"`
		NotifyChannel string        `yaml:"notify_channel"`
		StaleAfter    time.Duration `yaml:"stale_after"`
	} `yaml:"worker"`

	HTTP struct {
		Port string `yaml:"port"`
	} `yaml:"http"`

	Queue struct {
		// Backend selects who carries task messages: "database" (the
		// task table plus LISTEN/NOTIFY) or "asynq" (managed Redis).
		Backend string `yaml:"backend"`
	} `yaml:"queue"`
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	cfg.Worker.PollInterval = 30 * time.Second
	cfg.Worker.NotifyChannel = "tasks_updated"
	cfg.Worker.StaleAfter = time.Hour
	cfg.HTTP.Port = "8080"
	cfg.Queue.Backend = "database"

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// databaseDSN assembles the Postgres connection string from the
// environment. Enable SSL for production.
func databaseDSN() string {
	return fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=%s",
		os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD"), os.Getenv("DB_NAME"),
		os.Getenv("DB_HOST"), os.Getenv("DB_PORT"), sslMode())
}

func sslMode() string {
	if m := os.Getenv("DB_SSLMODE"); m != "" {
		return m
	}
	return "require"
}

func redisAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}
