// Package config provides configuration loading for the control plane.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all control plane and worker configuration.
type Config struct {
	// ListenAddr is the control-plane HTTP bind address.
	ListenAddr string `json:"listen_addr"`

	// DatabasePath is the SQLite database file (env DATABASE_PATH).
	DatabasePath string `json:"database_path"`
	// RepoStoreDir is the root directory under which
	// <projectId>/<repoId>/ bare clones and run worktrees live.
	RepoStoreDir string `json:"repo_store_dir"`

	// RedisURL is the job queue backend (env REDIS_URL).
	RedisURL string `json:"redis_url"`
	// WorkerConcurrency is the default per-queue consumer concurrency
	// (env WORKER_CONCURRENCY, 1..100).
	WorkerConcurrency int `json:"worker_concurrency"`

	GitHubAppID        string `json:"github_app_id"`
	GitHubPrivateKey   string `json:"github_private_key"`
	GitHubWebhookSecret string `json:"github_webhook_secret"`
	GitHubClientID     string `json:"github_client_id"`
	GitHubClientSecret string `json:"github_client_secret"`

	// DatabaseEncryptionKey, if set, enables at-rest encryption of
	// stored forge tokens (env DATABASE_ENCRYPTION_KEY, optional).
	DatabaseEncryptionKey string `json:"database_encryption_key,omitempty"`

	// SigningKey is the HMAC secret for OAuth state payloads; its bytes
	// are used as given, not hex-decoded (32+ bytes recommended).
	SigningKey string `json:"signing_key"`

	// Environment affects dev-mode defaults (env ENVIRONMENT / NODE_ENV).
	// "development" allows unsigned webhooks and relaxed cookie flags.
	Environment string `json:"environment"`

	SessionLifetime time.Duration `json:"-"`

	LogLevel string `json:"log_level"`

	ExternalURL string `json:"external_url,omitempty"`

	// CompletedJobGrace and FailedJobGrace control the default retention
	// windows used by the cleanup:old_jobs handler (§4.11).
	CompletedJobGrace time.Duration `json:"-"`
	FailedJobGrace    time.Duration `json:"-"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		DatabasePath:      "./conductor.db",
		RepoStoreDir:      "./data/repos",
		RedisURL:          "redis://localhost:6379",
		WorkerConcurrency: 1,
		Environment:       "production",
		LogLevel:          "info",
		SessionLifetime:   24 * time.Hour,
		CompletedJobGrace: 7 * 24 * time.Hour,
		FailedJobGrace:    30 * 24 * time.Hour,
	}
}

// Load reads configuration from an optional JSON file, then
// overlays environment variables (env vars always win).
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("REPO_STORE_DIR"); v != "" {
		cfg.RepoStoreDir = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			if n < 1 {
				n = 1
			}
			if n > 100 {
				n = 100
			}
			cfg.WorkerConcurrency = n
		}
	}
	if v := os.Getenv("GITHUB_APP_ID"); v != "" {
		cfg.GitHubAppID = v
	}
	if v := os.Getenv("GITHUB_PRIVATE_KEY"); v != "" {
		cfg.GitHubPrivateKey = v
	}
	if v := os.Getenv("GITHUB_WEBHOOK_SECRET"); v != "" {
		cfg.GitHubWebhookSecret = v
	}
	if v := os.Getenv("GITHUB_CLIENT_ID"); v != "" {
		cfg.GitHubClientID = v
	}
	if v := os.Getenv("GITHUB_CLIENT_SECRET"); v != "" {
		cfg.GitHubClientSecret = v
	}
	if v := os.Getenv("DATABASE_ENCRYPTION_KEY"); v != "" {
		cfg.DatabaseEncryptionKey = v
	}
	if v := os.Getenv("SIGNING_KEY"); v != "" {
		cfg.SigningKey = v
	}
	if v := firstNonEmpty(os.Getenv("ENVIRONMENT"), os.Getenv("NODE_ENV")); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("EXTERNAL_URL"); v != "" {
		cfg.ExternalURL = v
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// IsDevelopment reports whether dev-mode relaxations apply (§7: accept
// unsigned webhooks only in development; relaxed cookie Secure flag).
func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development") || strings.EqualFold(c.Environment, "dev")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
