// conductor-worker runs the five typed-queue consumer pools (C11): runs,
// agents, webhooks, github_writes, and cleanup. It shares the same sqlite
// store and redis queue as the control plane but never serves HTTP beyond
// a metrics/health listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/agentcli"
	"github.com/conductor-sh/conductor/internal/config"
	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/forge"
	"github.com/conductor-sh/conductor/internal/metrics"
	"github.com/conductor-sh/conductor/internal/queue"
	"github.com/conductor-sh/conductor/internal/store"
	"github.com/conductor-sh/conductor/internal/worker"
	"github.com/conductor-sh/conductor/internal/worktree"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// agentConfig covers the one concern internal/config doesn't model: which
// external agent subprocess to invoke. It has no control-plane analogue,
// so it stays worker-local rather than growing config.Config for one binary.
type agentConfig struct {
	command []string
	timeout time.Duration
}

func loadAgentConfig() agentConfig {
	cfg := agentConfig{timeout: agentcli.DefaultTimeout}
	if cmd := os.Getenv("AGENT_COMMAND"); cmd != "" {
		cfg.command = append(cfg.command, cmd)
	}
	if extra := os.Getenv("AGENT_COMMAND_ARGS"); extra != "" {
		cfg.command = append(cfg.command, splitArgs(extra)...)
	}
	if v := os.Getenv("AGENT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.timeout = time.Duration(n) * time.Second
		}
	}
	return cfg
}

func splitArgs(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == ' ' {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

func main() {
	configPath := flag.String("config", "", "optional JSON config file (env vars always win)")
	listenAddr := flag.String("health-listen-addr", envOr("WORKER_HEALTH_LISTEN_ADDR", ":9091"), "health/metrics bind address")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	agentCfg := loadAgentConfig()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer s.Close()

	q, err := queue.Open(cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal("open queue", zap.Error(err))
	}
	defer q.Close()

	log := events.New(s, 256)
	worktrees := worktree.New(s, cfg.RepoStoreDir, logger)

	var forgeClient *forge.Client
	if cfg.GitHubAppID != "" && cfg.GitHubPrivateKey != "" {
		forgeClient, err = forge.New(forge.Config{AppID: cfg.GitHubAppID, PrivateKey: cfg.GitHubPrivateKey})
		if err != nil {
			logger.Fatal("build forge client", zap.Error(err))
		}
	} else {
		logger.Warn("no forge app credentials configured, github_writes jobs will fail")
	}

	var agents worker.AgentRunner
	if len(agentCfg.command) > 0 {
		agents = agentcli.New(s, agentcli.Config{Command: agentCfg.command, Timeout: agentCfg.timeout}, logger)
	} else {
		logger.Warn("no agent command configured, agent invocations will fail")
	}

	workerCfg := worker.DefaultConfig()
	if cfg.WorkerConcurrency > 0 {
		workerCfg.WebhooksConcurrency = cfg.WorkerConcurrency
		workerCfg.RunsConcurrency = cfg.WorkerConcurrency
		workerCfg.AgentsConcurrency = cfg.WorkerConcurrency
		workerCfg.GithubWritesConcurrency = cfg.WorkerConcurrency
	}
	if cfg.CompletedJobGrace > 0 {
		workerCfg.OldJobsCompletedGrace = cfg.CompletedJobGrace
	}
	if cfg.FailedJobGrace > 0 {
		workerCfg.OldJobsFailedGrace = cfg.FailedJobGrace
	}

	w := worker.New(log, q, worktrees, forgeClient, agents, workerCfg, logger)
	w.Start(ctx)
	go w.RunJanitor(ctx)
	go w.RunTimeoutSweepLoop(ctx, workerCfg.TimeoutSweepInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		fmt.Fprintln(rw, "ok")
	})
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /version", func(rw http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(rw, `{"version":"%s","commit":"%s","date":"%s"}`+"\n", version, commit, date)
	})

	srv := &http.Server{Addr: *listenAddr, Handler: mux, ReadTimeout: 15 * time.Second, WriteTimeout: 30 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server error", zap.Error(err))
		}
	}()

	logger.Info("conductor-worker started", zap.String("version", version), zap.String("health_listen_addr", *listenAddr))

	<-ctx.Done()
	logger.Info("shutting down worker...")
	w.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("health server shutdown error", zap.Error(err))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
