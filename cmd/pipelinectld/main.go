// pipelinectld is the orchestrator daemon. It owns the single active
// pipeline run's state, lock, and event bus; it does not serve a
// transport layer — control happens through whatever embeds the
// Facade (a CLI, a dashboard backend) directly — this binary doesn't
// expose HTTP or any other transport surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ironmark/pipelinectl/internal/config"
	"github.com/ironmark/pipelinectl/internal/objectstore"
	"github.com/ironmark/pipelinectl/internal/orchestrator"
	"github.com/ironmark/pipelinectl/internal/stagerunner"
)

// validateEnv checks that optional environment variables, if set, are at
// least well-formed, before any component is wired. Only the S3 variables
// are read again later (for the archive store); PIPELINECTL_LOCK_MAX_RUNTIME
// and PIPELINECTL_WATCHDOG_INTERVAL are checked here but not applied to the
// configuration.
func validateEnv() []string {
	var errs []string

	if v := os.Getenv("PIPELINECTL_S3_ENDPOINT"); v != "" {
		if _, err := url.Parse("http://" + v); err != nil {
			errs = append(errs, fmt.Sprintf("PIPELINECTL_S3_ENDPOINT=%q: must be a valid endpoint (%v)", v, err))
		}
	}
	for _, name := range []string{"PIPELINECTL_LOCK_MAX_RUNTIME", "PIPELINECTL_WATCHDOG_INTERVAL"} {
		if v := os.Getenv(name); v != "" {
			if _, err := time.ParseDuration(v); err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: must be a valid Go duration (%v)", name, v, err))
			}
		}
	}

	return errs
}

// warnDefaultCredentials logs a warning when S3-compatible archive
// storage is configured with well-known default credentials — safe for
// local development, dangerous left unchanged in production.
func warnDefaultCredentials() {
	if os.Getenv("PIPELINECTL_S3_ACCESS_KEY") == "minioadmin" || os.Getenv("PIPELINECTL_S3_SECRET_KEY") == "minioadmin" {
		slog.Warn("archive store S3 credentials are set to default values (minioadmin) — change these for production deployments")
	}
}

// buildArchiveStore wires an optional S3-compatible archive store from
// environment variables. Returns nil (archiving disabled) if no
// endpoint is configured — archiving is an optional feature, never
// required for the orchestrator to run.
func buildArchiveStore(ctx context.Context) objectstore.Store {
	endpoint := os.Getenv("PIPELINECTL_S3_ENDPOINT")
	if endpoint == "" {
		return nil
	}
	store, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("PIPELINECTL_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("PIPELINECTL_S3_SECRET_KEY"),
		Bucket:    os.Getenv("PIPELINECTL_S3_BUCKET"),
	})
	if err != nil {
		slog.Error("failed to connect to archive store, archiving disabled", "error", err)
		return nil
	}
	return store
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if errs := validateEnv(); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("invalid environment configuration", "detail", e)
		}
		os.Exit(1)
	}
	warnDefaultCredentials()

	cfg, err := config.Load(config.ResolvePath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	archiveStore := buildArchiveStore(ctx)

	facade := orchestrator.New(cfg, orchestrator.Deps{
		Executor:     stagerunner.NewCommandExecutor(cfg),
		Validator:    stagerunner.NewOutputValidator(cfg),
		ArchiveStore: archiveStore,
	})

	if err := facade.Start(ctx); err != nil {
		slog.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}
	slog.Info("pipelinectld started", "root", cfg.Root, "scheduler_audit_file", facade.ScheduleAuditFile())

	<-ctx.Done()
	slog.Info("received shutdown signal, stopping orchestrator")

	if err := facade.Stop(); err != nil {
		slog.Error("orchestrator stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("pipelinectld shutdown complete")
}
