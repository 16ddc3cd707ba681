package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/doctrine-review/inkwell/internal/blob"
	"github.com/doctrine-review/inkwell/internal/config"
	"github.com/doctrine-review/inkwell/internal/docparse"
	"github.com/doctrine-review/inkwell/internal/gateway"
	"github.com/doctrine-review/inkwell/internal/governor"
	"github.com/doctrine-review/inkwell/internal/heartbeat"
	"github.com/doctrine-review/inkwell/internal/logbus"
	"github.com/doctrine-review/inkwell/internal/logging"
	"github.com/doctrine-review/inkwell/internal/models"
	"github.com/doctrine-review/inkwell/internal/pipeline"
	"github.com/doctrine-review/inkwell/internal/queue"
	"github.com/doctrine-review/inkwell/internal/recovery"
	"github.com/doctrine-review/inkwell/internal/secrets"
	"github.com/doctrine-review/inkwell/internal/store"
	"github.com/doctrine-review/inkwell/internal/sweeper"
	"github.com/doctrine-review/inkwell/internal/workers"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the inkwell server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (overrides config)",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Worker pool size (overrides config)",
			},
		},
		Action: runServe,
	}
}

// loadConfig resolves the --config flag. A missing file falls back to
// defaults with a warning; a malformed or invalid file is a hard error.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	path := cmd.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn("config not found, using defaults", "path", path)
			return config.Default(), nil
		}
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.IsSet("addr") {
		cfg.Server.Addr = cmd.String("addr")
	}
	if cmd.IsSet("workers") {
		cfg.Workers.WorkerPoolSize = cmd.Int("workers")
	}
	if cmd.Bool("debug") {
		cfg.Logging.Level = "debug"
	}

	logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	// Decrypt ENC[age:...] values before anything reads them.
	keeper := secrets.NewKeeper(cfg.Secrets.IdentityFile)
	if cfg.Auth.JWTSecret, err = keeper.Reveal(cfg.Auth.JWTSecret); err != nil {
		return fmt.Errorf("reveal jwt secret: %w", err)
	}
	if cfg.Storage.S3.SecretKey, err = keeper.Reveal(cfg.Storage.S3.SecretKey); err != nil {
		return fmt.Errorf("reveal s3 secret key: %w", err)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Queue tuning lives in the database; config seeds the row on first
	// boot and the stored values win afterwards.
	qcfg, err := st.QueueConfig.Load(ctx, store.QueueConfig{
		MaxQueueLength:            cfg.Queue.MaxQueueLength,
		MaxRetries:                cfg.Queue.MaxRetries,
		QueueCheckIntervalSec:     cfg.Queue.QueueCheckIntervalSec,
		PriorityBoostThresholdSec: cfg.Queue.PriorityBoostThresholdSec,
	})
	if err != nil {
		return fmt.Errorf("load queue config: %w", err)
	}

	if cfg.Auth.AdminUID != "" {
		if _, err := st.Users.EnsureByUID(ctx, cfg.Auth.AdminUID, cfg.Auth.AdminName, cfg.Auth.AdminEmail,
			store.RoleSystemAdmin, cfg.Governor.UserDefaultMaxConcurrentTasks); err != nil {
			return fmt.Errorf("seed admin user: %w", err)
		}
	}

	// A missing seed file is fine once models are already in the database;
	// the registry below rejects an empty set either way.
	switch rows, err := models.LoadSeed(cfg.Models.SeedFile); {
	case err == nil:
		if err := st.Models.Seed(ctx, rows); err != nil {
			return fmt.Errorf("seed models: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
		slog.Warn("model seed file not found", "path", cfg.Models.SeedFile)
	default:
		return fmt.Errorf("load model seed: %w", err)
	}
	modelRows, err := st.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	registry, err := models.NewRegistry(modelRows, cfg.Models.DefaultKey, keeper)
	if err != nil {
		return fmt.Errorf("model registry: %w", err)
	}
	slog.Info("models ready", "count", len(modelRows), "default", registry.DefaultKey())

	blobs, err := blob.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}

	parse, err := docparse.New(docparse.Config{
		MaxFileSizeBytes: cfg.Pipeline.MaxFileSizeBytes,
		CacheEntries:     cfg.Pipeline.ParseCacheEntries,
		CacheDir:         cfg.Pipeline.ParseCacheDir,
	})
	if err != nil {
		return fmt.Errorf("document parser: %w", err)
	}

	bus := logbus.New(st.Logs, cfg.LogBus)
	defer bus.Close()

	gov := governor.New(cfg.Governor, cfg.Database.UserDBConnLimit)

	// Reconcile whatever the previous process left behind before any
	// worker can claim new work.
	rec := recovery.New(st.Queue, st.Tasks, qcfg.MaxRetries, st.Issues, st.Outputs, st.Logs)
	report, err := rec.Run(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if report.Requeued+report.Exhausted+report.Reconciled > 0 || report.OrphansDeleted > 0 {
		slog.Info("recovery complete",
			"requeued", report.Requeued,
			"exhausted", report.Exhausted,
			"reconciled", report.Reconciled,
			"orphans_deleted", report.OrphansDeleted)
	}

	analyzer, err := models.NewAnalyzer(registry, models.NewBusHandler(bus))
	if err != nil {
		return fmt.Errorf("analyzer: %w", err)
	}

	pipe := pipeline.New(pipeline.Deps{
		Tasks:    st.Tasks,
		Files:    st.Files,
		Models:   st.Models,
		Outputs:  st.Outputs,
		Commit:   st,
		Blobs:    blobs,
		Parser:   parse,
		Detector: analyzer,
		Bus:      bus,
	}, cfg.Pipeline)

	qsvc := queue.New(st.Queue, *qcfg)

	pool := workers.New(workers.Deps{
		Queue:    qsvc,
		Tasks:    st.Tasks,
		Users:    st.Users,
		Governor: gov,
		Runner:   pipe,
		Bus:      bus,
	}, cfg.Workers, cfg.Governor.UserDefaultMaxConcurrentTasks)
	pool.Start()

	sweep := sweeper.New(qsvc)
	if err := sweep.Start(); err != nil {
		pool.Stop()
		return fmt.Errorf("queue sweeper: %w", err)
	}

	hb := heartbeat.NewWriter(cfg.Heartbeat.Path, cfg.Heartbeat.Interval.Duration(),
		cfg.Workers.WorkerPoolSize, version)
	hb.Start()

	srv := gateway.NewServer(cfg, gateway.Deps{
		Store:    st,
		Queue:    qsvc,
		Governor: gov,
		Bus:      bus,
		Pool:     pool,
		Blobs:    blobs,
		Parse:    parse,
	})
	if err := srv.Start(); err != nil {
		hb.Stop()
		sweep.Stop()
		pool.Stop()
		return err
	}

	slog.Info("inkwell ready",
		"addr", cfg.Server.Addr,
		"workers", cfg.Workers.WorkerPoolSize,
		"driver", cfg.Database.Driver,
		"pid", os.Getpid())

	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop intake first so no request lands on a draining pool, then the
	// workers, then the periodic jobs.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("gateway shutdown", "error", err)
	}
	pool.Stop()
	sweep.Stop()
	hb.Stop()
	return nil
}
