package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/doctrine-review/inkwell/internal/blob"
	"github.com/doctrine-review/inkwell/internal/config"
	"github.com/doctrine-review/inkwell/internal/docparse"
	inkwellmcp "github.com/doctrine-review/inkwell/internal/mcp"
	"github.com/doctrine-review/inkwell/internal/queue"
	"github.com/doctrine-review/inkwell/internal/store"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewMCPCommand returns the mcp subcommand.
func NewMCPCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Expose document review as an MCP server (stdio)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "user",
				Usage: "Account UID submissions run as (defaults to auth.admin_uid)",
			},
		},
		Action: runMCP,
	}
}

func runMCP(ctx context.Context, cmd *cli.Command) error {
	// Logging goes to stderr, stdout is the MCP stdio transport.
	level := slog.LevelWarn
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	configPath := cmd.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Debug("config not found, using defaults", "path", configPath, "error", err)
		cfg = config.Default()
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	qcfg, err := st.QueueConfig.Load(ctx, store.QueueConfig{
		MaxQueueLength:            cfg.Queue.MaxQueueLength,
		MaxRetries:                cfg.Queue.MaxRetries,
		QueueCheckIntervalSec:     cfg.Queue.QueueCheckIntervalSec,
		PriorityBoostThresholdSec: cfg.Queue.PriorityBoostThresholdSec,
	})
	if err != nil {
		return fmt.Errorf("load queue config: %w", err)
	}

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

	// Submissions land in the shared queue; a running serve process picks
	// them up. The MCP process itself runs no workers.
	uid := cmd.String("user")
	if uid == "" {
		uid = cfg.Auth.AdminUID
	}
	if uid == "" {
		uid = "mcp"
	}

	server := inkwellmcp.NewServer(inkwellmcp.Deps{
		Store:            st,
		Queue:            queue.New(st.Queue, *qcfg),
		Blobs:            blobs,
		Parse:            parse,
		UserUID:          uid,
		UserCap:          cfg.Governor.UserDefaultMaxConcurrentTasks,
		MaxFileSizeBytes: cfg.Pipeline.MaxFileSizeBytes,
	})

	slog.Debug("starting MCP server", "user", uid)
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}
