package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/doctrine-review/inkwell/internal/heartbeat"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show server liveness, task statistics, and concurrency",
		Flags:  serverFlags(),
		Action: runStatus,
	}
}

type loadLine struct {
	Used int `json:"used"`
	Cap  int `json:"cap"`
}

func runStatus(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	status, hb, err := heartbeat.Check(cfg.Heartbeat.Path, 2*time.Minute)
	if err != nil {
		return fmt.Errorf("check heartbeat: %w", err)
	}
	switch status {
	case heartbeat.StatusAlive:
		fmt.Printf("Server: ALIVE (PID %d, %d workers, up %s)\n", hb.PID, hb.Workers, hb.Uptime)
	case heartbeat.StatusStale:
		fmt.Printf("Server: STALE (PID %d, last heartbeat %s)\n", hb.PID, humanize.Time(hb.Timestamp))
	default:
		fmt.Println("Server: NOT RUNNING")
		return nil
	}

	api := newAPIClient(cmd)

	var stats map[string]int64
	if err := api.get(ctx, "/tasks/statistics", &stats); err != nil {
		return fmt.Errorf("fetch statistics: %w", err)
	}
	fmt.Println("\nTasks:")
	for _, name := range []string{"pending", "queued", "processing", "completed", "failed", "cancelled"} {
		fmt.Printf("  %-12s %d\n", name, stats[name])
	}

	var conc struct {
		System loadLine `json:"system"`
		User   loadLine `json:"user"`
	}
	if err := api.get(ctx, "/tasks/concurrency-status", &conc); err != nil {
		return fmt.Errorf("fetch concurrency: %w", err)
	}
	fmt.Printf("\nConcurrency: system %d/%d, you %d/%d\n",
		conc.System.Used, conc.System.Cap, conc.User.Used, conc.User.Cap)
	return nil
}
