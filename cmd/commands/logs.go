package commands

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"

	wsclient "github.com/doctrine-review/inkwell/clients/ws"
	"github.com/doctrine-review/inkwell/internal/gateway/ws"
	"github.com/doctrine-review/inkwell/internal/store"
)

// NewLogsCommand returns the logs subcommand.
func NewLogsCommand() *cli.Command {
	return &cli.Command{
		Name:      "logs",
		Usage:     "Show processing logs for a task",
		ArgsUsage: "<task-id>",
		Flags: append(serverFlags(),
			&cli.IntFlag{Name: "limit", Usage: "Max history entries (0 = server default)"},
			&cli.BoolFlag{Name: "follow", Aliases: []string{"f"}, Usage: "Stream live entries until the task finishes"},
		),
		Action: runLogs,
	}
}

func runLogs(ctx context.Context, cmd *cli.Command) error {
	id, err := taskID(cmd)
	if err != nil {
		return err
	}
	api := newAPIClient(cmd)

	var history struct {
		TaskID  string          `json:"task_id"`
		Entries []store.TaskLog `json:"entries"`
	}
	path := "/tasks/" + url.PathEscape(id) + "/logs/history"
	if n := cmd.Int("limit"); n > 0 {
		path += "?limit=" + strconv.Itoa(n)
	}
	if err := api.get(ctx, path, &history); err != nil {
		return err
	}
	for _, e := range history.Entries {
		printLogLine(e.Timestamp, string(e.Level), e.Module, e.Stage, e.Message)
	}
	if !cmd.Bool("follow") {
		return nil
	}

	client, err := wsclient.Dial(ctx, api.wsURL("/ws/task/"+url.PathEscape(id)+"/logs"), api.headers())
	if err != nil {
		return fmt.Errorf("connect log stream: %w", err)
	}
	defer client.Close()

	for {
		frame, err := client.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch frame.Type {
		case ws.FrameTypeLog:
			ts := time.Now()
			if frame.Timestamp != nil {
				ts = *frame.Timestamp
			}
			printLogLine(ts, string(frame.Level), frame.Module, frame.Stage, frame.Message)
		case ws.FrameTypeProgress:
			if frame.Progress != nil {
				printLogLine(time.Now(), "progress", frame.Module, frame.Stage, fmt.Sprintf("%.0f%%", *frame.Progress))
			}
		case ws.FrameTypeStatus:
			fmt.Printf("status: %s\n", frame.Status)
			if frame.Status.Terminal() {
				return nil
			}
		}
	}
}

func printLogLine(ts time.Time, level, module, stage, message string) {
	origin := module
	if stage != "" {
		origin += "/" + stage
	}
	fmt.Printf("%s %-8s [%s] %s\n", ts.Format("15:04:05"), level, origin, message)
}
