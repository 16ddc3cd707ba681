package commands

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/doctrine-review/inkwell/internal/store"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Manage review tasks",
		Flags: serverFlags(),
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "Filter by status"},
					&cli.StringFlag{Name: "search", Usage: "Filter by title substring"},
					&cli.IntFlag{Name: "page", Usage: "Page number", Value: 1},
					&cli.IntFlag{Name: "page-size", Usage: "Tasks per page", Value: 20},
				},
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show one task in detail",
				ArgsUsage: "<task-id>",
				Action:    runTasksShow,
			},
			{
				Name:      "retry",
				Usage:     "Requeue a failed task",
				ArgsUsage: "<task-id>",
				Action:    runTasksRetry,
			},
			{
				Name:      "delete",
				Usage:     "Delete a task and its results",
				ArgsUsage: "<task-id>",
				Action:    runTasksDelete,
			},
			{
				Name:      "report",
				Usage:     "Download the review report as an .xlsx file",
				ArgsUsage: "<task-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Destination file"},
				},
				Action: runTasksReport,
			},
		},
		DefaultCommand: "list",
	}
}

type taskPage struct {
	Items    []store.Task `json:"items"`
	Total    int64        `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
	HasNext  bool         `json:"has_next"`
}

func runTasksList(ctx context.Context, cmd *cli.Command) error {
	api := newAPIClient(cmd)

	q := url.Values{}
	q.Set("page", strconv.Itoa(cmd.Int("page")))
	q.Set("page_size", strconv.Itoa(cmd.Int("page-size")))
	if v := cmd.String("status"); v != "" {
		q.Set("status", v)
	}
	if v := cmd.String("search"); v != "" {
		q.Set("search", v)
	}

	var page taskPage
	if err := api.get(ctx, "/tasks/paginated?"+q.Encode(), &page); err != nil {
		return err
	}
	if len(page.Items) == 0 {
		fmt.Println("No tasks.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tTITLE")
	for _, t := range page.Items {
		fmt.Fprintf(w, "%s\t%s\t%.0f%%\t%s\n", t.ID, t.Status, t.Progress, t.Title)
	}
	w.Flush()
	fmt.Printf("\npage %d, %d of %d tasks", page.Page, len(page.Items), page.Total)
	if page.HasNext {
		fmt.Printf(" (more with --page %d)", page.Page+1)
	}
	fmt.Println()
	return nil
}

// taskID pulls the positional argument every task subcommand needs.
func taskID(cmd *cli.Command) (string, error) {
	id := cmd.Args().First()
	if id == "" {
		return "", fmt.Errorf("task id required")
	}
	return id, nil
}

func runTasksShow(ctx context.Context, cmd *cli.Command) error {
	id, err := taskID(cmd)
	if err != nil {
		return err
	}
	api := newAPIClient(cmd)

	var detail struct {
		store.Task
		IssueCount  int64             `json:"issue_count"`
		OutputCount int64             `json:"output_count"`
		Permission  store.Permission  `json:"permission"`
		Owner       bool              `json:"owner"`
		Shares      []store.TaskShare `json:"shares"`
	}
	if err := api.get(ctx, "/tasks/"+url.PathEscape(id), &detail); err != nil {
		return err
	}

	fmt.Printf("%-12s %s\n", "ID:", detail.ID)
	fmt.Printf("%-12s %s\n", "Title:", detail.Title)
	fmt.Printf("%-12s %s\n", "Status:", detail.Status)
	fmt.Printf("%-12s %.0f%%\n", "Progress:", detail.Progress)
	if detail.CurrentStage != "" {
		fmt.Printf("%-12s %s\n", "Stage:", detail.CurrentStage)
	}
	fmt.Printf("%-12s %d\n", "Issues:", detail.IssueCount)
	fmt.Printf("%-12s %s (owner: %t)\n", "Access:", detail.Permission, detail.Owner)
	fmt.Printf("%-12s %s\n", "Created:", detail.CreatedAt.Format("2006-01-02 15:04:05"))
	if detail.CompletedAt != nil {
		fmt.Printf("%-12s %s\n", "Completed:", detail.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	if detail.ErrorMessage != "" {
		fmt.Printf("%-12s %s\n", "Error:", detail.ErrorMessage)
	}
	for _, sh := range detail.Shares {
		fmt.Printf("%-12s %s (%s)\n", "Shared with:", sh.SharedWith, sh.Permission)
	}
	return nil
}

func runTasksRetry(ctx context.Context, cmd *cli.Command) error {
	id, err := taskID(cmd)
	if err != nil {
		return err
	}
	api := newAPIClient(cmd)

	var task store.Task
	if err := api.post(ctx, "/tasks/"+url.PathEscape(id)+"/retry", nil, &task); err != nil {
		return err
	}
	fmt.Printf("task %s requeued (status: %s)\n", task.ID, task.Status)
	return nil
}

func runTasksDelete(ctx context.Context, cmd *cli.Command) error {
	id, err := taskID(cmd)
	if err != nil {
		return err
	}
	api := newAPIClient(cmd)

	if err := api.del(ctx, "/tasks/"+url.PathEscape(id)); err != nil {
		return err
	}
	fmt.Printf("task %s deleted\n", id)
	return nil
}

func runTasksReport(ctx context.Context, cmd *cli.Command) error {
	id, err := taskID(cmd)
	if err != nil {
		return err
	}
	api := newAPIClient(cmd)

	dest := cmd.String("output")
	if dest == "" {
		dest = id + ".xlsx"
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := api.download(ctx, "/tasks/"+url.PathEscape(id)+"/report", f); err != nil {
		os.Remove(dest)
		return err
	}
	fmt.Printf("report written to %s\n", dest)
	return nil
}
