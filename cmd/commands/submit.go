package commands

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/doctrine-review/inkwell/internal/store"
)

// NewSubmitCommand returns the submit subcommand.
func NewSubmitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Submit one or more documents for review",
		ArgsUsage: "<file> [file...]",
		Flags: append(serverFlags(),
			&cli.StringFlag{Name: "title", Usage: "Task title (single file only, defaults to the filename)"},
			&cli.IntFlag{Name: "model", Usage: "Model index from the configured registry", Value: -1},
			&cli.IntFlag{Name: "priority", Usage: "Queue priority 1-10", Value: 5},
		),
		Action: runSubmit,
	}
}

func runSubmit(ctx context.Context, cmd *cli.Command) error {
	paths := cmd.Args().Slice()
	if len(paths) == 0 {
		return fmt.Errorf("at least one file required")
	}
	if len(paths) > 1 && cmd.IsSet("title") {
		return fmt.Errorf("--title only applies to a single file")
	}
	api := newAPIClient(cmd)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	field := "file"
	if len(paths) > 1 {
		field = "files"
	}
	for _, path := range paths {
		if err := addFilePart(mw, field, path); err != nil {
			return err
		}
	}
	if v := cmd.String("title"); v != "" {
		mw.WriteField("title", v)
	}
	if cmd.Int("model") >= 0 {
		mw.WriteField("model_index", strconv.Itoa(cmd.Int("model")))
	}
	mw.WriteField("priority", strconv.Itoa(cmd.Int("priority")))
	if err := mw.Close(); err != nil {
		return err
	}

	if len(paths) == 1 {
		var task store.Task
		if err := api.do(ctx, http.MethodPost, "/tasks/", &buf, mw.FormDataContentType(), &task); err != nil {
			return err
		}
		fmt.Printf("task %s queued: %s\n", task.ID, task.Title)
		return nil
	}

	var tasks []store.Task
	if err := api.do(ctx, http.MethodPost, "/tasks/batch", &buf, mw.FormDataContentType(), &tasks); err != nil {
		return err
	}
	for _, t := range tasks {
		fmt.Printf("task %s queued: %s\n", t.ID, t.Title)
	}
	return nil
}

func addFilePart(mw *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	part, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}
