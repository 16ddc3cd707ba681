package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/doctrine-review/inkwell/internal/blob"
	"github.com/doctrine-review/inkwell/internal/docparse"
	"github.com/doctrine-review/inkwell/internal/queue"
	"github.com/doctrine-review/inkwell/internal/store"
)

// Deps is what the review tools need. UserUID is the acting identity
// for submissions; it is provisioned on first use.
type Deps struct {
	Store            *store.Store
	Queue            *queue.Service
	Blobs            blob.Store
	Parse            *docparse.Service
	UserUID          string
	UserCap          int   // default per-user concurrency for the acting user
	MaxFileSizeBytes int64 // 0 = unlimited
}

// NewServer builds the MCP server with the review tools registered.
func NewServer(deps Deps) *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "inkwell",
		Version: "0.1.0",
	}, nil)

	server.AddTool(toolDef("submit_review",
		"Submit a local document for AI review. Returns the queued task.",
		map[string]param{
			"file_path": {
				Type:        "string",
				Description: "Path to the document on this machine (.txt, .md, .docx, .pdf)",
				Required:    true,
			},
			"title": {
				Type:        "string",
				Description: "Task title; defaults to the file name",
			},
			"model_index": {
				Type:        "integer",
				Description: "Index into the configured model list; the default model when omitted",
			},
			"priority": {
				Type:        "integer",
				Description: "Queue priority, 1 (lowest) to 10 (highest)",
				Default:     5,
			},
		}), wrap(deps.submitReview))

	server.AddTool(toolDef("review_status",
		"Report the current status, progress, and issue count of a review task.",
		map[string]param{
			"task_id": {
				Type:        "string",
				Description: "Task id returned by submit_review",
				Required:    true,
			},
		}), wrap(deps.reviewStatus))

	server.AddTool(toolDef("list_issues",
		"List the issues a completed review found, optionally filtered by severity.",
		map[string]param{
			"task_id": {
				Type:        "string",
				Description: "Task id returned by submit_review",
				Required:    true,
			},
			"severity": {
				Type:        "string",
				Description: "Only issues of this severity",
				Enum:        []string{"critical", "high", "medium", "low"},
			},
		}), wrap(deps.listIssues))

	return server
}

// wrap adapts a typed tool function to the SDK handler shape. Domain
// errors become tool errors so the client model sees the message; only
// encoding problems surface as protocol errors.
func wrap[T any](fn func(ctx context.Context, args T) (any, error)) func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args T
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return toolError("arguments are not valid JSON: " + err.Error()), nil
			}
		}
		out, err := fn(ctx, args)
		if err != nil {
			slog.Debug("mcp: tool failed", "error", err)
			return toolError(err.Error()), nil
		}
		text, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return nil, err
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(text)}},
		}, nil
	}
}

func toolError(msg string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: msg}},
	}
}
