package models

import (
	"context"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	ub "github.com/cloudwego/eino/utils/callbacks"

	"github.com/doctrine-review/inkwell/internal/logbus"
	"github.com/doctrine-review/inkwell/internal/store"
)

// NewBusHandler creates an eino callback handler that narrates model
// calls into the task's log stream. The task ID travels in the context.
func NewBusHandler(bus *logbus.Bus) callbacks.Handler {
	publish := func(ctx context.Context, level store.LogLevel, msg string, meta map[string]any) {
		taskID := logbus.TaskIDFromContext(ctx)
		if taskID == "" {
			return
		}
		bus.Publish(ctx, taskID, logbus.Entry{
			Level:    level,
			Module:   "ai",
			Stage:    "detect",
			Message:  msg,
			Metadata: meta,
		})
	}

	modelHandler := &ub.ModelCallbackHandler{
		OnStart: func(ctx context.Context, info *callbacks.RunInfo, input *model.CallbackInput) context.Context {
			publish(ctx, store.LevelDebug, "model request", map[string]any{
				"model":    info.Name,
				"messages": len(input.Messages),
			})
			return ctx
		},

		OnEnd: func(ctx context.Context, info *callbacks.RunInfo, output *model.CallbackOutput) context.Context {
			meta := map[string]any{"model": info.Name}
			if output.Message != nil && output.Message.ResponseMeta != nil && output.Message.ResponseMeta.Usage != nil {
				meta["tokens_input"] = output.Message.ResponseMeta.Usage.PromptTokens
				meta["tokens_output"] = output.Message.ResponseMeta.Usage.CompletionTokens
			}
			publish(ctx, store.LevelDebug, "model response", meta)
			return ctx
		},

		OnError: func(ctx context.Context, info *callbacks.RunInfo, err error) context.Context {
			publish(ctx, store.LevelWarning, "model call failed", map[string]any{
				"model": info.Name,
				"error": err.Error(),
			})
			return ctx
		},
	}

	return ub.NewHandlerHelper().
		ChatModel(modelHandler).
		Handler()
}
