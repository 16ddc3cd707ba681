package ws

import (
	"encoding/json"
	"time"

	"github.com/doctrine-review/inkwell/internal/store"
)

// FrameType represents the type of WebSocket frame.
type FrameType string

const (
	FrameTypeConnection FrameType = "connection"
	FrameTypeLog        FrameType = "log"
	FrameTypeProgress   FrameType = "progress"
	FrameTypeStatus     FrameType = "status"
)

// Close reasons carried to the client alongside the close code.
const (
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonSlowConsumer     = "slow_consumer"
)

// CloseHeartbeatTimeout is the application close code for a missed pong.
const CloseHeartbeatTimeout = 4000

// Frame is the server-to-client envelope on the task log stream.
type Frame struct {
	Type      FrameType        `json:"type"`
	TaskID    string           `json:"task_id"`
	EntryID   int64            `json:"entry_id,omitempty"`
	Timestamp *time.Time       `json:"timestamp,omitempty"`
	Level     store.LogLevel   `json:"level,omitempty"`
	Module    string           `json:"module,omitempty"`
	Stage     string           `json:"stage,omitempty"`
	Message   string           `json:"message,omitempty"`
	Metadata  json.RawMessage  `json:"metadata,omitempty"`
	Progress  *float64         `json:"progress,omitempty"`
	Status    store.TaskStatus `json:"status,omitempty"`
}

// ConnectionFrame is the greeting sent on a successful upgrade.
func ConnectionFrame(taskID string) Frame {
	return Frame{Type: FrameTypeConnection, TaskID: taskID}
}

// LogFrame converts a stored log row into its wire shape.
func LogFrame(row store.TaskLog) Frame {
	ts := row.Timestamp
	f := Frame{
		Type:      FrameTypeLog,
		TaskID:    row.TaskID,
		EntryID:   row.Seq,
		Timestamp: &ts,
		Level:     row.Level,
		Module:    row.Module,
		Stage:     row.Stage,
		Message:   row.Message,
	}
	if row.Metadata != "" && json.Valid([]byte(row.Metadata)) {
		f.Metadata = json.RawMessage(row.Metadata)
	}
	return f
}

// ProgressFrame carries a throttled progress update.
func ProgressFrame(row store.TaskLog) Frame {
	return Frame{
		Type:     FrameTypeProgress,
		TaskID:   row.TaskID,
		EntryID:  row.Seq,
		Stage:    row.Stage,
		Progress: row.Progress,
	}
}

// StatusFrame announces a task state transition.
func StatusFrame(taskID string, status store.TaskStatus) Frame {
	return Frame{Type: FrameTypeStatus, TaskID: taskID, Status: status}
}

// FrameFor picks the wire shape for a stored row: progress rows become
// progress frames, everything else a log frame.
func FrameFor(row store.TaskLog) Frame {
	if row.Level == store.LevelProgress && row.Progress != nil {
		return ProgressFrame(row)
	}
	return LogFrame(row)
}

// Marshal serializes a Frame to JSON bytes.
func Marshal(f Frame) ([]byte, error) {
	return json.Marshal(f)
}
