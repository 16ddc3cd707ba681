// Package store provides relational persistence for inkwell over an
// embedded (sqlite) or server (postgres) engine behind one logical schema.
// Other components talk to repositories, never to raw SQL.
package store

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role grants a user its concurrency budget and admin capabilities.
type Role string

const (
	RoleSystemAdmin Role = "system_admin"
	RoleAdmin       Role = "admin"
	RoleUser        Role = "user"
)

// DefaultMaxConcurrent returns the concurrency budget for a role; the
// plain-user value comes from configuration.
func (r Role) DefaultMaxConcurrent(userDefault int) int {
	switch r {
	case RoleSystemAdmin:
		return 100
	case RoleAdmin:
		return 50
	default:
		return userDefault
	}
}

// TaskStatus is the lifecycle state of a review task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// QueueStatus is the lifecycle state of a queue entry.
type QueueStatus string

const (
	QueueQueued     QueueStatus = "queued"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// IssueType classifies a detected issue.
type IssueType string

const (
	IssueGrammar      IssueType = "grammar"
	IssueLogic        IssueType = "logic"
	IssueCompleteness IssueType = "completeness"
	IssueOther        IssueType = "other"
)

// Severity ranks a detected issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Feedback is the user's verdict on an issue. Empty means unset.
type Feedback string

const (
	FeedbackAccept Feedback = "accept"
	FeedbackReject Feedback = "reject"
	FeedbackUnset  Feedback = ""
)

// LogLevel labels a task log entry.
type LogLevel string

const (
	LevelDebug    LogLevel = "DEBUG"
	LevelInfo     LogLevel = "INFO"
	LevelWarning  LogLevel = "WARNING"
	LevelError    LogLevel = "ERROR"
	LevelProgress LogLevel = "PROGRESS"
)

// Permission is the capability level granted by a task share.
type Permission string

const (
	PermReadOnly     Permission = "read_only"
	PermFeedbackOnly Permission = "feedback_only"
	PermFullAccess   Permission = "full_access"
)

// User is an account created on first login or seeded at init.
type User struct {
	ID                 string    `gorm:"primaryKey;size:36" json:"id"`
	UID                string    `gorm:"uniqueIndex;size:190" json:"uid"`
	Name               string    `json:"name"`
	Email              string    `gorm:"size:190" json:"email"`
	Role               Role      `gorm:"size:32;default:user" json:"role"`
	MaxConcurrentTasks int       `json:"max_concurrent_tasks"`
	CreatedAt          time.Time `json:"created_at"`
}

// IsSystemAdmin reports whether the user bypasses share checks.
func (u *User) IsSystemAdmin() bool { return u.Role == RoleSystemAdmin }

// AIModel is a configured provider entry, read-only at runtime.
type AIModel struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Key       string    `gorm:"uniqueIndex;size:190" json:"key"`
	Provider  string    `gorm:"size:64" json:"provider"`
	Config    string    `gorm:"type:text" json:"config"` // opaque JSON blob
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
}

// FileInfo is a content-addressed upload shared by reference.
type FileInfo struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	SHA256       string    `gorm:"uniqueIndex;size:64" json:"sha256"`
	Path         string    `json:"path"`
	OriginalName string    `json:"original_name"`
	Size         int64     `json:"size"`
	MIME         string    `gorm:"size:128" json:"mime"`
	CreatedAt    time.Time `json:"created_at"`
}

// Task is a single document review job. It exclusively owns its child
// rows; deleting a task cascades to them.
type Task struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	UserID       string     `gorm:"index;size:36" json:"user_id"`
	FileInfoID   string     `gorm:"index;size:36" json:"file_info_id"`
	AIModelID    string     `gorm:"size:36" json:"ai_model_id"`
	Title        string     `json:"title"`
	Status       TaskStatus `gorm:"index;size:32;default:pending" json:"status"`
	Progress     float64    `json:"progress"`
	CurrentStage string     `gorm:"size:64" json:"current_stage"`
	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `gorm:"index" json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	User     *User     `gorm:"foreignKey:UserID" json:"user,omitempty"`
	FileInfo *FileInfo `gorm:"foreignKey:FileInfoID" json:"file_info,omitempty"`
	AIModel  *AIModel  `gorm:"foreignKey:AIModelID" json:"ai_model,omitempty"`

	Issues   []Issue     `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Outputs  []AIOutput  `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Logs     []TaskLog   `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Shares   []TaskShare `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	QueueRow *QueueEntry `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// QueueEntry is the durable queue row. Exactly one per active task.
type QueueEntry struct {
	ID                   string      `gorm:"primaryKey;size:36" json:"id"`
	TaskID               string      `gorm:"uniqueIndex;size:36" json:"task_id"`
	UserID               string      `gorm:"index;size:36" json:"user_id"`
	Priority             int         `gorm:"default:5" json:"priority"` // 1..10
	Status               QueueStatus `gorm:"index;size:32;default:queued" json:"status"`
	WorkerID             string      `gorm:"size:64" json:"worker_id,omitempty"`
	QueuedAt             time.Time   `gorm:"index" json:"queued_at"`
	StartedAt            *time.Time  `json:"started_at,omitempty"`
	CompletedAt          *time.Time  `json:"completed_at,omitempty"`
	Attempts             int         `json:"attempts"`
	MaxAttempts          int         `json:"max_attempts"`
	EstimatedDurationSec int         `json:"estimated_duration_sec"`
}

// QueueConfig is the single-row runtime tuning table, seeded from file
// config on first boot. Once present, the stored values win.
type QueueConfig struct {
	ID                        int       `gorm:"primaryKey" json:"id"`
	MaxQueueLength            int       `json:"max_queue_length"`
	MaxRetries                int       `json:"max_retries"`
	QueueCheckIntervalSec     int       `json:"queue_check_interval_sec"`
	PriorityBoostThresholdSec int       `json:"priority_boost_threshold_sec"`
	UpdatedAt                 time.Time `json:"updated_at"`
}

// Issue is a single finding reported by the Detect stage.
type Issue struct {
	ID                 string    `gorm:"primaryKey;size:36" json:"id"`
	TaskID             string    `gorm:"index;size:36" json:"task_id"`
	Type               IssueType `gorm:"size:32" json:"type"`
	Severity           Severity  `gorm:"size:32" json:"severity"`
	Title              string    `json:"title"`
	Description        string    `gorm:"type:text" json:"description"`
	OriginalText       string    `gorm:"type:text" json:"original_text,omitempty"`
	UserImpact         string    `gorm:"type:text" json:"user_impact,omitempty"`
	Reasoning          string    `gorm:"type:text" json:"reasoning,omitempty"`
	LocationHint       string    `json:"location_hint,omitempty"`
	UserFeedback       Feedback  `gorm:"size:16" json:"user_feedback"`
	FeedbackComment    string    `gorm:"type:text" json:"feedback_comment,omitempty"`
	SatisfactionRating *int      `json:"satisfaction_rating,omitempty"` // 1..5
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// AIOutput records one model invocation for one chunk. The fingerprint
// makes re-runs idempotent: a stored row is never re-invoked.
type AIOutput struct {
	ID                string    `gorm:"primaryKey;size:36" json:"id"`
	TaskID            string    `gorm:"index;uniqueIndex:uq_ai_outputs_run,priority:1;size:36" json:"task_id"`
	Stage             string    `gorm:"uniqueIndex:uq_ai_outputs_run,priority:2;size:32" json:"stage"`
	ChunkIndex        int       `gorm:"uniqueIndex:uq_ai_outputs_run,priority:3" json:"chunk_index"`
	PromptFingerprint string    `gorm:"uniqueIndex:uq_ai_outputs_run,priority:4;size:64" json:"prompt_fingerprint"`
	InputText         string    `gorm:"type:text" json:"input_text"`
	RawOutput         string    `gorm:"type:text" json:"raw_output"`
	TokenUsage        int       `json:"token_usage"`
	LatencyMS         int64     `json:"latency_ms"`
	CreatedAt         time.Time `json:"created_at"`
}

// TaskLog is an append-only log row. Seq is the per-task monotonic
// entry id used for replay dedup.
type TaskLog struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	TaskID    string    `gorm:"index;uniqueIndex:uq_task_logs_seq,priority:1;size:36" json:"task_id"`
	Seq       int64     `gorm:"uniqueIndex:uq_task_logs_seq,priority:2" json:"entry_id"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	Level     LogLevel  `gorm:"size:16" json:"level"`
	Module    string    `gorm:"size:64" json:"module"`
	Stage     string    `gorm:"size:64" json:"stage,omitempty"`
	Progress  *float64  `json:"progress,omitempty"`
	Message   string    `gorm:"type:text" json:"message"`
	Metadata  string    `gorm:"type:text" json:"metadata,omitempty"` // JSON blob
}

// TaskShare grants another user access to a task. At most one active
// share per (task, grantee).
type TaskShare struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	TaskID     string     `gorm:"index;size:36" json:"task_id"`
	SharedBy   string     `gorm:"size:36" json:"shared_by"`
	SharedWith string     `gorm:"index;size:36" json:"shared_with"`
	Permission Permission `gorm:"size:32" json:"permission"`
	Active     bool       `gorm:"index" json:"active"`
	Comment    string     `json:"comment,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// SchemaMigration tracks applied migration steps.
type SchemaMigration struct {
	Version   int       `gorm:"primaryKey" json:"version"`
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"applied_at"`
}

// TableName pins the queue table to the schema name used by reports and
// operators ("task_queue" reads better than "queue_entries").
func (QueueEntry) TableName() string { return "task_queue" }

// NewID returns a fresh identifier for any entity.
func NewID() string { return uuid.NewString() }

// ParseSeverity normalizes a model-reported severity, defaulting to medium.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityHigh:
		return SeverityHigh
	case SeverityLow:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// ParseIssueType normalizes a model-reported issue type, defaulting to other.
func ParseIssueType(s string) IssueType {
	switch IssueType(strings.ToLower(strings.TrimSpace(s))) {
	case IssueGrammar:
		return IssueGrammar
	case IssueLogic:
		return IssueLogic
	case IssueCompleteness:
		return IssueCompleteness
	default:
		return IssueOther
	}
}
