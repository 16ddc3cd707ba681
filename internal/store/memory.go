package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/doctrine-review/inkwell/internal/faults"
)

// Memory is an in-memory implementation of the repository surface,
// used by tests and anywhere a throwaway store is convenient. The
// sub-repositories share one lock and one data set, mirroring the
// SQL store's layout so callers can swap either in behind the same
// narrow interfaces.
type Memory struct {
	Users   *MemUsers
	Tasks   *MemTasks
	Files   *MemFiles
	Models  *MemModels
	Queue   *MemQueue
	Issues  *MemIssues
	Outputs *MemOutputs
	Logs    *MemLogs

	state *memState
}

type memState struct {
	mu      sync.Mutex
	users   map[string]*User
	tasks   map[string]*Task
	files   map[string]*FileInfo
	models  map[string]*AIModel
	queue   map[string]*QueueEntry // keyed by task id
	issues  map[string]*Issue
	outputs []*AIOutput
	logs    []TaskLog

	commitErr error // scripted CommitBatch failure
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	st := &memState{
		users:  make(map[string]*User),
		tasks:  make(map[string]*Task),
		files:  make(map[string]*FileInfo),
		models: make(map[string]*AIModel),
		queue:  make(map[string]*QueueEntry),
		issues: make(map[string]*Issue),
	}
	return &Memory{
		Users:   &MemUsers{st},
		Tasks:   &MemTasks{st},
		Files:   &MemFiles{st},
		Models:  &MemModels{st},
		Queue:   &MemQueue{st},
		Issues:  &MemIssues{st},
		Outputs: &MemOutputs{st},
		Logs:    &MemLogs{st},
		state:   st,
	}
}

// FailCommits makes CommitBatch return err until cleared with nil.
func (m *Memory) FailCommits(err error) {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	m.state.commitErr = err
}

// CommitBatch mirrors Store.CommitBatch: all-or-nothing issue insert
// plus the processing → completed transition.
func (m *Memory) CommitBatch(ctx context.Context, taskID string, issues []Issue) error {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	if m.state.commitErr != nil {
		return m.state.commitErr
	}
	t, ok := m.state.tasks[taskID]
	if !ok || t.Status != TaskProcessing {
		return faults.NotFound("task_not_found", "task not in processing state")
	}
	now := time.Now().UTC()
	for i := range issues {
		is := issues[i]
		if is.ID == "" {
			is.ID = NewID()
		}
		is.CreatedAt = now
		is.UpdatedAt = now
		m.state.issues[is.ID] = &is
	}
	t.Status = TaskCompleted
	t.Progress = 100
	t.CurrentStage = "complete"
	t.CompletedAt = &now
	t.ErrorMessage = ""
	delete(m.state.queue, taskID)
	return nil
}

// MemUsers is the in-memory UserRepo counterpart.
type MemUsers struct{ st *memState }

func (r *MemUsers) Create(ctx context.Context, u *User) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if u.ID == "" {
		u.ID = NewID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	cp := *u
	r.st.users[u.ID] = &cp
	return nil
}

func (r *MemUsers) ByID(ctx context.Context, id string) (*User, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if u, ok := r.st.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, faults.NotFound("user_not_found", "user does not exist")
}

func (r *MemUsers) ByUID(ctx context.Context, uid string) (*User, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, u := range r.st.users {
		if u.UID == uid {
			cp := *u
			return &cp, nil
		}
	}
	return nil, faults.NotFound("user_not_found", "user does not exist")
}

// MemFiles is the in-memory FileRepo counterpart.
type MemFiles struct{ st *memState }

func (r *MemFiles) Create(ctx context.Context, f *FileInfo) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if f.ID == "" {
		f.ID = NewID()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	cp := *f
	r.st.files[f.ID] = &cp
	return nil
}

func (r *MemFiles) ByID(ctx context.Context, id string) (*FileInfo, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if f, ok := r.st.files[id]; ok {
		cp := *f
		return &cp, nil
	}
	return nil, faults.NotFound("file_not_found", "file does not exist")
}

func (r *MemFiles) BySHA256(ctx context.Context, sum string) (*FileInfo, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, f := range r.st.files {
		if f.SHA256 == sum {
			cp := *f
			return &cp, nil
		}
	}
	return nil, faults.NotFound("file_not_found", "file does not exist")
}

func (r *MemFiles) TasksReferencing(ctx context.Context, fileID string) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var n int64
	for _, t := range r.st.tasks {
		if t.FileInfoID == fileID {
			n++
		}
	}
	return n, nil
}

func (r *MemFiles) Delete(ctx context.Context, id string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	delete(r.st.files, id)
	return nil
}

// MemModels is the in-memory ModelRepo counterpart.
type MemModels struct{ st *memState }

func (r *MemModels) Seed(ctx context.Context, models []AIModel) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for i := range models {
		m := &models[i]
		if existing := r.byKeyLocked(m.Key); existing != nil {
			existing.Provider = m.Provider
			existing.Config = m.Config
			existing.IsDefault = m.IsDefault
			m.ID = existing.ID
			continue
		}
		if m.ID == "" {
			m.ID = NewID()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		cp := *m
		r.st.models[m.ID] = &cp
	}
	return nil
}

func (r *MemModels) byKeyLocked(key string) *AIModel {
	for _, m := range r.st.models {
		if m.Key == key {
			return m
		}
	}
	return nil
}

func (r *MemModels) List(ctx context.Context) ([]AIModel, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := make([]AIModel, 0, len(r.st.models))
	for _, m := range r.st.models {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDefault != out[j].IsDefault {
			return out[i].IsDefault
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (r *MemModels) ByKey(ctx context.Context, key string) (*AIModel, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if m := r.byKeyLocked(key); m != nil {
		cp := *m
		return &cp, nil
	}
	return nil, faults.NotFound("model_not_found", "AI model does not exist")
}

func (r *MemModels) ByID(ctx context.Context, id string) (*AIModel, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if m, ok := r.st.models[id]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, faults.NotFound("model_not_found", "AI model does not exist")
}

func (r *MemModels) Default(ctx context.Context) (*AIModel, error) {
	models, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, faults.NotFound("model_not_found", "no AI models configured")
	}
	cp := models[0]
	return &cp, nil
}

// MemTasks is the in-memory TaskRepo counterpart.
type MemTasks struct{ st *memState }

func (r *MemTasks) Create(ctx context.Context, t *Task) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	cp := *t
	r.st.tasks[t.ID] = &cp
	return nil
}

func (r *MemTasks) ByID(ctx context.Context, id string) (*Task, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if t, ok := r.st.tasks[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, faults.NotFound("task_not_found", "task does not exist")
}

func (r *MemTasks) SetQueued(ctx context.Context, id string) error {
	return r.mutate(id, func(t *Task) {
		t.Status = TaskQueued
		t.ErrorMessage = ""
	})
}

func (r *MemTasks) SetProcessing(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return r.mutate(id, func(t *Task) {
		t.Status = TaskProcessing
		t.StartedAt = &now
		t.Progress = 0
		t.CurrentStage = ""
	})
}

func (r *MemTasks) UpdateProgress(ctx context.Context, id string, progress float64, stage string) error {
	return r.mutate(id, func(t *Task) {
		t.Progress = progress
		t.CurrentStage = stage
	})
}

func (r *MemTasks) SetFailed(ctx context.Context, id, message string) error {
	now := time.Now().UTC()
	return r.mutate(id, func(t *Task) {
		t.Status = TaskFailed
		t.ErrorMessage = message
		t.CompletedAt = &now
	})
}

func (r *MemTasks) SetCancelled(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return r.mutate(id, func(t *Task) {
		t.Status = TaskCancelled
		t.CompletedAt = &now
	})
}

func (r *MemTasks) IncrementRetry(ctx context.Context, id string) error {
	return r.mutate(id, func(t *Task) { t.RetryCount++ })
}

func (r *MemTasks) ListByStatus(ctx context.Context, status TaskStatus) ([]Task, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []Task
	for _, t := range r.st.tasks {
		if t.Status == status {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemTasks) Delete(ctx context.Context, id string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if _, ok := r.st.tasks[id]; !ok {
		return faults.NotFound("task_not_found", "task does not exist")
	}
	delete(r.st.tasks, id)
	delete(r.st.queue, id)
	for iid, is := range r.st.issues {
		if is.TaskID == id {
			delete(r.st.issues, iid)
		}
	}
	r.st.outputs = filterOutputs(r.st.outputs, func(o *AIOutput) bool { return o.TaskID != id })
	kept := r.st.logs[:0]
	for _, l := range r.st.logs {
		if l.TaskID != id {
			kept = append(kept, l)
		}
	}
	r.st.logs = kept
	return nil
}

func (r *MemTasks) mutate(id string, fn func(*Task)) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	t, ok := r.st.tasks[id]
	if !ok {
		return faults.NotFound("task_not_found", "task does not exist")
	}
	fn(t)
	return nil
}

// MemQueue is the in-memory QueueRepo counterpart, including the claim
// semantics (priority order, per-user caps, backoff parking).
type MemQueue struct{ st *memState }

func (r *MemQueue) Enqueue(ctx context.Context, e *QueueEntry) (*QueueEntry, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if existing, ok := r.st.queue[e.TaskID]; ok {
		cp := *existing
		return &cp, nil
	}
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.QueuedAt.IsZero() {
		e.QueuedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = QueueQueued
	}
	cp := *e
	r.st.queue[e.TaskID] = &cp
	out := cp
	return &out, nil
}

func (r *MemQueue) ByTaskID(ctx context.Context, taskID string) (*QueueEntry, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if e, ok := r.st.queue[taskID]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, faults.NotFound("queue_entry_not_found", "no queue entry for task")
}

func (r *MemQueue) CountQueued(ctx context.Context) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var n int64
	for _, e := range r.st.queue {
		if e.Status == QueueQueued {
			n++
		}
	}
	return n, nil
}

func (r *MemQueue) CountsByStatus(ctx context.Context) (map[QueueStatus]int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	counts := make(map[QueueStatus]int64)
	for _, e := range r.st.queue {
		counts[e.Status]++
	}
	return counts, nil
}

func (r *MemQueue) CountProcessingForUser(ctx context.Context, userID string) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.processingFor(userID), nil
}

func (r *MemQueue) processingFor(userID string) int64 {
	var n int64
	for _, e := range r.st.queue {
		if e.Status == QueueProcessing && e.UserID == userID {
			n++
		}
	}
	return n
}

func (r *MemQueue) ClaimNext(ctx context.Context, workerID string) (*QueueEntry, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	now := time.Now().UTC()

	var candidates []*QueueEntry
	for _, e := range r.st.queue {
		if e.Status != QueueQueued || e.QueuedAt.After(now) {
			continue
		}
		cap := 0
		for _, u := range r.st.users {
			if u.ID == e.UserID {
				cap = u.MaxConcurrentTasks
			}
		}
		if int64(cap) <= r.processingFor(e.UserID) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil, faults.ErrNoWork
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].QueuedAt.Before(candidates[j].QueuedAt)
	})
	e := candidates[0]
	e.Status = QueueProcessing
	e.WorkerID = workerID
	e.StartedAt = &now
	cp := *e
	return &cp, nil
}

func (r *MemQueue) Release(ctx context.Context, taskID string, delay time.Duration) error {
	return r.mutate(taskID, func(e *QueueEntry) {
		e.Status = QueueQueued
		e.WorkerID = ""
		e.StartedAt = nil
		e.Attempts++
		e.QueuedAt = time.Now().UTC().Add(delay)
	})
}

func (r *MemQueue) MarkFailed(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	return r.mutate(taskID, func(e *QueueEntry) {
		e.Status = QueueFailed
		e.CompletedAt = &now
	})
}

func (r *MemQueue) MarkCancelled(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	return r.mutate(taskID, func(e *QueueEntry) {
		e.Status = QueueCancelled
		e.CompletedAt = &now
	})
}

func (r *MemQueue) DeleteByTask(ctx context.Context, taskID string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	delete(r.st.queue, taskID)
	return nil
}

func (r *MemQueue) Requeue(ctx context.Context, taskID string, attempts int) error {
	return r.mutate(taskID, func(e *QueueEntry) {
		e.Status = QueueQueued
		e.WorkerID = ""
		e.StartedAt = nil
		e.CompletedAt = nil
		e.Attempts = attempts
		e.QueuedAt = time.Now().UTC()
	})
}

func (r *MemQueue) BoostStale(ctx context.Context, threshold time.Duration) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	cutoff := time.Now().UTC().Add(-threshold)
	var n int64
	for _, e := range r.st.queue {
		if e.Status == QueueQueued && e.Priority < 10 && !e.QueuedAt.After(cutoff) {
			e.Priority++
			n++
		}
	}
	return n, nil
}

func (r *MemQueue) Processing(ctx context.Context) ([]QueueEntry, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []QueueEntry
	for _, e := range r.st.queue {
		if e.Status == QueueProcessing {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (r *MemQueue) mutate(taskID string, fn func(*QueueEntry)) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	e, ok := r.st.queue[taskID]
	if !ok {
		return faults.NotFound("queue_entry_not_found", "no queue entry for task")
	}
	fn(e)
	return nil
}

// MemIssues is the in-memory IssueRepo counterpart.
type MemIssues struct{ st *memState }

func (r *MemIssues) CreateBatch(ctx context.Context, issues []Issue) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	now := time.Now().UTC()
	for i := range issues {
		is := issues[i]
		if is.ID == "" {
			is.ID = NewID()
		}
		is.CreatedAt = now
		is.UpdatedAt = now
		r.st.issues[is.ID] = &is
	}
	return nil
}

func (r *MemIssues) ByID(ctx context.Context, id string) (*Issue, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if is, ok := r.st.issues[id]; ok {
		cp := *is
		return &cp, nil
	}
	return nil, faults.NotFound("issue_not_found", "issue does not exist")
}

func (r *MemIssues) ListByTask(ctx context.Context, taskID string) ([]Issue, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []Issue
	for _, is := range r.st.issues {
		if is.TaskID == taskID {
			out = append(out, *is)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return severityRank(out[i].Severity) < severityRank(out[j].Severity)
	})
	return out, nil
}

func (r *MemIssues) CountByTask(ctx context.Context, taskID string) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var n int64
	for _, is := range r.st.issues {
		if is.TaskID == taskID {
			n++
		}
	}
	return n, nil
}

func (r *MemIssues) SetFeedback(ctx context.Context, id string, fb Feedback, comment *string) error {
	return r.mutate(id, func(is *Issue) {
		is.UserFeedback = fb
		if comment != nil {
			is.FeedbackComment = *comment
		}
	})
}

func (r *MemIssues) SetComment(ctx context.Context, id, comment string) error {
	return r.mutate(id, func(is *Issue) { is.FeedbackComment = comment })
}

func (r *MemIssues) SetSatisfaction(ctx context.Context, id string, rating int) error {
	return r.mutate(id, func(is *Issue) { is.SatisfactionRating = &rating })
}

func (r *MemIssues) DeleteOrphans(ctx context.Context) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var n int64
	for id, is := range r.st.issues {
		if _, ok := r.st.tasks[is.TaskID]; !ok {
			delete(r.st.issues, id)
			n++
		}
	}
	return n, nil
}

func (r *MemIssues) mutate(id string, fn func(*Issue)) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	is, ok := r.st.issues[id]
	if !ok {
		return faults.NotFound("issue_not_found", "issue does not exist")
	}
	fn(is)
	is.UpdatedAt = time.Now().UTC()
	return nil
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	default:
		return 3
	}
}

// MemOutputs is the in-memory OutputRepo counterpart.
type MemOutputs struct{ st *memState }

func (r *MemOutputs) Create(ctx context.Context, o *AIOutput) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if o.ID == "" {
		o.ID = NewID()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	cp := *o
	r.st.outputs = append(r.st.outputs, &cp)
	return nil
}

func (r *MemOutputs) ByFingerprint(ctx context.Context, taskID, stage string, chunkIndex int, fingerprint string) (*AIOutput, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, o := range r.st.outputs {
		if o.TaskID == taskID && o.Stage == stage && o.ChunkIndex == chunkIndex && o.PromptFingerprint == fingerprint {
			cp := *o
			return &cp, nil
		}
	}
	return nil, faults.NotFound("output_not_found", "no stored output for fingerprint")
}

func (r *MemOutputs) ListByTask(ctx context.Context, taskID string) ([]AIOutput, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []AIOutput
	for _, o := range r.st.outputs {
		if o.TaskID == taskID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return strings.Compare(out[i].Stage, out[j].Stage) < 0
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	return out, nil
}

func (r *MemOutputs) CountByTask(ctx context.Context, taskID string) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var n int64
	for _, o := range r.st.outputs {
		if o.TaskID == taskID {
			n++
		}
	}
	return n, nil
}

func (r *MemOutputs) DeleteOrphans(ctx context.Context) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	before := len(r.st.outputs)
	r.st.outputs = filterOutputs(r.st.outputs, func(o *AIOutput) bool {
		_, ok := r.st.tasks[o.TaskID]
		return ok
	})
	return int64(before - len(r.st.outputs)), nil
}

func filterOutputs(in []*AIOutput, keep func(*AIOutput) bool) []*AIOutput {
	out := in[:0]
	for _, o := range in {
		if keep(o) {
			out = append(out, o)
		}
	}
	return out
}

// MemLogs is the in-memory LogRepo counterpart.
type MemLogs struct{ st *memState }

func (r *MemLogs) AppendBatch(ctx context.Context, entries []TaskLog) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	r.st.logs = append(r.st.logs, entries...)
	return nil
}

func (r *MemLogs) History(ctx context.Context, taskID string, limit int) ([]TaskLog, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if limit <= 0 {
		limit = 1000
	}
	var out []TaskLog
	for _, l := range r.st.logs {
		if l.TaskID == taskID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *MemLogs) MaxSeq(ctx context.Context, taskID string) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var max int64
	for _, l := range r.st.logs {
		if l.TaskID == taskID && l.Seq > max {
			max = l.Seq
		}
	}
	return max, nil
}

func (r *MemLogs) CountByTask(ctx context.Context, taskID string) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var n int64
	for _, l := range r.st.logs {
		if l.TaskID == taskID {
			n++
		}
	}
	return n, nil
}

func (r *MemLogs) DeleteOrphans(ctx context.Context) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	before := len(r.st.logs)
	kept := r.st.logs[:0]
	for _, l := range r.st.logs {
		if _, ok := r.st.tasks[l.TaskID]; ok {
			kept = append(kept, l)
		}
	}
	r.st.logs = kept
	return int64(before - len(r.st.logs)), nil
}
