package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/doctrine-review/inkwell/internal/faults"
	"github.com/doctrine-review/inkwell/internal/governor"
	"github.com/doctrine-review/inkwell/internal/report"
	"github.com/doctrine-review/inkwell/internal/store"
)

// batchRequestFiles scales the request body cap for batch uploads. It is
// a byte bound, not a file-count limit: many small files still fit.
const batchRequestFiles = 10

var errTaskDeleted = errors.New("task deleted")

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	if !s.parseUploadForm(w, r, 1) {
		return
	}
	fh, ok := formFile(r, "file")
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "missing_file", `multipart field "file" is required`)
		return
	}
	if err := s.validateUpload(fh); err != nil {
		s.writeUploadError(w, r, err)
		return
	}
	model, err := s.resolveModel(r.Context(), r.FormValue("model_index"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	priority, err := parsePriority(r.FormValue("priority"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}

	// Admission probe: hold a slot just long enough to prove one exists,
	// so a saturated system rejects at the door instead of queueing work
	// nobody will start soon.
	tok, err := s.deps.Governor.TryAcquire(user.ID, user.MaxConcurrentTasks)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	tok.Release()

	task, err := s.createTask(r.Context(), user, fh, r.FormValue("title"), model, priority)
	if err != nil {
		s.writeUploadError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	if !s.parseUploadForm(w, r, batchRequestFiles) {
		return
	}
	var files []*multipart.FileHeader
	if r.MultipartForm != nil {
		files = r.MultipartForm.File["files"]
	}
	if len(files) == 0 {
		s.writeError(w, r, http.StatusBadRequest, "missing_files", `multipart field "files" is required`)
		return
	}
	for _, fh := range files {
		if err := s.validateUpload(fh); err != nil {
			s.writeUploadError(w, r, err)
			return
		}
	}
	model, err := s.resolveModel(r.Context(), r.FormValue("model_index"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	priority, err := parsePriority(r.FormValue("priority"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}

	tok, err := s.deps.Governor.TryAcquire(user.ID, user.MaxConcurrentTasks)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	tok.Release()

	tasks := make([]*store.Task, 0, len(files))
	for _, fh := range files {
		task, err := s.createTask(r.Context(), user, fh, "", model, priority)
		if err != nil {
			// Tasks created so far stay queued; the client sees the
			// failure and can list what made it in.
			s.writeUploadError(w, r, err)
			return
		}
		tasks = append(tasks, task)
	}
	writeJSON(w, http.StatusCreated, tasks)
}

// createTask stores the upload, dedupes it by content hash, records the
// task row, and enqueues it. A task that cannot be enqueued is removed
// again so no row exists outside the queue's view.
func (s *Server) createTask(ctx context.Context, user *store.User, fh *multipart.FileHeader, title string, model *store.AIModel, priority int) (*store.Task, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, faults.Validation("bad_upload", fh.Filename+": cannot read uploaded part")
	}
	defer f.Close()

	info, err := s.deps.Blobs.Put(ctx, f)
	if err != nil {
		return nil, err
	}

	fi, err := s.deps.Store.Files.BySHA256(ctx, info.SHA256)
	switch {
	case err == nil:
		// Same bytes already on disk; the blob store is content-addressed
		// so the second Put landed on the same key.
	case faults.KindOf(err) == faults.KindNotFound:
		fi = &store.FileInfo{
			SHA256:       info.SHA256,
			Path:         info.Key,
			OriginalName: fh.Filename,
			Size:         info.Size,
			MIME:         fh.Header.Get("Content-Type"),
		}
		if err := s.deps.Store.Files.Create(ctx, fi); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if title == "" {
		title = fh.Filename
	}
	task := &store.Task{
		UserID:     user.ID,
		FileInfoID: fi.ID,
		AIModelID:  model.ID,
		Title:      title,
		Status:     store.TaskPending,
	}
	if err := s.deps.Store.Tasks.Create(ctx, task); err != nil {
		return nil, err
	}
	if _, err := s.deps.Queue.Enqueue(ctx, task.ID, user.ID, priority); err != nil {
		if derr := s.deps.Store.Tasks.Delete(ctx, task.ID); derr != nil {
			slog.Warn("gateway: remove unqueued task", "task_id", task.ID, "error", derr)
		}
		return nil, err
	}
	if err := s.deps.Store.Tasks.SetQueued(ctx, task.ID); err != nil {
		return nil, err
	}
	task.Status = store.TaskQueued
	return task, nil
}

func (s *Server) handleTasksPaginated(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	q := r.URL.Query()

	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	size := queryInt(r, "page_size", 20)
	if size < 1 || size > 100 {
		size = 20
	}
	filter := store.TaskFilter{
		UserID:    user.ID,
		Search:    q.Get("search"),
		Status:    store.TaskStatus(q.Get("status")),
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
		Page:      page,
		PageSize:  size,
	}
	if user.Role == store.RoleSystemAdmin {
		// Admins see everything unless they narrow to one user.
		filter.UserID = q.Get("user_id")
	}

	items, total, err := s.deps.Store.Tasks.Paginate(r.Context(), filter)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Items    []store.Task `json:"items"`
		Total    int64        `json:"total"`
		Page     int          `json:"page"`
		PageSize int          `json:"page_size"`
		HasNext  bool         `json:"has_next"`
	}{items, total, page, size, int64(page)*int64(size) < total})
}

type taskDetail struct {
	*store.Task
	IssueCount  int64             `json:"issue_count"`
	OutputCount int64             `json:"output_count"`
	Permission  store.Permission  `json:"permission"`
	Owner       bool              `json:"owner"`
	Shares      []store.TaskShare `json:"shares,omitempty"`
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := UserFrom(ctx)
	task, err := s.deps.Store.Tasks.Detail(ctx, chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	grant, err := s.guard.RequireView(ctx, user, task)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}

	issues, err := s.deps.Store.Issues.CountByTask(ctx, task.ID)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	outputs, err := s.deps.Store.Outputs.CountByTask(ctx, task.ID)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}

	body := taskDetail{
		Task:        task,
		IssueCount:  issues,
		OutputCount: outputs,
		Permission:  grant.Permission,
		Owner:       grant.Owner,
	}
	if grant.Owner {
		shares, err := s.deps.Store.Shares.ListByTask(ctx, task.ID)
		if err != nil {
			s.writeFault(w, r, err)
			return
		}
		body.Shares = shares
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := UserFrom(ctx)
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if err := s.guard.RequireManage(ctx, user, task); err != nil {
		s.writeFault(w, r, err)
		return
	}

	// A running pipeline must observe the cancel before the row goes,
	// or its final status write would resurrect a half-deleted task.
	if s.deps.Pool != nil && s.deps.Pool.Cancel(task.ID, errTaskDeleted) {
		waitStopped(s.deps.Pool, task.ID, 5*time.Second)
	}
	if err := s.deps.Queue.Drop(ctx, task.ID); err != nil && faults.KindOf(err) != faults.KindNotFound {
		s.writeFault(w, r, err)
		return
	}

	fileID := task.FileInfoID
	if err := s.deps.Store.Tasks.Delete(ctx, task.ID); err != nil {
		s.writeFault(w, r, err)
		return
	}
	s.reapFile(ctx, fileID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskRetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := UserFrom(ctx)
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if err := s.guard.RequireManage(ctx, user, task); err != nil {
		s.writeFault(w, r, err)
		return
	}
	if task.Status != store.TaskFailed {
		s.writeFault(w, r, faults.Validation("not_retryable", "only failed tasks can be retried"))
		return
	}

	if err := s.deps.Queue.Requeue(ctx, task.ID); err != nil {
		if faults.KindOf(err) != faults.KindNotFound {
			s.writeFault(w, r, err)
			return
		}
		// Recovery dropped the exhausted entry after restart; start over
		// with a fresh one.
		if _, err := s.deps.Queue.Enqueue(ctx, task.ID, task.UserID, 5); err != nil {
			s.writeFault(w, r, err)
			return
		}
	}
	if err := s.deps.Store.Tasks.SetQueued(ctx, task.ID); err != nil {
		s.writeFault(w, r, err)
		return
	}
	task.Status = store.TaskQueued
	task.ErrorMessage = ""
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := UserFrom(ctx)
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if err := s.guard.RequireDownload(ctx, user, task); err != nil {
		s.writeFault(w, r, err)
		return
	}
	issues, err := s.deps.Store.Issues.ListByTask(ctx, task.ID)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}

	name := report.Filename(task)
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", contentDisposition(name, name))
	if err := report.Build(w, task, issues); err != nil {
		// Headers are already on the wire; nothing to answer with.
		slog.Error("gateway: build report", "task_id", task.ID, "error", err)
	}
}

func (s *Server) handleTaskFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := UserFrom(ctx)
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if err := s.guard.RequireDownload(ctx, user, task); err != nil {
		s.writeFault(w, r, err)
		return
	}
	fi, err := s.deps.Store.Files.ByID(ctx, task.FileInfoID)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	rc, err := s.deps.Blobs.Open(ctx, fi.Path)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	defer rc.Close()

	ct := fi.MIME
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.FormatInt(fi.Size, 10))
	w.Header().Set("Content-Disposition", contentDisposition(asciiFallback(fi.OriginalName), fi.OriginalName))
	if _, err := io.Copy(w, rc); err != nil {
		slog.Debug("gateway: stream file", "task_id", task.ID, "error", err)
	}
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.Tasks.Statistics(r.Context())
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	// Absent statuses still show up as zero so dashboards need no
	// special casing.
	all := []store.TaskStatus{
		store.TaskPending, store.TaskQueued, store.TaskProcessing,
		store.TaskCompleted, store.TaskFailed, store.TaskCancelled,
	}
	for _, st := range all {
		if _, ok := stats[st]; !ok {
			stats[st] = 0
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

type loadPair struct {
	Used int `json:"used"`
	Cap  int `json:"cap"`
}

func (s *Server) handleConcurrencyStatus(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	snap := s.deps.Governor.Utilization()
	ul, ok := snap.Users[user.ID]
	if !ok {
		ul = governor.UserLoad{Capacity: user.MaxConcurrentTasks}
	}
	writeJSON(w, http.StatusOK, struct {
		System loadPair `json:"system"`
		User   loadPair `json:"user"`
	}{
		System: loadPair{Used: snap.SystemInFlight, Cap: snap.SystemCapacity},
		User:   loadPair{Used: ul.InFlight, Cap: ul.Capacity},
	})
}

func (s *Server) handleLogHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := UserFrom(ctx)
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if _, err := s.guard.RequireView(ctx, user, task); err != nil {
		s.writeFault(w, r, err)
		return
	}
	rows, err := s.deps.Store.Logs.History(ctx, task.ID, queryInt(r, "limit", 0))
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		TaskID  string          `json:"task_id"`
		Entries []store.TaskLog `json:"entries"`
	}{task.ID, rows})
}

// parseUploadForm bounds and parses a multipart body. n scales the
// request cap for multi-file endpoints.
func (s *Server) parseUploadForm(w http.ResponseWriter, r *http.Request, n int) bool {
	if max := s.cfg.Pipeline.MaxFileSizeBytes; max > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, int64(n)*max+1<<20)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, "file_too_large",
				"request body exceeds "+humanize.IBytes(uint64(mbe.Limit)))
		} else {
			s.writeError(w, r, http.StatusBadRequest, "bad_multipart", "malformed multipart body")
		}
		return false
	}
	return true
}

func formFile(r *http.Request, field string) (*multipart.FileHeader, bool) {
	if r.MultipartForm == nil || len(r.MultipartForm.File[field]) == 0 {
		return nil, false
	}
	return r.MultipartForm.File[field][0], true
}

type tooLargeError struct {
	name string
	size int64
	max  int64
}

func (e *tooLargeError) Error() string {
	return fmt.Sprintf("%s: %s exceeds the %s limit",
		e.name, humanize.IBytes(uint64(e.size)), humanize.IBytes(uint64(e.max)))
}

func (s *Server) validateUpload(fh *multipart.FileHeader) error {
	if max := s.cfg.Pipeline.MaxFileSizeBytes; max > 0 && fh.Size > max {
		return &tooLargeError{name: fh.Filename, size: fh.Size, max: max}
	}
	if !s.deps.Parse.Supported(fh.Filename, fh.Header.Get("Content-Type")) {
		return faults.Validation("unsupported_file_type", fh.Filename+": file type not supported")
	}
	return nil
}

// writeUploadError answers 413 for oversize files and defers everything
// else to the fault mapping.
func (s *Server) writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	var tle *tooLargeError
	if errors.As(err, &tle) {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, "file_too_large", tle.Error())
		return
	}
	s.writeFault(w, r, err)
}

func (s *Server) resolveModel(ctx context.Context, raw string) (*store.AIModel, error) {
	if raw == "" {
		return s.deps.Store.Models.Default(ctx)
	}
	idx, err := strconv.Atoi(raw)
	if err != nil || idx < 0 {
		return nil, faults.Validation("bad_model_index", "model_index must be a non-negative integer")
	}
	models, err := s.deps.Store.Models.List(ctx)
	if err != nil {
		return nil, err
	}
	if idx >= len(models) {
		return nil, faults.Validation("bad_model_index",
			fmt.Sprintf("model_index %d out of range, %d models configured", idx, len(models)))
	}
	return &models[idx], nil
}

func parsePriority(raw string) (int, error) {
	if raw == "" {
		return 5, nil
	}
	p, err := strconv.Atoi(raw)
	if err != nil || p < 1 || p > 10 {
		return 0, faults.Validation("bad_priority", "priority must be an integer between 1 and 10")
	}
	return p, nil
}

// waitStopped polls until the worker observes the cancel, bounded by
// timeout, so the row delete that follows cannot race a status write.
func waitStopped(p Canceller, taskID string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for p.Running(taskID) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}

// reapFile removes the uploaded blob once no task references it. Errors
// are logged, not surfaced: the task itself is already gone.
func (s *Server) reapFile(ctx context.Context, fileID string) {
	if fileID == "" {
		return
	}
	n, err := s.deps.Store.Files.TasksReferencing(ctx, fileID)
	if err != nil {
		slog.Warn("gateway: file refcount", "file_id", fileID, "error", err)
		return
	}
	if n > 0 {
		return
	}
	fi, err := s.deps.Store.Files.ByID(ctx, fileID)
	if err != nil {
		return
	}
	if err := s.deps.Blobs.Delete(ctx, fi.Path); err != nil {
		slog.Warn("gateway: delete blob", "key", fi.Path, "error", err)
		return
	}
	if err := s.deps.Store.Files.Delete(ctx, fileID); err != nil {
		slog.Warn("gateway: delete file row", "file_id", fileID, "error", err)
	}
}

// contentDisposition renders an attachment header carrying both the
// plain ASCII filename and the RFC 5987 encoded form.
func contentDisposition(ascii, full string) string {
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, ascii, url.PathEscape(full))
}

func asciiFallback(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r > 31 && r < 127 && r != '"' && r != '\\' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "download"
	}
	return b.String()
}
