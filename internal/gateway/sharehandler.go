package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/doctrine-review/inkwell/internal/faults"
	"github.com/doctrine-review/inkwell/internal/store"
)

func validPermission(p store.Permission) bool {
	switch p {
	case store.PermReadOnly, store.PermFeedbackOnly, store.PermFullAccess:
		return true
	}
	return false
}

func (s *Server) handleShareCreate(w http.ResponseWriter, r *http.Request) {
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

	var body struct {
		SharedWithUID string           `json:"shared_with_uid"`
		Permission    store.Permission `json:"permission"`
		Comment       string           `json:"comment"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	if body.SharedWithUID == "" {
		s.writeFault(w, r, faults.Validation("missing_grantee", "shared_with_uid is required"))
		return
	}
	if !validPermission(body.Permission) {
		s.writeFault(w, r, faults.Validation("bad_permission",
			`permission must be "read_only", "feedback_only", or "full_access"`))
		return
	}
	target, err := s.deps.Store.Users.ByUID(ctx, body.SharedWithUID)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	if target.ID == task.UserID {
		s.writeFault(w, r, faults.Validation("self_share", "task owner already has full access"))
		return
	}

	share := &store.TaskShare{
		TaskID:     task.ID,
		SharedBy:   user.ID,
		SharedWith: target.ID,
		Permission: body.Permission,
		Comment:    body.Comment,
	}
	if err := s.deps.Store.Shares.Create(ctx, share); err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, share)
}

func (s *Server) handleShareList(w http.ResponseWriter, r *http.Request) {
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
	shares, err := s.deps.Store.Shares.ListByTask(ctx, task.ID)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shares)
}

func (s *Server) handleShareRevoke(w http.ResponseWriter, r *http.Request) {
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

	// The share must belong to this task; a bare id from another task's
	// URL must not revoke across tasks.
	shareID := chi.URLParam(r, "shareID")
	shares, err := s.deps.Store.Shares.ListByTask(ctx, task.ID)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	found := false
	for i := range shares {
		if shares[i].ID == shareID {
			found = true
			break
		}
	}
	if !found {
		s.writeFault(w, r, faults.NotFound("share_not_found", "share does not belong to this task"))
		return
	}
	if err := s.deps.Store.Shares.Revoke(ctx, shareID); err != nil {
		s.writeFault(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
