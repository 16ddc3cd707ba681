package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/doctrine-review/inkwell/internal/faults"
	"github.com/doctrine-review/inkwell/internal/store"
)

// loadIssue resolves the issue named in the URL and runs the feedback
// permission check against its parent task.
func (s *Server) loadIssue(w http.ResponseWriter, r *http.Request) (*store.Issue, bool) {
	ctx := r.Context()
	issue, err := s.deps.Store.Issues.ByID(ctx, chi.URLParam(r, "issueID"))
	if err != nil {
		s.writeFault(w, r, err)
		return nil, false
	}
	task, err := s.deps.Store.Tasks.ByID(ctx, issue.TaskID)
	if err != nil {
		s.writeFault(w, r, err)
		return nil, false
	}
	if err := s.guard.RequireFeedback(ctx, UserFrom(ctx), task); err != nil {
		s.writeFault(w, r, err)
		return nil, false
	}
	return issue, true
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "bad_json", "request body is not valid JSON")
		return false
	}
	return true
}

func (s *Server) handleIssueFeedback(w http.ResponseWriter, r *http.Request) {
	issue, ok := s.loadIssue(w, r)
	if !ok {
		return
	}
	var body struct {
		FeedbackType string  `json:"feedback_type"`
		Comment      *string `json:"comment"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	fb := store.Feedback(body.FeedbackType)
	switch fb {
	case store.FeedbackAccept, store.FeedbackReject, store.FeedbackUnset:
	default:
		s.writeFault(w, r, faults.Validation("bad_feedback",
			`feedback_type must be "accept", "reject", or "" to clear`))
		return
	}
	if err := s.deps.Store.Issues.SetFeedback(r.Context(), issue.ID, fb, body.Comment); err != nil {
		s.writeFault(w, r, err)
		return
	}
	s.respondIssue(w, r, issue.ID)
}

func (s *Server) handleIssueSatisfaction(w http.ResponseWriter, r *http.Request) {
	issue, ok := s.loadIssue(w, r)
	if !ok {
		return
	}
	var body struct {
		SatisfactionRating int `json:"satisfaction_rating"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	if body.SatisfactionRating < 1 || body.SatisfactionRating > 5 {
		s.writeFault(w, r, faults.Validation("bad_rating", "satisfaction_rating must be between 1 and 5"))
		return
	}
	if err := s.deps.Store.Issues.SetSatisfaction(r.Context(), issue.ID, body.SatisfactionRating); err != nil {
		s.writeFault(w, r, err)
		return
	}
	s.respondIssue(w, r, issue.ID)
}

func (s *Server) handleIssueComment(w http.ResponseWriter, r *http.Request) {
	issue, ok := s.loadIssue(w, r)
	if !ok {
		return
	}
	var body struct {
		Comment string `json:"comment"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	if err := s.deps.Store.Issues.SetComment(r.Context(), issue.ID, body.Comment); err != nil {
		s.writeFault(w, r, err)
		return
	}
	s.respondIssue(w, r, issue.ID)
}

// respondIssue answers with the freshly read row so the client sees the
// write it just made, updated_at included.
func (s *Server) respondIssue(w http.ResponseWriter, r *http.Request, id string) {
	fresh, err := s.deps.Store.Issues.ByID(r.Context(), id)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fresh)
}
