// Package shareguard resolves a user's effective permission on a task:
// system admins and owners hold full access, everyone else only what an
// active share grants them.
package shareguard

import (
	"context"

	"github.com/doctrine-review/inkwell/internal/faults"
	"github.com/doctrine-review/inkwell/internal/store"
)

// Shares is the slice of the share repository the guard reads.
type Shares interface {
	ActiveFor(ctx context.Context, taskID, userID string) (*store.TaskShare, error)
}

// Grant is the resolved access of one user on one task. Owner is set
// for the task owner and for system admins; only they manage the task
// itself (delete, share administration).
type Grant struct {
	Permission store.Permission
	Owner      bool
}

// CanView covers reading the task, its issues, logs, and outputs.
// Every share level grants it.
func (g Grant) CanView() bool { return g.Permission != "" }

// CanDownload covers the report and the original file.
func (g Grant) CanDownload() bool { return g.Permission == store.PermFullAccess }

// CanFeedback covers issue feedback, comments, and satisfaction ratings.
func (g Grant) CanFeedback() bool {
	return g.Permission == store.PermFeedbackOnly || g.Permission == store.PermFullAccess
}

// CanManage covers task deletion and share administration.
func (g Grant) CanManage() bool { return g.Owner }

// Guard answers permission questions against the share store.
type Guard struct {
	shares Shares
}

// New builds a guard over the share repository.
func New(shares Shares) *Guard {
	return &Guard{shares: shares}
}

// Resolve computes the user's grant on the task. Users with no
// ownership and no active share get an unauthorized fault.
func (g *Guard) Resolve(ctx context.Context, user *store.User, task *store.Task) (Grant, error) {
	if user.IsSystemAdmin() || user.ID == task.UserID {
		return Grant{Permission: store.PermFullAccess, Owner: true}, nil
	}
	share, err := g.shares.ActiveFor(ctx, task.ID, user.ID)
	if err != nil {
		if faults.KindOf(err) == faults.KindNotFound {
			return Grant{}, faults.Unauthorized("forbidden", "no access to this task")
		}
		return Grant{}, err
	}
	return Grant{Permission: share.Permission}, nil
}

// RequireView fails unless the user may read the task.
func (g *Guard) RequireView(ctx context.Context, user *store.User, task *store.Task) (Grant, error) {
	grant, err := g.Resolve(ctx, user, task)
	if err != nil {
		return Grant{}, err
	}
	if !grant.CanView() {
		return Grant{}, faults.Unauthorized("forbidden", "no access to this task")
	}
	return grant, nil
}

// RequireDownload fails unless the user may fetch the report or file.
func (g *Guard) RequireDownload(ctx context.Context, user *store.User, task *store.Task) error {
	grant, err := g.Resolve(ctx, user, task)
	if err != nil {
		return err
	}
	if !grant.CanDownload() {
		return faults.Unauthorized("download_forbidden", "share level does not allow downloads")
	}
	return nil
}

// RequireFeedback fails unless the user may submit issue feedback.
func (g *Guard) RequireFeedback(ctx context.Context, user *store.User, task *store.Task) error {
	grant, err := g.Resolve(ctx, user, task)
	if err != nil {
		return err
	}
	if !grant.CanFeedback() {
		return faults.Unauthorized("feedback_forbidden", "share level does not allow feedback")
	}
	return nil
}

// RequireManage fails unless the user owns the task or is a system admin.
func (g *Guard) RequireManage(ctx context.Context, user *store.User, task *store.Task) error {
	grant, err := g.Resolve(ctx, user, task)
	if err != nil {
		return err
	}
	if !grant.CanManage() {
		return faults.Unauthorized("owner_only", "only the owner may manage this task")
	}
	return nil
}
