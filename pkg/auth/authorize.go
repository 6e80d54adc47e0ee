package auth

import (
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/services"
)

// Action is what the caller wants to do with a resource.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionReview Action = "review"
	ActionClaim  Action = "claim"
	ActionAdmin  Action = "admin"
)

// Resource carries the ownership facts Authorize needs. Handlers load
// the entity first: a missing row 404s before authorization runs, so
// foreign callers cannot probe for existence.
type Resource struct {
	Type            string
	ID              int64
	AssignedAgentID *int64
	OwnerUserID     *int64
}

// Authorize answers whether the identity may perform action on the
// resource. The rules are static:
//
//   - admin role: everything.
//   - reviewer role: read, review, and task/deliverable writes.
//   - viewer role: read only.
//   - UserKey: its account's role, plus writes on resources held by
//     agents the account owns (OwnerUserID).
//   - AgentKey: read, claiming tasks, and writes on tasks and
//     deliverables assigned to that agent. Never review, never admin.
//
// A denial is services.ErrForbidden.
func Authorize(id Identity, action Action, res Resource) error {
	switch caller := id.(type) {
	case SessionUser:
		return roleAllows(caller.Role, action, res)
	case UserKey:
		if roleAllows(caller.Role, action, res) == nil {
			return nil
		}
		if action == ActionWrite && res.OwnerUserID != nil && *res.OwnerUserID == caller.UserID {
			return nil
		}
		return services.ErrForbidden
	case AgentKey:
		switch action {
		case ActionRead:
			return nil
		case ActionClaim:
			if res.Type == models.EntityTask {
				return nil
			}
		case ActionWrite:
			if (res.Type == models.EntityTask || res.Type == models.EntityDeliverable) &&
				res.AssignedAgentID != nil && *res.AssignedAgentID == caller.AgentID {
				return nil
			}
		}
		return services.ErrForbidden
	}
	return services.ErrUnauthorized
}

func roleAllows(role models.Role, action Action, res Resource) error {
	if role == models.RoleAdmin {
		return nil
	}
	switch action {
	case ActionRead:
		return nil
	case ActionReview:
		if role == models.RoleReviewer {
			return nil
		}
	case ActionWrite:
		if role == models.RoleReviewer && (res.Type == models.EntityTask || res.Type == models.EntityDeliverable) {
			return nil
		}
	}
	return services.ErrForbidden
}
