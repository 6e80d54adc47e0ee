package api

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/caravel-ai/caravel/pkg/auth"
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/services"
)

// identity pulls the resolved caller off the context. The auth middleware
// guarantees it for every route in the /api group; a miss is a bug mapped
// to 401 rather than a panic.
func (s *Server) identity(c *gin.Context) (auth.Identity, bool) {
	id, ok := auth.FromContext(c)
	if !ok {
		fail(c, services.ErrUnauthorized)
		return nil, false
	}
	return id, true
}

// allow runs the authorization check and writes the failure response
// itself so handlers read as guard-then-work.
func (s *Server) allow(c *gin.Context, id auth.Identity, action auth.Action, res auth.Resource) bool {
	if err := auth.Authorize(id, action, res); err != nil {
		fail(c, err)
		return false
	}
	return true
}

// taskResource assembles the ownership facts for a task: the assigned
// agent and, through it, the owning user. Handlers load the task first,
// so a missing row has already produced a 404 by the time this runs.
func (s *Server) taskResource(ctx context.Context, task *models.Task) auth.Resource {
	res := auth.Resource{
		Type:            models.EntityTask,
		ID:              task.ID,
		AssignedAgentID: task.AssignedAgentID,
	}
	res.OwnerUserID = s.agentOwner(ctx, task.AssignedAgentID)
	return res
}

// deliverableResource carries the owning task's assignment facts; submit
// and revision rights ride on the task, not the deliverable row.
func (s *Server) deliverableResource(ctx context.Context, d *models.Deliverable, task *models.Task) auth.Resource {
	res := auth.Resource{Type: models.EntityDeliverable, ID: d.ID}
	if task != nil {
		res.AssignedAgentID = task.AssignedAgentID
		res.OwnerUserID = s.agentOwner(ctx, task.AssignedAgentID)
	}
	return res
}

func agentResource(agent *models.Agent) auth.Resource {
	return auth.Resource{Type: models.EntityAgent, ID: agent.ID, OwnerUserID: agent.OwnerUserID}
}

// agentOwner resolves an agent's owning user for ownership checks. Any
// lookup problem degrades to "no owner", which only ever denies more.
func (s *Server) agentOwner(ctx context.Context, agentID *int64) *int64 {
	if agentID == nil {
		return nil
	}
	var row struct {
		OwnerUserID *int64 `db:"owner_user_id"`
	}
	found, err := s.deps.DB.One(ctx, &row, `SELECT owner_user_id FROM agents WHERE id = ?`, *agentID)
	if err != nil || !found {
		return nil
	}
	return row.OwnerUserID
}

// callerUserID extracts the acting user account, if the caller is one.
func callerUserID(id auth.Identity) (int64, bool) {
	switch caller := id.(type) {
	case auth.SessionUser:
		return caller.UserID, true
	case auth.UserKey:
		return caller.UserID, true
	}
	return 0, false
}
