package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/caravel-ai/caravel/pkg/auth"
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/services"
)

func (s *Server) listAgents(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	if !s.allow(c, id, auth.ActionRead, auth.Resource{Type: models.EntityAgent}) {
		return
	}
	agents, err := s.deps.Agents.List(c.Request.Context(), services.AgentFilter{
		Status:     models.AgentStatus(c.Query("status")),
		Capability: c.Query("capability"),
	})
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, agents)
}

func (s *Server) createAgent(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	if !s.allow(c, id, auth.ActionWrite, auth.Resource{Type: models.EntityAgent}) {
		return
	}
	var in services.CreateAgentInput
	if !bindJSON(c, &in) {
		return
	}
	agent, err := s.deps.Agents.Create(c.Request.Context(), id.Actor(), in)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, agent)
}

func (s *Server) getAgent(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	agentID, ok := pathID(c, "id")
	if !ok {
		return
	}
	agent, err := s.deps.Agents.Get(c.Request.Context(), agentID)
	if err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionRead, agentResource(agent)) {
		return
	}
	respond(c, http.StatusOK, agent)
}

func (s *Server) updateAgent(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	agentID, ok := pathID(c, "id")
	if !ok {
		return
	}
	agent, err := s.deps.Agents.Get(c.Request.Context(), agentID)
	if err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionWrite, agentResource(agent)) {
		return
	}
	var in services.UpdateAgentInput
	if !bindJSON(c, &in) {
		return
	}
	updated, err := s.deps.Agents.Update(c.Request.Context(), id.Actor(), agentID, in)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, updated)
}

func (s *Server) deleteAgent(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	agentID, ok := pathID(c, "id")
	if !ok {
		return
	}
	agent, err := s.deps.Agents.Get(c.Request.Context(), agentID)
	if err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionWrite, agentResource(agent)) {
		return
	}
	if err := s.deps.Agents.Delete(c.Request.Context(), id.Actor(), agentID); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) listAgentKeys(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	agentID, ok := pathID(c, "id")
	if !ok {
		return
	}
	agent, err := s.deps.Agents.Get(c.Request.Context(), agentID)
	if err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionWrite, agentResource(agent)) {
		return
	}
	keys, err := s.deps.Keys.ListForAgent(c.Request.Context(), agentID)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, keys)
}

type mintKeyRequest struct {
	Name string `json:"name"`
}

// mintAgentKey issues a key for the agent. Writing an agent covers
// minting its credentials: admins and the owning user qualify.
func (s *Server) mintAgentKey(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	agentID, ok := pathID(c, "id")
	if !ok {
		return
	}
	agent, err := s.deps.Agents.Get(c.Request.Context(), agentID)
	if err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionWrite, agentResource(agent)) {
		return
	}
	var req mintKeyRequest
	if !bindJSON(c, &req) {
		return
	}
	minted, err := s.deps.Keys.MintAgentKey(c.Request.Context(), id.Actor(), agentID, req.Name)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, minted)
}

// revokeKey deletes any API key. Agent keys follow the agent's write
// rule; user keys may be revoked by their own account or an admin.
func (s *Server) revokeKey(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	keyID, ok := pathID(c, "id")
	if !ok {
		return
	}
	key, err := s.deps.Keys.Get(c.Request.Context(), keyID)
	if err != nil {
		fail(c, err)
		return
	}

	switch {
	case key.Kind == models.KeyKindAgent && key.AgentID != nil:
		agent, err := s.deps.Agents.Get(c.Request.Context(), *key.AgentID)
		if err != nil {
			fail(c, err)
			return
		}
		if !s.allow(c, id, auth.ActionWrite, agentResource(agent)) {
			return
		}
	case key.Kind == models.KeyKindUser && key.UserID != nil:
		if caller, ok := callerUserID(id); !ok || caller != *key.UserID {
			if !s.allow(c, id, auth.ActionAdmin, auth.Resource{Type: models.EntityUser, ID: *key.UserID}) {
				return
			}
		}
	default:
		if !s.allow(c, id, auth.ActionAdmin, auth.Resource{Type: models.EntityUser}) {
			return
		}
	}

	if err := s.deps.Keys.Revoke(c.Request.Context(), id.Actor(), keyID); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"revoked": true})
}
