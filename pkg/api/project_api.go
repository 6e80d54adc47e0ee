package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/caravel-ai/caravel/pkg/auth"
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/routing"
	"github.com/caravel-ai/caravel/pkg/services"
)

func (s *Server) listProjects(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	if !s.allow(c, id, auth.ActionRead, auth.Resource{Type: models.EntityProject}) {
		return
	}
	projects, err := s.deps.Projects.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, projects)
}

func (s *Server) createProject(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	if !s.allow(c, id, auth.ActionWrite, auth.Resource{Type: models.EntityProject}) {
		return
	}
	var in services.CreateProjectInput
	if !bindJSON(c, &in) {
		return
	}
	project, err := s.deps.Projects.Create(c.Request.Context(), id.Actor(), in)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, project)
}

func (s *Server) getProject(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	projectID, ok := pathID(c, "id")
	if !ok {
		return
	}
	project, err := s.deps.Projects.Get(c.Request.Context(), projectID)
	if err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionRead, auth.Resource{Type: models.EntityProject, ID: projectID}) {
		return
	}
	respond(c, http.StatusOK, project)
}

func (s *Server) updateProject(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	projectID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if _, err := s.deps.Projects.Get(c.Request.Context(), projectID); err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionWrite, auth.Resource{Type: models.EntityProject, ID: projectID}) {
		return
	}
	var in services.UpdateProjectInput
	if !bindJSON(c, &in) {
		return
	}
	project, err := s.deps.Projects.Update(c.Request.Context(), id.Actor(), projectID, in)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, project)
}

func (s *Server) deleteProject(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	projectID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if _, err := s.deps.Projects.Get(c.Request.Context(), projectID); err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionWrite, auth.Resource{Type: models.EntityProject, ID: projectID}) {
		return
	}
	if err := s.deps.Projects.Delete(c.Request.Context(), id.Actor(), projectID); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) getRoutingRules(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	projectID, ok := pathID(c, "id")
	if !ok {
		return
	}
	rules, err := s.deps.Projects.Rules(c.Request.Context(), projectID)
	if err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionRead, auth.Resource{Type: models.EntityProject, ID: projectID}) {
		return
	}
	respond(c, http.StatusOK, rules)
}

// putRoutingRules swaps the whole rule list. The body is handed to the
// routing parser raw so its error positions refer to the caller's JSON.
func (s *Server) putRoutingRules(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	projectID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if _, err := s.deps.Projects.Get(c.Request.Context(), projectID); err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionWrite, auth.Resource{Type: models.EntityProject, ID: projectID}) {
		return
	}
	raw, err := c.GetRawData()
	if err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", "failed to read request body", nil)
		return
	}
	rules, err := s.deps.Projects.ReplaceRules(c.Request.Context(), id.Actor(), projectID, raw)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, rules)
}

type testRouteRequest struct {
	Tags     models.StringList   `json:"tags"`
	Priority models.TaskPriority `json:"priority"`
	Context  models.JSONMap      `json:"context"`
}

// testRoutingRules dry-runs the project's rules against a hypothetical
// task. Nothing is reserved or written.
func (s *Server) testRoutingRules(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	projectID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if !s.allow(c, id, auth.ActionRead, auth.Resource{Type: models.EntityProject, ID: projectID}) {
		return
	}
	var req testRouteRequest
	if !bindJSON(c, &req) {
		return
	}
	decision, err := s.deps.Projects.TestRoute(c.Request.Context(), projectID, routing.TaskInput{
		Tags:     req.Tags,
		Priority: req.Priority,
		Context:  req.Context,
	})
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, decision)
}
