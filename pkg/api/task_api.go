package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/caravel-ai/caravel/pkg/auth"
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/services"
)

func (s *Server) listTasks(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	if !s.allow(c, id, auth.ActionRead, auth.Resource{Type: models.EntityTask}) {
		return
	}
	projectID, ok := queryInt64(c, "projectId")
	if !ok {
		return
	}
	agentID, ok := queryInt64(c, "assignedAgentId")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset")
	if !ok {
		return
	}
	priority, ok := queryInt(c, "priority")
	if !ok {
		return
	}
	filter := services.TaskFilter{
		ProjectID:       projectID,
		Status:          models.TaskStatus(c.Query("status")),
		AssignedAgentID: agentID,
		Tag:             c.Query("tag"),
		Limit:           limit,
		Offset:          offset,
	}
	if c.Query("priority") != "" {
		p := models.TaskPriority(priority)
		filter.Priority = &p
	}
	tasks, err := s.deps.Tasks.List(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, tasks)
}

func (s *Server) createTask(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	if !s.allow(c, id, auth.ActionWrite, auth.Resource{Type: models.EntityTask}) {
		return
	}
	var spec services.TaskSpec
	if !bindJSON(c, &spec) {
		return
	}
	task, err := s.deps.Tasks.Create(c.Request.Context(), id.Actor(), spec)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, task)
}

type bulkTasksRequest struct {
	Tasks []services.TaskSpec `json:"tasks"`
}

// createTasksBulk inserts every task or none of them.
func (s *Server) createTasksBulk(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	if !s.allow(c, id, auth.ActionWrite, auth.Resource{Type: models.EntityTask}) {
		return
	}
	var req bulkTasksRequest
	if !bindJSON(c, &req) {
		return
	}
	tasks, err := s.deps.Tasks.CreateBulk(c.Request.Context(), id.Actor(), req.Tasks)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, tasks)
}

func (s *Server) getTask(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	taskID, ok := pathID(c, "id")
	if !ok {
		return
	}
	task, err := s.deps.Tasks.Get(c.Request.Context(), taskID)
	if err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionRead, s.taskResource(c.Request.Context(), task)) {
		return
	}
	respond(c, http.StatusOK, task)
}

func (s *Server) updateTask(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	taskID, ok := pathID(c, "id")
	if !ok {
		return
	}
	task, err := s.deps.Tasks.Get(c.Request.Context(), taskID)
	if err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionWrite, s.taskResource(c.Request.Context(), task)) {
		return
	}
	var patch services.TaskPatch
	if !bindJSON(c, &patch) {
		return
	}
	updated, err := s.deps.Tasks.Update(c.Request.Context(), id.Actor(), taskID, patch)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, updated)
}

func (s *Server) deleteTask(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	taskID, ok := pathID(c, "id")
	if !ok {
		return
	}
	task, err := s.deps.Tasks.Get(c.Request.Context(), taskID)
	if err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionWrite, s.taskResource(c.Request.Context(), task)) {
		return
	}
	if err := s.deps.Tasks.Delete(c.Request.Context(), id.Actor(), taskID); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"deleted": true})
}

type claimRequest struct {
	AgentID int64 `json:"agentId"`
}

// claimTask assigns a pending task to an agent. An agent credential
// always claims for itself; user callers say which agent gets the work.
func (s *Server) claimTask(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	taskID, ok := pathID(c, "id")
	if !ok {
		return
	}
	task, err := s.deps.Tasks.Get(c.Request.Context(), taskID)
	if err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionClaim, s.taskResource(c.Request.Context(), task)) {
		return
	}

	agentID := int64(0)
	if key, isAgent := id.(auth.AgentKey); isAgent {
		agentID = key.AgentID
	} else {
		var req claimRequest
		if !bindJSON(c, &req) {
			return
		}
		if req.AgentID <= 0 {
			fail(c, services.Invalid("agentId", "is required"))
			return
		}
		agentID = req.AgentID
	}

	claimed, err := s.deps.Tasks.Claim(c.Request.Context(), id.Actor(), taskID, agentID)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, claimed)
}

type statusRequest struct {
	Status models.TaskStatus `json:"status"`
}

func (s *Server) setTaskStatus(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	taskID, ok := pathID(c, "id")
	if !ok {
		return
	}
	task, err := s.deps.Tasks.Get(c.Request.Context(), taskID)
	if err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionWrite, s.taskResource(c.Request.Context(), task)) {
		return
	}
	var req statusRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Status == "" {
		fail(c, services.Invalid("status", "is required"))
		return
	}
	updated, err := s.deps.Tasks.SetStatus(c.Request.Context(), id.Actor(), taskID, req.Status)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, updated)
}

func (s *Server) listTaskProgress(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	taskID, ok := pathID(c, "id")
	if !ok {
		return
	}
	task, err := s.deps.Tasks.Get(c.Request.Context(), taskID)
	if err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionRead, s.taskResource(c.Request.Context(), task)) {
		return
	}
	entries, err := s.deps.Tasks.ListProgress(c.Request.Context(), taskID)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, entries)
}

type progressRequest struct {
	Message string `json:"message"`
	Percent *int   `json:"percent"`
}

func (s *Server) addTaskProgress(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	taskID, ok := pathID(c, "id")
	if !ok {
		return
	}
	task, err := s.deps.Tasks.Get(c.Request.Context(), taskID)
	if err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionWrite, s.taskResource(c.Request.Context(), task)) {
		return
	}
	var req progressRequest
	if !bindJSON(c, &req) {
		return
	}
	entry, err := s.deps.Tasks.AddProgress(c.Request.Context(), id.Actor(), taskID, req.Message, req.Percent)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, entry)
}
