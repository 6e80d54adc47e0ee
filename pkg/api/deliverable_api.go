package api

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/caravel-ai/caravel/pkg/auth"
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/services"
)

func (s *Server) listDeliverables(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	if !s.allow(c, id, auth.ActionRead, auth.Resource{Type: models.EntityDeliverable}) {
		return
	}
	taskID, ok := queryInt64(c, "taskId")
	if !ok {
		return
	}
	projectID, ok := queryInt64(c, "projectId")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		return
	}
	deliverables, err := s.deps.Deliverables.List(c.Request.Context(), services.DeliverableFilter{
		TaskID:    taskID,
		ProjectID: projectID,
		Status:    models.DeliverableStatus(c.Query("status")),
		Limit:     limit,
	})
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, deliverables)
}

// submitDeliverable accepts a JSON body or a multipart form with a
// "payload" JSON field and "files" parts. Write rights ride on the owning
// task's assignment.
func (s *Server) submitDeliverable(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	var spec services.DeliverableSpec
	uploads, ok := bindSubmission(c, &spec)
	if !ok {
		return
	}
	spec.Uploads = uploads
	if spec.TaskID <= 0 {
		fail(c, services.Invalid("taskId", "is required"))
		return
	}

	task, err := s.deps.Tasks.Get(c.Request.Context(), spec.TaskID)
	if err != nil {
		fail(c, err)
		return
	}
	res := auth.Resource{
		Type:            models.EntityDeliverable,
		AssignedAgentID: task.AssignedAgentID,
		OwnerUserID:     s.agentOwner(c.Request.Context(), task.AssignedAgentID),
	}
	if !s.allow(c, id, auth.ActionWrite, res) {
		return
	}

	deliverable, err := s.deps.Deliverables.Submit(c.Request.Context(), id.Actor(), spec)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, deliverable)
}

func (s *Server) getDeliverable(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	deliverableID, ok := pathID(c, "id")
	if !ok {
		return
	}
	deliverable, err := s.deps.Deliverables.Get(c.Request.Context(), deliverableID)
	if err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionRead, auth.Resource{Type: models.EntityDeliverable, ID: deliverableID}) {
		return
	}
	respond(c, http.StatusOK, deliverable)
}

func (s *Server) submitRevision(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	parentID, ok := pathID(c, "id")
	if !ok {
		return
	}
	parent, err := s.deps.Deliverables.Get(c.Request.Context(), parentID)
	if err != nil {
		fail(c, err)
		return
	}
	task, err := s.deliverableTask(c, parent)
	if err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionWrite, s.deliverableResource(c.Request.Context(), parent, task)) {
		return
	}

	var spec services.RevisionSpec
	uploads, ok := bindSubmission(c, &spec)
	if !ok {
		return
	}
	spec.Uploads = uploads

	deliverable, err := s.deps.Deliverables.SubmitRevision(c.Request.Context(), id.Actor(), parentID, spec)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, deliverable)
}

type reviewRequest struct {
	Decision models.ReviewDecision `json:"decision"`
	Note     string                `json:"note"`
}

func (s *Server) reviewDeliverable(c *gin.Context) {
	id, ok := s.identity(c)
	if !ok {
		return
	}
	deliverableID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if _, err := s.deps.Deliverables.Get(c.Request.Context(), deliverableID); err != nil {
		fail(c, err)
		return
	}
	if !s.allow(c, id, auth.ActionReview, auth.Resource{Type: models.EntityDeliverable, ID: deliverableID}) {
		return
	}
	var req reviewRequest
	if !bindJSON(c, &req) {
		return
	}
	deliverable, err := s.deps.Deliverables.Review(c.Request.Context(), id.Actor(), deliverableID, req.Decision, req.Note)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, deliverable)
}

// deliverableTask loads the owning task when the deliverable still has
// one. A deliverable orphaned by task deletion authorizes like an
// unassigned one.
func (s *Server) deliverableTask(c *gin.Context, d *models.Deliverable) (*models.Task, error) {
	if d.TaskID == nil {
		return nil, nil
	}
	task, err := s.deps.Tasks.Get(c.Request.Context(), *d.TaskID)
	if err != nil {
		if services.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return task, nil
}

// bindSubmission decodes a submission body. JSON bodies bind directly;
// multipart forms carry the JSON under "payload" with attachments under
// "files". Size limits are enforced by the service before any write.
func bindSubmission(c *gin.Context, dest interface{}) ([]services.FileUpload, bool) {
	if c.ContentType() != "multipart/form-data" {
		if !bindJSON(c, dest) {
			return nil, false
		}
		return nil, true
	}

	form, err := c.MultipartForm()
	if err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", "invalid multipart form: "+err.Error(), nil)
		return nil, false
	}
	if vals := form.Value["payload"]; len(vals) > 0 && vals[0] != "" {
		if err := json.Unmarshal([]byte(vals[0]), dest); err != nil {
			respondError(c, http.StatusBadRequest, "BAD_REQUEST", "invalid payload field: "+err.Error(), nil)
			return nil, false
		}
	}
	uploads, err := readUploads(form.File["files"])
	if err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", "failed to read uploaded file: "+err.Error(), nil)
		return nil, false
	}
	return uploads, true
}

func readUploads(headers []*multipart.FileHeader) ([]services.FileUpload, error) {
	uploads := make([]services.FileUpload, 0, len(headers))
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", h.Filename)
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", h.Filename)
		}
		uploads = append(uploads, services.FileUpload{Filename: h.Filename, Data: data})
	}
	return uploads, nil
}
