package services

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/caravel-ai/caravel/pkg/database"
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/observability"
)

const deliverableColumns = `id, task_id, project_id, version, parent_id, status, content_type, title, content, files, actions, submitted_by_agent_id, review_note, reviewed_by, reviewed_at, created_at, updated_at`

// DeliverableService manages versioned work products and the review cycle
// around them.
type DeliverableService struct {
	db     *database.DB
	files  *FileStore
	logger observability.Logger
	events EventSink
}

func NewDeliverableService(db *database.DB, files *FileStore, logger observability.Logger, events EventSink) *DeliverableService {
	if events == nil {
		events = NoopSink{}
	}
	return &DeliverableService{db: db, files: files, logger: logger.WithPrefix("deliverables"), events: events}
}

// DeliverableSpec is a submission payload. Uploads arrive out of band
// (multipart), never in the JSON body.
type DeliverableSpec struct {
	TaskID      int64              `json:"taskId"`
	ContentType models.ContentType `json:"contentType"`
	Title       string             `json:"title"`
	Content     string             `json:"content"`
	Actions     models.JSONMap     `json:"actions"`
	Uploads     []FileUpload       `json:"-"`
}

func (spec *DeliverableSpec) validate() error {
	verr := &ValidationError{}
	if spec.TaskID <= 0 {
		verr.AddField("taskId", "is required")
	}
	if spec.ContentType == "" {
		spec.ContentType = models.ContentTypeMarkdown
	}
	if !spec.ContentType.Valid() {
		verr.AddField("contentType", "must be markdown, html, json, text, or code")
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// Submit creates the next version for the task. The version is re-read
// inside the transaction; a unique-index collision with a concurrent
// submission retries the whole transaction. Files are validated before the
// transaction and written to disk only after it commits.
func (s *DeliverableService) Submit(ctx context.Context, actor Actor, spec DeliverableSpec) (*models.Deliverable, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	if err := s.files.ValidateUploads(spec.Uploads); err != nil {
		return nil, err
	}
	plan := PlanUploads(spec.Uploads)

	var (
		deliverable *models.Deliverable
		events      []models.Event
	)
	attempt := func(ctx context.Context, tx *database.Tx) error {
		events = events[:0]
		task, err := loadTaskRow(ctx, tx, spec.TaskID)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			return Conflict("task %d is %s and no longer accepts deliverables", task.ID, task.Status)
		}
		version, err := nextVersion(ctx, tx, spec.TaskID)
		if err != nil {
			return err
		}
		id, err := tx.Insert(ctx,
			`INSERT INTO deliverables (task_id, project_id, version, status, content_type, title, content, files, actions, submitted_by_agent_id)
			 VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?)`,
			spec.TaskID, task.ProjectID, version, string(spec.ContentType), spec.Title, spec.Content, plan, spec.Actions, actor.AgentID)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return err
			}
			return errors.Wrap(err, "failed to insert deliverable")
		}

		if task.Status == models.TaskStatusInProgress {
			evts, err := transitionTask(ctx, tx, task, models.TaskStatusReview, actor)
			if err != nil {
				return err
			}
			events = append(events, evts...)
		}

		if err := RecordActivity(ctx, tx, models.EntityDeliverable, id, "deliverable.submitted", actor, models.JSONMap{
			"taskId":  spec.TaskID,
			"version": version,
		}); err != nil {
			return err
		}

		deliverable, err = loadDeliverableRow(ctx, tx, id)
		if err != nil {
			return err
		}
		evt := models.NewEvent(models.EventDeliverableSubmitted, task.ProjectID, models.JSONMap{
			"deliverableId": id,
			"taskId":        spec.TaskID,
			"version":       version,
		})
		evt.DeliverableID = &id
		events = append(events, evt)
		return nil
	}

	if err := s.retrying(ctx, attempt); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, Conflict("deliverable version contention on task %d, retry the submission", spec.TaskID)
		}
		return nil, err
	}

	s.writeFiles(ctx, deliverable, spec.Uploads)
	for _, e := range events {
		s.events.Emit(ctx, e)
	}
	return deliverable, nil
}

// RevisionSpec is the payload for a revision of an existing deliverable.
// Empty content type and title inherit the parent's.
type RevisionSpec struct {
	ContentType models.ContentType `json:"contentType"`
	Title       string             `json:"title"`
	Content     string             `json:"content"`
	Actions     models.JSONMap     `json:"actions"`
	Uploads     []FileUpload       `json:"-"`
}

// SubmitRevision creates the next version as a child of a
// revision_requested deliverable. The parent flips to revised and the task
// returns to review in the same transaction.
func (s *DeliverableService) SubmitRevision(ctx context.Context, actor Actor, parentID int64, spec RevisionSpec) (*models.Deliverable, error) {
	if spec.ContentType != "" && !spec.ContentType.Valid() {
		return nil, Invalid("contentType", "must be markdown, html, json, text, or code")
	}
	if err := s.files.ValidateUploads(spec.Uploads); err != nil {
		return nil, err
	}
	plan := PlanUploads(spec.Uploads)

	var (
		deliverable *models.Deliverable
		events      []models.Event
	)
	attempt := func(ctx context.Context, tx *database.Tx) error {
		events = events[:0]
		parent, err := loadDeliverableRow(ctx, tx, parentID)
		if err != nil {
			return err
		}
		if parent.Status != models.DeliverableStatusRevisionRequested {
			return Conflict("deliverable %d is %s; only revision_requested deliverables take revisions", parentID, parent.Status)
		}
		if parent.TaskID == nil {
			return Conflict("deliverable %d is not attached to a task", parentID)
		}
		task, err := loadTaskRow(ctx, tx, *parent.TaskID)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			return Conflict("task %d is %s and no longer accepts deliverables", task.ID, task.Status)
		}

		contentType := spec.ContentType
		if contentType == "" {
			contentType = parent.ContentType
		}
		title := spec.Title
		if title == "" {
			title = parent.Title
		}
		// The next version comes from the task-wide maximum, never from
		// parent.version+1; other submissions may have landed since.
		version, err := nextVersion(ctx, tx, *parent.TaskID)
		if err != nil {
			return err
		}
		id, err := tx.Insert(ctx,
			`INSERT INTO deliverables (task_id, project_id, version, parent_id, status, content_type, title, content, files, actions, submitted_by_agent_id)
			 VALUES (?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?)`,
			parent.TaskID, parent.ProjectID, version, parentID, string(contentType), title, spec.Content, plan, spec.Actions, actor.AgentID)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return err
			}
			return errors.Wrap(err, "failed to insert revision")
		}

		res, err := tx.Exec(ctx,
			`UPDATE deliverables SET status = 'revised', updated_at = datetime('now') WHERE id = ? AND status = 'revision_requested'`,
			parentID)
		if err != nil {
			return errors.Wrap(err, "failed to mark parent revised")
		}
		if res.Changes == 0 {
			return Conflict("deliverable %d was revised concurrently", parentID)
		}

		evts, err := flipTaskToReview(ctx, tx, task, actor)
		if err != nil {
			return err
		}
		events = append(events, evts...)

		if err := RecordActivity(ctx, tx, models.EntityDeliverable, id, "deliverable.submitted", actor, models.JSONMap{
			"taskId":   *parent.TaskID,
			"version":  version,
			"parentId": parentID,
		}); err != nil {
			return err
		}

		deliverable, err = loadDeliverableRow(ctx, tx, id)
		if err != nil {
			return err
		}
		evt := models.NewEvent(models.EventDeliverableSubmitted, task.ProjectID, models.JSONMap{
			"deliverableId": id,
			"taskId":        *parent.TaskID,
			"version":       version,
			"parentId":      parentID,
		})
		evt.DeliverableID = &id
		events = append(events, evt)
		return nil
	}

	if err := s.retrying(ctx, attempt); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, Conflict("deliverable version contention on deliverable %d, retry the revision", parentID)
		}
		return nil, err
	}

	s.writeFiles(ctx, deliverable, spec.Uploads)
	for _, e := range events {
		s.events.Emit(ctx, e)
	}
	return deliverable, nil
}

// Review records the verdict on a pending deliverable and moves the task:
// approved completes it (releasing the agent's slot), revision_requested
// sends it back to assigned for the rework pass, rejected leaves it in
// review awaiting another submission or a cancel.
func (s *DeliverableService) Review(ctx context.Context, actor Actor, id int64, decision models.ReviewDecision, note string) (*models.Deliverable, error) {
	if !decision.Valid() {
		return nil, Invalid("decision", "must be approved, revision_requested, or rejected")
	}

	var (
		out    *models.Deliverable
		events []models.Event
	)
	err := s.db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		events = events[:0]
		d, err := loadDeliverableRow(ctx, tx, id)
		if err != nil {
			return err
		}
		if d.Status != models.DeliverableStatusPending {
			return Conflict("deliverable %d has already been reviewed (%s)", id, d.Status)
		}

		var reviewNote interface{}
		if note != "" {
			reviewNote = note
		}
		if _, err := tx.Exec(ctx,
			`UPDATE deliverables SET status = ?, review_note = ?, reviewed_by = ?, reviewed_at = datetime('now'), updated_at = datetime('now') WHERE id = ?`,
			string(decision), reviewNote, actor.UserID, id); err != nil {
			return errors.Wrap(err, "failed to record review")
		}

		if d.TaskID != nil {
			task, err := loadTaskRow(ctx, tx, *d.TaskID)
			if err != nil {
				return err
			}
			if task.Status == models.TaskStatusReview {
				var target models.TaskStatus
				switch decision {
				case models.ReviewDecisionApproved:
					target = models.TaskStatusCompleted
				case models.ReviewDecisionRevisionRequested:
					target = models.TaskStatusAssigned
				}
				if target != "" {
					evts, err := transitionTask(ctx, tx, task, target, actor)
					if err != nil {
						return err
					}
					events = append(events, evts...)
				}
			}
		}

		eventType := models.EventDeliverableApproved
		switch decision {
		case models.ReviewDecisionRevisionRequested:
			eventType = models.EventDeliverableRevision
		case models.ReviewDecisionRejected:
			eventType = models.EventDeliverableRejected
		}
		if err := RecordActivity(ctx, tx, models.EntityDeliverable, id, string(eventType), actor, models.JSONMap{
			"decision": string(decision),
			"note":     note,
		}); err != nil {
			return err
		}

		out, err = loadDeliverableRow(ctx, tx, id)
		if err != nil {
			return err
		}
		evt := models.NewEvent(eventType, out.ProjectID, models.JSONMap{
			"deliverableId": id,
			"taskId":        out.TaskID,
			"version":       out.Version,
			"decision":      string(decision),
		})
		evt.DeliverableID = &id
		events = append(events, evt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		s.events.Emit(ctx, e)
	}
	return out, nil
}

func (s *DeliverableService) Get(ctx context.Context, id int64) (*models.Deliverable, error) {
	return loadDeliverableRow(ctx, s.db, id)
}

// DeliverableFilter narrows a listing. Task listings come back newest
// version first.
type DeliverableFilter struct {
	TaskID    *int64
	ProjectID *int64
	Status    models.DeliverableStatus
	Limit     int
}

func (s *DeliverableService) List(ctx context.Context, f DeliverableFilter) ([]models.Deliverable, error) {
	query := `SELECT ` + deliverableColumns + ` FROM deliverables`
	var (
		where []string
		args  []interface{}
	)
	if f.TaskID != nil {
		where = append(where, "task_id = ?")
		args = append(args, *f.TaskID)
	}
	if f.ProjectID != nil {
		where = append(where, "project_id = ?")
		args = append(args, *f.ProjectID)
	}
	if f.Status != "" {
		if !f.Status.Valid() {
			return nil, Invalid("status", "unknown deliverable status")
		}
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.TaskID != nil {
		query += " ORDER BY version DESC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	limit := f.Limit
	if limit <= 0 || limit > taskMaxLimit {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	out := []models.Deliverable{}
	if err := s.db.Many(ctx, &out, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to list deliverables")
	}
	return out, nil
}

// retrying reruns the transaction while it loses the version unique-index
// race, up to three attempts with a small randomized backoff.
func (s *DeliverableService) retrying(ctx context.Context, fn func(ctx context.Context, tx *database.Tx) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 100 * time.Millisecond
	return backoff.Retry(func() error {
		err := s.db.Tx(ctx, fn)
		if err == nil {
			return nil
		}
		if database.IsUniqueViolation(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, 2), ctx))
}

// writeFiles lands the uploads after commit and patches the stored
// metadata with paths or failure marks. Disk trouble is logged, never
// propagated; the deliverable row is already the source of truth.
func (s *DeliverableService) writeFiles(ctx context.Context, d *models.Deliverable, uploads []FileUpload) {
	if d == nil || len(uploads) == 0 {
		return
	}
	written := s.files.Write(d.ID, uploads)
	if _, err := s.db.Exec(ctx,
		`UPDATE deliverables SET files = ?, updated_at = datetime('now') WHERE id = ?`,
		written, d.ID); err != nil {
		s.logger.Error("Failed to record file paths", map[string]interface{}{
			"deliverable_id": d.ID,
			"error":          err.Error(),
		})
		return
	}
	d.Files = written
}

// flipTaskToReview returns a task to review after a revision submission.
// The rework pass may still sit in assigned when the revision lands, so
// this sets review directly; both states hold capacity, no counter moves.
func flipTaskToReview(ctx context.Context, tx *database.Tx, task *models.Task, actor Actor) ([]models.Event, error) {
	if task.Status == models.TaskStatusReview {
		return nil, nil
	}
	if _, err := tx.Exec(ctx,
		`UPDATE tasks SET status = 'review', updated_at = datetime('now') WHERE id = ?`,
		task.ID); err != nil {
		return nil, errors.Wrap(err, "failed to return task to review")
	}
	payload := models.JSONMap{"taskId": task.ID, "from": string(task.Status), "to": string(models.TaskStatusReview)}
	if task.AssignedAgentID != nil {
		payload["agentId"] = *task.AssignedAgentID
	}
	if err := RecordActivity(ctx, tx, models.EntityTask, task.ID, string(models.EventTaskStatusChanged), actor, payload); err != nil {
		return nil, err
	}
	task.Status = models.TaskStatusReview
	return []models.Event{models.NewEvent(models.EventTaskStatusChanged, task.ProjectID, payload)}, nil
}

func nextVersion(ctx context.Context, q database.Queryer, taskID int64) (int, error) {
	var row struct {
		Version int `db:"version"`
	}
	if _, err := q.One(ctx, &row,
		`SELECT COALESCE(MAX(version), 0) + 1 AS version FROM deliverables WHERE task_id = ?`,
		taskID); err != nil {
		return 0, errors.Wrap(err, "failed to compute next version")
	}
	return row.Version, nil
}

func loadDeliverableRow(ctx context.Context, q database.Queryer, id int64) (*models.Deliverable, error) {
	var d models.Deliverable
	found, err := q.One(ctx, &d, `SELECT `+deliverableColumns+` FROM deliverables WHERE id = ?`, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load deliverable")
	}
	if !found {
		return nil, NotFound("deliverable", id)
	}
	return &d, nil
}
