package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/caravel-ai/caravel/pkg/database"
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/observability"
	"github.com/caravel-ai/caravel/pkg/routing"
)

const taskColumns = `id, project_id, title, description, status, priority, tags, context, assigned_agent_id, routing_rule_id, routing_decision, created_by, claimed_at, completed_at, created_at, updated_at`

const bulkCreateMax = 50

// AgentAssignment is the tri-state assignedAgentId field: absent (leave
// alone), null (unassign), "auto" (route), or an explicit agent id. The
// field stays a value type so explicit null still reaches UnmarshalJSON.
type AgentAssignment struct {
	Set  bool
	Auto bool
	ID   *int64
}

func (a *AgentAssignment) UnmarshalJSON(data []byte) error {
	a.Set = true
	a.Auto = false
	a.ID = nil
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s != "auto" {
			return errors.Errorf("assignedAgentId must be an agent id, \"auto\", or null; got %q", s)
		}
		a.Auto = true
		return nil
	}
	var id int64
	if err := json.Unmarshal(data, &id); err != nil {
		return errors.New("assignedAgentId must be an agent id, \"auto\", or null")
	}
	a.ID = &id
	return nil
}

// TaskService drives the task lifecycle: creation with routing, claims,
// status transitions, progress, and the agent counter bookkeeping that
// goes with each of them.
type TaskService struct {
	db     *database.DB
	router *routing.Router
	logger observability.Logger
	events EventSink
}

func NewTaskService(db *database.DB, router *routing.Router, logger observability.Logger, events EventSink) *TaskService {
	if events == nil {
		events = NoopSink{}
	}
	return &TaskService{db: db, router: router, logger: logger.WithPrefix("tasks"), events: events}
}

// TaskSpec is one task in a create request.
type TaskSpec struct {
	ProjectID       *int64               `json:"projectId"`
	Title           string               `json:"title"`
	Description     string               `json:"description"`
	Priority        *models.TaskPriority `json:"priority"`
	Tags            models.StringList    `json:"tags"`
	Context         models.JSONMap       `json:"context"`
	AssignedAgentID AgentAssignment      `json:"assignedAgentId"`
}

func (spec *TaskSpec) priority() models.TaskPriority {
	if spec.Priority == nil {
		return models.TaskPriorityMedium
	}
	return *spec.Priority
}

func (spec *TaskSpec) validate() error {
	verr := &ValidationError{}
	spec.Title = strings.TrimSpace(spec.Title)
	if spec.Title == "" {
		verr.AddField("title", "is required")
	}
	if spec.Priority != nil && !spec.Priority.Valid() {
		verr.AddField("priority", "must be between 1 (urgent) and 4 (low)")
	}
	if spec.AssignedAgentID.Auto && spec.ProjectID == nil {
		verr.AddField("assignedAgentId", `"auto" requires projectId`)
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// Create inserts one task, routing or reserving per spec.AssignedAgentID,
// all in one transaction. Events go out after commit.
func (s *TaskService) Create(ctx context.Context, actor Actor, spec TaskSpec) (*models.Task, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	var (
		task   *models.Task
		events []models.Event
	)
	err := s.db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		var err error
		task, events, err = s.createOne(ctx, tx, actor, spec)
		if err != nil {
			return err
		}
		detail := models.JSONMap{"title": task.Title, "priority": int(task.Priority)}
		if task.AssignedAgentID != nil {
			detail["agentId"] = *task.AssignedAgentID
		}
		return RecordActivity(ctx, tx, models.EntityTask, task.ID, "task.created", actor, detail)
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events)
	return task, nil
}

// CreateBulk inserts up to 50 tasks in a single transaction. Any failure
// rolls the whole batch back, reservations included.
func (s *TaskService) CreateBulk(ctx context.Context, actor Actor, specs []TaskSpec) ([]models.Task, error) {
	if len(specs) == 0 {
		return nil, Invalid("tasks", "at least one task is required")
	}
	if len(specs) > bulkCreateMax {
		return nil, Invalid("tasks", fmt.Sprintf("at most %d tasks per request", bulkCreateMax))
	}
	for i := range specs {
		if err := specs[i].validate(); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				out := &ValidationError{}
				for _, f := range verr.Fields {
					out.AddField(fmt.Sprintf("tasks.%d.%s", i, f.Path), f.Message)
				}
				return nil, out
			}
			return nil, err
		}
	}

	var (
		tasks  []models.Task
		events []models.Event
	)
	err := s.db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		tasks = tasks[:0]
		events = events[:0]
		ids := make([]int64, 0, len(specs))
		for i := range specs {
			task, evts, err := s.createOne(ctx, tx, actor, specs[i])
			if err != nil {
				return errors.Wrapf(err, "tasks.%d", i)
			}
			tasks = append(tasks, *task)
			events = append(events, evts...)
			ids = append(ids, task.ID)
		}
		return RecordActivity(ctx, tx, models.EntityTask, 0, "task.bulk_created", actor, models.JSONMap{
			"count":   len(ids),
			"taskIds": ids,
		})
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events)
	return tasks, nil
}

func (s *TaskService) createOne(ctx context.Context, tx *database.Tx, actor Actor, spec TaskSpec) (*models.Task, []models.Event, error) {
	if spec.ProjectID != nil {
		if err := requireRow(ctx, tx, "projects", "project", *spec.ProjectID); err != nil {
			return nil, nil, err
		}
	}
	priority := spec.priority()
	id, err := tx.Insert(ctx,
		`INSERT INTO tasks (project_id, title, description, priority, tags, context, created_by) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		spec.ProjectID, spec.Title, spec.Description, int(priority), spec.Tags, spec.Context, actor.UserID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to insert task")
	}

	events := []models.Event{models.NewEvent(models.EventTaskCreated, spec.ProjectID, models.JSONMap{
		"taskId":   id,
		"title":    spec.Title,
		"priority": int(priority),
	})}

	switch {
	case spec.AssignedAgentID.Auto:
		project, err := loadProjectRow(ctx, tx, *spec.ProjectID)
		if err != nil {
			return nil, nil, err
		}
		decision, err := s.router.Assign(ctx, tx, project, routing.TaskInput{Tags: spec.Tags, Priority: priority, Context: spec.Context})
		if err != nil {
			return nil, nil, err
		}
		encoded, err := decision.Encode()
		if err != nil {
			return nil, nil, err
		}
		if decision.Assigned() {
			if _, err := tx.Exec(ctx,
				`UPDATE tasks SET status = 'assigned', assigned_agent_id = ?, routing_rule_id = ?, routing_decision = ?, updated_at = datetime('now') WHERE id = ?`,
				*decision.AgentID, decision.RuleID, encoded, id); err != nil {
				return nil, nil, errors.Wrap(err, "failed to store assignment")
			}
			events = append(events, assignedEvent(id, spec.ProjectID, decision))
		} else {
			if _, err := tx.Exec(ctx,
				`UPDATE tasks SET routing_decision = ?, updated_at = datetime('now') WHERE id = ?`,
				encoded, id); err != nil {
				return nil, nil, errors.Wrap(err, "failed to store routing decision")
			}
		}
	case spec.AssignedAgentID.ID != nil:
		agentID := *spec.AssignedAgentID.ID
		if err := routing.Reserve(ctx, tx, agentID); err != nil {
			return nil, nil, mapReserveErr(err, agentID)
		}
		decision := manualDecision(agentID)
		encoded, err := decision.Encode()
		if err != nil {
			return nil, nil, err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE tasks SET status = 'assigned', assigned_agent_id = ?, routing_decision = ?, updated_at = datetime('now') WHERE id = ?`,
			agentID, encoded, id); err != nil {
			return nil, nil, errors.Wrap(err, "failed to store assignment")
		}
		events = append(events, assignedEvent(id, spec.ProjectID, decision))
	}

	task, err := loadTaskRow(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}
	return task, events, nil
}

// TaskPatch carries PATCH fields; nil means unchanged. A status value
// drives a validated lifecycle transition; assignedAgentId drives
// reassignment.
type TaskPatch struct {
	Title           *string              `json:"title"`
	Description     *string              `json:"description"`
	Priority        *models.TaskPriority `json:"priority"`
	Tags            *models.StringList   `json:"tags"`
	Context         *models.JSONMap      `json:"context"`
	Status          *models.TaskStatus   `json:"status"`
	AssignedAgentID AgentAssignment      `json:"assignedAgentId"`
}

func (p *TaskPatch) validate() error {
	verr := &ValidationError{}
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		verr.AddField("title", "must not be empty")
	}
	if p.Priority != nil && !p.Priority.Valid() {
		verr.AddField("priority", "must be between 1 (urgent) and 4 (low)")
	}
	if p.Status != nil && !p.Status.Valid() {
		verr.AddField("status", "unknown status")
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

func (p *TaskPatch) hasFieldEdits() bool {
	return p.Title != nil || p.Description != nil || p.Priority != nil || p.Tags != nil || p.Context != nil
}

// Update patches task fields. Reassignment applies first, then the status
// transition, then plain field edits, all in one transaction.
func (s *TaskService) Update(ctx context.Context, actor Actor, id int64, patch TaskPatch) (*models.Task, error) {
	if err := patch.validate(); err != nil {
		return nil, err
	}

	var (
		out    *models.Task
		events []models.Event
	)
	err := s.db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		events = events[:0]
		task, err := loadTaskRow(ctx, tx, id)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			return Conflict("task %d is %s and can no longer change", id, task.Status)
		}

		if patch.AssignedAgentID.Set {
			evts, err := s.reassign(ctx, tx, task, patch.AssignedAgentID, actor)
			if err != nil {
				return err
			}
			events = append(events, evts...)
		}
		if patch.Status != nil {
			evts, err := transitionTask(ctx, tx, task, *patch.Status, actor)
			if err != nil {
				return err
			}
			events = append(events, evts...)
		}
		if patch.hasFieldEdits() {
			if err := s.applyFieldEdits(ctx, tx, task, patch, actor); err != nil {
				return err
			}
		}

		out, err = loadTaskRow(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events)
	return out, nil
}

func (s *TaskService) applyFieldEdits(ctx context.Context, tx *database.Tx, task *models.Task, patch TaskPatch, actor Actor) error {
	set := []string{"updated_at = datetime('now')"}
	args := []interface{}{}
	detail := models.JSONMap{}
	if patch.Title != nil {
		set = append(set, "title = ?")
		args = append(args, strings.TrimSpace(*patch.Title))
		detail["title"] = *patch.Title
	}
	if patch.Description != nil {
		set = append(set, "description = ?")
		args = append(args, *patch.Description)
	}
	if patch.Priority != nil {
		set = append(set, "priority = ?")
		args = append(args, int(*patch.Priority))
		detail["priority"] = int(*patch.Priority)
	}
	if patch.Tags != nil {
		set = append(set, "tags = ?")
		args = append(args, *patch.Tags)
		detail["tags"] = []string(*patch.Tags)
	}
	if patch.Context != nil {
		set = append(set, "context = ?")
		args = append(args, *patch.Context)
	}
	args = append(args, task.ID)
	if _, err := tx.Exec(ctx, `UPDATE tasks SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...); err != nil {
		return errors.Wrap(err, "failed to update task")
	}
	return RecordActivity(ctx, tx, models.EntityTask, task.ID, "task.updated", actor, detail)
}

// reassign moves the task between agents. The old holder's slot is always
// released first; on the "auto" path a routing miss leaves the task
// unassigned rather than restoring the old agent, so counters never leak.
func (s *TaskService) reassign(ctx context.Context, tx *database.Tx, task *models.Task, assign AgentAssignment, actor Actor) ([]models.Event, error) {
	held := task.HoldsCapacity()
	oldAgent := task.AssignedAgentID

	release := func() error {
		if held && oldAgent != nil {
			if err := routing.Release(ctx, tx, *oldAgent); err != nil {
				return err
			}
		}
		return nil
	}

	switch {
	case assign.Auto:
		if task.ProjectID == nil {
			return nil, Invalid("assignedAgentId", `"auto" requires the task to belong to a project`)
		}
		if err := release(); err != nil {
			return nil, err
		}
		project, err := loadProjectRow(ctx, tx, *task.ProjectID)
		if err != nil {
			return nil, err
		}
		decision, err := s.router.Assign(ctx, tx, project, routing.TaskInput{Tags: task.Tags, Priority: task.Priority, Context: task.Context})
		if err != nil {
			return nil, err
		}
		encoded, err := decision.Encode()
		if err != nil {
			return nil, err
		}
		if decision.Assigned() {
			status := task.Status
			if status == models.TaskStatusPending {
				status = models.TaskStatusAssigned
			}
			if _, err := tx.Exec(ctx,
				`UPDATE tasks SET assigned_agent_id = ?, routing_rule_id = ?, status = ?, routing_decision = ?, updated_at = datetime('now') WHERE id = ?`,
				*decision.AgentID, decision.RuleID, string(status), encoded, task.ID); err != nil {
				return nil, errors.Wrap(err, "failed to store reassignment")
			}
			if err := RecordActivity(ctx, tx, models.EntityTask, task.ID, "task.reassigned", actor, models.JSONMap{"from": oldAgent, "to": *decision.AgentID}); err != nil {
				return nil, err
			}
			task.AssignedAgentID = decision.AgentID
			task.RoutingRuleID = decision.RuleID
			task.Status = status
			return []models.Event{assignedEvent(task.ID, task.ProjectID, decision)}, nil
		}
		// No eligible agent: the task ends up unassigned, old slot stays
		// released.
		if _, err := tx.Exec(ctx,
			`UPDATE tasks SET assigned_agent_id = NULL, routing_rule_id = NULL, routing_decision = ?, updated_at = datetime('now') WHERE id = ?`,
			encoded, task.ID); err != nil {
			return nil, errors.Wrap(err, "failed to store reassignment")
		}
		if err := RecordActivity(ctx, tx, models.EntityTask, task.ID, "task.reassigned", actor, models.JSONMap{"from": oldAgent, "to": nil, "reasons": decision.Reasons}); err != nil {
			return nil, err
		}
		task.AssignedAgentID = nil
		task.RoutingRuleID = nil
		return nil, nil

	case assign.ID == nil:
		if oldAgent == nil {
			return nil, nil
		}
		if err := release(); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE tasks SET assigned_agent_id = NULL, routing_rule_id = NULL, updated_at = datetime('now') WHERE id = ?`,
			task.ID); err != nil {
			return nil, errors.Wrap(err, "failed to unassign task")
		}
		if err := RecordActivity(ctx, tx, models.EntityTask, task.ID, "task.unassigned", actor, models.JSONMap{"from": *oldAgent}); err != nil {
			return nil, err
		}
		task.AssignedAgentID = nil
		task.RoutingRuleID = nil
		return nil, nil

	default:
		newAgent := *assign.ID
		if oldAgent != nil && *oldAgent == newAgent {
			return nil, nil
		}
		if err := release(); err != nil {
			return nil, err
		}
		// Operator reassignment bypasses the capacity guard; the agent may
		// be pushed over its limit on purpose.
		if err := routing.ReserveForce(ctx, tx, newAgent); err != nil {
			if errors.Is(err, routing.ErrAgentNotFound) {
				return nil, NotFound("agent", newAgent)
			}
			return nil, err
		}
		status := task.Status
		if status == models.TaskStatusPending {
			status = models.TaskStatusAssigned
		}
		decision := manualDecision(newAgent)
		encoded, err := decision.Encode()
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE tasks SET assigned_agent_id = ?, routing_rule_id = NULL, status = ?, routing_decision = ?, updated_at = datetime('now') WHERE id = ?`,
			newAgent, string(status), encoded, task.ID); err != nil {
			return nil, errors.Wrap(err, "failed to store reassignment")
		}
		if err := RecordActivity(ctx, tx, models.EntityTask, task.ID, "task.reassigned", actor, models.JSONMap{"from": oldAgent, "to": newAgent}); err != nil {
			return nil, err
		}
		task.AssignedAgentID = &newAgent
		task.RoutingRuleID = nil
		task.Status = status
		return []models.Event{assignedEvent(task.ID, task.ProjectID, decision)}, nil
	}
}

// transitionTask applies one validated status change with its capacity
// side effects. The caller's task copy is updated in place. Shared with
// the deliverable review flow, which moves tasks as a side effect.
func transitionTask(ctx context.Context, tx *database.Tx, task *models.Task, target models.TaskStatus, actor Actor) ([]models.Event, error) {
	if task.Status == target {
		return nil, nil
	}
	if !task.Status.CanTransitionTo(target) {
		return nil, Conflict("task %d cannot move from %s to %s", task.ID, task.Status, target)
	}
	if target == models.TaskStatusAssigned && task.AssignedAgentID == nil {
		return nil, Invalid("status", "cannot assign a task that has no agent")
	}

	next := *task
	next.Status = target
	switch {
	case task.HoldsCapacity() && !next.HoldsCapacity():
		if err := routing.Release(ctx, tx, *task.AssignedAgentID); err != nil {
			return nil, err
		}
	case !task.HoldsCapacity() && next.HoldsCapacity():
		if err := routing.Reserve(ctx, tx, *next.AssignedAgentID); err != nil {
			return nil, mapReserveErr(err, *next.AssignedAgentID)
		}
	}

	set := `status = ?, updated_at = datetime('now')`
	if target == models.TaskStatusCompleted {
		set += `, completed_at = datetime('now')`
	}
	if _, err := tx.Exec(ctx, `UPDATE tasks SET `+set+` WHERE id = ?`, string(target), task.ID); err != nil {
		return nil, errors.Wrap(err, "failed to update task status")
	}

	eventType := models.EventTaskStatusChanged
	switch target {
	case models.TaskStatusCompleted:
		eventType = models.EventTaskCompleted
	case models.TaskStatusCancelled:
		eventType = models.EventTaskCancelled
	}
	payload := models.JSONMap{"taskId": task.ID, "from": string(task.Status), "to": string(target)}
	if task.AssignedAgentID != nil {
		payload["agentId"] = *task.AssignedAgentID
	}
	if err := RecordActivity(ctx, tx, models.EntityTask, task.ID, string(eventType), actor, payload); err != nil {
		return nil, err
	}

	task.Status = target
	return []models.Event{models.NewEvent(eventType, task.ProjectID, payload)}, nil
}

// SetStatus runs a bare status transition. The agent-facing endpoint
// restricts targets to in_progress and review before calling in; internal
// callers may request any legal transition.
func (s *TaskService) SetStatus(ctx context.Context, actor Actor, id int64, target models.TaskStatus) (*models.Task, error) {
	if !target.Valid() {
		return nil, Invalid("status", "unknown status")
	}
	var (
		out    *models.Task
		events []models.Event
	)
	err := s.db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		task, err := loadTaskRow(ctx, tx, id)
		if err != nil {
			return err
		}
		events, err = transitionTask(ctx, tx, task, target, actor)
		if err != nil {
			return err
		}
		out, err = loadTaskRow(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events)
	return out, nil
}

// Claim lets an agent take claimable work. The guarded UPDATE decides the
// race; the loser sees zero changed rows and gets a conflict.
func (s *TaskService) Claim(ctx context.Context, actor Actor, taskID, agentID int64) (*models.Task, error) {
	var (
		out    *models.Task
		events []models.Event
	)
	err := s.db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		task, err := loadTaskRow(ctx, tx, taskID)
		if err != nil {
			return err
		}
		alreadyHeld := task.HoldsCapacity() && *task.AssignedAgentID == agentID

		res, err := tx.Exec(ctx,
			`UPDATE tasks SET status = 'assigned', assigned_agent_id = ?, claimed_at = datetime('now'), updated_at = datetime('now')
			 WHERE id = ? AND status IN ('pending', 'assigned') AND (assigned_agent_id IS NULL OR assigned_agent_id = ?)`,
			agentID, taskID, agentID)
		if err != nil {
			return errors.Wrap(err, "failed to claim task")
		}
		if res.Changes == 0 {
			return Conflict("task %d is not claimable by agent %d", taskID, agentID)
		}
		if !alreadyHeld {
			if err := routing.Reserve(ctx, tx, agentID); err != nil {
				return mapReserveErr(err, agentID)
			}
		}
		if err := RecordActivity(ctx, tx, models.EntityTask, taskID, "task.claimed", actor, models.JSONMap{"agentId": agentID}); err != nil {
			return err
		}
		events = []models.Event{models.NewEvent(models.EventTaskAssigned, task.ProjectID, models.JSONMap{
			"taskId":  taskID,
			"agentId": agentID,
			"claimed": true,
		})}
		out, err = loadTaskRow(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events)
	return out, nil
}

// AddProgress appends a progress note. Percent is clamped to 0..100.
func (s *TaskService) AddProgress(ctx context.Context, actor Actor, taskID int64, message string, percent *int) (*models.TaskProgress, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, Invalid("message", "is required")
	}
	if percent != nil {
		p := *percent
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		percent = &p
	}

	var out *models.TaskProgress
	err := s.db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		task, err := loadTaskRow(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != models.TaskStatusInProgress {
			return Conflict("progress requires an in_progress task; task %d is %s", taskID, task.Status)
		}
		id, err := tx.Insert(ctx,
			`INSERT INTO task_progress (task_id, message, percent, reported_by) VALUES (?, ?, ?, ?)`,
			taskID, message, percent, actor.Name)
		if err != nil {
			return errors.Wrap(err, "failed to insert progress")
		}
		detail := models.JSONMap{"message": message}
		if percent != nil {
			detail["percent"] = *percent
		}
		if err := RecordActivity(ctx, tx, models.EntityTask, taskID, "task.progress", actor, detail); err != nil {
			return err
		}
		var row models.TaskProgress
		found, err := tx.One(ctx, &row,
			`SELECT id, task_id, message, percent, reported_by, created_at FROM task_progress WHERE id = ?`, id)
		if err != nil {
			return errors.Wrap(err, "failed to reload progress")
		}
		if !found {
			return errors.New("progress row vanished")
		}
		out = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *TaskService) ListProgress(ctx context.Context, taskID int64) ([]models.TaskProgress, error) {
	if _, err := s.Get(ctx, taskID); err != nil {
		return nil, err
	}
	rows := []models.TaskProgress{}
	err := s.db.Many(ctx, &rows,
		`SELECT id, task_id, message, percent, reported_by, created_at FROM task_progress WHERE task_id = ? ORDER BY id ASC`,
		taskID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list progress")
	}
	return rows, nil
}

// Delete removes a task, releasing any slot it holds. Progress rows
// cascade with the schema.
func (s *TaskService) Delete(ctx context.Context, actor Actor, id int64) error {
	return s.db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		task, err := loadTaskRow(ctx, tx, id)
		if err != nil {
			return err
		}
		if task.HoldsCapacity() {
			if err := routing.Release(ctx, tx, *task.AssignedAgentID); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return errors.Wrap(err, "failed to delete task")
		}
		return RecordActivity(ctx, tx, models.EntityTask, id, "task.deleted", actor, nil)
	})
}

func (s *TaskService) Get(ctx context.Context, id int64) (*models.Task, error) {
	return loadTaskRow(ctx, s.db, id)
}

// TaskFilter narrows a task listing.
type TaskFilter struct {
	ProjectID       *int64
	Status          models.TaskStatus
	AssignedAgentID *int64
	Priority        *models.TaskPriority
	Tag             string
	Limit           int
	Offset          int
}

const taskMaxLimit = 500

func (s *TaskService) List(ctx context.Context, f TaskFilter) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var (
		where []string
		args  []interface{}
	)
	if f.ProjectID != nil {
		where = append(where, "project_id = ?")
		args = append(args, *f.ProjectID)
	}
	if f.Status != "" {
		if !f.Status.Valid() {
			return nil, Invalid("status", "unknown status")
		}
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.AssignedAgentID != nil {
		where = append(where, "assigned_agent_id = ?")
		args = append(args, *f.AssignedAgentID)
	}
	if f.Priority != nil {
		if !f.Priority.Valid() {
			return nil, Invalid("priority", "must be between 1 (urgent) and 4 (low)")
		}
		where = append(where, "priority = ?")
		args = append(args, int(*f.Priority))
	}
	if f.Tag != "" {
		// Tags are a JSON array of strings; a quoted-substring match is
		// portable across both dialects.
		where = append(where, "tags LIKE ?")
		args = append(args, `%"`+f.Tag+`"%`)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > taskMaxLimit {
		limit = 100
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	tasks := []models.Task{}
	if err := s.db.Many(ctx, &tasks, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to list tasks")
	}
	return tasks, nil
}

func (s *TaskService) emit(ctx context.Context, events []models.Event) {
	for _, e := range events {
		s.events.Emit(ctx, e)
	}
}

func assignedEvent(taskID int64, projectID *int64, decision *models.RoutingDecision) models.Event {
	payload := models.JSONMap{
		"taskId":   taskID,
		"agentId":  *decision.AgentID,
		"strategy": decision.Strategy,
	}
	if decision.RuleID != nil {
		payload["ruleId"] = *decision.RuleID
	}
	if decision.Fallback {
		payload["fallback"] = true
	}
	return models.NewEvent(models.EventTaskAssigned, projectID, payload)
}

func manualDecision(agentID int64) *models.RoutingDecision {
	return &models.RoutingDecision{
		Matched:    true,
		Strategy:   "manual",
		AgentID:    &agentID,
		Candidates: 1,
		DecidedAt:  time.Now().UTC(),
	}
}

func mapReserveErr(err error, agentID int64) error {
	switch {
	case errors.Is(err, routing.ErrAgentNotFound):
		return NotFound("agent", agentID)
	case errors.Is(err, routing.ErrAgentNotActive):
		return Conflict("agent %d is not active", agentID)
	case errors.Is(err, routing.ErrAtCapacity):
		return Conflict("agent %d is at capacity", agentID)
	}
	return err
}

func loadTaskRow(ctx context.Context, q database.Queryer, id int64) (*models.Task, error) {
	var task models.Task
	found, err := q.One(ctx, &task, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load task")
	}
	if !found {
		return nil, NotFound("task", id)
	}
	return &task, nil
}

func loadProjectRow(ctx context.Context, q database.Queryer, id int64) (*models.Project, error) {
	var project models.Project
	found, err := q.One(ctx, &project, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load project")
	}
	if !found {
		return nil, NotFound("project", id)
	}
	return &project, nil
}
