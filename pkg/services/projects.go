package services

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/caravel-ai/caravel/pkg/database"
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/observability"
	"github.com/caravel-ai/caravel/pkg/routing"
)

const projectColumns = `id, name, description, default_agent_id, created_by, created_at, updated_at`

// ProjectService manages projects and their routing rule documents.
type ProjectService struct {
	db     *database.DB
	router *routing.Router
	logger observability.Logger
	events EventSink
}

func NewProjectService(db *database.DB, router *routing.Router, logger observability.Logger, events EventSink) *ProjectService {
	if events == nil {
		events = NoopSink{}
	}
	return &ProjectService{db: db, router: router, logger: logger.WithPrefix("projects"), events: events}
}

// CreateProjectInput is the project creation payload.
type CreateProjectInput struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	DefaultAgentID *int64 `json:"defaultAgentId"`
}

// Create inserts a project and emits project.created after commit.
func (s *ProjectService) Create(ctx context.Context, actor Actor, in CreateProjectInput) (*models.Project, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, Invalid("name", "is required")
	}

	var projectID int64
	err := s.db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		if in.DefaultAgentID != nil {
			if err := requireRow(ctx, tx, "agents", "agent", *in.DefaultAgentID); err != nil {
				return err
			}
		}
		id, err := tx.Insert(ctx,
			`INSERT INTO projects (name, description, default_agent_id, created_by) VALUES (?, ?, ?, ?)`,
			in.Name, in.Description, in.DefaultAgentID, actor.UserID)
		if err != nil {
			return errors.Wrap(err, "failed to insert project")
		}
		projectID = id
		return RecordActivity(ctx, tx, models.EntityProject, id, "project.created", actor, models.JSONMap{"name": in.Name})
	})
	if err != nil {
		return nil, err
	}

	project, err := s.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	s.events.Emit(ctx, models.NewEvent(models.EventProjectCreated, &project.ID, models.JSONMap{
		"projectId": project.ID,
		"name":      project.Name,
	}))
	return project, nil
}

// UpdateProjectInput carries PATCH fields; nil means unchanged. A zero
// DefaultAgentID clears the default.
type UpdateProjectInput struct {
	Name           *string `json:"name"`
	Description    *string `json:"description"`
	DefaultAgentID *int64  `json:"defaultAgentId"`
}

func (s *ProjectService) Update(ctx context.Context, actor Actor, id int64, in UpdateProjectInput) (*models.Project, error) {
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		return nil, Invalid("name", "must not be empty")
	}
	err := s.db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		if err := requireRow(ctx, tx, "projects", "project", id); err != nil {
			return err
		}
		set := []string{"updated_at = datetime('now')"}
		args := []interface{}{}
		detail := models.JSONMap{}
		if in.Name != nil {
			set = append(set, "name = ?")
			args = append(args, strings.TrimSpace(*in.Name))
			detail["name"] = *in.Name
		}
		if in.Description != nil {
			set = append(set, "description = ?")
			args = append(args, *in.Description)
		}
		if in.DefaultAgentID != nil {
			set = append(set, "default_agent_id = ?")
			if *in.DefaultAgentID == 0 {
				args = append(args, nil)
				detail["defaultAgentId"] = nil
			} else {
				if err := requireRow(ctx, tx, "agents", "agent", *in.DefaultAgentID); err != nil {
					return err
				}
				args = append(args, *in.DefaultAgentID)
				detail["defaultAgentId"] = *in.DefaultAgentID
			}
		}
		args = append(args, id)
		if _, err := tx.Exec(ctx, `UPDATE projects SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...); err != nil {
			return errors.Wrap(err, "failed to update project")
		}
		return RecordActivity(ctx, tx, models.EntityProject, id, "project.updated", actor, detail)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *ProjectService) Delete(ctx context.Context, actor Actor, id int64) error {
	return s.db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		res, err := tx.Exec(ctx, `DELETE FROM projects WHERE id = ?`, id)
		if err != nil {
			return errors.Wrap(err, "failed to delete project")
		}
		if res.Changes == 0 {
			return NotFound("project", id)
		}
		return RecordActivity(ctx, tx, models.EntityProject, id, "project.deleted", actor, nil)
	})
}

func (s *ProjectService) Get(ctx context.Context, id int64) (*models.Project, error) {
	var project models.Project
	found, err := s.db.One(ctx, &project, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load project")
	}
	if !found {
		return nil, NotFound("project", id)
	}
	return &project, nil
}

func (s *ProjectService) List(ctx context.Context) ([]models.Project, error) {
	projects := []models.Project{}
	if err := s.db.Many(ctx, &projects, `SELECT `+projectColumns+` FROM projects ORDER BY id ASC`); err != nil {
		return nil, errors.Wrap(err, "failed to list projects")
	}
	return projects, nil
}

// Rules returns the project's rule list in evaluation order, disabled
// rules included.
func (s *ProjectService) Rules(ctx context.Context, projectID int64) ([]models.RoutingRule, error) {
	if _, err := s.Get(ctx, projectID); err != nil {
		return nil, err
	}
	return routing.LoadRules(ctx, s.db, projectID, false)
}

// ReplaceRules validates the raw rules document and swaps the project's
// rule list atomically.
func (s *ProjectService) ReplaceRules(ctx context.Context, actor Actor, projectID int64, raw []byte) ([]models.RoutingRule, error) {
	specs, err := routing.ParseRules(raw)
	if err != nil {
		var verr *routing.ValidationError
		if errors.As(err, &verr) {
			out := &ValidationError{}
			for _, p := range verr.Problems {
				out.AddField("rules", p)
			}
			return nil, out
		}
		return nil, err
	}

	var rules []models.RoutingRule
	err = s.db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		if err := requireRow(ctx, tx, "projects", "project", projectID); err != nil {
			return err
		}
		rules, err = routing.ReplaceRules(ctx, tx, projectID, specs)
		if err != nil {
			return err
		}
		return RecordActivity(ctx, tx, models.EntityProject, projectID, "project.rules_replaced", actor, models.JSONMap{"count": len(rules)})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Routing rules replaced", map[string]interface{}{"project_id": projectID, "count": len(rules)})
	return rules, nil
}

// TestRoute answers "who would get this task" without reserving capacity
// or writing anything.
func (s *ProjectService) TestRoute(ctx context.Context, projectID int64, in routing.TaskInput) (*models.RoutingDecision, error) {
	project, err := s.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if in.Priority == 0 {
		in.Priority = models.TaskPriorityMedium
	}
	if !in.Priority.Valid() {
		return nil, Invalid("priority", "must be between 1 (urgent) and 4 (low)")
	}
	return s.router.Evaluate(ctx, s.db, project, in)
}
