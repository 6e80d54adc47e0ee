package services

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/caravel-ai/caravel/pkg/database"
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/observability"
)

const agentColumns = `id, name, status, capabilities, max_concurrent_tasks, active_task_count, execution_mode, owner_user_id, created_at, updated_at`

// AgentService manages the worker fleet.
type AgentService struct {
	db     *database.DB
	logger observability.Logger
	events EventSink
}

func NewAgentService(db *database.DB, logger observability.Logger, events EventSink) *AgentService {
	if events == nil {
		events = NoopSink{}
	}
	return &AgentService{db: db, logger: logger.WithPrefix("agents"), events: events}
}

// CreateAgentInput registers a new agent. A zero MaxConcurrentTasks means
// unlimited and is stored as NULL.
type CreateAgentInput struct {
	Name               string               `json:"name"`
	Status             models.AgentStatus   `json:"status"`
	Capabilities       models.StringList    `json:"capabilities"`
	MaxConcurrentTasks *int                 `json:"maxConcurrentTasks"`
	ExecutionMode      models.ExecutionMode `json:"executionMode"`
	OwnerUserID        *int64               `json:"ownerUserId"`
}

func (in *CreateAgentInput) validate() error {
	verr := &ValidationError{}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		verr.AddField("name", "is required")
	}
	if in.Status == "" {
		in.Status = models.AgentStatusActive
	}
	if !in.Status.Valid() {
		verr.AddField("status", "must be active, paused, or disabled")
	}
	if in.ExecutionMode == "" {
		in.ExecutionMode = models.ExecutionModeAuto
	}
	if !in.ExecutionMode.Valid() {
		verr.AddField("executionMode", "must be manual, auto, polling, or human")
	}
	if in.MaxConcurrentTasks != nil && *in.MaxConcurrentTasks < 0 {
		verr.AddField("maxConcurrentTasks", "must not be negative")
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// Create registers an agent and emits agent.registered after commit.
func (s *AgentService) Create(ctx context.Context, actor Actor, in CreateAgentInput) (*models.Agent, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	maxTasks := in.MaxConcurrentTasks
	if maxTasks != nil && *maxTasks == 0 {
		maxTasks = nil
	}

	var agentID int64
	err := s.db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		if in.OwnerUserID != nil {
			if err := requireRow(ctx, tx, "users", "user", *in.OwnerUserID); err != nil {
				return err
			}
		}
		id, err := tx.Insert(ctx,
			`INSERT INTO agents (name, status, capabilities, max_concurrent_tasks, execution_mode, owner_user_id) VALUES (?, ?, ?, ?, ?, ?)`,
			in.Name, string(in.Status), in.Capabilities, maxTasks, string(in.ExecutionMode), in.OwnerUserID)
		if err != nil {
			return errors.Wrap(err, "failed to insert agent")
		}
		agentID = id
		return RecordActivity(ctx, tx, models.EntityAgent, id, "agent.registered", actor, models.JSONMap{
			"name":         in.Name,
			"capabilities": []string(in.Capabilities),
		})
	})
	if err != nil {
		return nil, err
	}

	agent, err := s.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	s.events.Emit(ctx, models.NewEvent(models.EventAgentRegistered, nil, models.JSONMap{
		"agentId":      agent.ID,
		"name":         agent.Name,
		"capabilities": []string(agent.Capabilities),
	}))
	s.logger.Info("Agent registered", map[string]interface{}{"agent_id": agent.ID, "name": agent.Name})
	return agent, nil
}

// UpdateAgentInput carries the PATCH fields; nil means unchanged. A zero
// MaxConcurrentTasks clears the limit.
type UpdateAgentInput struct {
	Name               *string               `json:"name"`
	Status             *models.AgentStatus   `json:"status"`
	Capabilities       *models.StringList    `json:"capabilities"`
	MaxConcurrentTasks *int                  `json:"maxConcurrentTasks"`
	ExecutionMode      *models.ExecutionMode `json:"executionMode"`
}

// Update patches agent fields. Lowering max_concurrent_tasks below the
// current active count is allowed; only future reserves check the limit.
func (s *AgentService) Update(ctx context.Context, actor Actor, id int64, in UpdateAgentInput) (*models.Agent, error) {
	verr := &ValidationError{}
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		verr.AddField("name", "must not be empty")
	}
	if in.Status != nil && !in.Status.Valid() {
		verr.AddField("status", "must be active, paused, or disabled")
	}
	if in.ExecutionMode != nil && !in.ExecutionMode.Valid() {
		verr.AddField("executionMode", "must be manual, auto, polling, or human")
	}
	if in.MaxConcurrentTasks != nil && *in.MaxConcurrentTasks < 0 {
		verr.AddField("maxConcurrentTasks", "must not be negative")
	}
	if len(verr.Fields) > 0 {
		return nil, verr
	}

	err := s.db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		if err := requireRow(ctx, tx, "agents", "agent", id); err != nil {
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
		if in.Status != nil {
			set = append(set, "status = ?")
			args = append(args, string(*in.Status))
			detail["status"] = string(*in.Status)
		}
		if in.Capabilities != nil {
			set = append(set, "capabilities = ?")
			args = append(args, *in.Capabilities)
			detail["capabilities"] = []string(*in.Capabilities)
		}
		if in.MaxConcurrentTasks != nil {
			set = append(set, "max_concurrent_tasks = ?")
			if *in.MaxConcurrentTasks == 0 {
				args = append(args, nil)
				detail["maxConcurrentTasks"] = nil
			} else {
				args = append(args, *in.MaxConcurrentTasks)
				detail["maxConcurrentTasks"] = *in.MaxConcurrentTasks
			}
		}
		if in.ExecutionMode != nil {
			set = append(set, "execution_mode = ?")
			args = append(args, string(*in.ExecutionMode))
			detail["executionMode"] = string(*in.ExecutionMode)
		}
		args = append(args, id)
		if _, err := tx.Exec(ctx, `UPDATE agents SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...); err != nil {
			return errors.Wrap(err, "failed to update agent")
		}
		return RecordActivity(ctx, tx, models.EntityAgent, id, "agent.updated", actor, detail)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Delete removes the agent. Tasks that pointed at it keep their status
// with assigned_agent_id nulled by the schema.
func (s *AgentService) Delete(ctx context.Context, actor Actor, id int64) error {
	return s.db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		res, err := tx.Exec(ctx, `DELETE FROM agents WHERE id = ?`, id)
		if err != nil {
			return errors.Wrap(err, "failed to delete agent")
		}
		if res.Changes == 0 {
			return NotFound("agent", id)
		}
		return RecordActivity(ctx, tx, models.EntityAgent, id, "agent.deleted", actor, nil)
	})
}

func (s *AgentService) Get(ctx context.Context, id int64) (*models.Agent, error) {
	var agent models.Agent
	found, err := s.db.One(ctx, &agent, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load agent")
	}
	if !found {
		return nil, NotFound("agent", id)
	}
	return &agent, nil
}

// AgentFilter narrows a fleet listing. Capability is matched in Go, same
// as the router does.
type AgentFilter struct {
	Status     models.AgentStatus
	Capability string
}

func (s *AgentService) List(ctx context.Context, f AgentFilter) ([]models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	args := []interface{}{}
	if f.Status != "" {
		if !f.Status.Valid() {
			return nil, Invalid("status", "must be active, paused, or disabled")
		}
		query += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY id ASC`

	agents := []models.Agent{}
	if err := s.db.Many(ctx, &agents, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to list agents")
	}
	if f.Capability == "" {
		return agents, nil
	}
	matched := agents[:0]
	for _, a := range agents {
		if a.HasCapability(f.Capability) {
			matched = append(matched, a)
		}
	}
	return matched, nil
}

// requireRow confirms a referenced row exists, mapping absence to the
// service-level not-found error.
func requireRow(ctx context.Context, q database.Queryer, table, entity string, id int64) error {
	var row struct {
		ID int64 `db:"id"`
	}
	found, err := q.One(ctx, &row, `SELECT id FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to check %s %d", entity, id)
	}
	if !found {
		return NotFound(entity, id)
	}
	return nil
}
