package routing

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/caravel-ai/caravel/pkg/database"
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/observability"
)

// agentColumns is the scan list for models.Agent. Kept explicit so a later
// migration adding a column does not break older readers.
const agentColumns = `id, name, status, capabilities, max_concurrent_tasks, active_task_count, execution_mode, owner_user_id, created_at, updated_at`

// TaskInput is the slice of a task the rule conditions see. A dry-run
// evaluation builds one from the request body instead of a stored row.
type TaskInput struct {
	Tags     models.StringList
	Priority models.TaskPriority
	Context  models.JSONMap
}

// Router walks a project's ordered rule list and picks an agent for a task.
//
// Evaluate answers "who would get this" without touching any counter.
// Assign runs the same walk inside the caller's transaction, taking a
// capacity reservation at each acceptance point, so the routed agent is
// guaranteed to have held a free slot at commit time.
type Router struct {
	logger observability.Logger
	intn   func(n int) int
}

func NewRouter(logger observability.Logger) *Router {
	return &Router{
		logger: logger.WithPrefix("router"),
		intn:   rand.Intn,
	}
}

// tryFunc attempts to take a candidate. ok=false with a reason keeps the
// walk going; a non-nil error aborts it.
type tryFunc func(ctx context.Context, agent *models.Agent) (ok bool, reason string, err error)

// Evaluate resolves the task against the project's rules without reserving
// capacity. Candidates are screened on the status and counter values read
// in this snapshot, so the answer is advisory.
func (r *Router) Evaluate(ctx context.Context, q database.Queryer, project *models.Project, in TaskInput) (*models.RoutingDecision, error) {
	try := func(_ context.Context, agent *models.Agent) (bool, string, error) {
		if agent.Status != models.AgentStatusActive {
			return false, fmt.Sprintf("agent %d is %s", agent.ID, agent.Status), nil
		}
		if !agent.HasCapacity() {
			return false, fmt.Sprintf("agent %d is at capacity", agent.ID), nil
		}
		return true, "", nil
	}
	return r.walk(ctx, q, project, in, try, false)
}

// Assign resolves the task and reserves one slot on the returned agent.
// It must run inside the transaction that writes the assignment, so the
// increment and the task row commit or roll back together.
func (r *Router) Assign(ctx context.Context, tx *database.Tx, project *models.Project, in TaskInput) (*models.RoutingDecision, error) {
	try := func(ctx context.Context, agent *models.Agent) (bool, string, error) {
		err := Reserve(ctx, tx, agent.ID)
		switch {
		case err == nil:
			return true, "", nil
		case errors.Is(err, ErrAgentNotFound), errors.Is(err, ErrAgentNotActive), errors.Is(err, ErrAtCapacity):
			return false, fmt.Sprintf("agent %d: %v", agent.ID, errors.Cause(err)), nil
		default:
			return false, "", err
		}
	}
	return r.walk(ctx, tx, project, in, try, true)
}

func (r *Router) walk(ctx context.Context, q database.Queryer, project *models.Project, in TaskInput, try tryFunc, commit bool) (*models.RoutingDecision, error) {
	decision := &models.RoutingDecision{DecidedAt: time.Now().UTC()}
	rules, err := LoadRules(ctx, q, project.ID, true)
	if err != nil {
		return nil, err
	}

	cond := models.ConditionInput{Tags: in.Tags, Priority: in.Priority, Fields: in.Context}
	for i := range rules {
		rule := &rules[i]
		if !rule.Conditions.Matches(cond) {
			continue
		}
		done, err := r.applyRule(ctx, q, project, rule, decision, try, commit)
		if err != nil {
			return nil, err
		}
		if done {
			decision.Matched = true
			decision.RuleID = &rule.ID
			decision.RuleName = rule.Name
			r.logger.Debug("Task routed", map[string]interface{}{
				"project_id": project.ID,
				"rule_id":    rule.ID,
				"agent_id":   *decision.AgentID,
				"strategy":   decision.Strategy,
				"fallback":   decision.Fallback,
			})
			return decision, nil
		}
	}

	if project.DefaultAgentID != nil {
		agent, err := loadAgent(ctx, q, *project.DefaultAgentID)
		if err != nil {
			return nil, err
		}
		if agent == nil {
			decision.Reasons = append(decision.Reasons, fmt.Sprintf("default agent %d not found", *project.DefaultAgentID))
		} else {
			ok, reason, err := try(ctx, agent)
			if err != nil {
				return nil, err
			}
			if ok {
				decision.Matched = true
				decision.Strategy = "default"
				decision.AgentID = &agent.ID
				return decision, nil
			}
			decision.Reasons = append(decision.Reasons, "default: "+reason)
		}
	}

	if len(decision.Reasons) == 0 {
		decision.Reasons = append(decision.Reasons, "no routing rule matched")
	}
	r.logger.Debug("Task unrouted", map[string]interface{}{
		"project_id": project.ID,
		"reasons":    decision.Reasons,
	})
	return decision, nil
}

// applyRule selects this rule's candidate, tries it, then tries the rule's
// fallback. It fills the decision's agent fields and returns true on
// acceptance; otherwise it appends the rejection trail and returns false.
func (r *Router) applyRule(ctx context.Context, q database.Queryer, project *models.Project, rule *models.RoutingRule, decision *models.RoutingDecision, try tryFunc, commit bool) (bool, error) {
	var (
		candidate  *models.Agent
		strategy   = "direct"
		capability string
	)

	switch {
	case rule.AssignTo != nil:
		agent, err := loadAgent(ctx, q, *rule.AssignTo)
		if err != nil {
			return false, err
		}
		if agent == nil {
			decision.Reasons = append(decision.Reasons, fmt.Sprintf("rule %q: agent %d not found", rule.Name, *rule.AssignTo))
		} else {
			candidate = agent
			decision.Candidates = 1
		}
	case rule.AssignToCapability != nil:
		capability = *rule.AssignToCapability
		strategy = string(ruleStrategy(rule))
		qualified, err := loadAgentsByCapability(ctx, q, capability)
		if err != nil {
			return false, err
		}
		decision.Candidates = len(qualified)
		if len(qualified) == 0 {
			decision.Reasons = append(decision.Reasons, fmt.Sprintf("rule %q: no agent offers %q", rule.Name, capability))
			break
		}
		candidate, err = r.pick(ctx, q, project.ID, ruleStrategy(rule), capability, qualified)
		if err != nil {
			return false, err
		}
		if candidate == nil {
			decision.Reasons = append(decision.Reasons, fmt.Sprintf("rule %q: no eligible agent offers %q", rule.Name, capability))
		}
	default:
		decision.Reasons = append(decision.Reasons, fmt.Sprintf("rule %q has no assignment action", rule.Name))
	}

	if candidate != nil {
		ok, reason, err := try(ctx, candidate)
		if err != nil {
			return false, err
		}
		if ok {
			if commit && ruleStrategy(rule) == models.StrategyRoundRobin && capability != "" {
				if err := advanceCursor(ctx, q, project.ID, capability, candidate.ID); err != nil {
					return false, err
				}
			}
			decision.AgentID = &candidate.ID
			decision.Strategy = strategy
			return true, nil
		}
		decision.Reasons = append(decision.Reasons, fmt.Sprintf("rule %q: %s", rule.Name, reason))
	}

	if rule.FallbackTo != nil {
		fb, err := loadAgent(ctx, q, *rule.FallbackTo)
		if err != nil {
			return false, err
		}
		if fb == nil {
			decision.Reasons = append(decision.Reasons, fmt.Sprintf("rule %q: fallback agent %d not found", rule.Name, *rule.FallbackTo))
			return false, nil
		}
		ok, reason, err := try(ctx, fb)
		if err != nil {
			return false, err
		}
		if ok {
			decision.AgentID = &fb.ID
			decision.Strategy = strategy
			decision.Fallback = true
			return true, nil
		}
		decision.Reasons = append(decision.Reasons, fmt.Sprintf("rule %q: fallback %s", rule.Name, reason))
	}

	return false, nil
}

func (r *Router) pick(ctx context.Context, q database.Queryer, projectID int64, strategy models.AssignStrategy, capability string, qualified []models.Agent) (*models.Agent, error) {
	switch strategy {
	case models.StrategyLeastBusy:
		return leastBusy(qualified), nil
	case models.StrategyRoundRobin:
		return r.nextInRotation(ctx, q, projectID, capability, qualified)
	case models.StrategyFirstAvailable:
		return firstAvailable(qualified), nil
	case models.StrategyRandom:
		return r.randomAvailable(qualified), nil
	default:
		return nil, errors.Errorf("unknown assignment strategy %q", strategy)
	}
}

// leastBusy picks the lowest active_task_count over the whole capability
// pool, lowest id on ties. Status and capacity are not screened here; an
// ineligible winner is rejected at the acceptance point and may still be
// rescued by the rule's fallback.
func leastBusy(agents []models.Agent) *models.Agent {
	var best *models.Agent
	for i := range agents {
		if best == nil || agents[i].ActiveTaskCount < best.ActiveTaskCount {
			best = &agents[i]
		}
	}
	return best
}

// nextInRotation peeks at the cursor for this project and capability and
// returns the next qualified agent by id, wrapping around. The cursor is
// only advanced after a successful reservation, so dry runs and failed
// attempts do not consume a turn.
func (r *Router) nextInRotation(ctx context.Context, q database.Queryer, projectID int64, capability string, qualified []models.Agent) (*models.Agent, error) {
	var cur struct {
		LastAgentID int64 `db:"last_agent_id"`
	}
	found, err := q.One(ctx, &cur,
		`SELECT last_agent_id FROM routing_cursors WHERE project_id = ? AND capability = ?`,
		projectID, capability)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load routing cursor")
	}
	if found {
		for i := range qualified {
			if qualified[i].ID > cur.LastAgentID {
				return &qualified[i], nil
			}
		}
	}
	return &qualified[0], nil
}

func firstAvailable(agents []models.Agent) *models.Agent {
	for i := range agents {
		if agents[i].HasCapacity() {
			return &agents[i]
		}
	}
	return nil
}

func (r *Router) randomAvailable(agents []models.Agent) *models.Agent {
	eligible := make([]*models.Agent, 0, len(agents))
	for i := range agents {
		if agents[i].HasCapacity() {
			eligible = append(eligible, &agents[i])
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	return eligible[r.intn(len(eligible))]
}

func ruleStrategy(rule *models.RoutingRule) models.AssignStrategy {
	if rule.AssignStrategy != nil && rule.AssignStrategy.Valid() {
		return *rule.AssignStrategy
	}
	return models.StrategyLeastBusy
}

func advanceCursor(ctx context.Context, q database.Queryer, projectID int64, capability string, agentID int64) error {
	res, err := q.Exec(ctx,
		`UPDATE routing_cursors SET last_agent_id = ? WHERE project_id = ? AND capability = ?`,
		agentID, projectID, capability)
	if err != nil {
		return errors.Wrap(err, "failed to advance routing cursor")
	}
	if res.Changes > 0 {
		return nil
	}
	_, err = q.Exec(ctx,
		`INSERT OR IGNORE INTO routing_cursors (project_id, capability, last_agent_id) VALUES (?, ?, ?)`,
		projectID, capability, agentID)
	return errors.Wrap(err, "failed to seed routing cursor")
}

func loadAgent(ctx context.Context, q database.Queryer, id int64) (*models.Agent, error) {
	var agent models.Agent
	found, err := q.One(ctx, &agent, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load agent %d", id)
	}
	if !found {
		return nil, nil
	}
	return &agent, nil
}

// loadAgentsByCapability filters in Go rather than in SQL: JSON array
// membership reads differently on each dialect and fleets are small.
func loadAgentsByCapability(ctx context.Context, q database.Queryer, capability string) ([]models.Agent, error) {
	var all []models.Agent
	if err := q.Many(ctx, &all, `SELECT `+agentColumns+` FROM agents ORDER BY id ASC`); err != nil {
		return nil, errors.Wrap(err, "failed to load agents")
	}
	qualified := make([]models.Agent, 0, len(all))
	for _, a := range all {
		if a.HasCapability(capability) {
			qualified = append(qualified, a)
		}
	}
	return qualified, nil
}
