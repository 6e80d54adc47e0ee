package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// AssignStrategy selects among capability-qualified agents.
type AssignStrategy string

const (
	StrategyLeastBusy      AssignStrategy = "least_busy"
	StrategyRoundRobin     AssignStrategy = "round_robin"
	StrategyFirstAvailable AssignStrategy = "first_available"
	StrategyRandom         AssignStrategy = "random"
)

// Valid reports whether the strategy is one of the four known ones.
func (s AssignStrategy) Valid() bool {
	switch s {
	case StrategyLeastBusy, StrategyRoundRobin, StrategyFirstAvailable, StrategyRandom:
		return true
	}
	return false
}

// TagConditions matches against a task's tag list. Both clauses may be set;
// both must then hold.
type TagConditions struct {
	// IncludesAny passes when at least one listed tag is present.
	IncludesAny []string `json:"includesAny,omitempty"`
	// IncludesAll passes only when every listed tag is present.
	IncludesAll []string `json:"includesAll,omitempty"`
}

// Matches reports whether the tag set satisfies the clause.
func (c *TagConditions) Matches(tags StringList) bool {
	if c == nil {
		return true
	}
	if len(c.IncludesAny) > 0 {
		any := false
		for _, t := range c.IncludesAny {
			if tags.Contains(t) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	return tags.ContainsAll(c.IncludesAll)
}

// PriorityConditions matches against the numeric task priority (1 is the
// most urgent). All set bounds must hold.
type PriorityConditions struct {
	Eq  *TaskPriority `json:"eq,omitempty"`
	Gte *TaskPriority `json:"gte,omitempty"`
	Lte *TaskPriority `json:"lte,omitempty"`
}

// Matches reports whether the priority satisfies the clause.
func (c *PriorityConditions) Matches(p TaskPriority) bool {
	if c == nil {
		return true
	}
	if c.Eq != nil && p != *c.Eq {
		return false
	}
	if c.Gte != nil && p < *c.Gte {
		return false
	}
	if c.Lte != nil && p > *c.Lte {
		return false
	}
	return true
}

// ConditionInput is what a condition block evaluates against: a task
// descriptor at routing time, an event payload at dispatch time.
type ConditionInput struct {
	Tags     StringList
	Priority TaskPriority
	Fields   map[string]interface{}
}

// RuleConditions is the condition block of a routing rule or a route's
// trigger filter. All present clauses must hold; the zero value is a
// catch-all.
type RuleConditions struct {
	Tags     *TagConditions         `json:"tags,omitempty"`
	Priority *PriorityConditions    `json:"priority,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Empty reports whether no clause is set.
func (c RuleConditions) Empty() bool {
	return c.Tags == nil && c.Priority == nil && len(c.Metadata) == 0
}

// Matches evaluates the block against the input. Metadata requires every
// key to be present in the input fields with an equal value.
func (c RuleConditions) Matches(in ConditionInput) bool {
	if !c.Tags.Matches(in.Tags) {
		return false
	}
	if !c.Priority.Matches(in.Priority) {
		return false
	}
	for key, want := range c.Metadata {
		got, ok := in.Fields[key]
		if !ok || !jsonEqual(want, got) {
			return false
		}
	}
	return true
}

// jsonEqual compares two values by their JSON encoding, so 2 and 2.0 (an
// int set in code vs a float64 from a decode) compare equal.
func jsonEqual(a, b interface{}) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}

// Value implements driver.Valuer.
func (c RuleConditions) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan implements sql.Scanner.
func (c *RuleConditions) Scan(value interface{}) error {
	if value == nil {
		*c = RuleConditions{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.Errorf("unsupported type for RuleConditions: %T", value)
	}
	if len(data) == 0 {
		*c = RuleConditions{}
		return nil
	}
	return json.Unmarshal(data, c)
}

// RoutingRule routes matching tasks to an agent or a capability pool.
// Exactly one of AssignTo / AssignToCapability is set. Rules evaluate in
// rule_priority ascending order (lower evaluates earlier), position
// breaking ties; the first rule whose conditions match wins.
type RoutingRule struct {
	ID                 int64           `db:"id" json:"id"`
	ProjectID          int64           `db:"project_id" json:"projectId"`
	Name               string          `db:"name" json:"name"`
	Enabled            bool            `db:"enabled" json:"enabled"`
	RulePriority       int             `db:"rule_priority" json:"rulePriority"`
	Conditions         RuleConditions  `db:"conditions" json:"conditions"`
	AssignTo           *int64          `db:"assign_to" json:"assignTo,omitempty"`
	AssignToCapability *string         `db:"assign_to_capability" json:"assignToCapability,omitempty"`
	AssignStrategy     *AssignStrategy `db:"assign_strategy" json:"assignStrategy,omitempty"`
	FallbackTo         *int64          `db:"fallback_to" json:"fallbackTo,omitempty"`
	Position           int             `db:"position" json:"position"`
	CreatedAt          time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updatedAt"`
}

// RoutingDecision is the audit trail of one routing evaluation. Serialized
// to JSON in tasks.routing_decision.
type RoutingDecision struct {
	Matched    bool      `json:"matched"`
	RuleID     *int64    `json:"ruleId,omitempty"`
	RuleName   string    `json:"ruleName,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
	AgentID    *int64    `json:"agentId,omitempty"`
	Candidates int       `json:"candidates"`
	Fallback   bool      `json:"fallback,omitempty"`
	Reasons    []string  `json:"reasons,omitempty"`
	DecidedAt  time.Time `json:"decidedAt"`
}

// Assigned reports whether the decision produced an agent.
func (d *RoutingDecision) Assigned() bool {
	return d != nil && d.AgentID != nil
}

// Encode renders the decision for the routing_decision column.
func (d *RoutingDecision) Encode() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode routing decision")
	}
	return string(data), nil
}
