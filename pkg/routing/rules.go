package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"

	"github.com/caravel-ai/caravel/pkg/database"
	"github.com/caravel-ai/caravel/pkg/models"
)

const ruleColumns = `id, project_id, name, enabled, rule_priority, conditions, assign_to, assign_to_capability, assign_strategy, fallback_to, position, created_at, updated_at`

// RuleSpec is one rule in the submitted rules document. The whole document
// replaces the project's rule list; position comes from document order.
type RuleSpec struct {
	Name               string                 `json:"name"`
	Enabled            *bool                  `json:"enabled,omitempty"`
	RulePriority       int                    `json:"rulePriority"`
	Conditions         *models.RuleConditions `json:"conditions,omitempty"`
	AssignTo           *int64                 `json:"assignTo,omitempty"`
	AssignToCapability *string                `json:"assignToCapability,omitempty"`
	AssignStrategy     *models.AssignStrategy `json:"assignStrategy,omitempty"`
	FallbackTo         *int64                 `json:"fallbackTo,omitempty"`
}

// rulesSchemaJSON is the shape contract for the rules document. Semantic
// rules that JSON Schema states poorly (action exclusivity) are checked in
// Go afterwards, so the caller gets a readable message instead of a oneOf
// dump.
const rulesSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["name", "rulePriority"],
    "additionalProperties": false,
    "properties": {
      "name": {"type": "string", "minLength": 1},
      "enabled": {"type": "boolean"},
      "rulePriority": {"type": "integer", "minimum": 1, "maximum": 100},
      "conditions": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "tags": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "includesAny": {"type": "array", "items": {"type": "string"}},
              "includesAll": {"type": "array", "items": {"type": "string"}}
            }
          },
          "priority": {
            "type": "object",
            "additionalProperties": false,
            "properties": {
              "eq": {"type": "integer", "minimum": 1, "maximum": 4},
              "gte": {"type": "integer", "minimum": 1, "maximum": 4},
              "lte": {"type": "integer", "minimum": 1, "maximum": 4}
            }
          },
          "metadata": {"type": "object"}
        }
      },
      "assignTo": {"type": "integer", "minimum": 1},
      "assignToCapability": {"type": "string", "minLength": 1},
      "assignStrategy": {"type": "string", "enum": ["least_busy", "round_robin", "first_available", "random"]},
      "fallbackTo": {"type": "integer", "minimum": 1}
    }
  }
}`

var (
	rulesSchemaOnce sync.Once
	rulesSchema     *gojsonschema.Schema
	rulesSchemaErr  error
)

func compiledRulesSchema() (*gojsonschema.Schema, error) {
	rulesSchemaOnce.Do(func() {
		rulesSchema, rulesSchemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(rulesSchemaJSON))
	})
	return rulesSchema, rulesSchemaErr
}

// ValidationError lists everything wrong with a submitted rules document.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid rules document: " + strings.Join(e.Problems, "; ")
}

// ParseRules validates the raw document against the schema plus the action
// exclusivity rules, and decodes it. All problems are reported in one pass.
func ParseRules(raw []byte) ([]RuleSpec, error) {
	schema, err := compiledRulesSchema()
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile rules schema")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, &ValidationError{Problems: []string{"document is not valid JSON"}}
	}

	var problems []string
	if !result.Valid() {
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, &ValidationError{Problems: problems}
	}

	var specs []RuleSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, errors.Wrap(err, "failed to decode rules document")
	}
	for i, spec := range specs {
		problems = append(problems, spec.problems(i)...)
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return specs, nil
}

func (s RuleSpec) problems(idx int) []string {
	var out []string
	ref := fmt.Sprintf("rules.%d", idx)
	switch {
	case s.AssignTo == nil && s.AssignToCapability == nil:
		out = append(out, ref+": one of assignTo or assignToCapability is required")
	case s.AssignTo != nil && s.AssignToCapability != nil:
		out = append(out, ref+": assignTo and assignToCapability are mutually exclusive")
	}
	if s.AssignStrategy != nil && s.AssignToCapability == nil {
		out = append(out, ref+": assignStrategy requires assignToCapability")
	}
	return out
}

// LoadRules returns the project's rules in evaluation order: rule_priority
// ascending, then position, then id.
func LoadRules(ctx context.Context, q database.Queryer, projectID int64, enabledOnly bool) ([]models.RoutingRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM routing_rules WHERE project_id = ?`
	args := []interface{}{projectID}
	if enabledOnly {
		query += ` AND enabled = ?`
		args = append(args, true)
	}
	query += ` ORDER BY rule_priority ASC, position ASC, id ASC`

	var rules []models.RoutingRule
	if err := q.Many(ctx, &rules, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to load routing rules")
	}
	return rules, nil
}

// ReplaceRules swaps the project's whole rule list inside the caller's
// transaction, so readers never observe a half-applied document.
func ReplaceRules(ctx context.Context, tx *database.Tx, projectID int64, specs []RuleSpec) ([]models.RoutingRule, error) {
	if _, err := tx.Exec(ctx, `DELETE FROM routing_rules WHERE project_id = ?`, projectID); err != nil {
		return nil, errors.Wrap(err, "failed to clear routing rules")
	}

	rules := make([]models.RoutingRule, 0, len(specs))
	for i, spec := range specs {
		enabled := true
		if spec.Enabled != nil {
			enabled = *spec.Enabled
		}
		conditions := models.RuleConditions{}
		if spec.Conditions != nil {
			conditions = *spec.Conditions
		}
		id, err := tx.Insert(ctx, `
INSERT INTO routing_rules (project_id, name, enabled, rule_priority, conditions, assign_to, assign_to_capability, assign_strategy, fallback_to, position)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			projectID, spec.Name, enabled, spec.RulePriority, conditions,
			spec.AssignTo, spec.AssignToCapability, spec.AssignStrategy, spec.FallbackTo, i)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to insert routing rule %q", spec.Name)
		}
		rules = append(rules, models.RoutingRule{
			ID:                 id,
			ProjectID:          projectID,
			Name:               spec.Name,
			Enabled:            enabled,
			RulePriority:       spec.RulePriority,
			Conditions:         conditions,
			AssignTo:           spec.AssignTo,
			AssignToCapability: spec.AssignToCapability,
			AssignStrategy:     spec.AssignStrategy,
			FallbackTo:         spec.FallbackTo,
			Position:           i,
		})
	}
	return rules, nil
}
