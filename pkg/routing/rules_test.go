package routing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-ai/caravel/pkg/database"
	"github.com/caravel-ai/caravel/pkg/models"
)

func TestParseRulesAcceptsFullDocument(t *testing.T) {
	doc := []byte(`[
		{
			"name": "urgent backend",
			"rulePriority": 1,
			"conditions": {
				"tags": {"includesAny": ["backend", "api"]},
				"priority": {"lte": 2},
				"metadata": {"team": "core"}
			},
			"assignToCapability": "golang",
			"assignStrategy": "round_robin",
			"fallbackTo": 7
		},
		{
			"name": "catch-all",
			"enabled": false,
			"rulePriority": 99,
			"assignTo": 3
		}
	]`)

	specs, err := ParseRules(doc)
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, "urgent backend", specs[0].Name)
	assert.Equal(t, 1, specs[0].RulePriority)
	require.NotNil(t, specs[0].Conditions)
	require.NotNil(t, specs[0].Conditions.Tags)
	assert.Equal(t, []string{"backend", "api"}, specs[0].Conditions.Tags.IncludesAny)
	require.NotNil(t, specs[0].Conditions.Priority)
	assert.Equal(t, models.TaskPriorityHigh, *specs[0].Conditions.Priority.Lte)
	assert.Equal(t, "golang", *specs[0].AssignToCapability)
	assert.Equal(t, models.StrategyRoundRobin, *specs[0].AssignStrategy)
	assert.Equal(t, int64(7), *specs[0].FallbackTo)

	assert.False(t, *specs[1].Enabled)
	assert.Equal(t, int64(3), *specs[1].AssignTo)
}

func TestParseRulesRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"not an array", `{"name": "x"}`},
		{"missing name", `[{"rulePriority": 1, "assignTo": 1}]`},
		{"missing rule priority", `[{"name": "x", "assignTo": 1}]`},
		{"rule priority out of range", `[{"name": "x", "rulePriority": 0, "assignTo": 1}]`},
		{"no assignment action", `[{"name": "x", "rulePriority": 1}]`},
		{"two assignment actions", `[{"name": "x", "rulePriority": 1, "assignTo": 1, "assignToCapability": "go"}]`},
		{"strategy without capability", `[{"name": "x", "rulePriority": 1, "assignTo": 1, "assignStrategy": "random"}]`},
		{"unknown strategy", `[{"name": "x", "rulePriority": 1, "assignToCapability": "go", "assignStrategy": "fastest"}]`},
		{"unknown field", `[{"name": "x", "rulePriority": 1, "assignTo": 1, "weight": 4}]`},
		{"bad condition key", `[{"name": "x", "rulePriority": 1, "assignTo": 1, "conditions": {"tag": {}}}]`},
		{"priority condition out of range", `[{"name": "x", "rulePriority": 1, "assignTo": 1, "conditions": {"priority": {"gte": 5}}}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.doc))
			require.Error(t, err)
			var verr *ValidationError
			if assert.ErrorAs(t, err, &verr) {
				assert.NotEmpty(t, verr.Problems)
			}
		})
	}
}

func TestParseRulesCollectsAllProblems(t *testing.T) {
	doc := []byte(`[
		{"name": "a", "rulePriority": 1},
		{"name": "b", "rulePriority": 1, "assignTo": 1, "assignToCapability": "go"}
	]`)
	_, err := ParseRules(doc)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 2)
}

func TestReplaceRulesSwapsWholeDocument(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	a := mkAgent(t, db, agentFixture{name: "a"})
	b := mkAgent(t, db, agentFixture{name: "b"})
	project := mkProject(t, db, nil)

	putRules(t, db, project.ID, []RuleSpec{
		{Name: "one", RulePriority: 1, AssignTo: int64Ptr(a)},
		{Name: "two", RulePriority: 2, AssignTo: int64Ptr(b)},
	})
	rules, err := LoadRules(ctx, db, project.ID, false)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, 0, rules[0].Position)
	assert.Equal(t, 1, rules[1].Position)

	putRules(t, db, project.ID, []RuleSpec{
		{Name: "only", RulePriority: 5, AssignToCapability: strPtr("go"), AssignStrategy: strategyPtr(models.StrategyRandom)},
	})
	rules, err = LoadRules(ctx, db, project.ID, false)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "only", rules[0].Name)
	assert.Equal(t, 0, rules[0].Position)
	require.NotNil(t, rules[0].AssignStrategy)
	assert.Equal(t, models.StrategyRandom, *rules[0].AssignStrategy)
	assert.Nil(t, rules[0].AssignTo)
}

func TestReplaceRulesRollsBackWithTransaction(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	a := mkAgent(t, db, agentFixture{name: "a"})
	project := mkProject(t, db, nil)
	putRules(t, db, project.ID, []RuleSpec{
		{Name: "keep", RulePriority: 1, AssignTo: int64Ptr(a)},
	})

	boom := assert.AnError
	err := db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		if _, err := ReplaceRules(ctx, tx, project.ID, []RuleSpec{
			{Name: "discard", RulePriority: 1, AssignTo: int64Ptr(a)},
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	rules, err := LoadRules(ctx, db, project.ID, false)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "keep", rules[0].Name)
}

func TestLoadRulesFiltersDisabled(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	a := mkAgent(t, db, agentFixture{name: "a"})
	project := mkProject(t, db, nil)
	off := false
	putRules(t, db, project.ID, []RuleSpec{
		{Name: "on", RulePriority: 1, AssignTo: int64Ptr(a)},
		{Name: "off", RulePriority: 2, Enabled: &off, AssignTo: int64Ptr(a)},
	})

	enabled, err := LoadRules(ctx, db, project.ID, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "on", enabled[0].Name)

	all, err := LoadRules(ctx, db, project.ID, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
