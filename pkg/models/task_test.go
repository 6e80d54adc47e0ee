package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    TaskStatus
		to      TaskStatus
		allowed bool
	}{
		{"pending to assigned", TaskStatusPending, TaskStatusAssigned, true},
		{"pending to cancelled", TaskStatusPending, TaskStatusCancelled, true},
		{"pending skips to in_progress", TaskStatusPending, TaskStatusInProgress, false},
		{"assigned to in_progress", TaskStatusAssigned, TaskStatusInProgress, true},
		{"assigned back to pending", TaskStatusAssigned, TaskStatusPending, false},
		{"in_progress to review", TaskStatusInProgress, TaskStatusReview, true},
		{"in_progress skips to completed", TaskStatusInProgress, TaskStatusCompleted, false},
		{"review to completed", TaskStatusReview, TaskStatusCompleted, true},
		{"review rework goes to assigned", TaskStatusReview, TaskStatusAssigned, true},
		{"review cannot resume in_progress directly", TaskStatusReview, TaskStatusInProgress, false},
		{"review to cancelled", TaskStatusReview, TaskStatusCancelled, true},
		{"completed is terminal", TaskStatusCompleted, TaskStatusCancelled, false},
		{"cancelled is terminal", TaskStatusCancelled, TaskStatusPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.True(t, TaskStatusCompleted.IsTerminal())
	assert.True(t, TaskStatusCancelled.IsTerminal())
	assert.False(t, TaskStatusReview.IsTerminal())
	assert.False(t, TaskStatusPending.IsTerminal())
}

func TestTaskStatusClaimable(t *testing.T) {
	assert.True(t, TaskStatusPending.Claimable())
	assert.True(t, TaskStatusAssigned.Claimable())
	assert.False(t, TaskStatusInProgress.Claimable())
	assert.False(t, TaskStatusReview.Claimable())
	assert.False(t, TaskStatusCompleted.Claimable())
}

func TestTaskPriorityBounds(t *testing.T) {
	assert.True(t, TaskPriorityUrgent.Valid())
	assert.True(t, TaskPriorityLow.Valid())
	assert.False(t, TaskPriority(0).Valid())
	assert.False(t, TaskPriority(5).Valid())
	assert.True(t, TaskPriorityUrgent < TaskPriorityLow, "urgent sorts before low")
}

func TestTaskHoldsCapacity(t *testing.T) {
	agentID := int64(7)

	task := &Task{Status: TaskStatusPending}
	assert.False(t, task.HoldsCapacity(), "unassigned pending task holds nothing")

	task = &Task{Status: TaskStatusAssigned, AssignedAgentID: &agentID}
	assert.True(t, task.HoldsCapacity())

	task = &Task{Status: TaskStatusReview, AssignedAgentID: &agentID}
	assert.True(t, task.HoldsCapacity(), "review still occupies the agent slot")

	task = &Task{Status: TaskStatusCompleted, AssignedAgentID: &agentID}
	assert.False(t, task.HoldsCapacity())
}

func TestAgentHasCapacity(t *testing.T) {
	limit := 2

	agent := &Agent{Status: AgentStatusActive, MaxConcurrentTasks: &limit, ActiveTaskCount: 1}
	assert.True(t, agent.HasCapacity())

	agent.ActiveTaskCount = 2
	assert.False(t, agent.HasCapacity())

	agent = &Agent{Status: AgentStatusActive, ActiveTaskCount: 100}
	assert.True(t, agent.HasCapacity(), "nil limit means unlimited")

	agent = &Agent{Status: AgentStatusPaused, ActiveTaskCount: 0, MaxConcurrentTasks: &limit}
	assert.False(t, agent.HasCapacity(), "paused agents take no work")
}

func TestRetryPolicyDelayDoubles(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, InitialDelayMs: 1000}

	assert.Equal(t, time.Second, policy.Delay(1))
	assert.Equal(t, 2*time.Second, policy.Delay(2))
	assert.Equal(t, 4*time.Second, policy.Delay(3))
}

func TestTagConditionsMatches(t *testing.T) {
	tags := StringList{"backend", "go", "urgent-fix"}

	var nilCond *TagConditions
	assert.True(t, nilCond.Matches(tags), "absent clause matches everything")

	any := &TagConditions{IncludesAny: []string{"frontend", "go"}}
	assert.True(t, any.Matches(tags))
	assert.False(t, any.Matches(StringList{"docs"}))

	all := &TagConditions{IncludesAll: []string{"backend", "go"}}
	assert.True(t, all.Matches(tags))
	assert.False(t, all.Matches(StringList{"backend"}))

	both := &TagConditions{IncludesAny: []string{"go"}, IncludesAll: []string{"backend", "rust"}}
	assert.False(t, both.Matches(tags), "both clauses must hold")
}

func TestPriorityConditionsMatches(t *testing.T) {
	high := TaskPriorityHigh
	medium := TaskPriorityMedium

	var nilCond *PriorityConditions
	assert.True(t, nilCond.Matches(TaskPriorityLow))

	eq := &PriorityConditions{Eq: &high}
	assert.True(t, eq.Matches(TaskPriorityHigh))
	assert.False(t, eq.Matches(TaskPriorityLow))

	// lte=medium admits urgent, high and medium: numerically smaller is
	// more urgent.
	lte := &PriorityConditions{Lte: &medium}
	assert.True(t, lte.Matches(TaskPriorityUrgent))
	assert.True(t, lte.Matches(TaskPriorityMedium))
	assert.False(t, lte.Matches(TaskPriorityLow))

	gte := &PriorityConditions{Gte: &medium}
	assert.True(t, gte.Matches(TaskPriorityLow))
	assert.False(t, gte.Matches(TaskPriorityHigh))
}

func TestRuleConditionsMatches(t *testing.T) {
	high := TaskPriorityHigh
	cond := RuleConditions{
		Tags:     &TagConditions{IncludesAny: []string{"backend"}},
		Priority: &PriorityConditions{Lte: &high},
		Metadata: map[string]interface{}{"team": "platform", "shard": 2},
	}

	in := ConditionInput{
		Tags:     StringList{"backend", "go"},
		Priority: TaskPriorityUrgent,
		Fields:   map[string]interface{}{"team": "platform", "shard": float64(2), "extra": true},
	}
	assert.True(t, cond.Matches(in), "decoded float64 compares equal to int metadata")

	in.Fields["team"] = "search"
	assert.False(t, cond.Matches(in))

	delete(in.Fields, "team")
	assert.False(t, cond.Matches(in), "missing metadata key fails the clause")

	assert.True(t, RuleConditions{}.Empty())
	assert.True(t, RuleConditions{}.Matches(in), "empty block is a catch-all")
	assert.False(t, cond.Empty())
}

func TestRuleConditionsScanRoundTrip(t *testing.T) {
	raw := `{"tags":{"includesAll":["go"]},"priority":{"eq":1},"metadata":{"env":"prod"}}`

	var cond RuleConditions
	require.NoError(t, cond.Scan(raw))
	require.NotNil(t, cond.Priority)
	require.NotNil(t, cond.Priority.Eq)
	assert.Equal(t, TaskPriorityUrgent, *cond.Priority.Eq)
	assert.True(t, cond.Matches(ConditionInput{
		Tags:     StringList{"go"},
		Priority: TaskPriorityUrgent,
		Fields:   map[string]interface{}{"env": "prod"},
	}))

	var empty RuleConditions
	require.NoError(t, empty.Scan(nil))
	assert.True(t, empty.Empty())
}

func TestEventCatalogClosed(t *testing.T) {
	assert.True(t, EventTaskCreated.Valid())
	assert.True(t, EventDeliverableRevision.Valid())
	assert.False(t, EventType("task.invented").Valid())

	for _, et := range EventTypes() {
		assert.True(t, et.Valid(), "catalog entry %s must validate", et)
	}
}

func TestJSONMapRoundTrip(t *testing.T) {
	m := JSONMap{"repo": "caravel", "attempt": float64(2)}

	v, err := m.Value()
	require.NoError(t, err)

	var out JSONMap
	require.NoError(t, out.Scan(v))
	assert.Equal(t, m, out)

	require.NoError(t, out.Scan("{\"a\":1}"))
	assert.Equal(t, float64(1), out["a"])

	require.NoError(t, out.Scan(nil))
	assert.Nil(t, out)
}

func TestStringListScanAndContains(t *testing.T) {
	var l StringList
	require.NoError(t, l.Scan(`["go","sql"]`))
	assert.True(t, l.Contains("go"))
	assert.True(t, l.ContainsAll([]string{"go", "sql"}))
	assert.False(t, l.ContainsAll([]string{"go", "rust"}))
}
