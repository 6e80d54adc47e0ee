package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-ai/caravel/pkg/models"
)

func TestCreateTaskAutoRoutesThroughProjectDefault(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	agentID := seedAgent(t, fx.db, agentRow{name: "coder", max: intPtr(3)})
	projectID := seedProject(t, fx.db, &agentID)

	task, err := fx.tasks.Create(ctx, testActor(), TaskSpec{
		ProjectID:       &projectID,
		Title:           "implement parser",
		AssignedAgentID: assignAuto(),
	})
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusAssigned, task.Status)
	require.NotNil(t, task.AssignedAgentID)
	assert.Equal(t, agentID, *task.AssignedAgentID)
	assert.Equal(t, 1, activeCount(t, fx.db, agentID))

	require.NotNil(t, task.RoutingDecision)
	var decision models.RoutingDecision
	require.NoError(t, json.Unmarshal([]byte(*task.RoutingDecision), &decision))
	assert.Equal(t, "default", decision.Strategy)

	assert.Equal(t, []models.EventType{models.EventTaskCreated, models.EventTaskAssigned}, eventTypes(fx.sink))
	assert.Equal(t, []string{"task.created"}, activityTypes(t, fx.db, models.EntityTask, task.ID))
}

func TestCreateTaskExplicitAgentAtCapacityRollsBack(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	agentID := seedAgent(t, fx.db, agentRow{name: "busy", max: intPtr(1), active: 1})

	_, err := fx.tasks.Create(ctx, testActor(), TaskSpec{
		Title:           "one too many",
		AssignedAgentID: assignTo(agentID),
	})
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	// The insert rolled back with the failed reservation.
	tasks, err := fx.tasks.List(ctx, TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Equal(t, 1, activeCount(t, fx.db, agentID))
	assert.Empty(t, fx.sink.Events)
}

func TestCreateTaskUnassignedStaysPending(t *testing.T) {
	fx := newFixture(t)

	task, err := fx.tasks.Create(context.Background(), testActor(), TaskSpec{Title: "later"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Nil(t, task.AssignedAgentID)
	assert.Equal(t, models.TaskPriorityMedium, task.Priority)
	assert.Equal(t, []models.EventType{models.EventTaskCreated}, eventTypes(fx.sink))
}

func TestCreateTaskValidation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.tasks.Create(ctx, testActor(), TaskSpec{Title: "   "})
	assert.True(t, IsValidation(err))

	_, err = fx.tasks.Create(ctx, testActor(), TaskSpec{Title: "route me", AssignedAgentID: assignAuto()})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "projectId")

	bad := models.TaskPriority(9)
	_, err = fx.tasks.Create(ctx, testActor(), TaskSpec{Title: "prio", Priority: &bad})
	assert.True(t, IsValidation(err))
}

func TestCreateBulkAllOrNothing(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	agentID := seedAgent(t, fx.db, agentRow{name: "narrow", max: intPtr(1)})

	// The first spec takes the only slot inside the transaction; the second
	// then fails the capacity guard and the whole batch unwinds.
	_, err := fx.tasks.CreateBulk(ctx, testActor(), []TaskSpec{
		{Title: "first", AssignedAgentID: assignTo(agentID)},
		{Title: "second", AssignedAgentID: assignTo(agentID)},
	})
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Contains(t, err.Error(), "tasks.1")

	tasks, err := fx.tasks.List(ctx, TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Equal(t, 0, activeCount(t, fx.db, agentID))
	assert.Empty(t, fx.sink.Events)
}

func TestCreateBulkWritesSummaryActivity(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	tasks, err := fx.tasks.CreateBulk(ctx, testActor(), []TaskSpec{
		{Title: "a"}, {Title: "b"}, {Title: "c"},
	})
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	assert.Equal(t, []string{"task.bulk_created"}, activityTypes(t, fx.db, models.EntityTask, 0))
	assert.Len(t, fx.sink.Events, 3)
}

func TestCreateBulkValidationNamesTheItem(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.tasks.CreateBulk(context.Background(), testActor(), []TaskSpec{
		{Title: "fine"},
		{Title: ""},
	})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "tasks.1.title")
}

func TestClaimRaceHasOneWinner(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	task, err := fx.tasks.Create(ctx, testActor(), TaskSpec{Title: "contested"})
	require.NoError(t, err)
	agentA := seedAgent(t, fx.db, agentRow{name: "a"})
	agentB := seedAgent(t, fx.db, agentRow{name: "b"})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, agentID := range []int64{agentA, agentB} {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := fx.tasks.Claim(ctx, Actor{Name: "agent", AgentID: &id}, task.ID, id)
			errs <- err
		}(agentID)
	}
	wg.Wait()
	close(errs)

	var wins, conflicts int
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.True(t, IsConflict(err), "loser must see a conflict, got %v", err)
		conflicts++
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	claimed, err := fx.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusAssigned, claimed.Status)
	require.NotNil(t, claimed.AssignedAgentID)
	assert.NotNil(t, claimed.ClaimedAt)
	assert.Equal(t, 1, activeCount(t, fx.db, agentA)+activeCount(t, fx.db, agentB))
}

func TestClaimByCurrentHolderKeepsOneSlot(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	agentID := seedAgent(t, fx.db, agentRow{name: "holder", max: intPtr(2)})
	task, err := fx.tasks.Create(ctx, testActor(), TaskSpec{Title: "mine already", AssignedAgentID: assignTo(agentID)})
	require.NoError(t, err)
	require.Equal(t, 1, activeCount(t, fx.db, agentID))

	claimed, err := fx.tasks.Claim(ctx, testActor(), task.ID, agentID)
	require.NoError(t, err)
	assert.NotNil(t, claimed.ClaimedAt)
	assert.Equal(t, 1, activeCount(t, fx.db, agentID), "re-claim must not reserve a second slot")
}

func TestClaimAtCapacityRollsBackTheClaim(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	agentID := seedAgent(t, fx.db, agentRow{name: "full", max: intPtr(1), active: 1})
	task, err := fx.tasks.Create(ctx, testActor(), TaskSpec{Title: "unlucky"})
	require.NoError(t, err)

	_, err = fx.tasks.Claim(ctx, testActor(), task.ID, agentID)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Equal(t, models.TaskStatusPending, taskStatus(t, fx.db, task.ID))
	assert.Equal(t, 1, activeCount(t, fx.db, agentID))
}

func TestClaimOfHeldTaskConflicts(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	holder := seedAgent(t, fx.db, agentRow{name: "holder"})
	rival := seedAgent(t, fx.db, agentRow{name: "rival"})
	task, err := fx.tasks.Create(ctx, testActor(), TaskSpec{Title: "taken", AssignedAgentID: assignTo(holder)})
	require.NoError(t, err)

	_, err = fx.tasks.Claim(ctx, testActor(), task.ID, rival)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Equal(t, 0, activeCount(t, fx.db, rival))
}

func TestReassignMovesSlotBetweenAgents(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	agentA := seedAgent(t, fx.db, agentRow{name: "a", max: intPtr(1)})
	agentB := seedAgent(t, fx.db, agentRow{name: "b", max: intPtr(1)})
	task, err := fx.tasks.Create(ctx, testActor(), TaskSpec{Title: "handoff", AssignedAgentID: assignTo(agentA)})
	require.NoError(t, err)

	updated, err := fx.tasks.Update(ctx, testActor(), task.ID, TaskPatch{AssignedAgentID: assignTo(agentB)})
	require.NoError(t, err)
	require.NotNil(t, updated.AssignedAgentID)
	assert.Equal(t, agentB, *updated.AssignedAgentID)
	assert.Equal(t, 0, activeCount(t, fx.db, agentA))
	assert.Equal(t, 1, activeCount(t, fx.db, agentB))
}

func TestReassignFailurePreservesCounts(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	agentA := seedAgent(t, fx.db, agentRow{name: "a", max: intPtr(1)})
	task, err := fx.tasks.Create(ctx, testActor(), TaskSpec{Title: "stuck", AssignedAgentID: assignTo(agentA)})
	require.NoError(t, err)

	_, err = fx.tasks.Update(ctx, testActor(), task.ID, TaskPatch{AssignedAgentID: assignTo(9999)})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	// Rollback restored the original holder and its slot.
	after, err := fx.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, after.AssignedAgentID)
	assert.Equal(t, agentA, *after.AssignedAgentID)
	assert.Equal(t, 1, activeCount(t, fx.db, agentA))
}

func TestReassignExplicitBypassesCapacity(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	agentA := seedAgent(t, fx.db, agentRow{name: "a"})
	agentB := seedAgent(t, fx.db, agentRow{name: "b", max: intPtr(1), active: 1})
	task, err := fx.tasks.Create(ctx, testActor(), TaskSpec{Title: "override", AssignedAgentID: assignTo(agentA)})
	require.NoError(t, err)

	// Operator reassignment may push the target over its limit.
	updated, err := fx.tasks.Update(ctx, testActor(), task.ID, TaskPatch{AssignedAgentID: assignTo(agentB)})
	require.NoError(t, err)
	assert.Equal(t, agentB, *updated.AssignedAgentID)
	assert.Equal(t, 0, activeCount(t, fx.db, agentA))
	assert.Equal(t, 2, activeCount(t, fx.db, agentB))
}

func TestReassignAutoMissReleasesAndUnassigns(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	agentA := seedAgent(t, fx.db, agentRow{name: "a"})
	paused := seedAgent(t, fx.db, agentRow{name: "paused", status: models.AgentStatusPaused})
	projectID := seedProject(t, fx.db, &paused)
	task, err := fx.tasks.Create(ctx, testActor(), TaskSpec{
		ProjectID:       &projectID,
		Title:           "orphaned",
		AssignedAgentID: assignTo(agentA),
	})
	require.NoError(t, err)
	require.Equal(t, 1, activeCount(t, fx.db, agentA))

	updated, err := fx.tasks.Update(ctx, testActor(), task.ID, TaskPatch{AssignedAgentID: assignAuto()})
	require.NoError(t, err)
	assert.Nil(t, updated.AssignedAgentID)
	assert.Equal(t, 0, activeCount(t, fx.db, agentA), "old holder's slot must not leak")
	assert.Equal(t, 0, activeCount(t, fx.db, paused))
}

func TestReassignNullUnassignsWithoutStatusChange(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	agentID := seedAgent(t, fx.db, agentRow{name: "a"})
	task, err := fx.tasks.Create(ctx, testActor(), TaskSpec{Title: "detach", AssignedAgentID: assignTo(agentID)})
	require.NoError(t, err)

	updated, err := fx.tasks.Update(ctx, testActor(), task.ID, TaskPatch{AssignedAgentID: assignNone()})
	require.NoError(t, err)
	assert.Nil(t, updated.AssignedAgentID)
	assert.Equal(t, models.TaskStatusAssigned, updated.Status)
	assert.Equal(t, 0, activeCount(t, fx.db, agentID))
}

func TestLifecycleReleasesSlotOnCompletion(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	agentID := seedAgent(t, fx.db, agentRow{name: "worker", max: intPtr(2)})
	task, err := fx.tasks.Create(ctx, testActor(), TaskSpec{Title: "ship it", AssignedAgentID: assignTo(agentID)})
	require.NoError(t, err)

	for _, next := range []models.TaskStatus{models.TaskStatusInProgress, models.TaskStatusReview} {
		_, err = fx.tasks.SetStatus(ctx, testActor(), task.ID, next)
		require.NoError(t, err)
		assert.Equal(t, 1, activeCount(t, fx.db, agentID), "slot held through %s", next)
	}

	done, err := fx.tasks.SetStatus(ctx, testActor(), task.ID, models.TaskStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, 0, activeCount(t, fx.db, agentID))

	types := eventTypes(fx.sink)
	assert.Equal(t, models.EventTaskCompleted, types[len(types)-1])
}

func TestCancelReleasesHeldSlot(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	agentID := seedAgent(t, fx.db, agentRow{name: "worker"})
	task, err := fx.tasks.Create(ctx, testActor(), TaskSpec{Title: "abort", AssignedAgentID: assignTo(agentID)})
	require.NoError(t, err)

	cancelled, err := fx.tasks.SetStatus(ctx, testActor(), task.ID, models.TaskStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, cancelled.Status)
	assert.Equal(t, 0, activeCount(t, fx.db, agentID))
}

func TestIllegalTransitionConflicts(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	task, err := fx.tasks.Create(ctx, testActor(), TaskSpec{Title: "too eager"})
	require.NoError(t, err)

	_, err = fx.tasks.SetStatus(ctx, testActor(), task.ID, models.TaskStatusCompleted)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.Equal(t, models.TaskStatusPending, taskStatus(t, fx.db, task.ID))
}

func TestTerminalTaskRejectsEdits(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	task, err := fx.tasks.Create(ctx, testActor(), TaskSpec{Title: "finished"})
	require.NoError(t, err)
	_, err = fx.tasks.SetStatus(ctx, testActor(), task.ID, models.TaskStatusCancelled)
	require.NoError(t, err)

	_, err = fx.tasks.Update(ctx, testActor(), task.ID, TaskPatch{Title: strPtr("revived")})
	require.Error(t, err)
	assert.True(t, IsConflict(err))
}

func TestUpdatePatchesFields(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	task, err := fx.tasks.Create(ctx, testActor(), TaskSpec{Title: "draft"})
	require.NoError(t, err)

	tags := models.StringList{"infra", "urgent-fix"}
	updated, err := fx.tasks.Update(ctx, testActor(), task.ID, TaskPatch{
		Title:    strPtr("  final  "),
		Priority: priorityPtr(models.TaskPriorityUrgent),
		Tags:     &tags,
	})
	require.NoError(t, err)
	assert.Equal(t, "final", updated.Title)
	assert.Equal(t, models.TaskPriorityUrgent, updated.Priority)
	assert.Equal(t, tags, updated.Tags)
}

func TestProgressRequiresInProgress(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	agentID := seedAgent(t, fx.db, agentRow{name: "worker"})
	task, err := fx.tasks.Create(ctx, testActor(), TaskSpec{Title: "tracked", AssignedAgentID: assignTo(agentID)})
	require.NoError(t, err)

	_, err = fx.tasks.AddProgress(ctx, testActor(), task.ID, "too soon", nil)
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	_, err = fx.tasks.SetStatus(ctx, testActor(), task.ID, models.TaskStatusInProgress)
	require.NoError(t, err)

	over := 150
	note, err := fx.tasks.AddProgress(ctx, testActor(), task.ID, "halfway-ish", &over)
	require.NoError(t, err)
	require.NotNil(t, note.Percent)
	assert.Equal(t, 100, *note.Percent, "percent clamps to 0..100")

	notes, err := fx.tasks.ListProgress(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "halfway-ish", notes[0].Message)
}

func TestDeleteReleasesHeldSlot(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	agentID := seedAgent(t, fx.db, agentRow{name: "worker"})
	task, err := fx.tasks.Create(ctx, testActor(), TaskSpec{Title: "doomed", AssignedAgentID: assignTo(agentID)})
	require.NoError(t, err)
	require.Equal(t, 1, activeCount(t, fx.db, agentID))

	require.NoError(t, fx.tasks.Delete(ctx, testActor(), task.ID))
	assert.Equal(t, 0, activeCount(t, fx.db, agentID))

	_, err = fx.tasks.Get(ctx, task.ID)
	assert.True(t, IsNotFound(err))
}

func TestListFilters(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	projectID := seedProject(t, fx.db, nil)

	_, err := fx.tasks.Create(ctx, testActor(), TaskSpec{
		ProjectID: &projectID,
		Title:     "tagged",
		Tags:      models.StringList{"backend", "db"},
	})
	require.NoError(t, err)
	_, err = fx.tasks.Create(ctx, testActor(), TaskSpec{Title: "untagged"})
	require.NoError(t, err)

	byTag, err := fx.tasks.List(ctx, TaskFilter{Tag: "backend"})
	require.NoError(t, err)
	require.Len(t, byTag, 1)
	assert.Equal(t, "tagged", byTag[0].Title)

	byProject, err := fx.tasks.List(ctx, TaskFilter{ProjectID: &projectID})
	require.NoError(t, err)
	require.Len(t, byProject, 1)

	byStatus, err := fx.tasks.List(ctx, TaskFilter{Status: models.TaskStatusPending})
	require.NoError(t, err)
	assert.Len(t, byStatus, 2)

	_, err = fx.tasks.List(ctx, TaskFilter{Status: models.TaskStatus("bogus")})
	assert.True(t, IsValidation(err))
}

func TestAgentAssignmentUnmarshal(t *testing.T) {
	cases := []struct {
		name string
		body string
		want AgentAssignment
		bad  bool
	}{
		{name: "absent leaves unset", body: `{}`, want: AgentAssignment{}},
		{name: "null unassigns", body: `{"assignedAgentId": null}`, want: AgentAssignment{Set: true}},
		{name: "auto routes", body: `{"assignedAgentId": "auto"}`, want: AgentAssignment{Set: true, Auto: true}},
		{name: "id assigns", body: `{"assignedAgentId": 42}`, want: AgentAssignment{Set: true, ID: int64Ptr(42)}},
		{name: "other strings rejected", body: `{"assignedAgentId": "best"}`, bad: true},
		{name: "floats rejected", body: `{"assignedAgentId": 1.5}`, bad: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var spec TaskSpec
			err := json.Unmarshal([]byte(tc.body), &spec)
			if tc.bad {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want.Set, spec.AssignedAgentID.Set)
			assert.Equal(t, tc.want.Auto, spec.AssignedAgentID.Auto)
			if tc.want.ID == nil {
				assert.Nil(t, spec.AssignedAgentID.ID)
			} else {
				require.NotNil(t, spec.AssignedAgentID.ID)
				assert.Equal(t, *tc.want.ID, *spec.AssignedAgentID.ID)
			}
		})
	}
}
