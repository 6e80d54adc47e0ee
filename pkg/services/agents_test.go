package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-ai/caravel/pkg/models"
)

func TestCreateAgentDefaults(t *testing.T) {
	fx := newFixture(t)

	agent, err := fx.agents.Create(context.Background(), testActor(), CreateAgentInput{
		Name:         "  builder  ",
		Capabilities: models.StringList{"golang", "docker"},
	})
	require.NoError(t, err)

	assert.Equal(t, "builder", agent.Name)
	assert.Equal(t, models.AgentStatusActive, agent.Status)
	assert.Equal(t, models.ExecutionModeAuto, agent.ExecutionMode)
	assert.Nil(t, agent.MaxConcurrentTasks, "no limit means NULL")
	assert.Equal(t, 0, agent.ActiveTaskCount)

	types := eventTypes(fx.sink)
	require.Len(t, types, 1)
	assert.Equal(t, models.EventAgentRegistered, types[0])
	assert.Equal(t, []string{"agent.registered"}, activityTypes(t, fx.db, models.EntityAgent, agent.ID))
}

func TestCreateAgentZeroLimitMeansUnlimited(t *testing.T) {
	fx := newFixture(t)

	agent, err := fx.agents.Create(context.Background(), testActor(), CreateAgentInput{
		Name:               "boundless",
		MaxConcurrentTasks: intPtr(0),
	})
	require.NoError(t, err)
	assert.Nil(t, agent.MaxConcurrentTasks)
}

func TestCreateAgentValidation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.agents.Create(ctx, testActor(), CreateAgentInput{Name: " "})
	assert.True(t, IsValidation(err))

	_, err = fx.agents.Create(ctx, testActor(), CreateAgentInput{Name: "x", Status: "sleeping"})
	assert.True(t, IsValidation(err))

	_, err = fx.agents.Create(ctx, testActor(), CreateAgentInput{Name: "x", OwnerUserID: int64Ptr(99)})
	assert.True(t, IsNotFound(err))
}

func TestUpdateAgentClearsLimitWithZero(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	id := seedAgent(t, fx.db, agentRow{name: "capped", max: intPtr(5)})

	agent, err := fx.agents.Update(ctx, testActor(), id, UpdateAgentInput{MaxConcurrentTasks: intPtr(0)})
	require.NoError(t, err)
	assert.Nil(t, agent.MaxConcurrentTasks)
}

func TestUpdateAgentAllowsLoweringBelowActiveCount(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	id := seedAgent(t, fx.db, agentRow{name: "overloaded", active: 3})

	agent, err := fx.agents.Update(ctx, testActor(), id, UpdateAgentInput{MaxConcurrentTasks: intPtr(1)})
	require.NoError(t, err)
	require.NotNil(t, agent.MaxConcurrentTasks)
	assert.Equal(t, 1, *agent.MaxConcurrentTasks)
	assert.Equal(t, 3, agent.ActiveTaskCount, "existing work is untouched")
}

func TestUpdateAgentPatchesFields(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	id := seedAgent(t, fx.db, agentRow{name: "old"})

	paused := models.AgentStatusPaused
	caps := models.StringList{"review"}
	agent, err := fx.agents.Update(ctx, testActor(), id, UpdateAgentInput{
		Name:         strPtr("renamed"),
		Status:       &paused,
		Capabilities: &caps,
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", agent.Name)
	assert.Equal(t, models.AgentStatusPaused, agent.Status)
	assert.Equal(t, caps, agent.Capabilities)
}

func TestDeleteAgentDetachesTasks(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	id := seedAgent(t, fx.db, agentRow{name: "leaver"})
	task, err := fx.tasks.Create(ctx, testActor(), TaskSpec{Title: "orphan-to-be", AssignedAgentID: assignTo(id)})
	require.NoError(t, err)

	require.NoError(t, fx.agents.Delete(ctx, testActor(), id))

	after, err := fx.tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, after.AssignedAgentID, "schema nulls the reference")

	err = fx.agents.Delete(ctx, testActor(), id)
	assert.True(t, IsNotFound(err))
}

func TestListAgentsByStatusAndCapability(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	seedAgent(t, fx.db, agentRow{name: "go-active", caps: models.StringList{"golang"}})
	seedAgent(t, fx.db, agentRow{name: "go-paused", status: models.AgentStatusPaused, caps: models.StringList{"golang"}})
	seedAgent(t, fx.db, agentRow{name: "py-active", caps: models.StringList{"python"}})

	active, err := fx.agents.List(ctx, AgentFilter{Status: models.AgentStatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	goActive, err := fx.agents.List(ctx, AgentFilter{Status: models.AgentStatusActive, Capability: "golang"})
	require.NoError(t, err)
	require.Len(t, goActive, 1)
	assert.Equal(t, "go-active", goActive[0].Name)

	_, err = fx.agents.List(ctx, AgentFilter{Status: "hibernating"})
	assert.True(t, IsValidation(err))
}
