// Template for service tests.
// Usage: copy into pkg/services/{subject}_test.go. Tests run against a
// real sqlite database through newFixture; there are no repository mocks.

package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-ai/caravel/pkg/models"
)

func Test{Operation}{Outcome}(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// Seed the rows the operation depends on with the helpers in
	// helpers_test.go (seedAgent, seedProject, seedRules).
	agentID := seedAgent(t, fx.db, agentRow{name: "worker", max: intPtr(2)})

	got, err := fx.{service}.{Operation}(ctx, testActor(), {Input}{
		// TODO: fill the operation input, referencing agentID where needed
	})
	require.NoError(t, err)

	// Assert the returned value first, then the persisted side effects:
	// row state, capacity counters, emitted events, activity entries.
	assert.Equal(t, {expected}, got.{Field})
	assert.Equal(t, []models.EventType{models.Event{Name}}, eventTypes(fx.sink))
	assert.Equal(t, []string{"{entity}.{event}"}, activityTypes(t, fx.db, models.Entity{Resource}, got.ID))
}

func Test{Operation}Rejects{BadCase}(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.{service}.{Operation}(context.Background(), testActor(), {Input}{
		// TODO: fill an input that must be rejected
	})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	// A rejected operation leaves no trace.
	assert.Empty(t, fx.sink.Events)
}
