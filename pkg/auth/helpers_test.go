package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caravel-ai/caravel/pkg/config"
	"github.com/caravel-ai/caravel/pkg/database"
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/observability"
	"github.com/caravel-ai/caravel/pkg/services"
)

type fixture struct {
	db       *database.DB
	users    *services.UserService
	keys     *KeyService
	sessions *SessionService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenTest(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := observability.NewNoopLogger()
	users := services.NewUserService(db, logger)
	return &fixture{
		db:       db,
		users:    users,
		keys:     NewKeyService(db, logger),
		sessions: NewSessionService(db, users, config.AuthConfig{SessionSecret: "test-secret"}, logger),
	}
}

func (f *fixture) seedAgent(t *testing.T, name string, status models.AgentStatus, owner *int64) int64 {
	t.Helper()
	if status == "" {
		status = models.AgentStatusActive
	}
	id, err := f.db.Insert(context.Background(),
		`INSERT INTO agents (name, status, capabilities, owner_user_id) VALUES (?, ?, ?, ?)`,
		name, string(status), models.StringList{}, owner)
	require.NoError(t, err)
	return id
}

func (f *fixture) seedUser(t *testing.T, email string, role models.Role) *models.User {
	t.Helper()
	user, err := f.users.Create(context.Background(), services.SystemActor(), services.CreateUserInput{
		Email:    email,
		Name:     "Test Operator",
		Password: "hunter2hunter2",
		Role:     role,
	})
	require.NoError(t, err)
	return user
}

func testActor() services.Actor {
	return services.Actor{Name: "tester"}
}

func int64Ptr(v int64) *int64 { return &v }
