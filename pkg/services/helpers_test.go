package services

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caravel-ai/caravel/pkg/config"
	"github.com/caravel-ai/caravel/pkg/database"
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/observability"
	"github.com/caravel-ai/caravel/pkg/routing"
)

func openDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.OpenTest(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fixture struct {
	db        *database.DB
	sink      *CollectSink
	filesRoot string
	tasks     *TaskService
	agents    *AgentService
	projects  *ProjectService
	users     *UserService
	delivers  *DeliverableService
	routes    *RouteService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := openDB(t)
	logger := observability.NewNoopLogger()
	router := routing.NewRouter(logger)
	sink := &CollectSink{}
	root := t.TempDir()
	files := NewFileStore(config.UploadsConfig{Root: root}, logger)
	return &fixture{
		db:        db,
		sink:      sink,
		filesRoot: root,
		tasks:     NewTaskService(db, router, logger, sink),
		agents:    NewAgentService(db, logger, sink),
		projects:  NewProjectService(db, router, logger, sink),
		users:     NewUserService(db, logger),
		delivers:  NewDeliverableService(db, files, logger, sink),
		routes:    NewRouteService(db, logger),
	}
}

type agentRow struct {
	name   string
	status models.AgentStatus
	caps   models.StringList
	max    *int
	active int
}

func seedAgent(t *testing.T, db *database.DB, row agentRow) int64 {
	t.Helper()
	if row.status == "" {
		row.status = models.AgentStatusActive
	}
	if row.caps == nil {
		row.caps = models.StringList{}
	}
	id, err := db.Insert(context.Background(),
		`INSERT INTO agents (name, status, capabilities, max_concurrent_tasks, active_task_count) VALUES (?, ?, ?, ?, ?)`,
		row.name, string(row.status), row.caps, row.max, row.active)
	require.NoError(t, err)
	return id
}

func seedProject(t *testing.T, db *database.DB, defaultAgent *int64) int64 {
	t.Helper()
	id, err := db.Insert(context.Background(),
		`INSERT INTO projects (name, default_agent_id) VALUES (?, ?)`,
		"fleet", defaultAgent)
	require.NoError(t, err)
	return id
}

func seedRules(t *testing.T, db *database.DB, projectID int64, specs []routing.RuleSpec) {
	t.Helper()
	err := db.Tx(context.Background(), func(ctx context.Context, tx *database.Tx) error {
		_, err := routing.ReplaceRules(ctx, tx, projectID, specs)
		return err
	})
	require.NoError(t, err)
}

func activeCount(t *testing.T, db *database.DB, agentID int64) int {
	t.Helper()
	var row struct {
		Count int `db:"active_task_count"`
	}
	found, err := db.One(context.Background(), &row,
		`SELECT active_task_count FROM agents WHERE id = ?`, agentID)
	require.NoError(t, err)
	require.True(t, found)
	return row.Count
}

func taskStatus(t *testing.T, db *database.DB, taskID int64) models.TaskStatus {
	t.Helper()
	var row struct {
		Status string `db:"status"`
	}
	found, err := db.One(context.Background(), &row,
		`SELECT status FROM tasks WHERE id = ?`, taskID)
	require.NoError(t, err)
	require.True(t, found)
	return models.TaskStatus(row.Status)
}

func activityTypes(t *testing.T, db *database.DB, entityType string, entityID int64) []string {
	t.Helper()
	var rows []struct {
		EventType string `db:"event_type"`
	}
	err := db.Many(context.Background(), &rows,
		`SELECT event_type FROM activity_log WHERE entity_type = ? AND entity_id = ? ORDER BY id ASC`,
		entityType, entityID)
	require.NoError(t, err)
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.EventType
	}
	return out
}

func eventTypes(sink *CollectSink) []models.EventType {
	out := make([]models.EventType, len(sink.Events))
	for i, e := range sink.Events {
		out[i] = e.Type
	}
	return out
}

func testActor() Actor {
	name := "tester"
	return Actor{Name: name}
}

func intPtr(v int) *int { return &v }

func int64Ptr(v int64) *int64 { return &v }

func strPtr(v string) *string { return &v }

func strategyPtr(s models.AssignStrategy) *models.AssignStrategy { return &s }

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func priorityPtr(p models.TaskPriority) *models.TaskPriority { return &p }

func statusPtr(s models.TaskStatus) *models.TaskStatus { return &s }

func assignAuto() AgentAssignment { return AgentAssignment{Set: true, Auto: true} }

func assignTo(id int64) AgentAssignment { return AgentAssignment{Set: true, ID: &id} }

func assignNone() AgentAssignment { return AgentAssignment{Set: true} }
