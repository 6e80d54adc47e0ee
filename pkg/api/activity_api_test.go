package api

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-ai/caravel/pkg/models"
)

func TestActivityFeedOverHTTP(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/tasks", f.adminKey, map[string]interface{}{"title": "audited"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var task models.Task
	dataInto(t, rec, &task)

	rec = f.do(t, http.MethodPatch, fmt.Sprintf("/api/tasks/%d", task.ID), f.adminKey, map[string]interface{}{
		"title": "audited twice",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []models.ActivityEntry
	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/activity?entityType=task&entityId=%d", task.ID), f.adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dataInto(t, rec, &entries)
	require.Len(t, entries, 2)
	assert.Equal(t, "task.updated", entries[0].EventType, "feed is newest first")
	assert.Equal(t, "task.created", entries[1].EventType)
	assert.Equal(t, "admin@example.com", entries[0].ActorName)

	rec = f.do(t, http.MethodGet, "/api/activity?limit=1", f.adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dataInto(t, rec, &entries)
	assert.Len(t, entries, 1)

	// Any authenticated credential can read the feed.
	viewerKey := f.mintUserKey(t, f.seedUser(t, "viewer@example.com", models.RoleViewer))
	rec = f.do(t, http.MethodGet, "/api/activity", viewerKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
