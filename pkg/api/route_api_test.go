package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-ai/caravel/pkg/models"
)

func TestRouteCRUDOverHTTP(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/routes", f.adminKey, map[string]interface{}{
		"name": "notify ops", "triggerEvent": "task.completed",
		"destinationType": "webhook",
		"destinationConfig": map[string]interface{}{
			"url": "https://hooks.example.com/caravel",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var route models.Route
	dataInto(t, rec, &route)
	assert.True(t, route.Enabled)
	assert.Equal(t, 3, route.RetryPolicy.MaxRetries)

	rec = f.do(t, http.MethodPatch, fmt.Sprintf("/api/routes/%d", route.ID), f.adminKey, map[string]interface{}{
		"enabled": false,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	dataInto(t, rec, &route)
	assert.False(t, route.Enabled)

	var routes []models.Route
	rec = f.do(t, http.MethodGet, "/api/routes?enabled=false", f.adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dataInto(t, rec, &routes)
	require.Len(t, routes, 1)

	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/api/routes/%d", route.ID), f.adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/routes/%d", route.ID), f.adminKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouteWritesNeedAdmin(t *testing.T) {
	f := newFixture(t)
	reviewerKey := f.mintUserKey(t, f.seedUser(t, "reviewer@example.com", models.RoleReviewer))

	rec := f.do(t, http.MethodPost, "/api/routes", reviewerKey, map[string]interface{}{
		"name": "exfil", "triggerEvent": "task.completed",
		"destinationType":   "webhook",
		"destinationConfig": map[string]interface{}{"url": "https://evil.example.com"},
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/routes", reviewerKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRedeliverReplaysAFailedDelivery(t *testing.T) {
	f := newFixture(t)

	var accept atomic.Bool
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accept.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(hook.Close)

	rec := f.do(t, http.MethodPost, "/api/routes", f.adminKey, map[string]interface{}{
		"name": "notify ops", "triggerEvent": "task.created",
		"destinationType":   "webhook",
		"destinationConfig": map[string]interface{}{"url": hook.URL},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var route models.Route
	dataInto(t, rec, &route)

	// Creating a task fires the route; the 404 is a hard failure with no
	// retries, so the row lands in failed.
	rec = f.do(t, http.MethodPost, "/api/tasks", f.adminKey, map[string]interface{}{"title": "observable"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var logID int64
	require.Eventually(t, func() bool {
		var row struct {
			ID     int64  `db:"id"`
			Status string `db:"status"`
		}
		found, err := f.db.One(context.Background(), &row,
			`SELECT id, status FROM delivery_logs WHERE route_id = ?`, route.ID)
		if err != nil || !found || row.Status != "failed" {
			return false
		}
		logID = row.ID
		return true
	}, 5*time.Second, 20*time.Millisecond, "delivery should fail hard against the 404 hook")

	var logs []models.DeliveryLog
	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/routes/%d/deliveries", route.ID), f.adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dataInto(t, rec, &logs)
	require.Len(t, logs, 1)
	assert.Equal(t, models.DeliveryStatusFailed, logs[0].Status)

	// Fix the receiver, then replay.
	accept.Store(true)
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/routes/%d/deliveries/%d/redeliver", route.ID, logID), f.adminKey, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var replay models.DeliveryLog
	dataInto(t, rec, &replay)
	assert.NotEqual(t, logID, replay.ID, "redelivery is a fresh attempt row")
	assert.Equal(t, models.DeliveryStatusDelivered, replay.Status)

	// Only failed rows can be replayed.
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/routes/%d/deliveries/%d/redeliver", route.ID, replay.ID), f.adminKey, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/routes/%d/deliveries?limit=1", route.ID), f.adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dataInto(t, rec, &logs)
	require.Len(t, logs, 1)
	assert.Equal(t, replay.ID, logs[0].ID, "listings come back newest first")
}
