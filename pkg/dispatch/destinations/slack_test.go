package destinations

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/services"
)

func slackRoute(url string) *models.Route {
	return &models.Route{
		TriggerEvent:      models.EventTaskCompleted,
		DestinationType:   models.DestinationSlack,
		DestinationConfig: models.JSONMap{"url": url, "channel": "#fleet-ops", "username": "caravel"},
	}
}

func TestSlackPostsMappedText(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	adapter := NewSlack(2 * time.Second)
	result, err := adapter.Deliver(context.Background(), slackRoute(server.URL), models.JSONMap{"text": "Task 7 completed"})
	require.NoError(t, err)
	assert.Equal(t, 200, result.Status)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(gotBody, &msg))
	assert.Equal(t, "Task 7 completed", msg["text"])
	assert.Equal(t, "#fleet-ops", msg["channel"])
	assert.Equal(t, "caravel", msg["username"])
}

func TestSlackFallsBackToPayloadDump(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	adapter := NewSlack(2 * time.Second)
	_, err := adapter.Deliver(context.Background(), slackRoute(server.URL), models.JSONMap{"taskId": 7})
	require.NoError(t, err)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(gotBody, &msg))
	text, _ := msg["text"].(string)
	assert.Contains(t, text, "task.completed")
	assert.Contains(t, text, `"taskId": 7`)
}

func TestSlackClassifiesFailures(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{500, true},
		{404, false},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		adapter := NewSlack(2 * time.Second)
		_, err := adapter.Deliver(context.Background(), slackRoute(server.URL), models.JSONMap{"text": "x"})
		server.Close()

		var dep *services.DependencyError
		require.ErrorAs(t, err, &dep, "status %d", tc.status)
		assert.Equal(t, tc.transient, dep.Transient, "status %d", tc.status)
		assert.Equal(t, tc.status, dep.Status)
	}
}

func TestSlackRateLimitIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	adapter := NewSlack(2 * time.Second)
	_, err := adapter.Deliver(context.Background(), slackRoute(server.URL), models.JSONMap{"text": "x"})
	var dep *services.DependencyError
	require.ErrorAs(t, err, &dep)
	assert.True(t, dep.Transient)
}

func TestSlackMissingURLIsHard(t *testing.T) {
	adapter := NewSlack(2 * time.Second)
	route := &models.Route{DestinationType: models.DestinationSlack, DestinationConfig: models.JSONMap{}}
	_, err := adapter.Deliver(context.Background(), route, models.JSONMap{})
	var dep *services.DependencyError
	require.ErrorAs(t, err, &dep)
	assert.False(t, dep.Transient)
}
