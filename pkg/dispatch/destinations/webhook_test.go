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

func webhookRoute(url string, extra models.JSONMap) *models.Route {
	cfg := models.JSONMap{"url": url}
	for k, v := range extra {
		cfg[k] = v
	}
	return &models.Route{
		ID:                1,
		TriggerEvent:      models.EventTaskCreated,
		DestinationType:   models.DestinationWebhook,
		DestinationConfig: cfg,
	}
}

func TestWebhookPostsSignedJSON(t *testing.T) {
	var (
		gotBody   []byte
		gotHeader http.Header
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("received"))
	}))
	defer server.Close()

	adapter := NewWebhook(2 * time.Second)
	route := webhookRoute(server.URL, models.JSONMap{
		"secret":  "hunter2",
		"headers": map[string]interface{}{"X-Tenant": "acme"},
	})
	result, err := adapter.Deliver(context.Background(), route, models.JSONMap{"taskId": 7})
	require.NoError(t, err)
	assert.Equal(t, 200, result.Status)
	assert.Equal(t, "received", result.Body)

	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, "task.created", gotHeader.Get(EventHeader))
	assert.Equal(t, "acme", gotHeader.Get("X-Tenant"))
	assert.True(t, VerifySignature("hunter2", gotBody, gotHeader.Get(SignatureHeader)))
	assert.False(t, VerifySignature("wrong", gotBody, gotHeader.Get(SignatureHeader)))

	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal(gotBody, &sent))
	assert.Equal(t, float64(7), sent["taskId"])
}

func TestWebhookSkipsSignatureWithoutSecret(t *testing.T) {
	var gotHeader http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	adapter := NewWebhook(2 * time.Second)
	result, err := adapter.Deliver(context.Background(), webhookRoute(server.URL, nil), models.JSONMap{})
	require.NoError(t, err)
	assert.Equal(t, 204, result.Status)
	assert.Empty(t, gotHeader.Get(SignatureHeader))
}

func TestWebhookClassifiesFailures(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{500, true},
		{503, true},
		{429, true},
		{400, false},
		{404, false},
		{410, false},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte("nope"))
		}))
		adapter := NewWebhook(2 * time.Second)
		result, err := adapter.Deliver(context.Background(), webhookRoute(server.URL, nil), models.JSONMap{})
		server.Close()

		require.Error(t, err, "status %d", tc.status)
		var dep *services.DependencyError
		require.ErrorAs(t, err, &dep)
		assert.Equal(t, tc.transient, dep.Transient, "status %d", tc.status)
		assert.Equal(t, tc.status, dep.Status)
		require.NotNil(t, result, "the response is still recorded on failure")
		assert.Equal(t, tc.status, result.Status)
		assert.Equal(t, "nope", result.Body)
	}
}

func TestWebhookNetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	adapter := NewWebhook(2 * time.Second)
	_, err := adapter.Deliver(context.Background(), webhookRoute(url, nil), models.JSONMap{})
	var dep *services.DependencyError
	require.ErrorAs(t, err, &dep)
	assert.True(t, dep.Transient)
	assert.Zero(t, dep.Status)
}

func TestWebhookMissingURLIsHard(t *testing.T) {
	adapter := NewWebhook(2 * time.Second)
	route := &models.Route{DestinationType: models.DestinationWebhook, DestinationConfig: models.JSONMap{}}
	_, err := adapter.Deliver(context.Background(), route, models.JSONMap{})
	var dep *services.DependencyError
	require.ErrorAs(t, err, &dep)
	assert.False(t, dep.Transient)
}
