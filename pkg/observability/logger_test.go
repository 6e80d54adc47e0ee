package observability

import (
	"bytes"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(fn func()) string {
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)
	fn()
	return buf.String()
}

func TestStandardLoggerFormatsFields(t *testing.T) {
	logger := NewStandardLogger("test")

	out := captureOutput(func() {
		logger.Info("task created", map[string]interface{}{
			"taskId":  42,
			"agentId": 7,
		})
	})

	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "[test]")
	assert.Contains(t, out, "task created")
	// Fields render sorted for stable grepping.
	assert.Contains(t, out, "agentId=7 taskId=42")
}

func TestStandardLoggerLevelFiltering(t *testing.T) {
	base, ok := NewStandardLogger("test").(*StandardLogger)
	require.True(t, ok)
	logger := base.WithLevel(LogLevelWarn)

	out := captureOutput(func() {
		logger.Debug("hidden", nil)
		logger.Info("hidden too", nil)
		logger.Debugf("hidden %s", "as well")
		logger.Warn("visible", nil)
		logger.Warnf("visible %d of %d", 2, 2)
	})

	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
	assert.Contains(t, out, "visible 2 of 2")
}

func TestStandardLoggerWithAttachesBaseFields(t *testing.T) {
	logger := NewStandardLogger("sweeper").With(map[string]interface{}{"routeId": 3})

	out := captureOutput(func() {
		logger.Info("delivery retried", map[string]interface{}{"attempt": 2})
	})

	assert.Contains(t, out, "attempt=2")
	assert.Contains(t, out, "routeId=3")
}

func TestPrometheusMetricsClient(t *testing.T) {
	client := NewPrometheusMetricsClient("caravel_test")

	client.IncrementCounterWithLabels("dispatch_attempts_total", 1, map[string]string{"status": "delivered"})
	client.IncrementCounterWithLabels("dispatch_attempts_total", 1, map[string]string{"status": "failed"})
	client.RecordGauge("sweeper_due_rows", 5, nil)
	client.RecordTimer("dispatch_duration_seconds", 120*time.Millisecond, map[string]string{"destination": "webhook"})

	stop := client.StartTimer("db_query_seconds", map[string]string{"op": "one"})
	stop()

	families, err := client.registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["caravel_test_dispatch_attempts_total"])
	assert.True(t, names["caravel_test_sweeper_due_rows"])
	assert.True(t, names["caravel_test_dispatch_duration_seconds"])
	assert.True(t, names["caravel_test_db_query_seconds"])
}
