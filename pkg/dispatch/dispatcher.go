// Package dispatch turns committed domain events into deliveries. The
// dispatcher matches each event against the enabled routes, records every
// attempt in delivery_logs, and hands transient failures to the sweeper
// for retry. Delivery never feeds back into the transaction that emitted
// the event.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/caravel-ai/caravel/pkg/database"
	"github.com/caravel-ai/caravel/pkg/dispatch/destinations"
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/observability"
	"github.com/caravel-ai/caravel/pkg/security"
	"github.com/caravel-ai/caravel/pkg/services"
)

// maxStoredBody caps the response body persisted on a delivery log row.
const maxStoredBody = 50 * 1024

const routeColumns = `id, project_id, name, trigger_event, trigger_conditions, destination_type, destination_config, field_mapping, retry_policy, enabled, created_at, updated_at`

const deliveryColumns = `id, route_id, deliverable_id, event_type, event_payload, status, attempt_number, response_status, response_body, error_message, dispatched_at, completed_at, duration_ms, next_retry_at, created_at`

// Dispatcher fans committed events out to matching routes.
type Dispatcher struct {
	db       *database.DB
	adapters map[models.DestinationType]destinations.Destination
	logger   observability.Logger
	metrics  observability.MetricsClient
	now      func() time.Time
	fanout   int
	wg       sync.WaitGroup
}

var _ services.EventSink = (*Dispatcher)(nil)

// Option tweaks dispatcher construction.
type Option func(*Dispatcher)

// WithClock substitutes the time source. Tests drive retry schedules
// through it.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithFanout bounds how many routes one event is delivered to
// concurrently.
func WithFanout(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.fanout = n
		}
	}
}

// NewDispatcher builds a dispatcher over the given destination adapters.
func NewDispatcher(db *database.DB, adapters map[models.DestinationType]destinations.Destination, logger observability.Logger, metrics observability.MetricsClient, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		db:       db,
		adapters: adapters,
		logger:   logger.WithPrefix("dispatch"),
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
		fanout:   8,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DefaultAdapters wires the four destination adapters with their shared
// dependencies. httpTimeout bounds each webhook, email, and slack attempt.
func DefaultAdapters(db *database.DB, crypto *security.EncryptionService, httpTimeout time.Duration) map[models.DestinationType]destinations.Destination {
	return map[models.DestinationType]destinations.Destination{
		models.DestinationWebhook: destinations.NewWebhook(httpTimeout),
		models.DestinationEmail:   destinations.NewEmail(httpTimeout),
		models.DestinationStorage: destinations.NewStorage(db, crypto),
		models.DestinationSlack:   destinations.NewSlack(httpTimeout),
	}
}

// Emit implements services.EventSink. Services call it after their
// transaction commits; delivery runs in the background on its own
// context so the request that emitted the event is never held up.
func (d *Dispatcher) Emit(ctx context.Context, event models.Event) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.Dispatch(context.Background(), event); err != nil {
			d.logger.Error("event dispatch failed", map[string]interface{}{
				"eventId": event.ID,
				"event":   string(event.Type),
				"error":   err.Error(),
			})
		}
	}()
}

// Drain blocks until in-flight emissions finish or ctx expires. Called
// on shutdown after the HTTP server stops accepting work.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch synchronously delivers one event to every matching route.
// Destination failures are recorded on the log rows, not returned; the
// error covers bookkeeping problems only.
func (d *Dispatcher) Dispatch(ctx context.Context, event models.Event) error {
	routes, err := d.matchRoutes(ctx, event)
	if err != nil {
		return err
	}
	if len(routes) == 0 {
		return nil
	}

	// A plain group: one route's trouble must not cancel its siblings.
	g := new(errgroup.Group)
	g.SetLimit(d.fanout)
	for i := range routes {
		route := routes[i]
		g.Go(func() error {
			return d.deliverNew(ctx, &route, event)
		})
	}
	return g.Wait()
}

// matchRoutes loads the enabled routes subscribed to the event: same
// trigger_event, project match (a NULL project makes the route global),
// and trigger conditions satisfied by the payload.
func (d *Dispatcher) matchRoutes(ctx context.Context, event models.Event) ([]models.Route, error) {
	query := `SELECT ` + routeColumns + ` FROM routes WHERE enabled = ? AND trigger_event = ?`
	args := []interface{}{true, string(event.Type)}
	if event.ProjectID != nil {
		query += ` AND (project_id IS NULL OR project_id = ?)`
		args = append(args, *event.ProjectID)
	} else {
		query += ` AND project_id IS NULL`
	}
	query += ` ORDER BY id ASC`

	var routes []models.Route
	if err := d.db.Many(ctx, &routes, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to load routes")
	}

	input := conditionInput(event.Payload)
	matched := make([]models.Route, 0, len(routes))
	for _, route := range routes {
		if route.TriggerConditions.Matches(input) {
			matched = append(matched, route)
		}
	}
	return matched, nil
}

// conditionInput shapes an event payload for the shared condition
// matcher. Tags and priority are lifted out of the payload when present,
// whether they come straight from Go or from a decoded JSON snapshot.
func conditionInput(payload models.JSONMap) models.ConditionInput {
	in := models.ConditionInput{Fields: payload}
	switch tags := payload["tags"].(type) {
	case models.StringList:
		in.Tags = tags
	case []string:
		in.Tags = models.StringList(tags)
	case []interface{}:
		for _, item := range tags {
			if s, ok := item.(string); ok {
				in.Tags = append(in.Tags, s)
			}
		}
	}
	switch priority := payload["priority"].(type) {
	case models.TaskPriority:
		in.Priority = priority
	case int:
		in.Priority = models.TaskPriority(priority)
	case int64:
		in.Priority = models.TaskPriority(priority)
	case float64:
		in.Priority = models.TaskPriority(int(priority))
	}
	return in
}

// deliverNew inserts the pending log row for a fresh event and runs the
// first attempt against it.
func (d *Dispatcher) deliverNew(ctx context.Context, route *models.Route, event models.Event) error {
	payload := event.Payload
	if payload == nil {
		payload = models.JSONMap{}
	}
	logID, err := d.db.Insert(ctx, `
INSERT INTO delivery_logs (route_id, deliverable_id, event_type, event_payload, status, attempt_number, dispatched_at)
VALUES (?, ?, ?, ?, 'pending', 1, ?)`,
		route.ID, event.DeliverableID, string(event.Type), payload, d.now())
	if err != nil {
		return errors.Wrapf(err, "failed to insert delivery log for route %d", route.ID)
	}
	d.attempt(ctx, route, logID, 1, payload)
	return nil
}

// attempt runs one delivery against the adapter and finalizes the row.
// attemptNumber is the number of the attempt being made, already
// reflected in the row.
func (d *Dispatcher) attempt(ctx context.Context, route *models.Route, logID int64, attemptNumber int, payload models.JSONMap) {
	adapter, ok := d.adapters[route.DestinationType]
	if !ok {
		err := &services.DependencyError{
			Destination: string(route.DestinationType),
			Err:         errors.Errorf("no adapter for destination type %q", route.DestinationType),
		}
		d.finalize(ctx, route, logID, attemptNumber, nil, 0, err)
		return
	}

	mapped := destinations.ApplyFieldMapping(route.FieldMapping, payload)
	started := time.Now()
	result, err := adapter.Deliver(ctx, route, mapped)
	d.finalize(ctx, route, logID, attemptNumber, result, time.Since(started).Milliseconds(), err)
}

// finalize writes the attempt outcome: delivered, retrying with a
// backoff schedule, or failed when the error is hard or the policy is
// exhausted.
func (d *Dispatcher) finalize(ctx context.Context, route *models.Route, logID int64, attemptNumber int, result *destinations.Result, durationMs int64, deliverErr error) {
	now := d.now()
	var (
		respStatus *int
		respBody   *string
	)
	if result != nil {
		if result.Status != 0 {
			status := result.Status
			respStatus = &status
		}
		body := truncateBody(result.Body)
		respBody = &body
	}

	fields := map[string]interface{}{
		"deliveryId":  logID,
		"routeId":     route.ID,
		"destination": string(route.DestinationType),
		"attempt":     attemptNumber,
	}

	if deliverErr == nil {
		_, err := d.db.Exec(ctx, `
UPDATE delivery_logs
SET status = 'delivered', response_status = ?, response_body = ?, error_message = NULL,
    duration_ms = ?, completed_at = ?, next_retry_at = NULL
WHERE id = ?`,
			respStatus, respBody, durationMs, now, logID)
		if err != nil {
			d.logger.Error("failed to finalize delivered row", map[string]interface{}{"deliveryId": logID, "error": err.Error()})
			return
		}
		d.countDelivery(route, "delivered")
		d.logger.Info("event delivered", fields)
		return
	}

	transient := false
	var dep *services.DependencyError
	if errors.As(deliverErr, &dep) {
		transient = dep.Transient
		if respStatus == nil && dep.Status != 0 {
			status := dep.Status
			respStatus = &status
		}
	}
	message := deliverErr.Error()
	fields["error"] = message

	policy := route.RetryPolicy
	if transient && attemptNumber <= policy.MaxRetries {
		next := now.Add(policy.Delay(attemptNumber))
		_, err := d.db.Exec(ctx, `
UPDATE delivery_logs
SET status = 'retrying', response_status = ?, response_body = ?, error_message = ?,
    duration_ms = ?, next_retry_at = ?
WHERE id = ?`,
			respStatus, respBody, message, durationMs, next, logID)
		if err != nil {
			d.logger.Error("failed to finalize retrying row", map[string]interface{}{"deliveryId": logID, "error": err.Error()})
			return
		}
		d.countDelivery(route, "retrying")
		fields["nextRetryAt"] = next.Format(time.RFC3339)
		d.logger.Warn("delivery failed, scheduled for retry", fields)
		return
	}

	_, err := d.db.Exec(ctx, `
UPDATE delivery_logs
SET status = 'failed', response_status = ?, response_body = ?, error_message = ?,
    duration_ms = ?, completed_at = ?, next_retry_at = NULL
WHERE id = ?`,
		respStatus, respBody, message, durationMs, now, logID)
	if err != nil {
		d.logger.Error("failed to finalize failed row", map[string]interface{}{"deliveryId": logID, "error": err.Error()})
		return
	}
	d.countDelivery(route, "failed")
	d.logger.Error("delivery failed permanently", fields)
}

func (d *Dispatcher) countDelivery(route *models.Route, outcome string) {
	d.metrics.IncrementCounterWithLabels("dispatch_deliveries_total", 1, map[string]string{
		"destination": string(route.DestinationType),
		"outcome":     outcome,
	})
}

// Redeliver runs a manual operator retry of a failed delivery: a fresh
// attempt row is inserted and attempted synchronously, so the caller
// sees the outcome. Rows in any other status are refused.
func (d *Dispatcher) Redeliver(ctx context.Context, routeID, logID int64) (*models.DeliveryLog, error) {
	route, err := d.loadRoute(ctx, routeID)
	if err != nil {
		return nil, err
	}
	var row models.DeliveryLog
	found, err := d.db.One(ctx, &row,
		`SELECT `+deliveryColumns+` FROM delivery_logs WHERE id = ? AND route_id = ?`, logID, routeID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load delivery log")
	}
	if !found {
		return nil, services.NotFound("delivery", logID)
	}
	if row.Status != models.DeliveryStatusFailed {
		return nil, services.Conflict("delivery %d is %s; only failed deliveries can be redelivered", logID, row.Status)
	}

	newID, err := d.db.Insert(ctx, `
INSERT INTO delivery_logs (route_id, deliverable_id, event_type, event_payload, status, attempt_number, dispatched_at)
VALUES (?, ?, ?, ?, 'pending', 1, ?)`,
		route.ID, row.DeliverableID, string(row.EventType), row.EventPayload, d.now())
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert redelivery row")
	}
	d.attempt(ctx, route, newID, 1, row.EventPayload)

	var out models.DeliveryLog
	if _, err := d.db.One(ctx, &out, `SELECT `+deliveryColumns+` FROM delivery_logs WHERE id = ?`, newID); err != nil {
		return nil, errors.Wrap(err, "failed to reload redelivery row")
	}
	return &out, nil
}

func (d *Dispatcher) loadRoute(ctx context.Context, id int64) (*models.Route, error) {
	var route models.Route
	found, err := d.db.One(ctx, &route, `SELECT `+routeColumns+` FROM routes WHERE id = ?`, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load route")
	}
	if !found {
		return nil, services.NotFound("route", id)
	}
	return &route, nil
}

func truncateBody(body string) string {
	if len(body) <= maxStoredBody {
		return body
	}
	return body[:maxStoredBody]
}
