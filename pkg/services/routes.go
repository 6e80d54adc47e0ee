package services

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/caravel-ai/caravel/pkg/database"
	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/observability"
)

const routeColumns = `id, project_id, name, trigger_event, trigger_conditions, destination_type, destination_config, field_mapping, retry_policy, enabled, created_at, updated_at`

const deliveryLogColumns = `id, route_id, deliverable_id, event_type, event_payload, status, attempt_number, response_status, response_body, error_message, dispatched_at, completed_at, duration_ms, next_retry_at, created_at`

const maxRetryLimit = 10

// RouteService manages event routes and their delivery history. The
// dispatcher owns the delivery attempts themselves.
type RouteService struct {
	db     *database.DB
	logger observability.Logger
}

func NewRouteService(db *database.DB, logger observability.Logger) *RouteService {
	return &RouteService{db: db, logger: logger.WithPrefix("routes")}
}

// CreateRouteInput subscribes a destination to an event. A nil ProjectID
// makes the route global.
type CreateRouteInput struct {
	ProjectID         *int64                 `json:"projectId"`
	Name              string                 `json:"name"`
	TriggerEvent      models.EventType       `json:"triggerEvent"`
	TriggerConditions *models.RuleConditions `json:"triggerConditions"`
	DestinationType   models.DestinationType `json:"destinationType"`
	DestinationConfig models.JSONMap         `json:"destinationConfig"`
	FieldMapping      models.JSONMap         `json:"fieldMapping"`
	RetryPolicy       *models.RetryPolicy    `json:"retryPolicy"`
	Enabled           *bool                  `json:"enabled"`
}

func (in *CreateRouteInput) validate() error {
	verr := &ValidationError{}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		verr.AddField("name", "is required")
	}
	if !in.TriggerEvent.Valid() {
		verr.AddField("triggerEvent", "must be one of the catalog events: "+eventCatalogList())
	}
	if !in.DestinationType.Valid() {
		verr.AddField("destinationType", "must be webhook, email, storage, or slack")
	} else {
		validateDestinationConfig(verr, in.DestinationType, in.DestinationConfig)
	}
	if in.RetryPolicy != nil {
		validateRetryPolicy(verr, *in.RetryPolicy)
	}
	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

// Create registers a route.
func (s *RouteService) Create(ctx context.Context, actor Actor, in CreateRouteInput) (*models.Route, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	conditions := models.RuleConditions{}
	if in.TriggerConditions != nil {
		conditions = *in.TriggerConditions
	}
	policy := models.DefaultRetryPolicy()
	if in.RetryPolicy != nil {
		policy = normalizeRetryPolicy(*in.RetryPolicy)
	}
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}

	var routeID int64
	err := s.db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		if in.ProjectID != nil {
			if err := requireRow(ctx, tx, "projects", "project", *in.ProjectID); err != nil {
				return err
			}
		}
		id, err := tx.Insert(ctx, `
INSERT INTO routes (project_id, name, trigger_event, trigger_conditions, destination_type, destination_config, field_mapping, retry_policy, enabled)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			in.ProjectID, in.Name, string(in.TriggerEvent), conditions,
			string(in.DestinationType), in.DestinationConfig, in.FieldMapping, policy, enabled)
		if err != nil {
			return errors.Wrap(err, "failed to insert route")
		}
		routeID = id
		return RecordActivity(ctx, tx, models.EntityRoute, id, "route.created", actor, models.JSONMap{
			"name":            in.Name,
			"triggerEvent":    string(in.TriggerEvent),
			"destinationType": string(in.DestinationType),
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Route created", map[string]interface{}{"route_id": routeID, "trigger_event": string(in.TriggerEvent)})
	return s.Get(ctx, routeID)
}

// UpdateRouteInput carries the PATCH fields; nil means unchanged.
type UpdateRouteInput struct {
	Name              *string                 `json:"name"`
	TriggerEvent      *models.EventType       `json:"triggerEvent"`
	TriggerConditions *models.RuleConditions  `json:"triggerConditions"`
	DestinationType   *models.DestinationType `json:"destinationType"`
	DestinationConfig *models.JSONMap         `json:"destinationConfig"`
	FieldMapping      *models.JSONMap         `json:"fieldMapping"`
	RetryPolicy       *models.RetryPolicy     `json:"retryPolicy"`
	Enabled           *bool                   `json:"enabled"`
}

// Update patches a route. The destination type and config are validated
// together against the patched result, so switching the type forces a
// matching config in the same request.
func (s *RouteService) Update(ctx context.Context, actor Actor, id int64, in UpdateRouteInput) (*models.Route, error) {
	err := s.db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		var route models.Route
		found, err := tx.One(ctx, &route, `SELECT `+routeColumns+` FROM routes WHERE id = ?`, id)
		if err != nil {
			return errors.Wrap(err, "failed to load route")
		}
		if !found {
			return NotFound("route", id)
		}

		detail := models.JSONMap{}
		if in.Name != nil {
			route.Name = strings.TrimSpace(*in.Name)
			detail["name"] = route.Name
		}
		if in.TriggerEvent != nil {
			route.TriggerEvent = *in.TriggerEvent
			detail["triggerEvent"] = string(route.TriggerEvent)
		}
		if in.TriggerConditions != nil {
			route.TriggerConditions = *in.TriggerConditions
		}
		if in.DestinationType != nil {
			route.DestinationType = *in.DestinationType
			detail["destinationType"] = string(route.DestinationType)
		}
		if in.DestinationConfig != nil {
			route.DestinationConfig = *in.DestinationConfig
		}
		if in.FieldMapping != nil {
			route.FieldMapping = *in.FieldMapping
		}
		if in.RetryPolicy != nil {
			route.RetryPolicy = normalizeRetryPolicy(*in.RetryPolicy)
		}
		if in.Enabled != nil {
			route.Enabled = *in.Enabled
			detail["enabled"] = route.Enabled
		}

		verr := &ValidationError{}
		if route.Name == "" {
			verr.AddField("name", "must not be empty")
		}
		if !route.TriggerEvent.Valid() {
			verr.AddField("triggerEvent", "must be one of the catalog events: "+eventCatalogList())
		}
		if !route.DestinationType.Valid() {
			verr.AddField("destinationType", "must be webhook, email, storage, or slack")
		} else {
			validateDestinationConfig(verr, route.DestinationType, route.DestinationConfig)
		}
		if in.RetryPolicy != nil {
			validateRetryPolicy(verr, *in.RetryPolicy)
		}
		if len(verr.Fields) > 0 {
			return verr
		}

		if _, err := tx.Exec(ctx, `
UPDATE routes
SET name = ?, trigger_event = ?, trigger_conditions = ?, destination_type = ?,
    destination_config = ?, field_mapping = ?, retry_policy = ?, enabled = ?,
    updated_at = datetime('now')
WHERE id = ?`,
			route.Name, string(route.TriggerEvent), route.TriggerConditions, string(route.DestinationType),
			route.DestinationConfig, route.FieldMapping, route.RetryPolicy, route.Enabled, id); err != nil {
			return errors.Wrap(err, "failed to update route")
		}
		return RecordActivity(ctx, tx, models.EntityRoute, id, "route.updated", actor, detail)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Delete removes the route; its delivery history goes with it.
func (s *RouteService) Delete(ctx context.Context, actor Actor, id int64) error {
	return s.db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		res, err := tx.Exec(ctx, `DELETE FROM routes WHERE id = ?`, id)
		if err != nil {
			return errors.Wrap(err, "failed to delete route")
		}
		if res.Changes == 0 {
			return NotFound("route", id)
		}
		return RecordActivity(ctx, tx, models.EntityRoute, id, "route.deleted", actor, nil)
	})
}

func (s *RouteService) Get(ctx context.Context, id int64) (*models.Route, error) {
	var route models.Route
	found, err := s.db.One(ctx, &route, `SELECT `+routeColumns+` FROM routes WHERE id = ?`, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load route")
	}
	if !found {
		return nil, NotFound("route", id)
	}
	return &route, nil
}

// RouteFilter narrows a route listing.
type RouteFilter struct {
	ProjectID *int64
	Enabled   *bool
}

func (s *RouteService) List(ctx context.Context, f RouteFilter) ([]models.Route, error) {
	query := `SELECT ` + routeColumns + ` FROM routes`
	clauses := []string{}
	args := []interface{}{}
	if f.ProjectID != nil {
		clauses = append(clauses, `project_id = ?`)
		args = append(args, *f.ProjectID)
	}
	if f.Enabled != nil {
		clauses = append(clauses, `enabled = ?`)
		args = append(args, *f.Enabled)
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` ORDER BY id ASC`

	routes := []models.Route{}
	if err := s.db.Many(ctx, &routes, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to list routes")
	}
	return routes, nil
}

// ListDeliveries returns the route's delivery history, newest first.
func (s *RouteService) ListDeliveries(ctx context.Context, routeID int64, limit int) ([]models.DeliveryLog, error) {
	if _, err := s.Get(ctx, routeID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	logs := []models.DeliveryLog{}
	err := s.db.Many(ctx, &logs, `
SELECT `+deliveryLogColumns+` FROM delivery_logs
WHERE route_id = ?
ORDER BY id DESC
LIMIT ?`, routeID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list deliveries")
	}
	return logs, nil
}

func validateDestinationConfig(verr *ValidationError, destType models.DestinationType, cfg models.JSONMap) {
	get := func(key string) string {
		if cfg == nil {
			return ""
		}
		s, _ := cfg[key].(string)
		return strings.TrimSpace(s)
	}
	requireURL := func(key string) {
		url := get(key)
		switch {
		case url == "":
			verr.AddField("destinationConfig."+key, "is required for "+string(destType)+" destinations")
		case !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://"):
			verr.AddField("destinationConfig."+key, "must be an http(s) URL")
		}
	}
	switch destType {
	case models.DestinationWebhook, models.DestinationSlack:
		requireURL("url")
	case models.DestinationEmail:
		if get("host") == "" {
			verr.AddField("destinationConfig.host", "is required for email destinations")
		}
		if get("from") == "" {
			verr.AddField("destinationConfig.from", "is required for email destinations")
		}
	case models.DestinationStorage:
		for _, key := range []string{"connection", "bucket", "key"} {
			if get(key) == "" {
				verr.AddField("destinationConfig."+key, "is required for storage destinations")
			}
		}
	}
}

func validateRetryPolicy(verr *ValidationError, p models.RetryPolicy) {
	if p.MaxRetries < 0 || p.MaxRetries > maxRetryLimit {
		verr.AddField("retryPolicy.maxRetries", "must be between 0 and 10")
	}
	if p.InitialDelayMs < 0 {
		verr.AddField("retryPolicy.initialDelayMs", "must not be negative")
	}
	if p.BackoffType != "" && p.BackoffType != "exponential" {
		verr.AddField("retryPolicy.backoffType", "only exponential backoff is supported")
	}
}

func normalizeRetryPolicy(p models.RetryPolicy) models.RetryPolicy {
	if p.BackoffType == "" {
		p.BackoffType = "exponential"
	}
	if p.InitialDelayMs == 0 {
		p.InitialDelayMs = models.DefaultRetryPolicy().InitialDelayMs
	}
	return p
}

func eventCatalogList() string {
	types := models.EventTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
