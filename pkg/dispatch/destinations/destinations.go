// Package destinations implements the delivery adapters the dispatcher
// fans out to. Each adapter receives the route and the payload after
// field mapping, performs one delivery attempt, and reports the outcome
// as a Result or a services.DependencyError whose Transient flag drives
// the retry decision.
package destinations

import (
	"context"

	"github.com/caravel-ai/caravel/pkg/models"
	"github.com/caravel-ai/caravel/pkg/services"
)

// Result is what a destination reports back for the delivery log row.
// Status carries the downstream protocol code when there is one (HTTP
// status, SMTP reply code); Body is the response body or a short
// destination receipt.
type Result struct {
	Status int
	Body   string
}

// Destination delivers one event payload to one route's endpoint.
type Destination interface {
	Deliver(ctx context.Context, route *models.Route, payload models.JSONMap) (*Result, error)
}

// hardErr classifies a failure the retry loop cannot fix: bad route
// configuration, rejected payloads, non-429 4xx responses.
func hardErr(destination string, status int, err error) error {
	return &services.DependencyError{Destination: destination, Transient: false, Status: status, Err: err}
}

// transientErr classifies a failure worth retrying: network errors,
// 5xx responses, 429 throttling.
func transientErr(destination string, status int, err error) error {
	return &services.DependencyError{Destination: destination, Transient: true, Status: status, Err: err}
}

// configString pulls a string value out of the route's destination
// config, tolerating absence.
func configString(cfg models.JSONMap, key string) string {
	if cfg == nil {
		return ""
	}
	if s, ok := cfg[key].(string); ok {
		return s
	}
	return ""
}

// payloadString pulls a rendered string field out of the mapped payload.
func payloadString(payload models.JSONMap, key string) string {
	if payload == nil {
		return ""
	}
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}
