package models

import "time"

// DeliveryStatus tracks one delivery attempt chain through the dispatcher.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusRetrying  DeliveryStatus = "retrying"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// IsTerminal reports whether the dispatcher is done with the row.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusDelivered || s == DeliveryStatusFailed
}

// DeliveryLog records one event delivery to one route. The payload is a
// snapshot taken at emission time so retries never observe later edits.
// Retrying rows always carry NextRetryAt; the sweeper picks them up when
// due.
type DeliveryLog struct {
	ID             int64          `db:"id" json:"id"`
	RouteID        int64          `db:"route_id" json:"routeId"`
	DeliverableID  *int64         `db:"deliverable_id" json:"deliverableId,omitempty"`
	EventType      EventType      `db:"event_type" json:"eventType"`
	EventPayload   JSONMap        `db:"event_payload" json:"eventPayload"`
	Status         DeliveryStatus `db:"status" json:"status"`
	AttemptNumber  int            `db:"attempt_number" json:"attemptNumber"`
	ResponseStatus *int           `db:"response_status" json:"responseStatus,omitempty"`
	ResponseBody   *string        `db:"response_body" json:"responseBody,omitempty"`
	ErrorMessage   *string        `db:"error_message" json:"errorMessage,omitempty"`
	DispatchedAt   *time.Time     `db:"dispatched_at" json:"dispatchedAt,omitempty"`
	CompletedAt    *time.Time     `db:"completed_at" json:"completedAt,omitempty"`
	DurationMs     *int64         `db:"duration_ms" json:"durationMs,omitempty"`
	NextRetryAt    *time.Time     `db:"next_retry_at" json:"nextRetryAt,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"createdAt"`
}
