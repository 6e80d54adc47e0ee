package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// DestinationType names a delivery destination adapter.
type DestinationType string

const (
	DestinationWebhook DestinationType = "webhook"
	DestinationEmail   DestinationType = "email"
	DestinationStorage DestinationType = "storage"
	DestinationSlack   DestinationType = "slack"
)

// Valid reports whether the destination type has an adapter.
func (t DestinationType) Valid() bool {
	switch t {
	case DestinationWebhook, DestinationEmail, DestinationStorage, DestinationSlack:
		return true
	}
	return false
}

// RetryPolicy controls redelivery of failed attempts. BackoffType is
// currently always exponential; the delay before attempt n+1 is
// InitialDelayMs * 2^(n-1).
type RetryPolicy struct {
	MaxRetries     int    `json:"maxRetries"`
	BackoffType    string `json:"backoffType,omitempty"`
	InitialDelayMs int    `json:"initialDelayMs"`
}

// DefaultRetryPolicy is applied when a route does not set one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BackoffType: "exponential", InitialDelayMs: 1000}
}

// Delay returns the wait before the attempt following attemptNumber.
func (p RetryPolicy) Delay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}
	initial := time.Duration(p.InitialDelayMs) * time.Millisecond
	return initial << (attemptNumber - 1)
}

// Value implements driver.Valuer.
func (p RetryPolicy) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner.
func (p *RetryPolicy) Scan(value interface{}) error {
	if value == nil {
		*p = DefaultRetryPolicy()
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.Errorf("unsupported type for RetryPolicy: %T", value)
	}
	if len(data) == 0 {
		*p = DefaultRetryPolicy()
		return nil
	}
	return json.Unmarshal(data, p)
}

// Route subscribes a destination to events. A nil ProjectID makes the route
// global: it matches events from every project. TriggerConditions reuses
// the routing condition block, evaluated against the event payload.
type Route struct {
	ID                int64           `db:"id" json:"id"`
	ProjectID         *int64          `db:"project_id" json:"projectId,omitempty"`
	Name              string          `db:"name" json:"name"`
	TriggerEvent      EventType       `db:"trigger_event" json:"triggerEvent"`
	TriggerConditions RuleConditions  `db:"trigger_conditions" json:"triggerConditions,omitempty"`
	DestinationType   DestinationType `db:"destination_type" json:"destinationType"`
	DestinationConfig JSONMap         `db:"destination_config" json:"destinationConfig"`
	FieldMapping      JSONMap         `db:"field_mapping" json:"fieldMapping,omitempty"`
	RetryPolicy       RetryPolicy     `db:"retry_policy" json:"retryPolicy"`
	Enabled           bool            `db:"enabled" json:"enabled"`
	CreatedAt         time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updatedAt"`
}
