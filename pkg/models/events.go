package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType names an entry in the closed event catalog. Route validation
// and event emission both consume this list; adding an event means adding
// it here and nowhere else.
type EventType string

const (
	EventTaskCreated           EventType = "task.created"
	EventTaskAssigned          EventType = "task.assigned"
	EventTaskStatusChanged     EventType = "task.status_changed"
	EventTaskCompleted         EventType = "task.completed"
	EventTaskCancelled         EventType = "task.cancelled"
	EventTaskExecutionFailed   EventType = "task.execution_failed"
	EventDeliverableSubmitted  EventType = "deliverable.submitted"
	EventDeliverableApproved   EventType = "deliverable.approved"
	EventDeliverableRevision   EventType = "deliverable.revision_requested"
	EventDeliverableRejected   EventType = "deliverable.rejected"
	EventAgentRegistered       EventType = "agent.registered"
	EventProjectCreated        EventType = "project.created"
)

var eventCatalog = map[EventType]bool{
	EventTaskCreated:          true,
	EventTaskAssigned:         true,
	EventTaskStatusChanged:    true,
	EventTaskCompleted:        true,
	EventTaskCancelled:        true,
	EventTaskExecutionFailed:  true,
	EventDeliverableSubmitted: true,
	EventDeliverableApproved:  true,
	EventDeliverableRevision:  true,
	EventDeliverableRejected:  true,
	EventAgentRegistered:      true,
	EventProjectCreated:       true,
}

// Valid reports whether the event type is in the catalog.
func (t EventType) Valid() bool {
	return eventCatalog[t]
}

// EventTypes returns the catalog in stable order, for validation messages
// and the routing-rule schema.
func EventTypes() []EventType {
	return []EventType{
		EventTaskCreated,
		EventTaskAssigned,
		EventTaskStatusChanged,
		EventTaskCompleted,
		EventTaskCancelled,
		EventTaskExecutionFailed,
		EventDeliverableSubmitted,
		EventDeliverableApproved,
		EventDeliverableRevision,
		EventDeliverableRejected,
		EventAgentRegistered,
		EventProjectCreated,
	}
}

// Event is an emitted occurrence handed to the dispatcher after the
// triggering transaction commits. Payload is snapshotted into each
// delivery log row.
type Event struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	ProjectID     *int64    `json:"projectId,omitempty"`
	DeliverableID *int64    `json:"deliverableId,omitempty"`
	Payload       JSONMap   `json:"payload"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(eventType EventType, projectID *int64, payload JSONMap) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		ProjectID:  projectID,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}
