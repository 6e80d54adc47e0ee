package models

import "time"

// Entity types recorded in the activity log.
const (
	EntityTask        = "task"
	EntityDeliverable = "deliverable"
	EntityAgent       = "agent"
	EntityProject     = "project"
	EntityRoute       = "route"
	EntityUser        = "user"
)

// ActivityEntry is one append-only audit record. Entries are written inside
// the same transaction as the mutation they describe.
type ActivityEntry struct {
	ID         int64     `db:"id" json:"id"`
	EntityType string    `db:"entity_type" json:"entityType"`
	EntityID   int64     `db:"entity_id" json:"entityId"`
	EventType  string    `db:"event_type" json:"eventType"`
	ActorName  string    `db:"actor_name" json:"actorName"`
	Detail     JSONMap   `db:"detail" json:"detail,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}
