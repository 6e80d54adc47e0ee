package models

import "time"

// Project groups tasks, routing rules, and delivery routes.
type Project struct {
	ID             int64     `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	Description    string    `db:"description" json:"description,omitempty"`
	DefaultAgentID *int64    `db:"default_agent_id" json:"defaultAgentId,omitempty"`
	CreatedBy      *int64    `db:"created_by" json:"createdBy,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}
