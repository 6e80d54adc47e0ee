package models

import "time"

// AgentStatus describes whether an agent may receive work.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusPaused   AgentStatus = "paused"
	AgentStatusDisabled AgentStatus = "disabled"
)

// Valid reports whether the status is a known agent state.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusActive, AgentStatusPaused, AgentStatusDisabled:
		return true
	}
	return false
}

// ExecutionMode describes how an agent picks up and runs its work.
type ExecutionMode string

const (
	ExecutionModeManual  ExecutionMode = "manual"
	ExecutionModeAuto    ExecutionMode = "auto"
	ExecutionModePolling ExecutionMode = "polling"
	ExecutionModeHuman   ExecutionMode = "human"
)

// Valid reports whether the mode is one of the four supported ones.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ExecutionModeManual, ExecutionModeAuto, ExecutionModePolling, ExecutionModeHuman:
		return true
	}
	return false
}

// Agent is a registered worker in the fleet. ActiveTaskCount is maintained
// by the capacity reservation primitive and counts tasks in assigned,
// in_progress, or review.
type Agent struct {
	ID                 int64         `db:"id" json:"id"`
	Name               string        `db:"name" json:"name"`
	Status             AgentStatus   `db:"status" json:"status"`
	Capabilities       StringList    `db:"capabilities" json:"capabilities,omitempty"`
	MaxConcurrentTasks *int          `db:"max_concurrent_tasks" json:"maxConcurrentTasks,omitempty"`
	ActiveTaskCount    int           `db:"active_task_count" json:"activeTaskCount"`
	ExecutionMode      ExecutionMode `db:"execution_mode" json:"executionMode,omitempty"`
	OwnerUserID        *int64        `db:"owner_user_id" json:"ownerUserId,omitempty"`
	CreatedAt          time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time     `db:"updated_at" json:"updatedAt"`
}

// HasCapacity reports whether the agent can take one more task. A nil
// MaxConcurrentTasks means unlimited.
func (a *Agent) HasCapacity() bool {
	if a.Status != AgentStatusActive {
		return false
	}
	if a.MaxConcurrentTasks == nil {
		return true
	}
	return a.ActiveTaskCount < *a.MaxConcurrentTasks
}

// HasCapability reports whether the capability is declared by the agent.
func (a *Agent) HasCapability(capability string) bool {
	return a.Capabilities.Contains(capability)
}
