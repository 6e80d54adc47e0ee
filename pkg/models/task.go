package models

import "time"

// TaskStatus tracks a task through its lifecycle.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// taskTransitions is the single source of truth for legal lifecycle moves.
// cancelled is reachable from every non-terminal state; a revision request
// sends the task from review back to assigned for another pass.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusAssigned, TaskStatusCancelled},
	TaskStatusAssigned:   {TaskStatusInProgress, TaskStatusCancelled},
	TaskStatusInProgress: {TaskStatusReview, TaskStatusCancelled},
	TaskStatusReview:     {TaskStatusCompleted, TaskStatusAssigned, TaskStatusCancelled},
	TaskStatusCompleted:  {},
	TaskStatusCancelled:  {},
}

// Valid reports whether the status is a known lifecycle state.
func (s TaskStatus) Valid() bool {
	_, ok := taskTransitions[s]
	return ok
}

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// Claimable reports whether an agent may self-assign the task.
func (s TaskStatus) Claimable() bool {
	return s == TaskStatusPending || s == TaskStatusAssigned
}

// CanTransitionTo reports whether moving to next is legal.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TaskPriority orders tasks for routing. 1 is the most urgent, 4 the least.
type TaskPriority int

const (
	TaskPriorityUrgent TaskPriority = 1
	TaskPriorityHigh   TaskPriority = 2
	TaskPriorityMedium TaskPriority = 3
	TaskPriorityLow    TaskPriority = 4
)

// Valid reports whether the priority is in the 1..4 range.
func (p TaskPriority) Valid() bool {
	return p >= TaskPriorityUrgent && p <= TaskPriorityLow
}

// Task is a unit of work routed to an agent.
type Task struct {
	ID              int64        `db:"id" json:"id"`
	ProjectID       *int64       `db:"project_id" json:"projectId,omitempty"`
	Title           string       `db:"title" json:"title"`
	Description     string       `db:"description" json:"description,omitempty"`
	Status          TaskStatus   `db:"status" json:"status"`
	Priority        TaskPriority `db:"priority" json:"priority"`
	Tags            StringList   `db:"tags" json:"tags,omitempty"`
	Context         JSONMap      `db:"context" json:"context,omitempty"`
	AssignedAgentID *int64       `db:"assigned_agent_id" json:"assignedAgentId,omitempty"`
	RoutingRuleID   *int64       `db:"routing_rule_id" json:"routingRuleId,omitempty"`
	RoutingDecision *string      `db:"routing_decision" json:"routingDecision,omitempty"`
	CreatedBy       *int64       `db:"created_by" json:"createdBy,omitempty"`
	ClaimedAt       *time.Time   `db:"claimed_at" json:"claimedAt,omitempty"`
	CompletedAt     *time.Time   `db:"completed_at" json:"completedAt,omitempty"`
	CreatedAt       time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time    `db:"updated_at" json:"updatedAt"`
}

// HoldsCapacity reports whether the task currently occupies a slot on its
// assigned agent. Pending and terminal tasks hold none.
func (t *Task) HoldsCapacity() bool {
	if t.AssignedAgentID == nil {
		return false
	}
	switch t.Status {
	case TaskStatusAssigned, TaskStatusInProgress, TaskStatusReview:
		return true
	}
	return false
}

// TaskProgress is a progress note reported by the executing agent.
type TaskProgress struct {
	ID         int64     `db:"id" json:"id"`
	TaskID     int64     `db:"task_id" json:"taskId"`
	Message    string    `db:"message" json:"message"`
	Percent    *int      `db:"percent" json:"percent,omitempty"`
	ReportedBy string    `db:"reported_by" json:"reportedBy"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}
