package routing

import (
	"context"

	"github.com/pkg/errors"

	"github.com/caravel-ai/caravel/pkg/database"
	"github.com/caravel-ai/caravel/pkg/models"
)

// Reservation failure sentinels. Callers branch on these to map a failed
// reserve to the right API response.
var (
	ErrAgentNotFound  = errors.New("agent not found")
	ErrAgentNotActive = errors.New("agent not active")
	ErrAtCapacity     = errors.New("agent at capacity")
)

// reserveSQL takes one slot only when the agent is active and under its
// limit. The capacity check and the increment are a single statement, so
// two concurrent reserves can never both win the last slot.
const reserveSQL = `
UPDATE agents
SET active_task_count = active_task_count + 1, updated_at = datetime('now')
WHERE id = ?
  AND status = 'active'
  AND (max_concurrent_tasks IS NULL OR COALESCE(active_task_count, 0) < max_concurrent_tasks)`

// Reserve atomically claims one concurrency slot on the agent. When the
// guarded update touches no row, the agent row is read back to tell the
// caller which precondition failed.
func Reserve(ctx context.Context, q database.Queryer, agentID int64) error {
	res, err := q.Exec(ctx, reserveSQL, agentID)
	if err != nil {
		return errors.Wrapf(err, "failed to reserve capacity on agent %d", agentID)
	}
	if res.Changes > 0 {
		return nil
	}
	return diagnoseReserveFailure(ctx, q, agentID)
}

// ReserveForce increments the counter without the status and capacity
// guards. Only direct reassignment by an operator uses this; routed
// assignment always goes through Reserve.
func ReserveForce(ctx context.Context, q database.Queryer, agentID int64) error {
	res, err := q.Exec(ctx,
		`UPDATE agents SET active_task_count = active_task_count + 1, updated_at = datetime('now') WHERE id = ?`,
		agentID)
	if err != nil {
		return errors.Wrapf(err, "failed to force-reserve capacity on agent %d", agentID)
	}
	if res.Changes == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// Release returns one slot, flooring at zero so a double release can never
// drive the counter negative. SQLite spells the floor MAX, Postgres GREATEST;
// the rewriter does not cover scalar function names, so we branch here.
func Release(ctx context.Context, q database.Queryer, agentID int64) error {
	query := `UPDATE agents SET active_task_count = MAX(0, active_task_count - 1), updated_at = datetime('now') WHERE id = ?`
	if q.Dialect() == database.DialectPostgres {
		query = `UPDATE agents SET active_task_count = GREATEST(0, active_task_count - 1), updated_at = datetime('now') WHERE id = ?`
	}
	if _, err := q.Exec(ctx, query, agentID); err != nil {
		return errors.Wrapf(err, "failed to release capacity on agent %d", agentID)
	}
	// A vanished agent releases nothing; the task row no longer holds a slot
	// on anyone, so there is nothing to repair.
	return nil
}

func diagnoseReserveFailure(ctx context.Context, q database.Queryer, agentID int64) error {
	var row struct {
		Status models.AgentStatus `db:"status"`
	}
	found, err := q.One(ctx, &row, `SELECT status FROM agents WHERE id = ?`, agentID)
	if err != nil {
		return errors.Wrapf(err, "failed to inspect agent %d after reserve miss", agentID)
	}
	if !found {
		return ErrAgentNotFound
	}
	if row.Status != models.AgentStatusActive {
		return ErrAgentNotActive
	}
	return ErrAtCapacity
}
