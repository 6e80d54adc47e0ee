package services

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/caravel-ai/caravel/pkg/database"
	"github.com/caravel-ai/caravel/pkg/models"
)

// RecordActivity appends one audit row. It is called inside the same
// transaction as the mutation it describes, so the audit trail and the
// data can never disagree.
func RecordActivity(ctx context.Context, q database.Queryer, entityType string, entityID int64, eventType string, actor Actor, detail models.JSONMap) error {
	_, err := q.Exec(ctx,
		`INSERT INTO activity_log (entity_type, entity_id, event_type, actor_name, detail) VALUES (?, ?, ?, ?, ?)`,
		entityType, entityID, eventType, actor.Name, detail)
	return errors.Wrap(err, "failed to record activity")
}

// ActivityFilter bounds an activity listing.
type ActivityFilter struct {
	EntityType string
	EntityID   *int64
	Limit      int
}

const activityMaxLimit = 500

// ListActivity returns audit rows newest first.
func ListActivity(ctx context.Context, q database.Queryer, f ActivityFilter) ([]models.ActivityEntry, error) {
	query := `SELECT id, entity_type, entity_id, event_type, actor_name, detail, created_at FROM activity_log`
	var (
		where []string
		args  []interface{}
	)
	if f.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != nil {
		where = append(where, "entity_id = ?")
		args = append(args, *f.EntityID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > activityMaxLimit {
		limit = 100
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	entries := []models.ActivityEntry{}
	if err := q.Many(ctx, &entries, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to list activity")
	}
	return entries, nil
}
