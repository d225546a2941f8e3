package audit

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository membuat repository audit berbasis pgxpool.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

func (r *repository) EntityTimeline(ctx context.Context, filters TimelineFilters, limit, offset int) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT occurred_at, actor_id, action, before_state, after_state, COALESCE(reason, '')
		FROM audit_logs
		WHERE tenant_id = $1 AND entity = $2 AND entity_id = $3
		ORDER BY occurred_at DESC, id DESC
		LIMIT $4 OFFSET $5`,
		filters.TenantID, filters.EntityType, filters.EntityID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TimelineRow
	for rows.Next() {
		var row TimelineRow
		var before, after []byte
		if err := rows.Scan(&row.At, &row.ActorID, &row.Action, &before, &after, &row.Reason); err != nil {
			return nil, err
		}
		row.Before = before
		row.After = after
		out = append(out, row)
	}
	return out, rows.Err()
}
