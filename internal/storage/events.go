package storage

import (
	"context"

	"turbodriver/internal/dispatch"
)

// AppendRideEvent is a standalone append for events outside the
// ride-lifecycle transactions, which write their own events inside
// AcceptRide / CancelRide / CompleteRide.
func (r *Repository) AppendRideEvent(ctx context.Context, evt dispatch.RideEvent) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO ride_events (ride_id, event_type, payload, actor_id, actor_role, created_at)
VALUES ($1,$2,$3,$4,$5,COALESCE($6,NOW()))`,
		evt.RideID, evt.Type, evt.Payload, evt.ActorID, evt.ActorRole, evt.CreatedAt)
	return err
}

func (r *Repository) ListRideEvents(ctx context.Context, rideID string, limit, offset int) ([]dispatch.RideEvent, error) {
	rows, err := r.pool.Query(ctx, `
SELECT ride_id, event_type, payload, actor_id, actor_role, created_at
FROM ride_events
WHERE ride_id = $1
ORDER BY created_at ASC
LIMIT $2 OFFSET $3`, rideID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dispatch.RideEvent
	for rows.Next() {
		var evt dispatch.RideEvent
		if err := rows.Scan(&evt.RideID, &evt.Type, &evt.Payload, &evt.ActorID, &evt.ActorRole, &evt.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (r *Repository) CountRideEvents(ctx context.Context, rideID string) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ride_events WHERE ride_id = $1`, rideID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
