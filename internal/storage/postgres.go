// Package storage implements the Durable Store (C1): Postgres-backed
// persistence for users, driver profiles, ride requests, offers, and the
// ride event log, plus the idempotency and identity tables it also owns.
// Built on pgxpool with raw SQL, explicit transactions, and ON CONFLICT
// upserts — no ORM.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"turbodriver/internal/dispatch"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("storage: not found")

// Repository is the Durable Store's single entry point. One Repository per
// process, backed by one pgxpool.Pool.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// DefaultPool applies sane defaults for a small dispatch backend,
// overridable only through the DSN itself.
func DefaultPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// --- users & driver profiles --------------------------------------------

func (r *Repository) EnsureUser(ctx context.Context, userID string, role dispatch.IdentityRole) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO users (id, role) VALUES ($1, $2)
ON CONFLICT (id) DO NOTHING`, userID, string(role))
	return err
}

func (r *Repository) UpsertDriverProfile(ctx context.Context, p dispatch.DriverProfile) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO driver_profiles (driver_id, vehicle_number, status, last_lat, last_lon, last_location_update)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (driver_id) DO UPDATE SET
	vehicle_number = EXCLUDED.vehicle_number,
	status = EXCLUDED.status,
	last_lat = EXCLUDED.last_lat,
	last_lon = EXCLUDED.last_lon,
	last_location_update = EXCLUDED.last_location_update`,
		p.DriverID, p.VehicleNumber, string(p.Status), p.LastLat, p.LastLon, p.LastLocationUpdate)
	return err
}

func (r *Repository) GetDriverProfile(ctx context.Context, driverID string) (dispatch.DriverProfile, error) {
	var p dispatch.DriverProfile
	var status string
	err := r.pool.QueryRow(ctx, `
SELECT driver_id, vehicle_number, status, COALESCE(last_lat,0), COALESCE(last_lon,0), COALESCE(last_location_update, to_timestamp(0))
FROM driver_profiles WHERE driver_id = $1`, driverID).
		Scan(&p.DriverID, &p.VehicleNumber, &status, &p.LastLat, &p.LastLon, &p.LastLocationUpdate)
	p.Status = dispatch.DriverStatus(status)
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.DriverProfile{}, ErrNotFound
	}
	return p, err
}

func (r *Repository) SetDriverStatus(ctx context.Context, driverID string, status dispatch.DriverStatus) error {
	_, err := r.pool.Exec(ctx, `UPDATE driver_profiles SET status = $2 WHERE driver_id = $1`, driverID, string(status))
	return err
}

// --- ride requests --------------------------------------------------------

func (r *Repository) CreateRide(ctx context.Context, ride dispatch.RideRequest) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO ride_requests (id, passenger_id, pickup_lat, pickup_lon, pickup_address,
	dropoff_address, number_of_passengers, broadcast_radius_m, status, requested_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		ride.ID, ride.PassengerID, ride.PickupLat, ride.PickupLon, ride.PickupAddress,
		ride.DropoffAddress, ride.NumberOfPassengers, ride.BroadcastRadiusM, string(ride.Status), ride.RequestedAt)
	return err
}

func (r *Repository) GetRide(ctx context.Context, rideID string) (dispatch.RideRequest, error) {
	return r.scanRide(r.pool.QueryRow(ctx, rideSelect+` WHERE id = $1`, rideID))
}

func (r *Repository) GetActiveRideForPassenger(ctx context.Context, passengerID string) (dispatch.RideRequest, error) {
	return r.scanRide(r.pool.QueryRow(ctx,
		rideSelect+` WHERE passenger_id = $1 AND status IN ('pending','accepted') LIMIT 1`, passengerID))
}

func (r *Repository) GetActiveRideForDriver(ctx context.Context, driverID string) (dispatch.RideRequest, error) {
	return r.scanRide(r.pool.QueryRow(ctx,
		rideSelect+` WHERE driver_id = $1 AND status = 'accepted' LIMIT 1`, driverID))
}

func (r *Repository) ListRidesByPassenger(ctx context.Context, passengerID string, limit int) ([]dispatch.RideRequest, error) {
	return r.listRides(ctx, `WHERE passenger_id = $1 ORDER BY requested_at DESC LIMIT $2`, passengerID, limit)
}

func (r *Repository) ListRidesByDriver(ctx context.Context, driverID string, limit int) ([]dispatch.RideRequest, error) {
	return r.listRides(ctx, `WHERE driver_id = $1 ORDER BY requested_at DESC LIMIT $2`, driverID, limit)
}

const rideSelect = `
SELECT id, passenger_id, COALESCE(driver_id,''), pickup_lat, pickup_lon,
	COALESCE(pickup_address,''), COALESCE(dropoff_address,''), number_of_passengers,
	broadcast_radius_m, status, requested_at, accepted_at, completed_at, cancelled_at,
	COALESCE(cancellation_reason,'')
FROM ride_requests`

func (r *Repository) listRides(ctx context.Context, where string, args ...any) ([]dispatch.RideRequest, error) {
	rows, err := r.pool.Query(ctx, rideSelect+" "+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dispatch.RideRequest
	for rows.Next() {
		ride, err := r.scanRideRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ride)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanRide(row pgx.Row) (dispatch.RideRequest, error) {
	ride, err := r.scanRideRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.RideRequest{}, ErrNotFound
	}
	return ride, err
}

func (r *Repository) scanRideRow(row rowScanner) (dispatch.RideRequest, error) {
	var ride dispatch.RideRequest
	var status string
	err := row.Scan(&ride.ID, &ride.PassengerID, &ride.DriverID, &ride.PickupLat, &ride.PickupLon,
		&ride.PickupAddress, &ride.DropoffAddress, &ride.NumberOfPassengers, &ride.BroadcastRadiusM,
		&status, &ride.RequestedAt, &ride.AcceptedAt, &ride.CompletedAt, &ride.CancelledAt,
		&ride.CancellationReason)
	ride.Status = dispatch.RideStatus(status)
	return ride, err
}

// TransitionToNoDrivers applies the offer cascade's terminal step: the ride
// has no pending offers left and none was ever accepted. CAS-guarded so a
// concurrent accept always wins (P9).
func (r *Repository) TransitionToNoDrivers(ctx context.Context, rideID string) (dispatch.RideRequest, bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE ride_requests SET status = 'no_drivers' WHERE id = $1 AND status = 'pending'`, rideID)
	if err != nil {
		return dispatch.RideRequest{}, false, err
	}
	if tag.RowsAffected() == 0 {
		return dispatch.RideRequest{}, false, nil
	}
	ride, err := r.GetRide(ctx, rideID)
	return ride, true, err
}

// AcceptRide performs the full lifecycle accept transaction: lock the ride
// row, validate it is still pending, validate the driver's offer (if the
// ride has an offer queue at all — a direct accept with no queue is
// tolerated), mark the ride accepted, mark the driver busy, resolve offers,
// and log the event, all inside one transaction, built around SQL row
// locks instead of an in-process map mutex, per spec §5's row-level
// locking requirement.
func (r *Repository) AcceptRide(ctx context.Context, rideID, driverID string) (dispatch.RideRequest, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return dispatch.RideRequest{}, err
	}
	defer tx.Rollback(ctx)

	ride, err := r.scanRideRow(tx.QueryRow(ctx, rideSelect+` WHERE id = $1 FOR UPDATE`, rideID))
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotFound, "ride %s not found", rideID)
	} else if err != nil {
		return dispatch.RideRequest{}, err
	}
	if ride.Status != dispatch.RidePending {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotAvailable, "ride %s is %s", rideID, ride.Status)
	}

	var driverStatus string
	err = tx.QueryRow(ctx, `SELECT status FROM driver_profiles WHERE driver_id = $1 FOR UPDATE`, driverID).Scan(&driverStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrDriverNotAvailable, "driver %s has no profile", driverID)
	} else if err != nil {
		return dispatch.RideRequest{}, err
	}
	if dispatch.DriverStatus(driverStatus) != dispatch.DriverAvailable {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrDriverNotAvailable, "driver %s is %s", driverID, driverStatus)
	}

	var offerID int64
	var offerStatus string
	hasOffer := true
	err = tx.QueryRow(ctx, `SELECT id, status FROM ride_offers WHERE ride_id = $1 AND driver_id = $2 FOR UPDATE`,
		rideID, driverID).Scan(&offerID, &offerStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		hasOffer = false
		var queued bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ride_offers WHERE ride_id = $1)`, rideID).Scan(&queued); err != nil {
			return dispatch.RideRequest{}, err
		}
		if queued {
			return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrOfferNotFound, "driver %s has no offer for ride %s", driverID, rideID)
		}
	} else if err != nil {
		return dispatch.RideRequest{}, err
	}
	if hasOffer {
		switch dispatch.OfferStatus(offerStatus) {
		case dispatch.OfferExpired:
			return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrOfferExpired, "offer for ride %s driver %s expired", rideID, driverID)
		case dispatch.OfferPending:
			// fine, proceed
		default:
			return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotAvailable, "offer for ride %s driver %s already %s", rideID, driverID, offerStatus)
		}
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE ride_requests SET status='accepted', driver_id=$2, accepted_at=$3 WHERE id=$1`,
		rideID, driverID, now); err != nil {
		return dispatch.RideRequest{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE driver_profiles SET status='busy' WHERE driver_id=$1`, driverID); err != nil {
		return dispatch.RideRequest{}, err
	}
	if hasOffer {
		if _, err := tx.Exec(ctx, `UPDATE ride_offers SET status='accepted', responded_at=$2 WHERE id=$1`, offerID, now); err != nil {
			return dispatch.RideRequest{}, err
		}
	}
	if _, err := tx.Exec(ctx, `
UPDATE ride_offers SET status='expired', responded_at=$2
WHERE ride_id = $1 AND status = 'pending' AND id != $3`, rideID, now, offerID); err != nil {
		return dispatch.RideRequest{}, err
	}
	if err := appendEventTx(ctx, tx, dispatch.RideEvent{RideID: rideID, Type: "ride_accepted", ActorID: driverID, ActorRole: string(dispatch.RoleDriver), CreatedAt: now}); err != nil {
		return dispatch.RideRequest{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return dispatch.RideRequest{}, err
	}
	ride.Status = dispatch.RideAccepted
	ride.DriverID = driverID
	ride.AcceptedAt = &now
	return ride, nil
}

// CancelRide transitions a pending or accepted ride to one of the two
// cancellation terminal states, freeing the driver if one was assigned.
// The passenger/driver-initiated distinction and the no_drivers-is-final
// rule are spec §9's open question decisions (see DESIGN.md).
func (r *Repository) CancelRide(ctx context.Context, rideID, actorID string, byDriver bool, reason string) (dispatch.RideRequest, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return dispatch.RideRequest{}, err
	}
	defer tx.Rollback(ctx)

	ride, err := r.scanRideRow(tx.QueryRow(ctx, rideSelect+` WHERE id = $1 FOR UPDATE`, rideID))
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotFound, "ride %s not found", rideID)
	} else if err != nil {
		return dispatch.RideRequest{}, err
	}
	if ride.Status != dispatch.RidePending && ride.Status != dispatch.RideAccepted {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotCancellable, "ride %s is %s", rideID, ride.Status)
	}

	now := time.Now().UTC()
	newStatus := dispatch.RideCancelledUser
	eventType := "ride_cancelled_by_passenger"
	actorRole := dispatch.RolePassenger
	if byDriver {
		newStatus = dispatch.RideCancelledDriver
		eventType = "ride_cancelled_by_driver"
		actorRole = dispatch.RoleDriver
	}

	if _, err := tx.Exec(ctx, `
UPDATE ride_requests SET status=$2, cancelled_at=$3, cancellation_reason=$4 WHERE id=$1`,
		rideID, string(newStatus), now, reason); err != nil {
		return dispatch.RideRequest{}, err
	}
	if ride.DriverID != "" {
		if _, err := tx.Exec(ctx, `UPDATE driver_profiles SET status='available' WHERE driver_id=$1`, ride.DriverID); err != nil {
			return dispatch.RideRequest{}, err
		}
	}
	if _, err := tx.Exec(ctx, `
UPDATE ride_offers SET status='expired', responded_at=$2 WHERE ride_id=$1 AND status='pending'`,
		rideID, now); err != nil {
		return dispatch.RideRequest{}, err
	}
	if err := appendEventTx(ctx, tx, dispatch.RideEvent{RideID: rideID, Type: eventType, ActorID: actorID, ActorRole: string(actorRole), CreatedAt: now, Payload: []byte(`{"reason":` + quoteJSON(reason) + `}`)}); err != nil {
		return dispatch.RideRequest{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return dispatch.RideRequest{}, err
	}

	ride.Status = newStatus
	ride.CancelledAt = &now
	ride.CancellationReason = reason
	return ride, nil
}

// CompleteRide closes out an accepted ride and frees its driver.
func (r *Repository) CompleteRide(ctx context.Context, rideID, actorID string) (dispatch.RideRequest, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return dispatch.RideRequest{}, err
	}
	defer tx.Rollback(ctx)

	ride, err := r.scanRideRow(tx.QueryRow(ctx, rideSelect+` WHERE id = $1 FOR UPDATE`, rideID))
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotFound, "ride %s not found", rideID)
	} else if err != nil {
		return dispatch.RideRequest{}, err
	}
	if ride.Status != dispatch.RideAccepted {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotAvailable, "ride %s is %s", rideID, ride.Status)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE ride_requests SET status='completed', completed_at=$2 WHERE id=$1`, rideID, now); err != nil {
		return dispatch.RideRequest{}, err
	}
	if ride.DriverID != "" {
		if _, err := tx.Exec(ctx, `UPDATE driver_profiles SET status='available' WHERE driver_id=$1`, ride.DriverID); err != nil {
			return dispatch.RideRequest{}, err
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE users SET completed_rides = completed_rides + 1 WHERE id IN ($1,$2)`, ride.PassengerID, ride.DriverID); err != nil {
		return dispatch.RideRequest{}, err
	}
	if err := appendEventTx(ctx, tx, dispatch.RideEvent{RideID: rideID, Type: "ride_completed", ActorID: actorID, CreatedAt: now}); err != nil {
		return dispatch.RideRequest{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return dispatch.RideRequest{}, err
	}
	ride.Status = dispatch.RideCompleted
	ride.CompletedAt = &now
	return ride, nil
}

func quoteJSON(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for _, b := range []byte(s) {
		if b == '"' || b == '\\' {
			out = append(out, '\\')
		}
		out = append(out, b)
	}
	out = append(out, '"')
	return string(out)
}

// --- offers (consumed by internal/offers) ---------------------------------

// ReplaceOffers atomically swaps a ride's offer queue: deletes any prior
// undispatched queue (idempotent on rebuild) and inserts the new ordered
// candidate list.
func (r *Repository) ReplaceOffers(ctx context.Context, rideID string, offers []dispatch.RideOffer) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM ride_offers WHERE ride_id = $1 AND status = 'pending' AND sent_at IS NULL`, rideID); err != nil {
		return err
	}
	for _, o := range offers {
		if _, err := tx.Exec(ctx, `
INSERT INTO ride_offers (ride_id, driver_id, "order", status)
VALUES ($1,$2,$3,'pending')
ON CONFLICT (ride_id, driver_id) DO NOTHING`, rideID, o.DriverID, o.Order); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *Repository) NextPendingOffer(ctx context.Context, rideID string) (dispatch.RideOffer, bool, error) {
	o, err := r.scanOfferRow(r.pool.QueryRow(ctx, offerSelect+`
WHERE ride_id = $1 AND status = 'pending' AND sent_at IS NULL
ORDER BY "order" ASC LIMIT 1`, rideID))
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.RideOffer{}, false, nil
	}
	return o, err == nil, err
}

// DispatchOffer marks an offer sent, CAS-guarded on it still being
// undispatched-pending so a racing sweeper never double-sends.
func (r *Repository) DispatchOffer(ctx context.Context, offerID int64) (dispatch.RideOffer, bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE ride_offers SET sent_at = NOW() WHERE id = $1 AND status = 'pending' AND sent_at IS NULL`, offerID)
	if err != nil {
		return dispatch.RideOffer{}, false, err
	}
	if tag.RowsAffected() == 0 {
		return dispatch.RideOffer{}, false, nil
	}
	o, err := r.GetOffer(ctx, offerID)
	return o, true, err
}

func (r *Repository) GetOffer(ctx context.Context, offerID int64) (dispatch.RideOffer, error) {
	return r.scanOfferRow(r.pool.QueryRow(ctx, offerSelect+` WHERE id = $1`, offerID))
}

// ExpireOffer is the sweeper's CAS: only a still-pending, already-sent offer
// transitions to expired (idempotent — P9).
func (r *Repository) ExpireOffer(ctx context.Context, offerID int64) (dispatch.RideOffer, bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE ride_offers SET status='expired', responded_at=NOW()
WHERE id = $1 AND status = 'pending' AND sent_at IS NOT NULL`, offerID)
	if err != nil {
		return dispatch.RideOffer{}, false, err
	}
	if tag.RowsAffected() == 0 {
		return dispatch.RideOffer{}, false, nil
	}
	o, err := r.GetOffer(ctx, offerID)
	return o, true, err
}

// RejectOffer is the explicit-decline CAS: pending -> rejected.
func (r *Repository) RejectOffer(ctx context.Context, rideID, driverID string) (dispatch.RideOffer, bool, error) {
	var offerID int64
	err := r.pool.QueryRow(ctx, `
UPDATE ride_offers SET status='rejected', responded_at=NOW()
WHERE ride_id=$1 AND driver_id=$2 AND status='pending'
RETURNING id`, rideID, driverID).Scan(&offerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.RideOffer{}, false, nil
	}
	if err != nil {
		return dispatch.RideOffer{}, false, err
	}
	o, err := r.GetOffer(ctx, offerID)
	return o, true, err
}

func (r *Repository) HasPendingOffers(ctx context.Context, rideID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM ride_offers WHERE ride_id=$1 AND status='pending')`, rideID).Scan(&exists)
	return exists, err
}

// ExpiredPendingOffers is the Sweeper's scan: offers dispatched longer than
// timeout ago and still pending.
func (r *Repository) ExpiredPendingOffers(ctx context.Context, timeout time.Duration) ([]dispatch.RideOffer, error) {
	rows, err := r.pool.Query(ctx, offerSelect+`
WHERE status = 'pending' AND sent_at IS NOT NULL AND sent_at < $1`, time.Now().Add(-timeout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dispatch.RideOffer
	for rows.Next() {
		o, err := r.scanOfferRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const offerSelect = `SELECT id, ride_id, driver_id, "order", status, sent_at, responded_at FROM ride_offers`

func (r *Repository) scanOfferRow(row rowScanner) (dispatch.RideOffer, error) {
	var o dispatch.RideOffer
	var status string
	err := row.Scan(&o.ID, &o.RideID, &o.DriverID, &o.Order, &status, &o.SentAt, &o.RespondedAt)
	o.Status = dispatch.OfferStatus(status)
	return o, err
}

func appendEventTx(ctx context.Context, tx pgx.Tx, ev dispatch.RideEvent) error {
	_, err := tx.Exec(ctx, `
INSERT INTO ride_events (ride_id, event_type, payload, actor_id, actor_role, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`, ev.RideID, ev.Type, ev.Payload, ev.ActorID, ev.ActorRole, ev.CreatedAt)
	return err
}
