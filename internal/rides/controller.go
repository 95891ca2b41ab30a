// Package rides implements the Ride Lifecycle Controller (C7): the
// request/accept/reject/cancel/complete state machine, orchestrating the
// Durable Store (C1), the Offer Matcher (C6), and the Session Registry
// (C4). Built around row-level-locked SQL transactions (spec §5) plus an
// ordered offer queue (spec §4.5) instead of a single nearest-driver pick.
package rides

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"turbodriver/internal/dispatch"
	"turbodriver/internal/offers"
	"turbodriver/internal/registry"
)

// Store is the subset of the Durable Store the controller needs.
// Satisfied by *storage.Repository.
type Store interface {
	EnsureUser(ctx context.Context, userID string, role dispatch.IdentityRole) error
	CreateRide(ctx context.Context, ride dispatch.RideRequest) error
	GetRide(ctx context.Context, rideID string) (dispatch.RideRequest, error)
	GetActiveRideForPassenger(ctx context.Context, passengerID string) (dispatch.RideRequest, error)
	GetActiveRideForDriver(ctx context.Context, driverID string) (dispatch.RideRequest, error)
	ListRidesByPassenger(ctx context.Context, passengerID string, limit int) ([]dispatch.RideRequest, error)
	ListRidesByDriver(ctx context.Context, driverID string, limit int) ([]dispatch.RideRequest, error)
	TransitionToNoDrivers(ctx context.Context, rideID string) (dispatch.RideRequest, bool, error)
	AcceptRide(ctx context.Context, rideID, driverID string) (dispatch.RideRequest, error)
	CancelRide(ctx context.Context, rideID, actorID string, byDriver bool, reason string) (dispatch.RideRequest, error)
	CompleteRide(ctx context.Context, rideID, actorID string) (dispatch.RideRequest, error)
	AppendRideEvent(ctx context.Context, evt dispatch.RideEvent) error
	ListRideEvents(ctx context.Context, rideID string, limit, offset int) ([]dispatch.RideEvent, error)
}

// Idempotency is satisfied by both storage.IdempotencyStore (durable) and
// the in-package memoryIdempotency adapter over dispatch.IdemCache.
type Idempotency interface {
	Remember(ctx context.Context, key, rideID string) error
	Lookup(ctx context.Context, key string) (string, bool, error)
}

type memoryIdempotency struct{ cache *dispatch.IdemCache }

// NewMemoryIdempotency wraps dispatch.IdemCache to satisfy Idempotency,
// for deployments without Postgres-backed idempotency persistence.
func NewMemoryIdempotency(ttl time.Duration) Idempotency {
	return memoryIdempotency{cache: dispatch.NewIdemCache(ttl)}
}

func (m memoryIdempotency) Remember(_ context.Context, key, rideID string) error {
	m.cache.Remember(key, rideID)
	return nil
}

func (m memoryIdempotency) Lookup(_ context.Context, key string) (string, bool, error) {
	id, ok := m.cache.Lookup(key)
	return id, ok, nil
}

// Controller is the lifecycle state machine's single entry point.
type Controller struct {
	store   Store
	matcher *offers.Matcher
	reg     *registry.Registry
	idem    Idempotency
}

func NewController(store Store, matcher *offers.Matcher, reg *registry.Registry, idem Idempotency) *Controller {
	if idem == nil {
		idem = NewMemoryIdempotency(30 * time.Minute)
	}
	return &Controller{store: store, matcher: matcher, reg: reg, idem: idem}
}

// CreateRequest implements create_request: guard on no non-terminal ride
// for the passenger (enforced by the unique partial index; a conflict
// surfaces as ACTIVE_RIDE_EXISTS), build the offer queue from C2, dispatch
// the first candidate, and notify the passenger immediately if the queue
// came back empty.
func (c *Controller) CreateRequest(ctx context.Context, passengerID string, pickupLat, pickupLon float64, pickupAddr, dropoffAddr string, numPax int, radiusM float64, idemKey string) (dispatch.RideRequest, error) {
	if idemKey != "" {
		if rideID, ok, err := c.idem.Lookup(ctx, idemKey); err == nil && ok {
			if ride, err := c.store.GetRide(ctx, rideID); err == nil {
				return ride, nil
			}
		}
	}
	if pickupLat < -90 || pickupLat > 90 || pickupLon < -180 || pickupLon > 180 {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrValidation, "pickup coordinates out of range")
	}
	if numPax <= 0 {
		numPax = 1
	}
	if radiusM <= 0 {
		radiusM = 1000
	}

	if _, err := c.store.GetActiveRideForPassenger(ctx, passengerID); err == nil {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrActiveRideExists, "passenger %s already has an active ride", passengerID)
	}

	ride := dispatch.RideRequest{
		ID:                 newRideID(),
		PassengerID:        passengerID,
		PickupLat:          pickupLat,
		PickupLon:          pickupLon,
		PickupAddress:      pickupAddr,
		DropoffAddress:     dropoffAddr,
		NumberOfPassengers: numPax,
		BroadcastRadiusM:   radiusM,
		Status:             dispatch.RidePending,
		RequestedAt:        time.Now().UTC(),
	}
	if err := c.store.CreateRide(ctx, ride); err != nil {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrActiveRideExists, "passenger %s already has an active ride", passengerID)
	}
	if idemKey != "" {
		_ = c.idem.Remember(ctx, idemKey, ride.ID)
	}

	built, err := c.matcher.BuildOffers(ctx, ride)
	if err != nil {
		return ride, err
	}
	if len(built) == 0 {
		updated, _, err := c.transitionNoDriversAndNotify(ctx, ride.ID, false)
		if err == nil {
			ride = updated
		}
		return ride, nil
	}
	if _, err := c.matcher.DispatchNext(ctx, ride.ID); err != nil {
		return ride, err
	}
	return ride, nil
}

func (c *Controller) transitionNoDriversAndNotify(ctx context.Context, rideID string, anOfferWasSent bool) (dispatch.RideRequest, bool, error) {
	// The matcher already performs this transition as part of its advance
	// logic; this path exists for the create_request immediate-empty-queue
	// case, which the matcher never touches since no offer was ever built.
	ride, transitioned, err := c.store.TransitionToNoDrivers(ctx, rideID)
	if err != nil {
		return dispatch.RideRequest{}, false, err
	}
	if !transitioned {
		ride, err = c.store.GetRide(ctx, rideID)
		if err != nil {
			return dispatch.RideRequest{}, false, err
		}
		return ride, false, nil
	}
	c.reg.SendToChannel(ride.PassengerID, map[string]any{
		"type": "no_drivers_available",
		"ride": map[string]any{"id": ride.ID, "status": string(ride.Status)},
	})
	return ride, true, nil
}

// GetRide returns the ride for any party who is either its passenger or
// its assigned driver; callers enforce that role match.
func (c *Controller) GetRide(ctx context.Context, rideID string) (dispatch.RideRequest, error) {
	ride, err := c.store.GetRide(ctx, rideID)
	if err != nil {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotFound, "ride %s not found", rideID)
	}
	return ride, nil
}

func (c *Controller) GetActiveRideForPassenger(ctx context.Context, passengerID string) (dispatch.RideRequest, error) {
	ride, err := c.store.GetActiveRideForPassenger(ctx, passengerID)
	if err != nil {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotFound, "passenger %s has no active ride", passengerID)
	}
	return ride, nil
}

func (c *Controller) GetActiveRideForDriver(ctx context.Context, driverID string) (dispatch.RideRequest, error) {
	ride, err := c.store.GetActiveRideForDriver(ctx, driverID)
	if err != nil {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotFound, "driver %s has no active ride", driverID)
	}
	return ride, nil
}

func (c *Controller) ListForPassenger(ctx context.Context, passengerID string, limit int) ([]dispatch.RideRequest, error) {
	return c.store.ListRidesByPassenger(ctx, passengerID, limit)
}

func (c *Controller) ListForDriver(ctx context.Context, driverID string, limit int) ([]dispatch.RideRequest, error) {
	return c.store.ListRidesByDriver(ctx, driverID, limit)
}

// Accept implements accept(driver, ride_id): the guards and effects live
// in storage.Repository.AcceptRide (it needs the row lock); this layer
// turns the committed result into the ride_accepted push.
func (c *Controller) Accept(ctx context.Context, driverID, rideID string) (dispatch.RideRequest, error) {
	ride, err := c.store.AcceptRide(ctx, rideID, driverID)
	if err != nil {
		return dispatch.RideRequest{}, err
	}
	c.reg.JoinGroupsForRide(rideID, driverID, ride.PassengerID)
	c.reg.SendToChannel(ride.PassengerID, map[string]any{
		"type": "ride_accepted",
		"ride": rideSnapshot(ride),
	})
	c.reg.SendToGroup(registry.RideGroup(rideID), map[string]any{
		"type": "ride_accepted",
		"ride": rideSnapshot(ride),
	})
	return ride, nil
}

// Reject implements reject(driver, ride_id): delegate to the matcher,
// which performs the CAS and the advance cascade.
func (c *Controller) Reject(ctx context.Context, driverID, rideID string) error {
	if _, err := c.store.GetRide(ctx, rideID); err != nil {
		return dispatch.NewError(dispatch.ErrRideNotFound, "ride %s not found", rideID)
	}
	_, err := c.matcher.Reject(ctx, rideID, driverID)
	return err
}

// CancelByPassenger implements cancel_by_passenger.
func (c *Controller) CancelByPassenger(ctx context.Context, passengerID, rideID, reason string) (dispatch.RideRequest, error) {
	ride, err := c.store.GetRide(ctx, rideID)
	if err != nil {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotFound, "ride %s not found", rideID)
	}
	if ride.PassengerID != passengerID {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrUnauthorized, "ride %s does not belong to passenger %s", rideID, passengerID)
	}
	updated, err := c.store.CancelRide(ctx, rideID, passengerID, false, reason)
	if err != nil {
		return dispatch.RideRequest{}, err
	}
	c.notifyCancelled(updated)
	return updated, nil
}

// CancelByDriver implements cancel_by_driver.
func (c *Controller) CancelByDriver(ctx context.Context, driverID, rideID, reason string) (dispatch.RideRequest, error) {
	ride, err := c.store.GetRide(ctx, rideID)
	if err != nil {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotFound, "ride %s not found", rideID)
	}
	if ride.DriverID != driverID || ride.Status != dispatch.RideAccepted {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotCancellable, "ride %s is not cancellable by driver %s", rideID, driverID)
	}
	updated, err := c.store.CancelRide(ctx, rideID, driverID, true, reason)
	if err != nil {
		return dispatch.RideRequest{}, err
	}
	c.notifyCancelled(updated)
	return updated, nil
}

func (c *Controller) notifyCancelled(ride dispatch.RideRequest) {
	payload := map[string]any{"type": "ride_cancelled", "ride": rideSnapshot(ride)}
	if ride.DriverID != "" {
		c.reg.SendToChannel(ride.DriverID, payload)
	}
	c.reg.SendToChannel(ride.PassengerID, payload)
	c.reg.SendToGroup(registry.RideGroup(ride.ID), payload)
}

// Complete implements complete(driver, ride_id).
func (c *Controller) Complete(ctx context.Context, driverID, rideID string) (dispatch.RideRequest, error) {
	ride, err := c.store.GetRide(ctx, rideID)
	if err != nil {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotFound, "ride %s not found", rideID)
	}
	if ride.DriverID != driverID || ride.Status != dispatch.RideAccepted {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotAvailable, "ride %s is not completable by driver %s", rideID, driverID)
	}
	updated, err := c.store.CompleteRide(ctx, rideID, driverID)
	if err != nil {
		return dispatch.RideRequest{}, err
	}
	payload := map[string]any{"type": "ride_completed", "ride": rideSnapshot(updated)}
	c.reg.SendToChannel(updated.PassengerID, payload)
	c.reg.SendToGroup(registry.RideGroup(rideID), payload)
	return updated, nil
}

// Events exposes the ride event log for admin/debug listing.
func (c *Controller) Events(ctx context.Context, rideID string, limit, offset int) ([]dispatch.RideEvent, error) {
	return c.store.ListRideEvents(ctx, rideID, limit, offset)
}

func rideSnapshot(ride dispatch.RideRequest) map[string]any {
	return map[string]any{
		"id":             ride.ID,
		"passengerId":    ride.PassengerID,
		"driverId":       ride.DriverID,
		"pickupLat":      ride.PickupLat,
		"pickupLon":      ride.PickupLon,
		"pickupAddress":  ride.PickupAddress,
		"dropoffAddress": ride.DropoffAddress,
		"status":         string(ride.Status),
		"requestedAt":    ride.RequestedAt,
		"acceptedAt":     ride.AcceptedAt,
	}
}

func newRideID() string {
	var b [12]byte
	_, err := rand.Read(b[:])
	if err != nil {
		return fmt.Sprintf("ride-%d", time.Now().UnixNano())
	}
	return "ride_" + hex.EncodeToString(b[:])
}
