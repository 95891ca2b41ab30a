// Package offers implements the Daisy-Chain Offer Matcher (C6): builds a
// per-ride ordered queue of candidate drivers from the Presence Index,
// dispatches exactly one offer at a time with a deadline, and cascades to
// the next candidate on expiry or rejection (spec §4.5). Grounded on
// original_source/backend/services/matching/offer_builder.py (queue
// construction from a nearby-driver snapshot) and offer_dispatch.py
// (CAS-guarded single-flight dispatch, expire/advance cascade).
package offers

import (
	"context"
	"time"

	"turbodriver/internal/dispatch"
	"turbodriver/internal/presence"
	"turbodriver/internal/registry"
	"turbodriver/internal/timer"
)

// Store is the subset of the Durable Store the matcher needs. Satisfied by
// *storage.Repository; declared here (rather than imported concretely) so
// this package depends only on C1's contract, not its implementation.
type Store interface {
	ReplaceOffers(ctx context.Context, rideID string, offers []dispatch.RideOffer) error
	NextPendingOffer(ctx context.Context, rideID string) (dispatch.RideOffer, bool, error)
	DispatchOffer(ctx context.Context, offerID int64) (dispatch.RideOffer, bool, error)
	GetOffer(ctx context.Context, offerID int64) (dispatch.RideOffer, error)
	ExpireOffer(ctx context.Context, offerID int64) (dispatch.RideOffer, bool, error)
	RejectOffer(ctx context.Context, rideID, driverID string) (dispatch.RideOffer, bool, error)
	HasPendingOffers(ctx context.Context, rideID string) (bool, error)
	ExpiredPendingOffers(ctx context.Context, timeout time.Duration) ([]dispatch.RideOffer, error)
	GetRide(ctx context.Context, rideID string) (dispatch.RideRequest, error)
	TransitionToNoDrivers(ctx context.Context, rideID string) (dispatch.RideRequest, bool, error)
}

// Matcher is the matcher's single entry point. One per process; safe for
// concurrent use across many rides.
type Matcher struct {
	store    Store
	presence presence.Index
	registry *registry.Registry
	sched    *timer.Scheduler
	timeout  time.Duration
}

func NewMatcher(store Store, idx presence.Index, reg *registry.Registry, sched *timer.Scheduler, timeout time.Duration) *Matcher {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Matcher{store: store, presence: idx, registry: reg, sched: sched, timeout: timeout}
}

// BuildOffers implements spec §4.5's build_offers: query C2 for available
// drivers within the ride's radius, sort by distance (already sorted by
// presence.Index), and atomically replace any prior queue with the new
// ordered candidate list. Returns the built offers (possibly empty).
func (m *Matcher) BuildOffers(ctx context.Context, ride dispatch.RideRequest) ([]dispatch.RideOffer, error) {
	nearby, err := m.presence.QueryNearby(ride.PickupLat, ride.PickupLon, ride.BroadcastRadiusM, 0, dispatch.DriverAvailable)
	if err != nil {
		return nil, err
	}
	offers := make([]dispatch.RideOffer, len(nearby))
	for i, d := range nearby {
		offers[i] = dispatch.RideOffer{RideID: ride.ID, DriverID: d.DriverID, Order: i, Status: dispatch.OfferPending}
	}
	if err := m.store.ReplaceOffers(ctx, ride.ID, offers); err != nil {
		return nil, err
	}
	return offers, nil
}

// DispatchNext implements dispatch_next: select the lowest-order
// undispatched pending offer (the store's CAS prevents double-dispatch),
// schedule its expiry callback, and push ride_offer to the driver. Returns
// false when no undispatched offer remains.
func (m *Matcher) DispatchNext(ctx context.Context, rideID string) (bool, error) {
	candidate, ok, err := m.store.NextPendingOffer(ctx, rideID)
	if err != nil || !ok {
		return false, err
	}
	offer, dispatched, err := m.store.DispatchOffer(ctx, candidate.ID)
	if err != nil {
		return false, err
	}
	if !dispatched {
		// Lost the CAS race to a concurrent dispatcher; try the next one.
		return m.DispatchNext(ctx, rideID)
	}

	ride, err := m.store.GetRide(ctx, rideID)
	if err != nil {
		return false, err
	}

	if m.sched != nil {
		m.sched.Schedule(offer.ID, m.timeout, func() {
			_, _ = m.ExpireAndAdvance(context.Background(), offer.ID)
		})
	}

	m.registry.SendToGroup(registry.DriverGroup(offer.DriverID), map[string]any{
		"type":     "ride_offer",
		"ride":     rideSnapshot(ride),
		"offer_id": offer.ID,
	})
	return true, nil
}

// ExpireAndAdvance implements expire_and_advance: CAS the offer to
// expired (no-op if already resolved — P9), notify the driver, dispatch
// the next candidate, and if none remain transition the ride to
// no_drivers, notifying the passenger with ride_expired or
// no_drivers_available depending on whether any offer was ever sent.
func (m *Matcher) ExpireAndAdvance(ctx context.Context, offerID int64) (bool, error) {
	offer, expired, err := m.store.ExpireOffer(ctx, offerID)
	if err != nil {
		return false, err
	}
	if !expired {
		return false, nil
	}
	if m.sched != nil {
		m.sched.Cancel(offerID)
	}

	m.registry.SendToGroup(registry.DriverGroup(offer.DriverID), map[string]any{
		"type":     "ride_expired",
		"ride_id":  offer.RideID,
		"offer_id": offer.ID,
	})

	return m.advance(ctx, offer.RideID, true)
}

// Reject implements the explicit-decline half of §4.5: CAS pending ->
// rejected, then run the same advance logic as expiry.
func (m *Matcher) Reject(ctx context.Context, rideID, driverID string) (bool, error) {
	offer, rejected, err := m.store.RejectOffer(ctx, rideID, driverID)
	if err != nil {
		return false, err
	}
	if !rejected {
		return false, nil
	}
	if m.sched != nil {
		m.sched.Cancel(offer.ID)
	}
	return m.advance(ctx, rideID, true)
}

func (m *Matcher) advance(ctx context.Context, rideID string, anOfferWasSent bool) (bool, error) {
	dispatched, err := m.DispatchNext(ctx, rideID)
	if err != nil {
		return false, err
	}
	if dispatched {
		return true, nil
	}

	pending, err := m.store.HasPendingOffers(ctx, rideID)
	if err != nil {
		return false, err
	}
	if pending {
		return false, nil
	}

	ride, applied, err := m.store.TransitionToNoDrivers(ctx, rideID)
	if err != nil {
		return false, err
	}
	if !applied {
		// Lost the race to a concurrent accept; the ride is no longer pending.
		return false, nil
	}

	event := "no_drivers_available"
	if anOfferWasSent {
		event = "ride_expired"
	}
	m.registry.SendToChannel(ride.PassengerID, map[string]any{
		"type": event,
		"ride": rideSnapshot(ride),
	})
	return false, nil
}

func rideSnapshot(ride dispatch.RideRequest) map[string]any {
	return map[string]any{
		"id":              ride.ID,
		"passengerId":     ride.PassengerID,
		"driverId":        ride.DriverID,
		"pickupLat":       ride.PickupLat,
		"pickupLon":       ride.PickupLon,
		"pickupAddress":   ride.PickupAddress,
		"dropoffAddress":  ride.DropoffAddress,
		"status":          string(ride.Status),
		"requestedAt":     ride.RequestedAt,
	}
}
