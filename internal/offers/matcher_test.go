package offers

import (
	"context"
	"testing"
	"time"

	"turbodriver/internal/dispatch"
	"turbodriver/internal/presence"
	"turbodriver/internal/registry"
)

// fakeStore is a minimal in-memory Store good enough to exercise the
// matcher's dispatch/expire/advance logic without a database.
type fakeStore struct {
	rides  map[string]dispatch.RideRequest
	offers map[int64]dispatch.RideOffer
	nextID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{rides: map[string]dispatch.RideRequest{}, offers: map[int64]dispatch.RideOffer{}}
}

func (f *fakeStore) ReplaceOffers(ctx context.Context, rideID string, offers []dispatch.RideOffer) error {
	for id, o := range f.offers {
		if o.RideID == rideID && o.Status == dispatch.OfferPending && o.SentAt == nil {
			delete(f.offers, id)
		}
	}
	for _, o := range offers {
		f.nextID++
		o.ID = f.nextID
		f.offers[o.ID] = o
	}
	return nil
}

func (f *fakeStore) NextPendingOffer(ctx context.Context, rideID string) (dispatch.RideOffer, bool, error) {
	var best *dispatch.RideOffer
	for _, o := range f.offers {
		if o.RideID != rideID || o.Status != dispatch.OfferPending || o.SentAt != nil {
			continue
		}
		cp := o
		if best == nil || cp.Order < best.Order {
			best = &cp
		}
	}
	if best == nil {
		return dispatch.RideOffer{}, false, nil
	}
	return *best, true, nil
}

func (f *fakeStore) DispatchOffer(ctx context.Context, offerID int64) (dispatch.RideOffer, bool, error) {
	o, ok := f.offers[offerID]
	if !ok || o.Status != dispatch.OfferPending || o.SentAt != nil {
		return dispatch.RideOffer{}, false, nil
	}
	now := time.Now()
	o.SentAt = &now
	f.offers[offerID] = o
	return o, true, nil
}

func (f *fakeStore) GetOffer(ctx context.Context, offerID int64) (dispatch.RideOffer, error) {
	return f.offers[offerID], nil
}

func (f *fakeStore) ExpireOffer(ctx context.Context, offerID int64) (dispatch.RideOffer, bool, error) {
	o, ok := f.offers[offerID]
	if !ok || o.Status != dispatch.OfferPending || o.SentAt == nil {
		return dispatch.RideOffer{}, false, nil
	}
	o.Status = dispatch.OfferExpired
	now := time.Now()
	o.RespondedAt = &now
	f.offers[offerID] = o
	return o, true, nil
}

func (f *fakeStore) RejectOffer(ctx context.Context, rideID, driverID string) (dispatch.RideOffer, bool, error) {
	for id, o := range f.offers {
		if o.RideID == rideID && o.DriverID == driverID && o.Status == dispatch.OfferPending {
			o.Status = dispatch.OfferRejected
			now := time.Now()
			o.RespondedAt = &now
			f.offers[id] = o
			return o, true, nil
		}
	}
	return dispatch.RideOffer{}, false, nil
}

func (f *fakeStore) HasPendingOffers(ctx context.Context, rideID string) (bool, error) {
	for _, o := range f.offers {
		if o.RideID == rideID && o.Status == dispatch.OfferPending {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ExpiredPendingOffers(ctx context.Context, timeout time.Duration) ([]dispatch.RideOffer, error) {
	return nil, nil
}

func (f *fakeStore) GetRide(ctx context.Context, rideID string) (dispatch.RideRequest, error) {
	return f.rides[rideID], nil
}

func (f *fakeStore) TransitionToNoDrivers(ctx context.Context, rideID string) (dispatch.RideRequest, bool, error) {
	ride, ok := f.rides[rideID]
	if !ok || ride.Status != dispatch.RidePending {
		return dispatch.RideRequest{}, false, nil
	}
	ride.Status = dispatch.RideNoDrivers
	f.rides[rideID] = ride
	return ride, true, nil
}

func newTestMatcher(store *fakeStore, drivers []presence.DriverEntry) *Matcher {
	idx := presence.NewMemoryIndex(presence.Config{})
	for _, d := range drivers {
		idx.UpdateDriver(d.DriverID, d.Lat, d.Lon, d.VehicleNumber, dispatch.DriverAvailable)
	}
	reg := registry.New(nil)
	go reg.Run()
	return NewMatcher(store, idx, reg, nil, 20*time.Second)
}

func TestBuildOffersOrdersByDistance(t *testing.T) {
	store := newFakeStore()
	ride := dispatch.RideRequest{ID: "r1", PassengerID: "p1", PickupLat: 28.6139, PickupLon: 77.2090, BroadcastRadiusM: 1000, Status: dispatch.RidePending}
	store.rides[ride.ID] = ride

	matcher := newTestMatcher(store, []presence.DriverEntry{
		{DriverID: "far", Lat: 28.6200, Lon: 77.2100},
		{DriverID: "near", Lat: 28.6140, Lon: 77.2091},
	})

	got, err := matcher.BuildOffers(context.Background(), ride)
	if err != nil {
		t.Fatalf("BuildOffers: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 offers, got %d", len(got))
	}
	if got[0].DriverID != "near" || got[1].DriverID != "far" {
		t.Fatalf("expected near before far, got %v then %v", got[0].DriverID, got[1].DriverID)
	}
}

func TestCascadeOnExpiryAdvancesToNextCandidate(t *testing.T) {
	store := newFakeStore()
	ride := dispatch.RideRequest{ID: "r1", PassengerID: "p1", PickupLat: 28.6139, PickupLon: 77.2090, BroadcastRadiusM: 1000, Status: dispatch.RidePending}
	store.rides[ride.ID] = ride
	matcher := newTestMatcher(store, []presence.DriverEntry{
		{DriverID: "d1", Lat: 28.6140, Lon: 77.2091},
		{DriverID: "d2", Lat: 28.6200, Lon: 77.2100},
	})
	ctx := context.Background()

	if _, err := matcher.BuildOffers(ctx, ride); err != nil {
		t.Fatalf("BuildOffers: %v", err)
	}
	if ok, err := matcher.DispatchNext(ctx, ride.ID); err != nil || !ok {
		t.Fatalf("DispatchNext: ok=%v err=%v", ok, err)
	}

	first, _, _ := store.NextPendingOffer(ctx, ride.ID)
	_ = first
	var firstID int64
	for id, o := range store.offers {
		if o.SentAt != nil {
			firstID = id
		}
	}

	advanced, err := matcher.ExpireAndAdvance(ctx, firstID)
	if err != nil {
		t.Fatalf("ExpireAndAdvance: %v", err)
	}
	if !advanced {
		t.Fatalf("expected cascade to dispatch the next candidate")
	}
	if store.offers[firstID].Status != dispatch.OfferExpired {
		t.Fatalf("expected first offer expired, got %s", store.offers[firstID].Status)
	}
}

func TestExpireAndAdvanceIsIdempotent(t *testing.T) {
	store := newFakeStore()
	ride := dispatch.RideRequest{ID: "r1", PassengerID: "p1", Status: dispatch.RidePending}
	store.rides[ride.ID] = ride
	matcher := newTestMatcher(store, nil)
	store.nextID = 2
	store.offers[1] = dispatch.RideOffer{ID: 1, RideID: "r1", DriverID: "d1", Order: 0, Status: dispatch.OfferPending}
	store.offers[2] = dispatch.RideOffer{ID: 2, RideID: "r1", DriverID: "d2", Order: 1, Status: dispatch.OfferPending}
	store.DispatchOffer(context.Background(), 1)

	ok1, err := matcher.ExpireAndAdvance(context.Background(), 1)
	if err != nil || !ok1 {
		t.Fatalf("first expire: ok=%v err=%v", ok1, err)
	}
	ok2, err := matcher.ExpireAndAdvance(context.Background(), 1)
	if err != nil {
		t.Fatalf("second expire: %v", err)
	}
	if ok2 {
		t.Fatalf("second expire should be a no-op (P9)")
	}
}

func TestEmptyQueueBuildsNoOffersAndDispatchesNothing(t *testing.T) {
	store := newFakeStore()
	ride := dispatch.RideRequest{ID: "r1", PassengerID: "p1", PickupLat: 28.6139, PickupLon: 77.2090, BroadcastRadiusM: 500, Status: dispatch.RidePending}
	store.rides[ride.ID] = ride
	matcher := newTestMatcher(store, nil)

	offers, err := matcher.BuildOffers(context.Background(), ride)
	if err != nil {
		t.Fatalf("BuildOffers: %v", err)
	}
	if len(offers) != 0 {
		t.Fatalf("expected zero offers with no nearby drivers")
	}
	dispatched, err := matcher.DispatchNext(context.Background(), ride.ID)
	if err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	if dispatched {
		t.Fatalf("expected no candidate to dispatch")
	}
}
