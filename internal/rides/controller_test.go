package rides

import (
	"context"
	"testing"
	"time"

	"turbodriver/internal/dispatch"
	"turbodriver/internal/offers"
	"turbodriver/internal/presence"
	"turbodriver/internal/registry"
)

// fakeStore backs both rides.Store and offers.Store with plain maps, so
// Controller and Matcher can be exercised together without a database.
type fakeStore struct {
	rides   map[string]dispatch.RideRequest
	offers  map[int64]dispatch.RideOffer
	events  []dispatch.RideEvent
	nextID  int64
	drivers map[string]dispatch.DriverStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rides:   map[string]dispatch.RideRequest{},
		offers:  map[int64]dispatch.RideOffer{},
		drivers: map[string]dispatch.DriverStatus{},
	}
}

func (f *fakeStore) EnsureUser(ctx context.Context, userID string, role dispatch.IdentityRole) error {
	return nil
}

func (f *fakeStore) CreateRide(ctx context.Context, ride dispatch.RideRequest) error {
	for _, r := range f.rides {
		if r.PassengerID == ride.PassengerID && (r.Status == dispatch.RidePending || r.Status == dispatch.RideAccepted) {
			return dispatch.NewError(dispatch.ErrActiveRideExists, "active ride exists")
		}
	}
	f.rides[ride.ID] = ride
	return nil
}

func (f *fakeStore) GetRide(ctx context.Context, rideID string) (dispatch.RideRequest, error) {
	r, ok := f.rides[rideID]
	if !ok {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotFound, "not found")
	}
	return r, nil
}

func (f *fakeStore) GetActiveRideForPassenger(ctx context.Context, passengerID string) (dispatch.RideRequest, error) {
	for _, r := range f.rides {
		if r.PassengerID == passengerID && (r.Status == dispatch.RidePending || r.Status == dispatch.RideAccepted) {
			return r, nil
		}
	}
	return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotFound, "none")
}

func (f *fakeStore) GetActiveRideForDriver(ctx context.Context, driverID string) (dispatch.RideRequest, error) {
	for _, r := range f.rides {
		if r.DriverID == driverID && r.Status == dispatch.RideAccepted {
			return r, nil
		}
	}
	return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotFound, "none")
}

func (f *fakeStore) ListRidesByPassenger(ctx context.Context, passengerID string, limit int) ([]dispatch.RideRequest, error) {
	var out []dispatch.RideRequest
	for _, r := range f.rides {
		if r.PassengerID == passengerID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) ListRidesByDriver(ctx context.Context, driverID string, limit int) ([]dispatch.RideRequest, error) {
	var out []dispatch.RideRequest
	for _, r := range f.rides {
		if r.DriverID == driverID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) AcceptRide(ctx context.Context, rideID, driverID string) (dispatch.RideRequest, error) {
	ride, ok := f.rides[rideID]
	if !ok {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotFound, "not found")
	}
	if ride.Status != dispatch.RidePending {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotAvailable, "not pending")
	}
	if f.drivers[driverID] != dispatch.DriverAvailable {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrDriverNotAvailable, "driver not available")
	}
	now := time.Now().UTC()
	ride.Status = dispatch.RideAccepted
	ride.DriverID = driverID
	ride.AcceptedAt = &now
	f.rides[rideID] = ride
	f.drivers[driverID] = dispatch.DriverBusy
	for id, o := range f.offers {
		if o.RideID == rideID && o.Status == dispatch.OfferPending {
			if o.DriverID == driverID {
				o.Status = dispatch.OfferAccepted
			} else {
				o.Status = dispatch.OfferExpired
			}
			o.RespondedAt = &now
			f.offers[id] = o
		}
	}
	return ride, nil
}

func (f *fakeStore) CancelRide(ctx context.Context, rideID, actorID string, byDriver bool, reason string) (dispatch.RideRequest, error) {
	ride, ok := f.rides[rideID]
	if !ok {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotFound, "not found")
	}
	if ride.Status != dispatch.RidePending && ride.Status != dispatch.RideAccepted {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotCancellable, "terminal")
	}
	now := time.Now().UTC()
	if byDriver {
		ride.Status = dispatch.RideCancelledDriver
	} else {
		ride.Status = dispatch.RideCancelledUser
	}
	ride.CancelledAt = &now
	ride.CancellationReason = reason
	if ride.DriverID != "" {
		f.drivers[ride.DriverID] = dispatch.DriverAvailable
	}
	f.rides[rideID] = ride
	return ride, nil
}

func (f *fakeStore) CompleteRide(ctx context.Context, rideID, actorID string) (dispatch.RideRequest, error) {
	ride, ok := f.rides[rideID]
	if !ok {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotFound, "not found")
	}
	if ride.Status != dispatch.RideAccepted {
		return dispatch.RideRequest{}, dispatch.NewError(dispatch.ErrRideNotAvailable, "not accepted")
	}
	now := time.Now().UTC()
	ride.Status = dispatch.RideCompleted
	ride.CompletedAt = &now
	f.drivers[ride.DriverID] = dispatch.DriverAvailable
	f.rides[rideID] = ride
	return ride, nil
}

func (f *fakeStore) AppendRideEvent(ctx context.Context, evt dispatch.RideEvent) error {
	f.events = append(f.events, evt)
	return nil
}

func (f *fakeStore) ListRideEvents(ctx context.Context, rideID string, limit, offset int) ([]dispatch.RideEvent, error) {
	var out []dispatch.RideEvent
	for _, e := range f.events {
		if e.RideID == rideID {
			out = append(out, e)
		}
	}
	return out, nil
}

// offers.Store methods.

func (f *fakeStore) ReplaceOffers(ctx context.Context, rideID string, newOffers []dispatch.RideOffer) error {
	for id, o := range f.offers {
		if o.RideID == rideID && o.Status == dispatch.OfferPending && o.SentAt == nil {
			delete(f.offers, id)
		}
	}
	for _, o := range newOffers {
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

func (f *fakeStore) TransitionToNoDrivers(ctx context.Context, rideID string) (dispatch.RideRequest, bool, error) {
	ride, ok := f.rides[rideID]
	if !ok || ride.Status != dispatch.RidePending {
		return dispatch.RideRequest{}, false, nil
	}
	ride.Status = dispatch.RideNoDrivers
	f.rides[rideID] = ride
	return ride, true, nil
}

func newTestController(store *fakeStore, driverLocations map[string][2]float64) *Controller {
	idx := presence.NewMemoryIndex(presence.Config{})
	for id, loc := range driverLocations {
		idx.UpdateDriver(id, loc[0], loc[1], "", dispatch.DriverAvailable)
		store.drivers[id] = dispatch.DriverAvailable
	}
	reg := registry.New(nil)
	go reg.Run()
	matcher := offers.NewMatcher(store, idx, reg, nil, 20*time.Second)
	return NewController(store, matcher, reg, nil)
}

func TestCreateRequestSingleDriverHappyPath(t *testing.T) {
	store := newFakeStore()
	ctrl := newTestController(store, map[string][2]float64{"d1": {28.6139, 77.2090}})
	ctx := context.Background()

	ride, err := ctrl.CreateRequest(ctx, "p1", 28.6140, 77.2091, "pickup", "India Gate", 1, 1000, "")
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if ride.Status != dispatch.RidePending {
		t.Fatalf("expected pending ride, got %s", ride.Status)
	}

	accepted, err := ctrl.Accept(ctx, "d1", ride.ID)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if accepted.Status != dispatch.RideAccepted || accepted.DriverID != "d1" {
		t.Fatalf("unexpected ride after accept: %+v", accepted)
	}

	completed, err := ctrl.Complete(ctx, "d1", ride.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if completed.Status != dispatch.RideCompleted {
		t.Fatalf("expected completed, got %s", completed.Status)
	}
}

func TestCreateRequestRejectsSecondActiveRide(t *testing.T) {
	store := newFakeStore()
	ctrl := newTestController(store, map[string][2]float64{"d1": {1, 1}})
	ctx := context.Background()

	if _, err := ctrl.CreateRequest(ctx, "p1", 1, 1, "", "", 1, 1000, ""); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := ctrl.CreateRequest(ctx, "p1", 1, 1, "", "", 1, 1000, "")
	if dispatch.CodeOf(err) != dispatch.ErrActiveRideExists {
		t.Fatalf("expected ACTIVE_RIDE_EXISTS, got %v", err)
	}
}

func TestCreateRequestNoDriversAvailable(t *testing.T) {
	store := newFakeStore()
	ctrl := newTestController(store, nil)

	ride, err := ctrl.CreateRequest(context.Background(), "p1", 28.6139, 77.2090, "", "", 1, 500, "")
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if ride.Status != dispatch.RideNoDrivers {
		t.Fatalf("expected no_drivers, got %s", ride.Status)
	}
}

func TestCancelByPassengerRequiresOwnership(t *testing.T) {
	store := newFakeStore()
	ctrl := newTestController(store, nil)
	ctx := context.Background()

	ride, err := ctrl.CreateRequest(ctx, "p1", 1, 1, "", "", 1, 1000, "")
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	_, err = ctrl.CancelByPassenger(ctx, "someone-else", ride.ID, "changed my mind")
	if dispatch.CodeOf(err) != dispatch.ErrUnauthorized {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
}

func TestIdempotentCreateReturnsSameRide(t *testing.T) {
	store := newFakeStore()
	ctrl := newTestController(store, map[string][2]float64{"d1": {1, 1}})
	ctx := context.Background()

	first, err := ctrl.CreateRequest(ctx, "p1", 1, 1, "", "", 1, 1000, "key-1")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := ctrl.CreateRequest(ctx, "p1", 1, 1, "", "", 1, 1000, "key-1")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same ride id for repeated idempotency key, got %s vs %s", first.ID, second.ID)
	}
}
