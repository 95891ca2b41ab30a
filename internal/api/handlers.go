package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"turbodriver/internal/broadcast"
	"turbodriver/internal/dispatch"
	"turbodriver/internal/presence"
	"turbodriver/internal/registry"
	"turbodriver/internal/rides"
	"turbodriver/pkg/metrics"
)

func requireRole(w http.ResponseWriter, r *http.Request, enforce bool, allowed ...dispatch.IdentityRole) bool {
	if !enforce {
		return true
	}
	id, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, dispatch.ErrUnauthorized, "unauthorized")
		return false
	}
	for _, role := range allowed {
		if id.Role == role {
			return true
		}
	}
	respondError(w, http.StatusForbidden, dispatch.ErrUnauthorized, "forbidden")
	return false
}

func matchIdentity(w http.ResponseWriter, r *http.Request, enforce bool, targetID string) bool {
	if !enforce {
		return true
	}
	id, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, dispatch.ErrUnauthorized, "unauthorized")
		return false
	}
	if id.Role == dispatch.RoleAdmin {
		return true
	}
	if id.ID != targetID {
		respondError(w, http.StatusForbidden, dispatch.ErrUnauthorized, "forbidden")
		return false
	}
	return true
}

func canAccessRide(r *http.Request, enforce bool, ride dispatch.RideRequest) bool {
	if !enforce {
		return true
	}
	id, ok := identityFromContext(r.Context())
	if !ok {
		return false
	}
	if id.Role == dispatch.RoleAdmin {
		return true
	}
	if id.Role == dispatch.RolePassenger && ride.PassengerID == id.ID {
		return true
	}
	if id.Role == dispatch.RoleDriver && ride.DriverID == id.ID {
		return true
	}
	return false
}

// DriverStore persists the authoritative DriverProfile row (status, last
// fix, vehicle number) behind the location/status handlers. Satisfied by
// *storage.Repository; nil when the process runs without a database, in
// which case driver state lives in the Presence Index only.
type DriverStore interface {
	UpsertDriverProfile(ctx context.Context, p dispatch.DriverProfile) error
	SetDriverStatus(ctx context.Context, driverID string, status dispatch.DriverStatus) error
}

// Handler wires every HTTP/WS entry point to the presence index, session
// registry, broadcast fabric, and ride lifecycle controller. In-process
// counters are handled entirely by pkg/metrics's Prometheus collectors.
type Handler struct {
	controller *rides.Controller
	presence   presence.Index
	registry   *registry.Registry
	fabric     *broadcast.Fabric
	drivers    DriverStore
	auth       authConfig
	startTime  time.Time
}

type driverLocationPayload struct {
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	VehicleNumber string  `json:"vehicleNumber,omitempty"`
	Status        string  `json:"status,omitempty"`
}

// UpdateDriverLocation implements the presence half of spec §4.2/§4.3: a
// driver pushes a position fix, the Broadcast Fabric rate-limits, updates
// the index, and fans it out to subscribed passengers in one call.
func (h *Handler) UpdateDriverLocation(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.store != nil || h.auth.db != nil
	if !requireRole(w, r, enforce, dispatch.RoleDriver, dispatch.RoleAdmin) {
		return
	}
	driverID := chi.URLParam(r, "driverID")
	if !matchIdentity(w, r, enforce, driverID) {
		return
	}
	var payload driverLocationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, dispatch.ErrValidation, "invalid payload")
		return
	}
	if payload.Latitude < -90 || payload.Latitude > 90 || payload.Longitude < -180 || payload.Longitude > 180 {
		respondError(w, http.StatusBadRequest, dispatch.ErrValidation, "coordinates out of range")
		return
	}
	status := dispatch.DriverAvailable
	if payload.Status != "" {
		status = dispatch.DriverStatus(payload.Status)
	}

	h.persistDriverProfile(r.Context(), driverID, payload.Latitude, payload.Longitude, payload.VehicleNumber, status)

	report := h.fabric.BroadcastDriverLocation(driverID, payload.Latitude, payload.Longitude, payload.VehicleNumber, status, false)
	switch report.Outcome {
	case "rate_limited":
		metrics.BroadcastsTotal.WithLabelValues("rate_limited").Inc()
	case "not_moved":
		metrics.BroadcastsTotal.WithLabelValues("below_min_distance").Inc()
	default:
		metrics.BroadcastsTotal.WithLabelValues("sent").Inc()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"outcome":  report.Outcome,
		"examined": report.Examined,
		"notified": report.Notified,
	})
}

// SetDriverStatus implements the offline/available toggle spec §4.2
// requires outside of a position fix (e.g. a driver going offline without
// moving). Going offline drops the driver from the Presence Index.
func (h *Handler) SetDriverStatus(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.store != nil || h.auth.db != nil
	if !requireRole(w, r, enforce, dispatch.RoleDriver, dispatch.RoleAdmin) {
		return
	}
	driverID := chi.URLParam(r, "driverID")
	if !matchIdentity(w, r, enforce, driverID) {
		return
	}
	var payload driverLocationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, dispatch.ErrValidation, "invalid payload")
		return
	}
	status := dispatch.DriverStatus(payload.Status)
	if status != dispatch.DriverAvailable && status != dispatch.DriverOffline {
		respondError(w, http.StatusBadRequest, dispatch.ErrValidation, "status must be available or offline")
		return
	}
	if active, err := h.controller.GetActiveRideForDriver(r.Context(), driverID); err == nil && active.Status == dispatch.RideAccepted && status == dispatch.DriverOffline {
		respondError(w, http.StatusConflict, dispatch.ErrDriverNotAvailable, "driver has an active ride")
		return
	}
	if h.drivers != nil {
		if err := h.drivers.SetDriverStatus(r.Context(), driverID, status); err != nil {
			log.Printf("set driver status: %v", err)
		}
	}
	h.fabric.BroadcastDriverStatus(driverID, payload.Latitude, payload.Longitude, payload.VehicleNumber, status)
	respondJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// persistDriverProfile keeps the Durable Store's DriverProfile row in sync
// with every position fix, so AcceptRide's "SELECT status FROM
// driver_profiles FOR UPDATE" guard and build_offers's presence-derived
// candidate set never diverge for a driver that never went through seeding.
func (h *Handler) persistDriverProfile(ctx context.Context, driverID string, lat, lon float64, vehicleNumber string, status dispatch.DriverStatus) {
	if h.drivers == nil {
		return
	}
	err := h.drivers.UpsertDriverProfile(ctx, dispatch.DriverProfile{
		DriverID:           driverID,
		VehicleNumber:      vehicleNumber,
		Status:             status,
		LastLat:            lat,
		LastLon:            lon,
		LastLocationUpdate: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("upsert driver profile: %v", err)
	}
}

type subscribePayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	RadiusM   float64 `json:"radiusMeters,omitempty"`
}

// SubscribePassenger implements spec §4.2's passenger-side viewport
// subscription: register interest in a point+radius and get back an
// immediate nearby-drivers snapshot.
func (h *Handler) SubscribePassenger(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.store != nil || h.auth.db != nil
	if !requireRole(w, r, enforce, dispatch.RolePassenger, dispatch.RoleAdmin) {
		return
	}
	passengerID := chi.URLParam(r, "passengerID")
	if !matchIdentity(w, r, enforce, passengerID) {
		return
	}
	var payload subscribePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, dispatch.ErrValidation, "invalid payload")
		return
	}
	if payload.RadiusM <= 0 {
		payload.RadiusM = 1000
	}
	outcome, err := h.presence.SubscribePassenger(passengerID, registry.PartyGroup(passengerID), payload.Latitude, payload.Longitude, payload.RadiusM)
	if err != nil {
		respondError(w, http.StatusInternalServerError, dispatch.ErrInternal, "subscribe failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"nearby": outcome.Nearby})
}

func (h *Handler) UnsubscribePassenger(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.store != nil || h.auth.db != nil
	if !requireRole(w, r, enforce, dispatch.RolePassenger, dispatch.RoleAdmin) {
		return
	}
	passengerID := chi.URLParam(r, "passengerID")
	if !matchIdentity(w, r, enforce, passengerID) {
		return
	}
	_ = h.presence.UnsubscribePassenger(passengerID)
	w.WriteHeader(http.StatusNoContent)
}

type rideRequestPayload struct {
	PickupLat      float64 `json:"pickupLat"`
	PickupLon      float64 `json:"pickupLon"`
	PickupAddress  string  `json:"pickupAddress,omitempty"`
	DropoffAddress string  `json:"dropoffAddress,omitempty"`
	NumPassengers  int     `json:"numberOfPassengers,omitempty"`
	RadiusM        float64 `json:"broadcastRadiusMeters,omitempty"`
	Idempotency    string  `json:"idempotencyKey,omitempty"`
}

// RequestRide implements create_request (spec §4.6).
func (h *Handler) RequestRide(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.store != nil || h.auth.db != nil
	if !requireRole(w, r, enforce, dispatch.RolePassenger, dispatch.RoleAdmin) {
		return
	}
	identity, _ := identityFromContext(r.Context())
	var payload rideRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, dispatch.ErrValidation, "invalid payload")
		return
	}
	passengerID := identity.ID
	if passengerID == "" {
		passengerID = r.URL.Query().Get("passengerId")
	}
	if passengerID == "" {
		respondError(w, http.StatusBadRequest, dispatch.ErrValidation, "passengerId required")
		return
	}

	start := time.Now()
	ride, err := h.controller.CreateRequest(r.Context(), passengerID, payload.PickupLat, payload.PickupLon, payload.PickupAddress, payload.DropoffAddress, payload.NumPassengers, payload.RadiusM, payload.Idempotency)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	metrics.RidesTotal.WithLabelValues(string(ride.Status)).Inc()
	if ride.Status == dispatch.RidePending {
		metrics.MatchLatency.Observe(time.Since(start).Seconds())
	}
	respondJSON(w, http.StatusCreated, ride)
}

func (h *Handler) GetRide(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.store != nil || h.auth.db != nil
	rideID := chi.URLParam(r, "rideID")
	ride, err := h.controller.GetRide(r.Context(), rideID)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	if !canAccessRide(r, enforce, ride) {
		respondError(w, http.StatusForbidden, dispatch.ErrUnauthorized, "forbidden")
		return
	}
	respondJSON(w, http.StatusOK, ride)
}

func (h *Handler) ListPassengerRides(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.store != nil || h.auth.db != nil
	passengerID := r.URL.Query().Get("passengerId")
	if !matchIdentity(w, r, enforce, passengerID) {
		return
	}
	limit := parseLimit(r, 50)
	rides, err := h.controller.ListForPassenger(r.Context(), passengerID, limit)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rides)
}

func (h *Handler) ListDriverRides(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.store != nil || h.auth.db != nil
	driverID := r.URL.Query().Get("driverId")
	if !matchIdentity(w, r, enforce, driverID) {
		return
	}
	limit := parseLimit(r, 50)
	rides, err := h.controller.ListForDriver(r.Context(), driverID, limit)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rides)
}

// AcceptRide implements accept(driver, ride_id) (spec §4.6).
func (h *Handler) AcceptRide(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.store != nil || h.auth.db != nil
	if !requireRole(w, r, enforce, dispatch.RoleDriver, dispatch.RoleAdmin) {
		return
	}
	identity, _ := identityFromContext(r.Context())
	driverID := identity.ID
	if driverID == "" {
		driverID = r.URL.Query().Get("driverId")
	}
	rideID := chi.URLParam(r, "rideID")

	start := time.Now()
	ride, err := h.controller.Accept(r.Context(), driverID, rideID)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	metrics.AcceptLatency.Observe(time.Since(start).Seconds())
	metrics.OffersOutcomeTotal.WithLabelValues("accepted").Inc()
	respondJSON(w, http.StatusOK, ride)
}

// RejectRide implements reject(driver, ride_id) (spec §4.5).
func (h *Handler) RejectRide(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.store != nil || h.auth.db != nil
	if !requireRole(w, r, enforce, dispatch.RoleDriver, dispatch.RoleAdmin) {
		return
	}
	identity, _ := identityFromContext(r.Context())
	driverID := identity.ID
	if driverID == "" {
		driverID = r.URL.Query().Get("driverId")
	}
	rideID := chi.URLParam(r, "rideID")
	if err := h.controller.Reject(r.Context(), driverID, rideID); err != nil {
		writeDispatchError(w, err)
		return
	}
	metrics.OffersOutcomeTotal.WithLabelValues("rejected").Inc()
	w.WriteHeader(http.StatusNoContent)
}

type cancelPayload struct {
	Reason string `json:"reason,omitempty"`
}

// CancelRide implements cancel_by_passenger/cancel_by_driver (spec §4.6),
// dispatching on the caller's identified role.
func (h *Handler) CancelRide(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.store != nil || h.auth.db != nil
	identity, ok := identityFromContext(r.Context())
	rideID := chi.URLParam(r, "rideID")
	var payload cancelPayload
	_ = json.NewDecoder(r.Body).Decode(&payload)

	var (
		ride dispatch.RideRequest
		err  error
	)
	switch {
	case !enforce:
		actorID := r.URL.Query().Get("actorId")
		if r.URL.Query().Get("role") == string(dispatch.RoleDriver) {
			ride, err = h.controller.CancelByDriver(r.Context(), actorID, rideID, payload.Reason)
		} else {
			ride, err = h.controller.CancelByPassenger(r.Context(), actorID, rideID, payload.Reason)
		}
	case !ok:
		respondError(w, http.StatusUnauthorized, dispatch.ErrUnauthorized, "unauthorized")
		return
	case identity.Role == dispatch.RoleDriver:
		ride, err = h.controller.CancelByDriver(r.Context(), identity.ID, rideID, payload.Reason)
	default:
		ride, err = h.controller.CancelByPassenger(r.Context(), identity.ID, rideID, payload.Reason)
	}
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	metrics.RidesTotal.WithLabelValues(string(ride.Status)).Inc()
	respondJSON(w, http.StatusOK, ride)
}

// CompleteRide implements complete(driver, ride_id) (spec §4.6).
func (h *Handler) CompleteRide(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.store != nil || h.auth.db != nil
	if !requireRole(w, r, enforce, dispatch.RoleDriver, dispatch.RoleAdmin) {
		return
	}
	identity, _ := identityFromContext(r.Context())
	driverID := identity.ID
	if driverID == "" {
		driverID = r.URL.Query().Get("driverId")
	}
	rideID := chi.URLParam(r, "rideID")
	ride, err := h.controller.Complete(r.Context(), driverID, rideID)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	metrics.RidesTotal.WithLabelValues(string(ride.Status)).Inc()
	respondJSON(w, http.StatusOK, ride)
}

func (h *Handler) ListRideEvents(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.store != nil || h.auth.db != nil
	if !requireRole(w, r, enforce, dispatch.RoleAdmin) {
		return
	}
	rideID := chi.URLParam(r, "rideID")
	limit := parseLimit(r, 100)
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}
	events, err := h.controller.Events(r.Context(), rideID, limit, offset)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

type registerPayload struct {
	Role dispatch.IdentityRole `json:"role"`
}

func (h *Handler) RegisterIdentity(w http.ResponseWriter, r *http.Request) {
	var payload registerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, dispatch.ErrValidation, "invalid payload")
		return
	}
	if h.auth.store == nil {
		respondError(w, http.StatusServiceUnavailable, dispatch.ErrInternal, "auth not configured")
		return
	}
	identity, err := h.auth.store.Register(payload.Role, h.auth.ttl)
	if err != nil {
		respondError(w, http.StatusBadRequest, dispatch.ErrValidation, err.Error())
		return
	}
	if h.auth.db != nil {
		if saved, err := h.auth.db.Save(r.Context(), identity, h.auth.ttl); err == nil {
			identity = saved
		}
	}
	respondJSON(w, http.StatusCreated, identity)
}

// RideWebsocket upgrades a connection and enrolls it in the caller's party
// group plus, whenever the URL names a ride, that ride's group. Whether the
// caller is a party to the named ride is not checked.
func (h *Handler) RideWebsocket(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.auth.authorized(r)
	if !ok && (h.auth.store != nil || h.auth.db != nil) {
		respondError(w, http.StatusUnauthorized, dispatch.ErrUnauthorized, "unauthorized")
		return
	}
	partyID := identity.ID
	if partyID == "" {
		partyID = r.URL.Query().Get("partyId")
	}
	var extra []string
	if rideID := chi.URLParam(r, "rideID"); rideID != "" {
		extra = append(extra, registry.RideGroup(rideID))
	}
	if identity.Role == dispatch.RoleDriver {
		extra = append(extra, registry.DriverGroup(partyID))
	}
	conn, err := h.registry.Connect(w, r, partyID, identity.Role, extra...)
	if err != nil {
		return
	}
	metrics.WebsocketConnections.Inc()
	go func() {
		<-r.Context().Done()
		metrics.WebsocketConnections.Dec()
	}()
}

func parseLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// writeDispatchError maps a dispatch.Error's stable code to an HTTP status
// (spec §7); anything uncoded falls back to 500.
func writeDispatchError(w http.ResponseWriter, err error) {
	code := dispatch.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case dispatch.ErrValidation:
		status = http.StatusBadRequest
	case dispatch.ErrActiveRideExists, dispatch.ErrRideNotCancellable, dispatch.ErrDriverNotAvailable:
		status = http.StatusConflict
	case dispatch.ErrRideNotFound, dispatch.ErrOfferNotFound:
		status = http.StatusNotFound
	case dispatch.ErrRideNotAvailable, dispatch.ErrOfferExpired:
		status = http.StatusGone
	case dispatch.ErrUnauthorized:
		status = http.StatusForbidden
	}
	respondError(w, status, code, err.Error())
}
