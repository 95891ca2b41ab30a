// Package dispatch holds the domain model shared by the storage, matching,
// and lifecycle layers: users, driver profiles, ride requests, offers, and
// the stable error codes callers observe.
package dispatch

import (
	"fmt"
	"time"
)

// IdentityRole is the set of roles the ambient auth layer can issue tokens for.
// Admin can list ride events (§E); the HTTP handlers also accept an admin
// token wherever they accept a driver or passenger token.
type IdentityRole string

const (
	RolePassenger IdentityRole = "passenger"
	RoleDriver    IdentityRole = "driver"
	RoleAdmin     IdentityRole = "admin"
)

// Identity is an authenticated party: a passenger, a driver, or an admin
// observer. Issued and validated by internal/auth; never mutated by the
// dispatch core itself.
type Identity struct {
	ID        string       `json:"id"`
	Role      IdentityRole `json:"role"`
	Token     string       `json:"token"`
	ExpiresAt *time.Time   `json:"expiresAt,omitempty"`
}

// DriverStatus is the presence/availability state of a DriverProfile.
type DriverStatus string

const (
	DriverOffline  DriverStatus = "offline"
	DriverAvailable DriverStatus = "available"
	DriverBusy     DriverStatus = "busy"
)

// Coordinate is a single point fix, optionally timestamped.
type Coordinate struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	At        time.Time `json:"timestamp"`
}

// DriverProfile is the durable row backing a driver user. Live position is
// not authoritative here — the Presence Index owns the hot-path copy; this
// struct records the last value accepted by C7/C5 for cold reads (GetCurrentRide,
// seeding, restart recovery).
type DriverProfile struct {
	DriverID           string       `json:"driverId"`
	VehicleNumber      string       `json:"vehicleNumber"`
	Status             DriverStatus `json:"status"`
	LastLat            float64      `json:"lastLat"`
	LastLon            float64      `json:"lastLon"`
	LastLocationUpdate time.Time    `json:"lastLocationUpdate"`
}

// RideStatus is the RideRequest state machine's vertex set (spec §4.6).
type RideStatus string

const (
	RidePending         RideStatus = "pending"
	RideAccepted        RideStatus = "accepted"
	RideNoDrivers       RideStatus = "no_drivers"
	RideCompleted       RideStatus = "completed"
	RideCancelledUser   RideStatus = "cancelled_user"
	RideCancelledDriver RideStatus = "cancelled_driver"
)

// Terminal reports whether a ride in this status can never transition again.
func (s RideStatus) Terminal() bool {
	switch s {
	case RideCompleted, RideCancelledUser, RideCancelledDriver, RideNoDrivers:
		return true
	default:
		return false
	}
}

// RideRequest is one passenger booking.
type RideRequest struct {
	ID                 string     `json:"id"`
	PassengerID        string     `json:"passengerId"`
	DriverID           string     `json:"driverId,omitempty"`
	PickupLat          float64    `json:"pickupLat"`
	PickupLon          float64    `json:"pickupLon"`
	PickupAddress      string     `json:"pickupAddress,omitempty"`
	DropoffAddress     string     `json:"dropoffAddress,omitempty"`
	NumberOfPassengers int        `json:"numberOfPassengers"`
	BroadcastRadiusM   float64    `json:"broadcastRadiusM"`
	Status             RideStatus `json:"status"`
	RequestedAt        time.Time  `json:"requestedAt"`
	AcceptedAt         *time.Time `json:"acceptedAt,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	CancelledAt        *time.Time `json:"cancelledAt,omitempty"`
	CancellationReason string     `json:"cancellationReason,omitempty"`
}

// OfferStatus is the RideOffer state machine's vertex set (spec §4.5); it is
// monotone, pending -> {accepted, rejected, expired}, no returns.
type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
	OfferExpired  OfferStatus = "expired"
)

// RideOffer is one entry in a ride's ordered candidate queue.
type RideOffer struct {
	ID          int64       `json:"id"`
	RideID      string      `json:"rideId"`
	DriverID    string      `json:"driverId"`
	Order       int         `json:"order"`
	Status      OfferStatus `json:"status"`
	SentAt      *time.Time  `json:"sentAt,omitempty"`
	RespondedAt *time.Time  `json:"respondedAt,omitempty"`
}

// RideEvent is an append-only audit trail entry, an observability feature
// (§E).
type RideEvent struct {
	RideID    string    `json:"rideId"`
	Type      string    `json:"type"`
	Payload   []byte    `json:"payload,omitempty"`
	ActorID   string    `json:"actorId,omitempty"`
	ActorRole string    `json:"actorRole,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ErrorCode is the stable vocabulary from spec §7.
type ErrorCode string

const (
	ErrValidation         ErrorCode = "VALIDATION"
	ErrActiveRideExists   ErrorCode = "ACTIVE_RIDE_EXISTS"
	ErrRideNotFound       ErrorCode = "RIDE_NOT_FOUND"
	ErrRideNotAvailable   ErrorCode = "RIDE_NOT_AVAILABLE"
	ErrRideNotCancellable ErrorCode = "RIDE_NOT_CANCELLABLE"
	ErrDriverNotAvailable ErrorCode = "DRIVER_NOT_AVAILABLE"
	ErrOfferNotFound      ErrorCode = "OFFER_NOT_FOUND"
	ErrOfferExpired       ErrorCode = "OFFER_EXPIRED"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrInternal           ErrorCode = "INTERNAL"
)

// Error is the single typed error carried across every component boundary
// named in spec §7. It never wraps a panic: callers translate it directly to
// an HTTP status in internal/api.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the stable error code from err, defaulting to INTERNAL for
// anything the core didn't originate itself.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if de, ok := err.(*Error); ok {
		return de.Code
	}
	return ErrInternal
}
