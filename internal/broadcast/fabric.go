// Package broadcast implements the Broadcast Fabric (C5): rate-limited,
// geo-filtered fan-out of driver position/status to exactly the passengers
// whose subscription covers the new position (spec §4.3). Built on C2
// (presence.Index) and C4 (registry.Registry); it introduces no new
// library: a hot mutation is guarded by a single critical section before
// side effects fan out.
package broadcast

import (
	"sync"
	"time"

	"turbodriver/internal/dispatch"
	"turbodriver/internal/geo"
	"turbodriver/internal/presence"
	"turbodriver/internal/registry"
)

// Report summarizes one broadcast attempt for logging/metrics.
type Report struct {
	Outcome    string // "delivered", "not_moved", "rate_limited"
	Examined   int
	Notified   int
}

// Fabric fans out presence updates. One Fabric per process; it is safe for
// concurrent use by many driver-update handlers.
type Fabric struct {
	presence    presence.Index
	registry    *registry.Registry
	minInterval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func New(idx presence.Index, reg *registry.Registry, minInterval time.Duration) *Fabric {
	if minInterval <= 0 {
		minInterval = 500 * time.Millisecond
	}
	return &Fabric{
		presence:    idx,
		registry:    reg,
		minInterval: minInterval,
		last:        make(map[string]time.Time),
	}
}

// BroadcastDriverLocation implements spec §4.3's main path: rate limit,
// update presence, enumerate neighbor tiles, exact-distance filter, deliver.
// Status+position update happens within one critical section (the fabric's
// mutex held across the rate-limit check and the presence write) before any
// fan-out begins, which is what gives per-passenger ordering its guarantee.
func (f *Fabric) BroadcastDriverLocation(driverID string, lat, lon float64, vehicleNumber string, status dispatch.DriverStatus, force bool) Report {
	outcome, tile := f.updateLocked(driverID, lat, lon, vehicleNumber, status, force)
	if outcome != "delivered" {
		return Report{Outcome: outcome}
	}

	payload := map[string]any{
		"type":      "driver_location_updated",
		"driver_id": driverID,
		"lat":       lat,
		"lon":       lon,
		"vehicle":   vehicleNumber,
		"status":    string(status),
		"tile":      tile,
	}
	examined, notified := f.fanOut(tile, lat, lon, driverID, payload)
	return Report{Outcome: "delivered", Examined: examined, Notified: notified}
}

// BroadcastDriverStatus pushes a driver_status_changed event and, if the
// driver went offline, removes them from the Presence Index entirely.
func (f *Fabric) BroadcastDriverStatus(driverID string, lat, lon float64, vehicleNumber string, status dispatch.DriverStatus) Report {
	outcome, tile := f.updateLocked(driverID, lat, lon, vehicleNumber, status, true)
	if status == dispatch.DriverOffline {
		_ = f.presence.RemoveDriver(driverID)
	}
	if outcome != "delivered" {
		return Report{Outcome: outcome}
	}

	payload := map[string]any{
		"type":      "driver_status_changed",
		"driver_id": driverID,
		"status":    string(status),
	}
	examined, notified := f.fanOut(tile, lat, lon, driverID, payload)
	return Report{Outcome: "delivered", Examined: examined, Notified: notified}
}

func (f *Fabric) updateLocked(driverID string, lat, lon float64, vehicleNumber string, status dispatch.DriverStatus, force bool) (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !force {
		if last, ok := f.last[driverID]; ok && time.Since(last) < f.minInterval {
			return "rate_limited", ""
		}
	}

	outcome, err := f.presence.UpdateDriver(driverID, lat, lon, vehicleNumber, status)
	f.last[driverID] = time.Now()
	if err != nil {
		return "rate_limited", ""
	}
	if !outcome.Moved && !force {
		return "not_moved", outcome.Tile
	}
	return "delivered", outcome.Tile
}

func (f *Fabric) fanOut(tile string, lat, lon float64, driverID string, payload map[string]any) (examined, notified int) {
	if tile == "" {
		return 0, 0
	}
	seen := make(map[string]struct{})
	for t := range geo.Neighbors(tile) {
		subs, err := f.presence.PassengersInTile(t)
		if err != nil {
			continue
		}
		for _, sub := range subs {
			if _, dup := seen[sub.PassengerID]; dup {
				continue
			}
			seen[sub.PassengerID] = struct{}{}
			examined++
			dist := geo.DistanceMeters(lat, lon, sub.Lat, sub.Lon)
			if dist > sub.RadiusM {
				continue
			}
			f.registry.SendToChannel(sub.PassengerID, payload)
			notified++
		}
	}
	return examined, notified
}
