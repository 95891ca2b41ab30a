// Package presence implements the Presence Index (C2): an ephemeral,
// TTL-governed geospatial index of driver positions and passenger
// subscriptions, partitioned by geohash tile. It owns no durable state and
// never blocks the Durable Store on its hot path (spec §4.2).
//
// Two implementations satisfy Index: MemoryIndex (a flat map generalized
// into tile buckets) and RedisIndex (built on Redis GEO commands, extended
// with per-tile subscriber sets).
package presence

import (
	"sync"
	"time"

	"turbodriver/internal/dispatch"
	"turbodriver/internal/geo"
)

// DriverEntry is one presence row, annotated with distance when returned
// from a nearby query.
type DriverEntry struct {
	DriverID      string
	Lat, Lon      float64
	Tile          string
	VehicleNumber string
	Status        dispatch.DriverStatus
	LastSeen      time.Time
	DistanceM     float64
}

// SubEntry is a passenger's active viewport subscription.
type SubEntry struct {
	PassengerID string
	PushChannel string
	Lat, Lon    float64
	RadiusM     float64
	LastSeen    time.Time
}

// UpdateOutcome reports what changed on a driver position write.
type UpdateOutcome struct {
	Tile        string
	PrevTile    string
	Moved       bool
	TileChanged bool
}

// SubscribeOutcome is returned by SubscribePassenger: the tile set the
// subscription now covers, plus an immediate nearby snapshot.
type SubscribeOutcome struct {
	Tiles   map[string]struct{}
	Nearby  []DriverEntry
}

// Index is the Presence Index contract. Every method is best-effort: it
// never returns an error that should propagate as a fatal condition to a
// caller on the hot path (spec §4.2's failure semantics) — the error return
// exists for logging, not control flow.
type Index interface {
	UpdateDriver(driverID string, lat, lon float64, vehicleNumber string, status dispatch.DriverStatus) (UpdateOutcome, error)
	RemoveDriver(driverID string) error
	QueryNearby(lat, lon, radiusM float64, limit int, statusFilter dispatch.DriverStatus) ([]DriverEntry, error)
	SubscribePassenger(passengerID, pushChannel string, lat, lon, radiusM float64) (SubscribeOutcome, error)
	UnsubscribePassenger(passengerID string) error
	PassengersInTile(tile string) ([]SubEntry, error)
}

// Config carries the tunables from spec §6.4 that this package owns.
type Config struct {
	Precision          int
	MinUpdateDistanceM float64
	DriverTTL          time.Duration
	SubscriptionTTL    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Precision <= 0 {
		c.Precision = geo.DefaultPrecision
	}
	if c.MinUpdateDistanceM <= 0 {
		c.MinUpdateDistanceM = 10
	}
	if c.DriverTTL <= 0 {
		c.DriverTTL = 120 * time.Second
	}
	if c.SubscriptionTTL <= 0 {
		c.SubscriptionTTL = 300 * time.Second
	}
	return c
}

type driverRecord struct {
	DriverEntry
}

type subRecord struct {
	SubEntry
	tiles map[string]struct{}
}

// MemoryIndex is the tile-bucketed in-memory implementation: the default
// when REDIS_URL is unset, and the one unit tests substitute for a
// deterministic Presence Index (spec §9's re-architecture note).
type MemoryIndex struct {
	cfg Config

	mu          sync.RWMutex
	drivers     map[string]*driverRecord
	tileDrivers map[string]map[string]struct{}
	subs        map[string]*subRecord
	tileSubs    map[string]map[string]struct{}
}

func NewMemoryIndex(cfg Config) *MemoryIndex {
	cfg = cfg.withDefaults()
	return &MemoryIndex{
		cfg:         cfg,
		drivers:     make(map[string]*driverRecord),
		tileDrivers: make(map[string]map[string]struct{}),
		subs:        make(map[string]*subRecord),
		tileSubs:    make(map[string]map[string]struct{}),
	}
}

func (m *MemoryIndex) UpdateDriver(driverID string, lat, lon float64, vehicleNumber string, status dispatch.DriverStatus) (UpdateOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tile := geo.Encode(lat, lon, m.cfg.Precision)
	prev, existed := m.drivers[driverID]

	moved := true
	prevTile := ""
	if existed {
		prevTile = prev.Tile
		d := geo.DistanceMeters(prev.Lat, prev.Lon, lat, lon)
		moved = d >= m.cfg.MinUpdateDistanceM
		m.removeFromTileLocked(driverID, prev.Tile)
	}

	rec := &driverRecord{DriverEntry{
		DriverID:      driverID,
		Lat:           lat,
		Lon:           lon,
		Tile:          tile,
		VehicleNumber: vehicleNumber,
		Status:        status,
		LastSeen:      time.Now(),
	}}
	m.drivers[driverID] = rec

	if status == dispatch.DriverAvailable {
		m.addToTileLocked(driverID, tile)
	}

	return UpdateOutcome{
		Tile:        tile,
		PrevTile:    prevTile,
		Moved:       moved,
		TileChanged: !existed || tile != prevTile,
	}, nil
}

func (m *MemoryIndex) addToTileLocked(driverID, tile string) {
	set, ok := m.tileDrivers[tile]
	if !ok {
		set = make(map[string]struct{})
		m.tileDrivers[tile] = set
	}
	set[driverID] = struct{}{}
}

func (m *MemoryIndex) removeFromTileLocked(driverID, tile string) {
	set, ok := m.tileDrivers[tile]
	if !ok {
		return
	}
	delete(set, driverID)
	if len(set) == 0 {
		delete(m.tileDrivers, tile)
	}
}

func (m *MemoryIndex) RemoveDriver(driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.drivers[driverID]
	if !ok {
		return nil
	}
	m.removeFromTileLocked(driverID, rec.Tile)
	delete(m.drivers, driverID)
	return nil
}

func (m *MemoryIndex) QueryNearby(lat, lon, radiusM float64, limit int, statusFilter dispatch.DriverStatus) ([]DriverEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tiles := geo.Cover(lat, lon, radiusM, m.cfg.Precision)
	cutoff := time.Now().Add(-m.cfg.DriverTTL)
	seen := make(map[string]struct{})
	var out []DriverEntry

	for tile := range tiles {
		for driverID := range m.tileDrivers[tile] {
			if _, dup := seen[driverID]; dup {
				continue
			}
			seen[driverID] = struct{}{}
			rec, ok := m.drivers[driverID]
			if !ok {
				continue
			}
			if statusFilter != "" && rec.Status != statusFilter {
				continue
			}
			if rec.LastSeen.Before(cutoff) {
				continue
			}
			dist := geo.DistanceMeters(lat, lon, rec.Lat, rec.Lon)
			if dist > radiusM {
				continue
			}
			entry := rec.DriverEntry
			entry.DistanceM = dist
			out = append(out, entry)
		}
	}

	sortByDistance(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryIndex) SubscribePassenger(passengerID, pushChannel string, lat, lon, radiusM float64) (SubscribeOutcome, error) {
	tiles := geo.Cover(lat, lon, radiusM, m.cfg.Precision)

	m.mu.Lock()
	if prev, ok := m.subs[passengerID]; ok {
		for t := range prev.tiles {
			m.removeSubFromTileLocked(passengerID, t)
		}
	}
	rec := &subRecord{
		SubEntry: SubEntry{
			PassengerID: passengerID,
			PushChannel: pushChannel,
			Lat:         lat,
			Lon:         lon,
			RadiusM:     radiusM,
			LastSeen:    time.Now(),
		},
		tiles: tiles,
	}
	m.subs[passengerID] = rec
	for t := range tiles {
		m.addSubToTileLocked(passengerID, t)
	}
	m.mu.Unlock()

	nearby, _ := m.QueryNearby(lat, lon, radiusM, 0, dispatch.DriverAvailable)
	return SubscribeOutcome{Tiles: tiles, Nearby: nearby}, nil
}

func (m *MemoryIndex) addSubToTileLocked(passengerID, tile string) {
	set, ok := m.tileSubs[tile]
	if !ok {
		set = make(map[string]struct{})
		m.tileSubs[tile] = set
	}
	set[passengerID] = struct{}{}
}

func (m *MemoryIndex) removeSubFromTileLocked(passengerID, tile string) {
	set, ok := m.tileSubs[tile]
	if !ok {
		return
	}
	delete(set, passengerID)
	if len(set) == 0 {
		delete(m.tileSubs, tile)
	}
}

func (m *MemoryIndex) UnsubscribePassenger(passengerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.subs[passengerID]
	if !ok {
		return nil
	}
	for t := range rec.tiles {
		m.removeSubFromTileLocked(passengerID, t)
	}
	delete(m.subs, passengerID)
	return nil
}

func (m *MemoryIndex) PassengersInTile(tile string) ([]SubEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-m.cfg.SubscriptionTTL)
	var out []SubEntry
	for passengerID := range m.tileSubs[tile] {
		rec, ok := m.subs[passengerID]
		if !ok || rec.LastSeen.Before(cutoff) {
			continue
		}
		out = append(out, rec.SubEntry)
	}
	return out, nil
}

func sortByDistance(entries []DriverEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].DistanceM < entries[j-1].DistanceM; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
