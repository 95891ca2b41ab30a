// Package registry implements the Session Registry (C4): the mapping from
// an authenticated party to a live push channel, with named groups for
// direct, role-scoped, and per-ride delivery (spec §4.4).
//
// Built as a channel-based register/unregister loop guarding a connection
// map, one WriteJSON per fan-out target, with three group classes
// (party_<id>, driver_<id>, ride_<id>) sharing one connection table.
package registry

import (
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"turbodriver/internal/dispatch"
)

func PartyGroup(partyID string) string { return "party_" + partyID }
func DriverGroup(driverID string) string { return "driver_" + driverID }
func RideGroup(rideID string) string { return "ride_" + rideID }

// DisconnectHook is invoked once per connection teardown, after the registry
// has already removed the party from every group it was in. role is empty
// for connections that never identified a role.
type DisconnectHook func(partyID string, role dispatch.IdentityRole)

type partyInfo struct {
	partyID string
	role    dispatch.IdentityRole
}

type registration struct {
	conn   *websocket.Conn
	info   partyInfo
	groups []string
}

// Registry is the live connection table. One Registry serves the whole
// process; callers obtain it from cmd/server wiring.
type Registry struct {
	mu         sync.RWMutex
	groups     map[string]map[*websocket.Conn]struct{}
	connGroups map[*websocket.Conn]map[string]struct{}
	connInfo   map[*websocket.Conn]partyInfo

	register   chan registration
	unregister chan *websocket.Conn
	onDisconnect DisconnectHook
}

func New(onDisconnect DisconnectHook) *Registry {
	return &Registry{
		groups:       make(map[string]map[*websocket.Conn]struct{}),
		connGroups:   make(map[*websocket.Conn]map[string]struct{}),
		connInfo:     make(map[*websocket.Conn]partyInfo),
		register:     make(chan registration),
		unregister:   make(chan *websocket.Conn),
		onDisconnect: onDisconnect,
	}
}

// Run drives the registration/unregistration loop; callers start it in its
// own goroutine at process startup.
func (r *Registry) Run() {
	for {
		select {
		case reg := <-r.register:
			r.mu.Lock()
			r.connInfo[reg.conn] = reg.info
			r.connGroups[reg.conn] = make(map[string]struct{})
			for _, g := range reg.groups {
				r.joinLocked(reg.conn, g)
			}
			r.mu.Unlock()
		case conn := <-r.unregister:
			r.mu.Lock()
			info := r.connInfo[conn]
			for g := range r.connGroups[conn] {
				r.leaveLocked(conn, g)
			}
			delete(r.connGroups, conn)
			delete(r.connInfo, conn)
			r.mu.Unlock()
			conn.Close()
			if r.onDisconnect != nil && info.partyID != "" {
				r.onDisconnect(info.partyID, info.role)
			}
		}
	}
}

func (r *Registry) joinLocked(conn *websocket.Conn, group string) {
	set, ok := r.groups[group]
	if !ok {
		set = make(map[*websocket.Conn]struct{})
		r.groups[group] = set
	}
	set[conn] = struct{}{}
	r.connGroups[conn][group] = struct{}{}
}

func (r *Registry) leaveLocked(conn *websocket.Conn, group string) {
	if set, ok := r.groups[group]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(r.groups, group)
		}
	}
	delete(r.connGroups[conn], group)
}

// Connect upgrades the HTTP request to a WebSocket and registers the
// connection under partyID's direct group plus any extra groups supplied
// (e.g. a driver's role-scoped group, or a ride group for the duration of
// an active ride). A background goroutine detects disconnect by reading
// until the connection errors.
func (r *Registry) Connect(w http.ResponseWriter, req *http.Request, partyID string, role dispatch.IdentityRole, extraGroups ...string) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return nil, err
	}

	groups := append([]string{PartyGroup(partyID)}, extraGroups...)
	r.register <- registration{conn: conn, info: partyInfo{partyID: partyID, role: role}, groups: groups}

	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				r.unregister <- conn
				return
			}
		}
	}()

	_ = conn.WriteJSON(map[string]any{"type": "connection_established"})
	return conn, nil
}

// JoinGroup adds an already-registered connection to an additional group;
// a connection the registry does not know is ignored. (Accepted rides use
// JoinGroupsForRide instead.)
func (r *Registry) JoinGroup(conn *websocket.Conn, group string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connGroups[conn]; !ok {
		return
	}
	r.joinLocked(conn, group)
}

func (r *Registry) LeaveGroup(conn *websocket.Conn, group string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.connGroups[conn]; !ok {
		return
	}
	r.leaveLocked(conn, group)
}

// JoinGroupsForRide enrolls every connection currently belonging to
// driverID's and passengerID's direct groups into the ride's group, so
// both parties start receiving ride_<id> traffic (e.g. a tracking
// listener) for the remainder of the trip. Connections that join later
// via Connect's extraGroups parameter don't need this; this covers
// connections that were already live when the ride transitioned.
func (r *Registry) JoinGroupsForRide(rideID, driverID, passengerID string) {
	group := RideGroup(rideID)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, partyID := range []string{driverID, passengerID} {
		for conn := range r.groups[PartyGroup(partyID)] {
			r.joinLocked(conn, group)
		}
	}
}

// SendToChannel delivers payload to exactly one party's direct group.
// Delivery is at-most-once and best-effort: a write failure tears down that
// connection rather than propagating an error to the caller.
func (r *Registry) SendToChannel(partyID string, payload any) int {
	return r.SendToGroup(PartyGroup(partyID), payload)
}

// SendToGroup fans payload out to every connection currently in group.
// Returns the number of connections the write was attempted on.
func (r *Registry) SendToGroup(group string, payload any) int {
	r.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(r.groups[group]))
	for c := range r.groups[group] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.WriteJSON(payload); err != nil {
			log.Printf("registry: write failed on group %s: %v", group, err)
			select {
			case r.unregister <- conn:
			default:
				go func(c *websocket.Conn) { r.unregister <- c }(conn)
			}
		}
	}
	return len(conns)
}

// GroupSize reports how many live connections belong to group, without
// exposing the connections themselves.
func (r *Registry) GroupSize(group string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[group])
}

// String is a debug helper.
func (r *Registry) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("registry{groups=%d, conns=%d}", len(r.groups), len(r.connInfo))
}
