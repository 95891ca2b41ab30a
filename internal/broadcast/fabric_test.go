package broadcast

import (
	"testing"
	"time"

	"turbodriver/internal/dispatch"
	"turbodriver/internal/presence"
	"turbodriver/internal/registry"
)

func newFabric(t *testing.T, minInterval time.Duration) (*Fabric, presence.Index) {
	t.Helper()
	idx := presence.NewMemoryIndex(presence.Config{Precision: 6, MinUpdateDistanceM: 10, DriverTTL: time.Minute, SubscriptionTTL: time.Minute})
	reg := registry.New(nil)
	go reg.Run()
	return New(idx, reg, minInterval), idx
}

func TestBroadcastDriverLocationRateLimitsWithinWindow(t *testing.T) {
	f, _ := newFabric(t, time.Minute)

	first := f.BroadcastDriverLocation("d1", 28.6139, 77.2090, "NYC-1", dispatch.DriverAvailable, false)
	if first.Outcome != "delivered" {
		t.Fatalf("expected first update delivered, got %+v", first)
	}

	second := f.BroadcastDriverLocation("d1", 28.6200, 77.2100, "NYC-1", dispatch.DriverAvailable, false)
	if second.Outcome != "rate_limited" {
		t.Fatalf("expected second update within the window to be rate_limited, got %+v", second)
	}
}

func TestBroadcastDriverLocationForceBypassesRateLimit(t *testing.T) {
	f, _ := newFabric(t, time.Minute)

	f.BroadcastDriverLocation("d1", 28.6139, 77.2090, "NYC-1", dispatch.DriverAvailable, false)
	forced := f.BroadcastDriverLocation("d1", 28.6200, 77.2100, "NYC-1", dispatch.DriverAvailable, true)
	if forced.Outcome != "delivered" {
		t.Fatalf("expected forced update to bypass rate limit, got %+v", forced)
	}
}

func TestBroadcastDriverLocationBelowMinDistanceNotMoved(t *testing.T) {
	f, _ := newFabric(t, time.Nanosecond)

	f.BroadcastDriverLocation("d1", 28.6139, 77.2090, "NYC-1", dispatch.DriverAvailable, false)
	report := f.BroadcastDriverLocation("d1", 28.61390001, 77.20900001, "NYC-1", dispatch.DriverAvailable, false)
	if report.Outcome != "not_moved" {
		t.Fatalf("expected sub-threshold move to be not_moved, got %+v", report)
	}
}

func TestBroadcastDriverLocationNotifiesSubscribersInRange(t *testing.T) {
	f, idx := newFabric(t, 0)

	if _, err := idx.SubscribePassenger("p1", "ws-1", 28.6139, 77.2090, 1000); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := idx.SubscribePassenger("p2", "ws-2", 28.9000, 77.9000, 1000); err != nil {
		t.Fatalf("subscribe far passenger: %v", err)
	}

	report := f.BroadcastDriverLocation("d1", 28.6139, 77.2090, "NYC-1", dispatch.DriverAvailable, false)
	if report.Outcome != "delivered" {
		t.Fatalf("expected delivered, got %+v", report)
	}
	if report.Notified != 1 {
		t.Fatalf("expected exactly one subscriber notified, got %d (examined=%d)", report.Notified, report.Examined)
	}
}

func TestBroadcastDriverStatusOfflineRemovesFromPresence(t *testing.T) {
	f, idx := newFabric(t, 0)

	f.BroadcastDriverLocation("d1", 28.6139, 77.2090, "NYC-1", dispatch.DriverAvailable, false)
	f.BroadcastDriverStatus("d1", 28.6139, 77.2090, "NYC-1", dispatch.DriverOffline)

	results, err := idx.QueryNearby(28.6139, 77.2090, 1000, 0, "")
	if err != nil {
		t.Fatalf("query nearby: %v", err)
	}
	for _, r := range results {
		if r.DriverID == "d1" {
			t.Fatalf("expected d1 removed from presence after going offline")
		}
	}
}
