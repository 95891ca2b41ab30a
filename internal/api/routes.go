package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"turbodriver/internal/auth"
	"turbodriver/internal/broadcast"
	"turbodriver/internal/dispatch"
	"turbodriver/internal/presence"
	"turbodriver/internal/registry"
	"turbodriver/internal/rides"
	"turbodriver/internal/storage"
)

// AttachRoutes wires HTTP routes to the presence, registry, broadcast, and
// rides components. The admin static-file route is dropped (no admin UI is
// in scope) and /metrics serves promhttp.Handler.
func AttachRoutes(r chi.Router, controller *rides.Controller, idx presence.Index, reg *registry.Registry, fabric *broadcast.Fabric, drivers DriverStore, authStore *auth.InMemoryStore, identityDB *storage.IdentityStore, defaultTTL time.Duration) {
	authCfg := newAuthConfig(authStore, identityDB, defaultTTL)
	handler := &Handler{
		controller: controller,
		presence:   idx,
		registry:   reg,
		fabric:     fabric,
		drivers:    drivers,
		auth:       authCfg,
		startTime:  time.Now(),
	}

	r.Use(metricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(JSONLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(pr chi.Router) {
		pr.Use(authCfg.middleware)
		pr.Post("/api/drivers/{driverID}/location", handler.UpdateDriverLocation)
		pr.Post("/api/drivers/{driverID}/status", handler.SetDriverStatus)
		pr.Post("/api/passengers/{passengerID}/subscribe", handler.SubscribePassenger)
		pr.Delete("/api/passengers/{passengerID}/subscribe", handler.UnsubscribePassenger)

		pr.Post("/api/rides", handler.RequestRide)
		pr.Get("/api/rides/{rideID}", handler.GetRide)
		pr.Get("/api/history/passenger", handler.ListPassengerRides)
		pr.Get("/api/history/driver", handler.ListDriverRides)
		pr.Post("/api/rides/{rideID}/accept", handler.AcceptRide)
		pr.Post("/api/rides/{rideID}/reject", handler.RejectRide)
		pr.Post("/api/rides/{rideID}/cancel", handler.CancelRide)
		pr.Post("/api/rides/{rideID}/complete", handler.CompleteRide)
	})

	r.Group(func(pr chi.Router) {
		pr.Use(authCfg.middleware)
		pr.Post("/api/auth/register", handler.RegisterIdentity)
		pr.Get("/api/admin/rides/{rideID}/events", handler.ListRideEvents)
	})

	r.Get("/ws", handler.RideWebsocket)
	r.Get("/ws/rides/{rideID}", handler.RideWebsocket)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func respondError(w http.ResponseWriter, status int, code dispatch.ErrorCode, msg string) {
	respondJSON(w, status, map[string]string{"error": msg, "code": string(code)})
}
