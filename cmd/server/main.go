package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"turbodriver/internal/api"
	"turbodriver/internal/auth"
	"turbodriver/internal/broadcast"
	"turbodriver/internal/dispatch"
	"turbodriver/internal/offers"
	"turbodriver/internal/presence"
	"turbodriver/internal/registry"
	"turbodriver/internal/rides"
	"turbodriver/internal/storage"
	"turbodriver/internal/timer"
)

func main() {
	addr := envOrDefault("HTTP_ADDR", ":8080")
	env := envOrDefault("ENV", "dev")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, pool, authMem, identityDB, idem, authTTL := initStore(ctx, env)

	idx := initPresence(ctx, env)
	reg := registry.New(func(partyID string, role dispatch.IdentityRole) {
		switch role {
		case dispatch.RoleDriver:
			_ = idx.RemoveDriver(partyID)
		case dispatch.RolePassenger:
			_ = idx.UnsubscribePassenger(partyID)
		}
	})
	go reg.Run()

	fabric := broadcast.New(idx, reg, parseDuration(envOrDefault("MIN_BROADCAST_INTERVAL_MS", "500")+"ms"))
	sched := timer.NewScheduler()
	offerTimeout := parseDuration(envOrDefault("OFFER_TIMEOUT_S", "20") + "s")
	matcher := offers.NewMatcher(repo, idx, reg, sched, offerTimeout)
	controller := rides.NewController(repo, matcher, reg, idem)

	sweepInterval := parseDuration(envOrDefault("SWEEPER_INTERVAL_S", "5") + "s")
	sweeper := timer.NewSweeper(sweepInterval, func(sctx context.Context) (int, error) {
		expired, err := repo.ExpiredPendingOffers(sctx, offerTimeout)
		if err != nil {
			return 0, err
		}
		for _, o := range expired {
			if _, err := matcher.ExpireAndAdvance(sctx, o.ID); err != nil {
				log.Printf("sweeper: expire offer %d: %v", o.ID, err)
			}
		}
		return len(expired), nil
	})
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go sweeper.Run(sweepCtx)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		rctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if pool != nil {
			if err := pool.Ping(rctx); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	var drivers api.DriverStore
	if repo != nil {
		drivers = repo
	}
	api.AttachRoutes(r, controller, idx, reg, fabric, drivers, authMem, identityDB, authTTL)

	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("turbodriver API listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func parseDuration(val string) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0
	}
	return d
}

func parseIntEnv(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseFloatEnv(key string, def float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def
	}
	return f
}

// initStore wires the Durable Store (C1): Postgres when DATABASE_URL is
// set, otherwise the process stays up with repo == nil and every storage
// call fails closed — acceptable for local presence/broadcast-only smoke
// testing, fatal in prod.
func initStore(ctx context.Context, env string) (*storage.Repository, *pgxpool.Pool, *auth.InMemoryStore, *storage.IdentityStore, rides.Idempotency, time.Duration) {
	dbURL := os.Getenv("DATABASE_URL")
	authEnabled := envOrDefault("AUTH_MODE", "memory")
	authTTL := parseDuration(envOrDefault("AUTH_TTL", "720h"))
	idemTTL := parseDuration(envOrDefault("IDEMPOTENCY_TTL", "30m"))

	var (
		repo    *storage.Repository
		pool    *pgxpool.Pool
		authMem *auth.InMemoryStore
		idDB    *storage.IdentityStore
		idem    rides.Idempotency
	)

	if dbURL != "" {
		p, err := storage.DefaultPool(ctx, dbURL)
		if err != nil {
			log.Printf("database connection failed: %v", err)
			if env == "prod" {
				log.Fatal("DATABASE_URL required in prod")
			}
		} else if err := storage.ApplySchema(ctx, p); err != nil {
			log.Printf("schema init failed: %v", err)
			if env == "prod" {
				log.Fatal("schema init required in prod")
			}
		} else {
			log.Printf("using PostgreSQL persistence")
			repo = storage.NewRepository(p)
			pool = p
			idDB = storage.NewIdentityStore(p)
			if err := idDB.EnsureSchema(ctx); err != nil {
				log.Printf("identity schema init failed: %v", err)
				idDB = nil
			}
			idem = storage.NewIdempotencyStore(p, idemTTL)
		}
	}
	if idem == nil {
		idem = rides.NewMemoryIdempotency(idemTTL)
	}

	if authEnabled == "memory" {
		authMem = auth.NewInMemoryStore()
		log.Printf("auth: in-memory token issuance enabled")
		if idDB != nil {
			seedIdentities(ctx, idDB, authMem)
		}
	}

	if env == "prod" && repo == nil {
		log.Fatal("DATABASE_URL required in prod")
	}
	return repo, pool, authMem, idDB, idem, authTTL
}

// initPresence wires the Presence Index (C2): Redis when REDIS_URL is set
// (shared across replicas, survives restart), in-memory otherwise.
func initPresence(ctx context.Context, env string) presence.Index {
	cfg := presence.Config{
		Precision:          parseIntEnv("GEOHASH_PRECISION", 6),
		MinUpdateDistanceM: parseFloatEnv("MIN_UPDATE_DISTANCE_METERS", 10),
		DriverTTL:          parseDuration(envOrDefault("DRIVER_PRESENCE_TTL_S", "120") + "s"),
		SubscriptionTTL:    parseDuration(envOrDefault("PASSENGER_SUB_TTL_S", "300") + "s"),
	}
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return presence.NewMemoryIndex(cfg)
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("redis URL parse error, presence fallback to in-memory: %v", err)
		if env == "prod" {
			log.Fatal("REDIS_URL parse failed in prod")
		}
		return presence.NewMemoryIndex(cfg)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("redis unreachable, presence fallback to in-memory: %v", err)
		if env == "prod" {
			log.Fatal("redis reachable required in prod")
		}
		return presence.NewMemoryIndex(cfg)
	}
	log.Printf("using Redis presence index")
	return presence.NewRedisIndex(client, cfg)
}

func seedIdentities(ctx context.Context, db *storage.IdentityStore, mem *auth.InMemoryStore) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	all, err := db.All(ctx)
	if err != nil {
		log.Printf("failed to preload identities: %v", err)
		return
	}
	for _, ident := range all {
		mem.Seed(ident)
	}
}
