package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"turbodriver/internal/dispatch"
	"turbodriver/internal/geo"
)

const (
	driverGeoKey    = "presence:drivers:geo"
	driverMetaKey   = "presence:driver:"
	subMetaKeyBase  = "presence:sub:"
	subTileKeyBase  = "presence:subtile:"
)

// RedisIndex backs the Presence Index with a Redis GEO set for driver
// positions plus per-tile SADD subscriber sets with EXPIRE for TTL,
// matching the tile-partitioned subscription model described in spec §4.2.
// Used whenever REDIS_URL is set, so the index survives API process
// restarts and is shared across replicas.
type RedisIndex struct {
	client *redis.Client
	cfg    Config
}

func NewRedisIndex(client *redis.Client, cfg Config) *RedisIndex {
	return &RedisIndex{client: client, cfg: cfg.withDefaults()}
}

func (r *RedisIndex) UpdateDriver(driverID string, lat, lon float64, vehicleNumber string, status dispatch.DriverStatus) (UpdateOutcome, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tile := geo.Encode(lat, lon, r.cfg.Precision)
	metaKey := driverMetaKey + driverID

	prevVals, err := r.client.HMGet(ctx, metaKey, "lat", "lon", "tile").Result()
	moved := true
	prevTile := ""
	if err == nil && prevVals[0] != nil && prevVals[1] != nil {
		prevLat, _ := strconv.ParseFloat(fmt.Sprint(prevVals[0]), 64)
		prevLon, _ := strconv.ParseFloat(fmt.Sprint(prevVals[1]), 64)
		if prevVals[2] != nil {
			prevTile = fmt.Sprint(prevVals[2])
		}
		d := geo.DistanceMeters(prevLat, prevLon, lat, lon)
		moved = d >= r.cfg.MinUpdateDistanceM
		if prevTile != "" {
			_ = r.client.SRem(ctx, "presence:tiledrivers:"+prevTile, driverID).Err()
		}
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, metaKey, map[string]any{
		"lat":      lat,
		"lon":      lon,
		"tile":     tile,
		"vehicle":  vehicleNumber,
		"status":   string(status),
		"lastSeen": time.Now().Unix(),
	})
	pipe.Expire(ctx, metaKey, r.cfg.DriverTTL)
	if status == dispatch.DriverAvailable {
		pipe.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{Name: driverID, Longitude: lon, Latitude: lat})
		pipe.SAdd(ctx, "presence:tiledrivers:"+tile, driverID)
		pipe.Expire(ctx, "presence:tiledrivers:"+tile, r.cfg.DriverTTL)
	} else {
		pipe.ZRem(ctx, driverGeoKey, driverID)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return UpdateOutcome{}, err
	}

	return UpdateOutcome{
		Tile:        tile,
		PrevTile:    prevTile,
		Moved:       moved,
		TileChanged: tile != prevTile,
	}, nil
}

func (r *RedisIndex) RemoveDriver(driverID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	metaKey := driverMetaKey + driverID
	tile, _ := r.client.HGet(ctx, metaKey, "tile").Result()
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, driverGeoKey, driverID)
	pipe.Del(ctx, metaKey)
	if tile != "" {
		pipe.SRem(ctx, "presence:tiledrivers:"+tile, driverID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisIndex) QueryNearby(lat, lon, radiusM float64, limit int, statusFilter dispatch.DriverStatus) ([]DriverEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	query := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lon,
			Latitude:   lat,
			Radius:     radiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithDist:  true,
		WithCoord: true,
	}
	if limit > 0 {
		query.Count = limit
	}
	results, err := r.client.GeoSearchLocation(ctx, driverGeoKey, query).Result()
	if err != nil {
		return nil, err
	}

	out := make([]DriverEntry, 0, len(results))
	for _, res := range results {
		metaKey := driverMetaKey + res.Name
		meta, err := r.client.HGetAll(ctx, metaKey).Result()
		if err != nil || len(meta) == 0 {
			continue
		}
		status := dispatch.DriverStatus(meta["status"])
		if statusFilter != "" && status != statusFilter {
			continue
		}
		out = append(out, DriverEntry{
			DriverID:      res.Name,
			Lat:           res.Latitude,
			Lon:           res.Longitude,
			Tile:          meta["tile"],
			VehicleNumber: meta["vehicle"],
			Status:        status,
			DistanceM:     res.Dist,
		})
	}
	return out, nil
}

func (r *RedisIndex) SubscribePassenger(passengerID, pushChannel string, lat, lon, radiusM float64) (SubscribeOutcome, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tiles := geo.Cover(lat, lon, radiusM, r.cfg.Precision)
	metaKey := subMetaKeyBase + passengerID

	prevTilesRaw, _ := r.client.HGet(ctx, metaKey, "tiles").Result()
	pipe := r.client.TxPipeline()
	for _, t := range splitTiles(prevTilesRaw) {
		pipe.SRem(ctx, subTileKeyBase+t, passengerID)
	}
	pipe.HSet(ctx, metaKey, map[string]any{
		"channel":  pushChannel,
		"lat":      lat,
		"lon":      lon,
		"radius":   radiusM,
		"tiles":    joinTiles(tiles),
		"lastSeen": time.Now().Unix(),
	})
	pipe.Expire(ctx, metaKey, r.cfg.SubscriptionTTL)
	for t := range tiles {
		pipe.SAdd(ctx, subTileKeyBase+t, passengerID)
		pipe.Expire(ctx, subTileKeyBase+t, r.cfg.SubscriptionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return SubscribeOutcome{}, err
	}

	nearby, _ := r.QueryNearby(lat, lon, radiusM, 0, dispatch.DriverAvailable)
	return SubscribeOutcome{Tiles: tiles, Nearby: nearby}, nil
}

func (r *RedisIndex) UnsubscribePassenger(passengerID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	metaKey := subMetaKeyBase + passengerID
	tilesRaw, _ := r.client.HGet(ctx, metaKey, "tiles").Result()
	pipe := r.client.TxPipeline()
	for _, t := range splitTiles(tilesRaw) {
		pipe.SRem(ctx, subTileKeyBase+t, passengerID)
	}
	pipe.Del(ctx, metaKey)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisIndex) PassengersInTile(tile string) ([]SubEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	members, err := r.client.SMembers(ctx, subTileKeyBase+tile).Result()
	if err != nil {
		return nil, err
	}
	out := make([]SubEntry, 0, len(members))
	for _, passengerID := range members {
		meta, err := r.client.HGetAll(ctx, subMetaKeyBase+passengerID).Result()
		if err != nil || len(meta) == 0 {
			continue
		}
		lat, _ := strconv.ParseFloat(meta["lat"], 64)
		lon, _ := strconv.ParseFloat(meta["lon"], 64)
		radius, _ := strconv.ParseFloat(meta["radius"], 64)
		out = append(out, SubEntry{
			PassengerID: passengerID,
			PushChannel: meta["channel"],
			Lat:         lat,
			Lon:         lon,
			RadiusM:     radius,
		})
	}
	return out, nil
}

func joinTiles(tiles map[string]struct{}) string {
	out := ""
	for _, t := range geo.SortedTiles(tiles) {
		if out != "" {
			out += ","
		}
		out += t
	}
	return out
}

func splitTiles(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
