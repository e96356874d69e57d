package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisIndex implements Index on Redis GEO commands plus a metadata hash per
// driver. It is the multi-instance deployment backend; the consumer binary
// writes into the same keys.
type RedisIndex struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, ctx: context.Background()}
}

// NewRedisIndexFromClient wires an existing client, used by the consumer.
func NewRedisIndexFromClient(c *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: c, key: key, ctx: context.Background()}
}

func (r *RedisIndex) UpsertLocation(driverID string, loc models.Coord, at time.Time) error {
	stored, err := r.client.HGet(r.ctx, MetaKey(driverID), "updated").Result()
	if err == nil && stored != "" {
		if prev, perr := time.Parse(time.RFC3339Nano, stored); perr == nil && at.Before(prev) {
			return ErrStaleLocation
		}
	} else if err != nil && err != redis.Nil {
		return err
	}
	pipe := r.client.Pipeline()
	pipe.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: driverID})
	pipe.HSet(r.ctx, MetaKey(driverID), map[string]interface{}{
		"updated": at.UTC().Format(time.RFC3339Nano),
	})
	_, err = pipe.Exec(r.ctx)
	return err
}

func (r *RedisIndex) SetStatus(driverID string, status models.DriverStatus) {
	_ = r.client.HSet(r.ctx, MetaKey(driverID), "status", string(status)).Err()
}

func (r *RedisIndex) SetPreferences(driverID string, acceptExtendedArea, acceptParcel bool) {
	_ = r.client.HSet(r.ctx, MetaKey(driverID), map[string]interface{}{
		"accept_extended": strconv.FormatBool(acceptExtendedArea),
		"accept_parcel":   strconv.FormatBool(acceptParcel),
	}).Err()
}

func (r *RedisIndex) Get(driverID string) (models.Driver, bool) {
	pos, err := r.client.GeoPos(r.ctx, r.key, driverID).Result()
	if err != nil || len(pos) == 0 || pos[0] == nil {
		return models.Driver{}, false
	}
	d := models.Driver{ID: driverID, Loc: models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}}
	r.fillMeta(&d)
	return d, true
}

// Query searches the GEO set sorted by ascending distance, then filters on
// the metadata hash. Redis already sorts by distance; the id tie-break is
// re-applied locally for determinism.
func (r *RedisIndex) Query(p models.Coord, radiusKm float64, pred Predicate) []Candidate {
	res, err := r.client.GeoSearchLocation(r.ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lon,
			Latitude:   p.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		d := models.Driver{ID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lon: g.Longitude}}
		r.fillMeta(&d)
		if d.Status != models.DriverAvailable {
			continue
		}
		if pred != nil && !pred(d) {
			continue
		}
		out = append(out, Candidate{Driver: d, DistanceKm: g.Dist})
	}
	SortCandidates(out)
	return out
}

func (r *RedisIndex) fillMeta(d *models.Driver) {
	m, err := r.client.HGetAll(r.ctx, MetaKey(d.ID)).Result()
	if err != nil {
		return
	}
	if v, ok := m["status"]; ok {
		d.Status = models.DriverStatus(v)
	}
	if v, ok := m["accept_extended"]; ok {
		d.AcceptExtendedArea = v == "true"
	}
	if v, ok := m["accept_parcel"]; ok {
		d.AcceptParcel = v == "true"
	}
	if v, ok := m["updated"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			d.LocUpdated = t
		}
	}
	if v, ok := m["cancellations_today"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			d.CancellationsToday = n
		}
	}
}

// RecordCancellation increments the daily counter atomically and suspends
// the driver past the allowed maximum.
func (r *RedisIndex) RecordCancellation(driverID string) models.DriverStatus {
	n, err := r.client.HIncrBy(r.ctx, MetaKey(driverID), "cancellations_today", 1).Result()
	if err != nil {
		return models.DriverUnavailable
	}
	if n > int64(models.MaxDailyCancellations) {
		r.SetStatus(driverID, models.DriverSuspended)
		return models.DriverSuspended
	}
	d, ok := r.Get(driverID)
	if !ok {
		return models.DriverUnavailable
	}
	return d.Status
}

func MetaKey(driverID string) string { return "driver:meta:" + driverID }
