package geo

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrStaleLocation marks a GPS update older than the stored one. Out-of-order
// delivery is expected; callers log and drop these rather than surfacing them.
var ErrStaleLocation = errors.New("stale location update")

// Predicate filters candidates beyond availability, e.g. extended-area or
// parcel preference checks.
type Predicate func(models.Driver) bool

// Candidate is a driver paired with its distance to the query point.
type Candidate struct {
	Driver     models.Driver
	DistanceKm float64
}

// Index is the minimal interface required by the broadcast scheduler and
// the match arbiter.
type Index interface {
	UpsertLocation(driverID string, loc models.Coord, at time.Time) error
	SetStatus(driverID string, status models.DriverStatus)
	SetPreferences(driverID string, acceptExtendedArea, acceptParcel bool)
	Get(driverID string) (models.Driver, bool)
	Query(p models.Coord, radiusKm float64, pred Predicate) []Candidate
}

// MemIndex is an in-memory Index guarded by a RWMutex. In prod deployments
// the Redis-backed variant shares state across instances; this one serves
// single-node runs and tests.
type MemIndex struct {
	mu             sync.RWMutex
	drivers        map[string]models.Driver
	availableSince map[string]time.Time
}

func NewMemIndex() *MemIndex {
	return &MemIndex{
		drivers:        make(map[string]models.Driver),
		availableSince: make(map[string]time.Time),
	}
}

// UpsertLocation replaces a driver's last-known position. The newest
// timestamp always wins: an update older than the stored one is rejected.
func (g *MemIndex) UpsertLocation(driverID string, loc models.Coord, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if ok && at.Before(d.LocUpdated) {
		return ErrStaleLocation
	}
	if !ok {
		d = models.Driver{ID: driverID, Status: models.DriverUnavailable}
	}
	d.Loc = loc
	d.LocUpdated = at
	g.drivers[driverID] = d
	return nil
}

// SetStatus is idempotent; setting the current status again is a no-op.
func (g *MemIndex) SetStatus(driverID string, status models.DriverStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		d = models.Driver{ID: driverID}
	}
	if d.Status == status {
		return
	}
	// Availability-time accounting: accumulate while the driver sits in
	// available, snapshot on entry.
	if d.Status == models.DriverAvailable {
		if since, ok := g.availableSince[driverID]; ok {
			d.AvailableToday += time.Since(since)
			delete(g.availableSince, driverID)
		}
	}
	if status == models.DriverAvailable {
		g.availableSince[driverID] = time.Now()
	}
	d.Status = status
	g.drivers[driverID] = d
}

func (g *MemIndex) SetPreferences(driverID string, acceptExtendedArea, acceptParcel bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		d = models.Driver{ID: driverID, Status: models.DriverUnavailable}
	}
	d.AcceptExtendedArea = acceptExtendedArea
	d.AcceptParcel = acceptParcel
	g.drivers[driverID] = d
}

func (g *MemIndex) Get(driverID string) (models.Driver, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	return d, ok
}

// RecordCancellation bumps the driver's daily cancellation counter and
// suspends the driver once it passes the allowed maximum.
func (g *MemIndex) RecordCancellation(driverID string) models.DriverStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return models.DriverUnavailable
	}
	d.CancellationsToday++
	if d.CancellationsToday > models.MaxDailyCancellations {
		d.Status = models.DriverSuspended
	}
	g.drivers[driverID] = d
	return d.Status
}

// Query returns available drivers within radiusKm of p, sorted by ascending
// distance with driver id as the deterministic tie-break. A nil predicate
// accepts everyone. An empty index yields an empty slice, never an error.
func (g *MemIndex) Query(p models.Coord, radiusKm float64, pred Predicate) []Candidate {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Candidate, 0, len(g.drivers))
	for _, d := range g.drivers {
		if d.Status != models.DriverAvailable {
			continue
		}
		if pred != nil && !pred(d) {
			continue
		}
		dist := HaversineKm(p.Lat, p.Lon, d.Loc.Lat, d.Loc.Lon)
		if dist > radiusKm {
			continue
		}
		out = append(out, Candidate{Driver: d, DistanceKm: dist})
	}
	SortCandidates(out)
	return out
}

// SortCandidates orders by distance, then driver id for determinism.
func SortCandidates(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].DistanceKm != cs[j].DistanceKm {
			return cs[i].DistanceKm < cs[j].DistanceKm
		}
		return cs[i].Driver.ID < cs[j].Driver.ID
	})
}

// HaversineKm is the great-circle distance in kilometres.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
