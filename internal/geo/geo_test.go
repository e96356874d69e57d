package geo

import (
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	if d := HaversineKm(23.8103, 90.4125, 23.8103, 90.4125); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestQueryEmptyIndex(t *testing.T) {
	g := NewMemIndex()
	got := g.Query(models.Coord{Lat: 1, Lon: 1}, 100, nil)
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %d", len(got))
	}
}

func TestQueryOrderingAndTieBreak(t *testing.T) {
	g := NewMemIndex()
	now := time.Now()
	// b and c share a position; a is nearer.
	_ = g.UpsertLocation("c", models.Coord{Lat: 0.02, Lon: 0}, now)
	_ = g.UpsertLocation("b", models.Coord{Lat: 0.02, Lon: 0}, now)
	_ = g.UpsertLocation("a", models.Coord{Lat: 0.01, Lon: 0}, now)
	for _, id := range []string{"a", "b", "c"} {
		g.SetStatus(id, models.DriverAvailable)
	}
	got := g.Query(models.Coord{Lat: 0, Lon: 0}, 10, nil)
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}
	order := []string{got[0].Driver.ID, got[1].Driver.ID, got[2].Driver.ID}
	if order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestQuerySamePointIncluded(t *testing.T) {
	g := NewMemIndex()
	_ = g.UpsertLocation("here", models.Coord{Lat: 5, Lon: 5}, time.Now())
	g.SetStatus("here", models.DriverAvailable)
	got := g.Query(models.Coord{Lat: 5, Lon: 5}, 1, nil)
	if len(got) != 1 || got[0].DistanceKm != 0 {
		t.Fatalf("degenerate distance must be 0 and included, got %+v", got)
	}
}

func TestQueryFiltersUnavailable(t *testing.T) {
	g := NewMemIndex()
	now := time.Now()
	_ = g.UpsertLocation("busy", models.Coord{Lat: 0.01, Lon: 0}, now)
	g.SetStatus("busy", models.DriverBusy)
	_ = g.UpsertLocation("ok", models.Coord{Lat: 0.02, Lon: 0}, now)
	g.SetStatus("ok", models.DriverAvailable)
	got := g.Query(models.Coord{Lat: 0, Lon: 0}, 10, nil)
	if len(got) != 1 || got[0].Driver.ID != "ok" {
		t.Fatalf("busy drivers must be excluded, got %+v", got)
	}
}

func TestQueryPredicate(t *testing.T) {
	g := NewMemIndex()
	now := time.Now()
	_ = g.UpsertLocation("x", models.Coord{Lat: 0.01, Lon: 0}, now)
	g.SetStatus("x", models.DriverAvailable)
	g.SetPreferences("x", false, false)
	_ = g.UpsertLocation("y", models.Coord{Lat: 0.02, Lon: 0}, now)
	g.SetStatus("y", models.DriverAvailable)
	g.SetPreferences("y", true, false)
	got := g.Query(models.Coord{Lat: 0, Lon: 0}, 10, func(d models.Driver) bool {
		return d.AcceptExtendedArea
	})
	if len(got) != 1 || got[0].Driver.ID != "y" {
		t.Fatalf("predicate must filter, got %+v", got)
	}
}

func TestUpsertRejectsStale(t *testing.T) {
	g := NewMemIndex()
	now := time.Now()
	if err := g.UpsertLocation("d", models.Coord{Lat: 1, Lon: 1}, now); err != nil {
		t.Fatal(err)
	}
	err := g.UpsertLocation("d", models.Coord{Lat: 2, Lon: 2}, now.Add(-time.Second))
	if !errors.Is(err, ErrStaleLocation) {
		t.Fatalf("expected ErrStaleLocation, got %v", err)
	}
	d, _ := g.Get("d")
	if d.Loc.Lat != 1 {
		t.Fatalf("stale update must not apply, got %+v", d.Loc)
	}
}

func TestSetStatusIdempotent(t *testing.T) {
	g := NewMemIndex()
	g.SetStatus("d", models.DriverAvailable)
	g.SetStatus("d", models.DriverAvailable)
	d, ok := g.Get("d")
	if !ok || d.Status != models.DriverAvailable {
		t.Fatalf("expected available, got %+v", d)
	}
}

func TestRecordCancellationSuspends(t *testing.T) {
	g := NewMemIndex()
	_ = g.UpsertLocation("d", models.Coord{}, time.Now())
	g.SetStatus("d", models.DriverAvailable)
	var st models.DriverStatus
	for i := 0; i < models.MaxDailyCancellations+1; i++ {
		st = g.RecordCancellation("d")
	}
	if st != models.DriverSuspended {
		t.Fatalf("expected suspension past %d cancellations, got %s", models.MaxDailyCancellations, st)
	}
}
