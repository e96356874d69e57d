package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
)

// fakeSink implements LocationSink for tests.
type fakeSink struct {
	failUpserts int // number of times UpsertLocation fails before succeeding
	stale       bool
	known       bool
	current     models.DriverStatus
	upserts     int
	statuses    []models.DriverStatus
}

func (f *fakeSink) UpsertLocation(driverID string, loc models.Coord, at time.Time) error {
	f.upserts++
	if f.stale {
		return geo.ErrStaleLocation
	}
	if f.upserts <= f.failUpserts {
		return errors.New("index down")
	}
	return nil
}

func (f *fakeSink) SetStatus(driverID string, status models.DriverStatus) {
	f.statuses = append(f.statuses, status)
}

func (f *fakeSink) Get(driverID string) (models.Driver, bool) {
	return models.Driver{ID: driverID, Status: f.current}, f.known
}

func update(available bool) ingest.LocationUpdate {
	return ingest.LocationUpdate{
		DriverID:   "d1",
		Loc:        models.Coord{Lat: 23.81, Lon: 90.41},
		RecordedAt: time.Now(),
		Available:  available,
	}
}

func TestApplyWithRetrySucceedsAfterRetries(t *testing.T) {
	f := &fakeSink{failUpserts: 1}
	start := time.Now()
	if err := applyWithRetry(context.Background(), f, update(true), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if f.upserts != 2 {
		t.Fatalf("upserts = %d, want 2", f.upserts)
	}
	if len(f.statuses) != 1 || f.statuses[0] != models.DriverAvailable {
		t.Fatalf("statuses = %v, want one available", f.statuses)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatal("expected at least one backoff")
	}
}

func TestApplyWithRetryFailsWhenExhausted(t *testing.T) {
	f := &fakeSink{failUpserts: 5}
	if err := applyWithRetry(context.Background(), f, update(true), 3, time.Millisecond); err == nil {
		t.Fatal("expected error after retries")
	}
	if f.upserts != 3 {
		t.Fatalf("upserts = %d, want 3", f.upserts)
	}
	if len(f.statuses) != 0 {
		t.Fatalf("failed update must not change status, got %v", f.statuses)
	}
}

func TestApplyWithRetryStaleIsNotRetried(t *testing.T) {
	f := &fakeSink{stale: true}
	err := applyWithRetry(context.Background(), f, update(true), 3, time.Millisecond)
	if !errors.Is(err, geo.ErrStaleLocation) {
		t.Fatalf("expected ErrStaleLocation, got %v", err)
	}
	if f.upserts != 1 {
		t.Fatalf("upserts = %d, want 1 (no retries for stale)", f.upserts)
	}
	// The position is out of order but the availability flag is current.
	if len(f.statuses) != 1 || f.statuses[0] != models.DriverAvailable {
		t.Fatalf("statuses = %v, want one available", f.statuses)
	}
}

func TestApplyWithRetryOfflineUpdateTakesDriverOffline(t *testing.T) {
	f := &fakeSink{known: true, current: models.DriverAvailable}
	if err := applyWithRetry(context.Background(), f, update(false), 3, time.Millisecond); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(f.statuses) != 1 || f.statuses[0] != models.DriverUnavailable {
		t.Fatalf("statuses = %v, want one unavailable", f.statuses)
	}
}

func TestApplyWithRetryKeepsBusyDriverStatus(t *testing.T) {
	for _, st := range []models.DriverStatus{models.DriverBusy, models.DriverSuspended} {
		f := &fakeSink{known: true, current: st}
		if err := applyWithRetry(context.Background(), f, update(false), 3, time.Millisecond); err != nil {
			t.Fatalf("%s: expected success, got %v", st, err)
		}
		if len(f.statuses) != 0 {
			t.Fatalf("%s driver status must not change, got %v", st, f.statuses)
		}
	}
}
