package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func newRequest(id string) *models.RideRequest {
	return &models.RideRequest{
		ID:        id,
		RiderID:   "rider-1",
		Status:    models.StatusBroadcasting,
		RadiusKm:  5,
		CreatedAt: time.Now(),
	}
}

func TestUpdateStatusCAS(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, newRequest("r1"))

	ok, err := s.UpdateStatus(ctx, "r1", models.StatusBroadcasting, models.StatusMatched, 0, "d1")
	if err != nil || !ok {
		t.Fatalf("first CAS must win: ok=%v err=%v", ok, err)
	}
	// Stale version loses.
	ok, err = s.UpdateStatus(ctx, "r1", models.StatusBroadcasting, models.StatusCancelled, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("stale CAS must lose")
	}
	r, _ := s.Get(ctx, "r1")
	if r.Status != models.StatusMatched || r.DriverID != "d1" || r.StatusVersion != 1 {
		t.Fatalf("unexpected state %+v", r)
	}
}

func TestUpdateStatusConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, newRequest("r1"))

	const n = 16
	var wg sync.WaitGroup
	wins := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := s.UpdateStatus(ctx, "r1", models.StatusBroadcasting, models.StatusMatched, 0, "d")
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)
	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}
}

func TestSetRadiusMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, newRequest("r1"))
	_ = s.SetRadius(ctx, "r1", 7, 1)
	_ = s.SetRadius(ctx, "r1", 3, 0) // must not shrink
	r, _ := s.Get(ctx, "r1")
	if r.RadiusKm != 7 || r.Rounds != 1 {
		t.Fatalf("radius must never shrink, got %+v", r)
	}
}

func TestAddNotifiedGrowsOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, newRequest("r1"))
	_ = s.AddNotified(ctx, "r1", []string{"a", "b"})
	_ = s.AddNotified(ctx, "r1", []string{"b", "c"})
	r, _ := s.Get(ctx, "r1")
	if len(r.Notified) != 3 {
		t.Fatalf("expected deduplicated growth to 3, got %v", r.Notified)
	}
}

func TestSaveMatchOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	m := &models.Match{RequestID: "r1", DriverID: "d1", MatchedAt: time.Now()}
	if err := s.SaveMatch(ctx, m); err != nil {
		t.Fatal(err)
	}
	err := s.SaveMatch(ctx, &models.Match{RequestID: "r1", DriverID: "d2"})
	if !errors.Is(err, ErrDuplicateMatch) {
		t.Fatalf("expected ErrDuplicateMatch, got %v", err)
	}
}

func TestMarkEscalatedIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, newRequest("r1"))
	first, err := s.MarkEscalated(ctx, "r1")
	if err != nil || !first {
		t.Fatalf("first mark must report true: %v %v", first, err)
	}
	second, err := s.MarkEscalated(ctx, "r1")
	if err != nil || second {
		t.Fatalf("second mark must report false: %v %v", second, err)
	}
}

func TestListDueScheduled(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	due := newRequest("due")
	due.Status = models.StatusScheduled
	at := now.Add(20 * time.Minute)
	due.ScheduledPickup = &at
	_ = s.Create(ctx, due)

	later := newRequest("later")
	later.Status = models.StatusScheduled
	lt := now.Add(2 * time.Hour)
	later.ScheduledPickup = &lt
	_ = s.Create(ctx, later)

	got, err := s.ListDueScheduled(ctx, now.Add(30*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "due" {
		t.Fatalf("expected only the due request, got %v", got)
	}
}

func TestGetMissing(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
