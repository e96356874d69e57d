package schedule

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakeBroadcaster struct {
	mu      sync.Mutex
	started []string
}

func (b *fakeBroadcaster) Start(req *models.RideRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = append(b.started, req.ID)
}

func (b *fakeBroadcaster) startedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.started...)
}

type fakeAlerter struct {
	mu    sync.Mutex
	calls []string
}

func (a *fakeAlerter) NoDriverFound(riderID, requestID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, requestID)
	return nil
}

func (a *fakeAlerter) alerted() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func newTrigger(t *testing.T) (*Trigger, *storage.MemoryStore, *fakeBroadcaster, *fakeAlerter, time.Time) {
	t.Helper()
	store := storage.NewMemoryStore()
	b := &fakeBroadcaster{}
	a := &fakeAlerter{}
	cfg := config.ScheduleConfig{
		SweepInterval:  time.Minute,
		PromoteLead:    30 * time.Minute,
		EscalationLead: 15 * time.Minute,
	}
	tr := NewTrigger(store, b, a, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	return tr, store, b, a, now
}

func scheduled(id string, pickup time.Time) *models.RideRequest {
	return &models.RideRequest{
		ID:              id,
		RiderID:         "rider-1",
		Status:          models.StatusScheduled,
		ScheduledPickup: &pickup,
	}
}

func TestPromotesWithinLead(t *testing.T) {
	tr, store, b, _, now := newTrigger(t)
	ctx := context.Background()
	_ = store.Create(ctx, scheduled("soon", now.Add(20*time.Minute)))
	_ = store.Create(ctx, scheduled("later", now.Add(2*time.Hour)))

	tr.Sweep(ctx)

	started := b.startedIDs()
	if len(started) != 1 || started[0] != "soon" {
		t.Fatalf("only the due request may start, got %v", started)
	}
	r, _ := store.Get(ctx, "soon")
	if r.Status != models.StatusBroadcasting {
		t.Fatalf("promoted request must be broadcasting, got %s", r.Status)
	}
	r, _ = store.Get(ctx, "later")
	if r.Status != models.StatusScheduled {
		t.Fatalf("distant request must stay scheduled, got %s", r.Status)
	}
}

func TestPromoteOnlyOnce(t *testing.T) {
	tr, store, b, _, now := newTrigger(t)
	ctx := context.Background()
	_ = store.Create(ctx, scheduled("soon", now.Add(10*time.Minute)))

	tr.Sweep(ctx)
	tr.Sweep(ctx)

	if got := b.startedIDs(); len(got) != 1 {
		t.Fatalf("repeat sweeps must not re-promote, got %v", got)
	}
}

func TestEscalatesOnceNearPickup(t *testing.T) {
	tr, store, b, a, now := newTrigger(t)
	ctx := context.Background()
	_ = store.Create(ctx, scheduled("urgent", now.Add(10*time.Minute)))

	tr.Sweep(ctx) // promotes; 10 min lead also makes it escalatable
	tr.Sweep(ctx)
	tr.Sweep(ctx)

	alerted := a.alerted()
	if len(alerted) != 1 || alerted[0] != "urgent" {
		t.Fatalf("exactly one escalation expected, got %v", alerted)
	}
	r, _ := store.Get(ctx, "urgent")
	if r.Status != models.StatusBroadcasting {
		t.Fatalf("escalated request must keep broadcasting, got %s", r.Status)
	}
	if !r.EscalationSent {
		t.Fatal("escalation flag must be set")
	}
	if got := b.startedIDs(); len(got) != 1 {
		t.Fatalf("escalation must not restart broadcasting, got %v", got)
	}
}

func TestNoEscalationBeforeLead(t *testing.T) {
	tr, store, _, a, now := newTrigger(t)
	ctx := context.Background()
	_ = store.Create(ctx, scheduled("soon", now.Add(25*time.Minute)))

	tr.Sweep(ctx) // promotes, but pickup is still 25 min out

	if got := a.alerted(); len(got) != 0 {
		t.Fatalf("no escalation before the 15-minute lead, got %v", got)
	}
}

func TestCancelledScheduledNotPromoted(t *testing.T) {
	tr, store, b, _, now := newTrigger(t)
	ctx := context.Background()
	r := scheduled("gone", now.Add(10*time.Minute))
	r.Status = models.StatusCancelled
	_ = store.Create(ctx, r)

	tr.Sweep(ctx)

	if got := b.startedIDs(); len(got) != 0 {
		t.Fatalf("cancelled request must not start, got %v", got)
	}
}
