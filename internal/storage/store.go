package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound       = errors.New("request not found")
	ErrDuplicateMatch = errors.New("request already has a match")
)

// RequestStore defines persistence for ride requests and matches. Status
// transitions go through UpdateStatus, a compare-and-swap on (status,
// version): exactly one of any set of concurrent transitions wins.
type RequestStore interface {
	Create(ctx context.Context, r *models.RideRequest) error
	Get(ctx context.Context, id string) (*models.RideRequest, error)
	UpdateStatus(ctx context.Context, id string, from, to models.RequestStatus, version int, driverID string) (bool, error)
	SetRadius(ctx context.Context, id string, radiusKm float64, rounds int) error
	AddNotified(ctx context.Context, id string, driverIDs []string) error
	SaveMatch(ctx context.Context, m *models.Match) error
	GetMatch(ctx context.Context, requestID string) (*models.Match, error)
	SetFinalFare(ctx context.Context, id string, total int64) error
	SetCancelReason(ctx context.Context, id, reason string) error
	ListDueScheduled(ctx context.Context, pickupBy time.Time) ([]*models.RideRequest, error)
	ListEscalatable(ctx context.Context, pickupBy time.Time) ([]*models.RideRequest, error)
	MarkEscalated(ctx context.Context, id string) (bool, error)
}

// MemoryStore keeps requests in process memory. It backs tests and
// single-node runs; the Postgres store is the durable variant.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*models.RideRequest
	matches  map[string]*models.Match
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*models.RideRequest),
		matches:  make(map[string]*models.Match),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.Notified = append([]string(nil), r.Notified...)
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	cp.Notified = append([]string(nil), r.Notified...)
	return &cp, nil
}

// UpdateStatus applies the transition only when the stored status and
// version still match the caller's snapshot.
func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from, to models.RequestStatus, version int, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != from || r.StatusVersion != version {
		return false, nil
	}
	r.Status = to
	r.StatusVersion++
	if driverID != "" {
		r.DriverID = driverID
	}
	return true, nil
}

func (m *MemoryStore) SetRadius(_ context.Context, id string, radiusKm float64, rounds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	// Radius is monotonically non-decreasing for a request.
	if radiusKm > r.RadiusKm {
		r.RadiusKm = radiusKm
	}
	if rounds > r.Rounds {
		r.Rounds = rounds
	}
	return nil
}

func (m *MemoryStore) AddNotified(_ context.Context, id string, driverIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	for _, d := range driverIDs {
		if !r.WasNotified(d) {
			r.Notified = append(r.Notified, d)
		}
	}
	return nil
}

func (m *MemoryStore) SaveMatch(_ context.Context, match *models.Match) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.matches[match.RequestID]; exists {
		return ErrDuplicateMatch
	}
	cp := *match
	m.matches[match.RequestID] = &cp
	return nil
}

func (m *MemoryStore) GetMatch(_ context.Context, requestID string) (*models.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	match, ok := m.matches[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *match
	return &cp, nil
}

func (m *MemoryStore) SetFinalFare(_ context.Context, id string, total int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.FinalFare = total
	return nil
}

func (m *MemoryStore) SetCancelReason(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.CancelReason = reason
	return nil
}

func (m *MemoryStore) ListDueScheduled(_ context.Context, pickupBy time.Time) ([]*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.RideRequest
	for _, r := range m.requests {
		if r.Status != models.StatusScheduled || r.ScheduledPickup == nil {
			continue
		}
		if r.ScheduledPickup.After(pickupBy) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ListEscalatable(_ context.Context, pickupBy time.Time) ([]*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.RideRequest
	for _, r := range m.requests {
		if r.Status != models.StatusBroadcasting || r.ScheduledPickup == nil {
			continue
		}
		if r.EscalationSent || r.ScheduledPickup.After(pickupBy) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// MarkEscalated flips the escalation flag and reports whether this call was
// the first to do so, making the no-driver notification idempotent.
func (m *MemoryStore) MarkEscalated(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.EscalationSent {
		return false, nil
	}
	r.EscalationSent = true
	return true, nil
}
