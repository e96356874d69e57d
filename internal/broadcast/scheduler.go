// Package broadcast owns the lifecycle of an outstanding request: candidate
// queries, notify batches, timeout-driven radius expansion, and expiry.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// ErrNoDriversAvailable is terminal for a request: the radius and time
// budget ran out without an acceptance.
var ErrNoDriversAvailable = errors.New("no drivers available")

// ErrOutOfServiceArea rejects pickups or destinations beyond the service
// boundary at creation time.
var ErrOutOfServiceArea = errors.New("point outside service area")

// Scheduler drives one goroutine per broadcasting request so that a slow or
// expiring request never blocks another.
type Scheduler struct {
	index    geo.Index
	store    storage.RequestStore
	notifier dispatch.Notifier
	alerter  dispatch.RiderAlerter
	cfg      config.BroadcastConfig
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*run
}

type run struct {
	done    chan struct{}
	rejects chan string
	once    sync.Once
}

func (r *run) finish() {
	r.once.Do(func() { close(r.done) })
}

func NewScheduler(index geo.Index, store storage.RequestStore, notifier dispatch.Notifier, alerter dispatch.RiderAlerter, cfg config.BroadcastConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		index:    index,
		store:    store,
		notifier: notifier,
		alerter:  alerter,
		cfg:      cfg,
		logger:   logger,
		active:   make(map[string]*run),
	}
}

// Classify buckets a point by its distance from the service center.
// The second return is false when the point is out of the service area.
func (s *Scheduler) Classify(p models.Coord) (models.Zone, bool) {
	d := geo.HaversineKm(s.cfg.ServiceCenterLat, s.cfg.ServiceCenterLon, p.Lat, p.Lon)
	switch {
	case d <= s.cfg.CityCenterRadiusKm:
		return models.ZoneCityCenter, true
	case d <= s.cfg.ServiceAreaRadiusKm:
		return models.ZoneExtendedArea, true
	default:
		return "", false
	}
}

// InitialRadiusKm is the zone's starting search radius.
func (s *Scheduler) InitialRadiusKm(z models.Zone) float64 {
	r, _, _ := s.zoneParams(z)
	return r
}

// TotalBudget is the maximum wall time a request may spend broadcasting
// before it expires: the initial round plus every permitted expansion.
func (s *Scheduler) TotalBudget(z models.Zone) time.Duration {
	_, _, timeout := s.zoneParams(z)
	return time.Duration(s.cfg.MaxExpansions+1) * timeout
}

// Start launches the broadcast loop for a request already persisted as
// broadcasting. Starting an already-active request is a no-op.
func (s *Scheduler) Start(req *models.RideRequest) {
	s.mu.Lock()
	if _, exists := s.active[req.ID]; exists {
		s.mu.Unlock()
		return
	}
	r := &run{done: make(chan struct{}), rejects: make(chan string, 16)}
	s.active[req.ID] = r
	s.mu.Unlock()
	go s.loop(r, req)
}

// Finish stops the broadcast loop for a request that reached a terminal
// state elsewhere (match committed, cancel accepted).
func (s *Scheduler) Finish(requestID string) {
	s.mu.Lock()
	r, ok := s.active[requestID]
	delete(s.active, requestID)
	s.mu.Unlock()
	if ok {
		r.finish()
	}
}

// Reject drops the driver from the current round. It never restarts timers;
// when every driver of the outstanding batch has rejected, the next batch
// goes out early.
func (s *Scheduler) Reject(requestID, driverID string) {
	s.mu.Lock()
	r, ok := s.active[requestID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case r.rejects <- driverID:
	case <-r.done:
	default:
		// Reject buffer full; the driver was already out of the round.
	}
}

func (s *Scheduler) loop(r *run, req *models.RideRequest) {
	defer s.Finish(req.ID)
	ctx := context.Background()

	radius, step, roundTimeout := s.zoneParams(req.Zone)
	if req.RadiusKm > radius {
		radius = req.RadiusKm
	}
	pred := s.predicateFor(req)
	notified := make(map[string]bool, len(req.Notified))
	for _, id := range req.Notified {
		notified[id] = true
	}
	rejected := make(map[string]bool)

	for expansions := 0; ; expansions++ {
		if s.terminal(ctx, req.ID) {
			return
		}
		round := req.Rounds + expansions + 1
		if err := s.store.SetRadius(ctx, req.ID, radius, round); err != nil {
			s.logger.Error("radius update failed", "request_id", req.ID, "error", err)
		}
		deadline := time.Now().Add(roundTimeout)

		candidates := s.candidates(req, radius, pred, notified, rejected)
		s.logger.Info("broadcast round",
			"request_id", req.ID,
			"zone", req.Zone,
			"radius_km", radius,
			"round", round,
			"candidates", len(candidates),
		)

		if !s.runRound(r, req, candidates, deadline, notified, rejected, radius) {
			return
		}
		if s.terminal(ctx, req.ID) {
			return
		}

		if expansions >= s.cfg.MaxExpansions {
			s.expire(ctx, req)
			return
		}
		radius += step
		observability.RadiusExpansionsTotal.Inc()
	}
}

// runRound sends batches until the round deadline. Returns false when the
// request finished (done closed) during the round.
func (s *Scheduler) runRound(r *run, req *models.RideRequest, candidates []geo.Candidate, deadline time.Time, notified, rejected map[string]bool, radius float64) bool {
	ctx := context.Background()
	next := 0
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}

		batch := make([]geo.Candidate, 0, s.cfg.BatchSize)
		for next < len(candidates) && len(batch) < s.cfg.BatchSize {
			c := candidates[next]
			next++
			if notified[c.Driver.ID] || rejected[c.Driver.ID] {
				continue
			}
			batch = append(batch, c)
		}

		outstanding := make(map[string]bool, len(batch))
		if len(batch) > 0 {
			ids := make([]string, 0, len(batch))
			for _, c := range batch {
				payload := dispatch.Payload{
					Type:           dispatch.TypeOffer,
					RequestID:      req.ID,
					Pickup:         req.Pickup,
					Destination:    req.Destination,
					Fare:           req.Estimate,
					SearchRadiusKm: radius,
					Deadline:       deadline,
				}
				if err := s.notifier.Notify(c.Driver.ID, payload); err != nil {
					s.logger.Warn("notify failed", "request_id", req.ID, "driver_id", c.Driver.ID, "error", err)
				} else {
					observability.NotificationsTotal.Inc()
				}
				notified[c.Driver.ID] = true
				outstanding[c.Driver.ID] = true
				ids = append(ids, c.Driver.ID)
			}
			if err := s.store.AddNotified(ctx, req.ID, ids); err != nil {
				s.logger.Error("notified set update failed", "request_id", req.ID, "error", err)
			}
			observability.BroadcastRoundsTotal.Inc()
		}

		wait := s.cfg.BatchTimeout
		if remaining < wait {
			wait = remaining
		}
		if !s.waitBatch(r, rejected, outstanding, wait) {
			return false
		}
	}
}

// waitBatch blocks for the batch sub-timeout, ending early when the whole
// outstanding batch rejected. Returns false when the run finished.
func (s *Scheduler) waitBatch(r *run, rejected, outstanding map[string]bool, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	pending := len(outstanding)
	for {
		select {
		case <-r.done:
			return false
		case id := <-r.rejects:
			rejected[id] = true
			if outstanding[id] {
				delete(outstanding, id)
				pending--
				if pending <= 0 {
					return true
				}
			}
		case <-timer.C:
			return true
		}
	}
}

func (s *Scheduler) candidates(req *models.RideRequest, radius float64, pred geo.Predicate, notified, rejected map[string]bool) []geo.Candidate {
	all := s.index.Query(req.Pickup, radius, pred)
	out := make([]geo.Candidate, 0, len(all))
	for _, c := range all {
		if notified[c.Driver.ID] || rejected[c.Driver.ID] {
			continue
		}
		out = append(out, c)
	}
	return out
}

// predicateFor restricts candidates by the request's zone and kind:
// extended-area requests only reach drivers who opted into the extended
// area, parcel requests only reach drivers who carry parcels.
func (s *Scheduler) predicateFor(req *models.RideRequest) geo.Predicate {
	needExtended := req.Zone == models.ZoneExtendedArea
	needParcel := req.Kind == models.KindParcel
	if !needExtended && !needParcel {
		return nil
	}
	return func(d models.Driver) bool {
		if needExtended && !d.AcceptExtendedArea {
			return false
		}
		if needParcel && !d.AcceptParcel {
			return false
		}
		return true
	}
}

func (s *Scheduler) zoneParams(z models.Zone) (radius, step float64, roundTimeout time.Duration) {
	if z == models.ZoneExtendedArea {
		return s.cfg.InitialRadiusExtendedKm, s.cfg.StepExtendedKm, s.cfg.RoundTimeoutExtended
	}
	return s.cfg.InitialRadiusCityKm, s.cfg.StepCityKm, s.cfg.RoundTimeoutCity
}

func (s *Scheduler) terminal(ctx context.Context, requestID string) bool {
	cur, err := s.store.Get(ctx, requestID)
	if err != nil {
		return true
	}
	return cur.Status.Terminal()
}

// expire retries the status CAS until the request is terminal one way or
// the other; a concurrent match always takes precedence.
func (s *Scheduler) expire(ctx context.Context, req *models.RideRequest) {
	for {
		cur, err := s.store.Get(ctx, req.ID)
		if err != nil {
			return
		}
		if cur.Status.Terminal() {
			return
		}
		ok, err := s.store.UpdateStatus(ctx, req.ID, cur.Status, models.StatusExpired, cur.StatusVersion, "")
		if err != nil {
			s.logger.Error("expire failed", "request_id", req.ID, "error", err)
			return
		}
		if ok {
			observability.RequestsExpiredTotal.Inc()
			s.logger.Info("request expired, no drivers available", "request_id", req.ID)
			if s.alerter != nil {
				_ = s.alerter.NoDriverFound(cur.RiderID, req.ID)
			}
			return
		}
	}
}
