// Package engine is the caller-facing facade of the dispatch core: request
// creation and fare estimation, driver availability, and the accept /
// reject / cancel / complete surface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/arbiter"
	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/routing"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrInvalidCoordinates = errors.New("invalid coordinates")
	ErrDriverSuspended    = errors.New("driver is suspended")
	ErrInvalidTransition  = errors.New("invalid state transition")
)

// Settlement is the narrow payments surface the engine drives: hold the
// estimate on match, capture the final fare on completion, release on
// cancellation, charge cancellation fees.
type Settlement interface {
	Hold(ctx context.Context, amount int64, currency, riderID string) (string, error)
	Capture(ctx context.Context, holdID string, amount int64) error
	Release(ctx context.Context, holdID string) error
	ChargeFee(ctx context.Context, amount int64, currency, riderID string) error
}

// CancellationRecorder is implemented by geo indexes that track per-driver
// daily cancellation counters.
type CancellationRecorder interface {
	RecordCancellation(driverID string) models.DriverStatus
}

type Engine struct {
	index     geo.Index
	store     storage.RequestStore
	rates     fare.Rates
	scheduler *broadcast.Scheduler
	arb       *arbiter.Arbiter
	settle    Settlement
	distance  routing.Estimator
	logger    *slog.Logger

	surgeDefault    int64
	cancellationFee int64

	mu    sync.Mutex
	holds map[string]string // request id -> settlement hold id
}

func New(index geo.Index, store storage.RequestStore, rates fare.Rates, scheduler *broadcast.Scheduler, arb *arbiter.Arbiter, settle Settlement, distance routing.Estimator, surgeDefault, cancellationFee int64, logger *slog.Logger) *Engine {
	e := &Engine{
		index:           index,
		store:           store,
		rates:           rates,
		scheduler:       scheduler,
		arb:             arb,
		settle:          settle,
		distance:        distance,
		logger:          logger,
		surgeDefault:    surgeDefault,
		cancellationFee: cancellationFee,
		holds:           make(map[string]string),
	}
	arb.OnMatched = e.onMatched
	return e
}

// CreateRequest validates, prices, persists, and (unless scheduled for
// later) starts broadcasting a new request. Validation failures are
// synchronous; no broadcast work happens for an invalid request.
func (e *Engine) CreateRequest(ctx context.Context, riderID string, pickup, destination models.Coord, kind models.RideKind, size models.ParcelSize, scheduledPickup *time.Time) (*models.RideRequest, error) {
	if riderID == "" {
		return nil, fmt.Errorf("%w: missing rider id", ErrInvalidCoordinates)
	}
	if !pickup.Valid() || !destination.Valid() {
		return nil, ErrInvalidCoordinates
	}
	zone, ok := e.scheduler.Classify(pickup)
	if !ok {
		return nil, broadcast.ErrOutOfServiceArea
	}
	if _, ok := e.scheduler.Classify(destination); !ok {
		return nil, broadcast.ErrOutOfServiceArea
	}

	dist, err := e.distance.DistanceKm(ctx, pickup, destination)
	if err != nil {
		return nil, err
	}
	estimate, err := e.rates.Estimate(dist, e.surgeDefault, kind, size)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	req := &models.RideRequest{
		ID:          uuid.NewString(),
		RiderID:     riderID,
		Pickup:      pickup,
		Destination: destination,
		Kind:        kind,
		ParcelSize:  size,
		Zone:        zone,
		Estimate:    estimate,
		Status:      models.StatusBroadcasting,
		RadiusKm:    e.scheduler.InitialRadiusKm(zone),
		CreatedAt:   now,
		Deadline:    now.Add(e.scheduler.TotalBudget(zone)),
	}
	if scheduledPickup != nil {
		t := *scheduledPickup
		req.ScheduledPickup = &t
		req.Status = models.StatusScheduled
		req.Deadline = t
	}

	if err := e.store.Create(ctx, req); err != nil {
		return nil, err
	}
	if req.Status == models.StatusBroadcasting {
		e.scheduler.Start(req)
	}
	e.logger.Info("request created",
		"request_id", req.ID,
		"rider_id", riderID,
		"kind", kind,
		"zone", zone,
		"estimate", estimate.Total,
		"scheduled", req.Status == models.StatusScheduled,
	)
	return req, nil
}

// SetDriverAvailability toggles a driver on or off shift, updating the geo
// index with the reported location. Stale GPS updates are logged and
// dropped, never surfaced.
func (e *Engine) SetDriverAvailability(ctx context.Context, driverID string, available bool, loc models.Coord, at time.Time) error {
	if !loc.Valid() {
		return ErrInvalidCoordinates
	}
	prev := models.DriverUnavailable
	if d, ok := e.index.Get(driverID); ok {
		prev = d.Status
		if d.Status == models.DriverSuspended {
			return ErrDriverSuspended
		}
		if d.Status == models.DriverBusy {
			return fmt.Errorf("%w: driver is on a trip", ErrInvalidTransition)
		}
	}
	if err := e.index.UpsertLocation(driverID, loc, at); err != nil {
		if errors.Is(err, geo.ErrStaleLocation) {
			observability.StaleLocationsTotal.Inc()
			e.logger.Debug("stale location dropped", "driver_id", driverID, "reported_at", at)
		} else {
			return err
		}
	}
	next := models.DriverUnavailable
	if available {
		next = models.DriverAvailable
	}
	e.index.SetStatus(driverID, next)
	if prev != next {
		if available {
			observability.DriversOnline.Inc()
		} else {
			observability.DriversOnline.Dec()
		}
	}
	return nil
}

// SetDriverPreferences records the extended-area and parcel opt-ins.
func (e *Engine) SetDriverPreferences(driverID string, acceptExtendedArea, acceptParcel bool) {
	e.index.SetPreferences(driverID, acceptExtendedArea, acceptParcel)
}

// AcceptRequest forwards the driver's accept into the match arbiter.
func (e *Engine) AcceptRequest(ctx context.Context, requestID, driverID string) (*models.Match, error) {
	if d, ok := e.index.Get(driverID); ok && d.Status == models.DriverSuspended {
		return nil, ErrDriverSuspended
	}
	return e.arb.AttemptAccept(ctx, requestID, driverID)
}

// RejectRequest drops the driver from the request's current round.
func (e *Engine) RejectRequest(ctx context.Context, requestID, driverID string) {
	e.scheduler.Reject(requestID, driverID)
}

// CancelRequest cancels a scheduled or broadcasting request on the rider's
// behalf. Once drivers have been engaged a cancellation fee applies. A
// cancel losing the race to a committed match fails with ErrTooLate.
func (e *Engine) CancelRequest(ctx context.Context, requestID, actorID, reason string) (int64, error) {
	req, err := e.store.Get(ctx, requestID)
	if err != nil {
		return 0, err
	}
	if err := e.arb.Cancel(ctx, requestID, reason); err != nil {
		return 0, err
	}
	e.scheduler.Finish(requestID)

	var fee int64
	if actorID == req.RiderID && len(req.Notified) > 0 {
		fee = e.cancellationFee
		if e.settle != nil && fee > 0 {
			if err := e.settle.ChargeFee(ctx, fee, req.Estimate.Currency, req.RiderID); err != nil {
				e.logger.Error("cancellation fee charge failed", "request_id", requestID, "error", err)
			}
		}
	}
	e.logger.Info("request cancelled", "request_id", requestID, "actor_id", actorID, "fee", fee)
	return fee, nil
}

// CancelMatch handles a driver backing out after being matched. The match
// record is immutable, so the ride is re-broadcast as a brand new request;
// the driver's daily cancellation counter grows and can suspend them.
func (e *Engine) CancelMatch(ctx context.Context, requestID, driverID, reason string) (*models.RideRequest, error) {
	req, err := e.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.StatusMatched || req.DriverID != driverID {
		return nil, ErrInvalidTransition
	}
	ok, err := e.store.UpdateStatus(ctx, requestID, models.StatusMatched, models.StatusCancelled, req.StatusVersion, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidTransition
	}
	_ = e.store.SetCancelReason(ctx, requestID, "driver cancelled: "+reason)
	e.releaseHold(ctx, requestID)

	status := models.DriverAvailable
	if rec, ok := e.index.(CancellationRecorder); ok {
		if st := rec.RecordCancellation(driverID); st == models.DriverSuspended {
			status = models.DriverSuspended
			e.logger.Warn("driver suspended for excess cancellations", "driver_id", driverID)
		}
	}
	e.index.SetStatus(driverID, status)

	replacement := &models.RideRequest{
		ID:          uuid.NewString(),
		RiderID:     req.RiderID,
		Pickup:      req.Pickup,
		Destination: req.Destination,
		Kind:        req.Kind,
		ParcelSize:  req.ParcelSize,
		Zone:        req.Zone,
		Estimate:    req.Estimate,
		Status:      models.StatusBroadcasting,
		RadiusKm:    e.scheduler.InitialRadiusKm(req.Zone),
		CreatedAt:   time.Now(),
		Deadline:    time.Now().Add(e.scheduler.TotalBudget(req.Zone)),
	}
	if err := e.store.Create(ctx, replacement); err != nil {
		return nil, err
	}
	e.scheduler.Start(replacement)
	e.logger.Info("match cancelled by driver, re-broadcasting",
		"request_id", requestID,
		"driver_id", driverID,
		"replacement_id", replacement.ID,
	)
	return replacement, nil
}

// CompleteTrip finalizes the fare from the actual distance (routed when the
// caller does not report one), captures settlement, and returns the driver
// to the available pool.
func (e *Engine) CompleteTrip(ctx context.Context, requestID, driverID string, actualKm float64) (int64, error) {
	req, err := e.store.Get(ctx, requestID)
	if err != nil {
		return 0, err
	}
	if req.Status != models.StatusMatched || req.DriverID != driverID {
		return 0, ErrInvalidTransition
	}
	if actualKm <= 0 {
		actualKm, err = e.distance.DistanceKm(ctx, req.Pickup, req.Destination)
		if err != nil {
			return 0, err
		}
	}
	final, err := e.rates.Finalize(req.Estimate, actualKm, req.Estimate.Surge, req.Kind, req.ParcelSize)
	if err != nil {
		return 0, err
	}
	if err := e.store.SetFinalFare(ctx, requestID, final); err != nil {
		return 0, err
	}

	e.mu.Lock()
	holdID := e.holds[requestID]
	delete(e.holds, requestID)
	e.mu.Unlock()
	if e.settle != nil && holdID != "" {
		if err := e.settle.Capture(ctx, holdID, final); err != nil {
			e.logger.Error("settlement capture failed", "request_id", requestID, "error", err)
		}
	}

	e.index.SetStatus(driverID, models.DriverAvailable)
	e.logger.Info("trip completed",
		"request_id", requestID,
		"driver_id", driverID,
		"actual_km", actualKm,
		"estimated", req.Estimate.Total,
		"final", final,
	)
	return final, nil
}

// GetRequest exposes the current request state to callers.
func (e *Engine) GetRequest(ctx context.Context, requestID string) (*models.RideRequest, error) {
	return e.store.Get(ctx, requestID)
}

// onMatched runs after the arbiter commits a match: the broadcast loop
// stops and the estimated fare is held for settlement.
func (e *Engine) onMatched(m models.Match, req *models.RideRequest) {
	e.scheduler.Finish(m.RequestID)
	if e.settle == nil {
		return
	}
	holdID, err := e.settle.Hold(context.Background(), req.Estimate.Total, req.Estimate.Currency, req.RiderID)
	if err != nil {
		e.logger.Error("settlement hold failed", "request_id", m.RequestID, "error", err)
		return
	}
	e.mu.Lock()
	e.holds[m.RequestID] = holdID
	e.mu.Unlock()
}

func (e *Engine) releaseHold(ctx context.Context, requestID string) {
	e.mu.Lock()
	holdID := e.holds[requestID]
	delete(e.holds, requestID)
	e.mu.Unlock()
	if e.settle != nil && holdID != "" {
		if err := e.settle.Release(ctx, holdID); err != nil {
			e.logger.Error("settlement release failed", "request_id", requestID, "error", err)
		}
	}
}
