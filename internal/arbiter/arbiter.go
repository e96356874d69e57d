// Package arbiter resolves concurrent driver accepts for a request into
// exactly one match.
package arbiter

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	// ErrAlreadyMatched is the expected loser-side outcome of an accept
	// race. Frequent under load; surfaced to the driver, not escalated.
	ErrAlreadyMatched = errors.New("request already matched")
	// ErrRequestClosed covers accepts against cancelled requests. Expired
	// requests surface broadcast.ErrNoDriversAvailable instead, since expiry
	// means the search ran out of drivers.
	ErrRequestClosed = errors.New("request no longer broadcasting")
	// ErrDriverNotEligible covers unknown, busy, or suspended drivers.
	ErrDriverNotEligible = errors.New("driver not eligible to accept")
	// ErrTooLate is returned to a cancel that lost the race to a match.
	ErrTooLate = errors.New("too late to cancel, request already matched")
)

// Arbiter guarantees exactly-once assignment. The first accept for a request
// opens a short decision window; accepts arriving inside it race, and the
// bidder closest to pickup (acceptance-time location, driver id tie-break)
// wins. Commit is a single compare-and-swap on request status, the same
// primitive a concurrent cancel competes through.
type Arbiter struct {
	store    storage.RequestStore
	index    geo.Index
	notifier dispatch.Notifier
	window   time.Duration
	logger   *slog.Logger

	// OnMatched, when set, runs after a committed match. The engine uses it
	// to stop the broadcast loop and place the settlement hold.
	OnMatched func(m models.Match, req *models.RideRequest)

	mu      sync.Mutex
	pending map[string]*decision
}

type bid struct {
	driverID   string
	distanceKm float64
	result     chan outcome
}

type outcome struct {
	match *models.Match
	err   error
}

type decision struct {
	bids []*bid
}

func New(store storage.RequestStore, index geo.Index, notifier dispatch.Notifier, window time.Duration, logger *slog.Logger) *Arbiter {
	if window <= 0 {
		window = 50 * time.Millisecond
	}
	return &Arbiter{
		store:    store,
		index:    index,
		notifier: notifier,
		window:   window,
		logger:   logger,
		pending:  make(map[string]*decision),
	}
}

// AttemptAccept registers the driver's accept and blocks until the decision
// window for the request resolves, the context expires, or the request turns
// out to be closed already.
func (a *Arbiter) AttemptAccept(ctx context.Context, requestID, driverID string) (*models.Match, error) {
	req, err := a.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.StatusBroadcasting {
		return nil, closedErr(req.Status)
	}

	d, ok := a.index.Get(driverID)
	if !ok || d.Status != models.DriverAvailable {
		return nil, ErrDriverNotEligible
	}
	dist := geo.HaversineKm(d.Loc.Lat, d.Loc.Lon, req.Pickup.Lat, req.Pickup.Lon)

	b := &bid{driverID: driverID, distanceKm: dist, result: make(chan outcome, 1)}

	a.mu.Lock()
	dec, open := a.pending[requestID]
	if !open {
		dec = &decision{}
		a.pending[requestID] = dec
		time.AfterFunc(a.window, func() { a.resolve(requestID) })
	}
	dec.bids = append(dec.bids, b)
	a.mu.Unlock()

	select {
	case out := <-b.result:
		return out.match, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel transitions a scheduled or broadcasting request to cancelled. It
// retries through the status CAS, so a cancel racing an in-flight accept is
// decided by the same atomic primitive: if the match commits first, the
// cancel fails with ErrTooLate.
func (a *Arbiter) Cancel(ctx context.Context, requestID, reason string) error {
	for {
		req, err := a.store.Get(ctx, requestID)
		if err != nil {
			return err
		}
		switch req.Status {
		case models.StatusMatched:
			return ErrTooLate
		case models.StatusCancelled:
			return nil
		case models.StatusExpired:
			return broadcast.ErrNoDriversAvailable
		}
		ok, err := a.store.UpdateStatus(ctx, requestID, req.Status, models.StatusCancelled, req.StatusVersion, "")
		if err != nil {
			return err
		}
		if ok {
			_ = a.store.SetCancelReason(ctx, requestID, reason)
			a.recallAll(ctx, requestID, "")
			return nil
		}
		// Lost the CAS to a concurrent transition; re-read and re-decide.
	}
}

func (a *Arbiter) resolve(requestID string) {
	a.mu.Lock()
	dec, ok := a.pending[requestID]
	delete(a.pending, requestID)
	a.mu.Unlock()
	if !ok || len(dec.bids) == 0 {
		return
	}

	sort.Slice(dec.bids, func(i, j int) bool {
		if dec.bids[i].distanceKm != dec.bids[j].distanceKm {
			return dec.bids[i].distanceKm < dec.bids[j].distanceKm
		}
		return dec.bids[i].driverID < dec.bids[j].driverID
	})

	ctx := context.Background()
	req, err := a.store.Get(ctx, requestID)
	if err != nil {
		a.failAll(dec.bids, err)
		return
	}
	if req.Status != models.StatusBroadcasting {
		a.failAll(dec.bids, closedErr(req.Status))
		return
	}

	// The closest bidder whose driver is still available wins.
	winnerIdx := -1
	for i, b := range dec.bids {
		if d, ok := a.index.Get(b.driverID); ok && d.Status == models.DriverAvailable {
			winnerIdx = i
			break
		}
	}
	if winnerIdx < 0 {
		a.failAll(dec.bids, ErrDriverNotEligible)
		return
	}
	winner := dec.bids[winnerIdx]

	ok, err = a.store.UpdateStatus(ctx, requestID, models.StatusBroadcasting, models.StatusMatched, req.StatusVersion, winner.driverID)
	if err != nil {
		a.failAll(dec.bids, err)
		return
	}
	if !ok {
		// A cancel (or another transition) won the CAS.
		cur, gerr := a.store.Get(ctx, requestID)
		if gerr != nil {
			a.failAll(dec.bids, gerr)
			return
		}
		a.failAll(dec.bids, closedErr(cur.Status))
		return
	}

	match := models.Match{RequestID: requestID, DriverID: winner.driverID, MatchedAt: time.Now()}
	if err := a.store.SaveMatch(ctx, &match); err != nil {
		a.logger.Error("match record write failed", "request_id", requestID, "error", err)
	}
	a.index.SetStatus(winner.driverID, models.DriverBusy)
	a.recallAll(ctx, requestID, winner.driverID)

	observability.MatchesTotal.Inc()
	observability.MatchLatency.Observe(time.Since(req.CreatedAt).Seconds())
	a.logger.Info("request matched",
		"request_id", requestID,
		"driver_id", winner.driverID,
		"distance_km", winner.distanceKm,
		"contenders", len(dec.bids),
	)

	winner.result <- outcome{match: &match}
	for i, b := range dec.bids {
		if i == winnerIdx {
			continue
		}
		observability.AcceptConflictsTotal.Inc()
		b.result <- outcome{err: ErrAlreadyMatched}
	}

	if a.OnMatched != nil {
		req.Status = models.StatusMatched
		req.DriverID = winner.driverID
		a.OnMatched(match, req)
	}
}

// recallAll recalls the offer from every notified driver except the winner.
func (a *Arbiter) recallAll(ctx context.Context, requestID, winnerID string) {
	req, err := a.store.Get(ctx, requestID)
	if err != nil {
		return
	}
	for _, id := range req.Notified {
		if id == winnerID {
			continue
		}
		if err := a.notifier.Recall(id, requestID); err == nil {
			observability.RecallsTotal.Inc()
		}
	}
}

func (a *Arbiter) failAll(bids []*bid, err error) {
	for _, b := range bids {
		b.result <- outcome{err: err}
	}
}

func closedErr(s models.RequestStatus) error {
	switch s {
	case models.StatusMatched:
		return ErrAlreadyMatched
	case models.StatusExpired:
		return broadcast.ErrNoDriversAvailable
	default:
		return ErrRequestClosed
	}
}
