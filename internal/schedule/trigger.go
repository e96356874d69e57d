// Package schedule promotes dormant scheduled requests into the live
// broadcast pipeline at the right lead time.
package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Broadcaster is the slice of the broadcast scheduler the sweep needs.
type Broadcaster interface {
	Start(req *models.RideRequest)
}

// Trigger is a single ticking sweeper over due scheduled requests. One
// goroutine enumerates everything due rather than arming a timer per
// request, which keeps timer count flat at scale.
type Trigger struct {
	store       storage.RequestStore
	broadcaster Broadcaster
	alerter     dispatch.RiderAlerter
	cfg         config.ScheduleConfig
	logger      *slog.Logger
	now         func() time.Time
}

func NewTrigger(store storage.RequestStore, broadcaster Broadcaster, alerter dispatch.RiderAlerter, cfg config.ScheduleConfig, logger *slog.Logger) *Trigger {
	return &Trigger{
		store:       store,
		broadcaster: broadcaster,
		alerter:     alerter,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// Run ticks until the context is cancelled.
func (t *Trigger) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Sweep performs one pass: promote due scheduled requests, then escalate
// near-pickup requests that still have no driver.
func (t *Trigger) Sweep(ctx context.Context) {
	now := t.now()

	due, err := t.store.ListDueScheduled(ctx, now.Add(t.cfg.PromoteLead))
	if err != nil {
		t.logger.Error("scheduled sweep query failed", "error", err)
	}
	for _, req := range due {
		ok, err := t.store.UpdateStatus(ctx, req.ID, models.StatusScheduled, models.StatusBroadcasting, req.StatusVersion, "")
		if err != nil {
			t.logger.Error("promotion failed", "request_id", req.ID, "error", err)
			continue
		}
		if !ok {
			// Cancelled or already promoted by a competing sweep.
			continue
		}
		req.Status = models.StatusBroadcasting
		req.StatusVersion++
		t.broadcaster.Start(req)
		observability.ScheduledPromotionsTotal.Inc()
		t.logger.Info("scheduled request promoted",
			"request_id", req.ID,
			"pickup_at", req.ScheduledPickup,
		)
	}

	urgent, err := t.store.ListEscalatable(ctx, now.Add(t.cfg.EscalationLead))
	if err != nil {
		t.logger.Error("escalation sweep query failed", "error", err)
		return
	}
	for _, req := range urgent {
		first, err := t.store.MarkEscalated(ctx, req.ID)
		if err != nil || !first {
			continue
		}
		// The request keeps broadcasting; the rider just learns no driver
		// has been found yet.
		if t.alerter != nil {
			_ = t.alerter.NoDriverFound(req.RiderID, req.ID)
		}
		t.logger.Info("no driver found near pickup time", "request_id", req.ID)
	}
}
