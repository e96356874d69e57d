// Package fare computes ride and parcel fares in integer minor units.
// It is pure arithmetic: no clocks, no I/O, no float money.
package fare

import (
	"fmt"
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// SurgeNone is the neutral surge multiplier (x1.0 in hundredths).
const SurgeNone int64 = 100

// protectionNum/protectionDen encode the 20% fare-protection band as an
// exact ratio so the comparison never touches floating point.
const (
	protectionNum = 20
	protectionDen = 100
)

// ParcelRate is the base fare and per-km rate for one declared size class.
type ParcelRate struct {
	Base  int64
	PerKm int64
}

// Rates holds the tariff table. Distance charges are tiered for rides:
// the first TierKm kilometres bill at Rate1, the remainder at Rate2.
type Rates struct {
	RideBase int64
	TierKm   float64
	Rate1    int64
	Rate2    int64
	Parcel   map[models.ParcelSize]ParcelRate
	Currency string
}

// DefaultRates returns the standard tariff: base 30.00, 12.00/km for the
// first 25 km and 10.00/km beyond, with per-size parcel tables.
func DefaultRates() Rates {
	return Rates{
		RideBase: 3000,
		TierKm:   25,
		Rate1:    1200,
		Rate2:    1000,
		Parcel: map[models.ParcelSize]ParcelRate{
			models.ParcelSmall:  {Base: 2000, PerKm: 800},
			models.ParcelMedium: {Base: 3000, PerKm: 1000},
			models.ParcelLarge:  {Base: 4500, PerKm: 1400},
		},
		Currency: "BDT",
	}
}

func (r Rates) Validate() error {
	if r.RideBase <= 0 || r.Rate1 <= 0 || r.Rate2 <= 0 {
		return fmt.Errorf("fare rates must be positive")
	}
	if r.Rate2 >= r.Rate1 {
		return fmt.Errorf("outer tier rate %d must be below inner tier rate %d", r.Rate2, r.Rate1)
	}
	if r.TierKm <= 0 {
		return fmt.Errorf("tier boundary must be positive")
	}
	for size, p := range r.Parcel {
		if p.Base <= 0 || p.PerKm <= 0 {
			return fmt.Errorf("parcel rate for %s must be positive", size)
		}
	}
	return nil
}

// Estimate computes the fare breakdown for a trip of the given distance.
// Parcels bill from the size-class table and are never surge-multiplied.
func (r Rates) Estimate(distanceKm float64, surge int64, kind models.RideKind, size models.ParcelSize) (models.FareBreakdown, error) {
	if distanceKm < 0 {
		return models.FareBreakdown{}, fmt.Errorf("negative distance %f", distanceKm)
	}
	if surge < SurgeNone {
		surge = SurgeNone
	}

	if kind == models.KindParcel {
		p, ok := r.Parcel[size]
		if !ok {
			return models.FareBreakdown{}, fmt.Errorf("unknown parcel size %q", size)
		}
		dist := chargeFor(distanceKm, p.PerKm)
		return models.FareBreakdown{
			Base:     p.Base,
			Distance: dist,
			Surge:    SurgeNone,
			Total:    p.Base + dist,
			Currency: r.Currency,
		}, nil
	}

	dist := r.tieredCharge(distanceKm)
	return models.FareBreakdown{
		Base:     r.RideBase,
		Distance: dist,
		Surge:    surge,
		Total:    applySurge(r.RideBase+dist, surge),
		Currency: r.Currency,
	}, nil
}

// Finalize recomputes the fare from the actual distance and applies fare
// protection: when the recomputed total diverges from the estimate by more
// than 20%, the final fare is clamped to the estimate. The clamp is a hard
// business rule and uses exact integer arithmetic.
func (r Rates) Finalize(estimated models.FareBreakdown, actualKm float64, surge int64, kind models.RideKind, size models.ParcelSize) (int64, error) {
	recomputed, err := r.Estimate(actualKm, surge, kind, size)
	if err != nil {
		return 0, err
	}
	if Protected(estimated.Total, recomputed.Total) {
		return estimated.Total, nil
	}
	return recomputed.Total, nil
}

// Protected reports whether |final-estimated|/estimated exceeds the 20%
// protection band. A zero estimate never triggers the clamp.
func Protected(estimated, final int64) bool {
	if estimated <= 0 {
		return false
	}
	diff := final - estimated
	if diff < 0 {
		diff = -diff
	}
	return diff*protectionDen > estimated*protectionNum
}

func (r Rates) tieredCharge(distanceKm float64) int64 {
	inner := distanceKm
	if inner > r.TierKm {
		inner = r.TierKm
	}
	charge := chargeFor(inner, r.Rate1)
	if distanceKm > r.TierKm {
		charge += chargeFor(distanceKm-r.TierKm, r.Rate2)
	}
	return charge
}

// chargeFor converts a per-km rate into minor units for a distance,
// rounding once at the component level.
func chargeFor(km float64, rate int64) int64 {
	return int64(math.Round(km * float64(rate)))
}

// applySurge multiplies a minor-unit amount by a fixed-point hundredths
// multiplier, rounding half away from zero.
func applySurge(amount, surge int64) int64 {
	return (amount*surge + 50) / 100
}
