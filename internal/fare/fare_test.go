package fare

import (
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestEstimateShortRide(t *testing.T) {
	r := DefaultRates()
	// 5 km, surge 1.0, base 30, rate 12 -> total 90.00
	b, err := r.Estimate(5, SurgeNone, models.KindRide, "")
	if err != nil {
		t.Fatal(err)
	}
	if b.Total != 9000 {
		t.Fatalf("expected 9000, got %d", b.Total)
	}
	if b.Base != 3000 || b.Distance != 6000 {
		t.Fatalf("unexpected breakdown: %+v", b)
	}
}

func TestEstimateTieredRide(t *testing.T) {
	r := DefaultRates()
	// 30 km: 25*12 + 5*10 + base 30 -> 380.00
	b, err := r.Estimate(30, SurgeNone, models.KindRide, "")
	if err != nil {
		t.Fatal(err)
	}
	if b.Total != 38000 {
		t.Fatalf("expected 38000, got %d", b.Total)
	}
	if b.Distance != 35000 {
		t.Fatalf("expected distance charge 35000, got %d", b.Distance)
	}
}

func TestEstimateExactlyAtTierBoundary(t *testing.T) {
	r := DefaultRates()
	b, err := r.Estimate(25, SurgeNone, models.KindRide, "")
	if err != nil {
		t.Fatal(err)
	}
	if b.Distance != 25*1200 {
		t.Fatalf("boundary should bill entirely at rate1, got %d", b.Distance)
	}
}

func TestEstimateSurgeApplied(t *testing.T) {
	r := DefaultRates()
	b, err := r.Estimate(5, 150, models.KindRide, "")
	if err != nil {
		t.Fatal(err)
	}
	// (3000+6000) * 1.5
	if b.Total != 13500 {
		t.Fatalf("expected 13500, got %d", b.Total)
	}
}

func TestParcelNotSurged(t *testing.T) {
	r := DefaultRates()
	b, err := r.Estimate(10, 200, models.KindParcel, models.ParcelMedium)
	if err != nil {
		t.Fatal(err)
	}
	if b.Surge != SurgeNone {
		t.Fatalf("parcel surge should be neutral, got %d", b.Surge)
	}
	if b.Total != 3000+10*1000 {
		t.Fatalf("unexpected parcel total %d", b.Total)
	}
}

func TestParcelSizeClasses(t *testing.T) {
	r := DefaultRates()
	for _, size := range []models.ParcelSize{models.ParcelSmall, models.ParcelMedium, models.ParcelLarge} {
		b, err := r.Estimate(4, SurgeNone, models.KindParcel, size)
		if err != nil {
			t.Fatalf("%s: %v", size, err)
		}
		p := r.Parcel[size]
		if b.Total != p.Base+4*p.PerKm {
			t.Fatalf("%s: expected %d, got %d", size, p.Base+4*p.PerKm, b.Total)
		}
	}
	if _, err := r.Estimate(4, SurgeNone, models.KindParcel, "oversize"); err == nil {
		t.Fatal("unknown size class must error")
	}
}

func TestFinalizeWithinBand(t *testing.T) {
	r := DefaultRates()
	est, _ := r.Estimate(10, SurgeNone, models.KindRide, "")
	// 11 km is within 20% of the 10 km fare, so the recomputed total stands.
	final, err := r.Finalize(est, 11, SurgeNone, models.KindRide, "")
	if err != nil {
		t.Fatal(err)
	}
	want, _ := r.Estimate(11, SurgeNone, models.KindRide, "")
	if final != want.Total {
		t.Fatalf("expected recomputed %d, got %d", want.Total, final)
	}
}

func TestFinalizeClampsAboveBand(t *testing.T) {
	r := DefaultRates()
	est, _ := r.Estimate(10, SurgeNone, models.KindRide, "")
	final, err := r.Finalize(est, 20, SurgeNone, models.KindRide, "")
	if err != nil {
		t.Fatal(err)
	}
	if final != est.Total {
		t.Fatalf("expected clamp to estimate %d, got %d", est.Total, final)
	}
}

func TestFinalizeClampsBelowBand(t *testing.T) {
	r := DefaultRates()
	est, _ := r.Estimate(20, SurgeNone, models.KindRide, "")
	final, err := r.Finalize(est, 5, SurgeNone, models.KindRide, "")
	if err != nil {
		t.Fatal(err)
	}
	if final != est.Total {
		t.Fatalf("expected clamp to estimate %d, got %d", est.Total, final)
	}
}

func TestProtectedBoundaryIsExclusive(t *testing.T) {
	// Exactly 20% divergence does not clamp; strictly more does.
	if Protected(10000, 12000) {
		t.Fatal("20% exactly must not clamp")
	}
	if !Protected(10000, 12001) {
		t.Fatal("just over 20% must clamp")
	}
	if !Protected(10000, 7999) {
		t.Fatal("just under -20% must clamp")
	}
	if Protected(10000, 8000) {
		t.Fatal("-20% exactly must not clamp")
	}
}

func TestValidateRejectsInvertedTiers(t *testing.T) {
	r := DefaultRates()
	r.Rate2 = r.Rate1
	if err := r.Validate(); err == nil {
		t.Fatal("rate2 >= rate1 must fail validation")
	}
}

func TestEstimateNegativeDistance(t *testing.T) {
	r := DefaultRates()
	if _, err := r.Estimate(-1, SurgeNone, models.KindRide, ""); err == nil {
		t.Fatal("negative distance must error")
	}
}
