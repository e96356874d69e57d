package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is a plausible WGS84 point.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type DriverStatus string

const (
	DriverAvailable   DriverStatus = "available"
	DriverUnavailable DriverStatus = "unavailable"
	DriverBusy        DriverStatus = "busy"
	DriverSuspended   DriverStatus = "suspended"
)

// MaxDailyCancellations is the number of same-day cancellations a driver may
// accumulate before being suspended.
const MaxDailyCancellations = 3

type Driver struct {
	ID                 string        `json:"id"`
	Loc                Coord         `json:"loc"`
	LocUpdated         time.Time     `json:"loc_updated"`
	Status             DriverStatus  `json:"status"`
	AcceptExtendedArea bool          `json:"accept_extended_area"`
	AcceptParcel       bool          `json:"accept_parcel"`
	CancellationsToday int           `json:"cancellations_today"`
	AvailableToday     time.Duration `json:"available_today"`
}

type RideKind string

const (
	KindRide   RideKind = "ride"
	KindParcel RideKind = "parcel"
)

type ParcelSize string

const (
	ParcelSmall  ParcelSize = "small"
	ParcelMedium ParcelSize = "medium"
	ParcelLarge  ParcelSize = "large"
)

type Zone string

const (
	ZoneCityCenter   Zone = "city_center"
	ZoneExtendedArea Zone = "extended_area"
)

type RequestStatus string

const (
	StatusScheduled    RequestStatus = "scheduled"
	StatusBroadcasting RequestStatus = "broadcasting"
	StatusMatched      RequestStatus = "matched"
	StatusExpired      RequestStatus = "expired"
	StatusCancelled    RequestStatus = "cancelled"
)

// Terminal reports whether a request in this status accepts no further
// engine-driven transitions.
func (s RequestStatus) Terminal() bool {
	return s == StatusMatched || s == StatusExpired || s == StatusCancelled
}

// FareBreakdown is a fare decomposed into its charged parts. Monetary
// amounts are integer minor units; Surge is a fixed-point multiplier in
// hundredths (100 == x1.0).
type FareBreakdown struct {
	Base     int64  `json:"base"`
	Distance int64  `json:"distance"`
	Surge    int64  `json:"surge"`
	Total    int64  `json:"total"`
	Currency string `json:"currency"`
}

type RideRequest struct {
	ID              string        `json:"id"`
	RiderID         string        `json:"rider_id"`
	Pickup          Coord         `json:"pickup"`
	Destination     Coord         `json:"destination"`
	Kind            RideKind      `json:"kind"`
	ParcelSize      ParcelSize    `json:"parcel_size,omitempty"`
	Zone            Zone          `json:"zone"`
	Estimate        FareBreakdown `json:"estimate"`
	FinalFare       int64         `json:"final_fare,omitempty"`
	Status          RequestStatus `json:"status"`
	StatusVersion   int           `json:"status_version"`
	DriverID        string        `json:"driver_id,omitempty"`
	RadiusKm        float64       `json:"radius_km"`
	Rounds          int           `json:"rounds"`
	Notified        []string      `json:"notified"`
	CreatedAt       time.Time     `json:"created_at"`
	Deadline        time.Time     `json:"deadline"`
	ScheduledPickup *time.Time    `json:"scheduled_pickup,omitempty"`
	EscalationSent  bool          `json:"escalation_sent"`
	CancelReason    string        `json:"cancel_reason,omitempty"`
}

// WasNotified reports whether the driver already received a broadcast for
// this request. The notified set only ever grows.
func (r *RideRequest) WasNotified(driverID string) bool {
	for _, id := range r.Notified {
		if id == driverID {
			return true
		}
	}
	return false
}

// Match records the single driver assignment of a request. Immutable once
// created; a driver cancellation after match spawns a new request instead of
// mutating this record.
type Match struct {
	RequestID string    `json:"request_id"`
	DriverID  string    `json:"driver_id"`
	MatchedAt time.Time `json:"matched_at"`
}
