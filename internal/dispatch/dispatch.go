package dispatch

import (
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Message kinds on the driver channel. The engine only ever fills the
// fields relevant to a kind; drivers dispatch on "type".
const (
	TypeOffer         = "ride_offer"
	TypeRecall        = "recall"
	TypeNoDriverFound = "no_driver_found"
)

// Payload is the broadcast message sent to a driver. One wire shape with a
// discriminating Type keeps the serialization boundary flat.
type Payload struct {
	Type           string               `json:"type"`
	RequestID      string               `json:"request_id"`
	Pickup         models.Coord         `json:"pickup,omitempty"`
	Destination    models.Coord         `json:"destination,omitempty"`
	Fare           models.FareBreakdown `json:"fare,omitempty"`
	SearchRadiusKm float64              `json:"search_radius_km,omitempty"`
	Deadline       time.Time            `json:"deadline,omitempty"`
}

// Notifier delivers broadcast messages to drivers. Fire-and-forget:
// delivery guarantees are the notifier's concern, not the engine's.
type Notifier interface {
	Notify(driverID string, p Payload) error
	Recall(driverID, requestID string) error
}

// RiderAlerter carries the rare engine-to-rider signals, currently only the
// scheduled-ride no-driver escalation.
type RiderAlerter interface {
	NoDriverFound(riderID, requestID string) error
}
