package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore is the durable RequestStore. Status transitions use a
// conditional UPDATE on (status, status_version) so concurrent writers
// resolve to exactly one winner.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Create(ctx context.Context, r *models.RideRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ride_requests (
			id, rider_id, pickup_lat, pickup_lon, dest_lat, dest_lon,
			kind, parcel_size, zone, status, status_version,
			fare_base, fare_distance, fare_surge, fare_total, fare_currency,
			radius_km, rounds, notified, created_at, deadline,
			scheduled_pickup, escalation_sent
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		r.ID, r.RiderID, r.Pickup.Lat, r.Pickup.Lon, r.Destination.Lat, r.Destination.Lon,
		string(r.Kind), string(r.ParcelSize), string(r.Zone), string(r.Status), r.StatusVersion,
		r.Estimate.Base, r.Estimate.Distance, r.Estimate.Surge, r.Estimate.Total, r.Estimate.Currency,
		r.RadiusKm, r.Rounds, pq.Array(r.Notified), r.CreatedAt, r.Deadline,
		r.ScheduledPickup, r.EscalationSent,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, rider_id, pickup_lat, pickup_lon, dest_lat, dest_lon,
		       kind, parcel_size, zone, status, status_version, driver_id,
		       fare_base, fare_distance, fare_surge, fare_total, fare_currency,
		       final_fare, radius_km, rounds, notified, created_at, deadline,
		       scheduled_pickup, escalation_sent, cancel_reason
		FROM ride_requests WHERE id = $1`, id)
	return scanRequest(row)
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to models.RequestStatus, version int, driverID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE ride_requests
		SET status = $1,
		    status_version = status_version + 1,
		    driver_id = COALESCE(NULLIF($2, ''), driver_id)
		WHERE id = $3 AND status = $4 AND status_version = $5`,
		string(to), driverID, id, string(from), version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) SetRadius(ctx context.Context, id string, radiusKm float64, rounds int) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE ride_requests
		SET radius_km = GREATEST(radius_km, $1), rounds = GREATEST(rounds, $2)
		WHERE id = $3`, radiusKm, rounds, id)
	return err
}

func (p *PostgresStore) AddNotified(ctx context.Context, id string, driverIDs []string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE ride_requests
		SET notified = (SELECT ARRAY(SELECT DISTINCT unnest(notified || $1::text[])))
		WHERE id = $2`, pq.Array(driverIDs), id)
	return err
}

func (p *PostgresStore) SaveMatch(ctx context.Context, m *models.Match) error {
	// request_id is the primary key; a second insert for the same request
	// violates it, which is exactly the at-most-one-match invariant.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO matches (request_id, driver_id, matched_at) VALUES ($1,$2,$3)`,
		m.RequestID, m.DriverID, m.MatchedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateMatch
		}
	}
	return err
}

func (p *PostgresStore) GetMatch(ctx context.Context, requestID string) (*models.Match, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT request_id, driver_id, matched_at FROM matches WHERE request_id = $1`, requestID)
	var m models.Match
	err := row.Scan(&m.RequestID, &m.DriverID, &m.MatchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (p *PostgresStore) SetFinalFare(ctx context.Context, id string, total int64) error {
	_, err := p.db.ExecContext(ctx, `UPDATE ride_requests SET final_fare = $1 WHERE id = $2`, total, id)
	return err
}

func (p *PostgresStore) SetCancelReason(ctx context.Context, id, reason string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE ride_requests SET cancel_reason = $1 WHERE id = $2`, reason, id)
	return err
}

func (p *PostgresStore) ListDueScheduled(ctx context.Context, pickupBy time.Time) ([]*models.RideRequest, error) {
	return p.list(ctx, `
		SELECT id, rider_id, pickup_lat, pickup_lon, dest_lat, dest_lon,
		       kind, parcel_size, zone, status, status_version, driver_id,
		       fare_base, fare_distance, fare_surge, fare_total, fare_currency,
		       final_fare, radius_km, rounds, notified, created_at, deadline,
		       scheduled_pickup, escalation_sent, cancel_reason
		FROM ride_requests
		WHERE status = 'scheduled' AND scheduled_pickup <= $1`, pickupBy)
}

func (p *PostgresStore) ListEscalatable(ctx context.Context, pickupBy time.Time) ([]*models.RideRequest, error) {
	return p.list(ctx, `
		SELECT id, rider_id, pickup_lat, pickup_lon, dest_lat, dest_lon,
		       kind, parcel_size, zone, status, status_version, driver_id,
		       fare_base, fare_distance, fare_surge, fare_total, fare_currency,
		       final_fare, radius_km, rounds, notified, created_at, deadline,
		       scheduled_pickup, escalation_sent, cancel_reason
		FROM ride_requests
		WHERE status = 'broadcasting' AND scheduled_pickup IS NOT NULL
		  AND scheduled_pickup <= $1 AND NOT escalation_sent`, pickupBy)
}

func (p *PostgresStore) MarkEscalated(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE ride_requests SET escalation_sent = TRUE
		WHERE id = $1 AND NOT escalation_sent`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*models.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.RideRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.RideRequest, error) {
	var r models.RideRequest
	var driverID, cancelReason sql.NullString
	var finalFare sql.NullInt64
	var scheduled sql.NullTime
	var kind, parcelSize, zone, status string
	err := row.Scan(
		&r.ID, &r.RiderID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&kind, &parcelSize, &zone, &status, &r.StatusVersion, &driverID,
		&r.Estimate.Base, &r.Estimate.Distance, &r.Estimate.Surge, &r.Estimate.Total, &r.Estimate.Currency,
		&finalFare, &r.RadiusKm, &r.Rounds, pq.Array(&r.Notified), &r.CreatedAt, &r.Deadline,
		&scheduled, &r.EscalationSent, &cancelReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Kind = models.RideKind(kind)
	r.ParcelSize = models.ParcelSize(parcelSize)
	r.Zone = models.Zone(zone)
	r.Status = models.RequestStatus(status)
	if driverID.Valid {
		r.DriverID = driverID.String
	}
	if finalFare.Valid {
		r.FinalFare = finalFare.Int64
	}
	if scheduled.Valid {
		t := scheduled.Time
		r.ScheduledPickup = &t
	}
	if cancelReason.Valid {
		r.CancelReason = cancelReason.String
	}
	return &r, nil
}
