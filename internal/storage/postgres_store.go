package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/models"
)

const rideColumns = `id, user_id, driver_id, pickup_location, drop_location, pickup_lat, pickup_lon,
	fare, distance_km, status, payment_ref, created_at, updated_at`

var pgFieldColumns = map[Field]string{
	FieldUserID:   "user_id",
	FieldDriverID: "driver_id",
}

type PostgresStore struct {
	db    *sql.DB
	clock clock.Clock
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return &PostgresStore{db: db, clock: clock.Real}, nil
}

// Migrate applies a schema script, normally migrations/001_create_rides.sql.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Save(ctx context.Context, r models.Ride) (models.Ride, error) {
	r = prepare(r, p.clock.Now().UTC())
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			driver_id = EXCLUDED.driver_id,
			status = EXCLUDED.status,
			payment_ref = EXCLUDED.payment_ref,
			updated_at = EXCLUDED.updated_at`,
		r.ID, r.UserID, nullString(r.DriverID), r.PickupLocation, r.DropLocation, r.PickupLat, r.PickupLon,
		r.Fare, r.DistanceKm, string(r.Status), nullString(r.PaymentRef), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return models.Ride{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return r, nil
}

func (p *PostgresStore) FindByID(ctx context.Context, id string) (models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, ErrNotFound
	}
	if err != nil {
		return models.Ride{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return r, nil
}

func (p *PostgresStore) FindByStatus(ctx context.Context, status models.RideStatus) ([]models.Ride, error) {
	return p.query(ctx, `SELECT `+rideColumns+` FROM rides WHERE status = $1 ORDER BY created_at, id`, string(status))
}

func (p *PostgresStore) FindByField(ctx context.Context, field Field, value string, status models.RideStatus) ([]models.Ride, error) {
	col, ok := pgFieldColumns[field]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	if status == "" {
		return p.query(ctx, `SELECT `+rideColumns+` FROM rides WHERE `+col+` = $1 ORDER BY created_at, id`, value)
	}
	return p.query(ctx, `SELECT `+rideColumns+` FROM rides WHERE `+col+` = $1 AND status = $2 ORDER BY created_at, id`, value, string(status))
}

func (p *PostgresStore) FindByDistance(ctx context.Context, minKm, maxKm float64) ([]models.Ride, error) {
	if err := checkDistance(minKm, maxKm); err != nil {
		return nil, err
	}
	return p.query(ctx, `SELECT `+rideColumns+` FROM rides WHERE distance_km BETWEEN $1 AND $2 ORDER BY created_at, id`, minKm, maxKm)
}

func (p *PostgresStore) FindByCreatedRange(ctx context.Context, start, end time.Time) ([]models.Ride, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	return p.query(ctx, `SELECT `+rideColumns+` FROM rides WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at, id`, start.UTC(), end.UTC())
}

func (p *PostgresStore) ListByFare(ctx context.Context, order SortOrder) ([]models.Ride, error) {
	order, err := ParseSortOrder(string(order))
	if err != nil {
		return nil, err
	}
	dir := "ASC"
	if order == Descending {
		dir = "DESC"
	}
	return p.query(ctx, `SELECT `+rideColumns+` FROM rides ORDER BY fare `+dir+`, created_at, id`)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer rows.Close()
	out := make([]models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (models.Ride, error) {
	var r models.Ride
	var driverID, paymentRef sql.NullString
	var status string
	err := s.Scan(&r.ID, &r.UserID, &driverID, &r.PickupLocation, &r.DropLocation, &r.PickupLat, &r.PickupLon,
		&r.Fare, &r.DistanceKm, &status, &paymentRef, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return models.Ride{}, err
	}
	r.DriverID = driverID.String
	r.PaymentRef = paymentRef.String
	r.Status = models.RideStatus(status)
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
