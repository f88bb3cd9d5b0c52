package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Postgres is the database-backed Catalog. The bus/stop tables are owned by
// the catalog service; this side only reads them.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) FindBusByID(ctx context.Context, busID int64) (Bus, error) {
	q := `SELECT id, name, bus_number, from_location_id, from_location_name, to_location_id, to_location_name
          FROM buses WHERE id = $1`
	var b Bus
	err := p.db.QueryRowContext(ctx, q, busID).Scan(
		&b.ID, &b.Name, &b.Number, &b.FromLocationID, &b.FromLocation, &b.ToLocationID, &b.ToLocation)
	if errors.Is(err, sql.ErrNoRows) {
		return Bus{}, fmt.Errorf("bus %d: %w", busID, ErrNotFound)
	}
	if err != nil {
		return Bus{}, fmt.Errorf("query bus: %w", err)
	}
	return b, nil
}

func (p *Postgres) FindStopsForBus(ctx context.Context, busID int64) ([]Stop, error) {
	q := `SELECT id, bus_id, name, stop_order, latitude, longitude, COALESCE(arrival_time::text, '')
          FROM stops WHERE bus_id = $1 ORDER BY stop_order`
	rows, err := p.db.QueryContext(ctx, q, busID)
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	defer rows.Close()

	var stops []Stop
	for rows.Next() {
		s, err := scanStop(rows)
		if err != nil {
			return nil, err
		}
		stops = append(stops, s)
	}
	return stops, rows.Err()
}

func (p *Postgres) FindStopByID(ctx context.Context, stopID int64) (Stop, error) {
	q := `SELECT id, bus_id, name, stop_order, latitude, longitude, COALESCE(arrival_time::text, '')
          FROM stops WHERE id = $1`
	row := p.db.QueryRowContext(ctx, q, stopID)
	s, err := scanStop(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Stop{}, fmt.Errorf("stop %d: %w", stopID, ErrNotFound)
	}
	if err != nil {
		return Stop{}, err
	}
	return s, nil
}

func (p *Postgres) FindBusesByRoute(ctx context.Context, fromLocationID, toLocationID int64) ([]Bus, error) {
	q := `SELECT id, name, bus_number, from_location_id, from_location_name, to_location_id, to_location_name
          FROM buses WHERE from_location_id = $1 AND to_location_id = $2 ORDER BY id`
	rows, err := p.db.QueryContext(ctx, q, fromLocationID, toLocationID)
	if err != nil {
		return nil, fmt.Errorf("query buses by route: %w", err)
	}
	defer rows.Close()

	var buses []Bus
	for rows.Next() {
		var b Bus
		if err := rows.Scan(&b.ID, &b.Name, &b.Number, &b.FromLocationID, &b.FromLocation, &b.ToLocationID, &b.ToLocation); err != nil {
			return nil, err
		}
		buses = append(buses, b)
	}
	return buses, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStop(row rowScanner) (Stop, error) {
	var s Stop
	var lat, lng sql.NullFloat64
	if err := row.Scan(&s.ID, &s.BusID, &s.Name, &s.Order, &lat, &lng, &s.Arrival); err != nil {
		return Stop{}, err
	}
	if lat.Valid && lng.Valid {
		s.Lat = lat.Float64
		s.Lng = lng.Float64
		s.HasCoords = true
	}
	return s, nil
}
