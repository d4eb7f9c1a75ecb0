package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Migrate executes the SQL file at path.
func (p *PostgresStore) Migrate(ctx context.Context, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration %s: %w", path, err)
	}
	return nil
}

const upsertRequest = `INSERT INTO ride_requests(
	id, rider_id, origin_lat, origin_lon, dest_lat, dest_lon, fare_estimate,
	state, assigned_driver_id, offered_to, declined, terminal_reason,
	created_at, expires_at, resolved_at, revision)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (id) DO UPDATE SET
	state = EXCLUDED.state,
	assigned_driver_id = EXCLUDED.assigned_driver_id,
	offered_to = EXCLUDED.offered_to,
	declined = EXCLUDED.declined,
	terminal_reason = EXCLUDED.terminal_reason,
	resolved_at = EXCLUDED.resolved_at,
	revision = EXCLUDED.revision
WHERE ride_requests.revision <= EXCLUDED.revision`

func (p *PostgresStore) ArchiveRequest(ctx context.Context, r models.RideRequest) error {
	_, err := p.db.ExecContext(ctx, upsertRequest,
		r.ID, r.RiderID, r.Origin.Lat, r.Origin.Lon, r.Destination.Lat, r.Destination.Lon, r.FareEstimate,
		string(r.State), nullString(r.AssignedDriverID), pq.Array(orEmpty(r.OfferedTo)), pq.Array(orEmpty(r.Declined)), nullString(string(r.TerminalReason)),
		r.CreatedAt, r.ExpiresAt, r.ResolvedAt, int64(r.Revision))
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

// orEmpty keeps NOT NULL array columns from receiving a nil slice.
func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
