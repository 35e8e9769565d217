package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opslens/chronicle/internal/models"
)

const incidentSchema = `
CREATE TABLE IF NOT EXISTS incidents (
    id            TEXT PRIMARY KEY,
    severity      TEXT NOT NULL,
    status        TEXT NOT NULL,
    opened_at     TIMESTAMPTZ NOT NULL,
    resolved_at   TIMESTAMPTZ,
    resource_keys TEXT[] NOT NULL DEFAULT '{}',
    CONSTRAINT incidents_resolution CHECK (
        (status = 'resolved') = (resolved_at IS NOT NULL)
    )
);
CREATE INDEX IF NOT EXISTS incidents_window_idx ON incidents (opened_at, resolved_at);
`

// PostgresRegistry persists incidents in the shared Postgres pool.
type PostgresRegistry struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresRegistry applies the incident schema and returns the registry.
func NewPostgresRegistry(ctx context.Context, pool *pgxpool.Pool) (*PostgresRegistry, error) {
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := pool.Exec(initCtx, incidentSchema); err != nil {
		return nil, fmt.Errorf("apply incident schema: %w", err)
	}
	return &PostgresRegistry{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

const incidentColumns = "id, severity, status, opened_at, resolved_at, resource_keys"

// Get returns an incident by id.
func (r *PostgresRegistry) Get(ctx context.Context, incidentID string) (models.Incident, error) {
	q := "SELECT " + incidentColumns + " FROM incidents WHERE id = $1"
	incident, err := scanIncident(r.pool.QueryRow(ctx, q, incidentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Incident{}, ErrNotFound
		}
		return models.Incident{}, wrapUnavailable("get incident", err)
	}
	return incident, nil
}

// ListOpen returns unresolved incidents ordered by opened_at.
func (r *PostgresRegistry) ListOpen(ctx context.Context) ([]models.Incident, error) {
	q := "SELECT " + incidentColumns + " FROM incidents WHERE status <> 'resolved' ORDER BY opened_at, id"
	return r.queryIncidents(ctx, q)
}

// ListOverlapping returns incidents whose window intersects the range. An
// unresolved incident's window extends to now.
func (r *PostgresRegistry) ListOverlapping(ctx context.Context, tr models.TimeRange) ([]models.Incident, error) {
	q := "SELECT " + incidentColumns + ` FROM incidents
		WHERE opened_at <= $2 AND COALESCE(resolved_at, $3) >= $1
		ORDER BY opened_at, id`
	return r.queryIncidents(ctx, q, tr.Start, tr.End, r.now())
}

// Open records a new incident.
func (r *PostgresRegistry) Open(ctx context.Context, incident models.Incident) (models.Incident, error) {
	if incident.ID == "" {
		incident.ID = uuid.NewString()
	}
	if incident.OpenedAt.IsZero() {
		incident.OpenedAt = r.now()
	}
	incident.Status = models.StatusOpen
	incident.ResolvedAt = nil

	const q = `
		INSERT INTO incidents (id, severity, status, opened_at, resolved_at, resource_keys)
		VALUES ($1, $2, $3, $4, NULL, $5)
	`
	if _, err := r.pool.Exec(ctx, q,
		incident.ID, string(incident.Severity), string(incident.Status),
		incident.OpenedAt, incident.AffectedResourceKeys,
	); err != nil {
		return models.Incident{}, wrapUnavailable("open incident", err)
	}
	return incident, nil
}

// Acknowledge moves an open incident to acknowledged.
func (r *PostgresRegistry) Acknowledge(ctx context.Context, incidentID string) (models.Incident, error) {
	const q = `UPDATE incidents SET status = 'acknowledged' WHERE id = $1 AND status = 'open'`
	if _, err := r.pool.Exec(ctx, q, incidentID); err != nil {
		return models.Incident{}, wrapUnavailable("acknowledge incident", err)
	}
	return r.Get(ctx, incidentID)
}

// Resolve closes the incident window.
func (r *PostgresRegistry) Resolve(ctx context.Context, incidentID string) (models.Incident, error) {
	const q = `
		UPDATE incidents
		SET status = 'resolved', resolved_at = GREATEST(opened_at, $2)
		WHERE id = $1 AND status <> 'resolved'
	`
	if _, err := r.pool.Exec(ctx, q, incidentID, r.now()); err != nil {
		return models.Incident{}, wrapUnavailable("resolve incident", err)
	}
	return r.Get(ctx, incidentID)
}

func (r *PostgresRegistry) queryIncidents(ctx context.Context, q string, args ...any) ([]models.Incident, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, wrapUnavailable("query incidents", err)
	}
	defer rows.Close()

	var out []models.Incident
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, wrapUnavailable("scan incident", err)
		}
		out = append(out, incident)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (models.Incident, error) {
	var (
		incident   models.Incident
		resolvedAt *time.Time
	)
	if err := row.Scan(
		&incident.ID, &incident.Severity, &incident.Status,
		&incident.OpenedAt, &resolvedAt, &incident.AffectedResourceKeys,
	); err != nil {
		return models.Incident{}, err
	}
	incident.ResolvedAt = resolvedAt
	return incident, nil
}

func wrapUnavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
