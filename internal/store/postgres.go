package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opslens/chronicle/internal/models"
)

const timelineSchema = `
CREATE TABLE IF NOT EXISTS timeline_events (
    id            TEXT PRIMARY KEY,
    occurred_at   TIMESTAMPTZ NOT NULL,
    received_at   TIMESTAMPTZ NOT NULL,
    change_type   TEXT NOT NULL,
    change_source TEXT NOT NULL,
    resource_key  TEXT NOT NULL,
    payload       JSONB,
    dedup_key     TEXT NOT NULL UNIQUE
);
CREATE INDEX IF NOT EXISTS timeline_events_resource_idx
    ON timeline_events (resource_key, occurred_at);
CREATE INDEX IF NOT EXISTS timeline_events_occurred_idx
    ON timeline_events (occurred_at);

CREATE TABLE IF NOT EXISTS correlations (
    event_id     TEXT NOT NULL REFERENCES timeline_events(id),
    incident_id  TEXT NOT NULL,
    confidence   DOUBLE PRECISION NOT NULL,
    basis        TEXT NOT NULL,
    evaluated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (event_id, incident_id)
);
CREATE INDEX IF NOT EXISTS correlations_incident_idx
    ON correlations (incident_id);
`

// PostgresStore is the durable TimelineStore backed by a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool, applies the schema, and returns the store.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32, connectTimeout time.Duration) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if connectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = connectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := pool.Exec(initCtx, timelineSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply timeline schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Append inserts the event; on dedup-key conflict the stored row is kept and
// its received_at lowered to the earlier arrival.
func (s *PostgresStore) Append(ctx context.Context, event models.TimelineEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	const q = `
		INSERT INTO timeline_events
			(id, occurred_at, received_at, change_type, change_source, resource_key, payload, dedup_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (dedup_key) DO UPDATE
			SET received_at = LEAST(timeline_events.received_at, EXCLUDED.received_at)
	`
	if _, err := s.pool.Exec(ctx, q,
		event.ID, event.OccurredAt, event.ReceivedAt,
		string(event.ChangeType), string(event.Source),
		event.ResourceKey, payload, event.DedupKey,
	); err != nil {
		return transient("append event", err)
	}
	return nil
}

// UpsertCorrelation creates or replaces the record for the pair.
func (s *PostgresStore) UpsertCorrelation(ctx context.Context, corr models.Correlation) error {
	const q = `
		INSERT INTO correlations (event_id, incident_id, confidence, basis, evaluated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id, incident_id) DO UPDATE
			SET confidence = EXCLUDED.confidence,
			    basis = EXCLUDED.basis,
			    evaluated_at = EXCLUDED.evaluated_at
			WHERE correlations.evaluated_at <= EXCLUDED.evaluated_at
	`
	if _, err := s.pool.Exec(ctx, q,
		corr.EventID, corr.IncidentID, corr.Confidence, string(corr.Basis), corr.EvaluatedAt,
	); err != nil {
		return transient("upsert correlation", err)
	}
	return nil
}

// GetEvent returns a stored event by id.
func (s *PostgresStore) GetEvent(ctx context.Context, eventID string) (models.TimelineEvent, error) {
	const q = `
		SELECT id, occurred_at, received_at, change_type, change_source, resource_key, payload, dedup_key
		FROM timeline_events WHERE id = $1
	`
	event, err := scanEvent(s.pool.QueryRow(ctx, q, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.TimelineEvent{}, ErrNotFound
		}
		return models.TimelineEvent{}, transient("get event", err)
	}
	return event, nil
}

// QueryByIncident returns correlated events ordered by occurred_at, then id.
func (s *PostgresStore) QueryByIncident(ctx context.Context, incidentID string) ([]models.CorrelatedEvent, error) {
	const q = `
		SELECT e.id, e.occurred_at, e.received_at, e.change_type, e.change_source,
		       e.resource_key, e.payload, e.dedup_key,
		       c.confidence, c.basis, c.evaluated_at
		FROM correlations c
		JOIN timeline_events e ON e.id = c.event_id
		WHERE c.incident_id = $1
		ORDER BY e.occurred_at ASC, e.id ASC
	`
	rows, err := s.pool.Query(ctx, q, incidentID)
	if err != nil {
		return nil, transient("query by incident", err)
	}
	defer rows.Close()

	var out []models.CorrelatedEvent
	for rows.Next() {
		var (
			event    models.TimelineEvent
			payload  []byte
			corr     models.Correlation
			basisRaw string
		)
		if err := rows.Scan(
			&event.ID, &event.OccurredAt, &event.ReceivedAt,
			&event.ChangeType, &event.Source, &event.ResourceKey,
			&payload, &event.DedupKey,
			&corr.Confidence, &basisRaw, &corr.EvaluatedAt,
		); err != nil {
			return nil, transient("scan correlated event", err)
		}
		if err := decodePayload(payload, &event); err != nil {
			return nil, err
		}
		corr.EventID = event.ID
		corr.IncidentID = incidentID
		corr.Basis = models.CorrelationBasis(basisRaw)
		out = append(out, models.CorrelatedEvent{Event: event, Correlation: corr})
	}
	return out, rows.Err()
}

// QueryByResource returns events for a resource key inside the range.
func (s *PostgresStore) QueryByResource(ctx context.Context, resourceKey string, tr models.TimeRange) ([]models.TimelineEvent, error) {
	const q = `
		SELECT id, occurred_at, received_at, change_type, change_source, resource_key, payload, dedup_key
		FROM timeline_events
		WHERE resource_key = $1 AND occurred_at >= $2 AND occurred_at <= $3
		ORDER BY occurred_at ASC, id ASC
	`
	return s.queryEvents(ctx, q, resourceKey, tr.Start, tr.End)
}

// QueryByTimeRange returns all events inside the range.
func (s *PostgresStore) QueryByTimeRange(ctx context.Context, tr models.TimeRange) ([]models.TimelineEvent, error) {
	const q = `
		SELECT id, occurred_at, received_at, change_type, change_source, resource_key, payload, dedup_key
		FROM timeline_events
		WHERE occurred_at >= $1 AND occurred_at <= $2
		ORDER BY occurred_at ASC, id ASC
	`
	return s.queryEvents(ctx, q, tr.Start, tr.End)
}

// ListCorrelationsByEvent returns correlations recorded for an event.
func (s *PostgresStore) ListCorrelationsByEvent(ctx context.Context, eventID string) ([]models.Correlation, error) {
	const q = `
		SELECT event_id, incident_id, confidence, basis, evaluated_at
		FROM correlations WHERE event_id = $1 ORDER BY incident_id
	`
	return s.queryCorrelations(ctx, q, eventID)
}

// ListCorrelationsByIncident returns correlations recorded for an incident.
func (s *PostgresStore) ListCorrelationsByIncident(ctx context.Context, incidentID string) ([]models.Correlation, error) {
	const q = `
		SELECT event_id, incident_id, confidence, basis, evaluated_at
		FROM correlations WHERE incident_id = $1 ORDER BY event_id
	`
	return s.queryCorrelations(ctx, q, incidentID)
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Pool exposes the pool so collaborators (the incident registry) can share it.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) queryEvents(ctx context.Context, q string, args ...any) ([]models.TimelineEvent, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, transient("query events", err)
	}
	defer rows.Close()

	var out []models.TimelineEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, transient("scan event", err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func (s *PostgresStore) queryCorrelations(ctx context.Context, q string, args ...any) ([]models.Correlation, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, transient("query correlations", err)
	}
	defer rows.Close()

	var out []models.Correlation
	for rows.Next() {
		var (
			corr     models.Correlation
			basisRaw string
		)
		if err := rows.Scan(&corr.EventID, &corr.IncidentID, &corr.Confidence, &basisRaw, &corr.EvaluatedAt); err != nil {
			return nil, transient("scan correlation", err)
		}
		corr.Basis = models.CorrelationBasis(basisRaw)
		out = append(out, corr)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (models.TimelineEvent, error) {
	var (
		event   models.TimelineEvent
		payload []byte
	)
	if err := row.Scan(
		&event.ID, &event.OccurredAt, &event.ReceivedAt,
		&event.ChangeType, &event.Source, &event.ResourceKey,
		&payload, &event.DedupKey,
	); err != nil {
		return models.TimelineEvent{}, err
	}
	if err := decodePayload(payload, &event); err != nil {
		return models.TimelineEvent{}, err
	}
	return event, nil
}

func decodePayload(payload []byte, event *models.TimelineEvent) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, &event.Payload); err != nil {
		return fmt.Errorf("decode payload for event %s: %w", event.ID, err)
	}
	return nil
}

// transient wraps storage errors so the pipeline's retry/dead-letter handling
// can match on ErrUnavailable without inspecting driver internals.
func transient(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
