// Package store defines the timeline persistence contract the correlation
// engine depends on: idempotent append and stable query ordering.
package store

import (
	"context"
	"errors"

	"github.com/opslens/chronicle/internal/models"
)

// ErrUnavailable marks a transient storage failure; the admission pipeline
// retries appends wrapped with it before routing the event to dead-letter.
var ErrUnavailable = errors.New("timeline store unavailable")

// ErrNotFound signals a missing event or incident.
var ErrNotFound = errors.New("not found")

// TimelineStore is the append-only history of events and their incident
// associations. Append is idempotent on the event's dedup key and commutative
// across distinct keys; query results order by occurred_at ascending with ties
// broken by event id.
type TimelineStore interface {
	// Append stores the event, or, when its dedup key already exists, keeps
	// the stored copy and lowers its received_at to the minimum of the two.
	Append(ctx context.Context, event models.TimelineEvent) error

	// UpsertCorrelation creates or replaces the single correlation record for
	// the (event, incident) pair.
	UpsertCorrelation(ctx context.Context, corr models.Correlation) error

	// GetEvent returns a stored event by id.
	GetEvent(ctx context.Context, eventID string) (models.TimelineEvent, error)

	// QueryByIncident returns all events correlated to the incident.
	QueryByIncident(ctx context.Context, incidentID string) ([]models.CorrelatedEvent, error)

	// QueryByResource returns events for one resource key inside the range.
	QueryByResource(ctx context.Context, resourceKey string, tr models.TimeRange) ([]models.TimelineEvent, error)

	// QueryByTimeRange returns events across all resources inside the range;
	// used when re-evaluating an incident whose window was revised.
	QueryByTimeRange(ctx context.Context, tr models.TimeRange) ([]models.TimelineEvent, error)

	// ListCorrelationsByEvent returns all correlations recorded for an event.
	ListCorrelationsByEvent(ctx context.Context, eventID string) ([]models.Correlation, error)

	// ListCorrelationsByIncident returns all correlations for an incident.
	// Records are never deleted; re-evaluation replaces their confidence.
	ListCorrelationsByIncident(ctx context.Context, incidentID string) ([]models.Correlation, error)

	Close()
}
