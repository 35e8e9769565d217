package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opslens/chronicle/internal/models"
)

// MemoryRegistry is an in-memory Registry for tests and local development.
type MemoryRegistry struct {
	mu        sync.RWMutex
	incidents map[string]models.Incident
	now       func() time.Time
}

// NewMemoryRegistry constructs an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		incidents: make(map[string]models.Incident),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Get returns an incident by id.
func (r *MemoryRegistry) Get(ctx context.Context, incidentID string) (models.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	incident, ok := r.incidents[incidentID]
	if !ok {
		return models.Incident{}, ErrNotFound
	}
	return incident, nil
}

// ListOpen returns unresolved incidents.
func (r *MemoryRegistry) ListOpen(ctx context.Context) ([]models.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Incident
	for _, incident := range r.incidents {
		if incident.Status != models.StatusResolved {
			out = append(out, incident)
		}
	}
	sortIncidents(out)
	return out, nil
}

// ListOverlapping returns incidents whose window intersects the range.
func (r *MemoryRegistry) ListOverlapping(ctx context.Context, tr models.TimeRange) ([]models.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var out []models.Incident
	for _, incident := range r.incidents {
		window := incident.Window(now)
		if window.Start.After(tr.End) || window.End.Before(tr.Start) {
			continue
		}
		out = append(out, incident)
	}
	sortIncidents(out)
	return out, nil
}

// Open records a new incident, assigning id and opened_at when absent.
func (r *MemoryRegistry) Open(ctx context.Context, incident models.Incident) (models.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if incident.ID == "" {
		incident.ID = uuid.NewString()
	}
	if incident.OpenedAt.IsZero() {
		incident.OpenedAt = r.now()
	}
	incident.Status = models.StatusOpen
	incident.ResolvedAt = nil
	r.incidents[incident.ID] = incident
	return incident, nil
}

// Acknowledge moves an open incident to acknowledged.
func (r *MemoryRegistry) Acknowledge(ctx context.Context, incidentID string) (models.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	incident, ok := r.incidents[incidentID]
	if !ok {
		return models.Incident{}, ErrNotFound
	}
	if incident.Status == models.StatusOpen {
		incident.Status = models.StatusAcknowledged
		r.incidents[incidentID] = incident
	}
	return incident, nil
}

// Resolve closes the incident window; resolved_at is set iff status is resolved.
func (r *MemoryRegistry) Resolve(ctx context.Context, incidentID string) (models.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	incident, ok := r.incidents[incidentID]
	if !ok {
		return models.Incident{}, ErrNotFound
	}
	if incident.Status != models.StatusResolved {
		resolvedAt := r.now()
		if resolvedAt.Before(incident.OpenedAt) {
			resolvedAt = incident.OpenedAt
		}
		incident.Status = models.StatusResolved
		incident.ResolvedAt = &resolvedAt
		r.incidents[incidentID] = incident
	}
	return incident, nil
}

func sortIncidents(incidents []models.Incident) {
	sort.Slice(incidents, func(i, j int) bool {
		if incidents[i].OpenedAt.Equal(incidents[j].OpenedAt) {
			return incidents[i].ID < incidents[j].ID
		}
		return incidents[i].OpenedAt.Before(incidents[j].OpenedAt)
	})
}
