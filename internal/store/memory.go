package store

import (
	"context"
	"sort"
	"sync"

	"github.com/opslens/chronicle/internal/models"
	"github.com/opslens/chronicle/internal/utils"
)

// MemoryStore is an in-memory TimelineStore for tests and local development.
type MemoryStore struct {
	mu           sync.RWMutex
	events       map[string]models.TimelineEvent // by event id
	byDedupKey   map[string]string               // dedup key -> event id
	correlations map[string]models.Correlation   // eventID+"/"+incidentID
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:       make(map[string]models.TimelineEvent),
		byDedupKey:   make(map[string]string),
		correlations: make(map[string]models.Correlation),
	}
}

// Append stores the event idempotently on its dedup key.
func (s *MemoryStore) Append(ctx context.Context, event models.TimelineEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.byDedupKey[event.DedupKey]; ok {
		existing := s.events[existingID]
		existing.ReceivedAt = utils.MinTime(existing.ReceivedAt, event.ReceivedAt)
		s.events[existingID] = existing
		return nil
	}

	s.events[event.ID] = event
	s.byDedupKey[event.DedupKey] = event.ID
	return nil
}

// UpsertCorrelation creates or replaces the record for the pair. A record that
// was evaluated after the incoming one is kept, so out-of-order re-evaluations
// never roll confidence back.
func (s *MemoryStore) UpsertCorrelation(ctx context.Context, corr models.Correlation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := corr.EventID + "/" + corr.IncidentID
	if existing, ok := s.correlations[key]; ok && existing.EvaluatedAt.After(corr.EvaluatedAt) {
		return nil
	}
	s.correlations[key] = corr
	return nil
}

// GetEvent returns a stored event by id.
func (s *MemoryStore) GetEvent(ctx context.Context, eventID string) (models.TimelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.events[eventID]
	if !ok {
		return models.TimelineEvent{}, ErrNotFound
	}
	return event, nil
}

// QueryByIncident returns correlated events ordered by occurred_at, then id.
func (s *MemoryStore) QueryByIncident(ctx context.Context, incidentID string) ([]models.CorrelatedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.CorrelatedEvent
	for _, corr := range s.correlations {
		if corr.IncidentID != incidentID {
			continue
		}
		event, ok := s.events[corr.EventID]
		if !ok {
			continue
		}
		out = append(out, models.CorrelatedEvent{Event: event, Correlation: corr})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Event.OccurredAt.Equal(out[j].Event.OccurredAt) {
			return out[i].Event.ID < out[j].Event.ID
		}
		return out[i].Event.OccurredAt.Before(out[j].Event.OccurredAt)
	})
	return out, nil
}

// QueryByResource returns events for a resource key inside the range.
func (s *MemoryStore) QueryByResource(ctx context.Context, resourceKey string, tr models.TimeRange) ([]models.TimelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.TimelineEvent
	for _, event := range s.events {
		if event.ResourceKey == resourceKey && tr.Contains(event.OccurredAt) {
			out = append(out, event)
		}
	}
	sortEvents(out)
	return out, nil
}

// QueryByTimeRange returns all events inside the range.
func (s *MemoryStore) QueryByTimeRange(ctx context.Context, tr models.TimeRange) ([]models.TimelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.TimelineEvent
	for _, event := range s.events {
		if tr.Contains(event.OccurredAt) {
			out = append(out, event)
		}
	}
	sortEvents(out)
	return out, nil
}

// ListCorrelationsByEvent returns correlations recorded for an event.
func (s *MemoryStore) ListCorrelationsByEvent(ctx context.Context, eventID string) ([]models.Correlation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Correlation
	for _, corr := range s.correlations {
		if corr.EventID == eventID {
			out = append(out, corr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IncidentID < out[j].IncidentID })
	return out, nil
}

// ListCorrelationsByIncident returns correlations recorded for an incident.
func (s *MemoryStore) ListCorrelationsByIncident(ctx context.Context, incidentID string) ([]models.Correlation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Correlation
	for _, corr := range s.correlations {
		if corr.IncidentID == incidentID {
			out = append(out, corr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() {}

func sortEvents(events []models.TimelineEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].OccurredAt.Before(events[j].OccurredAt)
	})
}
