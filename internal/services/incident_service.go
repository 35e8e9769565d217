package services

import (
	"context"
	"log/slog"

	"github.com/opslens/chronicle/internal/models"
	"github.com/opslens/chronicle/internal/registry"
)

// IncidentService is the lifecycle stand-in for the external incident
// collaborator: it mutates the registry and fires window-change notifications
// that drive correlation re-evaluation.
type IncidentService struct {
	logger   *slog.Logger
	registry registry.Registry
	hub      *registry.Hub
	cached   *registry.CachedReader

	// onResolved lets the pipeline record the closed-window watermark.
	onResolved func(ctx context.Context, incidentID string)
}

// NewIncidentService wires lifecycle operations to the notification hub.
// cached and onResolved may be nil.
func NewIncidentService(
	logger *slog.Logger,
	reg registry.Registry,
	hub *registry.Hub,
	cached *registry.CachedReader,
	onResolved func(ctx context.Context, incidentID string),
) *IncidentService {
	if logger == nil {
		logger = slog.Default()
	}
	return &IncidentService{
		logger:     logger,
		registry:   reg,
		hub:        hub,
		cached:     cached,
		onResolved: onResolved,
	}
}

// Open records a new incident and announces its window.
func (s *IncidentService) Open(ctx context.Context, incident models.Incident) (models.Incident, error) {
	opened, err := s.registry.Open(ctx, incident)
	if err != nil {
		return models.Incident{}, err
	}
	s.notify(ctx, opened.ID)
	s.logger.Info("incident opened",
		slog.String("incident_id", opened.ID),
		slog.String("severity", string(opened.Severity)))
	return opened, nil
}

// Acknowledge marks the incident acknowledged; the window is unchanged, so no
// notification fires.
func (s *IncidentService) Acknowledge(ctx context.Context, incidentID string) (models.Incident, error) {
	incident, err := s.registry.Acknowledge(ctx, incidentID)
	if err != nil {
		return models.Incident{}, err
	}
	s.invalidate(ctx, incidentID)
	return incident, nil
}

// Resolve closes the incident window, announces the revision, and records the
// closed-window watermark for late-arrival detection.
func (s *IncidentService) Resolve(ctx context.Context, incidentID string) (models.Incident, error) {
	incident, err := s.registry.Resolve(ctx, incidentID)
	if err != nil {
		return models.Incident{}, err
	}
	s.notify(ctx, incidentID)
	if s.onResolved != nil {
		s.onResolved(ctx, incidentID)
	}
	s.logger.Info("incident resolved", slog.String("incident_id", incidentID))
	return incident, nil
}

// Get reads one incident.
func (s *IncidentService) Get(ctx context.Context, incidentID string) (models.Incident, error) {
	return s.registry.Get(ctx, incidentID)
}

// ListOpen lists unresolved incidents.
func (s *IncidentService) ListOpen(ctx context.Context) ([]models.Incident, error) {
	return s.registry.ListOpen(ctx)
}

func (s *IncidentService) notify(ctx context.Context, incidentID string) {
	s.invalidate(ctx, incidentID)
	if s.hub != nil {
		s.hub.NotifyWindowChanged(incidentID)
	}
}

func (s *IncidentService) invalidate(ctx context.Context, incidentID string) {
	if s.cached != nil {
		s.cached.Invalidate(ctx, incidentID)
	}
}
