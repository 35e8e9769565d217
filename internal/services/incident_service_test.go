package services

import (
	"context"
	"testing"

	"github.com/opslens/chronicle/internal/models"
	"github.com/opslens/chronicle/internal/registry"
)

func TestIncidentServiceNotifiesOnWindowChanges(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	hub := registry.NewHub()
	ctx := context.Background()

	var notified []string
	hub.Subscribe(func(incidentID string) { notified = append(notified, incidentID) })

	var resolvedIDs []string
	svc := NewIncidentService(nil, reg, hub, nil, func(ctx context.Context, incidentID string) {
		resolvedIDs = append(resolvedIDs, incidentID)
	})

	opened, err := svc.Open(ctx, models.Incident{Severity: models.SeverityHigh})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notified) != 1 || notified[0] != opened.ID {
		t.Fatalf("open should announce the new window, got %v", notified)
	}

	// Acknowledging does not move the window.
	if _, err := svc.Acknowledge(ctx, opened.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notified) != 1 {
		t.Fatalf("acknowledge must not notify, got %v", notified)
	}

	resolved, err := svc.Resolve(ctx, opened.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Status != models.StatusResolved {
		t.Fatalf("unexpected status: %s", resolved.Status)
	}
	if len(notified) != 2 {
		t.Fatalf("resolve should announce the window change, got %v", notified)
	}
	if len(resolvedIDs) != 1 || resolvedIDs[0] != opened.ID {
		t.Fatalf("resolve hook not invoked: %v", resolvedIDs)
	}

	open, err := svc.ListOpen(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("resolved incident still listed open: %+v", open)
	}
}
