package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opslens/chronicle/internal/cache"
	"github.com/opslens/chronicle/internal/models"
)

func TestMemoryRegistryLifecycle(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	opened, err := reg.Open(ctx, models.Incident{
		Severity:             models.SeverityHigh,
		AffectedResourceKeys: []string{"prod/api"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opened.ID == "" {
		t.Fatalf("expected assigned incident id")
	}
	if opened.Status != models.StatusOpen || opened.OpenedAt.IsZero() {
		t.Fatalf("unexpected opened state: %+v", opened)
	}

	acked, err := reg.Acknowledge(ctx, opened.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acked.Status != models.StatusAcknowledged {
		t.Fatalf("expected acknowledged, got %s", acked.Status)
	}

	resolved, err := reg.Resolve(ctx, opened.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Status != models.StatusResolved || resolved.ResolvedAt == nil {
		t.Fatalf("resolved incidents must carry resolved_at: %+v", resolved)
	}
	if resolved.ResolvedAt.Before(resolved.OpenedAt) {
		t.Fatalf("resolved_at must not precede opened_at")
	}

	// Resolve is idempotent; the original resolved_at sticks.
	again, err := reg.Resolve(ctx, opened.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !again.ResolvedAt.Equal(*resolved.ResolvedAt) {
		t.Fatalf("second resolve must not move resolved_at")
	}

	if _, err := reg.Acknowledge(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRegistryListOpenExcludesResolved(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	first, _ := reg.Open(ctx, models.Incident{Severity: models.SeverityLow})
	second, _ := reg.Open(ctx, models.Incident{Severity: models.SeverityHigh})
	if _, err := reg.Resolve(ctx, first.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	open, err := reg.ListOpen(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(open) != 1 || open[0].ID != second.ID {
		t.Fatalf("expected only the unresolved incident, got %+v", open)
	}
}

func TestMemoryRegistryListOverlapping(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	base := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

	past, _ := reg.Open(ctx, models.Incident{OpenedAt: base.Add(-3 * time.Hour)})
	recent, _ := reg.Open(ctx, models.Incident{OpenedAt: base})

	// Close the old incident's window well before the probe.
	resolvedAt := base.Add(-2 * time.Hour)
	reg.mu.Lock()
	incident := reg.incidents[past.ID]
	incident.Status = models.StatusResolved
	incident.ResolvedAt = &resolvedAt
	reg.incidents[past.ID] = incident
	reg.mu.Unlock()

	overlapping, err := reg.ListOverlapping(ctx, models.TimeRange{Start: base.Add(-time.Minute), End: base.Add(time.Minute)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(overlapping) != 1 || overlapping[0].ID != recent.ID {
		t.Fatalf("expected only the window-overlapping incident, got %+v", overlapping)
	}
}

// countingReader tracks how often the inner registry is consulted.
type countingReader struct {
	inner Reader
	gets  int
}

func (c *countingReader) Get(ctx context.Context, incidentID string) (models.Incident, error) {
	c.gets++
	return c.inner.Get(ctx, incidentID)
}

func (c *countingReader) ListOpen(ctx context.Context) ([]models.Incident, error) {
	return c.inner.ListOpen(ctx)
}

func (c *countingReader) ListOverlapping(ctx context.Context, tr models.TimeRange) ([]models.Incident, error) {
	return c.inner.ListOverlapping(ctx, tr)
}

func TestCachedReaderServesRepeatLookupsFromCache(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	opened, err := reg.Open(ctx, models.Incident{Severity: models.SeverityHigh})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	counting := &countingReader{inner: reg}
	cached := NewCachedReader(counting, cache.NewMemoryProvider(), time.Minute, nil)

	for i := 0; i < 3; i++ {
		incident, err := cached.Get(ctx, opened.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if incident.ID != opened.ID {
			t.Fatalf("unexpected incident: %+v", incident)
		}
	}
	if counting.gets != 1 {
		t.Fatalf("expected a single registry read, got %d", counting.gets)
	}
}

func TestCachedReaderInvalidateForcesReload(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	opened, err := reg.Open(ctx, models.Incident{Severity: models.SeverityLow})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	counting := &countingReader{inner: reg}
	cached := NewCachedReader(counting, cache.NewMemoryProvider(), time.Minute, nil)

	if _, err := cached.Get(ctx, opened.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := reg.Resolve(ctx, opened.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cached.Invalidate(ctx, opened.ID)

	incident, err := cached.Get(ctx, opened.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if incident.Status != models.StatusResolved {
		t.Fatalf("stale copy served after invalidation: %+v", incident)
	}
	if counting.gets != 2 {
		t.Fatalf("expected a reload after invalidation, got %d reads", counting.gets)
	}
}

func TestCachedReaderMissReturnsNotFound(t *testing.T) {
	cached := NewCachedReader(NewMemoryRegistry(), cache.NewMemoryProvider(), time.Minute, nil)
	if _, err := cached.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHubNotifiesEverySubscriber(t *testing.T) {
	hub := NewHub()
	var got []string
	hub.Subscribe(func(incidentID string) { got = append(got, "first:"+incidentID) })
	hub.Subscribe(func(incidentID string) { got = append(got, "second:"+incidentID) })
	hub.Subscribe(nil)

	hub.NotifyWindowChanged("inc-1")
	if len(got) != 2 || got[0] != "first:inc-1" || got[1] != "second:inc-1" {
		t.Fatalf("unexpected notifications: %v", got)
	}
}
