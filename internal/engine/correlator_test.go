package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/opslens/chronicle/internal/models"
	"github.com/opslens/chronicle/internal/store"
)

// fakeIncidents serves a fixed incident set with a pinned clock.
type fakeIncidents struct {
	incidents []models.Incident
	now       time.Time
}

func (f *fakeIncidents) Get(ctx context.Context, incidentID string) (models.Incident, error) {
	for _, incident := range f.incidents {
		if incident.ID == incidentID {
			return incident, nil
		}
	}
	return models.Incident{}, store.ErrNotFound
}

func (f *fakeIncidents) ListOpen(ctx context.Context) ([]models.Incident, error) {
	var out []models.Incident
	for _, incident := range f.incidents {
		if incident.Status != models.StatusResolved {
			out = append(out, incident)
		}
	}
	return out, nil
}

func (f *fakeIncidents) ListOverlapping(ctx context.Context, tr models.TimeRange) ([]models.Incident, error) {
	var out []models.Incident
	for _, incident := range f.incidents {
		window := incident.Window(f.now)
		if window.Start.After(tr.End) || window.End.Before(tr.Start) {
			continue
		}
		out = append(out, incident)
	}
	return out, nil
}

func newTestCorrelator(timelineStore store.TimelineStore, incidents *fakeIncidents) *Correlator {
	c := NewCorrelator(Config{LookbackMargin: 15 * time.Minute}, nil, timelineStore, incidents)
	c.now = func() time.Time { return incidents.now }
	return c
}

func correlatorEvent(id, resourceKey string, occurredAt time.Time) models.TimelineEvent {
	return models.TimelineEvent{
		ID:          id,
		OccurredAt:  occurredAt,
		ReceivedAt:  occurredAt.Add(time.Second),
		ChangeType:  models.ChangeTypeDeployment,
		Source:      models.SourceKubernetes,
		ResourceKey: resourceKey,
		DedupKey:    models.FingerprintDedupKey(models.SourceKubernetes, resourceKey, occurredAt, models.ChangeTypeDeployment),
	}
}

func mustAppend(t *testing.T, s store.TimelineStore, events ...models.TimelineEvent) {
	t.Helper()
	for _, event := range events {
		if err := s.Append(context.Background(), event); err != nil {
			t.Fatalf("append %s: %v", event.ID, err)
		}
	}
}

func singleCorrelation(t *testing.T, s store.TimelineStore, eventID string) models.Correlation {
	t.Helper()
	correlations, err := s.ListCorrelationsByEvent(context.Background(), eventID)
	if err != nil {
		t.Fatalf("list correlations: %v", err)
	}
	if len(correlations) != 1 {
		t.Fatalf("expected exactly one correlation for %s, got %d", eventID, len(correlations))
	}
	return correlations[0]
}

func TestCorrelateResourceAndTemporalMatch(t *testing.T) {
	opened := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	incidents := &fakeIncidents{
		now: opened.Add(5 * time.Minute),
		incidents: []models.Incident{{
			ID: "inc-1", Status: models.StatusOpen, OpenedAt: opened,
			AffectedResourceKeys: []string{"prod/api"},
		}},
	}
	memStore := store.NewMemoryStore()
	c := newTestCorrelator(memStore, incidents)

	// Deployed two minutes before the incident opened: inside the look-back.
	event := correlatorEvent("e1", "prod/api", opened.Add(-2*time.Minute))
	mustAppend(t, memStore, event)

	written, err := c.Correlate(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written != 1 {
		t.Fatalf("expected 1 correlation, got %d", written)
	}

	corr := singleCorrelation(t, memStore, "e1")
	if corr.Basis != models.BasisBoth {
		t.Fatalf("expected basis both, got %s", corr.Basis)
	}
	want := 1.0 - 0.2*(2.0/15.0)
	if math.Abs(corr.Confidence-want) > 1e-9 {
		t.Fatalf("confidence: got %f want %f", corr.Confidence, want)
	}
}

func TestCorrelateTemporalOnly(t *testing.T) {
	opened := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	incidents := &fakeIncidents{
		now: opened.Add(30 * time.Minute),
		incidents: []models.Incident{{
			ID: "inc-1", Status: models.StatusOpen, OpenedAt: opened,
			AffectedResourceKeys: []string{"prod/worker"},
		}},
	}
	memStore := store.NewMemoryStore()
	c := newTestCorrelator(memStore, incidents)

	inWindow := correlatorEvent("e-in", "prod/api", opened.Add(5*time.Minute))
	mustAppend(t, memStore, inWindow)
	if _, err := c.Correlate(context.Background(), inWindow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	corr := singleCorrelation(t, memStore, "e-in")
	if corr.Basis != models.BasisTemporalOverlap {
		t.Fatalf("expected basis temporal_overlap, got %s", corr.Basis)
	}
	if corr.Confidence != 0.5 {
		t.Fatalf("in-window temporal confidence should be 0.5, got %f", corr.Confidence)
	}

	// Ten minutes before opened_at: the temporal signal fades with distance.
	lookback := correlatorEvent("e-back", "prod/db", opened.Add(-10*time.Minute))
	mustAppend(t, memStore, lookback)
	if _, err := c.Correlate(context.Background(), lookback); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	corr = singleCorrelation(t, memStore, "e-back")
	want := 0.5 * (1.0 - 10.0/15.0)
	if math.Abs(corr.Confidence-want) > 1e-9 {
		t.Fatalf("lookback confidence: got %f want %f", corr.Confidence, want)
	}
	if corr.Confidence >= 0.5 {
		t.Fatalf("lookback confidence must stay below in-window confidence")
	}
}

func TestCorrelateResourceOnly(t *testing.T) {
	opened := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	incidents := &fakeIncidents{
		now: opened.Add(time.Hour),
		incidents: []models.Incident{{
			ID: "inc-1", Status: models.StatusOpen, OpenedAt: opened,
			AffectedResourceKeys: []string{"prod/api"},
		}},
	}
	memStore := store.NewMemoryStore()
	c := newTestCorrelator(memStore, incidents)

	// Far outside the window and margin, but on an affected resource.
	event := correlatorEvent("e1", "prod/api", opened.Add(-2*time.Hour))
	mustAppend(t, memStore, event)
	if _, err := c.Correlate(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	corr := singleCorrelation(t, memStore, "e1")
	if corr.Basis != models.BasisResourceMatch {
		t.Fatalf("expected basis resource_match, got %s", corr.Basis)
	}
	if corr.Confidence != 0.25 {
		t.Fatalf("resource-only confidence should be 0.25, got %f", corr.Confidence)
	}
}

func TestCorrelateSkipsUnrelatedIncidents(t *testing.T) {
	opened := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	incidents := &fakeIncidents{
		now: opened.Add(time.Hour),
		incidents: []models.Incident{{
			ID: "inc-1", Status: models.StatusOpen, OpenedAt: opened,
			AffectedResourceKeys: []string{"prod/api"},
		}},
	}
	memStore := store.NewMemoryStore()
	c := newTestCorrelator(memStore, incidents)

	event := correlatorEvent("e1", "prod/db", opened.Add(-2*time.Hour))
	mustAppend(t, memStore, event)
	written, err := c.Correlate(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written != 0 {
		t.Fatalf("expected no correlations, got %d", written)
	}
}

func TestCorrelateEventCanMatchSeveralIncidents(t *testing.T) {
	opened := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	incidents := &fakeIncidents{
		now: opened.Add(10 * time.Minute),
		incidents: []models.Incident{
			{ID: "inc-1", Status: models.StatusOpen, OpenedAt: opened, AffectedResourceKeys: []string{"prod/api"}},
			{ID: "inc-2", Status: models.StatusOpen, OpenedAt: opened.Add(time.Minute), AffectedResourceKeys: []string{"prod/worker"}},
		},
	}
	memStore := store.NewMemoryStore()
	c := newTestCorrelator(memStore, incidents)

	event := correlatorEvent("e1", "prod/api", opened.Add(2*time.Minute))
	mustAppend(t, memStore, event)
	written, err := c.Correlate(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written != 2 {
		t.Fatalf("expected correlations against both incidents, got %d", written)
	}

	correlations, err := memStore.ListCorrelationsByEvent(context.Background(), "e1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(correlations) != 2 {
		t.Fatalf("expected 2 records, got %d", len(correlations))
	}
	// inc-1 has both signals; inc-2 only overlaps.
	if correlations[0].Confidence <= correlations[1].Confidence {
		t.Fatalf("combined-signal confidence must outrank temporal-only: %f vs %f",
			correlations[0].Confidence, correlations[1].Confidence)
	}
}

func TestReevaluateRevisesAndExtendsCorrelations(t *testing.T) {
	opened := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	resolvedAt := opened.Add(10 * time.Minute)
	incidents := &fakeIncidents{
		now: opened.Add(time.Hour),
		incidents: []models.Incident{{
			ID: "inc-1", Status: models.StatusResolved, OpenedAt: opened, ResolvedAt: &resolvedAt,
			AffectedResourceKeys: []string{"prod/api"},
		}},
	}
	memStore := store.NewMemoryStore()
	c := newTestCorrelator(memStore, incidents)
	ctx := context.Background()

	inside := correlatorEvent("e-inside", "prod/api", opened.Add(5*time.Minute))
	uncovered := correlatorEvent("e-new", "prod/db", opened.Add(2*time.Minute))
	mustAppend(t, memStore, inside, uncovered)

	// A stale record from before resolution, scored while the window was open.
	stale := models.Correlation{
		EventID: "e-inside", IncidentID: "inc-1",
		Confidence: 0.5, Basis: models.BasisTemporalOverlap, EvaluatedAt: opened,
	}
	if err := memStore.UpsertCorrelation(ctx, stale); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	written, err := c.Reevaluate(ctx, "inc-1", TriggerWindowChanged)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written != 2 {
		t.Fatalf("expected the stale record revised and the new event added, got %d writes", written)
	}

	revised := singleCorrelation(t, memStore, "e-inside")
	if revised.Basis != models.BasisBoth {
		t.Fatalf("revised record should now carry both signals, got %s", revised.Basis)
	}
	if !revised.EvaluatedAt.Equal(incidents.now) {
		t.Fatalf("revised record should carry the new evaluation time")
	}

	added := singleCorrelation(t, memStore, "e-new")
	if added.Basis != models.BasisTemporalOverlap {
		t.Fatalf("new record should be temporal, got %s", added.Basis)
	}
}

func TestReevaluateKeepsRecordsThatNoLongerQualify(t *testing.T) {
	opened := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	resolvedAt := opened.Add(5 * time.Minute)
	incidents := &fakeIncidents{
		now: opened.Add(time.Hour),
		incidents: []models.Incident{{
			ID: "inc-1", Status: models.StatusResolved, OpenedAt: opened, ResolvedAt: &resolvedAt,
		}},
	}
	memStore := store.NewMemoryStore()
	c := newTestCorrelator(memStore, incidents)
	ctx := context.Background()

	// Correlated while the window was still open; resolution moved the window
	// end before the event.
	outside := correlatorEvent("e-outside", "prod/db", opened.Add(30*time.Minute))
	mustAppend(t, memStore, outside)
	original := models.Correlation{
		EventID: "e-outside", IncidentID: "inc-1",
		Confidence: 0.5, Basis: models.BasisTemporalOverlap, EvaluatedAt: opened.Add(30 * time.Minute),
	}
	if err := memStore.UpsertCorrelation(ctx, original); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := c.Reevaluate(ctx, "inc-1", TriggerWindowChanged); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	kept := singleCorrelation(t, memStore, "e-outside")
	if !kept.EvaluatedAt.Equal(original.EvaluatedAt) || kept.Confidence != original.Confidence {
		t.Fatalf("non-qualifying record must be kept untouched, got %+v", kept)
	}
}

func TestHandleLateArrivalReevaluatesResolvedIncidents(t *testing.T) {
	opened := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	resolvedAt := opened.Add(10 * time.Minute)
	incidents := &fakeIncidents{
		now: opened.Add(time.Hour),
		incidents: []models.Incident{{
			ID: "inc-1", Status: models.StatusResolved, OpenedAt: opened, ResolvedAt: &resolvedAt,
			AffectedResourceKeys: []string{"prod/api"},
		}},
	}
	memStore := store.NewMemoryStore()
	c := newTestCorrelator(memStore, incidents)
	ctx := context.Background()

	// The late change landed before the incident opened, inside the look-back.
	late := correlatorEvent("e-late", "prod/api", opened.Add(-3*time.Minute))
	mustAppend(t, memStore, late)

	written, err := c.HandleLateArrival(ctx, late)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written != 1 {
		t.Fatalf("expected the late event correlated against the resolved incident, got %d", written)
	}

	corr := singleCorrelation(t, memStore, "e-late")
	if corr.Basis != models.BasisBoth {
		t.Fatalf("expected basis both for the late change, got %s", corr.Basis)
	}
}

func TestConfidenceDecreasesWithDistanceFromOpening(t *testing.T) {
	opened := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	incidents := &fakeIncidents{
		now: opened.Add(5 * time.Minute),
		incidents: []models.Incident{{
			ID: "inc-1", Status: models.StatusOpen, OpenedAt: opened,
			AffectedResourceKeys: []string{"prod/api"},
		}},
	}
	memStore := store.NewMemoryStore()
	c := newTestCorrelator(memStore, incidents)
	ctx := context.Background()

	// Both events carry both signals; only their distance to opened_at differs.
	near := correlatorEvent("e-near", "prod/api", opened.Add(-time.Minute))
	far := correlatorEvent("e-far", "prod/api", opened.Add(-10*time.Minute))
	mustAppend(t, memStore, near, far)
	for _, event := range []models.TimelineEvent{near, far} {
		if _, err := c.Correlate(ctx, event); err != nil {
			t.Fatalf("correlate %s: %v", event.ID, err)
		}
	}

	nearCorr := singleCorrelation(t, memStore, "e-near")
	farCorr := singleCorrelation(t, memStore, "e-far")
	if nearCorr.Basis != models.BasisBoth || farCorr.Basis != models.BasisBoth {
		t.Fatalf("expected basis both for both events, got %s and %s", nearCorr.Basis, farCorr.Basis)
	}
	if nearCorr.Confidence < farCorr.Confidence {
		t.Fatalf("closer event must not score lower: %f vs %f", nearCorr.Confidence, farCorr.Confidence)
	}
}

func TestScoreStaysWithinUnitInterval(t *testing.T) {
	opened := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	incidents := &fakeIncidents{now: opened.Add(time.Hour)}
	c := newTestCorrelator(store.NewMemoryStore(), incidents)

	incident := models.Incident{
		ID: "inc-1", Status: models.StatusOpen, OpenedAt: opened,
		AffectedResourceKeys: []string{"prod/api"},
	}
	for _, offset := range []time.Duration{-20 * time.Minute, -15 * time.Minute, -2 * time.Minute, 0, 30 * time.Minute, 2 * time.Hour} {
		event := correlatorEvent("e", "prod/api", opened.Add(offset))
		confidence, _, ok := c.score(event, incident, incidents.now)
		if !ok {
			continue
		}
		if confidence < 0 || confidence > 1 {
			t.Fatalf("offset %v: confidence %f outside [0,1]", offset, confidence)
		}
	}
}
