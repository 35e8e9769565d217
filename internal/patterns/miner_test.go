package patterns

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/opslens/chronicle/internal/models"
	"github.com/opslens/chronicle/internal/store"
)

func minedEvent(id, resourceKey string, changeType models.ChangeType, occurredAt time.Time) models.TimelineEvent {
	return models.TimelineEvent{
		ID:          id,
		OccurredAt:  occurredAt,
		ReceivedAt:  occurredAt,
		ChangeType:  changeType,
		Source:      models.SourceKubernetes,
		ResourceKey: resourceKey,
		DedupKey:    models.FingerprintDedupKey(models.SourceKubernetes, resourceKey, occurredAt, changeType),
	}
}

func TestMinerRanksResourcesByIncidentCount(t *testing.T) {
	memStore := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

	events := []models.TimelineEvent{
		minedEvent("a1", "prod/api", models.ChangeTypeDeployment, base),
		minedEvent("a2", "prod/api", models.ChangeTypeDeployment, base.Add(10*time.Minute)),
		minedEvent("b1", "prod/worker", models.ChangeTypeConfigChange, base.Add(5*time.Minute)),
		minedEvent("quiet", "prod/db", models.ChangeTypeScaleEvent, base.Add(time.Minute)),
	}
	for _, event := range events {
		if err := memStore.Append(ctx, event); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	correlations := []models.Correlation{
		{EventID: "a1", IncidentID: "inc-1", Confidence: 0.9, Basis: models.BasisBoth, EvaluatedAt: base},
		{EventID: "a2", IncidentID: "inc-2", Confidence: 0.5, Basis: models.BasisTemporalOverlap, EvaluatedAt: base},
		{EventID: "b1", IncidentID: "inc-1", Confidence: 0.25, Basis: models.BasisResourceMatch, EvaluatedAt: base},
	}
	for _, corr := range correlations {
		if err := memStore.UpsertCorrelation(ctx, corr); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	miner := NewMiner(nil, memStore)
	hotspots, err := miner.Mine(ctx, models.TimeRange{Start: base.Add(-time.Hour), End: base.Add(time.Hour)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hotspots) != 2 {
		t.Fatalf("uncorrelated resources must not rank; got %d hotspots", len(hotspots))
	}

	top := hotspots[0]
	if top.ResourceKey != "prod/api" || top.IncidentCount != 2 || top.EventCount != 2 {
		t.Fatalf("unexpected top hotspot: %+v", top)
	}
	if top.TopChangeType != models.ChangeTypeDeployment {
		t.Fatalf("unexpected top change type: %s", top.TopChangeType)
	}
	if math.Abs(top.AvgConfidence-0.7) > 1e-9 {
		t.Fatalf("avg confidence: got %f want 0.7", top.AvgConfidence)
	}
	if !top.LastSeen.Equal(base.Add(10 * time.Minute)) {
		t.Fatalf("unexpected last seen: %v", top.LastSeen)
	}

	if hotspots[1].ResourceKey != "prod/worker" || hotspots[1].IncidentCount != 1 {
		t.Fatalf("unexpected second hotspot: %+v", hotspots[1])
	}
}

func TestMinerEmptyRange(t *testing.T) {
	miner := NewMiner(nil, store.NewMemoryStore())
	base := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	hotspots, err := miner.Mine(context.Background(), models.TimeRange{Start: base, End: base.Add(time.Hour)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hotspots) != 0 {
		t.Fatalf("expected no hotspots, got %d", len(hotspots))
	}
}
