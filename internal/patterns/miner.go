// Package patterns mines change hotspots from correlation history: resource
// keys whose changes keep landing inside incident windows.
package patterns

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/opslens/chronicle/internal/models"
	"github.com/opslens/chronicle/internal/store"
)

// Hotspot aggregates correlation history for one resource key.
type Hotspot struct {
	ResourceKey   string
	IncidentCount int
	EventCount    int
	AvgConfidence float64
	TopChangeType models.ChangeType
	LastSeen      time.Time
}

// Miner analyses stored correlations and ranks resource hotspots.
type Miner struct {
	store  store.TimelineStore
	logger *slog.Logger
}

// NewMiner constructs a Miner.
func NewMiner(logger *slog.Logger, timelineStore store.TimelineStore) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{store: timelineStore, logger: logger}
}

// Mine aggregates correlated events inside the range by resource key and
// returns hotspots ordered by distinct incident count, then event count.
func (m *Miner) Mine(ctx context.Context, tr models.TimeRange) ([]Hotspot, error) {
	events, err := m.store.QueryByTimeRange(ctx, tr)
	if err != nil {
		return nil, err
	}

	stats := make(map[string]*resourceAggregate)
	for _, event := range events {
		correlations, err := m.store.ListCorrelationsByEvent(ctx, event.ID)
		if err != nil {
			m.logger.Warn("hotspot mining skipped event",
				slog.String("event_id", event.ID), slog.Any("error", err))
			continue
		}
		if len(correlations) == 0 {
			continue
		}

		agg, ok := stats[event.ResourceKey]
		if !ok {
			agg = &resourceAggregate{
				incidents:   make(map[string]struct{}),
				changeTypes: make(map[models.ChangeType]int),
			}
			stats[event.ResourceKey] = agg
		}
		agg.eventCount++
		agg.changeTypes[event.ChangeType]++
		if event.OccurredAt.After(agg.lastSeen) {
			agg.lastSeen = event.OccurredAt
		}
		for _, corr := range correlations {
			agg.incidents[corr.IncidentID] = struct{}{}
			agg.confidenceSum += corr.Confidence
			agg.correlationCount++
		}
	}

	hotspots := make([]Hotspot, 0, len(stats))
	for resourceKey, agg := range stats {
		hotspot := Hotspot{
			ResourceKey:   resourceKey,
			IncidentCount: len(agg.incidents),
			EventCount:    agg.eventCount,
			TopChangeType: agg.topChangeType(),
			LastSeen:      agg.lastSeen,
		}
		if agg.correlationCount > 0 {
			hotspot.AvgConfidence = agg.confidenceSum / float64(agg.correlationCount)
		}
		hotspots = append(hotspots, hotspot)
	}

	sort.Slice(hotspots, func(i, j int) bool {
		if hotspots[i].IncidentCount != hotspots[j].IncidentCount {
			return hotspots[i].IncidentCount > hotspots[j].IncidentCount
		}
		if hotspots[i].EventCount != hotspots[j].EventCount {
			return hotspots[i].EventCount > hotspots[j].EventCount
		}
		return hotspots[i].ResourceKey < hotspots[j].ResourceKey
	})
	return hotspots, nil
}

type resourceAggregate struct {
	incidents        map[string]struct{}
	changeTypes      map[models.ChangeType]int
	eventCount       int
	correlationCount int
	confidenceSum    float64
	lastSeen         time.Time
}

func (a *resourceAggregate) topChangeType() models.ChangeType {
	var (
		top   models.ChangeType
		count int
	)
	for changeType, n := range a.changeTypes {
		if n > count || (n == count && changeType < top) {
			top = changeType
			count = n
		}
	}
	return top
}
