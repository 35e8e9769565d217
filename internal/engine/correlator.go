// Package engine maps admitted timeline events to the incidents they plausibly
// affected, with a confidence score per association.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opslens/chronicle/internal/models"
	"github.com/opslens/chronicle/internal/registry"
	"github.com/opslens/chronicle/internal/store"
	"github.com/opslens/chronicle/internal/utils"
)

// Re-evaluation triggers, used for logging and metrics labels.
const (
	TriggerLateArrival   = "late_arrival"
	TriggerWindowChanged = "window_changed"
)

// Config tunes candidate selection and confidence scoring.
type Config struct {
	// LookbackMargin extends an incident window backward from opened_at so the
	// change that caused the incident still qualifies temporally.
	LookbackMargin time.Duration
	// ResourceBase is the confidence for a resource match with no temporal
	// overlap; the weakest signal.
	ResourceBase float64
	// TemporalBase is the confidence for temporal overlap alone, before decay.
	TemporalBase float64
	// BothDecayCap bounds how much distance from opened_at can reduce a
	// combined-signal score below 1.0.
	BothDecayCap float64
}

func (c *Config) applyDefaults() {
	if c.LookbackMargin <= 0 {
		c.LookbackMargin = 15 * time.Minute
	}
	if c.ResourceBase <= 0 {
		c.ResourceBase = 0.25
	}
	if c.TemporalBase <= 0 {
		c.TemporalBase = 0.5
	}
	if c.BothDecayCap <= 0 {
		c.BothDecayCap = 0.2
	}
}

// Correlator decides which incidents each event is associated with. It reads
// incident state and writes correlation records; incident lifecycle mutations
// stay with the registry.
type Correlator struct {
	cfg       Config
	logger    *slog.Logger
	store     store.TimelineStore
	incidents registry.Reader
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-incident critical sections
}

// NewCorrelator constructs the engine.
func NewCorrelator(cfg Config, logger *slog.Logger, timelineStore store.TimelineStore, incidents registry.Reader) *Correlator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		cfg:       cfg,
		logger:    logger,
		store:     timelineStore,
		incidents: incidents,
		now:       func() time.Time { return time.Now().UTC() },
		locks:     make(map[string]*sync.Mutex),
	}
}

// Correlate evaluates one admitted event against candidate incidents and
// persists a correlation per qualifying incident. An event can plausibly
// affect several incidents, so every qualifying candidate is retained; the
// confidence score lets callers rank relevance. A failure evaluating one
// incident never aborts the others.
func (c *Correlator) Correlate(ctx context.Context, event models.TimelineEvent) (int, error) {
	candidates, err := c.candidates(ctx, event)
	if err != nil {
		return 0, err
	}

	now := c.now()
	written := 0
	var firstErr error
	for _, incident := range candidates {
		confidence, basis, ok := c.score(event, incident, now)
		if !ok {
			continue
		}
		corr := models.Correlation{
			EventID:     event.ID,
			IncidentID:  incident.ID,
			Confidence:  confidence,
			Basis:       basis,
			EvaluatedAt: now,
		}
		if err := c.writeLocked(ctx, corr); err != nil {
			c.logger.Warn("correlation write failed",
				slog.String("incident_id", incident.ID),
				slog.String("event_id", event.ID),
				slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		written++
	}
	return written, firstErr
}

// Reevaluate recomputes confidence for every existing correlation of the
// incident and scores any stored events that newly fall inside its revised
// window. Pre-existing records are never discarded: resolution can
// retroactively change which events matter for post-hoc analysis, but history
// stays auditable.
func (c *Correlator) Reevaluate(ctx context.Context, incidentID, trigger string) (int, error) {
	lock := c.incidentLock(incidentID)
	lock.Lock()
	defer lock.Unlock()

	incident, err := c.incidents.Get(ctx, incidentID)
	if err != nil {
		return 0, fmt.Errorf("load incident %s: %w", incidentID, err)
	}

	now := c.now()
	written := 0

	existing, err := c.store.ListCorrelationsByIncident(ctx, incidentID)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{}, len(existing))
	for _, corr := range existing {
		seen[corr.EventID] = struct{}{}
		event, err := c.store.GetEvent(ctx, corr.EventID)
		if err != nil {
			c.logger.Warn("re-evaluation skipped missing event",
				slog.String("event_id", corr.EventID), slog.Any("error", err))
			continue
		}
		confidence, basis, ok := c.score(event, incident, now)
		if !ok {
			// The event no longer qualifies under the revised window; the
			// record is kept as-is for audit.
			continue
		}
		update := models.Correlation{
			EventID:     corr.EventID,
			IncidentID:  incidentID,
			Confidence:  confidence,
			Basis:       basis,
			EvaluatedAt: now,
		}
		if err := c.store.UpsertCorrelation(ctx, update); err != nil {
			c.logger.Warn("re-evaluation write failed",
				slog.String("event_id", corr.EventID), slog.Any("error", err))
			continue
		}
		written++
	}

	// Events that were not correlated before may fall inside the revised
	// window now.
	window := incident.Window(now)
	scan := models.TimeRange{Start: window.Start.Add(-c.cfg.LookbackMargin), End: window.End}
	events, err := c.store.QueryByTimeRange(ctx, scan)
	if err != nil {
		return written, err
	}
	for _, event := range events {
		if _, done := seen[event.ID]; done {
			continue
		}
		confidence, basis, ok := c.score(event, incident, now)
		if !ok {
			continue
		}
		corr := models.Correlation{
			EventID:     event.ID,
			IncidentID:  incidentID,
			Confidence:  confidence,
			Basis:       basis,
			EvaluatedAt: now,
		}
		if err := c.store.UpsertCorrelation(ctx, corr); err != nil {
			c.logger.Warn("re-evaluation write failed",
				slog.String("event_id", event.ID), slog.Any("error", err))
			continue
		}
		written++
	}

	c.logger.Debug("incident re-evaluated",
		slog.String("incident_id", incidentID),
		slog.String("trigger", trigger),
		slog.Int("written", written))
	return written, nil
}

// HandleLateArrival reopens correlation evaluation for resolved incidents the
// late event's occurred_at falls behind. History is append-only, so the
// existing correlation set is recomputed, never discarded.
func (c *Correlator) HandleLateArrival(ctx context.Context, event models.TimelineEvent) (int, error) {
	probe := models.TimeRange{
		Start: event.OccurredAt,
		End:   event.OccurredAt.Add(c.cfg.LookbackMargin),
	}
	incidents, err := c.incidents.ListOverlapping(ctx, probe)
	if err != nil {
		return 0, fmt.Errorf("list incidents for late arrival: %w", err)
	}

	written := 0
	var firstErr error
	for _, incident := range incidents {
		if incident.Status != models.StatusResolved {
			continue
		}
		n, err := c.Reevaluate(ctx, incident.ID, TriggerLateArrival)
		written += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return written, firstErr
}

// candidates selects incidents that intersect the event by resource affinity
// or by temporal overlap with the look-back margin applied.
func (c *Correlator) candidates(ctx context.Context, event models.TimelineEvent) ([]models.Incident, error) {
	// Temporal candidates: the incident window contains occurred_at once the
	// margin is applied, i.e. the window overlaps
	// [occurred_at, occurred_at + margin].
	probe := models.TimeRange{
		Start: event.OccurredAt,
		End:   event.OccurredAt.Add(c.cfg.LookbackMargin),
	}
	overlapping, err := c.incidents.ListOverlapping(ctx, probe)
	if err != nil {
		return nil, fmt.Errorf("list overlapping incidents: %w", err)
	}

	// Resource-affinity candidates among still-active incidents; resolved
	// incidents only qualify through their window.
	open, err := c.incidents.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open incidents: %w", err)
	}

	byID := make(map[string]models.Incident, len(overlapping)+len(open))
	for _, incident := range overlapping {
		byID[incident.ID] = incident
	}
	for _, incident := range open {
		if incident.Affects(event.ResourceKey) {
			byID[incident.ID] = incident
		}
	}

	out := make([]models.Incident, 0, len(byID))
	for _, incident := range byID {
		out = append(out, incident)
	}
	return out, nil
}

// score computes the confidence and basis for one (event, incident) pair, or
// reports that the pair does not qualify.
func (c *Correlator) score(event models.TimelineEvent, incident models.Incident, now time.Time) (float64, models.CorrelationBasis, bool) {
	window := incident.Window(now)
	margin := c.cfg.LookbackMargin

	resourceMatch := incident.Affects(event.ResourceKey)
	inWindow := window.Contains(event.OccurredAt)
	inLookback := !inWindow &&
		event.OccurredAt.Before(window.Start) &&
		!event.OccurredAt.Before(window.Start.Add(-margin))
	temporal := inWindow || inLookback

	distance := utils.AbsDuration(event.OccurredAt, incident.OpenedAt)

	switch {
	case resourceMatch && temporal:
		// Strongest signal: both affinity and overlap. Distance from the
		// moment the incident opened erodes the score only slightly.
		decay := c.cfg.BothDecayCap * ratio(distance, margin)
		return clamp(1.0-decay, 0, 1), models.BasisBoth, true
	case temporal:
		confidence := c.cfg.TemporalBase
		if !inWindow {
			// Outside the active window the temporal signal fades linearly
			// with distance from opened_at.
			confidence *= 1 - ratio(distance, margin)
		}
		if confidence <= 0 {
			return 0, "", false
		}
		return clamp(confidence, 0, 1), models.BasisTemporalOverlap, true
	case resourceMatch:
		return c.cfg.ResourceBase, models.BasisResourceMatch, true
	default:
		return 0, "", false
	}
}

func (c *Correlator) writeLocked(ctx context.Context, corr models.Correlation) error {
	lock := c.incidentLock(corr.IncidentID)
	lock.Lock()
	defer lock.Unlock()
	return c.store.UpsertCorrelation(ctx, corr)
}

func (c *Correlator) incidentLock(incidentID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[incidentID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[incidentID] = lock
	}
	return lock
}

func ratio(d, of time.Duration) float64 {
	if of <= 0 {
		return 1
	}
	r := float64(d) / float64(of)
	if r > 1 {
		return 1
	}
	return r
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
