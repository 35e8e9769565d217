package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opslens/chronicle/internal/buffer"
	"github.com/opslens/chronicle/internal/deadletter"
	"github.com/opslens/chronicle/internal/engine"
	"github.com/opslens/chronicle/internal/metrics"
	"github.com/opslens/chronicle/internal/models"
	"github.com/opslens/chronicle/internal/normalize"
	"github.com/opslens/chronicle/internal/registry"
	"github.com/opslens/chronicle/internal/store"
	"github.com/opslens/chronicle/internal/utils"
)

// PipelineConfig tunes persistence retries.
type PipelineConfig struct {
	LookbackMargin time.Duration
	AppendRetries  int
	AppendBackoff  time.Duration
}

// IngestService runs the change-event pipeline: normalize, dedup and order,
// persist, correlate. It also serves the timeline query surface.
type IngestService struct {
	cfg        PipelineConfig
	logger     *slog.Logger
	normalizer *normalize.Registry
	buf        *buffer.Buffer
	correlator *engine.Correlator
	timeline   store.TimelineStore
	incidents  registry.Reader
	dead       deadletter.Publisher
	latencies  *utils.LatencyTracker
}

// NewIngestService wires the pipeline stages together. The dedup buffer is
// created here so its emit path lands on this service.
func NewIngestService(
	cfg PipelineConfig,
	bufCfg buffer.Config,
	logger *slog.Logger,
	normalizer *normalize.Registry,
	correlator *engine.Correlator,
	timeline store.TimelineStore,
	incidents registry.Reader,
	dead deadletter.Publisher,
) *IngestService {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AppendRetries <= 0 {
		cfg.AppendRetries = 5
	}
	if cfg.AppendBackoff <= 0 {
		cfg.AppendBackoff = 250 * time.Millisecond
	}
	if cfg.LookbackMargin <= 0 {
		cfg.LookbackMargin = 15 * time.Minute
	}
	if dead == nil {
		dead = deadletter.NewLogPublisher(logger)
	}

	s := &IngestService{
		cfg:        cfg,
		logger:     logger,
		normalizer: normalizer,
		correlator: correlator,
		timeline:   timeline,
		incidents:  incidents,
		dead:       dead,
		latencies:  utils.NewLatencyTracker(1024),
	}
	s.buf = buffer.New(bufCfg, logger, s.handleEmitted)
	return s
}

// IngestRaw normalizes and admits one source payload. Normalization failures
// are reported to the producer and never abort the pipeline; duplicates are an
// expected outcome, not an error.
func (s *IngestService) IngestRaw(ctx context.Context, source models.ChangeSource, raw map[string]any) (models.AdmitResult, error) {
	event, err := s.normalizer.Normalize(source, raw)
	if err != nil {
		metrics.ObserveIngest(string(source), metrics.OutcomeRejected)
		return models.AdmitResult{}, err
	}

	result := s.buf.Admit(event)
	switch result.Outcome {
	case models.AdmitDuplicate:
		metrics.ObserveIngest(string(source), metrics.OutcomeDuplicate)
		// The retained copy carries the corrected received_at; the append is
		// idempotent on the dedup key, so replaying it fixes the stored row.
		if err := s.appendWithRetry(ctx, result.Event); err != nil {
			s.logger.Warn("received_at correction failed", slog.Any("error", err))
		}
	case models.AdmitLateArrival:
		metrics.ObserveIngest(string(source), metrics.OutcomeLate)
	default:
		metrics.ObserveIngest(string(source), metrics.OutcomeAccepted)
	}
	return result, nil
}

// Shutdown flushes pending buffers eagerly; events represent durable history
// and must not be discarded in flight.
func (s *IngestService) Shutdown() {
	s.buf.Close()
}

// MarkIncidentClosed records the oldest correlated occurred_at for a freshly
// resolved incident so later arrivals behind it are flagged late. Called by
// the incident service on resolution.
func (s *IngestService) MarkIncidentClosed(ctx context.Context, incidentID string) {
	correlated, err := s.timeline.QueryByIncident(ctx, incidentID)
	if err != nil || len(correlated) == 0 {
		return
	}
	// Query results order by occurred_at ascending, so the first row carries
	// the oldest correlated event time.
	oldest := correlated[0].Event.OccurredAt
	seen := make(map[string]struct{})
	for _, ce := range correlated {
		if _, ok := seen[ce.Event.ResourceKey]; ok {
			continue
		}
		seen[ce.Event.ResourceKey] = struct{}{}
		s.buf.MarkClosedWatermark(ce.Event.ResourceKey, oldest)
	}
}

// OnIncidentWindowChanged re-evaluates the incident's correlation set. Wired
// to the registry hub; runs outside the admission path.
func (s *IngestService) OnIncidentWindowChanged(incidentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	metrics.ObserveReevaluation(engine.TriggerWindowChanged)
	start := time.Now()
	written, err := s.correlator.Reevaluate(ctx, incidentID, engine.TriggerWindowChanged)
	metrics.ObserveCorrelationEval(time.Since(start), written)
	if err != nil {
		s.logger.Warn("window-change re-evaluation failed",
			slog.String("incident_id", incidentID), slog.Any("error", err))
	}
}

// GetTimeline returns the correlated events of one incident, oldest first.
func (s *IngestService) GetTimeline(ctx context.Context, incidentID string) ([]models.CorrelatedEvent, error) {
	if _, err := s.incidents.Get(ctx, incidentID); err != nil {
		return nil, err
	}
	return s.timeline.QueryByIncident(ctx, incidentID)
}

// GetCorrelations returns every incident association recorded for an event.
func (s *IngestService) GetCorrelations(ctx context.Context, eventID string) ([]models.Correlation, error) {
	if _, err := s.timeline.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return s.timeline.ListCorrelationsByEvent(ctx, eventID)
}

// QueryResource returns the raw event history of one resource key.
func (s *IngestService) QueryResource(ctx context.Context, resourceKey string, tr models.TimeRange) ([]models.TimelineEvent, error) {
	return s.timeline.QueryByResource(ctx, resourceKey, tr)
}

// handleEmitted is the buffer's emit path: events arrive here per resource key
// in non-decreasing occurred_at order.
func (s *IngestService) handleEmitted(result models.AdmitResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	event := result.Event
	if err := s.appendWithRetry(ctx, event); err != nil {
		metrics.ObserveDeadLetter()
		if dlErr := s.dead.Publish(ctx, event, err.Error()); dlErr != nil {
			s.logger.Error("dead-letter publish failed",
				slog.String("event_id", event.ID), slog.Any("error", dlErr))
		}
		return
	}

	start := time.Now()
	written, err := s.correlateWithRetry(ctx, event)
	duration := time.Since(start)
	s.latencies.Observe(duration)
	metrics.ObserveCorrelationEval(duration, written)
	if err != nil {
		s.logger.Warn("correlation incomplete",
			slog.String("event_id", event.ID), slog.Any("error", err))
	}

	if result.Outcome == models.AdmitLateArrival {
		metrics.ObserveReevaluation(engine.TriggerLateArrival)
		if _, err := s.correlator.HandleLateArrival(ctx, event); err != nil {
			s.logger.Warn("late-arrival re-evaluation failed",
				slog.String("event_id", event.ID), slog.Any("error", err))
		}
	}

	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("correlation latency",
			slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
}

// appendWithRetry retries transient store failures with doubling backoff up to
// the configured budget. Exhaustion is reported so the caller can dead-letter
// the event instead of silently losing it.
func (s *IngestService) appendWithRetry(ctx context.Context, event models.TimelineEvent) error {
	backoff := s.cfg.AppendBackoff
	var lastErr error
	for attempt := 0; attempt < s.cfg.AppendRetries; attempt++ {
		err := s.timeline.Append(ctx, event)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, store.ErrUnavailable) {
			return err
		}
		metrics.ObserveAppendRetry()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("append retries exhausted: %w", lastErr)
}

// correlateWithRetry retries evaluation when the registry is transiently
// unavailable; other resource keys keep flowing while this one waits.
func (s *IngestService) correlateWithRetry(ctx context.Context, event models.TimelineEvent) (int, error) {
	backoff := s.cfg.AppendBackoff
	var (
		written int
		err     error
	)
	for attempt := 0; attempt < s.cfg.AppendRetries; attempt++ {
		written, err = s.correlator.Correlate(ctx, event)
		if err == nil || !errors.Is(err, registry.ErrUnavailable) {
			return written, err
		}
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return written, err
}
