package normalize

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opslens/chronicle/internal/models"
	"github.com/opslens/chronicle/internal/utils"
)

// ErrUnrecognizedChangeType is returned when a payload cannot be mapped to any
// canonical change type.
var ErrUnrecognizedChangeType = errors.New("unrecognized change type")

// ErrMissingResourceKey is returned when no resource identifier can be derived;
// resource affinity is required for correlation, so such payloads are rejected.
var ErrMissingResourceKey = errors.New("missing resource key")

// ErrUnknownSource is returned when no adapter handles the change source.
var ErrUnknownSource = errors.New("unknown change source")

// Adapter converts one upstream system's payloads into canonical events.
// Adapters are data-in/data-out and hold no mutable state.
type Adapter interface {
	Source() models.ChangeSource
	Normalize(raw map[string]any) (models.TimelineEvent, error)
}

// Registry dispatches payloads to the adapter registered for their source.
type Registry struct {
	adapters map[models.ChangeSource]Adapter
	now      func() time.Time
}

// NewRegistry builds a Registry with the default adapter set.
func NewRegistry() *Registry {
	r := &Registry{
		adapters: make(map[models.ChangeSource]Adapter),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, a := range []Adapter{
		KubernetesAdapter{},
		JenkinsAdapter{},
		GitFlowAdapter{},
		SelfServiceAdapter{},
	} {
		r.adapters[a.Source()] = a
	}
	return r
}

// Normalize maps a source payload into a TimelineEvent, assigning its identity,
// ingestion timestamp, and dedup fingerprint.
func (r *Registry) Normalize(source models.ChangeSource, raw map[string]any) (models.TimelineEvent, error) {
	adapter, ok := r.adapters[source]
	if !ok {
		return models.TimelineEvent{}, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}

	event, err := adapter.Normalize(raw)
	if err != nil {
		return models.TimelineEvent{}, utils.NewAppError("normalize", string(source), err)
	}

	now := r.now()
	event.ID = uuid.NewString()
	event.Source = source
	event.ReceivedAt = now
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now
	}
	event.OccurredAt = event.OccurredAt.UTC()
	event.DedupKey = models.FingerprintDedupKey(source, event.ResourceKey, event.OccurredAt, event.ChangeType)
	return event, nil
}

// stringField extracts a non-empty string attribute from a raw payload.
func stringField(raw map[string]any, key string) string {
	if v, ok := raw[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// timeField parses an RFC3339 attribute; a zero time means the field is absent.
func timeField(raw map[string]any, key string) (time.Time, error) {
	value := stringField(raw, key)
	if value == "" {
		return time.Time{}, nil
	}
	t, err := utils.ParseRFC3339(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("field %s: %w", key, err)
	}
	return t, nil
}

// displayPayload keeps the string attributes of a raw payload for later display.
// Values are never interpreted by the correlation algorithm.
func displayPayload(raw map[string]any) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch value := v.(type) {
		case string:
			out[k] = value
		case fmt.Stringer:
			out[k] = value.String()
		case float64:
			out[k] = fmt.Sprintf("%g", value)
		case bool:
			out[k] = fmt.Sprintf("%t", value)
		}
	}
	return out
}
