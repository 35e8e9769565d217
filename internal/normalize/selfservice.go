package normalize

import (
	"fmt"
	"strings"

	"github.com/opslens/chronicle/internal/models"
)

// SelfServiceAdapter normalizes operator actions taken through the self-service
// portal. Most actions are manual interventions; scaling and configuration
// edits get their own change types so affinity queries can distinguish them.
type SelfServiceAdapter struct{}

// Source identifies the adapter's upstream system.
func (SelfServiceAdapter) Source() models.ChangeSource { return models.SourceSelfService }

// Normalize maps a self-service action log entry to a canonical event.
func (SelfServiceAdapter) Normalize(raw map[string]any) (models.TimelineEvent, error) {
	action := strings.ToLower(stringField(raw, "action"))
	if action == "" {
		return models.TimelineEvent{}, fmt.Errorf("%w: missing action", ErrUnrecognizedChangeType)
	}

	var changeType models.ChangeType
	switch {
	case strings.Contains(action, "scale"):
		changeType = models.ChangeTypeScaleEvent
	case strings.Contains(action, "config"):
		changeType = models.ChangeTypeConfigChange
	default:
		changeType = models.ChangeTypeManualAction
	}

	resourceKey := stringField(raw, "resource")
	if resourceKey == "" {
		return models.TimelineEvent{}, ErrMissingResourceKey
	}

	occurredAt, err := timeField(raw, "performed_at")
	if err != nil {
		return models.TimelineEvent{}, err
	}

	return models.TimelineEvent{
		OccurredAt:  occurredAt,
		ChangeType:  changeType,
		ResourceKey: resourceKey,
		Payload:     displayPayload(raw),
	}, nil
}
