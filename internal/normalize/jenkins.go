package normalize

import (
	"fmt"
	"strings"

	"github.com/opslens/chronicle/internal/models"
)

// JenkinsAdapter normalizes CI build notifications. Build identity maps onto
// the service the job deploys, falling back to the job name.
type JenkinsAdapter struct{}

// Source identifies the adapter's upstream system.
func (JenkinsAdapter) Source() models.ChangeSource { return models.SourceJenkins }

// Normalize maps a build result notification to a canonical event.
func (JenkinsAdapter) Normalize(raw map[string]any) (models.TimelineEvent, error) {
	result := strings.ToUpper(stringField(raw, "result"))

	var changeType models.ChangeType
	switch result {
	case "SUCCESS", "STABLE":
		changeType = models.ChangeTypeBuildSuccess
	case "FAILURE", "UNSTABLE", "ABORTED":
		changeType = models.ChangeTypeBuildFailure
	default:
		return models.TimelineEvent{}, fmt.Errorf("%w: build result %q", ErrUnrecognizedChangeType, result)
	}

	resourceKey := stringField(raw, "service")
	if resourceKey == "" {
		resourceKey = stringField(raw, "job")
	}
	if resourceKey == "" {
		return models.TimelineEvent{}, ErrMissingResourceKey
	}

	occurredAt, err := timeField(raw, "completed_at")
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
