package normalize

import (
	"fmt"
	"strings"

	"github.com/opslens/chronicle/internal/models"
)

// GitFlowAdapter normalizes merge notifications from the version-control
// workflow. Merges into the default branch are the interesting signal for
// incident analysis; merges between feature branches are still recorded.
type GitFlowAdapter struct{}

// Source identifies the adapter's upstream system.
func (GitFlowAdapter) Source() models.ChangeSource { return models.SourceGitFlow }

// Normalize maps a merge notification to a canonical event.
func (GitFlowAdapter) Normalize(raw map[string]any) (models.TimelineEvent, error) {
	action := strings.ToLower(stringField(raw, "action"))
	if action != "" && action != "merge" && action != "merged" {
		return models.TimelineEvent{}, fmt.Errorf("%w: gitflow action %q", ErrUnrecognizedChangeType, action)
	}

	target := strings.ToLower(stringField(raw, "target_branch"))
	if target == "" {
		return models.TimelineEvent{}, fmt.Errorf("%w: missing target_branch", ErrUnrecognizedChangeType)
	}

	changeType := models.ChangeTypeMergeBranch
	if target == "main" || target == "master" {
		changeType = models.ChangeTypeMergeToMain
	}

	resourceKey := stringField(raw, "service")
	if resourceKey == "" {
		resourceKey = stringField(raw, "repository")
	}
	if resourceKey == "" {
		return models.TimelineEvent{}, ErrMissingResourceKey
	}

	occurredAt, err := timeField(raw, "merged_at")
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
