package normalize

import (
	"fmt"
	"strings"

	"github.com/opslens/chronicle/internal/models"
)

// KubernetesAdapter normalizes cluster change notifications. The orchestrator
// reports the object kind and an optional reason; resource identity is the
// namespace-qualified object name.
type KubernetesAdapter struct{}

// Source identifies the adapter's upstream system.
func (KubernetesAdapter) Source() models.ChangeSource { return models.SourceKubernetes }

// Normalize maps a cluster notification to a canonical event.
func (KubernetesAdapter) Normalize(raw map[string]any) (models.TimelineEvent, error) {
	kind := strings.ToLower(stringField(raw, "kind"))
	reason := strings.ToLower(stringField(raw, "reason"))

	var changeType models.ChangeType
	switch {
	case kind == "deployment" && reason == "scalingreplicaset":
		changeType = models.ChangeTypeScaleEvent
	case kind == "deployment" || kind == "statefulset" || kind == "daemonset":
		changeType = models.ChangeTypeDeployment
	case kind == "configmap" || kind == "secret":
		changeType = models.ChangeTypeConfigChange
	case kind == "horizontalpodautoscaler":
		changeType = models.ChangeTypeScaleEvent
	default:
		return models.TimelineEvent{}, fmt.Errorf("%w: kind %q reason %q", ErrUnrecognizedChangeType, kind, reason)
	}

	namespace := stringField(raw, "namespace")
	name := stringField(raw, "name")
	if name == "" {
		return models.TimelineEvent{}, ErrMissingResourceKey
	}
	resourceKey := name
	if namespace != "" {
		resourceKey = namespace + "/" + name
	}

	occurredAt, err := timeField(raw, "timestamp")
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
