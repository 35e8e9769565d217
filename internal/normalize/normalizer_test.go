package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/opslens/chronicle/internal/models"
)

func testRegistry(now time.Time) *Registry {
	r := NewRegistry()
	r.now = func() time.Time { return now }
	return r
}

func TestNormalizeAssignsIdentityAndFingerprint(t *testing.T) {
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	r := testRegistry(now)

	event, err := r.Normalize(models.SourceKubernetes, map[string]any{
		"kind":      "Deployment",
		"namespace": "prod",
		"name":      "api",
		"timestamp": "2025-03-14T09:58:00Z",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.ID == "" {
		t.Fatalf("expected assigned event id")
	}
	if !event.ReceivedAt.Equal(now) {
		t.Fatalf("received_at should be ingestion time, got %v", event.ReceivedAt)
	}
	want := models.FingerprintDedupKey(models.SourceKubernetes, "prod/api", event.OccurredAt, models.ChangeTypeDeployment)
	if event.DedupKey != want {
		t.Fatalf("dedup key mismatch: got %s want %s", event.DedupKey, want)
	}
}

func TestNormalizeDefaultsOccurredAtToNow(t *testing.T) {
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	r := testRegistry(now)

	event, err := r.Normalize(models.SourceSelfService, map[string]any{
		"action":   "restart",
		"resource": "prod/api",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !event.OccurredAt.Equal(now) {
		t.Fatalf("missing occurred_at should default to ingestion time, got %v", event.OccurredAt)
	}
}

func TestNormalizeUnknownSource(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Normalize(models.ChangeSource("pagerduty"), map[string]any{}); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
}

func TestKubernetesAdapterChangeTypes(t *testing.T) {
	cases := []struct {
		kind, reason string
		want         models.ChangeType
	}{
		{"Deployment", "", models.ChangeTypeDeployment},
		{"StatefulSet", "", models.ChangeTypeDeployment},
		{"Deployment", "ScalingReplicaSet", models.ChangeTypeScaleEvent},
		{"ConfigMap", "", models.ChangeTypeConfigChange},
		{"Secret", "", models.ChangeTypeConfigChange},
		{"HorizontalPodAutoscaler", "", models.ChangeTypeScaleEvent},
	}
	for _, tc := range cases {
		event, err := KubernetesAdapter{}.Normalize(map[string]any{
			"kind": tc.kind, "reason": tc.reason, "namespace": "prod", "name": "api",
		})
		if err != nil {
			t.Fatalf("kind %s: unexpected error: %v", tc.kind, err)
		}
		if event.ChangeType != tc.want {
			t.Fatalf("kind %s: got %s want %s", tc.kind, event.ChangeType, tc.want)
		}
		if event.ResourceKey != "prod/api" {
			t.Fatalf("kind %s: unexpected resource key %s", tc.kind, event.ResourceKey)
		}
	}
}

func TestKubernetesAdapterRejections(t *testing.T) {
	if _, err := (KubernetesAdapter{}).Normalize(map[string]any{"kind": "Pod", "name": "api"}); !errors.Is(err, ErrUnrecognizedChangeType) {
		t.Fatalf("expected ErrUnrecognizedChangeType for pod events, got %v", err)
	}
	if _, err := (KubernetesAdapter{}).Normalize(map[string]any{"kind": "Deployment"}); !errors.Is(err, ErrMissingResourceKey) {
		t.Fatalf("expected ErrMissingResourceKey without a name, got %v", err)
	}
	if _, err := (KubernetesAdapter{}).Normalize(map[string]any{"kind": "Deployment", "name": "api", "timestamp": "not-a-time"}); err == nil {
		t.Fatalf("expected error for malformed timestamp")
	}
}

func TestJenkinsAdapterResults(t *testing.T) {
	event, err := JenkinsAdapter{}.Normalize(map[string]any{
		"result": "SUCCESS", "service": "checkout", "completed_at": "2025-03-14T09:58:00Z",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.ChangeType != models.ChangeTypeBuildSuccess {
		t.Fatalf("got %s want build_success", event.ChangeType)
	}

	event, err = JenkinsAdapter{}.Normalize(map[string]any{"result": "unstable", "job": "checkout-deploy"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.ChangeType != models.ChangeTypeBuildFailure {
		t.Fatalf("got %s want build_failure", event.ChangeType)
	}
	if event.ResourceKey != "checkout-deploy" {
		t.Fatalf("service fallback to job failed: %s", event.ResourceKey)
	}

	if _, err := (JenkinsAdapter{}).Normalize(map[string]any{"result": "RUNNING", "job": "checkout"}); !errors.Is(err, ErrUnrecognizedChangeType) {
		t.Fatalf("expected ErrUnrecognizedChangeType for non-terminal result, got %v", err)
	}
	if _, err := (JenkinsAdapter{}).Normalize(map[string]any{"result": "SUCCESS"}); !errors.Is(err, ErrMissingResourceKey) {
		t.Fatalf("expected ErrMissingResourceKey, got %v", err)
	}
}

func TestGitFlowAdapterBranches(t *testing.T) {
	event, err := GitFlowAdapter{}.Normalize(map[string]any{
		"action": "merged", "target_branch": "main", "service": "checkout",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.ChangeType != models.ChangeTypeMergeToMain {
		t.Fatalf("got %s want merge_to_main", event.ChangeType)
	}

	event, err = GitFlowAdapter{}.Normalize(map[string]any{
		"target_branch": "release/1.4", "repository": "team/checkout",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.ChangeType != models.ChangeTypeMergeBranch {
		t.Fatalf("got %s want merge_to_branch", event.ChangeType)
	}
	if event.ResourceKey != "team/checkout" {
		t.Fatalf("repository fallback failed: %s", event.ResourceKey)
	}

	if _, err := (GitFlowAdapter{}).Normalize(map[string]any{"action": "opened", "target_branch": "main", "service": "checkout"}); !errors.Is(err, ErrUnrecognizedChangeType) {
		t.Fatalf("expected ErrUnrecognizedChangeType for non-merge actions, got %v", err)
	}
	if _, err := (GitFlowAdapter{}).Normalize(map[string]any{"service": "checkout"}); !errors.Is(err, ErrUnrecognizedChangeType) {
		t.Fatalf("expected ErrUnrecognizedChangeType without target_branch, got %v", err)
	}
}

func TestSelfServiceAdapterActions(t *testing.T) {
	cases := []struct {
		action string
		want   models.ChangeType
	}{
		{"scale-up", models.ChangeTypeScaleEvent},
		{"update-config", models.ChangeTypeConfigChange},
		{"restart", models.ChangeTypeManualAction},
	}
	for _, tc := range cases {
		event, err := SelfServiceAdapter{}.Normalize(map[string]any{
			"action": tc.action, "resource": "prod/api",
		})
		if err != nil {
			t.Fatalf("action %s: unexpected error: %v", tc.action, err)
		}
		if event.ChangeType != tc.want {
			t.Fatalf("action %s: got %s want %s", tc.action, event.ChangeType, tc.want)
		}
	}

	if _, err := (SelfServiceAdapter{}).Normalize(map[string]any{"resource": "prod/api"}); !errors.Is(err, ErrUnrecognizedChangeType) {
		t.Fatalf("expected ErrUnrecognizedChangeType without action, got %v", err)
	}
	if _, err := (SelfServiceAdapter{}).Normalize(map[string]any{"action": "restart"}); !errors.Is(err, ErrMissingResourceKey) {
		t.Fatalf("expected ErrMissingResourceKey, got %v", err)
	}
}

func TestDisplayPayloadKeepsScalars(t *testing.T) {
	out := displayPayload(map[string]any{
		"kind":     "Deployment",
		"replicas": float64(3),
		"rollback": true,
		"nested":   map[string]any{"ignored": true},
	})
	if out["kind"] != "Deployment" || out["replicas"] != "3" || out["rollback"] != "true" {
		t.Fatalf("unexpected payload: %v", out)
	}
	if _, ok := out["nested"]; ok {
		t.Fatalf("nested values should be dropped")
	}
}
