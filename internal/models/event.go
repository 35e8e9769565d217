package models

import (
	"fmt"
	"time"
)

// ChangeType enumerates the kinds of infrastructure change the pipeline understands.
type ChangeType string

const (
	ChangeTypeDeployment   ChangeType = "deployment"
	ChangeTypeBuildSuccess ChangeType = "build_success"
	ChangeTypeBuildFailure ChangeType = "build_failure"
	ChangeTypeMergeToMain  ChangeType = "merge_to_main"
	ChangeTypeMergeBranch  ChangeType = "merge_to_branch"
	ChangeTypeManualAction ChangeType = "manual_action"
	ChangeTypeConfigChange ChangeType = "config_change"
	ChangeTypeScaleEvent   ChangeType = "scale_event"
)

// ChangeSource enumerates the upstream systems that emit change notifications.
type ChangeSource string

const (
	SourceKubernetes  ChangeSource = "kubernetes"
	SourceJenkins     ChangeSource = "jenkins"
	SourceGitFlow     ChangeSource = "gitflow"
	SourceSelfService ChangeSource = "selfservice"
)

// DedupTolerance is the bucket size used when fingerprinting occurred_at for
// duplicate detection. Retried webhooks carry the same claimed timestamp, so a
// coarse bucket is enough to collapse them without merging distinct changes.
const DedupTolerance = 30 * time.Second

// TimelineEvent is a normalized change notification. Events are immutable once
// created; only ReceivedAt may be corrected backward when an earlier duplicate
// arrives inside the dedup window.
type TimelineEvent struct {
	ID          string
	OccurredAt  time.Time
	ReceivedAt  time.Time
	ChangeType  ChangeType
	Source      ChangeSource
	ResourceKey string
	Payload     map[string]string
	DedupKey    string
}

// FingerprintDedupKey derives the duplicate-detection fingerprint for an event.
// Two notifications with the same source, resource, change type, and an
// occurred_at inside the same tolerance bucket describe the same logical change.
func FingerprintDedupKey(source ChangeSource, resourceKey string, occurredAt time.Time, changeType ChangeType) string {
	bucket := occurredAt.UTC().Truncate(DedupTolerance).Unix()
	return fmt.Sprintf("%s:%s:%d:%s", source, resourceKey, bucket, changeType)
}

// TimeRange bounds a timeline query window.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the range (inclusive bounds).
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// AdmitOutcome labels the result of offering an event to the dedup buffer.
type AdmitOutcome string

const (
	AdmitAccepted    AdmitOutcome = "accepted"
	AdmitDuplicate   AdmitOutcome = "duplicate_dropped"
	AdmitLateArrival AdmitOutcome = "late_arrival"
)

// AdmitResult describes how the dedup and ordering buffer handled an event.
// Lateness is populated only for AdmitLateArrival.
type AdmitResult struct {
	Outcome  AdmitOutcome
	Event    TimelineEvent
	Lateness time.Duration
}
