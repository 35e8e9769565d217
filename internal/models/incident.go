package models

import "time"

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IncidentStatus tracks the incident lifecycle.
type IncidentStatus string

const (
	StatusOpen         IncidentStatus = "open"
	StatusAcknowledged IncidentStatus = "acknowledged"
	StatusResolved     IncidentStatus = "resolved"
)

// Incident is an operational issue under investigation. Lifecycle mutations are
// owned by the incident registry; the correlation engine only reads this state.
type Incident struct {
	ID                   string
	Severity             Severity
	Status               IncidentStatus
	OpenedAt             time.Time
	ResolvedAt           *time.Time
	AffectedResourceKeys []string
}

// Window returns the incident's correlation window: opened_at through
// resolved_at, or opened_at through now while the incident is still active.
func (i Incident) Window(now time.Time) TimeRange {
	end := now
	if i.ResolvedAt != nil {
		end = *i.ResolvedAt
	}
	return TimeRange{Start: i.OpenedAt, End: end}
}

// Affects reports whether the incident's affected set contains the resource key.
func (i Incident) Affects(resourceKey string) bool {
	for _, key := range i.AffectedResourceKeys {
		if key == resourceKey {
			return true
		}
	}
	return false
}
