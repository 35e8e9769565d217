package models

import "time"

// CorrelationBasis names the signal that produced a correlation.
type CorrelationBasis string

const (
	BasisTemporalOverlap CorrelationBasis = "temporal_overlap"
	BasisResourceMatch   CorrelationBasis = "resource_match"
	BasisBoth            CorrelationBasis = "both"
)

// Correlation is a scored association between a timeline event and an incident.
// At most one record exists per (EventID, IncidentID); re-evaluation replaces
// the confidence rather than adding a second record.
type Correlation struct {
	EventID     string
	IncidentID  string
	Confidence  float64
	Basis       CorrelationBasis
	EvaluatedAt time.Time
}

// CorrelatedEvent pairs an event with its correlation to one incident, as
// returned by incident-timeline queries.
type CorrelatedEvent struct {
	Event       TimelineEvent
	Correlation Correlation
}
