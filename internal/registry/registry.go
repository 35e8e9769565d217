// Package registry holds incident lifecycle state. Lifecycle writes are owned
// by the external incident collaborator; the correlation engine consumes reads
// plus the window-change notification hub.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/opslens/chronicle/internal/models"
)

// ErrUnavailable marks a transient registry failure; correlation evaluation
// for the affected incidents is deferred and retried.
var ErrUnavailable = errors.New("incident registry unavailable")

// ErrNotFound signals an unknown incident id.
var ErrNotFound = errors.New("incident not found")

// Reader is the read access the correlation engine depends on.
type Reader interface {
	Get(ctx context.Context, incidentID string) (models.Incident, error)
	ListOpen(ctx context.Context) ([]models.Incident, error)
	ListOverlapping(ctx context.Context, tr models.TimeRange) ([]models.Incident, error)
}

// Registry adds the lifecycle writes owned by the incident collaborator.
type Registry interface {
	Reader
	Open(ctx context.Context, incident models.Incident) (models.Incident, error)
	Acknowledge(ctx context.Context, incidentID string) (models.Incident, error)
	Resolve(ctx context.Context, incidentID string) (models.Incident, error)
}

// WindowChangedFunc receives the id of an incident whose correlation window
// changed (open, resolve, severity revision).
type WindowChangedFunc func(incidentID string)

// Hub fans window-change notifications out to subscribers. Notifications may
// arrive concurrently with event admission; subscribers are invoked without
// holding the hub lock.
type Hub struct {
	mu   sync.RWMutex
	subs []WindowChangedFunc
}

// NewHub constructs an empty notification hub.
func NewHub() *Hub {
	return &Hub{}
}

// Subscribe registers a callback for window-change notifications.
func (h *Hub) Subscribe(fn WindowChangedFunc) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = append(h.subs, fn)
}

// NotifyWindowChanged fires all subscribers for the incident.
func (h *Hub) NotifyWindowChanged(incidentID string) {
	h.mu.RLock()
	subs := append([]WindowChangedFunc(nil), h.subs...)
	h.mu.RUnlock()

	for _, fn := range subs {
		fn(incidentID)
	}
}
