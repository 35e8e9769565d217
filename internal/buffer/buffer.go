// Package buffer absorbs duplicate and out-of-order change notifications so
// the correlation engine sees one causally-ordered stream per resource key.
package buffer

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opslens/chronicle/internal/models"
	"github.com/opslens/chronicle/internal/utils"
)

// Emit delivers an ordered event to the downstream consumer. Events for one
// resource key are delivered sequentially in non-decreasing occurred_at order.
type Emit func(result models.AdmitResult)

// Config tunes the dedup window and the bounded reordering delay.
type Config struct {
	// DedupWindow is how long a fingerprint is remembered; it must cover a
	// typical webhook retry storm (minutes, not hours).
	DedupWindow time.Duration
	// FlushTimeout bounds how long an event may be held back waiting for an
	// earlier-timestamped sibling to arrive.
	FlushTimeout time.Duration
}

// Buffer is the dedup and ordering stage. Admission for one resource key is
// serialized behind that key's mutex; distinct keys proceed in parallel.
type Buffer struct {
	cfg    Config
	logger *slog.Logger
	emit   Emit
	now    func() time.Time

	mu   sync.Mutex
	keys map[string]*resourceWindow

	closed bool
}

type resourceWindow struct {
	mu sync.Mutex

	// seen maps dedup fingerprints to their expiry and the retained event.
	seen map[string]*seenEntry

	// pending holds admitted events awaiting ordered emission.
	pending []pendingEvent

	// closedWatermark is the oldest occurred_at correlated to an incident
	// whose window has already closed; events older than it are LateArrivals.
	closedWatermark time.Time

	timer *time.Timer
}

type seenEntry struct {
	event     models.TimelineEvent
	expiresAt time.Time
	emitted   bool
}

type pendingEvent struct {
	event models.TimelineEvent
	late  bool
}

// New constructs a Buffer delivering ordered events through emit.
func New(cfg Config, logger *slog.Logger, emit Emit) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Minute
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 2 * time.Second
	}
	return &Buffer{
		cfg:    cfg,
		logger: logger,
		emit:   emit,
		now:    func() time.Time { return time.Now().UTC() },
		keys:   make(map[string]*resourceWindow),
	}
}

// Admit classifies the event and schedules it for ordered emission. The
// returned result reflects the classification only; delivery downstream
// happens through the emit callback once ordering is settled.
func (b *Buffer) Admit(event models.TimelineEvent) models.AdmitResult {
	rw := b.window(event.ResourceKey)

	rw.mu.Lock()
	defer rw.mu.Unlock()

	now := b.now()
	rw.pruneSeen(now)

	if entry, ok := rw.seen[event.DedupKey]; ok {
		// Retried notification: the first-received copy is retained, but an
		// earlier received_at wins so arrival accounting stays honest.
		entry.event.ReceivedAt = utils.MinTime(entry.event.ReceivedAt, event.ReceivedAt)
		rw.updatePending(entry.event)
		b.logger.Debug("duplicate dropped",
			slog.String("dedup_key", event.DedupKey),
			slog.String("resource_key", event.ResourceKey))
		return models.AdmitResult{Outcome: models.AdmitDuplicate, Event: entry.event}
	}

	rw.seen[event.DedupKey] = &seenEntry{
		event:     event,
		expiresAt: now.Add(b.cfg.DedupWindow),
	}

	result := models.AdmitResult{Outcome: models.AdmitAccepted, Event: event}
	late := false
	if !rw.closedWatermark.IsZero() && event.OccurredAt.Before(rw.closedWatermark) {
		late = true
		result.Outcome = models.AdmitLateArrival
		result.Lateness = event.ReceivedAt.Sub(event.OccurredAt)
	}

	rw.insertPending(pendingEvent{event: event, late: late})
	b.drainSettled(rw)

	if len(rw.pending) > 0 && rw.timer == nil {
		rw.timer = time.AfterFunc(b.cfg.FlushTimeout, func() {
			b.flushKey(rw)
		})
	}

	return result
}

// MarkClosedWatermark records the oldest occurred_at correlated to a
// closed-window incident on this resource; later admissions older than the
// watermark are flagged as LateArrivals.
func (b *Buffer) MarkClosedWatermark(resourceKey string, oldestCorrelated time.Time) {
	rw := b.window(resourceKey)
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if oldestCorrelated.After(rw.closedWatermark) {
		rw.closedWatermark = oldestCorrelated
	}
}

// Close flushes every pending event eagerly. Events represent durable history,
// so shutdown must not discard them.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	windows := make([]*resourceWindow, 0, len(b.keys))
	for _, rw := range b.keys {
		windows = append(windows, rw)
	}
	b.mu.Unlock()

	for _, rw := range windows {
		b.flushKey(rw)
	}
}

func (b *Buffer) window(resourceKey string) *resourceWindow {
	b.mu.Lock()
	defer b.mu.Unlock()
	rw, ok := b.keys[resourceKey]
	if !ok {
		rw = &resourceWindow{seen: make(map[string]*seenEntry)}
		b.keys[resourceKey] = rw
	}
	return rw
}

// drainSettled emits pending events that can no longer be reordered: anything
// more than a flush-timeout older than the newest pending event is beyond the
// reordering horizon.
func (b *Buffer) drainSettled(rw *resourceWindow) {
	if len(rw.pending) < 2 {
		return
	}
	newest := rw.pending[len(rw.pending)-1].event.OccurredAt
	settled := 0
	for settled < len(rw.pending) {
		if newest.Sub(rw.pending[settled].event.OccurredAt) < b.cfg.FlushTimeout {
			break
		}
		settled++
	}
	if settled == 0 {
		return
	}
	emitting := rw.pending[:settled]
	rw.pending = append([]pendingEvent(nil), rw.pending[settled:]...)
	for _, pe := range emitting {
		b.deliver(rw, pe)
	}
}

// flushKey emits all pending events for one key in occurred_at order.
func (b *Buffer) flushKey(rw *resourceWindow) {
	rw.mu.Lock()
	if rw.timer != nil {
		rw.timer.Stop()
		rw.timer = nil
	}
	emitting := rw.pending
	rw.pending = nil
	rw.mu.Unlock()

	for _, pe := range emitting {
		rw.mu.Lock()
		b.deliver(rw, pe)
		rw.mu.Unlock()
	}
}

// deliver hands one event downstream; callers hold the window mutex so events
// for the same key never interleave.
func (b *Buffer) deliver(rw *resourceWindow, pe pendingEvent) {
	if entry, ok := rw.seen[pe.event.DedupKey]; ok {
		entry.emitted = true
		pe.event = entry.event
	}
	outcome := models.AdmitAccepted
	result := models.AdmitResult{Outcome: outcome, Event: pe.event}
	if pe.late {
		result.Outcome = models.AdmitLateArrival
		result.Lateness = pe.event.ReceivedAt.Sub(pe.event.OccurredAt)
	}
	if b.emit != nil {
		b.emit(result)
	}
}

func (rw *resourceWindow) pruneSeen(now time.Time) {
	for key, entry := range rw.seen {
		if now.After(entry.expiresAt) {
			delete(rw.seen, key)
		}
	}
}

func (rw *resourceWindow) insertPending(pe pendingEvent) {
	idx := sort.Search(len(rw.pending), func(i int) bool {
		return rw.pending[i].event.OccurredAt.After(pe.event.OccurredAt)
	})
	rw.pending = append(rw.pending, pendingEvent{})
	copy(rw.pending[idx+1:], rw.pending[idx:])
	rw.pending[idx] = pe
}

// updatePending propagates a received_at correction into a not-yet-emitted copy.
func (rw *resourceWindow) updatePending(event models.TimelineEvent) {
	for i := range rw.pending {
		if rw.pending[i].event.DedupKey == event.DedupKey {
			rw.pending[i].event = event
			return
		}
	}
}
