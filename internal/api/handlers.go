package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opslens/chronicle/internal/models"
	"github.com/opslens/chronicle/internal/normalize"
	"github.com/opslens/chronicle/internal/patterns"
	"github.com/opslens/chronicle/internal/registry"
	"github.com/opslens/chronicle/internal/services"
	"github.com/opslens/chronicle/internal/store"
	"github.com/opslens/chronicle/internal/utils"
)

// Handlers binds the pipeline and incident services to HTTP routes.
type Handlers struct {
	logger    *slog.Logger
	ingest    *services.IngestService
	incidents *services.IncidentService
	miner     *patterns.Miner
}

// NewHandlers constructs the route handlers.
func NewHandlers(logger *slog.Logger, ingest *services.IngestService, incidents *services.IncidentService, miner *patterns.Miner) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{logger: logger, ingest: ingest, incidents: incidents, miner: miner}
}

// Mount attaches all routes to the router.
func (h *Handlers) Mount(router chi.Router) {
	router.Get("/health", h.health)

	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/webhooks/kubernetes", h.webhook(models.SourceKubernetes))
		r.Post("/webhooks/jenkins", h.webhook(models.SourceJenkins))
		r.Post("/webhooks/gitflow", h.webhook(models.SourceGitFlow))
		r.Post("/webhooks/selfservice", h.webhook(models.SourceSelfService))

		r.Post("/incidents", h.openIncident)
		r.Get("/incidents", h.listOpenIncidents)
		r.Get("/incidents/{incidentID}", h.getIncident)
		r.Post("/incidents/{incidentID}/acknowledge", h.acknowledgeIncident)
		r.Post("/incidents/{incidentID}/resolve", h.resolveIncident)
		r.Get("/incidents/{incidentID}/timeline", h.incidentTimeline)

		r.Get("/events/{eventID}/correlations", h.eventCorrelations)
		r.Get("/resources/{resourceKey}/events", h.resourceEvents)

		r.Get("/hotspots", h.hotspots)
	})
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// webhook returns a handler accepting one change source's notifications.
func (h *Handlers) webhook(source models.ChangeSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}

		result, err := h.ingest.IngestRaw(r.Context(), source, raw)
		if err != nil {
			switch {
			case errors.Is(err, normalize.ErrUnrecognizedChangeType),
				errors.Is(err, normalize.ErrMissingResourceKey):
				writeError(w, http.StatusUnprocessableEntity, err.Error())
			default:
				h.logger.Error("webhook ingestion failed",
					slog.String("source", string(source)), slog.Any("error", err))
				writeError(w, http.StatusInternalServerError, "ingestion failed")
			}
			return
		}

		writeJSON(w, http.StatusAccepted, admitResponse{
			Outcome:  string(result.Outcome),
			EventID:  result.Event.ID,
			DedupKey: result.Event.DedupKey,
			Lateness: result.Lateness.String(),
		})
	}
}

type admitResponse struct {
	Outcome  string `json:"outcome"`
	EventID  string `json:"event_id"`
	DedupKey string `json:"dedup_key"`
	Lateness string `json:"lateness,omitempty"`
}

type incidentRequest struct {
	Severity     string   `json:"severity"`
	OpenedAt     string   `json:"opened_at,omitempty"`
	ResourceKeys []string `json:"resource_keys"`
}

type incidentResponse struct {
	ID           string   `json:"id"`
	Severity     string   `json:"severity"`
	Status       string   `json:"status"`
	OpenedAt     string   `json:"opened_at"`
	ResolvedAt   string   `json:"resolved_at,omitempty"`
	ResourceKeys []string `json:"resource_keys"`
}

func (h *Handlers) openIncident(w http.ResponseWriter, r *http.Request) {
	var req incidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	incident := models.Incident{
		Severity:             models.Severity(req.Severity),
		AffectedResourceKeys: req.ResourceKeys,
	}
	if req.OpenedAt != "" {
		openedAt, err := utils.ParseRFC3339(req.OpenedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid opened_at")
			return
		}
		incident.OpenedAt = openedAt
	}

	opened, err := h.incidents.Open(r.Context(), incident)
	if err != nil {
		h.logger.Error("open incident failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "open incident failed")
		return
	}
	writeJSON(w, http.StatusCreated, toIncidentResponse(opened))
}

func (h *Handlers) listOpenIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := h.incidents.ListOpen(r.Context())
	if err != nil {
		h.logger.Error("list incidents failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "list incidents failed")
		return
	}
	out := make([]incidentResponse, 0, len(incidents))
	for _, incident := range incidents {
		out = append(out, toIncidentResponse(incident))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) getIncident(w http.ResponseWriter, r *http.Request) {
	incident, err := h.incidents.Get(r.Context(), chi.URLParam(r, "incidentID"))
	if err != nil {
		h.respondIncidentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIncidentResponse(incident))
}

func (h *Handlers) acknowledgeIncident(w http.ResponseWriter, r *http.Request) {
	incident, err := h.incidents.Acknowledge(r.Context(), chi.URLParam(r, "incidentID"))
	if err != nil {
		h.respondIncidentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIncidentResponse(incident))
}

func (h *Handlers) resolveIncident(w http.ResponseWriter, r *http.Request) {
	incident, err := h.incidents.Resolve(r.Context(), chi.URLParam(r, "incidentID"))
	if err != nil {
		h.respondIncidentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIncidentResponse(incident))
}

type correlatedEventResponse struct {
	Event       eventResponse       `json:"event"`
	Correlation correlationResponse `json:"correlation"`
}

type eventResponse struct {
	ID          string            `json:"id"`
	OccurredAt  string            `json:"occurred_at"`
	ReceivedAt  string            `json:"received_at"`
	ChangeType  string            `json:"change_type"`
	Source      string            `json:"change_source"`
	ResourceKey string            `json:"resource_key"`
	Payload     map[string]string `json:"payload,omitempty"`
}

type correlationResponse struct {
	EventID     string  `json:"event_id"`
	IncidentID  string  `json:"incident_id"`
	Confidence  float64 `json:"confidence"`
	Basis       string  `json:"basis"`
	EvaluatedAt string  `json:"evaluated_at"`
}

func (h *Handlers) incidentTimeline(w http.ResponseWriter, r *http.Request) {
	timeline, err := h.ingest.GetTimeline(r.Context(), chi.URLParam(r, "incidentID"))
	if err != nil {
		h.respondIncidentError(w, err)
		return
	}
	out := make([]correlatedEventResponse, 0, len(timeline))
	for _, ce := range timeline {
		out = append(out, correlatedEventResponse{
			Event:       toEventResponse(ce.Event),
			Correlation: toCorrelationResponse(ce.Correlation),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) eventCorrelations(w http.ResponseWriter, r *http.Request) {
	correlations, err := h.ingest.GetCorrelations(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		h.logger.Error("event correlations failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	out := make([]correlationResponse, 0, len(correlations))
	for _, corr := range correlations {
		out = append(out, toCorrelationResponse(corr))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) resourceEvents(w http.ResponseWriter, r *http.Request) {
	tr, err := parseTimeRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := h.ingest.QueryResource(r.Context(), chi.URLParam(r, "resourceKey"), tr)
	if err != nil {
		h.logger.Error("resource events failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, event := range events {
		out = append(out, toEventResponse(event))
	}
	writeJSON(w, http.StatusOK, out)
}

type hotspotResponse struct {
	ResourceKey   string  `json:"resource_key"`
	IncidentCount int     `json:"incident_count"`
	EventCount    int     `json:"event_count"`
	AvgConfidence float64 `json:"avg_confidence"`
	TopChangeType string  `json:"top_change_type"`
	LastSeen      string  `json:"last_seen"`
}

func (h *Handlers) hotspots(w http.ResponseWriter, r *http.Request) {
	tr, err := parseTimeRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mined, err := h.miner.Mine(r.Context(), tr)
	if err != nil {
		h.logger.Error("hotspot mining failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	out := make([]hotspotResponse, 0, len(mined))
	for _, hs := range mined {
		out = append(out, hotspotResponse{
			ResourceKey:   hs.ResourceKey,
			IncidentCount: hs.IncidentCount,
			EventCount:    hs.EventCount,
			AvgConfidence: hs.AvgConfidence,
			TopChangeType: string(hs.TopChangeType),
			LastSeen:      hs.LastSeen.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) respondIncidentError(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "incident not found")
		return
	}
	h.logger.Error("incident request failed", slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, "incident request failed")
}

func parseTimeRange(r *http.Request) (models.TimeRange, error) {
	query := r.URL.Query()
	start, err := utils.ParseRFC3339(query.Get("start"))
	if err != nil {
		return models.TimeRange{}, errors.New("invalid or missing start")
	}
	end := time.Now().UTC()
	if raw := query.Get("end"); raw != "" {
		end, err = utils.ParseRFC3339(raw)
		if err != nil {
			return models.TimeRange{}, errors.New("invalid end")
		}
	}
	return models.TimeRange{Start: start, End: end}, nil
}

func toIncidentResponse(incident models.Incident) incidentResponse {
	resp := incidentResponse{
		ID:           incident.ID,
		Severity:     string(incident.Severity),
		Status:       string(incident.Status),
		OpenedAt:     incident.OpenedAt.Format(time.RFC3339),
		ResourceKeys: incident.AffectedResourceKeys,
	}
	if incident.ResolvedAt != nil {
		resp.ResolvedAt = incident.ResolvedAt.Format(time.RFC3339)
	}
	return resp
}

func toEventResponse(event models.TimelineEvent) eventResponse {
	return eventResponse{
		ID:          event.ID,
		OccurredAt:  event.OccurredAt.Format(time.RFC3339),
		ReceivedAt:  event.ReceivedAt.Format(time.RFC3339),
		ChangeType:  string(event.ChangeType),
		Source:      string(event.Source),
		ResourceKey: event.ResourceKey,
		Payload:     event.Payload,
	}
}

func toCorrelationResponse(corr models.Correlation) correlationResponse {
	return correlationResponse{
		EventID:     corr.EventID,
		IncidentID:  corr.IncidentID,
		Confidence:  corr.Confidence,
		Basis:       string(corr.Basis),
		EvaluatedAt: corr.EvaluatedAt.Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
