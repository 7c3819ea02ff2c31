// Package handlers implements the HTTP API: event intake, incident
// queries and lifecycle actions, and chain export.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/huntwire-systems/huntwire/internal/httputil"
	"github.com/huntwire-systems/huntwire/internal/incident"
	"github.com/huntwire-systems/huntwire/internal/logging"
	"github.com/huntwire-systems/huntwire/internal/models"
	"github.com/huntwire-systems/huntwire/internal/normalizer"
	"github.com/huntwire-systems/huntwire/internal/pipeline"
	"github.com/huntwire-systems/huntwire/internal/repository"
)

// Handler serves the engine's HTTP API.
type Handler struct {
	log      *logging.Logger
	pipeline *pipeline.Pipeline
	manager  *incident.Manager
	repo     repository.Repository
}

// NewHandler creates an API handler.
func NewHandler(log *logging.Logger, p *pipeline.Pipeline, manager *incident.Manager, repo repository.Repository) *Handler {
	return &Handler{
		log:      log,
		pipeline: p,
		manager:  manager,
		repo:     repo,
	}
}

// HealthCheck handles GET /healthz
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ingestRequest is the intake payload: a declared source type plus the
// producer's raw event.
type ingestRequest struct {
	SourceType string          `json:"source_type"`
	Payload    json.RawMessage `json:"payload"`
}

// IngestEvent handles POST /api/v1/events. Backpressure surfaces as 503 so
// producers retry with their own policy instead of the engine buffering
// unboundedly.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SourceType == "" || len(req.Payload) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "source_type and payload are required")
		return
	}

	event, err := h.pipeline.IngestRaw(r.Context(), &normalizer.RawEnvelope{
		SourceType: req.SourceType,
		Payload:    req.Payload,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) {
			w.Header().Set("Retry-After", "1")
			httputil.WriteError(w, http.StatusServiceUnavailable, "ingest queue full")
			return
		}
		var nerr *normalizer.NormalizationError
		if errors.As(err, &nerr) {
			httputil.WriteError(w, http.StatusBadRequest, nerr.Error())
			return
		}
		h.log.Error("event ingestion failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to ingest event")
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"event_id": event.ID})
}

// ListIncidents handles GET /api/v1/incidents
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	filter := repository.IncidentFilter{
		Status:   models.IncidentStatus(r.URL.Query().Get("status")),
		Severity: models.Severity(r.URL.Query().Get("severity")),
		Entity:   r.URL.Query().Get("entity"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			httputil.WriteError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		httputil.WriteError(w, http.StatusBadRequest, "invalid status")
		return
	}
	if filter.Severity != "" && !filter.Severity.IsValid() {
		httputil.WriteError(w, http.StatusBadRequest, "invalid severity")
		return
	}

	incidents, err := h.repo.ListIncidents(r.Context(), filter)
	if err != nil {
		h.log.Error("failed to list incidents", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list incidents")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

// GetIncident handles GET /api/v1/incidents/:id
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request, id string) {
	inc, err := h.repo.GetIncident(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrIncidentNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "incident not found")
			return
		}
		h.log.Error("failed to get incident", logging.IncidentID(id), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to get incident")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, inc)
}

type acknowledgeRequest struct {
	Actor string `json:"actor"`
}

// AcknowledgeIncident handles POST /api/v1/incidents/:id/acknowledge
func (h *Handler) AcknowledgeIncident(w http.ResponseWriter, r *http.Request, id string) {
	var req acknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Actor == "" {
		httputil.WriteError(w, http.StatusBadRequest, "actor is required")
		return
	}

	inc, err := h.manager.Acknowledge(r.Context(), id, req.Actor)
	if err != nil {
		h.writeTransitionError(w, id, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, inc)
}

type transitionRequest struct {
	Status  string `json:"status"`
	Actor   string `json:"actor"`
	Details string `json:"details"`
}

// TransitionIncident handles POST /api/v1/incidents/:id/status
func (h *Handler) TransitionIncident(w http.ResponseWriter, r *http.Request, id string) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Actor == "" {
		httputil.WriteError(w, http.StatusBadRequest, "actor is required")
		return
	}
	status := models.IncidentStatus(req.Status)
	if !status.IsValid() {
		httputil.WriteError(w, http.StatusBadRequest, "invalid status")
		return
	}

	inc, err := h.manager.Transition(r.Context(), id, status, req.Actor, req.Details)
	if err != nil {
		h.writeTransitionError(w, id, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, inc)
}

func (h *Handler) writeTransitionError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, repository.ErrIncidentNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "incident not found")
		return
	}
	if strings.Contains(err.Error(), "invalid transition") {
		httputil.WriteError(w, http.StatusConflict, err.Error())
		return
	}
	h.log.Error("incident transition failed", logging.IncidentID(id), logging.Error(err))
	httputil.WriteError(w, http.StatusInternalServerError, "failed to update incident")
}

// exportedDetection wraps a detection with its disposition so the export
// consumer sees both what fired and what the engine did with it.
type exportedDetection struct {
	Disposition string           `json:"disposition"` // correlated | suppressed
	ChainID     string           `json:"chain_id,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Detection   models.Detection `json:"detection"`
}

// ExportIncidents handles GET /api/v1/export/incidents. Read-only stable
// schema for downstream compliance and reporting systems.
func (h *Handler) ExportIncidents(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 1000)
	if !ok {
		return
	}

	incidents, err := h.repo.ListIncidents(r.Context(), repository.IncidentFilter{Limit: limit})
	if err != nil {
		h.log.Error("failed to export incidents", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to export incidents")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"generated_at": time.Now().UTC(),
		"incidents":    incidents,
		"count":        len(incidents),
	})
}

// ExportDetections handles GET /api/v1/export/detections. Correlated
// detections are read out of their chains; suppressed ones come from the
// audit records so the export accounts for everything that fired.
func (h *Handler) ExportDetections(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 1000)
	if !ok {
		return
	}

	chains, err := h.repo.ListChains(r.Context(), limit)
	if err != nil {
		h.log.Error("failed to export detections", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to export detections")
		return
	}
	suppressed, err := h.repo.ListSuppressedDetections(r.Context(), limit)
	if err != nil {
		h.log.Error("failed to export detections", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to export detections")
		return
	}

	detections := []exportedDetection{}
	for _, chain := range chains {
		for i := range chain.Detections {
			detections = append(detections, exportedDetection{
				Disposition: "correlated",
				ChainID:     chain.ID,
				Detection:   chain.Detections[i],
			})
		}
	}
	for _, rec := range suppressed {
		detections = append(detections, exportedDetection{
			Disposition: "suppressed",
			Reason:      rec.Reason,
			Detection:   rec.Detection,
		})
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"generated_at": time.Now().UTC(),
		"detections":   detections,
		"count":        len(detections),
	})
}

func parseLimit(w http.ResponseWriter, r *http.Request, fallback int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		httputil.WriteError(w, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	return n, true
}

// ExportChains handles GET /api/v1/chains
func (h *Handler) ExportChains(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 100)
	if !ok {
		return
	}

	chains, err := h.repo.ListChains(r.Context(), limit)
	if err != nil {
		h.log.Error("failed to list chains", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list chains")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"chains": chains,
		"count":  len(chains),
	})
}
