package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/sarflow/internal/cases"
	"github.com/opensource-finance/sarflow/internal/domain"
	"github.com/opensource-finance/sarflow/internal/pipeline"
	"github.com/opensource-finance/sarflow/internal/repository"
	"github.com/opensource-finance/sarflow/internal/rules"
	"github.com/opensource-finance/sarflow/internal/validation"
	"github.com/opensource-finance/sarflow/internal/workflow"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 10 << 20

// MaxBatchSize is the largest number of alerts accepted by one batch request.
const MaxBatchSize = 500

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	engine   *rules.Engine
	pipeline *pipeline.Pipeline
	cases    *cases.Service
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		repo:     deps.Repo,
		cache:    deps.Cache,
		bus:      deps.Bus,
		engine:   deps.Engine,
		pipeline: deps.Pipeline,
		cases:    deps.Cases,
		version:  deps.Version,
	}
}

// AlertResponse is returned for a synchronously processed alert.
type AlertResponse struct {
	CaseID     string                   `json:"case_id"`
	Status     domain.CaseStatus        `json:"status"`
	Version    int                      `json:"version"`
	RiskScore  float64                  `json:"risk_score"`
	RiskLevel  domain.RiskLevel         `json:"risk_level"`
	Validation *domain.ValidationResult `json:"validation_results,omitempty"`
	Generation domain.GenerationMeta    `json:"generation"`
}

// BatchRequest is the body of POST /alerts/batch.
type BatchRequest struct {
	Alerts []*domain.Alert `json:"alerts"`
}

// BatchResponse lists batch outcomes, highest risk first.
type BatchResponse struct {
	Results []pipeline.BatchResult `json:"results"`
}

// IngestAlert runs an alert through the pipeline. With ?async=true the alert
// is queued on the event bus and 202 is returned with a request id.
func (h *Handler) IngestAlert(w http.ResponseWriter, r *http.Request) {
	var alert domain.Alert
	if err := decodeBody(w, r, &alert); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		h.enqueueAlert(w, r, &alert)
		return
	}

	c, err := h.pipeline.Run(r.Context(), &alert)
	if err != nil {
		writeRunError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, AlertResponse{
		CaseID:     c.ID,
		Status:     c.Status,
		Version:    c.Version,
		RiskScore:  c.RiskScore(),
		RiskLevel:  c.RiskLevel(),
		Validation: c.Validation,
		Generation: c.Generation,
	})
}

func (h *Handler) enqueueAlert(w http.ResponseWriter, r *http.Request, alert *domain.Alert) {
	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "async processing is not enabled",
		})
		return
	}

	requestID, _ := r.Context().Value(RequestIDKey).(string)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	payload, err := json.Marshal(domain.AlertMessage{RequestID: requestID, Alert: alert})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to encode alert",
		})
		return
	}

	if err := h.bus.Publish(r.Context(), domain.TopicAlertIngested, payload); err != nil {
		slog.Error("failed to queue alert",
			"request_id", requestID,
			"error", err,
		)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "failed to queue alert",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"request_id": requestID,
		"status":     "queued",
	})
}

// IngestBatch runs a list of alerts concurrently.
func (h *Handler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}
	if len(req.Alerts) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "alerts must not be empty",
		})
		return
	}
	if len(req.Alerts) > MaxBatchSize {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("at most %d alerts per batch", MaxBatchSize),
		})
		return
	}

	writeJSON(w, http.StatusOK, BatchResponse{
		Results: h.pipeline.RunBatch(r.Context(), req.Alerts),
	})
}

// ListCases returns case summaries, newest first.
// Query params: status, limit.
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	filter := domain.CaseFilter{
		Status: domain.CaseStatus(r.URL.Query().Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown status: " + string(filter.Status),
		})
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		filter.Limit = limit
	}

	summaries, err := h.cases.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cases": summaries,
		"count": len(summaries),
	})
}

// GetCase returns the full case record.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	c, err := h.cases.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GetAudit returns the case timeline in append order.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	timeline, err := h.cases.Timeline(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"case_id":  id,
		"timeline": timeline,
	})
}

// ExportCase renders the case as json, audit or text.
func (h *Handler) ExportCase(w http.ResponseWriter, r *http.Request) {
	exp, err := h.cases.Export(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "format"))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", exp.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exp.Filename))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(exp.Body); err != nil {
		slog.Warn("failed to write export", "error", err)
	}
}

// ReviewAction applies submit, approve, reject, finalize or reopen.
// The body is optional; the acting user is always the analyst header.
func (h *Handler) ReviewAction(w http.ResponseWriter, r *http.Request) {
	var req cases.ActionRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}
	req.User = GetAnalystID(r.Context())

	id := chi.URLParam(r, "id")
	ctx := r.Context()

	var (
		c   *domain.Case
		err error
	)
	switch action := chi.URLParam(r, "action"); action {
	case "submit":
		c, err = h.cases.Submit(ctx, id, req)
	case "approve":
		c, err = h.cases.Approve(ctx, id, req)
	case "reject":
		c, err = h.cases.Reject(ctx, id, req)
	case "finalize":
		c, err = h.cases.Finalize(ctx, id, req)
	case "reopen":
		c, err = h.cases.Reopen(ctx, id, req)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "unknown action: " + action,
		})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, c)
}

// Health returns health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check bus health
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns readiness status.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns the loaded typology rules in evaluation order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.engine.GetLoadedRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// GetRule returns a single loaded rule.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == id {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// ValidateRule compiles a rule without loading it.
func (h *Handler) ValidateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.RuleConfig
	if err := decodeBody(w, r, &rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}

	if err := h.engine.ValidateRule(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid": true,
		"id":    rule.ID,
	})
}

// decodeBody decodes a JSON body. io.EOF is returned for an empty body.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// writeRunError reports a failed pipeline run. The case id is included so
// the audit trail of a rejected alert can be fetched.
func writeRunError(w http.ResponseWriter, err error) {
	body := map[string]string{"error": err.Error()}

	var se *pipeline.StageError
	if errors.As(err, &se) {
		body["case_id"] = se.CaseID
		body["stage"] = se.Stage
	}

	status := http.StatusInternalServerError
	if errors.Is(err, validation.ErrUnsupportedClaims) {
		status = http.StatusUnprocessableEntity
	} else {
		slog.Error("pipeline run failed", "error", err)
	}
	writeJSON(w, status, body)
}

// writeError maps service errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, validation.ErrUnsupportedClaims):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, workflow.ErrInvalidTransition), errors.Is(err, cases.ErrStaleVersion):
		status = http.StatusConflict
	case errors.Is(err, cases.ErrInvalidEdit),
		errors.Is(err, cases.ErrUnsupportedFormat),
		errors.Is(err, repository.ErrInvalidInput):
		status = http.StatusBadRequest
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
