package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ollystack/loganomaly/internal/models"
	"github.com/ollystack/loganomaly/internal/repo"
	"github.com/ollystack/loganomaly/internal/services"
	"github.com/ollystack/loganomaly/internal/utils"
)

const maxBodyBytes = 8 << 20

// Handler exposes the anomaly service over HTTP/JSON.
type Handler struct {
	logger  *slog.Logger
	service *services.AnomalyService
}

// NewHandler wires the anomaly service into an HTTP handler.
func NewHandler(logger *slog.Logger, service *services.AnomalyService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// Router builds the API route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/logs/analyze", h.handleAnalyzeBatch).Methods(http.MethodPost)
	v1.HandleFunc("/logs/analyze/single", h.handleAnalyzeSingle).Methods(http.MethodPost)

	v1.HandleFunc("/services", h.handleServices).Methods(http.MethodGet)
	v1.HandleFunc("/anomaly-types", h.handleAnomalyTypes).Methods(http.MethodGet)

	v1.HandleFunc("/patterns/{service}", h.handleTopPatterns).Methods(http.MethodGet)
	v1.HandleFunc("/patterns/{service}/new", h.handleNewPatterns).Methods(http.MethodGet)
	v1.HandleFunc("/patterns/{service}/rare", h.handleRarePatterns).Methods(http.MethodGet)
	v1.HandleFunc("/patterns/{service}/errors", h.handleErrorPatterns).Methods(http.MethodGet)
	v1.HandleFunc("/patterns/{service}/snapshot", h.handleSaveSnapshot).Methods(http.MethodPost)
	v1.HandleFunc("/patterns/{service}/snapshot/restore", h.handleRestoreSnapshot).Methods(http.MethodPost)

	v1.HandleFunc("/statistics/{service}", h.handleStatistics).Methods(http.MethodGet)
	v1.HandleFunc("/frequency/{service}/{patternID}", h.handleFrequencyStats).Methods(http.MethodGet)
	v1.HandleFunc("/baselines/{service}/update", h.handleUpdateBaselines).Methods(http.MethodPost)

	v1.HandleFunc("/sequence/{service}/transitions", h.handleTransitions).Methods(http.MethodGet)
	v1.HandleFunc("/sequence/{service}/likely-next/{patternID}", h.handleLikelyNext).Methods(http.MethodGet)
	v1.HandleFunc("/sequence/{service}/sessions/{sessionID}", h.handleSessionReport).Methods(http.MethodGet)
	v1.HandleFunc("/sequence/{service}/rules", h.handleAddRule).Methods(http.MethodPost)
	v1.HandleFunc("/sequence/{service}/followups", h.handleAddFollowup).Methods(http.MethodPost)
	v1.HandleFunc("/sequence/{service}/reset", h.handleResetSequence).Methods(http.MethodPost)

	return r
}

type analyzeBatchRequest struct {
	Logs []models.LogRecord `json:"logs"`
}

type analyzeBatchResponse struct {
	Results map[string]models.DetectionResult `json:"results"`
}

func (h *Handler) handleAnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	var req analyzeBatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Logs) == 0 {
		h.writeError(w, http.StatusBadRequest, "logs must not be empty")
		return
	}
	h.writeJSON(w, http.StatusOK, analyzeBatchResponse{Results: h.service.AnalyzeBatch(req.Logs)})
}

func (h *Handler) handleAnalyzeSingle(w http.ResponseWriter, r *http.Request) {
	var rec models.LogRecord
	if !h.decode(w, r, &rec) {
		return
	}
	if rec.Message == "" {
		h.writeError(w, http.StatusBadRequest, "message must not be empty")
		return
	}
	anomalies := h.service.AnalyzeSingle(rec)
	if anomalies == nil {
		anomalies = []models.LogAnomaly{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"anomalies": anomalies})
}

func (h *Handler) handleServices(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"services": h.service.Services()})
}

func (h *Handler) handleAnomalyTypes(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"anomaly_types": models.AnomalyTypes()})
}

func (h *Handler) handleTopPatterns(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	limit := queryInt(r, "limit", 20)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"service":  service,
		"patterns": h.service.TopPatterns(service, limit),
	})
}

func (h *Handler) handleNewPatterns(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]

	hours := queryInt(r, "hours", 24)
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := utils.ParseRFC3339(since)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since: %v", err))
			return
		}
		hours = int(math.Ceil(utils.DurationMinutes(t, time.Now().UTC()) / 60))
		if hours < 1 {
			hours = 1
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"service":  service,
		"hours":    hours,
		"patterns": h.service.NewPatterns(service, hours),
	})
}

func (h *Handler) handleRarePatterns(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	threshold := queryInt(r, "threshold", 0)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"service":  service,
		"patterns": h.service.RarePatterns(service, threshold),
	})
}

func (h *Handler) handleErrorPatterns(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	h.writeJSON(w, http.StatusOK, map[string]any{
		"service":  service,
		"patterns": h.service.ErrorPatterns(service),
	})
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	h.writeJSON(w, http.StatusOK, h.service.Statistics(service))
}

func (h *Handler) handleFrequencyStats(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	window := queryInt(r, "window", 60)
	h.writeJSON(w, http.StatusOK, h.service.FrequencyStats(vars["service"], vars["patternID"], window))
}

func (h *Handler) handleUpdateBaselines(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	updated := h.service.UpdateBaselines(service)
	h.writeJSON(w, http.StatusOK, map[string]any{"service": service, "baselines_updated": updated})
}

func (h *Handler) handleTransitions(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	h.writeJSON(w, http.StatusOK, map[string]any{
		"service":     service,
		"transitions": h.service.TransitionMatrix(service),
	})
}

func (h *Handler) handleLikelyNext(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	topK := queryInt(r, "top_k", 5)
	predictions := h.service.LikelyNext(vars["service"], vars["patternID"], topK)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"pattern_id":  vars["patternID"],
		"predictions": predictions,
	})
}

func (h *Handler) handleSessionReport(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	h.writeJSON(w, http.StatusOK, h.service.SessionReport(vars["service"], vars["sessionID"]))
}

type sequenceRuleRequest struct {
	FromTemplate string   `json:"from_template"`
	ValidNext    []string `json:"valid_next,omitempty"`
	Followups    []string `json:"followups,omitempty"`
}

func (h *Handler) handleAddRule(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	var req sequenceRuleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.FromTemplate == "" || len(req.ValidNext) == 0 {
		h.writeError(w, http.StatusBadRequest, "from_template and valid_next are required")
		return
	}
	if err := h.service.AddSequenceRule(service, req.FromTemplate, req.ValidNext); err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"service": service, "rule_added": true})
}

func (h *Handler) handleAddFollowup(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	var req sequenceRuleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.FromTemplate == "" || len(req.Followups) == 0 {
		h.writeError(w, http.StatusBadRequest, "from_template and followups are required")
		return
	}
	if err := h.service.AddExpectedFollowup(service, req.FromTemplate, req.Followups); err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"service": service, "followup_added": true})
}

func (h *Handler) handleResetSequence(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	h.service.ResetSequenceModels(service)
	h.writeJSON(w, http.StatusOK, map[string]any{"service": service, "reset": true})
}

func (h *Handler) handleSaveSnapshot(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	saved, err := h.service.SaveSnapshot(r.Context(), service)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"service": service, "patterns_saved": saved})
}

func (h *Handler) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	restored, err := h.service.RestoreSnapshot(r.Context(), service)
	if err != nil {
		if errors.Is(err, repo.ErrNoSnapshot) {
			h.writeError(w, http.StatusNotFound, fmt.Sprintf("no snapshot for service %q", service))
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"service": service, "patterns_restored": restored})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("response encode failed", slog.Any("error", err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
