package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sentinelsoc/soar/internal/auth"
	"github.com/sentinelsoc/soar/internal/incident"
	"github.com/sentinelsoc/soar/internal/models"
	"github.com/sentinelsoc/soar/internal/reputation"
	"github.com/sentinelsoc/soar/internal/response"
	"github.com/sentinelsoc/soar/internal/risk"
	"github.com/sentinelsoc/soar/internal/signals"
)

type ingestRequest struct {
	models.RequestRecord
	Detections []models.OwaspDetection `json:"detections,omitempty"`
	Prediction *models.MLPrediction    `json:"ml_prediction,omitempty"`
}

// ingestRequest stores a WAF-reported request with its detections, updates
// the realtime counters and the source's reputation, and runs the pipeline
// when the request looks hostile.
func (s *Server) ingestRequest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.ClientIP == "" || req.Method == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "client_ip and method are required")
		return
	}

	ctx := r.Context()
	if err := s.store.SaveRequest(ctx, &req.RequestRecord); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	owaspTypes := make([]string, 0, len(req.Detections))
	for i := range req.Detections {
		req.Detections[i].RequestID = req.ID
		if err := s.store.SaveDetection(ctx, &req.Detections[i]); err != nil {
			respondError(w, http.StatusInternalServerError, "db_error", err.Error())
			return
		}
		owaspTypes = append(owaspTypes, req.Detections[i].Category)
	}

	if req.Prediction != nil {
		req.Prediction.RequestID = req.ID
		if err := s.store.SavePrediction(ctx, req.Prediction); err != nil {
			respondError(w, http.StatusInternalServerError, "db_error", err.Error())
			return
		}
	}

	if err := s.registry.RecordRequest(ctx, req.ClientIP, req.Method, req.IsBlocked, req.IsSuspicious, owaspTypes); err != nil {
		s.logger.Warn("stats update failed", "client_ip", req.ClientIP, "error", err)
	}

	if _, err := s.reputation.Update(ctx, reputation.Event{
		IP:         req.ClientIP,
		Blocked:    req.IsBlocked,
		Suspicious: req.IsSuspicious || len(req.Detections) > 0,
		Country:    req.CountryCode,
		At:         req.Timestamp,
	}); err != nil {
		s.logger.Error("reputation update failed", "client_ip", req.ClientIP, "error", err)
	}

	result := map[string]interface{}{"request_id": req.ID}

	if needsAssessment(&req, s.cfg.Soar.AnomalyThreshold) {
		outcome, err := s.assess(ctx, req.ID)
		if err != nil {
			s.logger.Error("pipeline failed", "request_id", req.ID, "error", err)
		} else {
			result["outcome"] = outcome
		}
	}

	respondJSON(w, http.StatusCreated, result)
}

// needsAssessment decides whether an ingested request enters the scoring
// pipeline: flagged by the WAF, carrying detections, or scored anomalous
// enough by the ML sidecar.
func needsAssessment(req *ingestRequest, anomalyThreshold float64) bool {
	if req.IsSuspicious || req.IsBlocked || len(req.Detections) > 0 {
		return true
	}
	return req.Prediction != nil && req.Prediction.AnomalyScore >= anomalyThreshold
}

type assessRequestBody struct {
	RequestID uuid.UUID `json:"request_id"`
}

func (s *Server) assessRequest(w http.ResponseWriter, r *http.Request) {
	var req assessRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.RequestID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "validation_error", "request_id is required")
		return
	}

	outcome, err := s.assess(r.Context(), req.RequestID)
	if err != nil {
		switch {
		case errors.Is(err, signals.ErrRequestNotFound):
			respondError(w, http.StatusNotFound, "not_found", "Request not found")
		case errors.Is(err, risk.ErrInsufficientSignal):
			respondError(w, http.StatusUnprocessableEntity, "insufficient_signal", "No signal families available for this request")
		default:
			respondError(w, http.StatusInternalServerError, "pipeline_error", err.Error())
		}
		return
	}

	respondJSON(w, http.StatusOK, outcome)
}

func (s *Server) getAssessment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "assessmentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid assessment ID")
		return
	}

	assessment, err := s.store.GetAssessment(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if assessment == nil {
		respondError(w, http.StatusNotFound, "not_found", "Assessment not found")
		return
	}

	respondJSON(w, http.StatusOK, assessment)
}

func (s *Server) listAssessments(w http.ResponseWriter, r *http.Request) {
	var level *risk.Level
	if l := r.URL.Query().Get("level"); l != "" {
		lv := risk.Level(l)
		level = &lv
	}

	assessments, err := s.store.ListAssessments(r.Context(), level, queryLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, assessments)
}

func (s *Server) listActions(w http.ResponseWriter, r *http.Request) {
	var status *response.ActionStatus
	if st := r.URL.Query().Get("status"); st != "" {
		as := response.ActionStatus(st)
		status = &as
	}

	actions, err := s.responses.ListActions(r.Context(), status, queryLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, actions)
}

func (s *Server) getAction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "actionID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid action ID")
		return
	}

	action, err := s.responses.GetAction(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if action == nil {
		respondError(w, http.StatusNotFound, "not_found", "Action not found")
		return
	}

	respondJSON(w, http.StatusOK, action)
}

func (s *Server) executeAction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "actionID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid action ID")
		return
	}

	action, err := s.responses.Execute(r.Context(), id)
	if err != nil {
		respondActionError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, action)
}

type validateRequest struct {
	Approve bool   `json:"approve"`
	Comment string `json:"comment,omitempty"`
}

func (s *Server) validateAction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "actionID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid action ID")
		return
	}

	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	claims, _ := auth.GetUserFromContext(r.Context())
	validatedBy := "unknown"
	if claims != nil {
		validatedBy = claims.Email
	}

	action, err := s.responses.Validate(r.Context(), id, req.Approve, validatedBy, req.Comment)
	if err != nil {
		respondActionError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, action)
}

type manualActionRequest struct {
	ActionType      response.ActionType `json:"action_type"`
	TargetIP        string              `json:"target_ip"`
	Reason          string              `json:"reason"`
	DurationMinutes int                 `json:"duration_minutes"`
}

func (s *Server) manualAction(w http.ResponseWriter, r *http.Request) {
	var req manualActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.TargetIP == "" || req.ActionType == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "action_type and target_ip are required")
		return
	}

	duration := time.Duration(req.DurationMinutes) * time.Minute
	if duration <= 0 {
		duration = s.cfg.Soar.BlockDuration
	}

	claims, _ := auth.GetUserFromContext(r.Context())
	requestedBy := "unknown"
	if claims != nil {
		requestedBy = claims.Email
	}

	action, err := s.responses.ManualOverride(r.Context(), req.ActionType, req.TargetIP, req.Reason, duration, requestedBy)
	if err != nil {
		respondActionError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, action)
}

type rollbackRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) rollbackAction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "actionID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid action ID")
		return
	}

	var req rollbackRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "manual"
	}

	action, err := s.responses.Rollback(r.Context(), id, req.Reason)
	if err != nil {
		respondActionError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, action)
}

func (s *Server) listBlocked(w http.ResponseWriter, r *http.Request) {
	blocked, err := s.responses.BlockedTargets(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "registry_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, blocked)
}

func (s *Server) listIncidents(w http.ResponseWriter, r *http.Request) {
	var status *incident.Status
	if st := r.URL.Query().Get("status"); st != "" {
		is := incident.Status(st)
		status = &is
	}

	incidents, err := s.incidents.List(r.Context(), status, queryLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, incidents)
}

func (s *Server) getIncident(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "incidentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid incident ID")
		return
	}

	inc, err := s.incidents.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if inc == nil {
		respondError(w, http.StatusNotFound, "not_found", "Incident not found")
		return
	}

	respondJSON(w, http.StatusOK, inc)
}

type incidentStatusRequest struct {
	Status        incident.Status `json:"status"`
	FalsePositive *bool           `json:"false_positive,omitempty"`
}

func (s *Server) updateIncidentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "incidentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid incident ID")
		return
	}

	var req incidentStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	inc, err := s.incidents.UpdateStatus(r.Context(), id, req.Status, req.FalsePositive)
	if err != nil {
		switch {
		case errors.Is(err, incident.ErrNotFound):
			respondError(w, http.StatusNotFound, "not_found", "Incident not found")
		case errors.Is(err, incident.ErrInvalidTransition):
			respondError(w, http.StatusConflict, "invalid_transition", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		}
		return
	}

	respondJSON(w, http.StatusOK, inc)
}

func (s *Server) getIncidentPlan(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "incidentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid incident ID")
		return
	}

	plan, err := s.plans.ByIncident(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if plan == nil {
		respondError(w, http.StatusNotFound, "not_found", "No plan for this incident")
		return
	}

	respondJSON(w, http.StatusOK, plan)
}

func (s *Server) listPlans(w http.ResponseWriter, r *http.Request) {
	list, err := s.plans.List(r.Context(), queryLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, list)
}

type previewPlanRequest struct {
	AttackType string `json:"attack_type"`
}

func (s *Server) previewPlan(w http.ResponseWriter, r *http.Request) {
	var req previewPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.AttackType == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "attack_type is required")
		return
	}

	respondJSON(w, http.StatusOK, s.plans.Preview(req.AttackType))
}

func (s *Server) getReputation(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	rec, err := s.reputation.Get(r.Context(), ip)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "not_found", "No reputation record for this IP")
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) listWorstReputation(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListWorstReputation(r.Context(), queryLimit(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, recs)
}

func (s *Server) realtimeStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.registry.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "registry_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

func respondActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, response.ErrInvalidState):
		respondError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, response.ErrValidationRequired):
		respondError(w, http.StatusForbidden, "validation_required", "Action requires analyst validation")
	case errors.Is(err, response.ErrExternalUnavailable):
		respondError(w, http.StatusBadGateway, "registry_unavailable", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "action_error", err.Error())
	}
}

func queryLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
