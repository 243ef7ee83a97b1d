// Package handler exposes the service operations over HTTP. Handlers stay
// thin: decode, call the service, translate the typed error code to a
// status.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/groundcrew/be-work-requests/internal/apperrors"
	"github.com/groundcrew/be-work-requests/internal/repository"
	"github.com/groundcrew/be-work-requests/internal/service"
	"github.com/groundcrew/be-work-requests/internal/workflow"
)

// HTTPHandler handles HTTP requests.
type HTTPHandler struct {
	requests *service.WorkRequestService
	approval *service.ApprovalWorkflowService
	log      zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(requests *service.WorkRequestService, approval *service.ApprovalWorkflowService, log zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{
		requests: requests,
		approval: approval,
		log:      log,
	}
}

// CreateWorkRequest handles POST /api/v1/work-requests.
func (h *HTTPHandler) CreateWorkRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrganizationID     string  `json:"organization_id"`
		Title              string  `json:"title"`
		Description        *string `json:"description"`
		StandID            *string `json:"stand_id"`
		WorkType           string  `json:"work_type"`
		Priority           string  `json:"priority"`
		Urgency            string  `json:"urgency"`
		ImpactLevel        string  `json:"impact_level"`
		EstimatedCostCents int64   `json:"estimated_cost_cents"`
		RequestedBy        string  `json:"requested_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	wr, err := h.requests.Create(r.Context(), &service.CreateWorkRequestRequest{
		OrganizationID:     req.OrganizationID,
		Title:              req.Title,
		Description:        req.Description,
		StandID:            req.StandID,
		WorkType:           req.WorkType,
		Priority:           req.Priority,
		Urgency:            req.Urgency,
		ImpactLevel:        req.ImpactLevel,
		EstimatedCostCents: req.EstimatedCostCents,
		RequestedBy:        req.RequestedBy,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, wr)
}

// GetWorkRequest handles GET /api/v1/work-requests/get.
func (h *HTTPHandler) GetWorkRequest(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	orgID := r.URL.Query().Get("organization_id")
	if id == "" || orgID == "" {
		http.Error(w, "id and organization_id are required", http.StatusBadRequest)
		return
	}

	wr, err := h.requests.Get(r.Context(), id, orgID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wr)
}

// ListWorkRequests handles GET /api/v1/work-requests.
func (h *HTTPHandler) ListWorkRequests(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("organization_id")
	if orgID == "" {
		http.Error(w, "organization_id is required", http.StatusBadRequest)
		return
	}

	var status, standID *string
	if v := r.URL.Query().Get("status"); v != "" {
		status = &v
	}
	if v := r.URL.Query().Get("stand_id"); v != "" {
		standID = &v
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}

	requests, total, err := h.requests.List(r.Context(), orgID, status, standID, page, pageSize)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"work_requests": requests,
		"total":         total,
		"page":          page,
		"page_size":     pageSize,
	})
}

// SubmitWorkRequest handles POST /api/v1/work-requests/submit.
func (h *HTTPHandler) SubmitWorkRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID             string `json:"id"`
		OrganizationID string `json:"organization_id"`
		UserID         string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.requests.Submit(r.Context(), service.SubmitContext{
		WorkRequestID:  req.ID,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"chain":                    result.Chain,
		"estimated_approval_hours": result.EstimatedApproval.Hours(),
	})
}

// RecordDecision handles POST /api/v1/work-requests/decision.
func (h *HTTPHandler) RecordDecision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID             string `json:"id"`
		OrganizationID string `json:"organization_id"`
		StepID         string `json:"step_id"`
		ApproverID     string `json:"approver_id"`
		Decision       string `json:"decision"`
		Comments       string `json:"comments"`
		DelegatedTo    string `json:"delegated_to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	outcome, err := h.approval.RecordDecision(r.Context(), service.DecisionRequest{
		WorkRequestID:  req.ID,
		OrganizationID: req.OrganizationID,
		StepID:         req.StepID,
		ApproverID:     req.ApproverID,
		Decision:       workflow.Decision(req.Decision),
		Comments:       req.Comments,
		DelegatedTo:    req.DelegatedTo,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, outcome)
}

// GetApprovalChain handles GET /api/v1/work-requests/chain.
func (h *HTTPHandler) GetApprovalChain(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	chain, err := h.approval.GetApprovalChain(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, chain)
}

// GetPendingApprovals handles GET /api/v1/work-requests/pending-approvals.
func (h *HTTPHandler) GetPendingApprovals(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("organization_id")
	approverID := r.URL.Query().Get("approver_id")
	if orgID == "" || approverID == "" {
		http.Error(w, "organization_id and approver_id are required", http.StatusBadRequest)
		return
	}

	steps, err := h.approval.GetPendingApprovals(r.Context(), orgID, approverID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"pending": steps})
}

// GetAuditTrail handles GET /api/v1/work-requests/audit.
func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	orgID := r.URL.Query().Get("organization_id")
	if id == "" || orgID == "" {
		http.Error(w, "id and organization_id are required", http.StatusBadRequest)
		return
	}

	entries, err := h.requests.GetAuditTrail(r.Context(), id, orgID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// BulkUpdateStatus handles POST /api/v1/work-requests/bulk-status.
func (h *HTTPHandler) BulkUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs            []string `json:"ids"`
		OrganizationID string   `json:"organization_id"`
		Target         string   `json:"target_status"`
		UserID         string   `json:"user_id"`
		Reason         string   `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	target, err := workflow.ParseStatus(req.Target)
	if err != nil {
		h.writeError(w, err)
		return
	}

	result, err := h.requests.BulkUpdateStatus(r.Context(), req.IDs, req.OrganizationID, target, req.UserID, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}

	failures := make([]map[string]string, 0, len(result.Failures))
	for _, f := range result.Failures {
		failures = append(failures, map[string]string{
			"id":    f.ID,
			"code":  string(apperrors.CodeOf(f.Err)),
			"error": f.Err.Error(),
		})
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"processed_count": result.ProcessedCount,
		"failures":        failures,
	})
}

// UpdateStatus handles POST /api/v1/work-requests/status.
func (h *HTTPHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID             string `json:"id"`
		OrganizationID string `json:"organization_id"`
		Target         string `json:"target_status"`
		UserID         string `json:"user_id"`
		Reason         string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	target, err := workflow.ParseStatus(req.Target)
	if err != nil {
		h.writeError(w, err)
		return
	}

	wr, err := h.requests.UpdateStatus(r.Context(), service.UpdateStatusContext{
		WorkRequestID:  req.ID,
		OrganizationID: req.OrganizationID,
		Target:         target,
		UserID:         req.UserID,
		Reason:         req.Reason,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wr)
}

// DuplicateWorkRequest handles POST /api/v1/work-requests/duplicate.
func (h *HTTPHandler) DuplicateWorkRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID             string `json:"id"`
		OrganizationID string `json:"organization_id"`
		UserID         string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	dup, err := h.requests.Duplicate(r.Context(), req.ID, req.OrganizationID, req.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, dup)
}

// DeleteWorkRequest handles DELETE /api/v1/work-requests/delete.
func (h *HTTPHandler) DeleteWorkRequest(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	orgID := r.URL.Query().Get("organization_id")
	userID := r.URL.Query().Get("user_id")
	if id == "" || orgID == "" {
		http.Error(w, "id and organization_id are required", http.StatusBadRequest)
		return
	}

	if err := h.requests.Delete(r.Context(), id, orgID, userID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpsertApprovalPolicy handles PUT /api/v1/approval-policies.
func (h *HTTPHandler) UpsertApprovalPolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrganizationID        string `json:"organization_id"`
		FinanceThresholdCents int64  `json:"finance_threshold_cents"`
		SupervisorID          string `json:"supervisor_id"`
		DutyManagerID         string `json:"duty_manager_id"`
		FinanceApproverID     string `json:"finance_approver_id"`
		OperationsLeadID      string `json:"operations_lead_id"`
		StepSLAHours          int    `json:"step_sla_hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	policy := &repository.ApprovalPolicy{
		OrganizationID:        req.OrganizationID,
		FinanceThresholdCents: req.FinanceThresholdCents,
		SupervisorID:          req.SupervisorID,
		DutyManagerID:         req.DutyManagerID,
		FinanceApproverID:     req.FinanceApproverID,
		OperationsLeadID:      req.OperationsLeadID,
		StepSLAHours:          req.StepSLAHours,
	}
	if err := h.approval.UpsertPolicy(r.Context(), policy); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, policy)
}

// DeactivateApprovalPolicy handles DELETE /api/v1/approval-policies.
func (h *HTTPHandler) DeactivateApprovalPolicy(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("organization_id")
	if orgID == "" {
		http.Error(w, "organization_id is required", http.StatusBadRequest)
		return
	}

	if err := h.approval.DeactivatePolicy(r.Context(), orgID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── response helpers ──────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps the typed error code to an HTTP status.
func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case apperrors.ErrCodeInvalidTransition:
		status = http.StatusUnprocessableEntity
	case apperrors.ErrCodeVersionConflict, apperrors.ErrCodeStaleApproval, apperrors.ErrCodeConflict:
		status = http.StatusConflict
	case apperrors.ErrCodeUnauthorized:
		status = http.StatusForbidden
	case apperrors.ErrCodeWorkflowInit:
		status = http.StatusBadGateway
	case apperrors.ErrCodeUnavailable:
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":  string(code),
		"error": err.Error(),
	})
}
