package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/groundcrew/be-work-requests/internal/apperrors"
	"github.com/groundcrew/be-work-requests/internal/metrics"
	"github.com/groundcrew/be-work-requests/internal/repository"
	"github.com/groundcrew/be-work-requests/internal/workflow"
)

// WorkRequestService orchestrates the work request lifecycle on top of the
// status state machine and the approval workflow engine, including the
// compensating rollback when workflow initialization fails after the status
// already advanced.
type WorkRequestService struct {
	workRequests WorkRequestStore
	engine       WorkflowEngine
	audit        AuditStore
	notifier     NotificationDispatcher
	cache        CacheInvalidator
	log          zerolog.Logger

	compensationRetries uint64
	bulkWorkers         int
}

// NewWorkRequestService creates a new WorkRequestService. notifier and cache
// may be nil in tests.
func NewWorkRequestService(
	workRequests WorkRequestStore,
	engine WorkflowEngine,
	audit AuditStore,
	notifier NotificationDispatcher,
	cache CacheInvalidator,
	compensationRetries uint64,
	bulkWorkers int,
	log zerolog.Logger,
) *WorkRequestService {
	if bulkWorkers < 1 {
		bulkWorkers = 1
	}
	return &WorkRequestService{
		workRequests:        workRequests,
		engine:              engine,
		audit:               audit,
		notifier:            notifier,
		cache:               cache,
		log:                 log,
		compensationRetries: compensationRetries,
		bulkWorkers:         bulkWorkers,
	}
}

// ── Creation and reads ────────────────────────────────────────────────────────

// CreateWorkRequestRequest carries the caller-supplied fields for a new
// draft.
type CreateWorkRequestRequest struct {
	OrganizationID     string
	Title              string
	Description        *string
	StandID            *string
	WorkType           string
	Priority           string
	Urgency            string
	ImpactLevel        string
	EstimatedCostCents int64
	RequestedBy        string
}

var validPriorities = map[string]bool{
	workflow.PriorityCritical: true,
	workflow.PriorityHigh:     true,
	workflow.PriorityMedium:   true,
	workflow.PriorityLow:      true,
}

// Create builds a new work request in draft at version 1.
func (s *WorkRequestService) Create(ctx context.Context, req *CreateWorkRequestRequest) (*repository.WorkRequest, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, apperrors.InvalidInput("title", "title is required")
	}
	if strings.TrimSpace(req.RequestedBy) == "" {
		return nil, apperrors.InvalidInput("requested_by", "requestor is required")
	}
	priority := strings.ToLower(req.Priority)
	if !validPriorities[priority] {
		return nil, apperrors.InvalidInput("priority", "must be critical, high, medium or low")
	}
	if req.EstimatedCostCents < 0 {
		return nil, apperrors.InvalidInput("estimated_cost_cents", "cost cannot be negative")
	}

	wr := &repository.WorkRequest{
		OrganizationID:     req.OrganizationID,
		Title:              req.Title,
		Description:        req.Description,
		StandID:            req.StandID,
		WorkType:           req.WorkType,
		Status:             workflow.StatusDraft,
		Priority:           priority,
		Urgency:            req.Urgency,
		ImpactLevel:        req.ImpactLevel,
		EstimatedCostCents: req.EstimatedCostCents,
		RequestedBy:        req.RequestedBy,
	}

	if err := s.workRequests.Create(ctx, wr); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("work_request_id", wr.ID).
		Str("organization_id", wr.OrganizationID).
		Str("priority", wr.Priority).
		Msg("Work request created")

	return wr, nil
}

// Get retrieves a work request by id.
func (s *WorkRequestService) Get(ctx context.Context, id, organizationID string) (*repository.WorkRequest, error) {
	return s.workRequests.GetByID(ctx, id, organizationID)
}

// List retrieves work requests with filters and pagination.
func (s *WorkRequestService) List(ctx context.Context, organizationID string, status, standID *string, page, pageSize int) ([]*repository.WorkRequest, int64, error) {
	offset := (page - 1) * pageSize
	return s.workRequests.List(ctx, organizationID, status, standID, pageSize, offset)
}

// ── Submit ────────────────────────────────────────────────────────────────────

// SubmitContext identifies one submit call.
type SubmitContext struct {
	WorkRequestID  string
	OrganizationID string
	UserID         string
}

// SubmitResult carries the created chain and the estimated time to full
// approval.
type SubmitResult struct {
	Chain             *repository.ApprovalChain
	EstimatedApproval time.Duration
}

// Submit drives draft→submitted via compare-and-swap, then initializes the
// approval workflow. When initialization fails after the status advanced,
// the status is compensated back to draft with the failure reason recorded;
// the two steps are deliberately separate commits rather than one cross-store
// transaction. If the compensation itself fails the request stays submitted
// with no chain and is flagged for manual reconciliation.
func (s *WorkRequestService) Submit(ctx context.Context, sc SubmitContext) (*SubmitResult, error) {
	wr, err := s.workRequests.GetByID(ctx, sc.WorkRequestID, sc.OrganizationID)
	if err != nil {
		return nil, err
	}

	next, err := workflow.Transition(wr.Status, workflow.StatusSubmitted, workflow.TransitionContext{ActorID: sc.UserID})
	if err != nil {
		return nil, err
	}

	submittedVersion, err := s.workRequests.CompareAndSwapStatus(ctx, wr.ID, wr.OrganizationID, wr.Version,
		repository.StatusPatch{Status: next, UpdatedBy: sc.UserID})
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeVersionConflict) {
			metrics.VersionConflictsTotal.Inc()
		}
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(wr.Status), string(next)).Inc()

	chain, estimate, initErr := s.engine.InitializeWorkflow(ctx, sc.WorkRequestID, sc.OrganizationID)
	if initErr != nil {
		s.compensateSubmit(ctx, sc, submittedVersion, initErr)
		return nil, apperrors.Wrap(initErr, apperrors.ErrCodeWorkflowInit,
			"workflow initialization failed after submit")
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		WorkRequestID:  sc.WorkRequestID,
		ChainID:        &chain.ID,
		OrganizationID: sc.OrganizationID,
		Action:         "submitted",
		PerformedBy:    sc.UserID,
		StatusBefore:   statusPtr(workflow.StatusDraft),
		StatusAfter:    statusPtr(workflow.StatusUnderReview),
	})

	s.notify(ctx, "work_request_submitted", sc.WorkRequestID, map[string]interface{}{
		"chain_id":     chain.ID,
		"submitted_by": sc.UserID,
		"total_steps":  chain.TotalSteps,
	})
	s.invalidate(ctx, sc.OrganizationID, sc.WorkRequestID)

	s.log.Info().
		Str("work_request_id", sc.WorkRequestID).
		Str("chain_id", chain.ID).
		Dur("estimated_approval", estimate).
		Msg("Work request submitted")

	return &SubmitResult{Chain: chain, EstimatedApproval: estimate}, nil
}

// compensateSubmit rolls the request back to draft after a failed workflow
// initialization. The rollback itself is retried; when it still fails the
// visible inconsistency (submitted, no chain) is flagged for manual
// reconciliation rather than inventing an unmodeled status.
func (s *WorkRequestService) compensateSubmit(ctx context.Context, sc SubmitContext, submittedVersion int64, cause error) {
	reason := "workflow initialization failed: " + cause.Error()

	comp := &compensation{
		name:       "submit_rollback",
		maxRetries: s.compensationRetries,
		log:        s.log,
		run: func(ctx context.Context) error {
			_, err := s.workRequests.CompareAndSwapStatus(ctx, sc.WorkRequestID, sc.OrganizationID, submittedVersion,
				repository.StatusPatch{Status: workflow.StatusDraft, Reason: &reason, UpdatedBy: sc.UserID})
			return err
		},
	}

	if err := comp.execute(ctx); err != nil {
		s.log.Error().Err(err).
			Str("work_request_id", sc.WorkRequestID).
			Msg("Compensation failed; work request left submitted without a chain")
		s.appendAudit(ctx, &repository.AuditEntry{
			WorkRequestID:  sc.WorkRequestID,
			OrganizationID: sc.OrganizationID,
			Action:         "needs_reconciliation",
			PerformedBy:    sc.UserID,
			StatusAfter:    statusPtr(workflow.StatusSubmitted),
			Metadata:       map[string]interface{}{"cause": cause.Error(), "compensation_error": err.Error()},
		})
		return
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		WorkRequestID:  sc.WorkRequestID,
		OrganizationID: sc.OrganizationID,
		Action:         "compensated",
		PerformedBy:    sc.UserID,
		StatusBefore:   statusPtr(workflow.StatusSubmitted),
		StatusAfter:    statusPtr(workflow.StatusDraft),
		Metadata:       map[string]interface{}{"reason": reason},
	})
}

// ── Status updates ────────────────────────────────────────────────────────────

// UpdateStatusContext identifies one single-item transition.
type UpdateStatusContext struct {
	WorkRequestID  string
	OrganizationID string
	Target         workflow.Status
	UserID         string
	Reason         string
}

// UpdateStatus applies a single transition (start work, complete, cancel,
// resubmit) through the state machine with the usual version check.
func (s *WorkRequestService) UpdateStatus(ctx context.Context, uc UpdateStatusContext) (*repository.WorkRequest, error) {
	wr, err := s.workRequests.GetByID(ctx, uc.WorkRequestID, uc.OrganizationID)
	if err != nil {
		return nil, err
	}

	next, err := workflow.Transition(wr.Status, uc.Target, workflow.TransitionContext{ActorID: uc.UserID, Reason: uc.Reason})
	if err != nil {
		return nil, err
	}

	patch := repository.StatusPatch{Status: next, UpdatedBy: uc.UserID}
	if uc.Reason != "" {
		patch.Reason = &uc.Reason
	}

	if _, err := s.workRequests.CompareAndSwapStatus(ctx, wr.ID, wr.OrganizationID, wr.Version, patch); err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeVersionConflict) {
			metrics.VersionConflictsTotal.Inc()
		}
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(wr.Status), string(next)).Inc()

	s.appendAudit(ctx, &repository.AuditEntry{
		WorkRequestID:  uc.WorkRequestID,
		OrganizationID: uc.OrganizationID,
		Action:         "status_changed",
		PerformedBy:    uc.UserID,
		StatusBefore:   statusPtr(wr.Status),
		StatusAfter:    statusPtr(next),
		Metadata:       map[string]interface{}{"reason": uc.Reason},
	})

	switch next {
	case workflow.StatusCancelled:
		s.notify(ctx, "work_request_cancelled", uc.WorkRequestID, map[string]interface{}{
			"cancelled_by": uc.UserID,
			"reason":       uc.Reason,
		})
	case workflow.StatusCompleted:
		s.notify(ctx, "work_request_completed", uc.WorkRequestID, map[string]interface{}{
			"completed_by": uc.UserID,
		})
	}
	s.invalidate(ctx, uc.OrganizationID, uc.WorkRequestID)

	return s.workRequests.GetByID(ctx, uc.WorkRequestID, uc.OrganizationID)
}

// BulkFailure is one failed item of a bulk update.
type BulkFailure struct {
	ID  string
	Err error
}

// BulkResult reports per-item outcomes; one invalid id never blocks the
// rest of the batch.
type BulkResult struct {
	ProcessedCount int
	Failures       []BulkFailure
}

// BulkUpdateStatus applies the single-item transition independently per id
// with bounded concurrency. Items share no mutable state; each is serialized
// by its own version check.
func (s *WorkRequestService) BulkUpdateStatus(ctx context.Context, ids []string, organizationID string, target workflow.Status, userID, reason string) (*BulkResult, error) {
	result := &BulkResult{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.bulkWorkers)

	for _, id := range ids {
		g.Go(func() error {
			_, err := s.UpdateStatus(gctx, UpdateStatusContext{
				WorkRequestID:  id,
				OrganizationID: organizationID,
				Target:         target,
				UserID:         userID,
				Reason:         reason,
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failures = append(result.Failures, BulkFailure{ID: id, Err: err})
			} else {
				result.ProcessedCount++
			}
			// Per-item failures are reported, never propagated: a failing
			// item must not cancel the rest of the batch.
			return nil
		})
	}

	_ = g.Wait()

	s.log.Info().
		Int("requested", len(ids)).
		Int("processed", result.ProcessedCount).
		Int("failed", len(result.Failures)).
		Str("target", string(target)).
		Msg("Bulk status update finished")

	return result, nil
}

// ── Duplicate and delete ──────────────────────────────────────────────────────

// Duplicate clones the classification fields of a work request into a new
// draft at version 1. History, attachments and comments are never copied.
func (s *WorkRequestService) Duplicate(ctx context.Context, id, organizationID, userID string) (*repository.WorkRequest, error) {
	src, err := s.workRequests.GetByID(ctx, id, organizationID)
	if err != nil {
		return nil, err
	}

	dup := &repository.WorkRequest{
		OrganizationID:     src.OrganizationID,
		Title:              src.Title,
		Description:        src.Description,
		StandID:            src.StandID,
		WorkType:           src.WorkType,
		Status:             workflow.StatusDraft,
		Priority:           src.Priority,
		Urgency:            src.Urgency,
		ImpactLevel:        src.ImpactLevel,
		EstimatedCostCents: src.EstimatedCostCents,
		RequestedBy:        userID,
	}

	if err := s.workRequests.Create(ctx, dup); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("source_id", src.ID).
		Str("work_request_id", dup.ID).
		Msg("Work request duplicated")

	return dup, nil
}

// Delete soft-deletes a work request, emits a cache-invalidation signal and
// keeps the row for the audit trail.
func (s *WorkRequestService) Delete(ctx context.Context, id, organizationID, userID string) error {
	wr, err := s.workRequests.GetByID(ctx, id, organizationID)
	if err != nil {
		return err
	}

	if err := s.workRequests.SoftDelete(ctx, id, organizationID, userID); err != nil {
		return err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		WorkRequestID:  id,
		OrganizationID: organizationID,
		Action:         "deleted",
		PerformedBy:    userID,
		StatusBefore:   statusPtr(wr.Status),
	})
	s.invalidate(ctx, organizationID, id)

	s.log.Info().
		Str("work_request_id", id).
		Str("deleted_by", userID).
		Msg("Work request soft-deleted")

	return nil
}

// GetAuditTrail returns the full audit history of a work request,
// oldest-first. Soft-deleted requests keep their trail readable.
func (s *WorkRequestService) GetAuditTrail(ctx context.Context, id, organizationID string) ([]*repository.AuditEntry, error) {
	if s.audit == nil {
		return nil, nil
	}
	return s.audit.GetByWorkRequestID(ctx, id, organizationID)
}

// ── Internal helpers ──────────────────────────────────────────────────────────

func (s *WorkRequestService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("work_request_id", entry.WorkRequestID).
			Str("action", entry.Action).
			Msg("Failed to write audit entry")
	}
}

func (s *WorkRequestService) notify(ctx context.Context, eventType, workRequestID string, eventContext map[string]interface{}) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, eventType, workRequestID, eventContext)
}

func (s *WorkRequestService) invalidate(ctx context.Context, organizationID, workRequestID string) {
	if s.cache == nil {
		return
	}
	s.cache.Invalidate(ctx, organizationID, workRequestID)
}
