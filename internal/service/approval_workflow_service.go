package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/groundcrew/be-work-requests/internal/apperrors"
	"github.com/groundcrew/be-work-requests/internal/metrics"
	"github.com/groundcrew/be-work-requests/internal/repository"
	"github.com/groundcrew/be-work-requests/internal/workflow"
)

// ApprovalWorkflowService drives approval chains: it initializes a chain on
// submission, records approver decisions, and answers chain and queue
// queries. Decision application is serialized by the step-status
// compare-and-swap in the step store, not by in-process locks.
type ApprovalWorkflowService struct {
	workRequests WorkRequestStore
	chains       ApprovalChainStore
	steps        ApprovalStepStore
	policies     ApprovalPolicyStore
	audit        AuditStore
	stands       StandDirectory
	notifier     NotificationDispatcher

	defaultPolicy workflow.Policy
	log           zerolog.Logger
}

// NewApprovalWorkflowService creates a new ApprovalWorkflowService. stands
// and notifier may be nil in tests.
func NewApprovalWorkflowService(
	workRequests WorkRequestStore,
	chains ApprovalChainStore,
	steps ApprovalStepStore,
	policies ApprovalPolicyStore,
	audit AuditStore,
	stands StandDirectory,
	notifier NotificationDispatcher,
	defaultPolicy workflow.Policy,
	log zerolog.Logger,
) *ApprovalWorkflowService {
	return &ApprovalWorkflowService{
		workRequests:  workRequests,
		chains:        chains,
		steps:         steps,
		policies:      policies,
		audit:         audit,
		stands:        stands,
		notifier:      notifier,
		defaultPolicy: defaultPolicy,
		log:           log,
	}
}

// ── Workflow initialization ───────────────────────────────────────────────────

// InitializeWorkflow builds and persists the approval chain for a submitted
// work request, marks the first step current pending, and advances the
// request to under_review. Chain creation and status advancement are
// separate commits against independently evolving stores; a failure between
// them is reported as a workflow-init error for the caller to compensate.
// Returns the chain and the estimated time to full approval.
func (s *ApprovalWorkflowService) InitializeWorkflow(ctx context.Context, workRequestID, organizationID string) (*repository.ApprovalChain, time.Duration, error) {
	wr, err := s.workRequests.GetByID(ctx, workRequestID, organizationID)
	if err != nil {
		return nil, 0, err
	}
	if wr.Status != workflow.StatusSubmitted {
		return nil, 0, apperrors.Newf(apperrors.ErrCodeWorkflowInit,
			"work request %s is %q, expected %q", workRequestID, wr.Status, workflow.StatusSubmitted)
	}

	policy, err := s.resolvePolicy(ctx, organizationID)
	if err != nil {
		return nil, 0, err
	}

	input, err := s.buildInput(ctx, wr)
	if err != nil {
		return nil, 0, err
	}

	planned := workflow.BuildChain(input, policy)
	chain := &repository.ApprovalChain{
		WorkRequestID:   wr.ID,
		OrganizationID:  wr.OrganizationID,
		Status:          workflow.ChainActive,
		CurrentPosition: 1,
		TotalSteps:      len(planned),
		SubmittedBy:     wr.RequestedBy,
		Steps:           make([]*repository.ApprovalStep, 0, len(planned)),
	}
	for _, st := range planned {
		chain.Steps = append(chain.Steps, &repository.ApprovalStep{
			Position:     st.Position,
			ApproverRole: st.Role,
			ApproverID:   st.ApproverID,
			Status:       st.Status,
		})
	}

	if err := s.chains.Create(ctx, chain); err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.ErrCodeWorkflowInit, "failed to persist approval chain")
	}

	if _, err := s.transitionWorkRequest(ctx, wr, workflow.StatusUnderReview, wr.RequestedBy, ""); err != nil {
		// The chain row committed but the status advance did not. Void the
		// chain so the next submission builds a fresh one.
		if voidErr := s.chains.Complete(ctx, chain.ID, workflow.ChainSuperseded, time.Now()); voidErr != nil {
			s.log.Error().Err(voidErr).
				Str("chain_id", chain.ID).
				Str("work_request_id", wr.ID).
				Msg("Failed to void approval chain after status advance failure")
		}
		return nil, 0, apperrors.Wrap(err, apperrors.ErrCodeWorkflowInit, "failed to advance work request to under_review")
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		WorkRequestID:  wr.ID,
		ChainID:        &chain.ID,
		OrganizationID: wr.OrganizationID,
		Action:         "review_started",
		PerformedBy:    wr.RequestedBy,
		StatusBefore:   statusPtr(workflow.StatusSubmitted),
		StatusAfter:    statusPtr(workflow.StatusUnderReview),
		Metadata:       map[string]interface{}{"total_steps": chain.TotalSteps},
	})

	s.notify(ctx, "approval_required", wr.ID, map[string]interface{}{
		"chain_id":    chain.ID,
		"approver_id": chain.Steps[0].ApproverID,
		"position":    1,
	})

	s.log.Info().
		Str("work_request_id", wr.ID).
		Str("chain_id", chain.ID).
		Int("total_steps", chain.TotalSteps).
		Msg("Approval workflow initialized")

	estimate := time.Duration(chain.TotalSteps*policy.StepSLAHours) * time.Hour
	return chain, estimate, nil
}

// ── Decisions ─────────────────────────────────────────────────────────────────

// DecisionRequest is one approver action against the current pending step.
// StepID, when set, pins the decision to a specific step: if that step is no
// longer the current pending one the decision fails as stale instead of
// silently applying to a later step.
type DecisionRequest struct {
	WorkRequestID  string
	OrganizationID string
	StepID         string
	ApproverID     string
	Decision       workflow.Decision
	Comments       string
	DelegatedTo    string
}

// DecisionOutcome reports the chain and work request state after a decision.
type DecisionOutcome struct {
	Decision          workflow.Decision
	ChainID           string
	ChainStatus       workflow.ChainStatus
	WorkRequestStatus workflow.Status
	CurrentPosition   int
	Complete          bool
}

// RecordDecision applies one decision to the current pending step of the
// active chain. A decision against a step that is no longer pending fails
// with a stale-approval error, so duplicate submissions are rejected rather
// than double-applied.
func (s *ApprovalWorkflowService) RecordDecision(ctx context.Context, req DecisionRequest) (*DecisionOutcome, error) {
	chain, err := s.chains.GetActiveByWorkRequestID(ctx, req.WorkRequestID)
	if err != nil {
		return nil, err
	}
	if chain == nil {
		if req.StepID != "" {
			return nil, apperrors.Newf(apperrors.ErrCodeStaleApproval,
				"step %s belongs to a chain that is no longer active", req.StepID)
		}
		return nil, apperrors.NotFound("approval_chain", req.WorkRequestID)
	}

	step, err := s.steps.GetByPosition(ctx, chain.ID, chain.CurrentPosition)
	if err != nil {
		return nil, err
	}
	if req.StepID != "" && req.StepID != step.ID {
		return nil, apperrors.Newf(apperrors.ErrCodeStaleApproval,
			"step %s is no longer the current pending step of chain %s", req.StepID, chain.ID)
	}
	if step.Status != workflow.StepPending {
		return nil, apperrors.Newf(apperrors.ErrCodeStaleApproval,
			"step %d of chain %s is no longer pending", step.Position, chain.ID)
	}
	if err := assertCanAct(step, req.ApproverID); err != nil {
		return nil, err
	}

	var outcome *DecisionOutcome
	switch req.Decision {
	case workflow.DecisionApprove:
		outcome, err = s.approve(ctx, chain, step, req)
	case workflow.DecisionReject:
		outcome, err = s.reject(ctx, chain, step, req)
	case workflow.DecisionDelegate:
		outcome, err = s.delegate(ctx, chain, step, req)
	default:
		return nil, apperrors.InvalidInput("decision", "must be approve, reject or delegate")
	}
	if err != nil {
		return nil, err
	}

	metrics.DecisionsTotal.WithLabelValues(string(req.Decision)).Inc()
	return outcome, nil
}

func (s *ApprovalWorkflowService) approve(ctx context.Context, chain *repository.ApprovalChain, step *repository.ApprovalStep, req DecisionRequest) (*DecisionOutcome, error) {
	comments := optional(req.Comments)
	if err := s.steps.RecordDecision(ctx, step.ID, workflow.StepApproved, workflow.DecisionApprove, req.ApproverID, comments); err != nil {
		return nil, err
	}

	outcome := &DecisionOutcome{
		Decision:          workflow.DecisionApprove,
		ChainID:           chain.ID,
		ChainStatus:       workflow.ChainActive,
		WorkRequestStatus: workflow.StatusUnderReview,
		CurrentPosition:   step.Position,
	}

	if step.Position < chain.TotalSteps {
		next := step.Position + 1
		if err := s.chains.AdvancePosition(ctx, chain.ID, next); err != nil {
			return nil, err
		}
		outcome.CurrentPosition = next

		nextStep, err := s.steps.GetByPosition(ctx, chain.ID, next)
		if err == nil {
			s.notify(ctx, "approval_required", req.WorkRequestID, map[string]interface{}{
				"chain_id":    chain.ID,
				"approver_id": nextStep.ApproverID,
				"position":    next,
			})
		}
	} else {
		if err := s.chains.Complete(ctx, chain.ID, workflow.ChainApproved, time.Now()); err != nil {
			return nil, err
		}
		wr, err := s.workRequests.GetByID(ctx, req.WorkRequestID, req.OrganizationID)
		if err != nil {
			return nil, err
		}
		if _, err := s.transitionWorkRequest(ctx, wr, workflow.StatusApproved, req.ApproverID, ""); err != nil {
			return nil, err
		}
		outcome.ChainStatus = workflow.ChainApproved
		outcome.WorkRequestStatus = workflow.StatusApproved
		outcome.Complete = true

		s.notify(ctx, "work_request_approved", req.WorkRequestID, map[string]interface{}{
			"chain_id":    chain.ID,
			"approved_by": req.ApproverID,
		})
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		WorkRequestID:  req.WorkRequestID,
		ChainID:        &chain.ID,
		StepID:         &step.ID,
		OrganizationID: req.OrganizationID,
		Action:         "approved",
		PerformedBy:    req.ApproverID,
		Metadata: map[string]interface{}{
			"position": step.Position,
			"complete": outcome.Complete,
		},
	})

	s.log.Info().
		Str("work_request_id", req.WorkRequestID).
		Str("chain_id", chain.ID).
		Int("position", step.Position).
		Bool("complete", outcome.Complete).
		Msg("Approval step approved")

	return outcome, nil
}

func (s *ApprovalWorkflowService) reject(ctx context.Context, chain *repository.ApprovalChain, step *repository.ApprovalStep, req DecisionRequest) (*DecisionOutcome, error) {
	if req.Comments == "" {
		return nil, apperrors.InvalidInput("comments", "a rejection reason is required")
	}

	if err := s.steps.RecordDecision(ctx, step.ID, workflow.StepRejected, workflow.DecisionReject, req.ApproverID, &req.Comments); err != nil {
		return nil, err
	}

	// Later steps never activate after a rejection.
	if err := s.steps.MarkRemainingMoot(ctx, chain.ID, step.Position); err != nil {
		return nil, err
	}
	if err := s.chains.Complete(ctx, chain.ID, workflow.ChainRejected, time.Now()); err != nil {
		return nil, err
	}

	wr, err := s.workRequests.GetByID(ctx, req.WorkRequestID, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	if _, err := s.transitionWorkRequest(ctx, wr, workflow.StatusRejected, req.ApproverID, req.Comments); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		WorkRequestID:  req.WorkRequestID,
		ChainID:        &chain.ID,
		StepID:         &step.ID,
		OrganizationID: req.OrganizationID,
		Action:         "rejected",
		PerformedBy:    req.ApproverID,
		Metadata: map[string]interface{}{
			"position": step.Position,
			"reason":   req.Comments,
		},
	})

	s.notify(ctx, "work_request_rejected", req.WorkRequestID, map[string]interface{}{
		"chain_id":    chain.ID,
		"rejected_by": req.ApproverID,
		"reason":      req.Comments,
	})

	s.log.Info().
		Str("work_request_id", req.WorkRequestID).
		Str("chain_id", chain.ID).
		Int("position", step.Position).
		Msg("Approval step rejected, chain frozen")

	return &DecisionOutcome{
		Decision:          workflow.DecisionReject,
		ChainID:           chain.ID,
		ChainStatus:       workflow.ChainRejected,
		WorkRequestStatus: workflow.StatusRejected,
		CurrentPosition:   step.Position,
		Complete:          true,
	}, nil
}

func (s *ApprovalWorkflowService) delegate(ctx context.Context, chain *repository.ApprovalChain, step *repository.ApprovalStep, req DecisionRequest) (*DecisionOutcome, error) {
	if req.DelegatedTo == "" {
		return nil, apperrors.InvalidInput("delegated_to", "a delegate is required")
	}
	if req.DelegatedTo == req.ApproverID {
		return nil, apperrors.InvalidInput("delegated_to", "cannot delegate a step to yourself")
	}

	if err := s.steps.Delegate(ctx, step.ID, req.ApproverID, req.DelegatedTo); err != nil {
		return nil, err
	}

	// Immutable provenance record: who delegated to whom, when, and why.
	s.appendAudit(ctx, &repository.AuditEntry{
		WorkRequestID:  req.WorkRequestID,
		ChainID:        &chain.ID,
		StepID:         &step.ID,
		OrganizationID: req.OrganizationID,
		Action:         "delegated",
		PerformedBy:    req.ApproverID,
		Metadata: map[string]interface{}{
			"position":     step.Position,
			"delegated_to": req.DelegatedTo,
			"reason":       req.Comments,
		},
	})

	s.notify(ctx, "approval_required", req.WorkRequestID, map[string]interface{}{
		"chain_id":     chain.ID,
		"approver_id":  req.DelegatedTo,
		"position":     step.Position,
		"delegated_by": req.ApproverID,
	})

	s.log.Info().
		Str("work_request_id", req.WorkRequestID).
		Str("chain_id", chain.ID).
		Str("delegated_to", req.DelegatedTo).
		Int("position", step.Position).
		Msg("Approval step delegated")

	return &DecisionOutcome{
		Decision:          workflow.DecisionDelegate,
		ChainID:           chain.ID,
		ChainStatus:       chain.Status,
		WorkRequestStatus: workflow.StatusUnderReview,
		CurrentPosition:   step.Position,
	}, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetApprovalChain returns the most recent chain for a work request with its
// steps, reflecting the latest persisted state.
func (s *ApprovalWorkflowService) GetApprovalChain(ctx context.Context, workRequestID string) (*repository.ApprovalChain, error) {
	chain, err := s.chains.GetLatestByWorkRequestID(ctx, workRequestID)
	if err != nil {
		return nil, err
	}
	if chain == nil {
		return nil, apperrors.NotFound("approval_chain", workRequestID)
	}

	steps, err := s.steps.GetByChainID(ctx, chain.ID)
	if err != nil {
		return nil, err
	}
	chain.Steps = steps
	return chain, nil
}

// GetPendingApprovals returns the steps currently awaiting a decision from
// the approver: only current pending steps of active chains, never future or
// already-resolved ones.
func (s *ApprovalWorkflowService) GetPendingApprovals(ctx context.Context, organizationID, approverID string) ([]*repository.ApprovalStep, error) {
	return s.steps.GetPendingForApprover(ctx, organizationID, approverID)
}

// ── Policy administration ─────────────────────────────────────────────────────

// UpsertPolicy creates or replaces an organization's routing policy. Chains
// already in flight keep the steps they were built with.
func (s *ApprovalWorkflowService) UpsertPolicy(ctx context.Context, policy *repository.ApprovalPolicy) error {
	if policy.OrganizationID == "" {
		return apperrors.InvalidInput("organization_id", "organization is required")
	}
	if policy.FinanceThresholdCents < 0 {
		return apperrors.InvalidInput("finance_threshold_cents", "threshold cannot be negative")
	}
	if policy.SupervisorID == "" {
		return apperrors.InvalidInput("supervisor_id", "a supervisor approver is required")
	}
	if policy.StepSLAHours <= 0 {
		policy.StepSLAHours = s.defaultPolicy.StepSLAHours
	}
	policy.IsActive = true

	if err := s.policies.Upsert(ctx, policy); err != nil {
		return err
	}

	s.log.Info().
		Str("organization_id", policy.OrganizationID).
		Int64("finance_threshold_cents", policy.FinanceThresholdCents).
		Msg("Approval policy upserted")
	return nil
}

// DeactivatePolicy disables an organization's policy; the built-in default
// applies to subsequent submissions.
func (s *ApprovalWorkflowService) DeactivatePolicy(ctx context.Context, organizationID string) error {
	return s.policies.Deactivate(ctx, organizationID)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// resolvePolicy returns the organization's routing policy, falling back to
// the built-in default.
func (s *ApprovalWorkflowService) resolvePolicy(ctx context.Context, organizationID string) (workflow.Policy, error) {
	stored, err := s.policies.GetByOrganization(ctx, organizationID)
	if err != nil {
		return workflow.Policy{}, err
	}
	if stored == nil {
		return s.defaultPolicy, nil
	}
	return workflow.Policy{
		FinanceThresholdCents: stored.FinanceThresholdCents,
		SupervisorID:          stored.SupervisorID,
		DutyManagerID:         stored.DutyManagerID,
		FinanceApproverID:     stored.FinanceApproverID,
		OperationsLeadID:      stored.OperationsLeadID,
		StepSLAHours:          stored.StepSLAHours,
	}, nil
}

// buildInput assembles the builder input from the request's denormalized
// attributes, consulting the stand directory only when impact or cost is
// missing and a stand is referenced.
func (s *ApprovalWorkflowService) buildInput(ctx context.Context, wr *repository.WorkRequest) (workflow.BuildInput, error) {
	input := workflow.BuildInput{
		Priority:           wr.Priority,
		ImpactLevel:        wr.ImpactLevel,
		EstimatedCostCents: wr.EstimatedCostCents,
	}

	if s.stands != nil && wr.StandID != nil && (input.ImpactLevel == "" || input.EstimatedCostCents == 0) {
		impact, cost, err := s.stands.GetStandImpact(ctx, wr.OrganizationID, *wr.StandID)
		if err != nil {
			s.log.Warn().Err(err).
				Str("stand_id", *wr.StandID).
				Msg("Could not fetch stand impact; using request attributes as-is")
			return input, nil
		}
		if input.ImpactLevel == "" {
			input.ImpactLevel = impact
		}
		if input.EstimatedCostCents == 0 {
			input.EstimatedCostCents = cost
		}
	}
	return input, nil
}

// transitionWorkRequest validates the edge through the state machine and
// applies it with a compare-and-swap on the request's version.
func (s *ApprovalWorkflowService) transitionWorkRequest(ctx context.Context, wr *repository.WorkRequest, target workflow.Status, actorID, reason string) (int64, error) {
	next, err := workflow.Transition(wr.Status, target, workflow.TransitionContext{ActorID: actorID, Reason: reason})
	if err != nil {
		return 0, err
	}

	patch := repository.StatusPatch{Status: next, UpdatedBy: actorID}
	if reason != "" {
		patch.Reason = &reason
	}

	newVersion, err := s.workRequests.CompareAndSwapStatus(ctx, wr.ID, wr.OrganizationID, wr.Version, patch)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeVersionConflict) {
			metrics.VersionConflictsTotal.Inc()
		}
		return 0, err
	}

	metrics.TransitionsTotal.WithLabelValues(string(wr.Status), string(next)).Inc()
	return newVersion, nil
}

// assertCanAct checks the actor is the step's approver or its active
// delegate.
func assertCanAct(step *repository.ApprovalStep, actorID string) error {
	if step.ApproverID == actorID {
		return nil
	}
	if step.DelegatedTo != nil && *step.DelegatedTo == actorID {
		return nil
	}
	return apperrors.Newf(apperrors.ErrCodeUnauthorized,
		"user %s is not the approver or delegate for step %d", actorID, step.Position)
}

// appendAudit writes an audit entry best-effort; a failure is logged and
// never fails the operation.
func (s *ApprovalWorkflowService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
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

// notify dispatches an event fire-and-forget.
func (s *ApprovalWorkflowService) notify(ctx context.Context, eventType, workRequestID string, eventContext map[string]interface{}) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, eventType, workRequestID, eventContext)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func statusPtr(s workflow.Status) *string {
	v := string(s)
	return &v
}
