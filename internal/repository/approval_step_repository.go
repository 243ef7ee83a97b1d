package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/groundcrew/be-work-requests/internal/apperrors"
	"github.com/groundcrew/be-work-requests/internal/database"
	"github.com/groundcrew/be-work-requests/internal/workflow"
)

const stepColumns = `
	id, chain_id, work_request_id, organization_id,
	position, approver_role, approver_id, status,
	decision, comments, decided_by, decided_at,
	delegated_to, delegated_by, delegated_at,
	created_at, updated_at`

// ApprovalStepRepository handles reads and decision writes on individual
// approval steps. Step creation is handled transactionally by
// ApprovalChainRepository.Create. Every decision write is a compare-and-swap
// on the step's status so a decision is applied at most once.
type ApprovalStepRepository struct {
	db *database.DB
}

// NewApprovalStepRepository creates a new ApprovalStepRepository.
func NewApprovalStepRepository(db *database.DB) *ApprovalStepRepository {
	return &ApprovalStepRepository{db: db}
}

// GetByChainID returns all steps for a chain ordered by position.
func (r *ApprovalStepRepository) GetByChainID(ctx context.Context, chainID string) ([]*ApprovalStep, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE chain_id = $1
		ORDER BY position ASC
	`

	rows, err := r.db.Query(ctx, query, chainID)
	if err != nil {
		return nil, wrapStorageErr(err, "failed to get approval steps")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// GetByPosition returns the step at a given position within a chain.
func (r *ApprovalStepRepository) GetByPosition(ctx context.Context, chainID string, position int) (*ApprovalStep, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE chain_id = $1 AND position = $2
	`

	step, err := r.scanStep(r.db.QueryRow(ctx, query, chainID, position))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("approval_step", chainID)
	}
	if err != nil {
		return nil, wrapStorageErr(err, "failed to get approval step")
	}
	return step, nil
}

// RecordDecision moves a step out of pending, recording the decision
// immutably. The WHERE status = 'pending' guard makes duplicate submissions
// fail with a stale-approval error instead of applying twice.
func (r *ApprovalStepRepository) RecordDecision(
	ctx context.Context,
	stepID string,
	status workflow.StepStatus,
	decision workflow.Decision,
	decidedBy string,
	comments *string,
) error {
	query := `
		UPDATE approval_steps
		SET status     = $2::approval_step_status,
		    decision   = $3,
		    comments   = $4,
		    decided_by = $5,
		    decided_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, stepID, status, decision, comments, decidedBy).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.Newf(apperrors.ErrCodeStaleApproval,
			"approval step %s is no longer pending", stepID)
	}
	if err != nil {
		return wrapStorageErr(err, "failed to record approval decision")
	}
	return nil
}

// Delegate reassigns a pending step to another approver. The step stays
// pending at the same position; the delegation provenance is kept on the
// row and in the audit log.
func (r *ApprovalStepRepository) Delegate(ctx context.Context, stepID, delegatedBy, delegatedTo string) error {
	query := `
		UPDATE approval_steps
		SET delegated_to = $2,
		    delegated_by = $3,
		    delegated_at = NOW(),
		    updated_at   = NOW()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, stepID, delegatedTo, delegatedBy).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.Newf(apperrors.ErrCodeStaleApproval,
			"approval step %s is no longer pending", stepID)
	}
	if err != nil {
		return wrapStorageErr(err, "failed to delegate approval step")
	}
	return nil
}

// MarkRemainingMoot voids all still-pending steps of a chain after a
// rejection so later steps never activate.
func (r *ApprovalStepRepository) MarkRemainingMoot(ctx context.Context, chainID string, afterPosition int) error {
	query := `
		UPDATE approval_steps
		SET status     = 'moot'::approval_step_status,
		    updated_at = NOW()
		WHERE chain_id = $1
		  AND position > $2
		  AND status = 'pending'
	`

	if _, err := r.db.Exec(ctx, query, chainID, afterPosition); err != nil {
		return wrapStorageErr(err, "failed to void remaining approval steps")
	}
	return nil
}

// GetPendingForApprover returns only steps that are the CURRENT pending step
// of an active chain and are owned by (or delegated to) the approver. Future
// and already-resolved steps are never included.
func (r *ApprovalStepRepository) GetPendingForApprover(ctx context.Context, organizationID, approverID string) ([]*ApprovalStep, error) {
	query := `
		SELECT s.id, s.chain_id, s.work_request_id, s.organization_id,
		       s.position, s.approver_role, s.approver_id, s.status,
		       s.decision, s.comments, s.decided_by, s.decided_at,
		       s.delegated_to, s.delegated_by, s.delegated_at,
		       s.created_at, s.updated_at
		FROM approval_steps s
		JOIN approval_chains c ON c.id = s.chain_id
		WHERE s.organization_id = $1
		  AND s.status = 'pending'
		  AND c.status = 'active'
		  AND c.current_position = s.position
		  AND (
		        (s.delegated_to IS NULL AND s.approver_id = $2)
		     OR s.delegated_to = $2
		  )
		ORDER BY s.created_at ASC
	`

	rows, err := r.db.Query(ctx, query, organizationID, approverID)
	if err != nil {
		return nil, wrapStorageErr(err, "failed to get pending approvals")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *ApprovalStepRepository) scanStep(row rowScanner) (*ApprovalStep, error) {
	s := &ApprovalStep{}
	var status string
	err := row.Scan(
		&s.ID,
		&s.ChainID,
		&s.WorkRequestID,
		&s.OrganizationID,
		&s.Position,
		&s.ApproverRole,
		&s.ApproverID,
		&status,
		&s.Decision,
		&s.Comments,
		&s.DecidedBy,
		&s.DecidedAt,
		&s.DelegatedTo,
		&s.DelegatedBy,
		&s.DelegatedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = workflow.StepStatus(status)
	return s, nil
}

func (r *ApprovalStepRepository) scanRows(rows pgx.Rows) ([]*ApprovalStep, error) {
	var steps []*ApprovalStep
	for rows.Next() {
		step, err := r.scanStep(rows)
		if err != nil {
			return nil, wrapStorageErr(err, "failed to scan approval step")
		}
		steps = append(steps, step)
	}
	return steps, nil
}
