package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/groundcrew/be-work-requests/internal/apperrors"
	"github.com/groundcrew/be-work-requests/internal/database"
	"github.com/groundcrew/be-work-requests/internal/workflow"
)

const chainColumns = `
	id, work_request_id, organization_id, status,
	current_position, total_steps,
	submitted_by, submitted_at, completed_at,
	created_at, updated_at`

// ApprovalChainRepository manages chain instances. A chain and its steps are
// always created together in one transaction; step mutations live in
// ApprovalStepRepository.
type ApprovalChainRepository struct {
	db *database.DB
}

// NewApprovalChainRepository creates a new ApprovalChainRepository.
func NewApprovalChainRepository(db *database.DB) *ApprovalChainRepository {
	return &ApprovalChainRepository{db: db}
}

// Create inserts a chain and its ordered steps in one transaction. The step
// at position 1 is the current pending step.
func (r *ApprovalChainRepository) Create(ctx context.Context, chain *ApprovalChain) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		chainQuery := `
			INSERT INTO approval_chains
			    (work_request_id, organization_id, status,
			     current_position, total_steps, submitted_by)
			VALUES ($1, $2, $3::approval_chain_status, $4, $5, $6)
			RETURNING id, submitted_at, created_at, updated_at
		`

		err := tx.QueryRow(ctx, chainQuery,
			chain.WorkRequestID,
			chain.OrganizationID,
			chain.Status,
			chain.CurrentPosition,
			chain.TotalSteps,
			chain.SubmittedBy,
		).Scan(&chain.ID, &chain.SubmittedAt, &chain.CreatedAt, &chain.UpdatedAt)
		if err != nil {
			return wrapStorageErr(err, "failed to create approval chain")
		}

		stepQuery := `
			INSERT INTO approval_steps
			    (chain_id, work_request_id, organization_id,
			     position, approver_role, approver_id, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7::approval_step_status)
			RETURNING id, created_at, updated_at
		`

		for _, step := range chain.Steps {
			step.ChainID = chain.ID
			step.WorkRequestID = chain.WorkRequestID
			step.OrganizationID = chain.OrganizationID

			err := tx.QueryRow(ctx, stepQuery,
				step.ChainID,
				step.WorkRequestID,
				step.OrganizationID,
				step.Position,
				step.ApproverRole,
				step.ApproverID,
				step.Status,
			).Scan(&step.ID, &step.CreatedAt, &step.UpdatedAt)
			if err != nil {
				return wrapStorageErr(err, "failed to create approval step")
			}
		}

		return nil
	})
}

// GetByID retrieves a chain by primary key, without steps.
func (r *ApprovalChainRepository) GetByID(ctx context.Context, id string) (*ApprovalChain, error) {
	query := `
		SELECT ` + chainColumns + `
		FROM approval_chains
		WHERE id = $1
	`

	chain, err := r.scanChain(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("approval_chain", id)
	}
	if err != nil {
		return nil, wrapStorageErr(err, "failed to get approval chain")
	}
	return chain, nil
}

// GetActiveByWorkRequestID returns the active chain for a work request, or
// nil when none exists. At most one chain per work request is active.
func (r *ApprovalChainRepository) GetActiveByWorkRequestID(ctx context.Context, workRequestID string) (*ApprovalChain, error) {
	query := `
		SELECT ` + chainColumns + `
		FROM approval_chains
		WHERE work_request_id = $1
		  AND status = 'active'
		ORDER BY submitted_at DESC
		LIMIT 1
	`

	chain, err := r.scanChain(r.db.QueryRow(ctx, query, workRequestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorageErr(err, "failed to get active approval chain")
	}
	return chain, nil
}

// GetLatestByWorkRequestID returns the most recent chain regardless of
// status, or nil when the work request was never submitted.
func (r *ApprovalChainRepository) GetLatestByWorkRequestID(ctx context.Context, workRequestID string) (*ApprovalChain, error) {
	query := `
		SELECT ` + chainColumns + `
		FROM approval_chains
		WHERE work_request_id = $1
		ORDER BY submitted_at DESC
		LIMIT 1
	`

	chain, err := r.scanChain(r.db.QueryRow(ctx, query, workRequestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorageErr(err, "failed to get latest approval chain")
	}
	return chain, nil
}

// AdvancePosition moves the current pending position forward on an active
// chain.
func (r *ApprovalChainRepository) AdvancePosition(ctx context.Context, id string, nextPosition int) error {
	query := `
		UPDATE approval_chains
		SET current_position = $2,
		    updated_at       = NOW()
		WHERE id = $1
		  AND status = 'active'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, nextPosition).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.Newf(apperrors.ErrCodeConflict, "approval chain %s is not active", id)
	}
	if err != nil {
		return wrapStorageErr(err, "failed to advance approval chain")
	}
	return nil
}

// Complete sets a terminal chain status and stamps completed_at.
func (r *ApprovalChainRepository) Complete(ctx context.Context, id string, status workflow.ChainStatus, completedAt time.Time) error {
	query := `
		UPDATE approval_chains
		SET status       = $2::approval_chain_status,
		    completed_at = $3,
		    updated_at   = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status, completedAt).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound("approval_chain", id)
	}
	if err != nil {
		return wrapStorageErr(err, "failed to complete approval chain")
	}
	return nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

func (r *ApprovalChainRepository) scanChain(row rowScanner) (*ApprovalChain, error) {
	chain := &ApprovalChain{}
	var status string
	err := row.Scan(
		&chain.ID,
		&chain.WorkRequestID,
		&chain.OrganizationID,
		&status,
		&chain.CurrentPosition,
		&chain.TotalSteps,
		&chain.SubmittedBy,
		&chain.SubmittedAt,
		&chain.CompletedAt,
		&chain.CreatedAt,
		&chain.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	chain.Status = workflow.ChainStatus(status)
	return chain, nil
}
