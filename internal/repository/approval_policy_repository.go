package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/groundcrew/be-work-requests/internal/apperrors"
	"github.com/groundcrew/be-work-requests/internal/database"
)

const policyColumns = `
	id, organization_id, finance_threshold_cents,
	supervisor_id, duty_manager_id, finance_approver_id, operations_lead_id,
	step_sla_hours, is_active, created_at, updated_at`

// ApprovalPolicyRepository handles per-organization approval routing
// configuration.
type ApprovalPolicyRepository struct {
	db *database.DB
}

// NewApprovalPolicyRepository creates a new ApprovalPolicyRepository.
func NewApprovalPolicyRepository(db *database.DB) *ApprovalPolicyRepository {
	return &ApprovalPolicyRepository{db: db}
}

// Upsert creates or replaces an organization's policy.
func (r *ApprovalPolicyRepository) Upsert(ctx context.Context, p *ApprovalPolicy) error {
	query := `
		INSERT INTO approval_policies
		    (organization_id, finance_threshold_cents,
		     supervisor_id, duty_manager_id, finance_approver_id, operations_lead_id,
		     step_sla_hours, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (organization_id) DO UPDATE
		SET finance_threshold_cents = EXCLUDED.finance_threshold_cents,
		    supervisor_id           = EXCLUDED.supervisor_id,
		    duty_manager_id         = EXCLUDED.duty_manager_id,
		    finance_approver_id     = EXCLUDED.finance_approver_id,
		    operations_lead_id      = EXCLUDED.operations_lead_id,
		    step_sla_hours          = EXCLUDED.step_sla_hours,
		    is_active               = EXCLUDED.is_active,
		    updated_at              = NOW()
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		p.OrganizationID,
		p.FinanceThresholdCents,
		p.SupervisorID,
		p.DutyManagerID,
		p.FinanceApproverID,
		p.OperationsLeadID,
		p.StepSLAHours,
		p.IsActive,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return wrapStorageErr(err, "failed to upsert approval policy")
	}
	return nil
}

// GetByOrganization returns the active policy for an organization, or nil
// when the organization has none (callers fall back to the built-in default).
func (r *ApprovalPolicyRepository) GetByOrganization(ctx context.Context, organizationID string) (*ApprovalPolicy, error) {
	query := `
		SELECT ` + policyColumns + `
		FROM approval_policies
		WHERE organization_id = $1
		  AND is_active = TRUE
	`

	p := &ApprovalPolicy{}
	err := r.db.QueryRow(ctx, query, organizationID).Scan(
		&p.ID,
		&p.OrganizationID,
		&p.FinanceThresholdCents,
		&p.SupervisorID,
		&p.DutyManagerID,
		&p.FinanceApproverID,
		&p.OperationsLeadID,
		&p.StepSLAHours,
		&p.IsActive,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorageErr(err, "failed to get approval policy")
	}
	return p, nil
}

// Deactivate disables an organization's policy so the default applies again.
func (r *ApprovalPolicyRepository) Deactivate(ctx context.Context, organizationID string) error {
	query := `
		UPDATE approval_policies
		SET is_active  = FALSE,
		    updated_at = NOW()
		WHERE organization_id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, organizationID).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound("approval_policy", organizationID)
	}
	if err != nil {
		return wrapStorageErr(err, "failed to deactivate approval policy")
	}
	return nil
}
