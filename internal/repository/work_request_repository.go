package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/groundcrew/be-work-requests/internal/apperrors"
	"github.com/groundcrew/be-work-requests/internal/database"
	"github.com/groundcrew/be-work-requests/internal/workflow"
)

const workRequestColumns = `
	id, organization_id, title, description, stand_id, work_type,
	status, priority, urgency, impact_level, estimated_cost_cents,
	requested_by, status_reason, version,
	is_deleted, deleted_by, deleted_at,
	created_at, updated_at`

// WorkRequestRepository handles work request rows. All status mutations go
// through CompareAndSwapStatus; deletion is always soft.
type WorkRequestRepository struct {
	db *database.DB
}

// NewWorkRequestRepository creates a new WorkRequestRepository.
func NewWorkRequestRepository(db *database.DB) *WorkRequestRepository {
	return &WorkRequestRepository{db: db}
}

// Create inserts a new work request in draft at version 1.
func (r *WorkRequestRepository) Create(ctx context.Context, wr *WorkRequest) error {
	query := `
		INSERT INTO work_requests
		    (organization_id, title, description, stand_id, work_type,
		     status, priority, urgency, impact_level, estimated_cost_cents,
		     requested_by, version)
		VALUES ($1, $2, $3, $4, $5,
		        $6::work_request_status, $7, $8, $9, $10,
		        $11, 1)
		RETURNING id, version, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		wr.OrganizationID,
		wr.Title,
		wr.Description,
		wr.StandID,
		wr.WorkType,
		wr.Status,
		wr.Priority,
		wr.Urgency,
		wr.ImpactLevel,
		wr.EstimatedCostCents,
		wr.RequestedBy,
	).Scan(&wr.ID, &wr.Version, &wr.CreatedAt, &wr.UpdatedAt)
	if err != nil {
		return wrapStorageErr(err, "failed to create work request")
	}
	return nil
}

// GetByID retrieves a non-deleted work request with its current version.
func (r *WorkRequestRepository) GetByID(ctx context.Context, id, organizationID string) (*WorkRequest, error) {
	query := `
		SELECT ` + workRequestColumns + `
		FROM work_requests
		WHERE id = $1 AND organization_id = $2 AND is_deleted = FALSE
	`

	wr, err := r.scanWorkRequest(r.db.QueryRow(ctx, query, id, organizationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("work_request", id)
	}
	if err != nil {
		return nil, wrapStorageErr(err, "failed to get work request")
	}
	return wr, nil
}

// List retrieves work requests with optional status and stand filters.
func (r *WorkRequestRepository) List(ctx context.Context, organizationID string, status, standID *string, limit, offset int) ([]*WorkRequest, int64, error) {
	query := `
		SELECT ` + workRequestColumns + `
		FROM work_requests
		WHERE organization_id = $1 AND is_deleted = FALSE
	`
	countQuery := `SELECT COUNT(*) FROM work_requests WHERE organization_id = $1 AND is_deleted = FALSE`

	args := []interface{}{organizationID}
	argCount := 2

	if status != nil {
		query += fmt.Sprintf(" AND status = $%d::work_request_status", argCount)
		countQuery += fmt.Sprintf(" AND status = $%d::work_request_status", argCount)
		args = append(args, *status)
		argCount++
	}

	if standID != nil {
		query += fmt.Sprintf(" AND stand_id = $%d", argCount)
		countQuery += fmt.Sprintf(" AND stand_id = $%d", argCount)
		args = append(args, *standID)
		argCount++
	}

	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argCount, argCount+1)
	queryArgs := append(args, limit, offset)

	var total int64
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, wrapStorageErr(err, "failed to count work requests")
	}

	rows, err := r.db.Query(ctx, query, queryArgs...)
	if err != nil {
		return nil, 0, wrapStorageErr(err, "failed to list work requests")
	}
	defer rows.Close()

	requests := make([]*WorkRequest, 0)
	for rows.Next() {
		wr, err := r.scanWorkRequest(rows)
		if err != nil {
			return nil, 0, wrapStorageErr(err, "failed to scan work request")
		}
		requests = append(requests, wr)
	}
	return requests, total, nil
}

// CompareAndSwapStatus applies a status patch only when the stored version
// still equals expectedVersion, incrementing the version by exactly one.
// A zero-row update against an existing row is a version conflict; the
// caller must refetch and retry rather than overwrite.
func (r *WorkRequestRepository) CompareAndSwapStatus(
	ctx context.Context,
	id, organizationID string,
	expectedVersion int64,
	patch StatusPatch,
) (int64, error) {
	query := `
		UPDATE work_requests
		SET status        = $4::work_request_status,
		    status_reason = $5,
		    version       = version + 1,
		    updated_at    = NOW()
		WHERE id = $1
		  AND organization_id = $2
		  AND version = $3
		  AND is_deleted = FALSE
		RETURNING version
	`

	var newVersion int64
	err := r.db.QueryRow(ctx, query,
		id, organizationID, expectedVersion,
		patch.Status, patch.Reason,
	).Scan(&newVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a stale version from a missing row.
		if _, getErr := r.GetByID(ctx, id, organizationID); getErr != nil {
			return 0, getErr
		}
		return 0, apperrors.Newf(apperrors.ErrCodeVersionConflict,
			"work request %s changed since version %d was read", id, expectedVersion)
	}
	if err != nil {
		return 0, wrapStorageErr(err, "failed to update work request status")
	}
	return newVersion, nil
}

// SoftDelete flags a work request deleted, keeping the row for the audit
// trail. Rows are never physically removed.
func (r *WorkRequestRepository) SoftDelete(ctx context.Context, id, organizationID, deletedBy string) error {
	query := `
		UPDATE work_requests
		SET is_deleted = TRUE,
		    deleted_by = $3,
		    deleted_at = NOW(),
		    version    = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND is_deleted = FALSE
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, organizationID, deletedBy).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFound("work_request", id)
	}
	if err != nil {
		return wrapStorageErr(err, "failed to delete work request")
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *WorkRequestRepository) scanWorkRequest(row rowScanner) (*WorkRequest, error) {
	wr := &WorkRequest{}
	var status string
	err := row.Scan(
		&wr.ID,
		&wr.OrganizationID,
		&wr.Title,
		&wr.Description,
		&wr.StandID,
		&wr.WorkType,
		&status,
		&wr.Priority,
		&wr.Urgency,
		&wr.ImpactLevel,
		&wr.EstimatedCostCents,
		&wr.RequestedBy,
		&wr.StatusReason,
		&wr.Version,
		&wr.IsDeleted,
		&wr.DeletedBy,
		&wr.DeletedAt,
		&wr.CreatedAt,
		&wr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	wr.Status = workflow.Status(status)
	return wr, nil
}

// wrapStorageErr classifies a driver error as unavailable or internal.
func wrapStorageErr(err error, message string) error {
	if database.IsUnavailable(err) {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, message)
	}
	return apperrors.Wrap(err, apperrors.ErrCodeInternal, message)
}
