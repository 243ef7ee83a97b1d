package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/groundcrew/be-work-requests/internal/apperrors"
	"github.com/groundcrew/be-work-requests/internal/database"
)

// AuditRepository appends and reads immutable work request audit entries.
// The table has a delete-prevention trigger, so Append is the only mutation
// exposed.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO work_request_audit_log
		    (work_request_id, chain_id, step_id, organization_id,
		     action, performed_by,
		     status_before, status_after, metadata)
		VALUES ($1, $2, $3, $4,
		        $5, $6,
		        $7, $8, $9)
		RETURNING id, performed_at
	`

	err := r.db.QueryRow(ctx, query,
		entry.WorkRequestID,
		entry.ChainID,
		entry.StepID,
		entry.OrganizationID,
		entry.Action,
		entry.PerformedBy,
		entry.StatusBefore,
		entry.StatusAfter,
		metadataJSON,
	).Scan(&entry.ID, &entry.PerformedAt)
	if err != nil {
		return wrapStorageErr(err, "failed to append audit entry")
	}
	return nil
}

// GetByWorkRequestID returns the full audit trail oldest-first.
func (r *AuditRepository) GetByWorkRequestID(ctx context.Context, workRequestID, organizationID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, work_request_id, chain_id, step_id, organization_id,
		       action, performed_by, performed_at,
		       status_before, status_after, metadata
		FROM work_request_audit_log
		WHERE work_request_id = $1 AND organization_id = $2
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, workRequestID, organizationID)
	if err != nil {
		return nil, wrapStorageErr(err, "failed to get audit trail")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *AuditRepository) scanRows(rows pgx.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *AuditRepository) scanEntry(sc rowScanner) (*AuditEntry, error) {
	entry := &AuditEntry{}
	var metadataJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.WorkRequestID,
		&entry.ChainID,
		&entry.StepID,
		&entry.OrganizationID,
		&entry.Action,
		&entry.PerformedBy,
		&entry.PerformedAt,
		&entry.StatusBefore,
		&entry.StatusAfter,
		&metadataJSON,
	)
	if err != nil {
		return nil, wrapStorageErr(err, "failed to scan audit entry")
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}

	return entry, nil
}
