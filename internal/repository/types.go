package repository

import (
	"time"

	"github.com/groundcrew/be-work-requests/internal/workflow"
)

// ── Domain records persisted by this service ─────────────────────────────────

// WorkRequest is a maintenance work request against a stand. The version
// column increments by exactly one per successful mutation; every write is
// guarded by a compare-and-swap on it.
type WorkRequest struct {
	ID                 string
	OrganizationID     string
	Title              string
	Description        *string
	StandID            *string
	WorkType           string
	Status             workflow.Status
	Priority           string
	Urgency            string
	ImpactLevel        string
	EstimatedCostCents int64
	RequestedBy        string
	StatusReason       *string
	Version            int64
	IsDeleted          bool
	DeletedBy          *string
	DeletedAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// StatusPatch is the writable portion of a status mutation. Applied only
// through CompareAndSwapStatus so the version check is never bypassed.
type StatusPatch struct {
	Status    workflow.Status
	Reason    *string
	UpdatedBy string
}

// ApprovalChain is one workflow instance created on submission. A rejected
// or resubmitted work request gets a brand-new chain on its next submission;
// chains are never reused across submissions.
type ApprovalChain struct {
	ID              string
	WorkRequestID   string
	OrganizationID  string
	Status          workflow.ChainStatus
	CurrentPosition int
	TotalSteps      int
	SubmittedBy     string
	SubmittedAt     time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Steps []*ApprovalStep
}

// ApprovalStep is a single approval step within a chain. A recorded decision
// is immutable: status only ever moves away from pending.
type ApprovalStep struct {
	ID             string
	ChainID        string
	WorkRequestID  string
	OrganizationID string
	Position       int
	ApproverRole   string
	ApproverID     string
	Status         workflow.StepStatus
	Decision       *string
	Comments       *string
	DecidedBy      *string
	DecidedAt      *time.Time
	DelegatedTo    *string
	DelegatedBy    *string
	DelegatedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ApprovalPolicy is the per-organization routing configuration. A built-in
// default applies when an organization has no row.
type ApprovalPolicy struct {
	ID                    string
	OrganizationID        string
	FinanceThresholdCents int64
	SupervisorID          string
	DutyManagerID         string
	FinanceApproverID     string
	OperationsLeadID      string
	StepSLAHours          int
	IsActive              bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// AuditEntry is one immutable record in the work request audit log.
type AuditEntry struct {
	ID             string
	WorkRequestID  string
	ChainID        *string
	StepID         *string
	OrganizationID string
	Action         string // submitted | approved | rejected | delegated | cancelled | completed | compensated | needs_reconciliation | deleted
	PerformedBy    string
	PerformedAt    time.Time
	StatusBefore   *string
	StatusAfter    *string
	Metadata       map[string]interface{}
}
