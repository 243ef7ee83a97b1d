package service

import (
	"context"
	"time"

	"github.com/groundcrew/be-work-requests/internal/repository"
	"github.com/groundcrew/be-work-requests/internal/workflow"
)

// Store and collaborator interfaces consumed by the services. The Postgres
// repositories satisfy the store interfaces; tests substitute in-memory
// fakes.

// WorkRequestStore exposes read-with-version and compare-and-swap writes for
// work requests.
type WorkRequestStore interface {
	Create(ctx context.Context, wr *repository.WorkRequest) error
	GetByID(ctx context.Context, id, organizationID string) (*repository.WorkRequest, error)
	List(ctx context.Context, organizationID string, status, standID *string, limit, offset int) ([]*repository.WorkRequest, int64, error)
	CompareAndSwapStatus(ctx context.Context, id, organizationID string, expectedVersion int64, patch repository.StatusPatch) (int64, error)
	SoftDelete(ctx context.Context, id, organizationID, deletedBy string) error
}

// ApprovalChainStore manages chain instances.
type ApprovalChainStore interface {
	Create(ctx context.Context, chain *repository.ApprovalChain) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalChain, error)
	GetActiveByWorkRequestID(ctx context.Context, workRequestID string) (*repository.ApprovalChain, error)
	GetLatestByWorkRequestID(ctx context.Context, workRequestID string) (*repository.ApprovalChain, error)
	AdvancePosition(ctx context.Context, id string, nextPosition int) error
	Complete(ctx context.Context, id string, status workflow.ChainStatus, completedAt time.Time) error
}

// ApprovalStepStore reads steps and applies decisions via status
// compare-and-swap.
type ApprovalStepStore interface {
	GetByChainID(ctx context.Context, chainID string) ([]*repository.ApprovalStep, error)
	GetByPosition(ctx context.Context, chainID string, position int) (*repository.ApprovalStep, error)
	RecordDecision(ctx context.Context, stepID string, status workflow.StepStatus, decision workflow.Decision, decidedBy string, comments *string) error
	Delegate(ctx context.Context, stepID, delegatedBy, delegatedTo string) error
	MarkRemainingMoot(ctx context.Context, chainID string, afterPosition int) error
	GetPendingForApprover(ctx context.Context, organizationID, approverID string) ([]*repository.ApprovalStep, error)
}

// ApprovalPolicyStore resolves and manages per-organization routing
// configuration. GetByOrganization returns nil when the organization has no
// active policy.
type ApprovalPolicyStore interface {
	GetByOrganization(ctx context.Context, organizationID string) (*repository.ApprovalPolicy, error)
	Upsert(ctx context.Context, policy *repository.ApprovalPolicy) error
	Deactivate(ctx context.Context, organizationID string) error
}

// AuditStore appends and reads immutable audit entries.
type AuditStore interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	GetByWorkRequestID(ctx context.Context, workRequestID, organizationID string) ([]*repository.AuditEntry, error)
}

// NotificationDispatcher is a fire-and-forget sink for transition and
// decision events. Implementations must never block the caller on delivery;
// the return value of delivery is ignored by the core.
type NotificationDispatcher interface {
	Notify(ctx context.Context, eventType, workRequestID string, eventContext map[string]interface{})
}

// CacheInvalidator signals an external cache that a work request changed.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, organizationID, workRequestID string)
}

// StandDirectory is the read-only stand lookup used only to denormalize
// closure impact and cost before chain construction.
type StandDirectory interface {
	GetStandImpact(ctx context.Context, organizationID, standID string) (impactLevel string, closureCostCents int64, err error)
}

// WorkflowEngine is the slice of the approval workflow service the lifecycle
// service depends on.
type WorkflowEngine interface {
	InitializeWorkflow(ctx context.Context, workRequestID, organizationID string) (*repository.ApprovalChain, time.Duration, error)
}
