package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/groundcrew/be-work-requests/internal/apperrors"
	"github.com/groundcrew/be-work-requests/internal/repository"
	"github.com/groundcrew/be-work-requests/internal/workflow"
)

// memDB is an in-memory stand-in for the Postgres repositories. One instance
// backs all store interfaces so chain, step and request state stay consistent
// across them, the same way the real stores share one database.
type memDB struct {
	mu sync.Mutex

	requests   map[string]*repository.WorkRequest
	chains     map[string]*repository.ApprovalChain
	chainOrder []string
	steps      map[string]*repository.ApprovalStep
	policies   map[string]*repository.ApprovalPolicy
	auditLog   []*repository.AuditEntry

	// Fault injection. createChainErr fails chain creation; casErr fails
	// CompareAndSwapStatus once at least failCASFrom calls were made
	// (1-based, 0 disables); getHook mutates the copy returned by GetByID to
	// simulate a stale snapshot held by a concurrent caller.
	createChainErr error
	casErr         error
	failCASFrom    int
	casCalls       int
	getHook        func(wr *repository.WorkRequest)
}

func newMemDB() *memDB {
	return &memDB{
		requests: make(map[string]*repository.WorkRequest),
		chains:   make(map[string]*repository.ApprovalChain),
		steps:    make(map[string]*repository.ApprovalStep),
		policies: make(map[string]*repository.ApprovalPolicy),
	}
}

func (m *memDB) seedRequest(wr *repository.WorkRequest) *repository.WorkRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	if wr.ID == "" {
		wr.ID = uuid.NewString()
	}
	if wr.Status == "" {
		wr.Status = workflow.StatusDraft
	}
	if wr.Version == 0 {
		wr.Version = 1
	}
	now := time.Now()
	wr.CreatedAt = now
	wr.UpdatedAt = now

	stored := *wr
	m.requests[wr.ID] = &stored
	return wr
}

// ── WorkRequestStore ──────────────────────────────────────────────────────────

func (m *memDB) Create(ctx context.Context, wr *repository.WorkRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wr.ID = uuid.NewString()
	wr.Version = 1
	now := time.Now()
	wr.CreatedAt = now
	wr.UpdatedAt = now

	stored := *wr
	m.requests[wr.ID] = &stored
	return nil
}

func (m *memDB) GetByID(ctx context.Context, id, organizationID string) (*repository.WorkRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wr, ok := m.requests[id]
	if !ok || wr.OrganizationID != organizationID || wr.IsDeleted {
		return nil, apperrors.NotFound("work_request", id)
	}
	out := *wr
	if m.getHook != nil {
		m.getHook(&out)
	}
	return &out, nil
}

func (m *memDB) List(ctx context.Context, organizationID string, status, standID *string, limit, offset int) ([]*repository.WorkRequest, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*repository.WorkRequest
	for _, wr := range m.requests {
		if wr.OrganizationID != organizationID || wr.IsDeleted {
			continue
		}
		if status != nil && string(wr.Status) != *status {
			continue
		}
		if standID != nil && (wr.StandID == nil || *wr.StandID != *standID) {
			continue
		}
		cp := *wr
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	total := int64(len(out))
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *memDB) CompareAndSwapStatus(ctx context.Context, id, organizationID string, expectedVersion int64, patch repository.StatusPatch) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.casCalls++
	if m.casErr != nil && m.failCASFrom > 0 && m.casCalls >= m.failCASFrom {
		return 0, m.casErr
	}

	wr, ok := m.requests[id]
	if !ok || wr.OrganizationID != organizationID || wr.IsDeleted {
		return 0, apperrors.NotFound("work_request", id)
	}
	if wr.Version != expectedVersion {
		return 0, apperrors.Newf(apperrors.ErrCodeVersionConflict,
			"work request %s changed concurrently: expected version %d, found %d", id, expectedVersion, wr.Version)
	}

	wr.Status = patch.Status
	wr.StatusReason = patch.Reason
	wr.Version++
	wr.UpdatedAt = time.Now()
	return wr.Version, nil
}

func (m *memDB) SoftDelete(ctx context.Context, id, organizationID, deletedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wr, ok := m.requests[id]
	if !ok || wr.OrganizationID != organizationID || wr.IsDeleted {
		return apperrors.NotFound("work_request", id)
	}
	now := time.Now()
	wr.IsDeleted = true
	wr.DeletedBy = &deletedBy
	wr.DeletedAt = &now
	return nil
}

// mustGet reads a request row directly, bypassing the soft-delete filter.
func (m *memDB) mustGet(id string) repository.WorkRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.requests[id]
}

// ── ApprovalChainStore ────────────────────────────────────────────────────────

func (m *memDB) CreateChain(ctx context.Context, chain *repository.ApprovalChain) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createChainErr != nil {
		return m.createChainErr
	}

	chain.ID = uuid.NewString()
	now := time.Now()
	chain.SubmittedAt = now
	chain.CreatedAt = now
	chain.UpdatedAt = now

	stored := *chain
	stored.Steps = nil
	m.chains[chain.ID] = &stored
	m.chainOrder = append(m.chainOrder, chain.ID)

	for _, step := range chain.Steps {
		step.ID = uuid.NewString()
		step.ChainID = chain.ID
		step.WorkRequestID = chain.WorkRequestID
		step.OrganizationID = chain.OrganizationID
		step.CreatedAt = now
		step.UpdatedAt = now

		cp := *step
		m.steps[step.ID] = &cp
	}
	return nil
}

func (m *memDB) GetChainByID(ctx context.Context, id string) (*repository.ApprovalChain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, ok := m.chains[id]
	if !ok {
		return nil, apperrors.NotFound("approval_chain", id)
	}
	cp := *chain
	return &cp, nil
}

func (m *memDB) GetActiveByWorkRequestID(ctx context.Context, workRequestID string) (*repository.ApprovalChain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.chainOrder {
		chain := m.chains[id]
		if chain.WorkRequestID == workRequestID && chain.Status == workflow.ChainActive {
			cp := *chain
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memDB) GetLatestByWorkRequestID(ctx context.Context, workRequestID string) (*repository.ApprovalChain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.chainOrder) - 1; i >= 0; i-- {
		chain := m.chains[m.chainOrder[i]]
		if chain.WorkRequestID == workRequestID {
			cp := *chain
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memDB) AdvancePosition(ctx context.Context, id string, nextPosition int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, ok := m.chains[id]
	if !ok || chain.Status != workflow.ChainActive {
		return apperrors.NotFound("approval_chain", id)
	}
	chain.CurrentPosition = nextPosition
	chain.UpdatedAt = time.Now()
	return nil
}

func (m *memDB) Complete(ctx context.Context, id string, status workflow.ChainStatus, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, ok := m.chains[id]
	if !ok {
		return apperrors.NotFound("approval_chain", id)
	}
	chain.Status = status
	chain.CompletedAt = &completedAt
	chain.UpdatedAt = time.Now()
	return nil
}

// chainStoreView adapts memDB to ApprovalChainStore: Create and GetByID there
// collide with the work request method set, so the chain variants live behind
// this view.
type chainStoreView struct{ db *memDB }

func (v chainStoreView) Create(ctx context.Context, chain *repository.ApprovalChain) error {
	return v.db.CreateChain(ctx, chain)
}

func (v chainStoreView) GetByID(ctx context.Context, id string) (*repository.ApprovalChain, error) {
	return v.db.GetChainByID(ctx, id)
}

func (v chainStoreView) GetActiveByWorkRequestID(ctx context.Context, workRequestID string) (*repository.ApprovalChain, error) {
	return v.db.GetActiveByWorkRequestID(ctx, workRequestID)
}

func (v chainStoreView) GetLatestByWorkRequestID(ctx context.Context, workRequestID string) (*repository.ApprovalChain, error) {
	return v.db.GetLatestByWorkRequestID(ctx, workRequestID)
}

func (v chainStoreView) AdvancePosition(ctx context.Context, id string, nextPosition int) error {
	return v.db.AdvancePosition(ctx, id, nextPosition)
}

func (v chainStoreView) Complete(ctx context.Context, id string, status workflow.ChainStatus, completedAt time.Time) error {
	return v.db.Complete(ctx, id, status, completedAt)
}

// ── ApprovalStepStore ─────────────────────────────────────────────────────────

func (m *memDB) GetByChainID(ctx context.Context, chainID string) ([]*repository.ApprovalStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*repository.ApprovalStep
	for _, step := range m.steps {
		if step.ChainID == chainID {
			cp := *step
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *memDB) GetByPosition(ctx context.Context, chainID string, position int) (*repository.ApprovalStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, step := range m.steps {
		if step.ChainID == chainID && step.Position == position {
			cp := *step
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("approval_step", chainID)
}

func (m *memDB) RecordDecision(ctx context.Context, stepID string, status workflow.StepStatus, decision workflow.Decision, decidedBy string, comments *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	step, ok := m.steps[stepID]
	if !ok {
		return apperrors.NotFound("approval_step", stepID)
	}
	if step.Status != workflow.StepPending {
		return apperrors.Newf(apperrors.ErrCodeStaleApproval, "step %s is no longer pending", stepID)
	}

	now := time.Now()
	d := string(decision)
	step.Status = status
	step.Decision = &d
	step.DecidedBy = &decidedBy
	step.DecidedAt = &now
	step.Comments = comments
	step.UpdatedAt = now
	return nil
}

func (m *memDB) Delegate(ctx context.Context, stepID, delegatedBy, delegatedTo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	step, ok := m.steps[stepID]
	if !ok {
		return apperrors.NotFound("approval_step", stepID)
	}
	if step.Status != workflow.StepPending {
		return apperrors.Newf(apperrors.ErrCodeStaleApproval, "step %s is no longer pending", stepID)
	}

	now := time.Now()
	step.DelegatedBy = &delegatedBy
	step.DelegatedTo = &delegatedTo
	step.DelegatedAt = &now
	step.UpdatedAt = now
	return nil
}

func (m *memDB) MarkRemainingMoot(ctx context.Context, chainID string, afterPosition int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, step := range m.steps {
		if step.ChainID == chainID && step.Position > afterPosition && step.Status == workflow.StepPending {
			step.Status = workflow.StepMoot
			step.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (m *memDB) GetPendingForApprover(ctx context.Context, organizationID, approverID string) ([]*repository.ApprovalStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*repository.ApprovalStep
	for _, step := range m.steps {
		chain, ok := m.chains[step.ChainID]
		if !ok || chain.Status != workflow.ChainActive || chain.CurrentPosition != step.Position {
			continue
		}
		if step.OrganizationID != organizationID || step.Status != workflow.StepPending {
			continue
		}
		if (step.DelegatedTo == nil && step.ApproverID == approverID) ||
			(step.DelegatedTo != nil && *step.DelegatedTo == approverID) {
			cp := *step
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ── ApprovalPolicyStore / AuditStore ──────────────────────────────────────────

func (m *memDB) GetByOrganization(ctx context.Context, organizationID string) (*repository.ApprovalPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	policy, ok := m.policies[organizationID]
	if !ok || !policy.IsActive {
		return nil, nil
	}
	cp := *policy
	return &cp, nil
}

func (m *memDB) Upsert(ctx context.Context, policy *repository.ApprovalPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.policies[policy.OrganizationID]; ok {
		policy.ID = existing.ID
	} else {
		policy.ID = uuid.NewString()
	}
	cp := *policy
	m.policies[policy.OrganizationID] = &cp
	return nil
}

func (m *memDB) Deactivate(ctx context.Context, organizationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	policy, ok := m.policies[organizationID]
	if !ok {
		return apperrors.NotFound("approval_policy", organizationID)
	}
	policy.IsActive = false
	return nil
}

func (m *memDB) seedPolicy(policy *repository.ApprovalPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if policy.ID == "" {
		policy.ID = uuid.NewString()
	}
	policy.IsActive = true
	cp := *policy
	m.policies[policy.OrganizationID] = &cp
}

func (m *memDB) Append(ctx context.Context, entry *repository.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	cp.ID = uuid.NewString()
	cp.PerformedAt = time.Now()
	m.auditLog = append(m.auditLog, &cp)
	return nil
}

func (m *memDB) GetByWorkRequestID(ctx context.Context, workRequestID, organizationID string) ([]*repository.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*repository.AuditEntry
	for _, e := range m.auditLog {
		if e.WorkRequestID == workRequestID && e.OrganizationID == organizationID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memDB) auditActions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.auditLog))
	for _, e := range m.auditLog {
		out = append(out, e.Action)
	}
	return out
}

func (m *memDB) hasAudit(action string) bool {
	for _, a := range m.auditActions() {
		if a == action {
			return true
		}
	}
	return false
}

// ── Collaborator fakes ────────────────────────────────────────────────────────

type recordedEvent struct {
	Type          string
	WorkRequestID string
	Context       map[string]interface{}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *recordingNotifier) Notify(ctx context.Context, eventType, workRequestID string, eventContext map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{Type: eventType, WorkRequestID: workRequestID, Context: eventContext})
}

func (n *recordingNotifier) byType(eventType string) []recordedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []recordedEvent
	for _, e := range n.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type recordingCache struct {
	mu   sync.Mutex
	keys []string
}

func (c *recordingCache) Invalidate(ctx context.Context, organizationID, workRequestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, organizationID+"/"+workRequestID)
}

func (c *recordingCache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

type stubStandDirectory struct {
	impactLevel      string
	closureCostCents int64
	err              error
	calls            int
}

func (s *stubStandDirectory) GetStandImpact(ctx context.Context, organizationID, standID string) (string, int64, error) {
	s.calls++
	return s.impactLevel, s.closureCostCents, s.err
}
