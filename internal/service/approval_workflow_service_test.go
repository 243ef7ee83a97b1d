package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/groundcrew/be-work-requests/internal/apperrors"
	"github.com/groundcrew/be-work-requests/internal/repository"
	"github.com/groundcrew/be-work-requests/internal/workflow"
)

const testOrg = "org-1"

func defaultTestPolicy() workflow.Policy {
	return workflow.Policy{
		FinanceThresholdCents: 1_000_000,
		SupervisorID:          "user-supervisor",
		DutyManagerID:         "user-duty-manager",
		FinanceApproverID:     "user-finance",
		OperationsLeadID:      "user-ops-lead",
		StepSLAHours:          24,
	}
}

func newEngine(db *memDB, notifier *recordingNotifier, stands StandDirectory) *ApprovalWorkflowService {
	return NewApprovalWorkflowService(
		db, chainStoreView{db: db}, db, db, db,
		stands, notifier, defaultTestPolicy(), zerolog.Nop(),
	)
}

func seedSubmitted(db *memDB, priority string, costCents int64) *repository.WorkRequest {
	return db.seedRequest(&repository.WorkRequest{
		OrganizationID:     testOrg,
		Title:              "Replace jet bridge hydraulics",
		WorkType:           "maintenance",
		Status:             workflow.StatusSubmitted,
		Priority:           priority,
		ImpactLevel:        workflow.ImpactPartial,
		EstimatedCostCents: costCents,
		RequestedBy:        "user-requestor",
	})
}

func TestInitializeWorkflow_BuildsChainAndAdvancesToUnderReview(t *testing.T) {
	db := newMemDB()
	notifier := &recordingNotifier{}
	engine := newEngine(db, notifier, nil)

	wr := seedSubmitted(db, workflow.PriorityHigh, 5_000_000)

	chain, estimate, err := engine.InitializeWorkflow(context.Background(), wr.ID, testOrg)
	require.NoError(t, err)
	require.NotNil(t, chain)

	// high priority above the finance threshold: supervisor, duty manager, finance
	require.Equal(t, 3, chain.TotalSteps)
	require.Equal(t, 1, chain.CurrentPosition)
	require.Equal(t, workflow.ChainActive, chain.Status)
	require.Equal(t, 72*time.Hour, estimate)

	updated, err := db.GetByID(context.Background(), wr.ID, testOrg)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusUnderReview, updated.Status)
	require.Equal(t, wr.Version+1, updated.Version)

	required := notifier.byType("approval_required")
	require.Len(t, required, 1)
	require.Equal(t, "user-supervisor", required[0].Context["approver_id"])
}

func TestInitializeWorkflow_RequiresSubmittedStatus(t *testing.T) {
	db := newMemDB()
	engine := newEngine(db, &recordingNotifier{}, nil)

	wr := db.seedRequest(&repository.WorkRequest{
		OrganizationID: testOrg,
		Title:          "Fix gate signage",
		Status:         workflow.StatusDraft,
		Priority:       workflow.PriorityLow,
		RequestedBy:    "user-requestor",
	})

	_, _, err := engine.InitializeWorkflow(context.Background(), wr.ID, testOrg)
	require.Error(t, err)
	require.Equal(t, apperrors.ErrCodeWorkflowInit, apperrors.CodeOf(err))
	require.Empty(t, db.chains)
}

func TestInitializeWorkflow_ChainPersistFailureLeavesRequestSubmitted(t *testing.T) {
	db := newMemDB()
	engine := newEngine(db, &recordingNotifier{}, nil)

	wr := seedSubmitted(db, workflow.PriorityMedium, 0)
	db.createChainErr = errors.New("connection reset")

	_, _, err := engine.InitializeWorkflow(context.Background(), wr.ID, testOrg)
	require.Error(t, err)
	require.Equal(t, apperrors.ErrCodeWorkflowInit, apperrors.CodeOf(err))

	after, err := db.GetByID(context.Background(), wr.ID, testOrg)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusSubmitted, after.Status)
	require.Equal(t, wr.Version, after.Version)
}

func TestInitializeWorkflow_SupersedesChainWhenStatusAdvanceFails(t *testing.T) {
	db := newMemDB()
	engine := newEngine(db, &recordingNotifier{}, nil)

	wr := seedSubmitted(db, workflow.PriorityMedium, 0)
	db.casErr = apperrors.New(apperrors.ErrCodeUnavailable, "database unavailable")
	db.failCASFrom = 1

	_, _, err := engine.InitializeWorkflow(context.Background(), wr.ID, testOrg)
	require.Error(t, err)
	require.Equal(t, apperrors.ErrCodeWorkflowInit, apperrors.CodeOf(err))

	// The committed chain must not stay active: a retried submission builds a
	// fresh one.
	require.Len(t, db.chains, 1)
	for id := range db.chains {
		chain, getErr := db.GetChainByID(context.Background(), id)
		require.NoError(t, getErr)
		require.Equal(t, workflow.ChainSuperseded, chain.Status)
		require.NotNil(t, chain.CompletedAt)
	}
}

func TestInitializeWorkflow_UsesOrganizationPolicyWhenPresent(t *testing.T) {
	db := newMemDB()
	engine := newEngine(db, &recordingNotifier{}, nil)

	db.seedPolicy(&repository.ApprovalPolicy{
		OrganizationID:        testOrg,
		FinanceThresholdCents: 100, // everything above $1 routes through finance
		SupervisorID:          "org-supervisor",
		DutyManagerID:         "org-duty-manager",
		FinanceApproverID:     "org-finance",
		OperationsLeadID:      "org-ops-lead",
		StepSLAHours:          8,
	})
	wr := seedSubmitted(db, workflow.PriorityLow, 200)

	chain, estimate, err := engine.InitializeWorkflow(context.Background(), wr.ID, testOrg)
	require.NoError(t, err)
	require.Equal(t, 2, chain.TotalSteps)
	require.Equal(t, 16*time.Hour, estimate)
	require.Equal(t, "org-supervisor", chain.Steps[0].ApproverID)
	require.Equal(t, "org-finance", chain.Steps[1].ApproverID)
}

func TestInitializeWorkflow_EnrichesImpactFromStandDirectory(t *testing.T) {
	db := newMemDB()
	stands := &stubStandDirectory{impactLevel: workflow.ImpactFullClosure, closureCostCents: 3_000_000}
	engine := newEngine(db, &recordingNotifier{}, stands)

	standID := "stand-42"
	wr := db.seedRequest(&repository.WorkRequest{
		OrganizationID: testOrg,
		Title:          "Repave stand surface",
		StandID:        &standID,
		Status:         workflow.StatusSubmitted,
		Priority:       workflow.PriorityMedium,
		RequestedBy:    "user-requestor",
	})

	chain, _, err := engine.InitializeWorkflow(context.Background(), wr.ID, testOrg)
	require.NoError(t, err)
	require.Equal(t, 1, stands.calls)

	// full closure from the directory puts operations lead first; the fetched
	// cost exceeds the threshold and appends finance.
	require.Equal(t, 3, chain.TotalSteps)
	require.Equal(t, workflow.RoleOperationsLead, chain.Steps[0].ApproverRole)
	require.Equal(t, workflow.RoleFinance, chain.Steps[2].ApproverRole)
}

// initializedChain submits a request through the engine and returns the chain
// with its persisted steps loaded.
func initializedChain(t *testing.T, db *memDB, engine *ApprovalWorkflowService, wr *repository.WorkRequest) *repository.ApprovalChain {
	t.Helper()
	chain, _, err := engine.InitializeWorkflow(context.Background(), wr.ID, testOrg)
	require.NoError(t, err)
	steps, err := db.GetByChainID(context.Background(), chain.ID)
	require.NoError(t, err)
	chain.Steps = steps
	return chain
}

func TestRecordDecision_ApproveIntermediateStepAdvancesChain(t *testing.T) {
	db := newMemDB()
	notifier := &recordingNotifier{}
	engine := newEngine(db, notifier, nil)

	wr := seedSubmitted(db, workflow.PriorityHigh, 0) // supervisor + duty manager
	chain := initializedChain(t, db, engine, wr)
	require.Equal(t, 2, chain.TotalSteps)

	outcome, err := engine.RecordDecision(context.Background(), DecisionRequest{
		WorkRequestID:  wr.ID,
		OrganizationID: testOrg,
		ApproverID:     "user-supervisor",
		Decision:       workflow.DecisionApprove,
	})
	require.NoError(t, err)
	require.False(t, outcome.Complete)
	require.Equal(t, 2, outcome.CurrentPosition)
	require.Equal(t, workflow.ChainActive, outcome.ChainStatus)
	require.Equal(t, workflow.StatusUnderReview, outcome.WorkRequestStatus)

	step1, err := db.GetByPosition(context.Background(), chain.ID, 1)
	require.NoError(t, err)
	require.Equal(t, workflow.StepApproved, step1.Status)
	require.Equal(t, "user-supervisor", *step1.DecidedBy)

	wrAfter, err := db.GetByID(context.Background(), wr.ID, testOrg)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusUnderReview, wrAfter.Status)

	// the duty manager is notified that step 2 is now current
	required := notifier.byType("approval_required")
	require.Len(t, required, 2)
	require.Equal(t, "user-duty-manager", required[1].Context["approver_id"])
}

func TestRecordDecision_FinalApprovalCompletesChainAndRequest(t *testing.T) {
	db := newMemDB()
	notifier := &recordingNotifier{}
	engine := newEngine(db, notifier, nil)

	wr := seedSubmitted(db, workflow.PriorityHigh, 0)
	chain := initializedChain(t, db, engine, wr)

	_, err := engine.RecordDecision(context.Background(), DecisionRequest{
		WorkRequestID: wr.ID, OrganizationID: testOrg,
		ApproverID: "user-supervisor", Decision: workflow.DecisionApprove,
	})
	require.NoError(t, err)

	outcome, err := engine.RecordDecision(context.Background(), DecisionRequest{
		WorkRequestID: wr.ID, OrganizationID: testOrg,
		ApproverID: "user-duty-manager", Decision: workflow.DecisionApprove,
	})
	require.NoError(t, err)
	require.True(t, outcome.Complete)
	require.Equal(t, workflow.ChainApproved, outcome.ChainStatus)
	require.Equal(t, workflow.StatusApproved, outcome.WorkRequestStatus)

	wrAfter, err := db.GetByID(context.Background(), wr.ID, testOrg)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusApproved, wrAfter.Status)

	chainAfter, err := db.GetChainByID(context.Background(), chain.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.ChainApproved, chainAfter.Status)
	require.NotNil(t, chainAfter.CompletedAt)

	require.Len(t, notifier.byType("work_request_approved"), 1)
}

func TestRecordDecision_RejectFreezesChainImmediately(t *testing.T) {
	db := newMemDB()
	notifier := &recordingNotifier{}
	engine := newEngine(db, notifier, nil)

	wr := seedSubmitted(db, workflow.PriorityHigh, 0)
	chain := initializedChain(t, db, engine, wr)
	require.Equal(t, 2, chain.TotalSteps)

	outcome, err := engine.RecordDecision(context.Background(), DecisionRequest{
		WorkRequestID: wr.ID, OrganizationID: testOrg,
		ApproverID: "user-supervisor", Decision: workflow.DecisionReject,
		Comments: "insufficient cost breakdown",
	})
	require.NoError(t, err)
	require.True(t, outcome.Complete)
	require.Equal(t, workflow.ChainRejected, outcome.ChainStatus)
	require.Equal(t, workflow.StatusRejected, outcome.WorkRequestStatus)

	wrAfter, err := db.GetByID(context.Background(), wr.ID, testOrg)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusRejected, wrAfter.Status)
	require.NotNil(t, wrAfter.StatusReason)
	require.Equal(t, "insufficient cost breakdown", *wrAfter.StatusReason)

	// step 2 never activates
	step2, err := db.GetByPosition(context.Background(), chain.ID, 2)
	require.NoError(t, err)
	require.Equal(t, workflow.StepMoot, step2.Status)

	require.Len(t, notifier.byType("work_request_rejected"), 1)
}

func TestRecordDecision_RejectRequiresComments(t *testing.T) {
	db := newMemDB()
	engine := newEngine(db, &recordingNotifier{}, nil)

	wr := seedSubmitted(db, workflow.PriorityMedium, 0)
	initializedChain(t, db, engine, wr)

	_, err := engine.RecordDecision(context.Background(), DecisionRequest{
		WorkRequestID: wr.ID, OrganizationID: testOrg,
		ApproverID: "user-supervisor", Decision: workflow.DecisionReject,
	})
	require.Error(t, err)
	require.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err))
}

func TestRecordDecision_DuplicateSubmissionIsStale(t *testing.T) {
	db := newMemDB()
	engine := newEngine(db, &recordingNotifier{}, nil)

	wr := seedSubmitted(db, workflow.PriorityHigh, 0)
	chain := initializedChain(t, db, engine, wr)
	step1 := chain.Steps[0]

	first := DecisionRequest{
		WorkRequestID: wr.ID, OrganizationID: testOrg, StepID: step1.ID,
		ApproverID: "user-supervisor", Decision: workflow.DecisionApprove,
	}
	_, err := engine.RecordDecision(context.Background(), first)
	require.NoError(t, err)

	// replaying the same decision must fail, not double-apply
	_, err = engine.RecordDecision(context.Background(), first)
	require.Error(t, err)
	require.Equal(t, apperrors.ErrCodeStaleApproval, apperrors.CodeOf(err))
}

func TestRecordDecision_DuplicateOnFinalStepIsStale(t *testing.T) {
	db := newMemDB()
	engine := newEngine(db, &recordingNotifier{}, nil)

	wr := seedSubmitted(db, workflow.PriorityMedium, 0) // single supervisor step
	chain := initializedChain(t, db, engine, wr)
	require.Equal(t, 1, chain.TotalSteps)

	req := DecisionRequest{
		WorkRequestID: wr.ID, OrganizationID: testOrg, StepID: chain.Steps[0].ID,
		ApproverID: "user-supervisor", Decision: workflow.DecisionApprove,
	}
	_, err := engine.RecordDecision(context.Background(), req)
	require.NoError(t, err)

	_, err = engine.RecordDecision(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, apperrors.ErrCodeStaleApproval, apperrors.CodeOf(err))
}

func TestRecordDecision_UnauthorizedApprover(t *testing.T) {
	db := newMemDB()
	engine := newEngine(db, &recordingNotifier{}, nil)

	wr := seedSubmitted(db, workflow.PriorityMedium, 0)
	initializedChain(t, db, engine, wr)

	_, err := engine.RecordDecision(context.Background(), DecisionRequest{
		WorkRequestID: wr.ID, OrganizationID: testOrg,
		ApproverID: "user-bystander", Decision: workflow.DecisionApprove,
	})
	require.Error(t, err)
	require.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.CodeOf(err))
}

func TestRecordDecision_DelegateKeepsStepPending(t *testing.T) {
	db := newMemDB()
	engine := newEngine(db, &recordingNotifier{}, nil)

	wr := seedSubmitted(db, workflow.PriorityMedium, 0)
	chain := initializedChain(t, db, engine, wr)

	outcome, err := engine.RecordDecision(context.Background(), DecisionRequest{
		WorkRequestID: wr.ID, OrganizationID: testOrg,
		ApproverID: "user-supervisor", Decision: workflow.DecisionDelegate,
		DelegatedTo: "user-backup", Comments: "on leave this week",
	})
	require.NoError(t, err)
	require.False(t, outcome.Complete)
	require.Equal(t, 1, outcome.CurrentPosition)

	step, err := db.GetByPosition(context.Background(), chain.ID, 1)
	require.NoError(t, err)
	require.Equal(t, workflow.StepPending, step.Status)
	require.Equal(t, "user-backup", *step.DelegatedTo)
	require.Equal(t, "user-supervisor", *step.DelegatedBy)
	require.True(t, db.hasAudit("delegated"))

	// the delegate can now decide the step
	decided, err := engine.RecordDecision(context.Background(), DecisionRequest{
		WorkRequestID: wr.ID, OrganizationID: testOrg,
		ApproverID: "user-backup", Decision: workflow.DecisionApprove,
	})
	require.NoError(t, err)
	require.True(t, decided.Complete)

	stepAfter, err := db.GetByPosition(context.Background(), chain.ID, 1)
	require.NoError(t, err)
	require.Equal(t, "user-backup", *stepAfter.DecidedBy)
}

func TestRecordDecision_OriginalApproverCanStillActAfterDelegation(t *testing.T) {
	db := newMemDB()
	engine := newEngine(db, &recordingNotifier{}, nil)

	wr := seedSubmitted(db, workflow.PriorityMedium, 0)
	initializedChain(t, db, engine, wr)

	_, err := engine.RecordDecision(context.Background(), DecisionRequest{
		WorkRequestID: wr.ID, OrganizationID: testOrg,
		ApproverID: "user-supervisor", Decision: workflow.DecisionDelegate,
		DelegatedTo: "user-backup",
	})
	require.NoError(t, err)

	outcome, err := engine.RecordDecision(context.Background(), DecisionRequest{
		WorkRequestID: wr.ID, OrganizationID: testOrg,
		ApproverID: "user-supervisor", Decision: workflow.DecisionApprove,
	})
	require.NoError(t, err)
	require.True(t, outcome.Complete)
}

func TestRecordDecision_DelegateValidation(t *testing.T) {
	db := newMemDB()
	engine := newEngine(db, &recordingNotifier{}, nil)

	wr := seedSubmitted(db, workflow.PriorityMedium, 0)
	initializedChain(t, db, engine, wr)

	_, err := engine.RecordDecision(context.Background(), DecisionRequest{
		WorkRequestID: wr.ID, OrganizationID: testOrg,
		ApproverID: "user-supervisor", Decision: workflow.DecisionDelegate,
	})
	require.Error(t, err)
	require.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err))

	_, err = engine.RecordDecision(context.Background(), DecisionRequest{
		WorkRequestID: wr.ID, OrganizationID: testOrg,
		ApproverID: "user-supervisor", Decision: workflow.DecisionDelegate,
		DelegatedTo: "user-supervisor",
	})
	require.Error(t, err)
	require.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err))
}

func TestRecordDecision_NoActiveChain(t *testing.T) {
	db := newMemDB()
	engine := newEngine(db, &recordingNotifier{}, nil)

	wr := seedSubmitted(db, workflow.PriorityMedium, 0)

	_, err := engine.RecordDecision(context.Background(), DecisionRequest{
		WorkRequestID: wr.ID, OrganizationID: testOrg,
		ApproverID: "user-supervisor", Decision: workflow.DecisionApprove,
	})
	require.Error(t, err)
	require.Equal(t, apperrors.ErrCodeNotFound, apperrors.CodeOf(err))
}

func TestGetApprovalChain_ReturnsLatestWithSteps(t *testing.T) {
	db := newMemDB()
	engine := newEngine(db, &recordingNotifier{}, nil)

	wr := seedSubmitted(db, workflow.PriorityHigh, 0)
	chain := initializedChain(t, db, engine, wr)

	got, err := engine.GetApprovalChain(context.Background(), wr.ID)
	require.NoError(t, err)
	require.Equal(t, chain.ID, got.ID)
	require.Len(t, got.Steps, 2)
	require.Equal(t, workflow.RoleSupervisor, got.Steps[0].ApproverRole)
	require.Equal(t, workflow.RoleDutyManager, got.Steps[1].ApproverRole)

	_, err = engine.GetApprovalChain(context.Background(), "missing-id")
	require.Error(t, err)
	require.Equal(t, apperrors.ErrCodeNotFound, apperrors.CodeOf(err))
}

func TestGetPendingApprovals_OnlyCurrentStepOfActiveChain(t *testing.T) {
	db := newMemDB()
	engine := newEngine(db, &recordingNotifier{}, nil)

	wr := seedSubmitted(db, workflow.PriorityHigh, 0)
	initializedChain(t, db, engine, wr)

	ctx := context.Background()

	pending, err := engine.GetPendingApprovals(ctx, testOrg, "user-supervisor")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 1, pending[0].Position)

	// the future step is not yet anyone's queue item
	pending, err = engine.GetPendingApprovals(ctx, testOrg, "user-duty-manager")
	require.NoError(t, err)
	require.Empty(t, pending)

	_, err = engine.RecordDecision(ctx, DecisionRequest{
		WorkRequestID: wr.ID, OrganizationID: testOrg,
		ApproverID: "user-supervisor", Decision: workflow.DecisionApprove,
	})
	require.NoError(t, err)

	pending, err = engine.GetPendingApprovals(ctx, testOrg, "user-duty-manager")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 2, pending[0].Position)

	pending, err = engine.GetPendingApprovals(ctx, testOrg, "user-supervisor")
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestUpsertPolicy_ValidatesAndAppliesToNextSubmission(t *testing.T) {
	db := newMemDB()
	engine := newEngine(db, &recordingNotifier{}, nil)
	ctx := context.Background()

	err := engine.UpsertPolicy(ctx, &repository.ApprovalPolicy{OrganizationID: testOrg})
	require.Error(t, err)
	require.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.CodeOf(err))

	err = engine.UpsertPolicy(ctx, &repository.ApprovalPolicy{
		OrganizationID:        testOrg,
		FinanceThresholdCents: 100,
		SupervisorID:          "org-supervisor",
		FinanceApproverID:     "org-finance",
	})
	require.NoError(t, err)

	wr := seedSubmitted(db, workflow.PriorityLow, 200)
	chain, _, err := engine.InitializeWorkflow(ctx, wr.ID, testOrg)
	require.NoError(t, err)
	require.Equal(t, "org-supervisor", chain.Steps[0].ApproverID)
	require.Equal(t, "org-finance", chain.Steps[1].ApproverID)

	// deactivated policy: the built-in default applies again
	require.NoError(t, engine.DeactivatePolicy(ctx, testOrg))
	wr2 := seedSubmitted(db, workflow.PriorityLow, 200)
	chain2, _, err := engine.InitializeWorkflow(ctx, wr2.ID, testOrg)
	require.NoError(t, err)
	require.Equal(t, 1, chain2.TotalSteps)
	require.Equal(t, "user-supervisor", chain2.Steps[0].ApproverID)
}

func TestGetPendingApprovals_DelegateSeesDelegatedStep(t *testing.T) {
	db := newMemDB()
	engine := newEngine(db, &recordingNotifier{}, nil)

	wr := seedSubmitted(db, workflow.PriorityMedium, 0)
	initializedChain(t, db, engine, wr)

	ctx := context.Background()
	_, err := engine.RecordDecision(ctx, DecisionRequest{
		WorkRequestID: wr.ID, OrganizationID: testOrg,
		ApproverID: "user-supervisor", Decision: workflow.DecisionDelegate,
		DelegatedTo: "user-backup",
	})
	require.NoError(t, err)

	pending, err := engine.GetPendingApprovals(ctx, testOrg, "user-backup")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}
