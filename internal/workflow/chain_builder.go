package workflow

// Priority and impact classifications read by the chain builder. Values are
// stored denormalized on the work request row.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"

	ImpactNone        = "none"
	ImpactPartial     = "partial_closure"
	ImpactFullClosure = "full_closure"
)

// Approver roles used in chain construction.
const (
	RoleSupervisor     = "supervisor"
	RoleDutyManager    = "duty_manager"
	RoleFinance        = "finance"
	RoleOperationsLead = "operations_lead"
)

// StepStatus is the state of a single approval step. Delegation does not
// change the step status: a delegated step stays pending with the delegate
// recorded alongside it.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepApproved StepStatus = "approved"
	StepRejected StepStatus = "rejected"
	StepMoot     StepStatus = "moot"
)

// ChainStatus is the state of a whole approval chain.
type ChainStatus string

const (
	ChainActive     ChainStatus = "active"
	ChainApproved   ChainStatus = "approved"
	ChainRejected   ChainStatus = "rejected"
	ChainCancelled  ChainStatus = "cancelled"
	ChainSuperseded ChainStatus = "superseded"
)

// Decision is an approver's action on the current pending step.
type Decision string

const (
	DecisionApprove  Decision = "approve"
	DecisionReject   Decision = "reject"
	DecisionDelegate Decision = "delegate"
)

// Policy is the per-organization routing configuration the builder reads.
// It is resolved by the engine before building and passed in by value so the
// builder stays pure.
type Policy struct {
	FinanceThresholdCents int64
	SupervisorID          string
	DutyManagerID         string
	FinanceApproverID     string
	OperationsLeadID      string
	StepSLAHours          int
}

// BuildInput is the subset of work request attributes chain construction
// depends on. Cost and impact are already denormalized onto the request.
type BuildInput struct {
	Priority           string
	ImpactLevel        string
	EstimatedCostCents int64
}

// ChainStep is one planned approval step. Row identifiers are assigned at
// persist time; the builder output is a pure function of its inputs.
type ChainStep struct {
	Position   int
	Role       string
	ApproverID string
	Status     StepStatus
}

// BuildChain derives the ordered approval step list for a work request:
//
//   - impact level full_closure puts an operations-lead step first;
//   - every request gets a supervisor step; critical/high priority adds a
//     duty-manager step as a second management level;
//   - estimated cost above the policy threshold appends a finance step last.
//
// Identical inputs always yield an identical ordered list.
func BuildChain(in BuildInput, policy Policy) []ChainStep {
	var steps []ChainStep

	if in.ImpactLevel == ImpactFullClosure {
		steps = append(steps, ChainStep{Role: RoleOperationsLead, ApproverID: policy.OperationsLeadID})
	}

	steps = append(steps, ChainStep{Role: RoleSupervisor, ApproverID: policy.SupervisorID})

	if in.Priority == PriorityCritical || in.Priority == PriorityHigh {
		steps = append(steps, ChainStep{Role: RoleDutyManager, ApproverID: policy.DutyManagerID})
	}

	if in.EstimatedCostCents > policy.FinanceThresholdCents {
		steps = append(steps, ChainStep{Role: RoleFinance, ApproverID: policy.FinanceApproverID})
	}

	for i := range steps {
		steps[i].Position = i + 1
		steps[i].Status = StepPending
	}
	return steps
}
