// Package execution turns externally-planned advisory handoffs into
// authority commands. It owns the strict envelope validation, the
// translation catalog, the single-pass decision pipeline, and the two
// interchangeable receipt store backends.
package execution

// Envelope type tags.
const (
	HandoffSchemaVersion = "execution-handoff.v1"
	ResultType           = "execution-result.v1"
	ResultSchemaVersion  = 1
)

// Proposal types the translation catalog understands.
const (
	ProposalMayorAcceptMission = "MAYOR_ACCEPT_MISSION"
	ProposalProjectAdvance     = "PROJECT_ADVANCE"
	ProposalSalvagePlan        = "SALVAGE_PLAN"
	ProposalTownsfolkTalk      = "TOWNSFOLK_TALK"
)

// Reason codes carried on results.
const (
	CodeExecuted              = "EXECUTED"
	CodeDuplicateHandoff      = "DUPLICATE_HANDOFF"
	CodeStaleDecisionEpoch    = "STALE_DECISION_EPOCH"
	CodeStaleSnapshotHash     = "STALE_SNAPSHOT_HASH"
	CodePreconditionFailed    = "PRECONDITION_FAILED"
	CodeEngineRejected        = "ENGINE_REJECTED"
	CodeMayorCooldownActive   = "MAYOR_COOLDOWN_ACTIVE"
	CodeUnknownTown           = "UNKNOWN_TOWN"
	CodeUnknownProject        = "UNKNOWN_PROJECT"
	CodeUnknownSalvageTarget  = "UNKNOWN_SALVAGE_TARGET"
	CodeMajorMissionActive    = "MAJOR_MISSION_ALREADY_ACTIVE"
	CodeMayorBriefingRequired = "MAYOR_BRIEFING_REQUIRED"
)

// Ledger kinds classify lifecycle events in the event ledger.
const (
	KindExecuted          = "executed"
	KindRejected          = "rejected"
	KindStale             = "stale"
	KindFailed            = "failed"
	KindDuplicateReplayed = "duplicate_replayed"
)

// Handoff is the advisory envelope submitted by an external planner. It
// carries the projection the planner saw; execution refuses to act on a
// world that has moved past it.
type Handoff struct {
	SchemaVersion         string                `json:"schemaVersion"`
	Advisory              bool                  `json:"advisory"`
	HandoffID             string                `json:"handoffId"`
	ProposalID            string                `json:"proposalId"`
	IdempotencyKey        string                `json:"idempotencyKey"`
	SnapshotHash          string                `json:"snapshotHash"`
	DecisionEpoch         int                   `json:"decisionEpoch"`
	Command               string                `json:"command"`
	Proposal              Proposal              `json:"proposal"`
	ExecutionRequirements ExecutionRequirements `json:"executionRequirements"`
}

// Proposal is the planned change inside a handoff.
type Proposal struct {
	Type    string         `json:"type"`
	ActorID string         `json:"actorId"`
	TownID  string         `json:"townId"`
	Args    map[string]any `json:"args"`
}

// ExecutionRequirements echo the expected projection and carry optional
// custom preconditions.
type ExecutionRequirements struct {
	ExpectedSnapshotHash  string         `json:"expectedSnapshotHash"`
	ExpectedDecisionEpoch int            `json:"expectedDecisionEpoch"`
	Preconditions         []Precondition `json:"preconditions,omitempty"`
}

// Precondition is one declared requirement. Kind "custom_expr" entries are
// evaluated as CEL expressions over the proposal and the world.
type Precondition struct {
	Kind   string `json:"kind"`
	Expr   string `json:"expr,omitempty"`
	Detail string `json:"detail,omitempty"`
}
