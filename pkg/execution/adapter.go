package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/duskhall/worldcore/pkg/god"
	"github.com/duskhall/worldcore/pkg/memstore"
	"github.com/duskhall/worldcore/pkg/telemetry"
	"github.com/duskhall/worldcore/pkg/worldstate"
)

// CommandApplier is the authority surface the adapter drives. Satisfied by
// *god.Service.
type CommandApplier interface {
	Apply(req god.Request) (god.Reply, error)
}

// AdapterOptions wire an Adapter.
type AdapterOptions struct {
	Store      Store
	Commands   CommandApplier
	Snapshots  *memstore.Store
	Translator *Translator
	Validator  *Validator
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
	Clock      func() time.Time
}

// Adapter runs the single-pass decision pipeline: validate, duplicate check,
// freshness check, preconditions, then command application with receipts.
type Adapter struct {
	store      Store
	commands   CommandApplier
	snapshots  *memstore.Store
	translator *Translator
	validator  *Validator
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	clock      func() time.Time
}

// NewAdapter validates dependencies and fills defaults. Missing core
// dependencies are programmer errors.
func NewAdapter(opts AdapterOptions) (*Adapter, error) {
	if opts.Store == nil {
		return nil, errors.New("execution: store is required")
	}
	if opts.Commands == nil {
		return nil, errors.New("execution: command applier is required")
	}
	if opts.Snapshots == nil {
		return nil, errors.New("execution: snapshot store is required")
	}
	a := &Adapter{
		store:      opts.Store,
		commands:   opts.Commands,
		snapshots:  opts.Snapshots,
		translator: opts.Translator,
		validator:  opts.Validator,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
	}
	if a.translator == nil {
		a.translator = NewTranslator(TranslatorOptions{})
	}
	if a.validator == nil {
		v, err := NewValidator()
		if err != nil {
			return nil, err
		}
		a.validator = v
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = telemetry.New()
	}
	if a.clock == nil {
		a.clock = time.Now
	}
	return a, nil
}

// Execute runs one handoff through the pipeline and returns its terminal
// result. Recoverable outcomes (stale, rejected, duplicate, failed) come
// back as results, never as errors.
func (a *Adapter) Execute(ctx context.Context, raw []byte) (*worldstate.ExecutionReceipt, error) {
	h, err := a.validator.Parse(raw)
	if err != nil {
		return nil, err
	}
	return a.ExecuteHandoff(ctx, h)
}

// ExecuteHandoff is Execute for an already-validated envelope.
func (a *Adapter) ExecuteHandoff(ctx context.Context, h *Handoff) (*worldstate.ExecutionReceipt, error) {
	snap, err := a.snapshots.GetSnapshot()
	if err != nil {
		return nil, err
	}
	proj, err := worldstate.Project(snap.World)
	if err != nil {
		return nil, err
	}

	// 1. Duplicate: a prior terminal receipt wins without consuming anything.
	prior, err := a.store.FindReceipt(ctx, h.HandoffID, h.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return a.finishDuplicate(ctx, h, proj, prior.ExecutionID)
	}

	// 2. Freshness: epoch first, then hash.
	staleCode := ""
	if proj.DecisionEpoch != h.DecisionEpoch {
		staleCode = CodeStaleDecisionEpoch
	} else if proj.SnapshotHash != h.SnapshotHash {
		staleCode = CodeStaleSnapshotHash
	}
	if staleCode != "" {
		r := a.newStaleResult(h, proj, staleCode)
		if err := a.record(ctx, r, KindStale, RecordOptions{PersistReceipt: true, ClearPending: true}); err != nil {
			return nil, err
		}
		a.metrics.Counters.HandoffsStale.Add(1)
		a.logger.Info("handoff stale", "handoff_id", h.HandoffID, "reason_code", staleCode)
		return r, nil
	}

	// 3. Preconditions via translation.
	tr := a.translator.Translate(h, snap.World)
	if len(tr.Failures) > 0 {
		r := a.newRejectedResult(h, proj, CodePreconditionFailed, tr.Failures, nil)
		if err := a.record(ctx, r, KindRejected, RecordOptions{PersistReceipt: true, ClearPending: true}); err != nil {
			return nil, err
		}
		a.metrics.Counters.HandoffsRejected.Add(1)
		a.logger.Info("handoff rejected", "handoff_id", h.HandoffID, "failures", len(tr.Failures))
		return r, nil
	}

	// 4. Apply, with a pending row covering the in-flight window.
	now := worldstate.NowISO(a.clock())
	pending := worldstate.PendingExecution{
		PendingID:              "pending_" + strings.TrimPrefix(h.HandoffID, "handoff_"),
		HandoffID:              h.HandoffID,
		IdempotencyKey:         h.IdempotencyKey,
		ProposalID:             h.ProposalID,
		Status:                 "in_flight",
		PreparedSnapshotHash:   h.SnapshotHash,
		PreparedDecisionEpoch:  h.DecisionEpoch,
		LastKnownSnapshotHash:  proj.SnapshotHash,
		LastKnownDecisionEpoch: proj.DecisionEpoch,
		TotalCommandCount:      len(tr.Commands),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := a.store.StagePendingExecution(ctx, pending); err != nil {
		return nil, err
	}

	succeeded := 0
	for k, cmd := range tr.Commands {
		opID := fmt.Sprintf("%s:step:%d", h.HandoffID, k)
		reply, err := a.commands.Apply(god.Request{Command: cmd, OperationID: opID})
		if err != nil {
			return nil, err
		}
		if !reply.Applied {
			return a.finishRefusedStep(ctx, h, tr, reply.Reason, succeeded)
		}
		succeeded++
		if err := a.store.MarkPendingExecutionProgress(ctx, pending.PendingID, succeeded, cmd, worldstate.NowISO(a.clock())); err != nil {
			return nil, err
		}
	}

	// 5. Commit against the post-execution projection.
	after, err := a.snapshots.GetSnapshot()
	if err != nil {
		return nil, err
	}
	afterProj, err := worldstate.Project(after.World)
	if err != nil {
		return nil, err
	}
	r := a.newExecutedResult(h, proj, afterProj, tr.Commands)
	if err := a.record(ctx, r, KindExecuted, RecordOptions{PersistReceipt: true, ClearPending: true}); err != nil {
		return nil, err
	}
	a.metrics.Counters.HandoffsExecuted.Add(1)
	a.logger.Info("handoff executed",
		"handoff_id", h.HandoffID,
		"execution_id", r.ExecutionID,
		"commands", len(tr.Commands),
	)
	return r, nil
}

// finishRefusedStep classifies a god-service refusal at step time. A
// duplicate refusal converts the whole handoff into a duplicate result; any
// other reason is rejected (nothing applied yet) or failed (partial apply).
func (a *Adapter) finishRefusedStep(ctx context.Context, h *Handoff, tr Translation, reason string, succeeded int) (*worldstate.ExecutionReceipt, error) {
	code := classifyReason(reason)
	cur, err := a.snapshots.GetSnapshot()
	if err != nil {
		return nil, err
	}
	proj, err := worldstate.Project(cur.World)
	if err != nil {
		return nil, err
	}

	if code == CodeDuplicateHandoff {
		priorID := ""
		if prior, err := a.store.FindReceipt(ctx, h.HandoffID, h.IdempotencyKey); err == nil && prior != nil {
			priorID = prior.ExecutionID
		}
		return a.finishDuplicate(ctx, h, proj, priorID)
	}

	var r *worldstate.ExecutionReceipt
	var kind string
	if succeeded == 0 {
		r = a.newRejectedResult(h, proj, code, nil, tr.Commands)
		kind = KindRejected
		a.metrics.Counters.HandoffsRejected.Add(1)
	} else {
		r = a.newFailedResult(h, proj, code, tr.Commands)
		kind = KindFailed
		a.metrics.Counters.HandoffsFailed.Add(1)
	}
	if err := a.record(ctx, r, kind, RecordOptions{PersistReceipt: true, ClearPending: true}); err != nil {
		return nil, err
	}
	a.logger.Info("handoff refused at step",
		"handoff_id", h.HandoffID,
		"status", r.Status,
		"reason_code", code,
		"steps_applied", succeeded,
	)
	return r, nil
}

func (a *Adapter) finishDuplicate(ctx context.Context, h *Handoff, proj worldstate.Projection, duplicateOf string) (*worldstate.ExecutionReceipt, error) {
	r := a.newDuplicateResult(h, proj, duplicateOf)
	if err := a.record(ctx, r, KindDuplicateReplayed, RecordOptions{PersistReceipt: false, ClearPending: true}); err != nil {
		return nil, err
	}
	a.metrics.Counters.HandoffsDupe.Add(1)
	a.logger.Info("handoff duplicate", "handoff_id", h.HandoffID, "duplicate_of", duplicateOf)
	return r, nil
}

func (a *Adapter) record(ctx context.Context, r *worldstate.ExecutionReceipt, kind string, opts RecordOptions) error {
	if err := Finalize(r); err != nil {
		return err
	}
	return a.store.RecordResult(ctx, r, kind, opts)
}

// RecoverPending clears in-flight rows left by a previous process. Nothing
// is replayed; callers re-submit with the same idempotency key and the
// duplicate path recognizes completed executions.
func (a *Adapter) RecoverPending(ctx context.Context) (int, error) {
	pendings, err := a.store.ListPendingExecutions(ctx)
	if err != nil {
		return 0, err
	}
	cleared := 0
	for _, p := range pendings {
		receipt, err := a.store.FindReceipt(ctx, p.HandoffID, p.IdempotencyKey)
		if err != nil {
			return cleared, err
		}
		if receipt != nil {
			a.logger.Info("clearing pending with terminal receipt",
				"pending_id", p.PendingID, "execution_id", receipt.ExecutionID)
		} else {
			a.logger.Warn("clearing in-flight execution without receipt",
				"pending_id", p.PendingID,
				"handoff_id", p.HandoffID,
				"completed", p.CompletedCommandCount,
				"total", p.TotalCommandCount,
			)
		}
		if err := a.store.ClearPendingExecution(ctx, p.PendingID); err != nil {
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}

func (a *Adapter) baseResult(h *Handoff, commands []string) *worldstate.ExecutionReceipt {
	if commands == nil {
		commands = []string{}
	}
	return &worldstate.ExecutionReceipt{
		Type:              ResultType,
		SchemaVersion:     ResultSchemaVersion,
		HandoffID:         h.HandoffID,
		ProposalID:        h.ProposalID,
		IdempotencyKey:    h.IdempotencyKey,
		SnapshotHash:      h.SnapshotHash,
		DecisionEpoch:     h.DecisionEpoch,
		ActorID:           h.Proposal.ActorID,
		TownID:            a.translator.NormalizeTown(h.Proposal.TownID),
		ProposalType:      h.Proposal.Type,
		Command:           h.Command,
		AuthorityCommands: commands,
		Evaluation: worldstate.Evaluation{
			Preconditions: worldstate.PreconditionCheck{Failures: []worldstate.PreconditionFailure{}},
		},
	}
}

func (a *Adapter) newDuplicateResult(h *Handoff, proj worldstate.Projection, duplicateOf string) *worldstate.ExecutionReceipt {
	r := a.baseResult(h, nil)
	r.Status = worldstate.StatusDuplicate
	r.ReasonCode = CodeDuplicateHandoff
	r.Evaluation.DuplicateCheck = worldstate.DuplicateCheck{Evaluated: true, Duplicate: true, DuplicateOf: duplicateOf}
	r.WorldState = worldstate.WorldStateAfter{
		PostExecutionSnapshotHash:  proj.SnapshotHash,
		PostExecutionDecisionEpoch: proj.DecisionEpoch,
	}
	return r
}

func (a *Adapter) newStaleResult(h *Handoff, proj worldstate.Projection, code string) *worldstate.ExecutionReceipt {
	r := a.baseResult(h, nil)
	r.Status = worldstate.StatusStale
	r.ReasonCode = code
	r.Evaluation.DuplicateCheck = worldstate.DuplicateCheck{Evaluated: true}
	r.Evaluation.StaleCheck = worldstate.StaleCheck{
		Evaluated:           true,
		Passed:              false,
		ActualSnapshotHash:  proj.SnapshotHash,
		ActualDecisionEpoch: proj.DecisionEpoch,
	}
	r.WorldState = worldstate.WorldStateAfter{
		PostExecutionSnapshotHash:  proj.SnapshotHash,
		PostExecutionDecisionEpoch: proj.DecisionEpoch,
	}
	return r
}

func (a *Adapter) newRejectedResult(h *Handoff, proj worldstate.Projection, code string, failures []worldstate.PreconditionFailure, commands []string) *worldstate.ExecutionReceipt {
	if failures == nil {
		failures = []worldstate.PreconditionFailure{}
	}
	r := a.baseResult(h, commands)
	r.Status = worldstate.StatusRejected
	r.ReasonCode = code
	r.Evaluation.DuplicateCheck = worldstate.DuplicateCheck{Evaluated: true}
	r.Evaluation.StaleCheck = worldstate.StaleCheck{
		Evaluated:           true,
		Passed:              true,
		ActualSnapshotHash:  proj.SnapshotHash,
		ActualDecisionEpoch: proj.DecisionEpoch,
	}
	r.Evaluation.Preconditions = worldstate.PreconditionCheck{
		Evaluated: true,
		Passed:    len(failures) == 0,
		Failures:  failures,
	}
	r.WorldState = worldstate.WorldStateAfter{
		PostExecutionSnapshotHash:  proj.SnapshotHash,
		PostExecutionDecisionEpoch: proj.DecisionEpoch,
	}
	return r
}

func (a *Adapter) newFailedResult(h *Handoff, proj worldstate.Projection, code string, commands []string) *worldstate.ExecutionReceipt {
	r := a.newRejectedResult(h, proj, code, nil, commands)
	r.Status = worldstate.StatusFailed
	r.Accepted = true
	r.Executed = false
	return r
}

func (a *Adapter) newExecutedResult(h *Handoff, proj, after worldstate.Projection, commands []string) *worldstate.ExecutionReceipt {
	r := a.baseResult(h, commands)
	r.Status = worldstate.StatusExecuted
	r.Accepted = true
	r.Executed = true
	r.ReasonCode = CodeExecuted
	r.Evaluation.DuplicateCheck = worldstate.DuplicateCheck{Evaluated: true}
	r.Evaluation.StaleCheck = worldstate.StaleCheck{
		Evaluated:           true,
		Passed:              true,
		ActualSnapshotHash:  proj.SnapshotHash,
		ActualDecisionEpoch: proj.DecisionEpoch,
	}
	r.Evaluation.Preconditions = worldstate.PreconditionCheck{
		Evaluated: true,
		Passed:    true,
		Failures:  []worldstate.PreconditionFailure{},
	}
	r.WorldState = worldstate.WorldStateAfter{
		PostExecutionSnapshotHash:  after.SnapshotHash,
		PostExecutionDecisionEpoch: after.DecisionEpoch,
	}
	return r
}

// reasonCodes maps god-service refusal phrases onto reason codes. Phrases
// outside the map fall back to an uppercase-snake rendering.
var reasonCodes = map[string]string{
	god.ReasonDuplicate:        CodeDuplicateHandoff,
	god.ReasonUnknownTown:      CodeUnknownTown,
	god.ReasonUnknownProject:   CodeUnknownProject,
	god.ReasonUnknownSalvage:   CodeUnknownSalvageTarget,
	god.ReasonMissionActive:    CodeMajorMissionActive,
	god.ReasonBriefingRequired: CodeMayorBriefingRequired,
}

func classifyReason(reason string) string {
	if code, ok := reasonCodes[reason]; ok {
		return code
	}
	if strings.HasPrefix(reason, god.CooldownPrefix) {
		return CodeMayorCooldownActive
	}
	if code := upperSnake(reason); code != "" {
		return code
	}
	return CodeEngineRejected
}

// upperSnake flattens free text into an A_B_C code.
func upperSnake(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToUpper(strings.TrimSpace(s)) {
		isWord := (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if isWord {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			pendingSep = false
		} else {
			pendingSep = true
		}
	}
	return b.String()
}
