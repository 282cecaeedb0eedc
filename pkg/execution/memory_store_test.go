package execution_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskhall/worldcore/pkg/execution"
	"github.com/duskhall/worldcore/pkg/memstore"
	"github.com/duskhall/worldcore/pkg/worldstate"
)

func newMemoryStore(t *testing.T) (*execution.MemoryStore, *memstore.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	snaps, err := memstore.New(memstore.Options{
		Path:   filepath.Join(t.TempDir(), "world.json"),
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = snaps.Close() })
	clock := func() time.Time { return time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC) }
	return execution.NewMemoryStore(snaps, clock), snaps
}

func pendingRow(seed byte, createdAt string) worldstate.PendingExecution {
	return worldstate.PendingExecution{
		PendingID:         "pending_" + hex64(seed),
		HandoffID:         "handoff_" + hex64(seed),
		IdempotencyKey:    "proposal_" + hex64(seed),
		ProposalID:        "proposal_" + hex64(seed),
		Status:            "in_flight",
		TotalCommandCount: 2,
		CreatedAt:         createdAt,
		UpdatedAt:         createdAt,
	}
}

func TestMemoryStore_PendingLifecycle(t *testing.T) {
	store, _ := newMemoryStore(t)
	ctx := context.Background()

	first := pendingRow('a', "2026-01-02T08:00:00.000Z")
	second := pendingRow('b', "2026-01-02T08:10:00.000Z")
	require.NoError(t, store.StagePendingExecution(ctx, first))
	require.NoError(t, store.StagePendingExecution(ctx, second))

	listed, err := store.ListPendingExecutions(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, first.PendingID, listed[0].PendingID, "oldest first")

	require.NoError(t, store.MarkPendingExecutionProgress(ctx, first.PendingID, 1,
		"mayor talk ashford", "2026-01-02T08:01:00.000Z"))
	got, err := store.FindPendingExecution(ctx, first.HandoffID, "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.CompletedCommandCount)
	assert.Equal(t, "mayor talk ashford", got.LastAppliedCommand)
	assert.Equal(t, "2026-01-02T08:01:00.000Z", got.UpdatedAt)

	// Restaging the same handoff replaces the row instead of duplicating it.
	restaged := first
	restaged.Status = "in_flight"
	restaged.CompletedCommandCount = 0
	require.NoError(t, store.StagePendingExecution(ctx, restaged))
	listed, err = store.ListPendingExecutions(ctx)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	require.NoError(t, store.ClearPendingExecution(ctx, first.PendingID))
	gone, err := store.FindPendingExecution(ctx, first.HandoffID, first.IdempotencyKey)
	require.NoError(t, err)
	assert.Nil(t, gone)

	// Clearing an absent row is not an error.
	require.NoError(t, store.ClearPendingExecution(ctx, first.PendingID))
}

func TestMemoryStore_RecordResultPersistsReceiptAndLedger(t *testing.T) {
	store, _ := newMemoryStore(t)
	ctx := context.Background()

	r := sampleResult()
	require.NoError(t, execution.Finalize(r))
	require.NoError(t, store.StagePendingExecution(ctx, worldstate.PendingExecution{
		PendingID: "pending_x", HandoffID: r.HandoffID, IdempotencyKey: r.IdempotencyKey,
		Status: "in_flight", CreatedAt: "2026-01-02T08:00:00.000Z", UpdatedAt: "2026-01-02T08:00:00.000Z",
	}))

	require.NoError(t, store.RecordResult(ctx, r, execution.KindExecuted,
		execution.RecordOptions{PersistReceipt: true, ClearPending: true}))

	byHandoff, err := store.FindReceipt(ctx, r.HandoffID, "")
	require.NoError(t, err)
	require.NotNil(t, byHandoff)
	assert.Equal(t, r.ExecutionID, byHandoff.ExecutionID)

	byKey, err := store.FindReceipt(ctx, "", r.IdempotencyKey)
	require.NoError(t, err)
	require.NotNil(t, byKey)

	pending, err := store.FindPendingExecution(ctx, r.HandoffID, r.IdempotencyKey)
	require.NoError(t, err)
	assert.Nil(t, pending, "matching pending row is cleared with the result")

	history, err := store.ListHistoryRecords(ctx, execution.Scope{}, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, execution.KindExecuted, history[0].Kind)
	assert.Equal(t, r.ExecutionID, history[0].ExecutionID)
	assert.Equal(t, "ashford", history[0].TownID, "ledger rows join receipt attribution")
}

func TestMemoryStore_RecordResultWithoutReceipt(t *testing.T) {
	store, _ := newMemoryStore(t)
	ctx := context.Background()

	r := sampleResult()
	r.Status = worldstate.StatusDuplicate
	r.Accepted = false
	r.Executed = false
	r.ReasonCode = execution.CodeDuplicateHandoff
	require.NoError(t, execution.Finalize(r))

	require.NoError(t, store.RecordResult(ctx, r, execution.KindDuplicateReplayed,
		execution.RecordOptions{PersistReceipt: false}))

	receipt, err := store.FindReceipt(ctx, r.HandoffID, r.IdempotencyKey)
	require.NoError(t, err)
	assert.Nil(t, receipt, "replays never become receipts")

	history, err := store.ListHistoryRecords(ctx, execution.Scope{}, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, execution.KindDuplicateReplayed, history[0].Kind)
	assert.Empty(t, history[0].TownID, "no receipt to join attribution from")
}

func TestMemoryStore_RecordResultIsIdempotentPerKind(t *testing.T) {
	store, _ := newMemoryStore(t)
	ctx := context.Background()

	r := sampleResult()
	require.NoError(t, execution.Finalize(r))
	opts := execution.RecordOptions{PersistReceipt: true}
	require.NoError(t, store.RecordResult(ctx, r, execution.KindExecuted, opts))
	require.NoError(t, store.RecordResult(ctx, r, execution.KindExecuted, opts))

	history, err := store.ListHistoryRecords(ctx, execution.Scope{}, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1, "same executionId and kind collapse to one row")
}

func TestMemoryStore_ListChronicleRecords(t *testing.T) {
	store, snaps := newMemoryStore(t)
	ctx := context.Background()

	seedWorld(t, snaps, func(s *worldstate.Snapshot) {
		s.World.Chronicle = append(s.World.Chronicle,
			worldstate.ChronicleEntry{ID: "c1", Type: "founding", Town: "ashford",
				At: "2026-01-01T10:00:00.000Z", Message: "Ashford founded."},
			worldstate.ChronicleEntry{ID: "c2", Type: "mission_accepted", Town: "briarwell",
				At: "2026-01-02T10:00:00.000Z", Message: "A mission begins."},
			worldstate.ChronicleEntry{ID: "c3", Type: "edict", Faction: worldstate.FactionIronPact,
				At: "2026-01-03T10:00:00.000Z", Message: "The pact speaks."},
		)
	})

	all, err := store.ListChronicleRecords(ctx, execution.Scope{}, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "chr_c3", all[0].RecordID, "newest first")
	assert.Equal(t, "chr_c1", all[2].RecordID)

	town, err := store.ListChronicleRecords(ctx, execution.Scope{TownID: "ashford"}, 10)
	require.NoError(t, err)
	require.Len(t, town, 1)
	assert.Equal(t, "chr_c1", town[0].RecordID)

	// Faction scope covers entries tagged with the faction and entries from
	// its linked towns (iron pact holds ashford).
	faction, err := store.ListChronicleRecords(ctx, execution.Scope{FactionID: worldstate.FactionIronPact}, 10)
	require.NoError(t, err)
	require.Len(t, faction, 2)
	assert.Equal(t, "chr_c3", faction[0].RecordID)
	assert.Equal(t, "chr_c1", faction[1].RecordID)

	capped, err := store.ListChronicleRecords(ctx, execution.Scope{}, 2)
	require.NoError(t, err)
	assert.Len(t, capped, 2)
}

func TestMemoryStore_ListHistoryRecordsScoped(t *testing.T) {
	store, _ := newMemoryStore(t)
	ctx := context.Background()

	ash := sampleResult()
	require.NoError(t, execution.Finalize(ash))
	require.NoError(t, store.RecordResult(ctx, ash, execution.KindExecuted,
		execution.RecordOptions{PersistReceipt: true}))

	briar := sampleResult()
	briar.HandoffID = "handoff_" + hex64('9')
	briar.IdempotencyKey = "proposal_" + hex64('9')
	briar.TownID = "briarwell"
	briar.Status = worldstate.StatusRejected
	briar.Accepted = false
	briar.Executed = false
	briar.ReasonCode = execution.CodePreconditionFailed
	require.NoError(t, execution.Finalize(briar))
	require.NoError(t, store.RecordResult(ctx, briar, execution.KindRejected,
		execution.RecordOptions{PersistReceipt: true}))

	town, err := store.ListHistoryRecords(ctx, execution.Scope{TownID: "briarwell"}, 10)
	require.NoError(t, err)
	require.Len(t, town, 1)
	assert.Equal(t, briar.ExecutionID, town[0].ExecutionID)

	// Iron pact links ashford only, so briarwell history stays invisible.
	faction, err := store.ListHistoryRecords(ctx, execution.Scope{FactionID: worldstate.FactionIronPact}, 10)
	require.NoError(t, err)
	require.Len(t, faction, 1)
	assert.Equal(t, ash.ExecutionID, faction[0].ExecutionID)

	none, err := store.ListHistoryRecords(ctx, execution.Scope{FactionID: "faction_unknown"}, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
