package worldmemory_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskhall/worldcore/pkg/execution"
	"github.com/duskhall/worldcore/pkg/memstore"
	"github.com/duskhall/worldcore/pkg/worldmemory"
	"github.com/duskhall/worldcore/pkg/worldstate"
)

func newTestService(t *testing.T) (*worldmemory.Service, *memstore.Store, execution.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	snaps, err := memstore.New(memstore.Options{
		Path:   filepath.Join(t.TempDir(), "world.json"),
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = snaps.Close() })

	store := execution.NewMemoryStore(snaps, func() time.Time {
		return time.Date(2026, 1, 3, 12, 0, 0, 0, time.UTC)
	})
	svc, err := worldmemory.NewService(worldmemory.Options{
		Store:     store,
		Snapshots: snaps,
		Logger:    logger,
	})
	require.NoError(t, err)
	return svc, snaps, store
}

func seedChronicle(t *testing.T, snaps *memstore.Store) {
	t.Helper()
	_, err := snaps.Transact(func(s *worldstate.Snapshot) (any, error) {
		s.World.Chronicle = append(s.World.Chronicle,
			worldstate.ChronicleEntry{ID: "c1", Type: "founding", Town: "ashford",
				At: "2026-01-01T10:00:00.000Z", Message: "Ashford founded."},
			worldstate.ChronicleEntry{ID: "c2", Type: "mission_accepted", Town: "ashford",
				At: "2026-01-02T10:00:00.000Z", Message: "A mission begins."},
			worldstate.ChronicleEntry{ID: "c3", Type: "edict", Faction: worldstate.FactionIronPact,
				At: "2026-01-03T10:00:00.000Z", Message: "The pact speaks."},
			worldstate.ChronicleEntry{ID: "c4", Type: "founding", Town: "briarwell",
				At: "2026-01-04T10:00:00.000Z", Message: "Briarwell stirs."},
		)
		return nil, nil
	}, memstore.TxOptions{})
	require.NoError(t, err)
}

func recordHistory(t *testing.T, store execution.Store, seed byte, town, status, code, kind string) *worldstate.ExecutionReceipt {
	t.Helper()
	r := &worldstate.ExecutionReceipt{
		Type:           execution.ResultType,
		SchemaVersion:  execution.ResultSchemaVersion,
		HandoffID:      "handoff_" + strings.Repeat(string(seed), 64),
		ProposalID:     "proposal_" + strings.Repeat(string(seed), 64),
		IdempotencyKey: "proposal_" + strings.Repeat(string(seed), 64),
		SnapshotHash:   strings.Repeat("c", 64),
		DecisionEpoch:  2,
		ActorID:        "agent_mara",
		TownID:         town,
		ProposalType:   execution.ProposalTownsfolkTalk,
		Command:        "propose",
		Status:         status,
		ReasonCode:     code,
	}
	require.NoError(t, execution.Finalize(r))
	require.NoError(t, store.RecordResult(context.Background(), r, kind,
		execution.RecordOptions{PersistReceipt: true}))
	return r
}

func TestBuildContext_UnscopedDefaults(t *testing.T) {
	svc, snaps, _ := newTestService(t)
	seedChronicle(t, snaps)

	out, err := svc.BuildContext(context.Background(), worldmemory.Request{})
	require.NoError(t, err)

	assert.Equal(t, worldmemory.ContextType, out.Type)
	assert.Equal(t, worldmemory.SchemaVersion, out.SchemaVersion)
	assert.Equal(t, worldmemory.DefaultLimit, out.Scope.ChronicleLimit)
	assert.Equal(t, worldmemory.DefaultLimit, out.Scope.HistoryLimit)
	assert.Nil(t, out.TownSummary)
	assert.Nil(t, out.FactionSummary)

	require.Len(t, out.RecentChronicle, 3, "default limit caps the page")
	assert.Equal(t, "chr_c4", out.RecentChronicle[0].RecordID, "newest first")
	assert.NotNil(t, out.RecentHistory)
	assert.Empty(t, out.RecentHistory)
}

func TestBuildContext_TownScope(t *testing.T) {
	svc, snaps, store := newTestService(t)
	seedChronicle(t, snaps)
	recordHistory(t, store, 'a', "ashford", worldstate.StatusExecuted, execution.CodeExecuted, execution.KindExecuted)
	recordHistory(t, store, 'b', "ashford", worldstate.StatusRejected, execution.CodePreconditionFailed, execution.KindRejected)
	recordHistory(t, store, 'c', "briarwell", worldstate.StatusExecuted, execution.CodeExecuted, execution.KindExecuted)

	out, err := svc.BuildContext(context.Background(), worldmemory.Request{TownID: "Ashford"})
	require.NoError(t, err)

	assert.Equal(t, "ashford", out.Scope.TownID, "scope is normalized")
	require.Len(t, out.RecentChronicle, 2)
	assert.Equal(t, "chr_c2", out.RecentChronicle[0].RecordID)
	require.Len(t, out.RecentHistory, 2)

	require.NotNil(t, out.TownSummary)
	assert.Equal(t, "ashford", out.TownSummary.TownID)
	assert.Equal(t, 1, out.TownSummary.StatusCounts.Executed)
	assert.Equal(t, 1, out.TownSummary.StatusCounts.Rejected)
	assert.Equal(t, 0, out.TownSummary.StatusCounts.Stale)
	assert.Equal(t, "2026-01-02T10:00:00.000Z", out.TownSummary.LatestChronicleAt)
	assert.NotEmpty(t, out.TownSummary.LatestHistoryAt)
	assert.Nil(t, out.FactionSummary)
}

func TestBuildContext_FactionScope(t *testing.T) {
	svc, snaps, store := newTestService(t)
	seedChronicle(t, snaps)
	recordHistory(t, store, 'a', "ashford", worldstate.StatusExecuted, execution.CodeExecuted, execution.KindExecuted)
	recordHistory(t, store, 'c', "briarwell", worldstate.StatusExecuted, execution.CodeExecuted, execution.KindExecuted)

	out, err := svc.BuildContext(context.Background(), worldmemory.Request{
		FactionID:      worldstate.FactionIronPact,
		ChronicleLimit: 5,
		HistoryLimit:   5,
	})
	require.NoError(t, err)

	// Iron pact holds ashford: its tagged edict plus ashford entries.
	require.Len(t, out.RecentChronicle, 3)
	assert.Equal(t, "chr_c3", out.RecentChronicle[0].RecordID)
	require.Len(t, out.RecentHistory, 1)
	assert.Equal(t, "ashford", out.RecentHistory[0].TownID)

	require.NotNil(t, out.FactionSummary)
	assert.Equal(t, []string{"ashford"}, out.FactionSummary.LinkedTowns)
	assert.Equal(t, 1, out.FactionSummary.StatusCounts.Executed)
	assert.Equal(t, "2026-01-03T10:00:00.000Z", out.FactionSummary.LatestChronicleAt)
}

func TestBuildContext_ClampsLimits(t *testing.T) {
	svc, snaps, _ := newTestService(t)
	seedChronicle(t, snaps)

	out, err := svc.BuildContext(context.Background(), worldmemory.Request{
		ChronicleLimit: 99,
		HistoryLimit:   -2,
	})
	require.NoError(t, err)
	assert.Equal(t, worldmemory.MaxLimit, out.Scope.ChronicleLimit)
	assert.Equal(t, worldmemory.DefaultLimit, out.Scope.HistoryLimit)
	assert.Len(t, out.RecentChronicle, 4, "all four entries fit under the max limit")
}

func TestHandleRequest_WireEnvelope(t *testing.T) {
	svc, snaps, _ := newTestService(t)
	seedChronicle(t, snaps)

	out, err := svc.HandleRequest(context.Background(), []byte(
		`{"type":"world-memory-request.v1","schemaVersion":1,"scope":{"townId":"ashford","factionId":null,"chronicleLimit":2,"historyLimit":1}}`))
	require.NoError(t, err)

	assert.Equal(t, "ashford", out.Scope.TownID)
	assert.Empty(t, out.Scope.FactionID)
	assert.Equal(t, 2, out.Scope.ChronicleLimit)
	assert.Equal(t, 1, out.Scope.HistoryLimit)
	assert.Len(t, out.RecentChronicle, 2)
	require.NotNil(t, out.TownSummary)
}

func TestHandleRequest_RejectsBadEnvelopes(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{"type":`},
		{"wrong type tag", `{"type":"world-memory-request.v2","schemaVersion":1,"scope":{}}`},
		{"wrong schema version", `{"type":"world-memory-request.v1","schemaVersion":2,"scope":{}}`},
		{"missing scope", `{"type":"world-memory-request.v1","schemaVersion":1}`},
		{"limit above range", `{"type":"world-memory-request.v1","schemaVersion":1,"scope":{"chronicleLimit":9}}`},
		{"limit below range", `{"type":"world-memory-request.v1","schemaVersion":1,"scope":{"historyLimit":0}}`},
		{"scope not an object", `{"type":"world-memory-request.v1","schemaVersion":1,"scope":[]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.HandleRequest(ctx, []byte(tc.raw))
			require.Error(t, err)
			assert.True(t, worldmemory.IsRequestError(err), "expected request error, got %v", err)
		})
	}
}
