package execution

import (
	"context"
	"sort"

	"github.com/duskhall/worldcore/pkg/worldstate"
)

// RecordOptions shape one RecordResult call. Zero value persists the receipt
// and clears pending; the duplicate path overrides PersistReceipt.
type RecordOptions struct {
	PersistReceipt bool
	ClearPending   bool
}

// Scope narrows chronicle and history queries. FactionID scopes history to
// the faction's linked towns.
type Scope struct {
	TownID    string
	FactionID string
}

// ChronicleRecord is the store-shaped view of one world chronicle entry.
type ChronicleRecord struct {
	RecordID  string `json:"recordId"`
	SourceID  string `json:"sourceId"`
	EntryType string `json:"entryType"`
	TownID    string `json:"townId,omitempty"`
	FactionID string `json:"factionId,omitempty"`
	At        string `json:"at"`
	Message   string `json:"message"`
}

// HistoryRecord is one row of the receipts-plus-ledger join.
type HistoryRecord struct {
	ExecutionID  string `json:"executionId"`
	HandoffID    string `json:"handoffId"`
	Kind         string `json:"kind"`
	Status       string `json:"status"`
	ReasonCode   string `json:"reasonCode"`
	ActorID      string `json:"actorId,omitempty"`
	TownID       string `json:"townId,omitempty"`
	ProposalType string `json:"proposalType,omitempty"`
	At           string `json:"at"`
}

// Store is the execution bookkeeping behind the adapter. The memory backend
// lives inside the snapshot's execution sub-document; the SQL backend keeps
// the same observable behavior in tables.
type Store interface {
	// FindReceipt returns the terminal receipt matching handoffID or
	// idempotencyKey, or nil.
	FindReceipt(ctx context.Context, handoffID, idempotencyKey string) (*worldstate.ExecutionReceipt, error)
	// FindPendingExecution returns the pending row matching handoffID or
	// idempotencyKey, or nil.
	FindPendingExecution(ctx context.Context, handoffID, idempotencyKey string) (*worldstate.PendingExecution, error)
	// ListPendingExecutions returns pending rows oldest first.
	ListPendingExecutions(ctx context.Context) ([]worldstate.PendingExecution, error)
	// StagePendingExecution inserts or replaces the pending row.
	StagePendingExecution(ctx context.Context, p worldstate.PendingExecution) error
	// MarkPendingExecutionProgress records a completed command step.
	MarkPendingExecutionProgress(ctx context.Context, pendingID string, completed int, lastCommand, at string) error
	// ClearPendingExecution removes the pending row; absent rows are fine.
	ClearPendingExecution(ctx context.Context, pendingID string) error
	// RecordResult appends the ledger row keyed executionId:kind, persists
	// the receipt unless opts say otherwise, and clears matching pending.
	RecordResult(ctx context.Context, r *worldstate.ExecutionReceipt, kind string, opts RecordOptions) error
	// SyncWorldMemoryFromSnapshot refreshes derived chronicle projections.
	SyncWorldMemoryFromSnapshot(ctx context.Context) error
	// ListChronicleRecords returns scoped world history, newest first.
	ListChronicleRecords(ctx context.Context, scope Scope, limit int) ([]ChronicleRecord, error)
	// ListHistoryRecords returns scoped execution history, newest first.
	ListHistoryRecords(ctx context.Context, scope Scope, limit int) ([]HistoryRecord, error)
}

// factionTowns resolves a faction id onto its linked towns.
func factionTowns(w *worldstate.World, factionID string) []string {
	if factionID == "" || w == nil {
		return nil
	}
	return w.FactionTowns(factionID)
}

func containsTown(towns []string, town string) bool {
	for _, t := range towns {
		if t == town {
			return true
		}
	}
	return false
}

func chronicleInScope(rec ChronicleRecord, scope Scope, linked []string) bool {
	if scope.TownID != "" && rec.TownID != scope.TownID {
		return false
	}
	if scope.FactionID != "" {
		if rec.FactionID == scope.FactionID {
			return true
		}
		return containsTown(linked, rec.TownID)
	}
	return true
}

func historyInScope(rec HistoryRecord, scope Scope, linked []string) bool {
	if scope.TownID != "" && rec.TownID != scope.TownID {
		return false
	}
	if scope.FactionID != "" {
		return containsTown(linked, rec.TownID)
	}
	return true
}

// sortChronicle orders newest first with a record-id tie-break so equal
// timestamps stay deterministic.
func sortChronicle(recs []ChronicleRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].At != recs[j].At {
			return recs[i].At > recs[j].At
		}
		return recs[i].RecordID > recs[j].RecordID
	})
}

// sortHistory matches the SQL ordering: created-at DESC, ledger event id
// (executionId:kind) DESC.
func sortHistory(recs []HistoryRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].At != recs[j].At {
			return recs[i].At > recs[j].At
		}
		return recs[i].ExecutionID+":"+recs[i].Kind > recs[j].ExecutionID+":"+recs[j].Kind
	})
}

func capRecords[T any](recs []T, limit int) []T {
	if limit > 0 && len(recs) > limit {
		return recs[:limit]
	}
	return recs
}
