package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/duskhall/worldcore/pkg/memstore"
	"github.com/duskhall/worldcore/pkg/worldstate"
)

// MemoryStore keeps execution bookkeeping inside the snapshot's execution
// sub-document. Every mutation rides the memory store's transaction lane, so
// receipts commit atomically with the rest of the world file.
type MemoryStore struct {
	mem   *memstore.Store
	clock func() time.Time
}

// NewMemoryStore wraps the snapshot store.
func NewMemoryStore(mem *memstore.Store, clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{mem: mem, clock: clock}
}

func (s *MemoryStore) FindReceipt(_ context.Context, handoffID, idempotencyKey string) (*worldstate.ExecutionReceipt, error) {
	snap, err := s.mem.GetSnapshot()
	if err != nil {
		return nil, err
	}
	for i := range snap.Execution.History {
		r := snap.Execution.History[i]
		if r.HandoffID == handoffID || r.IdempotencyKey == idempotencyKey {
			return &r, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) FindPendingExecution(_ context.Context, handoffID, idempotencyKey string) (*worldstate.PendingExecution, error) {
	snap, err := s.mem.GetSnapshot()
	if err != nil {
		return nil, err
	}
	for i := range snap.Execution.Pending {
		p := snap.Execution.Pending[i]
		if p.HandoffID == handoffID || p.IdempotencyKey == idempotencyKey {
			return &p, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListPendingExecutions(_ context.Context) ([]worldstate.PendingExecution, error) {
	snap, err := s.mem.GetSnapshot()
	if err != nil {
		return nil, err
	}
	return append([]worldstate.PendingExecution(nil), snap.Execution.Pending...), nil
}

func (s *MemoryStore) StagePendingExecution(_ context.Context, p worldstate.PendingExecution) error {
	eventID := fmt.Sprintf("execstore:stage:%s:%s", p.HandoffID, p.CreatedAt)
	_, err := s.mem.Transact(func(snap *worldstate.Snapshot) (any, error) {
		ex := snap.Execution
		for i := range ex.Pending {
			if ex.Pending[i].PendingID == p.PendingID || ex.Pending[i].HandoffID == p.HandoffID || ex.Pending[i].IdempotencyKey == p.IdempotencyKey {
				ex.Pending[i] = p
				return nil, nil
			}
		}
		ex.Pending = worldstate.AppendRing(ex.Pending, worldstate.PendingCap, p)
		return nil, nil
	}, memstore.TxOptions{EventID: eventID})
	return err
}

func (s *MemoryStore) MarkPendingExecutionProgress(_ context.Context, pendingID string, completed int, lastCommand, at string) error {
	eventID := fmt.Sprintf("execstore:progress:%s:%d", pendingID, completed)
	_, err := s.mem.Transact(func(snap *worldstate.Snapshot) (any, error) {
		for i := range snap.Execution.Pending {
			p := &snap.Execution.Pending[i]
			if p.PendingID == pendingID {
				p.CompletedCommandCount = completed
				p.LastAppliedCommand = lastCommand
				p.UpdatedAt = at
				return nil, nil
			}
		}
		return nil, nil
	}, memstore.TxOptions{EventID: eventID})
	return err
}

func (s *MemoryStore) ClearPendingExecution(_ context.Context, pendingID string) error {
	eventID := fmt.Sprintf("execstore:clear:%s:%d", pendingID, s.clock().UnixMilli())
	_, err := s.mem.Transact(func(snap *worldstate.Snapshot) (any, error) {
		snap.Execution.Pending = removePending(snap.Execution.Pending, func(p worldstate.PendingExecution) bool {
			return p.PendingID == pendingID
		})
		return nil, nil
	}, memstore.TxOptions{EventID: eventID})
	return err
}

func (s *MemoryStore) RecordResult(_ context.Context, r *worldstate.ExecutionReceipt, kind string, opts RecordOptions) error {
	at := worldstate.NowISO(s.clock())
	eventID := fmt.Sprintf("execstore:record:%s:%s", kind, r.HandoffID)
	_, err := s.mem.Transact(func(snap *worldstate.Snapshot) (any, error) {
		ex := snap.Execution

		if opts.PersistReceipt {
			replaced := false
			for i := range ex.History {
				if ex.History[i].ExecutionID == r.ExecutionID {
					ex.History[i] = *r
					replaced = true
					break
				}
			}
			if !replaced {
				ex.History = worldstate.AppendRing(ex.History, worldstate.HistoryCap, *r)
			}
		}

		entry := ledgerEntry(r, kind, at)
		replaced := false
		for i := range ex.EventLedger {
			if ex.EventLedger[i].ID == entry.ID {
				ex.EventLedger[i] = entry
				replaced = true
				break
			}
		}
		if !replaced {
			ex.EventLedger = worldstate.AppendRing(ex.EventLedger, worldstate.EventLedgerCap, entry)
		}

		if opts.ClearPending {
			ex.Pending = removePending(ex.Pending, func(p worldstate.PendingExecution) bool {
				return p.HandoffID == r.HandoffID || p.IdempotencyKey == r.IdempotencyKey
			})
		}
		return nil, nil
	}, memstore.TxOptions{EventID: eventID})
	return err
}

// SyncWorldMemoryFromSnapshot is a no-op here: chronicle projections read
// straight from the live snapshot.
func (s *MemoryStore) SyncWorldMemoryFromSnapshot(context.Context) error { return nil }

func (s *MemoryStore) ListChronicleRecords(_ context.Context, scope Scope, limit int) ([]ChronicleRecord, error) {
	snap, err := s.mem.GetSnapshot()
	if err != nil {
		return nil, err
	}
	linked := factionTowns(snap.World, scope.FactionID)
	recs := make([]ChronicleRecord, 0, len(snap.World.Chronicle))
	for _, e := range snap.World.Chronicle {
		rec := ChronicleRecord{
			RecordID:  "chr_" + e.ID,
			SourceID:  e.ID,
			EntryType: e.Type,
			TownID:    e.Town,
			FactionID: e.Faction,
			At:        e.At,
			Message:   e.Message,
		}
		if chronicleInScope(rec, scope, linked) {
			recs = append(recs, rec)
		}
	}
	sortChronicle(recs)
	return capRecords(recs, limit), nil
}

func (s *MemoryStore) ListHistoryRecords(_ context.Context, scope Scope, limit int) ([]HistoryRecord, error) {
	snap, err := s.mem.GetSnapshot()
	if err != nil {
		return nil, err
	}
	linked := factionTowns(snap.World, scope.FactionID)

	byExecution := make(map[string]*worldstate.ExecutionReceipt, len(snap.Execution.History))
	for i := range snap.Execution.History {
		r := &snap.Execution.History[i]
		byExecution[r.ExecutionID] = r
	}

	recs := make([]HistoryRecord, 0, len(snap.Execution.EventLedger))
	for _, e := range snap.Execution.EventLedger {
		rec := HistoryRecord{
			ExecutionID: e.ExecutionID,
			HandoffID:   e.HandoffID,
			Kind:        e.Kind,
			Status:      e.Status,
			ReasonCode:  e.ReasonCode,
			At:          e.At,
		}
		if r, ok := byExecution[e.ExecutionID]; ok {
			rec.ActorID = r.ActorID
			rec.TownID = r.TownID
			rec.ProposalType = r.ProposalType
		}
		if historyInScope(rec, scope, linked) {
			recs = append(recs, rec)
		}
	}
	sortHistory(recs)
	return capRecords(recs, limit), nil
}

func ledgerEntry(r *worldstate.ExecutionReceipt, kind, at string) worldstate.ExecutionLedgerEntry {
	return worldstate.ExecutionLedgerEntry{
		ID:                        r.ExecutionID + ":" + kind,
		Kind:                      kind,
		HandoffID:                 r.HandoffID,
		IdempotencyKey:            r.IdempotencyKey,
		ExecutionID:               r.ExecutionID,
		Status:                    r.Status,
		ReasonCode:                r.ReasonCode,
		Day:                       r.WorldState.PostExecutionDecisionEpoch / 2,
		At:                        at,
		ActualSnapshotHash:        r.Evaluation.StaleCheck.ActualSnapshotHash,
		PostExecutionSnapshotHash: r.WorldState.PostExecutionSnapshotHash,
	}
}

func removePending(pending []worldstate.PendingExecution, match func(worldstate.PendingExecution) bool) []worldstate.PendingExecution {
	out := pending[:0]
	for _, p := range pending {
		if !match(p) {
			out = append(out, p)
		}
	}
	return out
}
