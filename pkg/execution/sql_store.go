package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/duskhall/worldcore/pkg/memstore"
	"github.com/duskhall/worldcore/pkg/worldstate"

	_ "modernc.org/sqlite"
)

// OpenDB opens the sqlite database at path with the pragmas this store
// expects: WAL journaling, NORMAL synchronous, and immediate transactions so
// writers take the lock at BEGIN instead of at first write.
func OpenDB(path string) (*sql.DB, error) {
	dsn := "file:" + path +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open execution database: %w", err)
	}
	return db, nil
}

// SQLStore persists execution bookkeeping in sqlite tables. It mirrors the
// memory backend's observable behavior; the snapshot store is only consulted
// to resolve faction scopes and to sync chronicle projections.
type SQLStore struct {
	db    *sql.DB
	mem   *memstore.Store
	clock func() time.Time
}

// NewSQLStore migrates the schema and returns the store.
func NewSQLStore(db *sql.DB, mem *memstore.Store, clock func() time.Time) (*SQLStore, error) {
	if clock == nil {
		clock = time.Now
	}
	s := &SQLStore{db: db, mem: mem, clock: clock}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS execution_receipts (
			execution_id TEXT PRIMARY KEY,
			handoff_id TEXT UNIQUE,
			idempotency_key TEXT UNIQUE,
			proposal_id TEXT,
			actor_id TEXT,
			town_id TEXT,
			proposal_type TEXT,
			status TEXT,
			reason_code TEXT,
			payload_json JSON,
			created_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_status_created
			ON execution_receipts(status, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS execution_pending (
			pending_id TEXT PRIMARY KEY,
			handoff_id TEXT UNIQUE,
			idempotency_key TEXT UNIQUE,
			proposal_id TEXT,
			status TEXT,
			payload_json JSON,
			created_at TEXT,
			updated_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_updated
			ON execution_pending(updated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS execution_event_ledger (
			event_id TEXT PRIMARY KEY,
			handoff_id TEXT,
			idempotency_key TEXT,
			execution_id TEXT,
			kind TEXT,
			status TEXT,
			reason_code TEXT,
			payload_json JSON,
			created_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_handoff_created
			ON execution_event_ledger(handoff_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS world_chronicle_records (
			record_id TEXT PRIMARY KEY,
			source_id TEXT UNIQUE,
			entry_type TEXT,
			town_id TEXT,
			faction_id TEXT,
			at TEXT,
			message TEXT,
			payload_json JSON,
			created_at TEXT,
			updated_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chronicle_at
			ON world_chronicle_records(at DESC, record_id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_chronicle_town
			ON world_chronicle_records(town_id, at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_chronicle_faction
			ON world_chronicle_records(faction_id, at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("migrate execution schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) FindReceipt(ctx context.Context, handoffID, idempotencyKey string) (*worldstate.ExecutionReceipt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload_json FROM execution_receipts
		 WHERE handoff_id = ? OR idempotency_key = ? LIMIT 1`,
		handoffID, idempotencyKey)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find receipt: %w", err)
	}
	r := &worldstate.ExecutionReceipt{}
	if err := json.Unmarshal([]byte(payload), r); err != nil {
		return nil, fmt.Errorf("decode receipt payload: %w", err)
	}
	return r, nil
}

func (s *SQLStore) FindPendingExecution(ctx context.Context, handoffID, idempotencyKey string) (*worldstate.PendingExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload_json FROM execution_pending
		 WHERE handoff_id = ? OR idempotency_key = ? LIMIT 1`,
		handoffID, idempotencyKey)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find pending execution: %w", err)
	}
	p := &worldstate.PendingExecution{}
	if err := json.Unmarshal([]byte(payload), p); err != nil {
		return nil, fmt.Errorf("decode pending payload: %w", err)
	}
	return p, nil
}

func (s *SQLStore) ListPendingExecutions(ctx context.Context) ([]worldstate.PendingExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload_json FROM execution_pending
		 ORDER BY created_at ASC, pending_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pending executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []worldstate.PendingExecution
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var p worldstate.PendingExecution
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("decode pending payload: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) StagePendingExecution(ctx context.Context, p worldstate.PendingExecution) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("serialize pending execution: %w", err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO execution_pending
			 (pending_id, handoff_id, idempotency_key, proposal_id, status, payload_json, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.PendingID, p.HandoffID, p.IdempotencyKey, p.ProposalID, p.Status, string(payload), p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("stage pending execution: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) MarkPendingExecutionProgress(ctx context.Context, pendingID string, completed int, lastCommand, at string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT payload_json FROM execution_pending WHERE pending_id = ?`, pendingID)
		var payload string
		if err := row.Scan(&payload); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return fmt.Errorf("load pending execution: %w", err)
		}
		var p worldstate.PendingExecution
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("decode pending payload: %w", err)
		}
		p.CompletedCommandCount = completed
		p.LastAppliedCommand = lastCommand
		p.UpdatedAt = at
		updated, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("serialize pending execution: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE execution_pending SET payload_json = ?, updated_at = ? WHERE pending_id = ?`,
			string(updated), at, pendingID)
		if err != nil {
			return fmt.Errorf("mark pending progress: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) ClearPendingExecution(ctx context.Context, pendingID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM execution_pending WHERE pending_id = ?`, pendingID); err != nil {
			return fmt.Errorf("clear pending execution: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) RecordResult(ctx context.Context, r *worldstate.ExecutionReceipt, kind string, opts RecordOptions) error {
	at := worldstate.NowISO(s.clock())
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("serialize receipt: %w", err)
	}
	entry := ledgerEntry(r, kind, at)
	entryPayload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("serialize ledger entry: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if opts.PersistReceipt {
			_, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO execution_receipts
				 (execution_id, handoff_id, idempotency_key, proposal_id, actor_id, town_id, proposal_type, status, reason_code, payload_json, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.ExecutionID, r.HandoffID, r.IdempotencyKey, r.ProposalID, r.ActorID, r.TownID, r.ProposalType, r.Status, r.ReasonCode, string(payload), at)
			if err != nil {
				return fmt.Errorf("insert receipt: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO execution_event_ledger
			 (event_id, handoff_id, idempotency_key, execution_id, kind, status, reason_code, payload_json, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.HandoffID, entry.IdempotencyKey, entry.ExecutionID, entry.Kind, entry.Status, entry.ReasonCode, string(entryPayload), at)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		if opts.ClearPending {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM execution_pending WHERE handoff_id = ? OR idempotency_key = ?`,
				r.HandoffID, r.IdempotencyKey)
			if err != nil {
				return fmt.Errorf("clear matched pending: %w", err)
			}
		}
		return nil
	})
}

// SyncWorldMemoryFromSnapshot upserts the snapshot's chronicle entries into
// the chronicle projection table. Existing rows keep their created_at.
func (s *SQLStore) SyncWorldMemoryFromSnapshot(ctx context.Context) error {
	snap, err := s.mem.GetSnapshot()
	if err != nil {
		return err
	}
	now := worldstate.NowISO(s.clock())
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range snap.World.Chronicle {
			payload, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("serialize chronicle entry: %w", err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO world_chronicle_records
				 (record_id, source_id, entry_type, town_id, faction_id, at, message, payload_json, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(source_id) DO UPDATE SET
					entry_type = excluded.entry_type,
					town_id = excluded.town_id,
					faction_id = excluded.faction_id,
					at = excluded.at,
					message = excluded.message,
					payload_json = excluded.payload_json,
					updated_at = excluded.updated_at`,
				"chr_"+e.ID, e.ID, e.Type, e.Town, e.Faction, e.At, e.Message, string(payload), now, now)
			if err != nil {
				return fmt.Errorf("sync chronicle record: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLStore) ListChronicleRecords(ctx context.Context, scope Scope, limit int) ([]ChronicleRecord, error) {
	query := `SELECT record_id, source_id, entry_type, town_id, faction_id, at, message
		FROM world_chronicle_records`
	var args []any
	switch {
	case scope.TownID != "":
		query += ` WHERE town_id = ?`
		args = append(args, scope.TownID)
	case scope.FactionID != "":
		linked := s.linkedTowns(scope.FactionID)
		clause, clauseArgs := factionClause("town_id", scope.FactionID, linked)
		query += ` WHERE ` + clause
		args = append(args, clauseArgs...)
	}
	query += ` ORDER BY at DESC, record_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chronicle records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ChronicleRecord
	for rows.Next() {
		var rec ChronicleRecord
		var town, faction sql.NullString
		if err := rows.Scan(&rec.RecordID, &rec.SourceID, &rec.EntryType, &town, &faction, &rec.At, &rec.Message); err != nil {
			return nil, err
		}
		rec.TownID = town.String
		rec.FactionID = faction.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListHistoryRecords(ctx context.Context, scope Scope, limit int) ([]HistoryRecord, error) {
	query := `SELECT l.execution_id, l.handoff_id, l.kind, l.status, l.reason_code, l.created_at,
			COALESCE(r.actor_id, ''), COALESCE(r.town_id, ''), COALESCE(r.proposal_type, '')
		FROM execution_event_ledger l
		LEFT JOIN execution_receipts r ON r.execution_id = l.execution_id`
	var args []any
	switch {
	case scope.TownID != "":
		query += ` WHERE COALESCE(r.town_id, '') = ?`
		args = append(args, scope.TownID)
	case scope.FactionID != "":
		linked := s.linkedTowns(scope.FactionID)
		if len(linked) == 0 {
			return nil, nil
		}
		query += ` WHERE COALESCE(r.town_id, '') IN (` + placeholders(len(linked)) + `)`
		for _, t := range linked {
			args = append(args, t)
		}
	}
	query += ` ORDER BY l.created_at DESC, l.event_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []HistoryRecord
	for rows.Next() {
		var rec HistoryRecord
		if err := rows.Scan(&rec.ExecutionID, &rec.HandoffID, &rec.Kind, &rec.Status, &rec.ReasonCode, &rec.At, &rec.ActorID, &rec.TownID, &rec.ProposalType); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// linkedTowns consults the snapshot for a faction's towns; without a
// snapshot store the scope matches nothing beyond the faction id itself.
func (s *SQLStore) linkedTowns(factionID string) []string {
	if s.mem == nil {
		return nil
	}
	snap, err := s.mem.GetSnapshot()
	if err != nil {
		return nil
	}
	return factionTowns(snap.World, factionID)
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin execution transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit execution transaction: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func factionClause(townColumn, factionID string, linked []string) (string, []any) {
	if len(linked) == 0 {
		return `faction_id = ?`, []any{factionID}
	}
	clause := `(faction_id = ? OR ` + townColumn + ` IN (` + placeholders(len(linked)) + `))`
	args := make([]any, 0, len(linked)+1)
	args = append(args, factionID)
	for _, t := range linked {
		args = append(args, t)
	}
	return clause, args
}
