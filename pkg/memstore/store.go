// Package memstore is the transactional core of the world. It owns the
// snapshot file, serializes every mutation through one in-process lane,
// guards cross-process access with an advisory file lock, and enforces
// event-id idempotency. Rename is the commit point; a crash mid-transaction
// leaves the prior snapshot intact.
package memstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/duskhall/worldcore/pkg/faults"
	"github.com/duskhall/worldcore/pkg/telemetry"
	"github.com/duskhall/worldcore/pkg/worldstate"
)

// Crash hook points.
const (
	HookAfterLock    = "after_lock"
	HookBeforeRename = "before_rename"
)

// ErrStoreClosed is returned by Transact after Close.
var ErrStoreClosed = errors.New("memstore: store closed")

// Mutator runs against a working copy of the snapshot. It must be pure CPU;
// the file lock is held while it runs. Returning an error aborts the
// transaction without persisting. A mutator must never call back into
// Transact: the serial lane is occupied while it runs and the nested call
// would wait on it forever.
type Mutator func(s *worldstate.Snapshot) (any, error)

// TxOptions tune a single transaction.
type TxOptions struct {
	// EventID makes the transaction idempotent: a second commit with the
	// same id is skipped.
	EventID string
	// NoPersist skips the write+rename, mutating only the in-process copy.
	NoPersist bool
}

// TxResult is the outcome of one Transact call.
type TxResult struct {
	Skipped bool
	Result  any
}

// Options configure a Store.
type Options struct {
	Path    string
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	// Clock defaults to time.Now; tests pin it.
	Clock func() time.Time
	// CrashHook, when set, fires at the named hook points inside the lock.
	// A non-nil return aborts the transaction before the commit point.
	CrashHook func(point string) error
	// LockAttempts and LockBackoff shape lock acquisition. Defaults: 5
	// attempts, 15ms linear backoff.
	LockAttempts int
	LockBackoff  time.Duration
	// VerifyIntegrity runs the document validator on every working copy
	// before the commit point; a mutation that leaves the document invalid
	// aborts instead of persisting. Debug aid, off by default.
	VerifyIntegrity bool
}

// Store is the single writer of the snapshot file.
type Store struct {
	path            string
	logger          *slog.Logger
	metrics         *telemetry.Metrics
	clock           func() time.Time
	crashHook       func(point string) error
	lockAttempts    int
	lockBackoff     time.Duration
	verifyIntegrity bool

	requests chan *txRequest
	quit     chan struct{}
	done     chan struct{}
	closing  sync.Once

	mu   sync.RWMutex
	snap *worldstate.Snapshot
}

type txRequest struct {
	mutator Mutator
	opts    TxOptions
	reply   chan txReply
}

type txReply struct {
	res TxResult
	err error
}

// New creates a store over path and starts its serial lane.
func New(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("memstore: path is required")
	}
	st := &Store{
		path:            opts.Path,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		clock:           opts.Clock,
		crashHook:       opts.CrashHook,
		lockAttempts:    opts.LockAttempts,
		lockBackoff:     opts.LockBackoff,
		verifyIntegrity: opts.VerifyIntegrity,
		requests:        make(chan *txRequest),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	if st.logger == nil {
		st.logger = slog.Default()
	}
	if st.metrics == nil {
		st.metrics = telemetry.New()
	}
	if st.clock == nil {
		st.clock = time.Now
	}
	if st.lockAttempts <= 0 {
		st.lockAttempts = DefaultLockAttempts
	}
	if st.lockBackoff <= 0 {
		st.lockBackoff = DefaultLockBackoff
	}
	go st.serve()
	return st, nil
}

// serve is the serial lane: exactly one transaction body runs at a time and
// callers are served in arrival order.
func (st *Store) serve() {
	defer close(st.done)
	for {
		select {
		case req := <-st.requests:
			res, err := st.runTransaction(req.mutator, req.opts)
			req.reply <- txReply{res: res, err: err}
		case <-st.quit:
			for {
				select {
				case req := <-st.requests:
					res, err := st.runTransaction(req.mutator, req.opts)
					req.reply <- txReply{res: res, err: err}
				default:
					return
				}
			}
		}
	}
}

// Close drains the lane and stops the worker. Transactions submitted after
// Close fail with ErrStoreClosed.
func (st *Store) Close() error {
	st.closing.Do(func() { close(st.quit) })
	<-st.done
	return nil
}

// Transact enqueues mutator behind the serial lane and waits for its
// outcome. See the package comment for the commit protocol.
func (st *Store) Transact(mutator Mutator, opts TxOptions) (TxResult, error) {
	req := &txRequest{mutator: mutator, opts: opts, reply: make(chan txReply, 1)}
	select {
	case st.requests <- req:
		out := <-req.reply
		return out.res, out.err
	case <-st.quit:
		return TxResult{}, ErrStoreClosed
	}
}

// runTransaction executes one transaction body. Caller is the serial lane.
func (st *Store) runTransaction(mutator Mutator, opts TxOptions) (_ TxResult, err error) {
	start := st.clock()
	timing := telemetry.TxTiming{}

	lock, lockWait, err := st.acquireLock()
	if err != nil {
		return TxResult{}, err
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil && err == nil {
			err = faults.Fatalf("release snapshot lock", uerr)
		}
	}()
	timing.LockWaitMs = float64(lockWait) / float64(time.Millisecond)

	if err := st.fireHook(HookAfterLock); err != nil {
		return TxResult{}, err
	}

	disk := st.readLocked()

	if opts.EventID != "" && disk.HasProcessedEvent(opts.EventID) {
		st.metrics.Counters.DuplicateEvents.Add(1)
		st.logger.Debug("duplicate event skipped", "event_id", opts.EventID)
		st.replaceSnapshot(disk)
		return TxResult{Skipped: true, Result: nil}, nil
	}

	cloneStart := st.clock()
	working, err := disk.Clone()
	if err != nil {
		return TxResult{}, faults.Fatalf("clone snapshot", err)
	}
	timing.CloneMs = millisSince(cloneStart, st.clock)

	result, err := mutator(working)
	if err != nil {
		return TxResult{}, err
	}

	if opts.EventID != "" {
		working.MarkProcessed(opts.EventID)
	}

	if st.verifyIntegrity {
		if rep := worldstate.ValidateIntegrity(working); !rep.OK {
			return TxResult{}, fmt.Errorf("snapshot integrity: %s", strings.Join(rep.Issues, "; "))
		}
	}

	if !opts.NoPersist {
		if err := st.persist(working, &timing); err != nil {
			return TxResult{}, err
		}
	}

	st.replaceSnapshot(working)

	timing.TotalMs = millisSince(start, st.clock)
	st.metrics.ObserveTransaction(timing)
	if timing.TotalMs > telemetry.SlowTxThresholdMs {
		st.logger.Warn("slow transaction",
			"event_id", opts.EventID,
			"total_ms", timing.TotalMs,
			"lock_wait_ms", timing.LockWaitMs,
			"clone_ms", timing.CloneMs,
			"marshal_ms", timing.MarshalMs,
			"write_ms", timing.WriteMs,
			"rename_ms", timing.RenameMs,
		)
	}
	return TxResult{Result: result}, nil
}

// persist serializes the working copy, writes a temp sibling, and renames it
// over the target. The rename is the commit point.
func (st *Store) persist(working *worldstate.Snapshot, timing *telemetry.TxTiming) error {
	marshalStart := st.clock()
	raw, err := json.Marshal(working)
	if err != nil {
		return faults.Fatalf("serialize snapshot", err)
	}
	timing.MarshalMs = millisSince(marshalStart, st.clock)

	tmp := fmt.Sprintf("%s.%d.%d.tmp", st.path, os.Getpid(), st.clock().UnixMilli())
	writeStart := st.clock()
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return faults.Fatalf("write snapshot temp file", err)
	}
	timing.WriteMs = millisSince(writeStart, st.clock)

	if err := st.fireHook(HookBeforeRename); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	renameStart := st.clock()
	if err := os.Rename(tmp, st.path); err != nil {
		_ = os.Remove(tmp)
		return faults.Fatalf("rename snapshot into place", err)
	}
	timing.RenameMs = millisSince(renameStart, st.clock)
	return nil
}

func (st *Store) fireHook(point string) error {
	if st.crashHook == nil {
		return nil
	}
	return st.crashHook(point)
}

// readLocked loads the snapshot from disk. Missing file yields the fresh
// shape; unparseable JSON logs a warning and resets, the only case where
// state is discarded without the caller asking.
func (st *Store) readLocked() *worldstate.Snapshot {
	raw, err := os.ReadFile(st.path)
	if err != nil {
		if !os.IsNotExist(err) {
			st.logger.Warn("snapshot unreadable, using fresh shape", "path", st.path, "error", err)
		}
		return worldstate.FreshShape()
	}
	snap := &worldstate.Snapshot{}
	if err := json.Unmarshal(raw, snap); err != nil {
		st.logger.Warn("snapshot corrupt, resetting to fresh shape", "path", st.path, "error", err)
		return worldstate.FreshShape()
	}
	snap.Normalize()
	return snap
}

func (st *Store) replaceSnapshot(s *worldstate.Snapshot) {
	st.mu.Lock()
	st.snap = s
	st.mu.Unlock()
}

// Load reads the snapshot from disk into the in-process cache and returns a
// deep copy.
func (st *Store) Load() (*worldstate.Snapshot, error) {
	snap := st.readLocked()
	st.replaceSnapshot(snap)
	return snap.Clone()
}

// GetSnapshot returns a deep copy of the current in-process snapshot,
// loading from disk on first use. The copy may be slightly stale relative to
// other processes; decisions must route through Transact.
func (st *Store) GetSnapshot() (*worldstate.Snapshot, error) {
	st.mu.RLock()
	snap := st.snap
	st.mu.RUnlock()
	if snap == nil {
		return st.Load()
	}
	return snap.Clone()
}

// HasProcessedEvent reports whether eventID was committed, per the current
// in-process snapshot.
func (st *Store) HasProcessedEvent(eventID string) (bool, error) {
	st.mu.RLock()
	snap := st.snap
	st.mu.RUnlock()
	if snap == nil {
		loaded, err := st.Load()
		if err != nil {
			return false, err
		}
		return loaded.HasProcessedEvent(eventID), nil
	}
	return snap.HasProcessedEvent(eventID), nil
}

// Save persists the current in-process snapshot through a no-op transaction.
func (st *Store) Save() error {
	st.mu.RLock()
	snap := st.snap
	st.mu.RUnlock()
	if snap == nil {
		// nothing loaded yet, nothing to flush
		return nil
	}
	_, err := st.Transact(func(s *worldstate.Snapshot) (any, error) {
		merged, cerr := snap.Clone()
		if cerr != nil {
			return nil, faults.Fatalf("clone snapshot", cerr)
		}
		*s = *merged
		return nil, nil
	}, TxOptions{})
	return err
}

// Metrics exposes the store's metrics aggregate.
func (st *Store) Metrics() *telemetry.Metrics {
	return st.metrics
}

// Path returns the snapshot file path.
func (st *Store) Path() string {
	return st.path
}

func millisSince(start time.Time, clock func() time.Time) float64 {
	return float64(clock().Sub(start)) / float64(time.Millisecond)
}
