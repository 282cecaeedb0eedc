package memstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskhall/worldcore/pkg/faults"
	"github.com/duskhall/worldcore/pkg/worldstate"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "world.json")
	}
	st, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestTransact_PersistsThroughRename(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.json")
	st := newTestStore(t, Options{Path: path})

	_, err := st.Transact(func(s *worldstate.Snapshot) (any, error) {
		s.World.Player.Legitimacy = 61
		return "done", nil
	}, TxOptions{EventID: "ev-legit"})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	onDisk := &worldstate.Snapshot{}
	require.NoError(t, json.Unmarshal(raw, onDisk))
	assert.Equal(t, 61, onDisk.World.Player.Legitimacy)
	assert.Contains(t, onDisk.ProcessedEventIDs, "ev-legit")

	// no temp siblings left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestTransact_DuplicateEventSkips(t *testing.T) {
	st := newTestStore(t, Options{})

	res, err := st.Transact(func(s *worldstate.Snapshot) (any, error) {
		s.World.Player.Legitimacy = 40
		return nil, nil
	}, TxOptions{EventID: "once"})
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	res, err = st.Transact(func(s *worldstate.Snapshot) (any, error) {
		s.World.Player.Legitimacy = 10
		return "should not run", nil
	}, TxOptions{EventID: "once"})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Nil(t, res.Result)

	snap, err := st.GetSnapshot()
	require.NoError(t, err)
	assert.Equal(t, 40, snap.World.Player.Legitimacy, "duplicate must not mutate")
	assert.Equal(t, int64(1), st.Metrics().Counters.DuplicateEvents.Load())
}

func TestTransact_MutatorErrorAbortsWithoutPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.json")
	st := newTestStore(t, Options{Path: path})

	_, err := st.Transact(func(s *worldstate.Snapshot) (any, error) {
		s.World.Player.Legitimacy = 70
		return nil, nil
	}, TxOptions{})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = st.Transact(func(s *worldstate.Snapshot) (any, error) {
		s.World.Player.Legitimacy = 5
		return nil, boom
	}, TxOptions{EventID: "failing"})
	assert.ErrorIs(t, err, boom)

	snap, err := st.GetSnapshot()
	require.NoError(t, err)
	assert.Equal(t, 70, snap.World.Player.Legitimacy)
	assert.False(t, snap.HasProcessedEvent("failing"))
}

func TestTransact_CrashBeforeRenameLeavesPriorSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.json")
	crash := errors.New("simulated crash")
	var arm bool
	st := newTestStore(t, Options{
		Path: path,
		CrashHook: func(point string) error {
			if arm && point == HookBeforeRename {
				return crash
			}
			return nil
		},
	})

	_, err := st.Transact(func(s *worldstate.Snapshot) (any, error) {
		s.World.Player.Legitimacy = 55
		return nil, nil
	}, TxOptions{})
	require.NoError(t, err)

	arm = true
	_, err = st.Transact(func(s *worldstate.Snapshot) (any, error) {
		s.World.Player.Legitimacy = 99
		return nil, nil
	}, TxOptions{EventID: "crashing"})
	assert.ErrorIs(t, err, crash)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	onDisk := &worldstate.Snapshot{}
	require.NoError(t, json.Unmarshal(raw, onDisk))
	assert.Equal(t, 55, onDisk.World.Player.Legitimacy, "prior commit must survive the crash")
	assert.False(t, onDisk.HasProcessedEvent("crashing"))

	// the failed transaction may not leave its temp file behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}

	// store still works afterwards
	arm = false
	_, err = st.Transact(func(s *worldstate.Snapshot) (any, error) { return nil, nil }, TxOptions{})
	assert.NoError(t, err)
}

func TestTransact_CrashAfterLock(t *testing.T) {
	crash := errors.New("crashed holding the lock")
	fired := false
	st := newTestStore(t, Options{
		CrashHook: func(point string) error {
			if point == HookAfterLock && !fired {
				fired = true
				return crash
			}
			return nil
		},
	})

	_, err := st.Transact(func(s *worldstate.Snapshot) (any, error) { return nil, nil }, TxOptions{})
	assert.ErrorIs(t, err, crash)

	// lock was released, next transaction proceeds
	_, err = st.Transact(func(s *worldstate.Snapshot) (any, error) { return nil, nil }, TxOptions{})
	assert.NoError(t, err)
}

func TestTransact_SerializesBodies(t *testing.T) {
	st := newTestStore(t, Options{})
	var inside, maxInside int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.Transact(func(s *worldstate.Snapshot) (any, error) {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				s.World.Player.Legitimacy = worldstate.Clamp(s.World.Player.Legitimacy+1, 0, 100)
				return nil, nil
			}, TxOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside, "transaction bodies must never overlap")
	snap, err := st.GetSnapshot()
	require.NoError(t, err)
	assert.Equal(t, 66, snap.World.Player.Legitimacy, "all sixteen increments must land")
}

func TestTransact_CorruptFileResetsToFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	st := newTestStore(t, Options{Path: path})

	snap, err := st.GetSnapshot()
	require.NoError(t, err)
	report := worldstate.ValidateIntegrity(snap)
	assert.True(t, report.OK, "fresh shape expected, got issues: %v", report.Issues)
	assert.Equal(t, 50, snap.World.Player.Legitimacy)
}

func TestTransact_LockTimeoutIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.json")
	holder := flock.New(path + ".lock")
	locked, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = holder.Unlock() }()

	st := newTestStore(t, Options{Path: path, LockAttempts: 2, LockBackoff: time.Millisecond})
	_, err = st.Transact(func(s *worldstate.Snapshot) (any, error) { return nil, nil }, TxOptions{})
	require.Error(t, err)
	assert.True(t, faults.IsFatal(err))
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.Equal(t, int64(2), st.Metrics().Counters.LockRetries.Load())
	assert.Equal(t, int64(1), st.Metrics().Counters.LockTimeouts.Load())
}

func TestTransact_LockRetrySucceedsAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.json")
	holder := flock.New(path + ".lock")
	locked, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, locked)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = holder.Unlock()
	}()

	st := newTestStore(t, Options{Path: path, LockAttempts: 5, LockBackoff: 15 * time.Millisecond})
	_, err = st.Transact(func(s *worldstate.Snapshot) (any, error) { return nil, nil }, TxOptions{})
	require.NoError(t, err)
	assert.Greater(t, st.Metrics().Counters.LockRetries.Load(), int64(0))
	assert.Equal(t, int64(0), st.Metrics().Counters.LockTimeouts.Load())
}

func TestTransact_NoPersistSkipsDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.json")
	st := newTestStore(t, Options{Path: path})

	_, err := st.Transact(func(s *worldstate.Snapshot) (any, error) {
		s.World.WarActive = true
		return nil, nil
	}, TxOptions{NoPersist: true})
	require.NoError(t, err)

	snap, err := st.GetSnapshot()
	require.NoError(t, err)
	assert.True(t, snap.World.WarActive)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "no file may be written with NoPersist")

	// Save flushes the cached state
	require.NoError(t, st.Save())
	_, statErr = os.Stat(path)
	assert.NoError(t, statErr)
}

func TestTransact_AfterCloseFails(t *testing.T) {
	st := newTestStore(t, Options{})
	require.NoError(t, st.Close())
	_, err := st.Transact(func(s *worldstate.Snapshot) (any, error) { return nil, nil }, TxOptions{})
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestTransact_IntegrityHoldsAfterCommits(t *testing.T) {
	st := newTestStore(t, Options{})
	for i := 0; i < 5; i++ {
		_, err := st.RememberWorld("the gates held", i%2 == 0, "")
		require.NoError(t, err)
	}
	snap, err := st.GetSnapshot()
	require.NoError(t, err)
	report := worldstate.ValidateIntegrity(snap)
	assert.True(t, report.OK, "issues: %v", report.Issues)
}

func TestTransact_VerifyIntegrityRejectsCorruptingMutation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.json")
	st := newTestStore(t, Options{Path: path, VerifyIntegrity: true})

	_, err := st.Transact(func(s *worldstate.Snapshot) (any, error) {
		s.World.Player.Legitimacy = 500
		return nil, nil
	}, TxOptions{EventID: "ev-corrupt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snapshot integrity")
	assert.Contains(t, err.Error(), "legitimacy out of range")

	// the abort kept both the cache and the disk clean
	snap, err := st.GetSnapshot()
	require.NoError(t, err)
	assert.NotEqual(t, 500, snap.World.Player.Legitimacy)
	ok, err := st.HasProcessedEvent("ev-corrupt")
	require.NoError(t, err)
	assert.False(t, ok)

	// a valid mutation still commits with the verifier on
	_, err = st.Transact(func(s *worldstate.Snapshot) (any, error) {
		s.World.Player.Legitimacy = 61
		return nil, nil
	}, TxOptions{EventID: "ev-fine"})
	require.NoError(t, err)
}
