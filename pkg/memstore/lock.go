package memstore

import (
	"errors"
	"time"

	"github.com/gofrs/flock"

	"github.com/duskhall/worldcore/pkg/faults"
)

// Lock acquisition policy: one immediate try, then up to DefaultLockAttempts
// retries with linear backoff.
const (
	DefaultLockAttempts = 5
	DefaultLockBackoff  = 15 * time.Millisecond
)

// ErrLockTimeout is wrapped fatally when every lock attempt fails.
var ErrLockTimeout = errors.New("snapshot lock timeout")

// acquireLock takes the cross-process advisory lock next to the snapshot
// file. Returns the held lock and how long acquisition waited.
func (st *Store) acquireLock() (*flock.Flock, time.Duration, error) {
	lock := flock.New(st.path + ".lock")
	start := st.clock()

	ok, err := lock.TryLock()
	if err != nil {
		return nil, 0, faults.Fatalf("acquire snapshot lock", err)
	}
	for retry := 1; !ok && retry <= st.lockAttempts; retry++ {
		st.metrics.Counters.LockRetries.Add(1)
		time.Sleep(st.lockBackoff * time.Duration(retry))
		ok, err = lock.TryLock()
		if err != nil {
			return nil, 0, faults.Fatalf("acquire snapshot lock", err)
		}
	}
	if !ok {
		st.metrics.Counters.LockTimeouts.Add(1)
		st.logger.Error("snapshot lock exhausted retries", "path", st.path)
		return nil, 0, faults.Fatalf("acquire snapshot lock", ErrLockTimeout)
	}
	return lock, st.clock().Sub(start), nil
}
