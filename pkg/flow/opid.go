package flow

import (
	"errors"
	"time"

	"github.com/duskhall/worldcore/pkg/canonical"
)

// ErrRateLimited is returned when a per-agent rate budget is exhausted.
var ErrRateLimited = errors.New("rate limited")

// DefaultOpWindow is the collision window for operation ids.
const DefaultOpWindow = 60 * time.Second

// OperationID derives a 40-hex-char id from the time window index and the
// given parts. Calls with the same parts inside one window produce the same
// id, so retried requests collapse onto the same event ids downstream.
func OperationID(now time.Time, window time.Duration, parts ...string) string {
	if window <= 0 {
		window = DefaultOpWindow
	}
	frame := now.UnixMilli() / window.Milliseconds()
	elems := make([]any, 0, len(parts)+1)
	elems = append(elems, frame)
	for _, p := range parts {
		elems = append(elems, p)
	}
	sum, err := canonical.Hash(elems)
	if err != nil {
		// a slice of ints and strings always canonicalizes
		panic(err)
	}
	return sum[:40]
}
