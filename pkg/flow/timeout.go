package flow

import (
	"context"
	"time"

	"github.com/duskhall/worldcore/pkg/faults"
)

// WithTimeout runs fn and races it against d. When the timer wins, the
// returned error is a faults.TimeoutError carrying label; fn keeps running in
// the background and its eventual result is discarded. Callers categorize
// timeouts by label, so keep labels stable.
func WithTimeout(ctx context.Context, d time.Duration, label string, fn func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- fn(ctx)
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case err := <-errc:
		return err
	case <-timer.C:
		return &faults.TimeoutError{Label: label}
	case <-ctx.Done():
		return ctx.Err()
	}
}
