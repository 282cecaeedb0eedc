package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultReportInterval is how often the reporter emits a metrics line.
const DefaultReportInterval = 30 * time.Second

// Reporter periodically logs a Snapshot of a Metrics aggregate. It is
// explicitly started and stopped; a zero-interval reporter uses
// DefaultReportInterval.
type Reporter struct {
	metrics  *Metrics
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReporter creates a reporter over metrics. logger must not be nil.
func NewReporter(metrics *Metrics, logger *slog.Logger, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	return &Reporter{metrics: metrics, logger: logger, interval: interval}
}

// Start launches the reporting goroutine. Calling Start on a running reporter
// is a no-op.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx)
}

// Stop halts the reporting goroutine and waits for it to exit.
func (r *Reporter) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reporter) run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.emit()
		}
	}
}

func (r *Reporter) emit() {
	snap := r.metrics.Snapshot()
	r.logger.Info("runtime metrics",
		"transactions", snap.Counters.Transactions,
		"duplicate_events", snap.Counters.DuplicateEvents,
		"lock_retries", snap.Counters.LockRetries,
		"lock_timeouts", snap.Counters.LockTimeouts,
		"slow_transactions", snap.Counters.SlowTransactions,
		"turns_applied", snap.Counters.TurnsApplied,
		"handoffs_executed", snap.Counters.HandoffsExecuted,
		"handoffs_rejected", snap.Counters.HandoffsRejected,
		"handoffs_stale", snap.Counters.HandoffsStale,
		"handoffs_duplicate", snap.Counters.HandoffsDupe,
		"handoffs_failed", snap.Counters.HandoffsFailed,
		"intents_scheduled", snap.Counters.IntentsScheduled,
		"crier_broadcasts", snap.Counters.CrierBroadcasts,
		"tx_avg_ms", snap.Tx.AvgMs,
		"tx_p99_ms", snap.Tx.P99Ms,
		"lock_wait_avg_ms", snap.LockWait.AvgMs,
		"lock_wait_p99_ms", snap.LockWait.P99Ms,
	)
}
