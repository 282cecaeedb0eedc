package worldloop

import (
	"fmt"

	"github.com/duskhall/worldcore/pkg/telemetry"
)

// Backpressure thresholds, milliseconds unless noted.
const (
	backpressureRetrySpike = 3
	backpressureP99HighMs  = 250
	backpressureAvgHighMs  = 120
	backpressureRiseRatio  = 1.3
	backpressureP99FloorMs = 100
	backpressureAvgFloorMs = 80
)

// txObservation is one tick's view of transactional health.
type txObservation struct {
	tx           telemetry.TxStats
	lockRetries  int64
	lockTimeouts int64
}

func observe(m *telemetry.Metrics) txObservation {
	snap := m.Snapshot()
	return txObservation{
		tx:           snap.Tx,
		lockRetries:  snap.Counters.LockRetries,
		lockTimeouts: snap.Counters.LockTimeouts,
	}
}

// evaluateBackpressure compares the current observation against the previous
// tick's and reports whether the loop must sit this tick out, plus the
// operator-facing reason.
func evaluateBackpressure(prev, cur txObservation) (bool, string) {
	if cur.lockTimeouts > 0 {
		return true, "lock_timeouts_detected"
	}
	if d := cur.lockRetries - prev.lockRetries; d >= backpressureRetrySpike {
		return true, fmt.Sprintf("lock_retry_spike:%d", d)
	}
	if cur.tx.P99Ms > backpressureP99HighMs {
		return true, fmt.Sprintf("high_p99_tx:%.2f", cur.tx.P99Ms)
	}
	if cur.tx.AvgMs > backpressureAvgHighMs {
		return true, fmt.Sprintf("high_avg_tx:%.2f", cur.tx.AvgMs)
	}
	if prev.tx.P99Ms > 0 && cur.tx.P99Ms > backpressureRiseRatio*prev.tx.P99Ms && cur.tx.P99Ms > backpressureP99FloorMs {
		return true, "rising_p99_tx"
	}
	if prev.tx.AvgMs > 0 && cur.tx.AvgMs > backpressureRiseRatio*prev.tx.AvgMs && cur.tx.AvgMs > backpressureAvgFloorMs {
		return true, "rising_avg_tx"
	}
	return false, ""
}
