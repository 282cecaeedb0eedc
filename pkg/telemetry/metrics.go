// Package telemetry owns the process-scoped runtime metrics: counters for the
// transactional core and the execution pipeline, fixed-capacity percentile
// rings for transaction latency, and a periodic reporter. The world loop reads
// these to derive backpressure.
package telemetry

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// DefaultRingCapacity is the sample capacity of each percentile ring.
const DefaultRingCapacity = 512

// SlowTxThresholdMs marks a transaction as slow.
const SlowTxThresholdMs = 75.0

// Counters hold the monotonic event counts. All fields are atomics; read them
// through Snapshot.
type Counters struct {
	Transactions     atomic.Int64
	DuplicateEvents  atomic.Int64
	LockRetries      atomic.Int64
	LockTimeouts     atomic.Int64
	SlowTransactions atomic.Int64
	TurnsApplied     atomic.Int64
	HandoffsExecuted atomic.Int64
	HandoffsRejected atomic.Int64
	HandoffsStale    atomic.Int64
	HandoffsDupe     atomic.Int64
	HandoffsFailed   atomic.Int64
	IntentsScheduled atomic.Int64
	CrierBroadcasts  atomic.Int64
}

// CounterSnapshot is a value copy of Counters at one instant.
type CounterSnapshot struct {
	Transactions     int64 `json:"transactions"`
	DuplicateEvents  int64 `json:"duplicate_events"`
	LockRetries      int64 `json:"lock_retries"`
	LockTimeouts     int64 `json:"lock_timeouts"`
	SlowTransactions int64 `json:"slow_transactions"`
	TurnsApplied     int64 `json:"turns_applied"`
	HandoffsExecuted int64 `json:"handoffs_executed"`
	HandoffsRejected int64 `json:"handoffs_rejected"`
	HandoffsStale    int64 `json:"handoffs_stale"`
	HandoffsDupe     int64 `json:"handoffs_duplicate"`
	HandoffsFailed   int64 `json:"handoffs_failed"`
	IntentsScheduled int64 `json:"intents_scheduled"`
	CrierBroadcasts  int64 `json:"crier_broadcasts"`
}

func (c *Counters) snapshot() CounterSnapshot {
	return CounterSnapshot{
		Transactions:     c.Transactions.Load(),
		DuplicateEvents:  c.DuplicateEvents.Load(),
		LockRetries:      c.LockRetries.Load(),
		LockTimeouts:     c.LockTimeouts.Load(),
		SlowTransactions: c.SlowTransactions.Load(),
		TurnsApplied:     c.TurnsApplied.Load(),
		HandoffsExecuted: c.HandoffsExecuted.Load(),
		HandoffsRejected: c.HandoffsRejected.Load(),
		HandoffsStale:    c.HandoffsStale.Load(),
		HandoffsDupe:     c.HandoffsDupe.Load(),
		HandoffsFailed:   c.HandoffsFailed.Load(),
		IntentsScheduled: c.IntentsScheduled.Load(),
		CrierBroadcasts:  c.CrierBroadcasts.Load(),
	}
}

// PercentileRing is a fixed-capacity sample ring. Once full, the oldest sample
// is overwritten; percentiles are computed over whatever is resident.
type PercentileRing struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

// NewPercentileRing creates a ring with the given capacity (DefaultRingCapacity
// when cap <= 0).
func NewPercentileRing(capacity int) *PercentileRing {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &PercentileRing{samples: make([]float64, capacity)}
}

// Observe records one sample. NaN and infinities are ignored.
func (r *PercentileRing) Observe(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = v
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
}

// Len returns the number of resident samples.
func (r *PercentileRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lenLocked()
}

func (r *PercentileRing) lenLocked() int {
	if r.full {
		return len(r.samples)
	}
	return r.next
}

// Percentile computes the nearest-rank percentile (p in [0,100]) over a sorted
// copy of the resident samples. Returns 0 when empty.
func (r *PercentileRing) Percentile(p float64) float64 {
	r.mu.Lock()
	n := r.lenLocked()
	if n == 0 {
		r.mu.Unlock()
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, r.samples[:n])
	r.mu.Unlock()

	sort.Float64s(sorted)
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[n-1]
	}
	rank := int(math.Ceil(p / 100 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// Average returns the arithmetic mean of the resident samples, 0 when empty.
func (r *PercentileRing) Average() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.lenLocked()
	if n == 0 {
		return 0
	}
	var sum float64
	for _, v := range r.samples[:n] {
		sum += v
	}
	return sum / float64(n)
}

// TxTiming carries the per-phase durations of one transaction, in
// milliseconds.
type TxTiming struct {
	LockWaitMs float64
	CloneMs    float64
	MarshalMs  float64
	WriteMs    float64
	RenameMs   float64
	TotalMs    float64
}

// TxStats is the derived latency view the world loop polls.
type TxStats struct {
	Count int64   `json:"count"`
	AvgMs float64 `json:"avg_ms"`
	P99Ms float64 `json:"p99_ms"`
}

// Snapshot is one coherent read of everything the reporter emits.
type Snapshot struct {
	Counters CounterSnapshot `json:"counters"`
	Tx       TxStats         `json:"tx"`
	LockWait TxStats         `json:"lock_wait"`
}

// Metrics aggregates counters and latency rings for one process.
type Metrics struct {
	Counters Counters

	txTotal  *PercentileRing
	lockWait *PercentileRing
}

// New creates a Metrics aggregate with default ring capacities.
func New() *Metrics {
	return &Metrics{
		txTotal:  NewPercentileRing(DefaultRingCapacity),
		lockWait: NewPercentileRing(DefaultRingCapacity),
	}
}

// ObserveTransaction records one committed (or skipped) transaction.
func (m *Metrics) ObserveTransaction(t TxTiming) {
	m.Counters.Transactions.Add(1)
	m.txTotal.Observe(t.TotalMs)
	m.lockWait.Observe(t.LockWaitMs)
	if t.TotalMs > SlowTxThresholdMs {
		m.Counters.SlowTransactions.Add(1)
	}
}

// TxStats returns the current latency view of transaction totals.
func (m *Metrics) TxStats() TxStats {
	return TxStats{
		Count: m.Counters.Transactions.Load(),
		AvgMs: m.txTotal.Average(),
		P99Ms: m.txTotal.Percentile(99),
	}
}

// LockWaitStats returns the current latency view of lock acquisition waits.
func (m *Metrics) LockWaitStats() TxStats {
	return TxStats{
		Count: m.Counters.Transactions.Load(),
		AvgMs: m.lockWait.Average(),
		P99Ms: m.lockWait.Percentile(99),
	}
}

// Snapshot returns a coherent copy of counters and latency stats.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Counters: m.Counters.snapshot(),
		Tx:       m.TxStats(),
		LockWait: m.LockWaitStats(),
	}
}
