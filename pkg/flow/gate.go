package flow

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Slots is a bounded holder for concurrent dialogue requests.
type Slots struct {
	sem *semaphore.Weighted
}

// NewSlots creates a holder with n slots (minimum 1).
func NewSlots(n int) *Slots {
	if n < 1 {
		n = 1
	}
	return &Slots{sem: semaphore.NewWeighted(int64(n))}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Slots) Acquire(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

// TryAcquire grabs a slot without blocking.
func (s *Slots) TryAcquire() bool {
	return s.sem.TryAcquire(1)
}

// Release returns a slot.
func (s *Slots) Release() {
	s.sem.Release(1)
}

// DialogueGate combines the global slot cap with a per-agent rate limit so a
// single chatty agent cannot monopolize outbound dialogue.
type DialogueGate struct {
	slots *Slots

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewDialogueGate caps concurrent dialogues at slots and per-agent throughput
// at eventsPerMinute (burst equals the per-minute budget).
func NewDialogueGate(slots, eventsPerMinute int) *DialogueGate {
	if eventsPerMinute < 1 {
		eventsPerMinute = 1
	}
	return &DialogueGate{
		slots:    NewSlots(slots),
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(eventsPerMinute) / 60.0),
		burst:    eventsPerMinute,
	}
}

func (g *DialogueGate) limiter(agent string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[agent]
	if !ok {
		l = rate.NewLimiter(g.limit, g.burst)
		g.limiters[agent] = l
	}
	return l
}

// Allow reports whether agent has rate budget left, consuming one token when
// it does. It never blocks.
func (g *DialogueGate) Allow(agent string) bool {
	return g.limiter(agent).Allow()
}

// Acquire takes one rate token and one slot, blocking on the slot until ctx
// is done. The returned release must be called exactly once. A rate denial
// returns ErrRateLimited without touching the slots.
func (g *DialogueGate) Acquire(ctx context.Context, agent string) (func(), error) {
	if !g.Allow(agent) {
		return nil, ErrRateLimited
	}
	if err := g.slots.Acquire(ctx); err != nil {
		return nil, err
	}
	return g.slots.Release, nil
}
