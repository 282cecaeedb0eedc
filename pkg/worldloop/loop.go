// Package worldloop drives the ambient simulation: a tick scheduler that
// plans one intent per online agent, commits it through the memory store, and
// fires runtime side effects only after the commit lands. Planning is
// deterministic per tick number, budget-capped per agent per minute, and sits
// ticks out when transaction telemetry shows pressure.
package worldloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/duskhall/worldcore/pkg/canonical"
	"github.com/duskhall/worldcore/pkg/flow"
	"github.com/duskhall/worldcore/pkg/memstore"
	"github.com/duskhall/worldcore/pkg/telemetry"
	"github.com/duskhall/worldcore/pkg/worldstate"
)

// Loop tuning defaults.
const (
	DefaultTickMs                  = 2000
	MinTickMs                      = 100
	DefaultMaxEventsPerTick        = 6
	DefaultMaxEventsPerAgentPerMin = 10
	DefaultCrierIntervalMs         = 10000
	DefaultCrierMaxPerTick         = 2
	DefaultCrierRecentWindow       = 10
	DefaultCrierDedupeWindow       = 50
)

// repetitionLimit is the consecutive identical plan that gets rewritten.
const repetitionLimit = 10

// Intents the planner can schedule.
const (
	IntentIdle    = "idle"
	IntentWander  = "wander"
	IntentFollow  = "follow"
	IntentRespond = "respond"
)

// Plan sources, in planner priority order. Job plans carry "job:<role>".
const (
	SourceFrozen            = "frozen"
	SourceManualOverride    = "manual_override"
	SourcePendingChat       = "pending_chat"
	SourceBudgetGuard       = "budget_guard"
	SourceHashPick          = "hash_pick"
	SourceRepetitionBreaker = "repetition_breaker"
)

// ReasonBudgetExceeded is the refusal reason for an over-budget commit.
const ReasonBudgetExceeded = "agent_budget_exceeded"

// protectedSources are never rewritten by the repetition breaker.
var protectedSources = map[string]bool{
	SourceFrozen:         true,
	SourceManualOverride: true,
	SourcePendingChat:    true,
	SourceBudgetGuard:    true,
}

// Side-effect tables indexed by the deterministic pick.
var (
	wanderDirections = []string{"north", "east", "south", "west"}
	respondLines     = []string{"Standing by.", "Holding this position.", "Copy that."}
)

// Config tunes the loop. Zero values take the defaults above.
type Config struct {
	TickMs                  int  `yaml:"tick_ms"`
	MaxEventsPerTick        int  `yaml:"max_events_per_tick"`
	MaxEventsPerAgentPerMin int  `yaml:"max_events_per_agent_per_min"`
	CrierEnabled            bool `yaml:"town_crier_enabled"`
	CrierIntervalMs         int  `yaml:"town_crier_interval_ms"`
	CrierMaxPerTick         int  `yaml:"town_crier_max_per_tick"`
	CrierRecentWindow       int  `yaml:"town_crier_recent_window"`
	CrierDedupeWindow       int  `yaml:"town_crier_dedupe_window"`
}

func (c Config) withDefaults() Config {
	if c.TickMs == 0 {
		c.TickMs = DefaultTickMs
	}
	if c.TickMs < MinTickMs {
		c.TickMs = MinTickMs
	}
	if c.MaxEventsPerTick <= 0 {
		c.MaxEventsPerTick = DefaultMaxEventsPerTick
	}
	if c.MaxEventsPerAgentPerMin <= 0 {
		c.MaxEventsPerAgentPerMin = DefaultMaxEventsPerAgentPerMin
	}
	if c.CrierIntervalMs < 1 {
		c.CrierIntervalMs = DefaultCrierIntervalMs
	}
	if c.CrierMaxPerTick <= 0 {
		c.CrierMaxPerTick = DefaultCrierMaxPerTick
	}
	if c.CrierRecentWindow <= 0 {
		c.CrierRecentWindow = DefaultCrierRecentWindow
	}
	if c.CrierDedupeWindow <= 0 {
		c.CrierDedupeWindow = DefaultCrierDedupeWindow
	}
	return c
}

// Runtime is the host environment the loop schedules against: who is online,
// who has unread chat, and the sinks the committed intents act through.
// Implementations must tolerate calls from the loop goroutine.
type Runtime interface {
	// OnlineAgents lists the agents eligible for planning this tick.
	OnlineAgents() []string
	// HasPendingChat reports whether the agent has an unhandled message.
	HasPendingChat(agent string) bool
	// Leader names the agent follow intents fall back to. Empty when no one
	// leads.
	Leader() string

	OnWander(agent, direction string)
	OnFollow(agent, target string)
	OnRespond(agent, line string)
	OnNews(line string)
}

// NopRuntime is a Runtime with no agents and no side effects.
type NopRuntime struct{}

func (NopRuntime) OnlineAgents() []string     { return nil }
func (NopRuntime) HasPendingChat(string) bool { return false }
func (NopRuntime) Leader() string             { return "" }
func (NopRuntime) OnWander(string, string)    {}
func (NopRuntime) OnFollow(string, string)    {}
func (NopRuntime) OnRespond(string, string)   {}
func (NopRuntime) OnNews(string)              {}

// PlannedIntent is one agent's outcome within a tick.
type PlannedIntent struct {
	Agent   string `json:"agent"`
	Intent  string `json:"intent"`
	Target  string `json:"target,omitempty"`
	Source  string `json:"source"`
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
	EventID string `json:"event_id"`
}

// TickReport summarizes one tick.
type TickReport struct {
	Tick         int64           `json:"tick"`
	At           string          `json:"at"`
	Backpressure bool            `json:"backpressure"`
	Reason       string          `json:"reason,omitempty"`
	Planned      []PlannedIntent `json:"planned"`
	Scheduled    int             `json:"scheduled"`
	News         []string        `json:"news,omitempty"`
}

// Status is the loop's externally visible state.
type Status struct {
	Running      bool   `json:"running"`
	Tick         int64  `json:"tick"`
	Backpressure bool   `json:"backpressure"`
	Reason       string `json:"reason,omitempty"`
	LastTickAt   string `json:"last_tick_at,omitempty"`
}

// Options wire a Loop.
type Options struct {
	Config  Config
	Store   *memstore.Store
	Runtime Runtime
	Budgets BudgetStore
	// Metrics defaults to the store's instance so backpressure sees the
	// same transaction timings the store records.
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Loop is the tick scheduler. One instance drives one snapshot; hosts either
// Start it or call RunTickOnce themselves, not both.
type Loop struct {
	cfg     Config
	store   *memstore.Store
	runtime Runtime
	budgets BudgetStore
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu           sync.Mutex
	running      bool
	stopCh       chan struct{}
	tick         int64
	lastTickAt   string
	backpressure bool
	bpReason     string
	prevObs      txObservation
	repeats      map[string]repeatState
	lastCrierAt  time.Time
	crierSeen    []string
}

type repeatState struct {
	intent string
	target string
	count  int
}

// plan is the planner's pre-commit decision for one agent.
type plan struct {
	intent string
	target string
	source string
}

// New wires a Loop. Store is required; everything else has defaults.
func New(opts Options) (*Loop, error) {
	if opts.Store == nil {
		return nil, errors.New("worldloop: store is required")
	}
	l := &Loop{
		cfg:     opts.Config.withDefaults(),
		store:   opts.Store,
		runtime: opts.Runtime,
		budgets: opts.Budgets,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		stopCh:  make(chan struct{}),
		repeats: make(map[string]repeatState),
	}
	if l.runtime == nil {
		l.runtime = NopRuntime{}
	}
	if l.budgets == nil {
		l.budgets = NewMemoryBudgetStore()
	}
	if l.metrics == nil {
		l.metrics = opts.Store.Metrics()
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l, nil
}

// TickTime is the deterministic timestamp of a tick: the simulation epoch
// plus tick * tickMs. Intent timestamps and event ids derive from it, so
// replaying the same tick numbers reproduces the same ids regardless of wall
// time.
func TickTime(tickMs int, tick int64) time.Time {
	return worldstate.SimEpoch.Add(time.Duration(tick) * time.Duration(tickMs) * time.Millisecond)
}

// Start launches the wall-clock ticker. The first tick runs immediately.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return errors.New("worldloop: already running")
	}
	l.running = true
	l.mu.Unlock()

	go l.run(ctx)
	return nil
}

// Stop halts the ticker. The loop cannot be restarted.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	close(l.stopCh)
	l.running = false
}

func (l *Loop) run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(l.cfg.TickMs) * time.Millisecond)
	defer ticker.Stop()

	l.tickOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.tickOnce(ctx)
		}
	}
}

func (l *Loop) tickOnce(ctx context.Context) {
	if _, err := l.RunTickOnce(ctx); err != nil {
		l.logger.Error("world loop tick failed", "err", err)
	}
}

// Status reports the loop's current state.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		Running:      l.running,
		Tick:         l.tick,
		Backpressure: l.backpressure,
		Reason:       l.bpReason,
		LastTickAt:   l.lastTickAt,
	}
}

// RunTickOnce advances the tick counter and runs one full tick: backpressure
// gate, planning, commits, side effects, town crier. Exposed for hosts that
// drive ticks themselves.
func (l *Loop) RunTickOnce(ctx context.Context) (TickReport, error) {
	l.mu.Lock()
	l.tick++
	tick := l.tick
	prev := l.prevObs
	cur := observe(l.metrics)
	l.prevObs = cur
	l.mu.Unlock()

	tickAt := TickTime(l.cfg.TickMs, tick)
	report := TickReport{Tick: tick, At: worldstate.NowISO(tickAt), Planned: []PlannedIntent{}}

	active, reason := evaluateBackpressure(prev, cur)
	l.mu.Lock()
	l.backpressure = active
	l.bpReason = reason
	l.lastTickAt = report.At
	l.mu.Unlock()
	if active {
		report.Backpressure = true
		report.Reason = reason
		l.logger.Warn("world loop backpressure, sitting tick out", "tick", tick, "reason", reason)
		return report, nil
	}

	agents := append([]string(nil), l.runtime.OnlineAgents()...)
	sort.Strings(agents)

	for _, agent := range agents {
		if report.Scheduled >= l.cfg.MaxEventsPerTick {
			break
		}
		snap, err := l.store.GetSnapshot()
		if err != nil {
			return report, fmt.Errorf("world loop tick %d: %w", tick, err)
		}
		p := l.planAgent(ctx, snap, agent, tick, tickAt)
		p = l.breakRepetition(agent, p)
		planned := l.commit(ctx, agent, p, tick, tickAt)
		report.Planned = append(report.Planned, planned)
		if planned.Applied {
			report.Scheduled++
		}
	}

	if l.cfg.CrierEnabled {
		report.News = l.runCrier(tickAt)
	}

	l.logger.Debug("world loop tick", "tick", tick, "planned", len(report.Planned), "scheduled", report.Scheduled)
	return report, nil
}

// planAgent walks the priority chain: frozen, manual override, pending chat,
// budget guard, job routine, then the deterministic pick.
func (l *Loop) planAgent(ctx context.Context, snap *worldstate.Snapshot, agent string, tick int64, tickAt time.Time) plan {
	var st *worldstate.IntentState
	var job *worldstate.Job
	if rec, ok := snap.Agents[agent]; ok && rec != nil {
		st = rec.Profile.WorldIntent
		job = rec.Profile.Job
	}

	if st != nil && st.Frozen {
		return plan{intent: IntentIdle, source: SourceFrozen}
	}
	if st != nil && st.ManualOverride && plannableIntent(st.Intent) {
		p := plan{intent: st.Intent, target: st.IntentTarget, source: SourceManualOverride}
		if p.intent == IntentFollow && p.target == "" {
			p.target = l.runtime.Leader()
		}
		return p
	}
	if l.runtime.HasPendingChat(agent) {
		return plan{intent: IntentRespond, source: SourcePendingChat}
	}
	if l.budgetExhausted(ctx, agent, st, tickAt) {
		return plan{intent: IntentIdle, source: SourceBudgetGuard}
	}
	if job != nil {
		if p, ok := jobPlan(snap, job.Role, tick); ok {
			return p
		}
	}
	return l.pickPlan(agent, tick)
}

func plannableIntent(intent string) bool {
	switch intent {
	case IntentIdle, IntentWander, IntentFollow, IntentRespond:
		return true
	}
	return false
}

// budgetExhausted consults both the snapshot counter and the budget store.
// The store may know about commits from other processes; either saying the
// window is spent parks the agent for the tick.
func (l *Loop) budgetExhausted(ctx context.Context, agent string, st *worldstate.IntentState, tickAt time.Time) bool {
	bucket := minuteBucket(tickAt)
	limit := l.cfg.MaxEventsPerAgentPerMin
	if st != nil && st.Budgets.MinuteBucket == bucket && st.Budgets.EventsInMin >= limit {
		return true
	}
	n, err := l.budgets.Count(ctx, agent, bucket)
	if err != nil {
		l.logger.Warn("budget store read failed, relying on snapshot counter", "agent", agent, "err", err)
		return false
	}
	return n >= limit
}

func minuteBucket(t time.Time) int64 { return t.Unix() / 60 }

// jobPlan derives the deterministic role routine. Unknown roles fall through
// to the hash pick.
func jobPlan(snap *worldstate.Snapshot, role string, tick int64) (plan, bool) {
	src := "job:" + role
	switch role {
	case worldstate.RoleScout:
		return plan{intent: IntentWander, source: src}, true
	case worldstate.RoleGuard:
		return plan{intent: IntentIdle, source: src}, true
	case worldstate.RoleBuilder:
		for _, pr := range snap.World.Projects {
			if pr.Stage < pr.Stages {
				return plan{intent: IntentWander, target: "project:" + pr.ID, source: src}, true
			}
		}
		return plan{intent: IntentIdle, source: src}, true
	case worldstate.RoleFarmer:
		if snap.World.Clock.Phase == worldstate.PhaseDay {
			return plan{intent: IntentWander, source: src}, true
		}
		return plan{intent: IntentIdle, source: src}, true
	case worldstate.RoleHauler:
		// Haulers shuttle between the first two markers, alternating by
		// tick parity starting from the first.
		if len(snap.World.Markers) >= 2 {
			m := snap.World.Markers[(tick-1)%2]
			return plan{intent: IntentWander, target: m.ID, source: src}, true
		}
		return plan{intent: IntentIdle, source: src}, true
	}
	return plan{}, false
}

// pickPlan is the fallback: a deterministic pick over the ambient intents,
// with follow on the table only when someone else leads.
func (l *Loop) pickPlan(agent string, tick int64) plan {
	options := []string{IntentIdle, IntentWander, IntentRespond}
	leader := l.runtime.Leader()
	if leader != "" && leader != agent {
		options = append(options, IntentFollow)
	}
	intent := options[canonical.HashMod(fmt.Sprintf("%s:%d", agent, tick), uint64(len(options)))]
	p := plan{intent: intent, source: SourceHashPick}
	if intent == IntentFollow {
		p.target = leader
	}
	return p
}

// breakRepetition rewrites the 10th consecutive identical plan so ambient
// agents do not grind one intent forever. Plans from the protective sources
// pass through untouched.
func (l *Loop) breakRepetition(agent string, p plan) plan {
	l.mu.Lock()
	defer l.mu.Unlock()
	rs := l.repeats[agent]
	if rs.intent == p.intent && rs.target == p.target {
		rs.count++
	} else {
		rs = repeatState{intent: p.intent, target: p.target, count: 1}
	}
	if rs.count >= repetitionLimit && !protectedSources[p.source] {
		next := IntentWander
		if p.intent == IntentWander {
			next = IntentIdle
		}
		p = plan{intent: next, source: SourceRepetitionBreaker}
		rs = repeatState{intent: p.intent, target: p.target, count: 1}
	}
	l.repeats[agent] = rs
	return p
}

// errBudgetExceeded aborts the intent transaction so a refused commit neither
// persists nor consumes its event id.
var errBudgetExceeded = errors.New(ReasonBudgetExceeded)

// commit writes the planned intent into the agent profile under the tick's
// event id, then fires side effects. A budget refusal or a duplicate event id
// leaves the world untouched and reports applied=false.
func (l *Loop) commit(ctx context.Context, agent string, p plan, tick int64, tickAt time.Time) PlannedIntent {
	out := PlannedIntent{Agent: agent, Intent: p.intent, Target: p.target, Source: p.source}
	out.EventID = flow.OperationID(tickAt, time.Millisecond, "world_loop", agent, p.intent, p.target, strconv.FormatInt(tick, 10)) + ":world_loop_intent"

	bucket := minuteBucket(tickAt)
	at := worldstate.NowISO(tickAt)
	limit := l.cfg.MaxEventsPerAgentPerMin

	res, err := l.store.Transact(func(s *worldstate.Snapshot) (any, error) {
		rec := s.EnsureAgent(agent)
		st := rec.Profile.WorldIntent
		if st == nil {
			st = &worldstate.IntentState{}
			rec.Profile.WorldIntent = st
		}
		b := st.Budgets
		if b.MinuteBucket != bucket {
			b = worldstate.IntentBudgets{MinuteBucket: bucket}
		}
		if b.EventsInMin >= limit {
			return nil, errBudgetExceeded
		}
		b.EventsInMin++
		st.Intent = p.intent
		st.IntentTarget = p.target
		st.IntentSetAt = at
		st.LastAction = "scheduled:" + p.intent
		st.LastActionAt = at
		st.Budgets = b
		return nil, nil
	}, memstore.TxOptions{EventID: out.EventID})
	if errors.Is(err, errBudgetExceeded) {
		out.Reason = ReasonBudgetExceeded
		return out
	}
	if err != nil {
		out.Reason = err.Error()
		l.logger.Error("intent commit failed", "agent", agent, "intent", p.intent, "err", err)
		return out
	}
	if res.Skipped {
		out.Reason = "duplicate_event"
		return out
	}

	out.Applied = true
	l.metrics.Counters.IntentsScheduled.Add(1)
	if _, err := l.budgets.Record(ctx, agent, bucket); err != nil {
		l.logger.Warn("budget store update failed", "agent", agent, "err", err)
	}
	l.fireEffects(agent, p, tick, out.EventID)
	return out
}

// fireEffects runs the runtime hooks, strictly after the commit. Wander
// direction and respond line derive from the tick's event id so reruns of
// the same tick pick the same entries.
func (l *Loop) fireEffects(agent string, p plan, tick int64, eventID string) {
	key := fmt.Sprintf("%s:%d:%s", agent, tick, eventID)
	switch p.intent {
	case IntentWander:
		l.runtime.OnWander(agent, wanderDirections[canonical.HashMod(key, uint64(len(wanderDirections)))])
	case IntentFollow:
		l.runtime.OnFollow(agent, p.target)
	case IntentRespond:
		l.runtime.OnRespond(agent, respondLines[canonical.HashMod(key, uint64(len(respondLines)))])
	}
}

// runCrier broadcasts fresh news lines on its own cadence, newest first from
// the tail window, suppressing ids already called out.
func (l *Loop) runCrier(tickAt time.Time) []string {
	l.mu.Lock()
	interval := time.Duration(l.cfg.CrierIntervalMs) * time.Millisecond
	if !l.lastCrierAt.IsZero() && tickAt.Sub(l.lastCrierAt) < interval {
		l.mu.Unlock()
		return nil
	}
	l.lastCrierAt = tickAt
	seen := make(map[string]bool, len(l.crierSeen))
	for _, id := range l.crierSeen {
		seen[id] = true
	}
	l.mu.Unlock()

	snap, err := l.store.GetSnapshot()
	if err != nil {
		l.logger.Warn("crier snapshot read failed", "err", err)
		return nil
	}
	news := snap.World.News
	start := len(news) - l.cfg.CrierRecentWindow
	if start < 0 {
		start = 0
	}
	var lines []string
	var picked []string
	for i := len(news) - 1; i >= start && len(lines) < l.cfg.CrierMaxPerTick; i-- {
		n := news[i]
		if n.ID == "" || seen[n.ID] {
			continue
		}
		line := "[NEWS] " + n.Message
		if n.Town != "" {
			line = "[NEWS:" + n.Town + "] " + n.Message
		}
		l.runtime.OnNews(line)
		l.metrics.Counters.CrierBroadcasts.Add(1)
		lines = append(lines, line)
		picked = append(picked, n.ID)
	}
	if len(picked) > 0 {
		l.mu.Lock()
		l.crierSeen = append(l.crierSeen, picked...)
		if over := len(l.crierSeen) - l.cfg.CrierDedupeWindow; over > 0 {
			l.crierSeen = l.crierSeen[over:]
		}
		l.mu.Unlock()
	}
	return lines
}
