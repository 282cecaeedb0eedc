package worldloop

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskhall/worldcore/pkg/canonical"
	"github.com/duskhall/worldcore/pkg/memstore"
	"github.com/duskhall/worldcore/pkg/telemetry"
	"github.com/duskhall/worldcore/pkg/worldstate"
)

type stubRuntime struct {
	agents  []string
	pending map[string]bool
	leader  string

	mu       sync.Mutex
	wanders  []string
	follows  []string
	responds []string
	news     []string
}

func (r *stubRuntime) OnlineAgents() []string { return append([]string(nil), r.agents...) }

func (r *stubRuntime) HasPendingChat(agent string) bool { return r.pending[agent] }

func (r *stubRuntime) Leader() string { return r.leader }

func (r *stubRuntime) OnWander(agent, direction string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wanders = append(r.wanders, agent+":"+direction)
}

func (r *stubRuntime) OnFollow(agent, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.follows = append(r.follows, agent+":"+target)
}

func (r *stubRuntime) OnRespond(agent, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responds = append(r.responds, agent+":"+line)
}

func (r *stubRuntime) OnNews(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.news = append(r.news, line)
}

type loopFixture struct {
	loop    *Loop
	store   *memstore.Store
	runtime *stubRuntime
	metrics *telemetry.Metrics
}

func newLoopFixture(t *testing.T, cfg Config, rt *stubRuntime) *loopFixture {
	t.Helper()
	metrics := telemetry.New()
	store, err := memstore.New(memstore.Options{
		Path:    filepath.Join(t.TempDir(), "world.json"),
		Metrics: metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	loop, err := New(Options{Config: cfg, Store: store, Runtime: rt, Metrics: metrics})
	require.NoError(t, err)
	return &loopFixture{loop: loop, store: store, runtime: rt, metrics: metrics}
}

func seedWorld(t *testing.T, store *memstore.Store, mut func(*worldstate.Snapshot)) {
	t.Helper()
	_, err := store.Transact(func(s *worldstate.Snapshot) (any, error) {
		mut(s)
		return nil, nil
	}, memstore.TxOptions{EventID: "seed:" + t.Name()})
	require.NoError(t, err)
}

func TestLoopTickSchedulesSortedAgents(t *testing.T) {
	rt := &stubRuntime{agents: []string{"bryn", "alda"}}
	fix := newLoopFixture(t, Config{}, rt)

	report, err := fix.loop.RunTickOnce(context.Background())
	require.NoError(t, err)

	require.Equal(t, int64(1), report.Tick)
	assert.False(t, report.Backpressure)
	require.Len(t, report.Planned, 2)
	assert.Equal(t, "alda", report.Planned[0].Agent)
	assert.Equal(t, "bryn", report.Planned[1].Agent)
	assert.Equal(t, 2, report.Scheduled)

	tickAt := TickTime(DefaultTickMs, 1)
	assert.Equal(t, worldstate.NowISO(tickAt), report.At)

	snap, err := fix.store.GetSnapshot()
	require.NoError(t, err)
	for _, p := range report.Planned {
		assert.True(t, p.Applied)
		assert.Equal(t, SourceHashPick, p.Source)
		want := []string{IntentIdle, IntentWander, IntentRespond}[canonical.HashMod(p.Agent+":1", 3)]
		assert.Equal(t, want, p.Intent)
		assert.Regexp(t, `^[0-9a-f]{40}:world_loop_intent$`, p.EventID)

		st := snap.Agents[p.Agent].Profile.WorldIntent
		require.NotNil(t, st)
		assert.Equal(t, p.Intent, st.Intent)
		assert.Equal(t, worldstate.NowISO(tickAt), st.IntentSetAt)
		assert.Equal(t, "scheduled:"+p.Intent, st.LastAction)
		assert.Equal(t, tickAt.Unix()/60, st.Budgets.MinuteBucket)
		assert.Equal(t, 1, st.Budgets.EventsInMin)
	}
	assert.Equal(t, int64(2), fix.metrics.Snapshot().Counters.IntentsScheduled)
}

func TestLoopEventIDsDeterministic(t *testing.T) {
	run := func() []string {
		rt := &stubRuntime{agents: []string{"alda", "bryn"}}
		fix := newLoopFixture(t, Config{}, rt)
		report, err := fix.loop.RunTickOnce(context.Background())
		require.NoError(t, err)
		ids := make([]string, 0, len(report.Planned))
		for _, p := range report.Planned {
			ids = append(ids, p.EventID)
		}
		return ids
	}
	assert.Equal(t, run(), run())
}

func TestLoopPlanPriorities(t *testing.T) {
	rt := &stubRuntime{
		agents:  []string{"frost", "kejo", "vel"},
		leader:  "alda",
		pending: map[string]bool{"kejo": true},
	}
	fix := newLoopFixture(t, Config{}, rt)
	seedWorld(t, fix.store, func(s *worldstate.Snapshot) {
		s.EnsureAgent("frost").Profile.WorldIntent = &worldstate.IntentState{Frozen: true}
		s.EnsureAgent("kejo").Profile.Job = &worldstate.Job{Role: worldstate.RoleScout}
		s.EnsureAgent("vel").Profile.WorldIntent = &worldstate.IntentState{ManualOverride: true, Intent: IntentFollow}
	})

	report, err := fix.loop.RunTickOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Planned, 3)
	assert.Equal(t, 3, report.Scheduled)

	byAgent := map[string]PlannedIntent{}
	for _, p := range report.Planned {
		byAgent[p.Agent] = p
	}

	frost := byAgent["frost"]
	assert.Equal(t, IntentIdle, frost.Intent)
	assert.Equal(t, SourceFrozen, frost.Source)

	// pending chat beats the scout job
	kejo := byAgent["kejo"]
	assert.Equal(t, IntentRespond, kejo.Intent)
	assert.Equal(t, SourcePendingChat, kejo.Source)

	// follow with no stored target falls back to the leader
	vel := byAgent["vel"]
	assert.Equal(t, IntentFollow, vel.Intent)
	assert.Equal(t, "alda", vel.Target)
	assert.Equal(t, SourceManualOverride, vel.Source)

	assert.Equal(t, []string{"vel:alda"}, rt.follows)
	require.Len(t, rt.responds, 1)
	line := strings.TrimPrefix(rt.responds[0], "kejo:")
	assert.Contains(t, respondLines, line)

	// freezing survives the idle commit
	snap, err := fix.store.GetSnapshot()
	require.NoError(t, err)
	assert.True(t, snap.Agents["frost"].Profile.WorldIntent.Frozen)
}

func TestLoopBudgetGuardAndCommitRefusal(t *testing.T) {
	rt := &stubRuntime{agents: []string{"mara"}}
	fix := newLoopFixture(t, Config{MaxEventsPerAgentPerMin: 1}, rt)

	first, err := fix.loop.RunTickOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Planned, 1)
	require.True(t, first.Planned[0].Applied)
	assert.Equal(t, 1, first.Scheduled)

	// same minute bucket: the guard plans idle and even that commit is
	// refused without touching the world
	second, err := fix.loop.RunTickOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, second.Planned, 1)
	got := second.Planned[0]
	assert.Equal(t, IntentIdle, got.Intent)
	assert.Equal(t, SourceBudgetGuard, got.Source)
	assert.False(t, got.Applied)
	assert.Equal(t, ReasonBudgetExceeded, got.Reason)
	assert.Equal(t, 0, second.Scheduled)

	snap, err := fix.store.GetSnapshot()
	require.NoError(t, err)
	st := snap.Agents["mara"].Profile.WorldIntent
	require.NotNil(t, st)
	assert.Equal(t, first.Planned[0].Intent, st.Intent)
	assert.Equal(t, 1, st.Budgets.EventsInMin)
	assert.Equal(t, int64(1), fix.metrics.Snapshot().Counters.IntentsScheduled)
}

func TestLoopMaxEventsPerTick(t *testing.T) {
	rt := &stubRuntime{agents: []string{"a1", "a2", "a3", "a4"}}
	fix := newLoopFixture(t, Config{MaxEventsPerTick: 2}, rt)

	report, err := fix.loop.RunTickOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scheduled)
	assert.Len(t, report.Planned, 2)
}

func TestJobPlans(t *testing.T) {
	snap := worldstate.FreshShape()
	snap.World.Projects = []worldstate.Project{{ID: "p-mill", Town: "ashford", Name: "Mill", Stage: 1, Stages: 3}}
	snap.World.Markers = []worldstate.Marker{{ID: "m-gate", Label: "Gate"}, {ID: "m-well", Label: "Well", X: 4}}

	p, ok := jobPlan(snap, worldstate.RoleScout, 1)
	require.True(t, ok)
	assert.Equal(t, plan{intent: IntentWander, source: "job:scout"}, p)

	p, ok = jobPlan(snap, worldstate.RoleGuard, 1)
	require.True(t, ok)
	assert.Equal(t, IntentIdle, p.intent)

	p, ok = jobPlan(snap, worldstate.RoleBuilder, 1)
	require.True(t, ok)
	assert.Equal(t, plan{intent: IntentWander, target: "project:p-mill", source: "job:builder"}, p)

	snap.World.Projects[0].Stage = 3
	p, _ = jobPlan(snap, worldstate.RoleBuilder, 1)
	assert.Equal(t, IntentIdle, p.intent)

	p, ok = jobPlan(snap, worldstate.RoleFarmer, 1)
	require.True(t, ok)
	assert.Equal(t, IntentWander, p.intent)

	snap.World.Clock.Phase = worldstate.PhaseNight
	p, _ = jobPlan(snap, worldstate.RoleFarmer, 1)
	assert.Equal(t, IntentIdle, p.intent)

	// haulers alternate between the first two markers by tick parity
	p, _ = jobPlan(snap, worldstate.RoleHauler, 1)
	assert.Equal(t, "m-gate", p.target)
	p, _ = jobPlan(snap, worldstate.RoleHauler, 2)
	assert.Equal(t, "m-well", p.target)
	p, _ = jobPlan(snap, worldstate.RoleHauler, 3)
	assert.Equal(t, "m-gate", p.target)

	snap.World.Markers = snap.World.Markers[:1]
	p, _ = jobPlan(snap, worldstate.RoleHauler, 1)
	assert.Equal(t, IntentIdle, p.intent)

	_, ok = jobPlan(snap, "harpist", 1)
	assert.False(t, ok)
}

func TestLoopRepetitionBreaker(t *testing.T) {
	rt := &stubRuntime{agents: []string{"scout-jo"}}
	fix := newLoopFixture(t, Config{MaxEventsPerAgentPerMin: 100}, rt)
	seedWorld(t, fix.store, func(s *worldstate.Snapshot) {
		s.EnsureAgent("scout-jo").Profile.Job = &worldstate.Job{Role: worldstate.RoleScout}
	})

	var last TickReport
	for i := 0; i < 10; i++ {
		var err error
		last, err = fix.loop.RunTickOnce(context.Background())
		require.NoError(t, err)
		if i < 9 {
			require.Equal(t, IntentWander, last.Planned[0].Intent)
			require.Equal(t, "job:scout", last.Planned[0].Source)
		}
	}

	// the 10th identical plan gets rewritten
	require.Equal(t, int64(10), last.Tick)
	require.Len(t, last.Planned, 1)
	assert.Equal(t, IntentIdle, last.Planned[0].Intent)
	assert.Equal(t, SourceRepetitionBreaker, last.Planned[0].Source)

	// the substitution reset the streak
	next, err := fix.loop.RunTickOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, IntentWander, next.Planned[0].Intent)
	assert.Equal(t, "job:scout", next.Planned[0].Source)
}

func TestLoopBackpressureHighP99(t *testing.T) {
	rt := &stubRuntime{agents: []string{"alda"}}
	fix := newLoopFixture(t, Config{}, rt)
	fix.metrics.ObserveTransaction(telemetry.TxTiming{TotalMs: 300})

	report, err := fix.loop.RunTickOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Backpressure)
	assert.Equal(t, "high_p99_tx:300.00", report.Reason)
	assert.Empty(t, report.Planned)
	assert.Equal(t, 0, report.Scheduled)

	status := fix.loop.Status()
	assert.True(t, status.Backpressure)
	assert.Equal(t, "high_p99_tx:300.00", status.Reason)
	assert.Equal(t, int64(0), fix.metrics.Snapshot().Counters.IntentsScheduled)
}

func TestLoopTownCrier(t *testing.T) {
	rt := &stubRuntime{}
	fix := newLoopFixture(t, Config{
		CrierEnabled:      true,
		CrierIntervalMs:   1,
		CrierMaxPerTick:   2,
		CrierRecentWindow: 5,
		CrierDedupeWindow: 10,
	}, rt)
	seedWorld(t, fix.store, func(s *worldstate.Snapshot) {
		s.World.News = []worldstate.NewsItem{
			{ID: "n1", Message: "Crops are in.", At: "2026-01-01T00:00:01.000Z"},
			{ID: "n2", Town: "briarwell", Message: "Wolves near the mill.", At: "2026-01-01T00:00:02.000Z"},
			{ID: "n3", Town: "ashford", Message: "Market opens at dawn.", At: "2026-01-01T00:00:03.000Z"},
		}
	})

	first, err := fix.loop.RunTickOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{
		"[NEWS:ashford] Market opens at dawn.",
		"[NEWS:briarwell] Wolves near the mill.",
	}, first.News)

	// already-called ids are suppressed, the older item surfaces
	second, err := fix.loop.RunTickOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"[NEWS] Crops are in."}, second.News)

	third, err := fix.loop.RunTickOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, third.News)

	assert.Equal(t, append(first.News, second.News...), rt.news)
	assert.Equal(t, int64(3), fix.metrics.Snapshot().Counters.CrierBroadcasts)
}

func TestLoopStartStop(t *testing.T) {
	rt := &stubRuntime{}
	fix := newLoopFixture(t, Config{TickMs: MinTickMs}, rt)

	require.NoError(t, fix.loop.Start(context.Background()))
	assert.Error(t, fix.loop.Start(context.Background()))

	require.Eventually(t, func() bool {
		return fix.loop.Status().Tick >= 1
	}, 2*time.Second, 10*time.Millisecond)

	fix.loop.Stop()
	assert.False(t, fix.loop.Status().Running)
	fix.loop.Stop()
}
