package turn

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/duskhall/worldcore/pkg/actions"
	"github.com/duskhall/worldcore/pkg/memstore"
	"github.com/duskhall/worldcore/pkg/worldstate"
)

// MaxMoodLen caps the persisted mood string.
const MaxMoodLen = 40

// ProfileCarrier is the mutable view of an agent profile handed to the
// caller's mutator. The engine clamps trust back into [0,10] afterwards.
type ProfileCarrier struct {
	Trust int
	Mood  string
	Flags map[string]bool
}

// ProfileMutator lets the caller shape how a turn lands on the profile. nil
// uses the default: trust shifts by the turn's delta, mood follows the tone.
type ProfileMutator func(c *ProfileCarrier, t Turn)

// Result is the outcome of ApplyTurn.
type Result struct {
	Skipped     bool              `json:"skipped"`
	Turn        Turn              `json:"turn"`
	Outcomes    []actions.Outcome `json:"outcomes"`
	PlayerAlive bool              `json:"playerAlive"`
}

// Engine records incoming utterances and applies sanitized turns.
type Engine struct {
	store   *memstore.Store
	actions *actions.Engine
	logger  *slog.Logger
	clock   func() time.Time
}

// Options configure a turn engine.
type Options struct {
	Store   *memstore.Store
	Actions *actions.Engine
	Logger  *slog.Logger
	Clock   func() time.Time
}

// NewEngine wires a turn engine over the store and action engine.
func NewEngine(opts Options) *Engine {
	e := &Engine{store: opts.Store, actions: opts.Actions, logger: opts.Logger, clock: opts.Clock}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.actions == nil {
		e.actions = actions.NewEngine(opts.Store, e.logger)
	}
	return e
}

// RecordIncoming writes the player's utterance into agent, faction, and
// world memory. Event ids derive from operationID+":incoming" so replays
// collapse.
func (e *Engine) RecordIncoming(agent actions.AgentRef, playerName, message, operationID string) error {
	if playerName == "" {
		snap, err := e.store.GetSnapshot()
		if err != nil {
			return err
		}
		playerName = snap.World.Player.Name
	}
	base := operationID + ":incoming"

	if _, err := e.store.RememberAgent(agent.Name,
		fmt.Sprintf("%s said: \"%s\"", playerName, message), false, base); err != nil {
		return err
	}
	if agent.Faction != "" {
		if _, err := e.store.RememberFaction(agent.Faction,
			fmt.Sprintf("%s spoke with %s.", playerName, agent.Name), false, base); err != nil {
			return err
		}
	}
	if _, err := e.store.RememberWorld(
		fmt.Sprintf("%s was seen speaking with %s.", playerName, agent.Name), false, base); err != nil {
		return err
	}
	return nil
}

// ApplyTurn sanitizes raw against fallback and applies it: profile state,
// memory writes, proposed actions, and the final processed marker. Each step
// carries its own event id, so a crashed half-applied turn finishes cleanly
// on retry with the same operationID.
func (e *Engine) ApplyTurn(agent actions.AgentRef, raw map[string]any, fallback Turn, operationID string, mutate ProfileMutator) (Result, error) {
	appliedMarker := operationID + ":turn_applied"

	done, err := e.store.HasProcessedEvent(appliedMarker)
	if err != nil {
		return Result{}, err
	}
	if done {
		alive, err := e.playerAlive()
		if err != nil {
			return Result{}, err
		}
		return Result{Skipped: true, Turn: Sanitize(nil, fallback), Outcomes: []actions.Outcome{}, PlayerAlive: alive}, nil
	}

	sanitized := Sanitize(raw, fallback)

	if _, err := e.store.Transact(func(s *worldstate.Snapshot) (any, error) {
		rec := s.EnsureAgent(agent.Name)
		carrier := ProfileCarrier{
			Trust: rec.Profile.Trust,
			Mood:  rec.Profile.Mood,
			Flags: rec.Profile.Flags,
		}
		if mutate != nil {
			mutate(&carrier, sanitized)
		} else {
			carrier.Trust += sanitized.TrustDelta
			carrier.Mood = sanitized.Tone
		}
		rec.Profile.Trust = worldstate.Clamp(carrier.Trust, 0, 10)
		rec.Profile.Mood = worldstate.CleanText(carrier.Mood, MaxMoodLen)
		rec.Profile.Flags = carrier.Flags
		rec.Utterances = worldstate.AppendRing(rec.Utterances, worldstate.AgentUtteranceCap, sanitized.Say)
		return nil, nil
	}, memstore.TxOptions{EventID: operationID + ":agent_state"}); err != nil {
		return Result{}, err
	}

	for i, mw := range sanitized.MemoryWrites {
		important := mw.Importance >= 7
		eventID := fmt.Sprintf("%s:memory_write:%d", operationID, i)
		var werr error
		switch mw.Scope {
		case ScopeAgent:
			_, werr = e.store.RememberAgent(agent.Name, mw.Text, important, eventID)
		case ScopeFaction:
			if agent.Faction == "" {
				continue
			}
			_, werr = e.store.RememberFaction(agent.Faction, mw.Text, important, eventID)
		case ScopeWorld:
			_, werr = e.store.RememberWorld(mw.Text, important, eventID)
		}
		if werr != nil {
			return Result{}, werr
		}
	}

	outcomes, err := e.actions.Apply(agent, sanitized.ProposedActions, operationID+":actions")
	if err != nil {
		return Result{}, err
	}
	for i, o := range outcomes {
		if !o.Accepted || agent.Faction == "" {
			continue
		}
		line := fmt.Sprintf("[ACTION] %s carried out %s (%s).", agent.Name, o.Type, o.Outcome)
		eventID := fmt.Sprintf("%s:outcome:%d", operationID, i)
		if _, err := e.store.RememberFaction(agent.Faction, line, o.Outcome == actions.OutcomePlayerKilled, eventID); err != nil {
			return Result{}, err
		}
	}

	if _, err := e.store.Transact(func(s *worldstate.Snapshot) (any, error) {
		return nil, nil
	}, memstore.TxOptions{EventID: appliedMarker}); err != nil {
		return Result{}, err
	}

	alive, err := e.playerAlive()
	if err != nil {
		return Result{}, err
	}
	e.store.Metrics().Counters.TurnsApplied.Add(1)
	e.logger.Debug("turn applied", "agent", agent.Name, "operation_id", operationID, "actions", len(outcomes))
	return Result{Turn: sanitized, Outcomes: outcomes, PlayerAlive: alive}, nil
}

func (e *Engine) playerAlive() (bool, error) {
	snap, err := e.store.GetSnapshot()
	if err != nil {
		return false, err
	}
	return snap.World.Player.Alive, nil
}
