package actions

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/duskhall/worldcore/pkg/canonical"
	"github.com/duskhall/worldcore/pkg/memstore"
	"github.com/duskhall/worldcore/pkg/worldstate"
)

// archiveJitterMod spreads archive lines within a second deterministically.
const archiveJitterMod = 997

// Engine applies proposed actions through the store.
type Engine struct {
	store  *memstore.Store
	logger *slog.Logger
}

// NewEngine creates an action engine over store.
func NewEngine(store *memstore.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger}
}

// Apply runs every proposed action inside one transaction with event id
// operationID+":apply_actions". A duplicate operation returns one
// not-accepted outcome per action with ReasonDuplicate.
func (e *Engine) Apply(agent AgentRef, proposed []Proposed, operationID string) ([]Outcome, error) {
	res, err := e.store.Transact(func(s *worldstate.Snapshot) (any, error) {
		outcomes := make([]Outcome, 0, len(proposed))
		for i, p := range proposed {
			outcomes = append(outcomes, e.applyOne(s, agent, p, operationID, i))
		}
		return outcomes, nil
	}, memstore.TxOptions{EventID: operationID + ":apply_actions"})
	if err != nil {
		return nil, err
	}
	if res.Skipped {
		outcomes := make([]Outcome, 0, len(proposed))
		for _, p := range proposed {
			outcomes = append(outcomes, Outcome{Type: p.Type, Accepted: false, Reason: ReasonDuplicate})
		}
		return outcomes, nil
	}
	outcomes, _ := res.Result.([]Outcome)
	return outcomes, nil
}

// applyOne mutates the working snapshot for a single action. seq keeps
// archive timestamps monotonic within the operation.
func (e *Engine) applyOne(s *worldstate.Snapshot, agent AgentRef, p Proposed, operationID string, seq int) Outcome {
	w := s.World
	switch p.Type {
	case TypeNone:
		return Outcome{Type: p.Type, Accepted: false, Reason: ReasonNoAction}

	case TypeSpreadRumor:
		w.Player.Legitimacy = worldstate.Clamp(w.Player.Legitimacy-2, 0, 100)
		if f := w.Factions[agent.Faction]; f != nil {
			f.HostilityToPlayer = worldstate.Clamp(f.HostilityToPlayer+3, 0, 100)
		}
		e.archive(s, operationID, agent.Name, "RUMOR", seq, false,
			fmt.Sprintf("[RUMOR] %s spreads word against %s.", agent.Name, w.Player.Name))
		return Outcome{Type: p.Type, Accepted: true, Outcome: OutcomeRumorSpread}

	case TypeCallMeeting:
		if f := w.Factions[agent.Faction]; f != nil {
			f.Stability = worldstate.Clamp(f.Stability-2, 0, 100)
		}
		e.archive(s, operationID, agent.Name, "MEETING", seq, false,
			fmt.Sprintf("[MEETING] %s calls the %s together.", agent.Name, agent.Faction))
		return Outcome{Type: p.Type, Accepted: true, Outcome: OutcomeMeetingCalled}

	case TypeRecruit:
		if f := w.Factions[agent.Faction]; f != nil {
			f.Stability = worldstate.Clamp(f.Stability+1, 0, 100)
		}
		return Outcome{Type: p.Type, Accepted: true, Outcome: OutcomeRecruited}

	case TypeDesertFaction:
		if f := w.Factions[agent.Faction]; f != nil {
			f.Stability = worldstate.Clamp(f.Stability-6, 0, 100)
		}
		e.archive(s, operationID, agent.Name, "SPLINTER", seq, false,
			fmt.Sprintf("[SPLINTER] %s abandons the %s.", agent.Name, agent.Faction))
		return Outcome{Type: p.Type, Accepted: true, Outcome: OutcomeFactionDeserted}

	case TypeAttackPlayer:
		return e.applyAttack(s, agent, p, operationID, seq)
	}
	return Outcome{Type: p.Type, Accepted: false, Reason: ReasonNoAction}
}

// applyAttack enforces the lethal-politics gate before killing the player.
func (e *Engine) applyAttack(s *worldstate.Snapshot, agent AgentRef, p Proposed, operationID string, seq int) Outcome {
	w := s.World
	if !w.Rules.AllowLethalPolitics {
		return Outcome{Type: p.Type, Accepted: false, Reason: ReasonLethalBlocked}
	}
	f := w.Factions[agent.Faction]
	if f == nil {
		return Outcome{Type: p.Type, Accepted: false, Reason: ReasonNoFaction}
	}
	gate := f.HostilityToPlayer >= 75 &&
		w.Player.Legitimacy <= 25 &&
		(w.WarActive || f.Stability <= 35)
	if !gate {
		return Outcome{Type: p.Type, Accepted: false, Reason: ReasonGateNotMet}
	}
	w.Player.Alive = false
	e.archive(s, operationID, agent.Name, "ASSASSINATION", seq, true,
		fmt.Sprintf("[ASSASSINATION] %s strikes down %s.", agent.Name, w.Player.Name))
	e.logger.Warn("player killed by faction action", "agent", agent.Name, "faction", agent.Faction)
	return Outcome{Type: p.Type, Accepted: true, Outcome: OutcomePlayerKilled}
}

// archive appends a world archive line at a deterministic instant so replays
// of the same operation land with byte-identical timestamps.
func (e *Engine) archive(s *worldstate.Snapshot, operationID, agentName, tag string, seq int, important bool, line string) {
	at := ArchiveAt(s.World.Clock.Day, len(s.ProcessedEventIDs), operationID, agentName, tag, seq)
	s.World.Archive = worldstate.AppendRing(s.World.Archive, worldstate.WorldArchiveCap,
		worldstate.ArchiveEntry{At: at, Event: line, Important: important})
}

// ArchiveAt computes the deterministic archive instant: day offset from the
// sim epoch, one second per processed event (capped), hashed millisecond
// jitter, and a monotonic sub-sequence.
func ArchiveAt(day, processedCount int, operationID, agentName, tag string, seq int) string {
	if day < 1 {
		day = 1
	}
	secs := processedCount
	if secs > 86000 {
		secs = 86000
	}
	jitter := canonical.HashMod(operationID+":"+agentName+":"+tag, archiveJitterMod)
	t := worldstate.SimEpoch.
		Add(time.Duration(day-1) * 24 * time.Hour).
		Add(time.Duration(secs) * time.Second).
		Add(time.Duration(jitter) * time.Millisecond).
		Add(time.Duration(seq) * time.Millisecond)
	return worldstate.NowISO(t)
}
