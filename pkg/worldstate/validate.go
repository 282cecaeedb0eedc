package worldstate

import (
	"fmt"
	"time"
)

// IntegrityReport is the outcome of validating a snapshot against the
// document invariants.
type IntegrityReport struct {
	OK     bool     `json:"ok"`
	Issues []string `json:"issues"`
}

// ValidateIntegrity checks every document invariant and reports all
// violations. It is pure; the snapshot is never repaired here.
func ValidateIntegrity(s *Snapshot) IntegrityReport {
	issues := []string{}
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if s == nil {
		return IntegrityReport{OK: false, Issues: []string{"snapshot is nil"}}
	}

	seen := make(map[string]bool, len(s.ProcessedEventIDs))
	for i, id := range s.ProcessedEventIDs {
		if id == "" {
			add("processedEventIds[%d] is empty", i)
			continue
		}
		if seen[id] {
			add("processedEventIds contains duplicate id %q", id)
		}
		seen[id] = true
	}
	if len(s.ProcessedEventIDs) > ProcessedEventCap {
		add("processedEventIds exceeds capacity: %d > %d", len(s.ProcessedEventIDs), ProcessedEventCap)
	}

	for name, a := range s.Agents {
		if a == nil {
			add("agent %q record is nil", name)
			continue
		}
		if a.Profile.Trust < 0 || a.Profile.Trust > 10 {
			add("agent %q trust out of range: %d", name, a.Profile.Trust)
		}
		if len(a.Short) > AgentShortCap {
			add("agent %q short memory exceeds capacity: %d > %d", name, len(a.Short), AgentShortCap)
		}
	}

	w := s.World
	if w == nil {
		add("world is missing")
		return IntegrityReport{OK: false, Issues: issues}
	}

	if w.Player.Legitimacy < 0 || w.Player.Legitimacy > 100 {
		add("player legitimacy out of range: %d", w.Player.Legitimacy)
	}

	for _, story := range []string{FactionIronPact, FactionVeilChurch} {
		if w.Factions[story] == nil {
			add("story faction %q is missing", story)
		}
	}
	for name, f := range w.Factions {
		if f == nil {
			add("world faction %q is nil", name)
			continue
		}
		if f.HostilityToPlayer < 0 || f.HostilityToPlayer > 100 {
			add("faction %q hostilityToPlayer out of range: %d", name, f.HostilityToPlayer)
		}
		if f.Stability < 0 || f.Stability > 100 {
			add("faction %q stability out of range: %d", name, f.Stability)
		}
	}

	if w.Clock.Day < 1 {
		add("clock day must be >= 1, got %d", w.Clock.Day)
	}
	if w.Clock.Phase != PhaseDay && w.Clock.Phase != PhaseNight {
		add("clock phase %q is not a valid phase", w.Clock.Phase)
	}
	if w.Clock.Season != SeasonDawn && w.Clock.Season != SeasonLongNight {
		add("clock season %q is not a valid season", w.Clock.Season)
	}
	if w.Clock.UpdatedAt == "" {
		add("clock updated_at is empty")
	} else if _, err := time.Parse(time.RFC3339, w.Clock.UpdatedAt); err != nil {
		add("clock updated_at %q is not a valid instant", w.Clock.UpdatedAt)
	}

	for town, level := range w.Threat.ByTown {
		if level < 0 || level > 100 {
			add("threat for town %q out of range: %d", town, level)
		}
	}

	for _, m := range w.Markets {
		if m.Town == "" {
			add("market with empty town")
		}
		for _, o := range m.Offers {
			if o.Active && o.Amount <= 0 {
				add("market %q offer %q active with amount %d", m.Town, o.ID, o.Amount)
			}
			if o.Price <= 0 {
				add("market %q offer %q has price %d", m.Town, o.ID, o.Price)
			}
		}
	}

	if w.Economy.Currency != Currency {
		add("economy currency %q is not %q", w.Economy.Currency, Currency)
	}

	for i, c := range w.Chronicle {
		if c.ID == "" || c.Message == "" {
			add("chronicle[%d] missing id or message", i)
		}
	}
	for i, n := range w.News {
		if n.ID == "" || n.Message == "" {
			add("news[%d] missing id or message", i)
		}
	}
	for i, q := range w.Quests {
		if q.ID == "" || q.Name == "" {
			add("quest[%d] missing id or name", i)
		}
	}
	if len(w.Archive) > WorldArchiveCap {
		add("world archive exceeds capacity: %d > %d", len(w.Archive), WorldArchiveCap)
	}

	if s.Execution != nil {
		byExecution := make(map[string]int)
		for _, r := range s.Execution.History {
			byExecution[r.ExecutionID]++
		}
		for id, n := range byExecution {
			if n > 1 {
				add("execution history holds %d receipts for execution %q", n, id)
			}
		}
		if len(s.Execution.History) > HistoryCap {
			add("execution history exceeds capacity: %d > %d", len(s.Execution.History), HistoryCap)
		}
		if len(s.Execution.EventLedger) > EventLedgerCap {
			add("execution eventLedger exceeds capacity: %d > %d", len(s.Execution.EventLedger), EventLedgerCap)
		}
		if len(s.Execution.Pending) > PendingCap {
			add("execution pending exceeds capacity: %d > %d", len(s.Execution.Pending), PendingCap)
		}
	}

	return IntegrityReport{OK: len(issues) == 0, Issues: issues}
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
