package worldstate

import (
	"encoding/json"
	"math"
)

// RepMap is a faction-reputation map. Non-integer values in the source JSON
// are silently dropped at load instead of failing the whole document.
type RepMap map[string]int

// UnmarshalJSON decodes rep entries, dropping anything that is not an
// integral number.
func (r *RepMap) UnmarshalJSON(data []byte) error {
	var raw map[string]json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		// malformed rep is dropped wholesale, not fatal
		*r = RepMap{}
		return nil
	}
	out := make(RepMap, len(raw))
	for k, n := range raw {
		f, err := n.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		if f != math.Trunc(f) {
			continue
		}
		out[k] = int(f)
	}
	*r = out
	return nil
}

// CoinLedger maps agent names to coin balances. Malformed entries (negative,
// non-finite, non-numeric) are dropped at load.
type CoinLedger map[string]uint64

// UnmarshalJSON decodes ledger entries, dropping malformed balances.
func (c *CoinLedger) UnmarshalJSON(data []byte) error {
	var raw map[string]json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		*c = CoinLedger{}
		return nil
	}
	out := make(CoinLedger, len(raw))
	for k, n := range raw {
		f, err := n.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			continue
		}
		if f != math.Trunc(f) {
			continue
		}
		out[k] = uint64(f)
	}
	*c = out
	return nil
}

// Normalize repairs structural gaps after load or clone: nil maps and slices
// become empty, the story factions are materialized, and the economy carries
// its currency. It never clamps numeric ranges; that is the validator's job
// to report.
func (s *Snapshot) Normalize() {
	if s.Agents == nil {
		s.Agents = map[string]*AgentRecord{}
	}
	for _, a := range s.Agents {
		if a == nil {
			continue
		}
		if a.Short == nil {
			a.Short = []MemoryEntry{}
		}
		if a.Long == nil {
			a.Long = []MemoryEntry{}
		}
		if a.Archive == nil {
			a.Archive = []ArchiveEntry{}
		}
		if a.Utterances == nil {
			a.Utterances = []string{}
		}
	}
	if s.Factions == nil {
		s.Factions = map[string]*FactionMemory{}
	}
	for _, f := range s.Factions {
		if f == nil {
			continue
		}
		if f.Long == nil {
			f.Long = []MemoryEntry{}
		}
		if f.Archive == nil {
			f.Archive = []ArchiveEntry{}
		}
	}

	if s.World == nil {
		s.World = FreshShape().World
	}
	w := s.World
	if w.Factions == nil {
		w.Factions = map[string]*WorldFaction{}
	}
	if w.Factions[FactionIronPact] == nil {
		w.Factions[FactionIronPact] = defaultIronPact()
	}
	if w.Factions[FactionVeilChurch] == nil {
		w.Factions[FactionVeilChurch] = defaultVeilChurch()
	}
	if w.Towns == nil {
		w.Towns = []string{}
	}
	if w.Threat.ByTown == nil {
		w.Threat.ByTown = map[string]int{}
	}
	if w.Markers == nil {
		w.Markers = []Marker{}
	}
	if w.Markets == nil {
		w.Markets = []Market{}
	}
	if w.Economy.Currency == "" {
		w.Economy.Currency = Currency
	}
	if w.Economy.Ledger == nil {
		w.Economy.Ledger = CoinLedger{}
	}
	if w.Projects == nil {
		w.Projects = []Project{}
	}
	if w.Missions == nil {
		w.Missions = []Mission{}
	}
	if w.Chronicle == nil {
		w.Chronicle = []ChronicleEntry{}
	}
	if w.News == nil {
		w.News = []NewsItem{}
	}
	if w.Quests == nil {
		w.Quests = []Quest{}
	}
	if w.Archive == nil {
		w.Archive = []ArchiveEntry{}
	}

	if s.ProcessedEventIDs == nil {
		s.ProcessedEventIDs = []string{}
	}
	if s.Execution == nil {
		s.Execution = &ExecutionState{}
	}
	if s.Execution.History == nil {
		s.Execution.History = []ExecutionReceipt{}
	}
	if s.Execution.EventLedger == nil {
		s.Execution.EventLedger = []ExecutionLedgerEntry{}
	}
	if s.Execution.Pending == nil {
		s.Execution.Pending = []PendingExecution{}
	}
}
