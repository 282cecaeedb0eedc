package memstore

import (
	"github.com/duskhall/worldcore/pkg/worldstate"
)

// MaxRememberTextLen caps remembered lines.
const MaxRememberTextLen = 500

// RememberAgent appends text to the agent's short-term ring and archive;
// important lines also land in long-term memory. The transaction is
// idempotent under eventID (suffixed per target so one base id can fan out).
func (st *Store) RememberAgent(name, text string, important bool, eventID string) (TxResult, error) {
	return st.Transact(func(s *worldstate.Snapshot) (any, error) {
		clean := worldstate.CleanText(text, MaxRememberTextLen)
		if clean == "" {
			return nil, nil
		}
		at := worldstate.NowISO(st.clock())
		agent := s.EnsureAgent(name)
		entry := worldstate.MemoryEntry{Text: clean, Important: important, At: at}
		agent.Short = worldstate.AppendRing(agent.Short, worldstate.AgentShortCap, entry)
		if important {
			agent.Long = append(agent.Long, entry)
		}
		agent.Archive = append(agent.Archive, worldstate.ArchiveEntry{At: at, Event: clean, Important: important})
		return nil, nil
	}, TxOptions{EventID: suffixEvent(eventID, ":agent:"+name)})
}

// RememberFaction appends text to a faction's long memory and archive.
func (st *Store) RememberFaction(name, text string, important bool, eventID string) (TxResult, error) {
	return st.Transact(func(s *worldstate.Snapshot) (any, error) {
		clean := worldstate.CleanText(text, MaxRememberTextLen)
		if clean == "" {
			return nil, nil
		}
		at := worldstate.NowISO(st.clock())
		faction := s.EnsureFaction(name)
		faction.Long = append(faction.Long, worldstate.MemoryEntry{Text: clean, Important: important, At: at})
		faction.Archive = append(faction.Archive, worldstate.ArchiveEntry{At: at, Event: clean, Important: important})
		return nil, nil
	}, TxOptions{EventID: suffixEvent(eventID, ":faction:"+name)})
}

// RememberWorld appends text to the world archive ring.
func (st *Store) RememberWorld(text string, important bool, eventID string) (TxResult, error) {
	return st.Transact(func(s *worldstate.Snapshot) (any, error) {
		clean := worldstate.CleanText(text, MaxRememberTextLen)
		if clean == "" {
			return nil, nil
		}
		at := worldstate.NowISO(st.clock())
		s.World.Archive = worldstate.AppendRing(s.World.Archive, worldstate.WorldArchiveCap,
			worldstate.ArchiveEntry{At: at, Event: clean, Important: important})
		return nil, nil
	}, TxOptions{EventID: suffixEvent(eventID, ":world")})
}

// RecallAgent returns the newest n short-term entries for name, oldest
// first. n <= 0 returns everything.
func (st *Store) RecallAgent(name string, n int) ([]worldstate.MemoryEntry, error) {
	snap, err := st.GetSnapshot()
	if err != nil {
		return nil, err
	}
	agent, ok := snap.Agents[name]
	if !ok {
		return []worldstate.MemoryEntry{}, nil
	}
	return tail(agent.Short, n), nil
}

// RecallFaction returns the newest n long entries for a faction.
func (st *Store) RecallFaction(name string, n int) ([]worldstate.MemoryEntry, error) {
	snap, err := st.GetSnapshot()
	if err != nil {
		return nil, err
	}
	faction, ok := snap.Factions[name]
	if !ok {
		return []worldstate.MemoryEntry{}, nil
	}
	return tail(faction.Long, n), nil
}

// RecallWorld returns the newest n world archive lines.
func (st *Store) RecallWorld(n int) ([]worldstate.ArchiveEntry, error) {
	snap, err := st.GetSnapshot()
	if err != nil {
		return nil, err
	}
	return tail(snap.World.Archive, n), nil
}

func suffixEvent(base, suffix string) string {
	if base == "" {
		return ""
	}
	return base + suffix
}

func tail[T any](items []T, n int) []T {
	if n <= 0 || n >= len(items) {
		out := make([]T, len(items))
		copy(out, items)
		return out
	}
	out := make([]T, n)
	copy(out, items[len(items)-n:])
	return out
}
