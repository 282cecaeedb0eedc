// Package turn sanitizes untrusted agent turn payloads and applies them to
// the world: profile mutation, memory writes, and proposed actions, all
// behind idempotent transactions.
package turn

import (
	"encoding/json"
	"math"

	"github.com/duskhall/worldcore/pkg/actions"
	"github.com/duskhall/worldcore/pkg/worldstate"
)

// Field caps for sanitized turns.
const (
	MaxSayLen        = 300
	MaxMemoryTextLen = 220
	MaxTargetLen     = 80
	MaxReasonLen     = 220
	MaxMemoryWrites  = 5
	MaxActions       = 3
)

// Tones agents may speak in.
var validTones = map[string]bool{
	"calm": true, "wary": true, "hostile": true, "fearful": true,
	"proud": true, "sad": true, "joyful": true,
}

// ValidTone reports whether tone is in the closed tone set.
func ValidTone(tone string) bool {
	return validTones[tone]
}

// Memory write scopes.
const (
	ScopeAgent   = "agent"
	ScopeFaction = "faction"
	ScopeWorld   = "world"
)

// Turn is a sanitized agent turn. Every field is guaranteed in range.
type Turn struct {
	Say             string             `json:"say"`
	Tone            string             `json:"tone"`
	TrustDelta      int                `json:"trust_delta"`
	MemoryWrites    []MemoryWrite      `json:"memory_writes"`
	ProposedActions []actions.Proposed `json:"proposed_actions"`
}

// MemoryWrite is one validated memory line.
type MemoryWrite struct {
	Scope      string `json:"scope"`
	Text       string `json:"text"`
	Importance int    `json:"importance"`
}

// Sanitize whitelists a possibly-malformed payload against fallback. The
// output always has a non-empty say, a valid tone, trust delta in [-2,2], at
// most MaxMemoryWrites valid writes, and at least one proposed action.
func Sanitize(raw map[string]any, fallback Turn) Turn {
	out := Turn{}

	say := worldstate.CleanText(asString(raw["say"]), MaxSayLen)
	if say == "" {
		say = worldstate.CleanText(fallback.Say, MaxSayLen)
	}
	if say == "" {
		say = "..."
	}
	out.Say = say

	tone := asString(raw["tone"])
	if !ValidTone(tone) {
		tone = fallback.Tone
	}
	if !ValidTone(tone) {
		tone = "calm"
	}
	out.Tone = tone

	if delta, ok := asNumber(raw["trust_delta"]); ok {
		out.TrustDelta = worldstate.Clamp(int(math.Round(delta)), -2, 2)
	} else {
		out.TrustDelta = worldstate.Clamp(fallback.TrustDelta, -2, 2)
	}

	out.MemoryWrites = sanitizeMemoryWrites(raw["memory_writes"])
	out.ProposedActions = sanitizeActions(raw["proposed_actions"])
	return out
}

// SanitizeJSON decodes data loosely and sanitizes it. Undecodable payloads
// collapse onto the fallback.
func SanitizeJSON(data []byte, fallback Turn) Turn {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		raw = nil
	}
	return Sanitize(raw, fallback)
}

func sanitizeMemoryWrites(v any) []MemoryWrite {
	out := []MemoryWrite{}
	items, ok := v.([]any)
	if !ok {
		return out
	}
	for _, item := range items {
		if len(out) == MaxMemoryWrites {
			break
		}
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		scope := asString(m["scope"])
		if scope != ScopeAgent && scope != ScopeFaction && scope != ScopeWorld {
			continue
		}
		text := worldstate.CleanText(asString(m["text"]), MaxMemoryTextLen)
		if text == "" {
			continue
		}
		imp, ok := asNumber(m["importance"])
		if !ok || imp != math.Trunc(imp) || imp < 1 || imp > 10 {
			continue
		}
		out = append(out, MemoryWrite{Scope: scope, Text: text, Importance: int(imp)})
	}
	return out
}

func sanitizeActions(v any) []actions.Proposed {
	out := []actions.Proposed{}
	items, ok := v.([]any)
	if ok {
		for _, item := range items {
			if len(out) == MaxActions {
				break
			}
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			actionType := asString(m["type"])
			if !actions.KnownType(actionType) {
				continue
			}
			confidence := 0.0
			if c, ok := asNumber(m["confidence"]); ok && !math.IsNaN(c) {
				confidence = math.Min(1, math.Max(0, c))
			}
			out = append(out, actions.Proposed{
				Type:       actionType,
				Target:     worldstate.CleanText(asString(m["target"]), MaxTargetLen),
				Confidence: confidence,
				Reason:     worldstate.CleanText(asString(m["reason"]), MaxReasonLen),
			})
		}
	}
	if len(out) == 0 {
		out = append(out, actions.Proposed{Type: actions.TypeNone})
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
