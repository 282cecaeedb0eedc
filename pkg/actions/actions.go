// Package actions applies sanitized agent actions to the world inside one
// transaction. The vocabulary is a closed set; anything outside it never
// reaches Apply.
package actions

// Action types agents may propose.
const (
	TypeNone          = "none"
	TypeSpreadRumor   = "spread_rumor"
	TypeRecruit       = "recruit"
	TypeCallMeeting   = "call_meeting"
	TypeDesertFaction = "desert_faction"
	TypeAttackPlayer  = "attack_player"
)

// KnownType reports whether t is in the action vocabulary.
func KnownType(t string) bool {
	switch t {
	case TypeNone, TypeSpreadRumor, TypeRecruit, TypeCallMeeting, TypeDesertFaction, TypeAttackPlayer:
		return true
	}
	return false
}

// Proposed is one sanitized action proposal.
type Proposed struct {
	Type       string  `json:"type"`
	Target     string  `json:"target,omitempty"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// AgentRef names the acting agent and its faction.
type AgentRef struct {
	Name    string `json:"name"`
	Faction string `json:"faction"`
}

// Outcome is the per-action application result.
type Outcome struct {
	Type     string `json:"type"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// Rejection reasons surfaced to callers.
const (
	ReasonNoAction      = "No action proposed."
	ReasonDuplicate     = "Duplicate operation ignored."
	ReasonLethalBlocked = "Lethal politics are disabled."
	ReasonGateNotMet    = "Conditions not met for lethal action."
	ReasonNoFaction     = "Agent has no faction."
)

// Outcome tags.
const (
	OutcomeRumorSpread     = "rumor_spread"
	OutcomeMeetingCalled   = "meeting_called"
	OutcomeRecruited       = "recruited"
	OutcomeFactionDeserted = "faction_deserted"
	OutcomePlayerKilled    = "player_killed"
)
