package worldstate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func hasIssueContaining(report IntegrityReport, substr string) bool {
	for _, issue := range report.Issues {
		if strings.Contains(issue, substr) {
			return true
		}
	}
	return false
}

func TestValidate_TrustRange(t *testing.T) {
	s := FreshShape()
	s.EnsureAgent("mara").Profile.Trust = 11
	report := ValidateIntegrity(s)
	assert.False(t, report.OK)
	assert.True(t, hasIssueContaining(report, "trust out of range"))
}

func TestValidate_DuplicateEventIDs(t *testing.T) {
	s := FreshShape()
	s.ProcessedEventIDs = []string{"a", "b", "a"}
	report := ValidateIntegrity(s)
	assert.False(t, report.OK)
	assert.True(t, hasIssueContaining(report, "duplicate id"))
}

func TestValidate_EmptyEventID(t *testing.T) {
	s := FreshShape()
	s.ProcessedEventIDs = []string{""}
	assert.False(t, ValidateIntegrity(s).OK)
}

func TestValidate_MissingStoryFaction(t *testing.T) {
	s := FreshShape()
	delete(s.World.Factions, FactionVeilChurch)
	report := ValidateIntegrity(s)
	assert.False(t, report.OK)
	assert.True(t, hasIssueContaining(report, "story faction"))
}

func TestValidate_ClockBounds(t *testing.T) {
	s := FreshShape()
	s.World.Clock.Day = 0
	s.World.Clock.Phase = "dusk"
	s.World.Clock.Season = "spring"
	s.World.Clock.UpdatedAt = "not-a-time"
	report := ValidateIntegrity(s)
	assert.False(t, report.OK)
	assert.GreaterOrEqual(t, len(report.Issues), 4)
}

func TestValidate_FactionRanges(t *testing.T) {
	s := FreshShape()
	s.World.Factions[FactionIronPact].HostilityToPlayer = 101
	s.World.Factions[FactionIronPact].Stability = -1
	report := ValidateIntegrity(s)
	assert.False(t, report.OK)
	assert.True(t, hasIssueContaining(report, "hostilityToPlayer out of range"))
	assert.True(t, hasIssueContaining(report, "stability out of range"))
}

func TestValidate_Legitimacy(t *testing.T) {
	s := FreshShape()
	s.World.Player.Legitimacy = -3
	assert.False(t, ValidateIntegrity(s).OK)
}

func TestValidate_ThreatRange(t *testing.T) {
	s := FreshShape()
	s.World.Threat.ByTown["ashford"] = 120
	assert.False(t, ValidateIntegrity(s).OK)
}

func TestValidate_MarketOffers(t *testing.T) {
	s := FreshShape()
	s.World.Markets = []Market{{
		Town: "ashford",
		Offers: []MarketOffer{
			{ID: "o1", Item: "grain", Amount: 0, Price: 3, Active: true},
			{ID: "o2", Item: "iron", Amount: 5, Price: 0, Active: false},
		},
	}}
	report := ValidateIntegrity(s)
	assert.False(t, report.OK)
	assert.True(t, hasIssueContaining(report, "active with amount"))
	assert.True(t, hasIssueContaining(report, "has price"))
}

func TestValidate_ChronicleNewsQuests(t *testing.T) {
	s := FreshShape()
	s.World.Chronicle = []ChronicleEntry{{ID: "", Message: "x", At: "2026-01-01T00:00:00Z"}}
	s.World.News = []NewsItem{{ID: "n1", Message: ""}}
	s.World.Quests = []Quest{{ID: "q1", Name: ""}}
	report := ValidateIntegrity(s)
	assert.False(t, report.OK)
	assert.Len(t, report.Issues, 3)
}

func TestValidate_DuplicateReceipts(t *testing.T) {
	s := FreshShape()
	s.Execution.History = []ExecutionReceipt{
		{ExecutionID: "result_aa", Status: StatusExecuted},
		{ExecutionID: "result_aa", Status: StatusDuplicate},
	}
	report := ValidateIntegrity(s)
	assert.False(t, report.OK)
	assert.True(t, hasIssueContaining(report, "receipts for execution"))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0, Clamp(-5, 0, 100))
	assert.Equal(t, 100, Clamp(120, 0, 100))
	assert.Equal(t, 42, Clamp(42, 0, 100))
}
