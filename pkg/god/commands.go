package god

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/duskhall/worldcore/pkg/canonical"
	"github.com/duskhall/worldcore/pkg/worldstate"
)

// Reason phrases for the operator vocabulary.
const (
	ReasonUnknownRule   = "Unknown rule."
	ReasonUnknownPhase  = "Unknown phase."
	ReasonBadRuleValue  = "Rule value must be on or off."
	ReasonBadDelta      = "Delta must be an integer."
	ReasonBadLegitimacy = "Legitimacy must be between 0 and 100."
	ReasonTownExists    = "Town already exists."
)

func refused(reason string) Reply {
	return Reply{Applied: false, Reason: reason}
}

func appliedReply(audit bool, lines ...string) Reply {
	return Reply{Applied: true, OutputLines: lines, Audit: audit}
}

func mustHash(v any) string {
	h, err := canonical.Hash(v)
	if err != nil {
		panic(fmt.Sprintf("canonicalize command id: %v", err))
	}
	return h
}

func (s *Service) mayorTalk(ctx *cmdContext, args []string) Reply {
	if len(args) < 1 {
		return refused(ReasonMissingArgs)
	}
	town := args[0]
	w := ctx.snap.World
	if !w.HasTown(town) {
		return refused(ReasonUnknownTown)
	}
	m := w.MayorFor(town)
	if m.CooldownUntilDay > ctx.day {
		return refused(fmt.Sprintf("%s%d", CooldownPrefix, m.CooldownUntilDay))
	}
	missionID := fmt.Sprintf("mission_%s_d%d", town, ctx.day)
	m.BriefingMissionID = missionID
	m.BriefingDay = ctx.day
	return appliedReply(false,
		fmt.Sprintf("Mayor of %s: We need steady hands. A task waits if you will take it.", town),
		fmt.Sprintf("Briefing ready: %s.", missionID),
	)
}

func (s *Service) mayorAccept(ctx *cmdContext, args []string) Reply {
	if len(args) < 1 {
		return refused(ReasonMissingArgs)
	}
	town := args[0]
	w := ctx.snap.World
	if !w.HasTown(town) {
		return refused(ReasonUnknownTown)
	}
	m := w.MayorFor(town)
	if m.BriefingMissionID == "" {
		return refused(ReasonBriefingRequired)
	}
	if w.ActiveMajorMission(town) != nil {
		return refused(ReasonMissionActive)
	}
	missionID := m.BriefingMissionID
	w.Missions = append(w.Missions, worldstate.Mission{
		ID:          missionID,
		Town:        town,
		Name:        "Mayor's charge",
		Major:       true,
		Active:      true,
		AcceptedDay: ctx.day,
	})
	m.BriefingMissionID = ""
	m.BriefingDay = 0
	m.CooldownUntilDay = ctx.day + MayorCooldownDays
	w.Chronicle = append(w.Chronicle, worldstate.ChronicleEntry{
		ID:      missionID + "_accepted",
		Type:    "mission_accepted",
		Town:    town,
		At:      ctx.at,
		Message: fmt.Sprintf("The mayor of %s entrusted mission %s.", town, missionID),
	})
	w.News = append(w.News, worldstate.NewsItem{
		ID:      "news_" + missionID,
		Town:    town,
		Message: fmt.Sprintf("A major mission begins in %s.", town),
		At:      ctx.at,
	})
	return appliedReply(true, fmt.Sprintf("Mayor of %s: The town is counting on you.", town))
}

func (s *Service) projectAdvance(ctx *cmdContext, args []string) Reply {
	if len(args) < 2 {
		return refused(ReasonMissingArgs)
	}
	town, projectID := args[0], args[1]
	w := ctx.snap.World
	if !w.HasTown(town) {
		return refused(ReasonUnknownTown)
	}
	p := w.FindProject(projectID)
	if p == nil || p.Town != town {
		return refused(ReasonUnknownProject)
	}
	if p.Stages > 0 && p.Stage >= p.Stages {
		return refused(ReasonProjectComplete)
	}
	p.Stage++
	w.Chronicle = append(w.Chronicle, worldstate.ChronicleEntry{
		ID:      fmt.Sprintf("%s_stage_%d", p.ID, p.Stage),
		Type:    "project_advanced",
		Town:    town,
		At:      ctx.at,
		Message: fmt.Sprintf("Project %s advanced to stage %d of %d.", p.Name, p.Stage, p.Stages),
	})
	lines := []string{fmt.Sprintf("Project %s advanced to stage %d of %d.", p.Name, p.Stage, p.Stages)}
	if p.Stages > 0 && p.Stage >= p.Stages {
		w.News = append(w.News, worldstate.NewsItem{
			ID:      "news_" + p.ID + "_complete",
			Town:    town,
			Message: fmt.Sprintf("Project %s is complete in %s.", p.Name, town),
			At:      ctx.at,
		})
		lines = append(lines, "The work is finished.")
	}
	return appliedReply(true, lines...)
}

func (s *Service) salvagePlan(ctx *cmdContext, args []string) Reply {
	if len(args) < 2 {
		return refused(ReasonMissingArgs)
	}
	town, target := args[0], args[1]
	w := ctx.snap.World
	if !w.HasTown(town) {
		return refused(ReasonUnknownTown)
	}
	if !s.salvageTargets[target] {
		return refused(ReasonUnknownSalvage)
	}
	questID := fmt.Sprintf("salvage_%s_%s_d%d", town, target, ctx.day)
	exists := false
	for i := range w.Quests {
		if w.Quests[i].ID == questID {
			w.Quests[i].Status = "planned"
			exists = true
			break
		}
	}
	if !exists {
		w.Quests = append(w.Quests, worldstate.Quest{
			ID:     questID,
			Town:   town,
			Name:   fmt.Sprintf("Salvage the %s", target),
			Status: "planned",
			At:     ctx.at,
		})
		w.News = append(w.News, worldstate.NewsItem{
			ID:      "news_" + questID,
			Town:    town,
			Message: fmt.Sprintf("Salvage crews are assigned to the %s in %s.", target, town),
			At:      ctx.at,
		})
	}
	return appliedReply(true, fmt.Sprintf("Salvage crews will work the %s at first light.", target))
}

func (s *Service) townsfolkTalk(ctx *cmdContext, args []string) Reply {
	if len(args) < 2 {
		return refused(ReasonMissingArgs)
	}
	town, npc := args[0], args[1]
	w := ctx.snap.World
	if !w.HasTown(town) {
		return refused(ReasonUnknownTown)
	}
	if !s.townsfolk[npc] {
		return refused(ReasonUnknownTownsfolk)
	}
	var line string
	switch npc {
	case "elder":
		if w.Threat.ByTown == nil {
			w.Threat.ByTown = map[string]int{}
		}
		w.Threat.ByTown[town] = worldstate.Clamp(w.Threat.ByTown[town]-2, 0, 100)
		line = fmt.Sprintf("Elder of %s: The old walls have held before. They will hold again.", town)
		w.Archive = worldstate.AppendRing(w.Archive, worldstate.WorldArchiveCap, worldstate.ArchiveEntry{
			At:    ctx.at,
			Event: fmt.Sprintf("[TALK] The elder of %s steadied the town.", town),
		})
	default:
		line = fmt.Sprintf("Innkeep of %s: Travelers say the roads grow strange after dark.", town)
		w.Archive = worldstate.AppendRing(w.Archive, worldstate.WorldArchiveCap, worldstate.ArchiveEntry{
			At:    ctx.at,
			Event: fmt.Sprintf("[TALK] Gossip traded at the %s inn.", town),
		})
	}
	return appliedReply(false, line)
}

func (s *Service) setRule(ctx *cmdContext, args []string) Reply {
	if len(args) < 2 {
		return refused(ReasonMissingArgs)
	}
	name := args[0]
	value, ok := parseOnOff(args[1])
	if !ok {
		return refused(ReasonBadRuleValue)
	}
	w := ctx.snap.World
	switch name {
	case "lethal":
		w.Rules.AllowLethalPolitics = value
	case "war":
		w.WarActive = value
	default:
		return refused(ReasonUnknownRule)
	}
	state := "off"
	if value {
		state = "on"
	}
	return appliedReply(true, fmt.Sprintf("Rule %s is now %s.", name, state))
}

func (s *Service) setPhase(ctx *cmdContext, args []string) Reply {
	if len(args) < 1 {
		return refused(ReasonMissingArgs)
	}
	phase := args[0]
	if phase != worldstate.PhaseDay && phase != worldstate.PhaseNight {
		return refused(ReasonUnknownPhase)
	}
	w := ctx.snap.World
	w.Clock.Phase = phase
	w.Clock.UpdatedAt = ctx.at
	return appliedReply(true, fmt.Sprintf("The world shifts to %s.", phase))
}

func (s *Service) setLegitimacy(ctx *cmdContext, args []string) Reply {
	if len(args) < 1 {
		return refused(ReasonMissingArgs)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 || n > 100 {
		return refused(ReasonBadLegitimacy)
	}
	w := ctx.snap.World
	w.Player.Legitimacy = n
	w.Archive = worldstate.AppendRing(w.Archive, worldstate.WorldArchiveCap, worldstate.ArchiveEntry{
		At:    ctx.at,
		Event: fmt.Sprintf("[DECREE] The regent's legitimacy now stands at %d.", n),
	})
	return appliedReply(true, fmt.Sprintf("Legitimacy is now %d.", n))
}

func (s *Service) advanceDay(ctx *cmdContext, _ []string) Reply {
	w := ctx.snap.World
	w.Clock.Day++
	w.Clock.Phase = worldstate.PhaseDay
	w.Clock.UpdatedAt = ctx.at
	w.Archive = worldstate.AppendRing(w.Archive, worldstate.WorldArchiveCap, worldstate.ArchiveEntry{
		At:    ctx.at,
		Event: fmt.Sprintf("[DAWN] Day %d breaks.", w.Clock.Day),
	})
	return appliedReply(true, fmt.Sprintf("Day %d breaks over the realm.", w.Clock.Day))
}

func (s *Service) freeze(ctx *cmdContext, args []string) Reply {
	return s.setFrozen(ctx, args, true)
}

func (s *Service) unfreeze(ctx *cmdContext, args []string) Reply {
	return s.setFrozen(ctx, args, false)
}

func (s *Service) setFrozen(ctx *cmdContext, args []string, frozen bool) Reply {
	if len(args) < 1 {
		return refused(ReasonMissingArgs)
	}
	name := args[0]
	if !knownAgent(ctx, name) {
		return refused(ReasonUnknownAgent)
	}
	a := ctx.snap.EnsureAgent(name)
	ws := ensureIntent(a)
	ws.Frozen = frozen
	if frozen {
		return appliedReply(false, fmt.Sprintf("%s is frozen in place.", name))
	}
	return appliedReply(false, fmt.Sprintf("%s may move again.", name))
}

func (s *Service) setIntent(ctx *cmdContext, args []string) Reply {
	if len(args) < 2 {
		return refused(ReasonMissingArgs)
	}
	name, intent := args[0], args[1]
	if !knownAgent(ctx, name) {
		return refused(ReasonUnknownAgent)
	}
	switch intent {
	case "idle", "wander", "follow", "respond":
	default:
		return refused(ReasonUnknownIntent)
	}
	target := ""
	if len(args) > 2 {
		target = args[2]
	}
	a := ctx.snap.EnsureAgent(name)
	ws := ensureIntent(a)
	ws.Intent = intent
	ws.IntentTarget = target
	ws.IntentSetAt = ctx.at
	ws.ManualOverride = true
	return appliedReply(false, fmt.Sprintf("%s will %s.", name, intent))
}

func (s *Service) grant(ctx *cmdContext, args []string) Reply {
	if len(args) < 2 {
		return refused(ReasonMissingArgs)
	}
	name := args[0]
	if !knownAgent(ctx, name) {
		return refused(ReasonUnknownAgent)
	}
	n, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return refused(ReasonBadAmount)
	}
	w := ctx.snap.World
	if w.Economy.Ledger == nil {
		w.Economy.Ledger = worldstate.CoinLedger{}
	}
	w.Economy.Ledger[name] += n
	w.Economy.MintedTotal += n
	return appliedReply(true, fmt.Sprintf("Granted %d %ss to %s.", n, w.Economy.Currency, name))
}

func (s *Service) threat(ctx *cmdContext, args []string) Reply {
	if len(args) < 2 {
		return refused(ReasonMissingArgs)
	}
	town := args[0]
	w := ctx.snap.World
	if !w.HasTown(town) {
		return refused(ReasonUnknownTown)
	}
	delta, err := strconv.Atoi(args[1])
	if err != nil {
		return refused(ReasonBadDelta)
	}
	if w.Threat.ByTown == nil {
		w.Threat.ByTown = map[string]int{}
	}
	w.Threat.ByTown[town] = worldstate.Clamp(w.Threat.ByTown[town]+delta, 0, 100)
	return appliedReply(true, fmt.Sprintf("Threat in %s is now %d.", town, w.Threat.ByTown[town]))
}

func (s *Service) news(ctx *cmdContext, args []string) Reply {
	if len(args) < 2 {
		return refused(ReasonMissingArgs)
	}
	town := args[0]
	w := ctx.snap.World
	if !w.HasTown(town) {
		return refused(ReasonUnknownTown)
	}
	message := strings.TrimSpace(strings.Join(args[1:], " "))
	if message == "" {
		return refused(ReasonMissingArgs)
	}
	id := "news_" + mustHash([]any{town, message, ctx.day})[:12]
	w.News = append(w.News, worldstate.NewsItem{
		ID:      id,
		Town:    town,
		Message: message,
		At:      ctx.at,
	})
	return appliedReply(true, fmt.Sprintf("News posted for %s.", town))
}

func (s *Service) spawnTown(ctx *cmdContext, args []string) Reply {
	if len(args) < 1 {
		return refused(ReasonMissingArgs)
	}
	name := strings.ToLower(args[0])
	w := ctx.snap.World
	if w.HasTown(name) {
		return refused(ReasonTownExists)
	}
	w.Towns = append(w.Towns, name)
	if w.Threat.ByTown == nil {
		w.Threat.ByTown = map[string]int{}
	}
	w.Threat.ByTown[name] = 0
	w.Chronicle = append(w.Chronicle, worldstate.ChronicleEntry{
		ID:      "founding_" + name,
		Type:    "founding",
		Town:    name,
		At:      ctx.at,
		Message: fmt.Sprintf("The town of %s was founded.", name),
	})
	return appliedReply(true, fmt.Sprintf("The town of %s joins the realm.", name))
}

func parseOnOff(v string) (bool, bool) {
	switch strings.ToLower(v) {
	case "on", "true":
		return true, true
	case "off", "false":
		return false, true
	}
	return false, false
}

func knownAgent(ctx *cmdContext, name string) bool {
	if len(ctx.req.Agents) > 0 {
		for _, a := range ctx.req.Agents {
			if a == name {
				return true
			}
		}
		return false
	}
	_, ok := ctx.snap.Agents[name]
	return ok
}

func ensureIntent(a *worldstate.AgentRecord) *worldstate.IntentState {
	if a.Profile.WorldIntent == nil {
		a.Profile.WorldIntent = &worldstate.IntentState{Intent: "idle"}
	}
	return a.Profile.WorldIntent
}
