package execution

import (
	"encoding/json"
	"strings"

	"github.com/duskhall/worldcore/pkg/worldstate"
)

// Translation is the outcome of mapping a proposal onto authority commands.
// Commands are only trustworthy when Failures is empty.
type Translation struct {
	TownID   string
	Commands []string
	Failures []worldstate.PreconditionFailure
}

// TranslatorOptions extend the canonical catalog.
type TranslatorOptions struct {
	// TownAliases maps external town spellings onto canonical town ids.
	TownAliases map[string]string
	// SalvageFocusTargets maps a proposal focus onto the salvage target key
	// the god service knows.
	SalvageFocusTargets map[string]string
	// TalkTypeNPCs maps a talk type onto a townsfolk key.
	TalkTypeNPCs map[string]string
	// Preconditions evaluates custom_expr entries; nil fails them closed.
	Preconditions *PreconditionEvaluator
}

// Translator maps proposals onto god-service command sequences and evaluates
// declared preconditions against the live world.
type Translator struct {
	aliases      map[string]string
	salvageFocus map[string]string
	talkTypes    map[string]string
	pre          *PreconditionEvaluator
}

// NewTranslator builds the canonical catalog plus any extensions.
func NewTranslator(opts TranslatorOptions) *Translator {
	t := &Translator{
		aliases:      map[string]string{},
		salvageFocus: map[string]string{"scarcity": "granary", "dread": "watchtower", "general": "stores"},
		talkTypes:    map[string]string{"morale-boost": "elder", "casual": "innkeep"},
		pre:          opts.Preconditions,
	}
	for k, v := range opts.TownAliases {
		t.aliases[strings.ToLower(k)] = v
	}
	for k, v := range opts.SalvageFocusTargets {
		t.salvageFocus[k] = v
	}
	for k, v := range opts.TalkTypeNPCs {
		t.talkTypes[k] = v
	}
	return t
}

// NormalizeTown lowercases, trims, and resolves aliases.
func (t *Translator) NormalizeTown(raw string) string {
	town := strings.ToLower(strings.TrimSpace(raw))
	if canonicalName, ok := t.aliases[town]; ok {
		return canonicalName
	}
	return town
}

// Translate maps h onto authority commands, collecting every precondition
// failure it can see against w.
func (t *Translator) Translate(h *Handoff, w *worldstate.World) Translation {
	out := Translation{
		TownID:   t.NormalizeTown(h.Proposal.TownID),
		Failures: []worldstate.PreconditionFailure{},
	}

	switch h.Proposal.Type {
	case ProposalMayorAcceptMission, ProposalProjectAdvance, ProposalSalvagePlan, ProposalTownsfolkTalk:
	default:
		out.Failures = append(out.Failures, worldstate.PreconditionFailure{
			Kind:   "proposal_type",
			Detail: "Unknown proposal type: " + h.Proposal.Type,
		})
		return out
	}

	townKnown := w.HasTown(out.TownID)
	if !townKnown {
		out.Failures = append(out.Failures, worldstate.PreconditionFailure{
			Kind:   "town_exists",
			Detail: "Unknown town: " + h.Proposal.TownID,
		})
	}

	switch h.Proposal.Type {
	case ProposalMayorAcceptMission:
		if argString(h.Proposal.Args, "missionId") == "" {
			out.Failures = append(out.Failures, worldstate.PreconditionFailure{
				Kind:   "mission_id",
				Detail: "missionId is required",
			})
		}
		if townKnown && w.ActiveMajorMission(out.TownID) != nil {
			out.Failures = append(out.Failures, worldstate.PreconditionFailure{
				Kind:   "no_active_major_mission",
				Detail: "Major mission already active in " + out.TownID,
			})
		}
		out.Commands = []string{"mayor talk " + out.TownID, "mayor accept " + out.TownID}

	case ProposalProjectAdvance:
		projectID := argString(h.Proposal.Args, "projectId")
		if projectID == "" {
			out.Failures = append(out.Failures, worldstate.PreconditionFailure{
				Kind:   "project_id",
				Detail: "projectId is required",
			})
		} else if p := w.FindProject(projectID); p == nil || p.Town != out.TownID {
			out.Failures = append(out.Failures, worldstate.PreconditionFailure{
				Kind:   "project_exists",
				Detail: "Unknown project: " + projectID,
			})
		}
		out.Commands = []string{"project advance " + out.TownID + " " + projectID}

	case ProposalSalvagePlan:
		focus := argString(h.Proposal.Args, "focus")
		target, ok := t.salvageFocus[focus]
		if !ok {
			out.Failures = append(out.Failures, worldstate.PreconditionFailure{
				Kind:   "salvage_focus",
				Detail: "Unknown salvage focus: " + focus,
			})
		}
		out.Commands = []string{"salvage plan " + out.TownID + " " + target}

	case ProposalTownsfolkTalk:
		talkType := argString(h.Proposal.Args, "talkType")
		npc, ok := t.talkTypes[talkType]
		if !ok {
			out.Failures = append(out.Failures, worldstate.PreconditionFailure{
				Kind:   "talk_type",
				Detail: "Unknown talk type: " + talkType,
			})
		}
		out.Commands = []string{"townsfolk talk " + out.TownID + " " + npc}
	}

	out.Failures = append(out.Failures, t.evaluateCustom(h, w)...)
	return out
}

// evaluateCustom runs declared custom_expr preconditions. A missing
// evaluator fails them closed rather than silently passing.
func (t *Translator) evaluateCustom(h *Handoff, w *worldstate.World) []worldstate.PreconditionFailure {
	var failures []worldstate.PreconditionFailure
	var input map[string]any
	for _, pc := range h.ExecutionRequirements.Preconditions {
		if pc.Kind != "custom_expr" || pc.Expr == "" {
			continue
		}
		if t.pre == nil {
			failures = append(failures, worldstate.PreconditionFailure{
				Kind:   "custom_expr",
				Detail: "no expression evaluator configured",
			})
			continue
		}
		if input == nil {
			input = map[string]any{
				"proposal": toPlainMap(h.Proposal),
				"world":    toPlainMap(w),
			}
		}
		ok, err := t.pre.Evaluate(pc.Expr, input)
		if err != nil {
			failures = append(failures, worldstate.PreconditionFailure{
				Kind:   "custom_expr",
				Detail: "expression error: " + err.Error(),
			})
			continue
		}
		if !ok {
			failures = append(failures, worldstate.PreconditionFailure{
				Kind:   "custom_expr",
				Detail: "expression not satisfied: " + pc.Expr,
			})
		}
	}
	return failures
}

func argString(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// toPlainMap flattens a struct into the generic JSON shape CEL evaluates
// against.
func toPlainMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
