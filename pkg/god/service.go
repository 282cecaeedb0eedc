// Package god is the authority command vocabulary: operator and adapter
// facing commands that mutate the snapshot through idempotent transactions.
// Reason phrases are part of the contract; the execution adapter classifies
// rejections by exact text.
package god

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/duskhall/worldcore/pkg/memstore"
	"github.com/duskhall/worldcore/pkg/worldstate"
)

// Reason phrases. Do not reword; callers match on them.
const (
	ReasonUnknownCommand   = "Unknown command."
	ReasonUnknownTown      = "Unknown town."
	ReasonUnknownProject   = "Unknown project."
	ReasonUnknownSalvage   = "Unknown salvage target."
	ReasonUnknownTownsfolk = "Unknown townsfolk."
	ReasonUnknownAgent     = "Unknown agent."
	ReasonUnknownIntent    = "Unknown intent."
	ReasonMissingArgs      = "Missing arguments."
	ReasonMissionActive    = "Major mission already active."
	ReasonBriefingRequired = "No major mission briefing is available. talk to the mayor first."
	ReasonDuplicate        = "Duplicate operation ignored."
	ReasonProjectComplete  = "Project already complete."
	ReasonBadAmount        = "Amount must be a non-negative integer."
)

// CooldownPrefix starts every mayor-cooldown rejection.
const CooldownPrefix = "mayor cooldown active until day "

// MayorCooldownDays is how long a mayor stays unavailable after a mission is
// accepted.
const MayorCooldownDays = 2

// Request is one command application.
type Request struct {
	// Agents is the known agent roster; agent-targeting commands validate
	// against it.
	Agents      []string
	Command     string
	OperationID string
}

// Reply reports whether the command mutated the world.
type Reply struct {
	Applied     bool     `json:"applied"`
	Reason      string   `json:"reason,omitempty"`
	OutputLines []string `json:"outputLines,omitempty"`
	Audit       bool     `json:"audit,omitempty"`
}

// handler mutates the working snapshot and returns the reply. A not-applied
// reply aborts the transaction, so failed commands neither persist nor
// consume the operation id.
type handler func(ctx *cmdContext, args []string) Reply

type cmdContext struct {
	snap *worldstate.Snapshot
	req  Request
	at   string
	day  int
}

// Options configure the service.
type Options struct {
	Store  *memstore.Store
	Logger *slog.Logger
	Clock  func() time.Time
	// SalvageTargets overrides the salvage target whitelist.
	SalvageTargets map[string]bool
	// Townsfolk overrides the townsfolk whitelist.
	Townsfolk map[string]bool
}

// Service dispatches authority commands.
type Service struct {
	store          *memstore.Store
	logger         *slog.Logger
	clock          func() time.Time
	salvageTargets map[string]bool
	townsfolk      map[string]bool
	commands       map[string]handler
}

// NewService builds the service with the built-in vocabulary.
func NewService(opts Options) *Service {
	s := &Service{
		store:          opts.Store,
		logger:         opts.Logger,
		clock:          opts.Clock,
		salvageTargets: opts.SalvageTargets,
		townsfolk:      opts.Townsfolk,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.salvageTargets == nil {
		s.salvageTargets = map[string]bool{"granary": true, "watchtower": true, "stores": true}
	}
	if s.townsfolk == nil {
		s.townsfolk = map[string]bool{"elder": true, "innkeep": true}
	}
	s.commands = map[string]handler{
		"mayor talk":      s.mayorTalk,
		"mayor accept":    s.mayorAccept,
		"project advance": s.projectAdvance,
		"salvage plan":    s.salvagePlan,
		"townsfolk talk":  s.townsfolkTalk,
		"set rule":        s.setRule,
		"set phase":       s.setPhase,
		"set intent":      s.setIntent,
		"set legitimacy":  s.setLegitimacy,
		"advance day":     s.advanceDay,
		"freeze":          s.freeze,
		"unfreeze":        s.unfreeze,
		"grant":           s.grant,
		"threat":          s.threat,
		"news":            s.news,
		"spawn town":      s.spawnTown,
	}
	return s
}

// notApplied carries a failed reply out of the mutator so the transaction
// aborts without consuming the operation id.
type notApplied struct {
	reply Reply
}

func (e *notApplied) Error() string { return "god command not applied: " + e.reply.Reason }

// Apply parses and runs one command inside a single transaction keyed by the
// operation id. A duplicate operation returns applied=false with
// ReasonDuplicate and no further effects.
func (s *Service) Apply(req Request) (Reply, error) {
	verb, args, cmd := s.resolve(req.Command)
	if cmd == nil {
		return Reply{Applied: false, Reason: ReasonUnknownCommand}, nil
	}

	res, err := s.store.Transact(func(snap *worldstate.Snapshot) (any, error) {
		ctx := &cmdContext{
			snap: snap,
			req:  req,
			at:   worldstate.NowISO(s.clock()),
			day:  snap.World.Clock.Day,
		}
		reply := cmd(ctx, args)
		if !reply.Applied {
			return nil, &notApplied{reply: reply}
		}
		return reply, nil
	}, memstore.TxOptions{EventID: req.OperationID})

	var failed *notApplied
	if errors.As(err, &failed) {
		s.logger.Debug("god command refused", "command", verb, "reason", failed.reply.Reason)
		return failed.reply, nil
	}
	if err != nil {
		return Reply{}, err
	}
	if res.Skipped {
		return Reply{Applied: false, Reason: ReasonDuplicate}, nil
	}
	reply, _ := res.Result.(Reply)
	s.logger.Debug("god command applied", "command", verb, "operation_id", req.OperationID)
	return reply, nil
}

// resolve picks the longest matching verb: two words first, then one.
func (s *Service) resolve(command string) (string, []string, handler) {
	fields := strings.Fields(strings.TrimSpace(command))
	if len(fields) == 0 {
		return "", nil, nil
	}
	if len(fields) >= 2 {
		key := fields[0] + " " + fields[1]
		if h, ok := s.commands[key]; ok {
			return key, fields[2:], h
		}
	}
	if h, ok := s.commands[fields[0]]; ok {
		return fields[0], fields[1:], h
	}
	return fields[0], fields[1:], nil
}
