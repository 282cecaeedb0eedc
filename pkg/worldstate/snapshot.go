// Package worldstate defines the persisted world document: the snapshot, its
// agent and faction records, the world sub-document, and the execution
// sub-document. Everything in here is plain data; mutation policy lives in
// the store and the engines above it.
package worldstate

// Ring capacities. Ring-capped slices only shrink from the front; order is
// insertion order.
const (
	AgentShortCap     = 20
	AgentUtteranceCap = 10
	WorldArchiveCap   = 500
	ProcessedEventCap = 1000
	HistoryCap        = 512
	EventLedgerCap    = 1024
	PendingCap        = 128
)

// Clock phases and seasons form closed sets.
const (
	PhaseDay   = "day"
	PhaseNight = "night"

	SeasonDawn      = "dawn"
	SeasonLongNight = "long_night"
)

// Story factions are always materialized.
const (
	FactionIronPact   = "iron_pact"
	FactionVeilChurch = "veil_church"
)

// Currency is the only coin the economy mints.
const Currency = "emerald"

// Snapshot is the single authoritative world document. One per process,
// mutated only through store transactions, persisted as one JSON file via
// atomic rename.
type Snapshot struct {
	Agents            map[string]*AgentRecord   `json:"agents"`
	Factions          map[string]*FactionMemory `json:"factions"`
	World             *World                    `json:"world"`
	ProcessedEventIDs []string                  `json:"processedEventIds"`
	Execution         *ExecutionState           `json:"execution"`
}

// MemoryEntry is one remembered line of text.
type MemoryEntry struct {
	Text      string `json:"text"`
	Important bool   `json:"important,omitempty"`
	At        string `json:"at"`
}

// ArchiveEntry is one (time, event) line in an archive ring.
type ArchiveEntry struct {
	At        string `json:"at"`
	Event     string `json:"event"`
	Important bool   `json:"important,omitempty"`
}

// AgentRecord holds everything the world remembers about one agent.
type AgentRecord struct {
	Short      []MemoryEntry  `json:"short"`
	Long       []MemoryEntry  `json:"long"`
	Summary    string         `json:"summary"`
	Archive    []ArchiveEntry `json:"archive"`
	Utterances []string       `json:"utterances"`
	Profile    AgentProfile   `json:"profile"`
}

// AgentProfile is the mutable personality state carried by an agent.
type AgentProfile struct {
	Trust       int             `json:"trust"`
	Mood        string          `json:"mood"`
	Flags       map[string]bool `json:"flags,omitempty"`
	Rep         RepMap          `json:"rep,omitempty"`
	WorldIntent *IntentState    `json:"world_intent,omitempty"`
	Job         *Job            `json:"job,omitempty"`
}

// Job assigns a deterministic world-loop role to an agent.
type Job struct {
	Role string `json:"role"`
}

// Job roles the planner understands.
const (
	RoleScout   = "scout"
	RoleGuard   = "guard"
	RoleBuilder = "builder"
	RoleFarmer  = "farmer"
	RoleHauler  = "hauler"
)

// IntentState is the world-loop view of an agent.
type IntentState struct {
	Intent         string        `json:"intent"`
	IntentTarget   string        `json:"intent_target,omitempty"`
	IntentSetAt    string        `json:"intent_set_at,omitempty"`
	LastAction     string        `json:"last_action,omitempty"`
	LastActionAt   string        `json:"last_action_at,omitempty"`
	Frozen         bool          `json:"frozen,omitempty"`
	ManualOverride bool          `json:"manual_override,omitempty"`
	Budgets        IntentBudgets `json:"budgets"`
}

// IntentBudgets tracks the per-minute event budget window.
type IntentBudgets struct {
	MinuteBucket int64 `json:"minute_bucket"`
	EventsInMin  int   `json:"events_in_min"`
}

// FactionMemory holds a faction's remembered lines.
type FactionMemory struct {
	Long    []MemoryEntry  `json:"long"`
	Summary string         `json:"summary"`
	Archive []ArchiveEntry `json:"archive"`
}

// World is the shared world sub-document. Its canonical hash is the snapshot
// hash used by freshness checks, so volatile bookkeeping (processed event
// ids, execution records) lives outside it.
type World struct {
	WarActive bool                     `json:"warActive"`
	Rules     Rules                    `json:"rules"`
	Player    Player                   `json:"player"`
	Factions  map[string]*WorldFaction `json:"factions"`
	Towns     []string                 `json:"towns"`
	Clock     Clock                    `json:"clock"`
	Threat    Threat                   `json:"threat"`
	Markers   []Marker                 `json:"markers"`
	Markets   []Market                 `json:"markets"`
	Economy   Economy                  `json:"economy"`
	Projects  []Project                `json:"projects"`
	Missions  []Mission                `json:"missions"`
	Mayors    map[string]*MayorState   `json:"mayors,omitempty"`
	Chronicle []ChronicleEntry         `json:"chronicle"`
	News      []NewsItem               `json:"news"`
	Quests    []Quest                  `json:"quests"`
	Archive   []ArchiveEntry           `json:"archive"`
}

// Rules are the hard switches of the simulation.
type Rules struct {
	AllowLethalPolitics bool `json:"allowLethalPolitics"`
}

// Player is the human ruler the factions react to.
type Player struct {
	Name       string `json:"name"`
	Alive      bool   `json:"alive"`
	Legitimacy int    `json:"legitimacy"`
}

// WorldFaction is the political state of one faction.
type WorldFaction struct {
	HostilityToPlayer int      `json:"hostilityToPlayer"`
	Stability         int      `json:"stability"`
	Towns             []string `json:"towns"`
	Doctrine          string   `json:"doctrine"`
	Rivals            []string `json:"rivals"`
}

// Clock is the world calendar.
type Clock struct {
	Day       int    `json:"day"`
	Phase     string `json:"phase"`
	Season    string `json:"season"`
	UpdatedAt string `json:"updated_at"`
}

// Threat tracks per-town threat levels.
type Threat struct {
	ByTown map[string]int `json:"byTown"`
}

// Marker is a named position agents navigate between.
type Marker struct {
	ID    string  `json:"id"`
	Label string  `json:"label"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// Market is one town's offer board.
type Market struct {
	Town   string        `json:"town"`
	Offers []MarketOffer `json:"offers"`
}

// MarketOffer is one listed trade.
type MarketOffer struct {
	ID     string `json:"id"`
	Item   string `json:"item"`
	Amount int    `json:"amount"`
	Price  int    `json:"price"`
	Seller string `json:"seller,omitempty"`
	Active bool   `json:"active"`
}

// Economy is the coin ledger.
type Economy struct {
	Currency    string     `json:"currency"`
	Ledger      CoinLedger `json:"ledger"`
	MintedTotal uint64     `json:"minted_total,omitempty"`
}

// Project is a multi-stage town effort advanced by authority commands.
type Project struct {
	ID     string `json:"id"`
	Town   string `json:"town"`
	Name   string `json:"name"`
	Stage  int    `json:"stage"`
	Stages int    `json:"stages"`
}

// Mission is a town mission; at most one major mission is active per town.
type Mission struct {
	ID          string `json:"id"`
	Town        string `json:"town"`
	Name        string `json:"name"`
	Major       bool   `json:"major"`
	Active      bool   `json:"active"`
	AcceptedDay int    `json:"accepted_day,omitempty"`
}

// MayorState tracks per-town mayor interaction state.
type MayorState struct {
	BriefingMissionID string `json:"briefing_mission_id,omitempty"`
	BriefingDay       int    `json:"briefing_day,omitempty"`
	CooldownUntilDay  int    `json:"cooldown_until_day,omitempty"`
}

// ChronicleEntry is one durable world-history record.
type ChronicleEntry struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Town    string `json:"town,omitempty"`
	Faction string `json:"faction,omitempty"`
	At      string `json:"at"`
	Message string `json:"message"`
}

// NewsItem is one broadcastable news line.
type NewsItem struct {
	ID      string `json:"id"`
	Town    string `json:"town,omitempty"`
	Message string `json:"message"`
	At      string `json:"at"`
}

// Quest is one tracked town quest.
type Quest struct {
	ID     string `json:"id"`
	Town   string `json:"town,omitempty"`
	Name   string `json:"name"`
	Status string `json:"status"`
	At     string `json:"at,omitempty"`
}

// ExecutionState is the snapshot's execution sub-document: terminal receipts,
// per-kind ledger rows, and in-flight pending records.
type ExecutionState struct {
	History     []ExecutionReceipt     `json:"history"`
	EventLedger []ExecutionLedgerEntry `json:"eventLedger"`
	Pending     []PendingExecution     `json:"pending"`
}

// Receipt statuses.
const (
	StatusExecuted  = "executed"
	StatusRejected  = "rejected"
	StatusStale     = "stale"
	StatusDuplicate = "duplicate"
	StatusFailed    = "failed"
)

// ExecutionReceipt is the terminal record of one handoff, identical to the
// wire result envelope.
type ExecutionReceipt struct {
	Type              string          `json:"type"`
	SchemaVersion     int             `json:"schemaVersion"`
	ExecutionID       string          `json:"executionId"`
	ResultID          string          `json:"resultId"`
	HandoffID         string          `json:"handoffId"`
	ProposalID        string          `json:"proposalId"`
	IdempotencyKey    string          `json:"idempotencyKey"`
	SnapshotHash      string          `json:"snapshotHash"`
	DecisionEpoch     int             `json:"decisionEpoch"`
	ActorID           string          `json:"actorId"`
	TownID            string          `json:"townId"`
	ProposalType      string          `json:"proposalType"`
	Command           string          `json:"command"`
	AuthorityCommands []string        `json:"authorityCommands"`
	Status            string          `json:"status"`
	Accepted          bool            `json:"accepted"`
	Executed          bool            `json:"executed"`
	ReasonCode        string          `json:"reasonCode"`
	Evaluation        Evaluation      `json:"evaluation"`
	WorldState        WorldStateAfter `json:"worldState"`
}

// Evaluation carries the three gate checks of the decision pipeline.
type Evaluation struct {
	Preconditions  PreconditionCheck `json:"preconditions"`
	StaleCheck     StaleCheck        `json:"staleCheck"`
	DuplicateCheck DuplicateCheck    `json:"duplicateCheck"`
}

// PreconditionCheck reports translation-time precondition evaluation.
type PreconditionCheck struct {
	Evaluated bool                  `json:"evaluated"`
	Passed    bool                  `json:"passed"`
	Failures  []PreconditionFailure `json:"failures"`
}

// PreconditionFailure names one failed precondition.
type PreconditionFailure struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// StaleCheck reports the freshness comparison against the live projection.
type StaleCheck struct {
	Evaluated           bool   `json:"evaluated"`
	Passed              bool   `json:"passed"`
	ActualSnapshotHash  string `json:"actualSnapshotHash,omitempty"`
	ActualDecisionEpoch int    `json:"actualDecisionEpoch"`
}

// DuplicateCheck reports receipt lookup by handoff id or idempotency key.
type DuplicateCheck struct {
	Evaluated   bool   `json:"evaluated"`
	Duplicate   bool   `json:"duplicate"`
	DuplicateOf string `json:"duplicateOf,omitempty"`
}

// WorldStateAfter is the post-execution projection embedded in a receipt.
type WorldStateAfter struct {
	PostExecutionSnapshotHash  string `json:"postExecutionSnapshotHash"`
	PostExecutionDecisionEpoch int    `json:"postExecutionDecisionEpoch"`
}

// PendingExecution is the bookkeeping row for an in-flight handoff.
type PendingExecution struct {
	PendingID              string `json:"pendingId"`
	HandoffID              string `json:"handoffId"`
	IdempotencyKey         string `json:"idempotencyKey"`
	ProposalID             string `json:"proposalId"`
	Status                 string `json:"status"`
	PreparedSnapshotHash   string `json:"preparedSnapshotHash"`
	PreparedDecisionEpoch  int    `json:"preparedDecisionEpoch"`
	LastKnownSnapshotHash  string `json:"lastKnownSnapshotHash,omitempty"`
	LastKnownDecisionEpoch int    `json:"lastKnownDecisionEpoch,omitempty"`
	TotalCommandCount      int    `json:"totalCommandCount"`
	CompletedCommandCount  int    `json:"completedCommandCount"`
	LastAppliedCommand     string `json:"lastAppliedCommand,omitempty"`
	CreatedAt              string `json:"createdAt"`
	UpdatedAt              string `json:"updatedAt"`
}

// ExecutionLedgerEntry is one classified lifecycle event, keyed by
// executionId plus kind.
type ExecutionLedgerEntry struct {
	ID                        string `json:"id"`
	Kind                      string `json:"kind"`
	HandoffID                 string `json:"handoffId"`
	IdempotencyKey            string `json:"idempotencyKey"`
	ExecutionID               string `json:"executionId"`
	Status                    string `json:"status"`
	ReasonCode                string `json:"reasonCode"`
	Day                       int    `json:"day"`
	At                        string `json:"at,omitempty"`
	ActualSnapshotHash        string `json:"actualSnapshotHash,omitempty"`
	PostExecutionSnapshotHash string `json:"postExecutionSnapshotHash,omitempty"`
}

// FreshShape returns the default world document used when no snapshot file
// exists or the existing one cannot be parsed.
func FreshShape() *Snapshot {
	return &Snapshot{
		Agents:   map[string]*AgentRecord{},
		Factions: map[string]*FactionMemory{},
		World: &World{
			WarActive: false,
			Rules:     Rules{AllowLethalPolitics: false},
			Player:    Player{Name: "Regent", Alive: true, Legitimacy: 50},
			Factions: map[string]*WorldFaction{
				FactionIronPact:   defaultIronPact(),
				FactionVeilChurch: defaultVeilChurch(),
			},
			Towns:     []string{"ashford", "briarwell"},
			Clock:     Clock{Day: 1, Phase: PhaseDay, Season: SeasonDawn, UpdatedAt: "2026-01-01T00:00:00.000Z"},
			Threat:    Threat{ByTown: map[string]int{}},
			Markers:   []Marker{},
			Markets:   []Market{},
			Economy:   Economy{Currency: Currency, Ledger: CoinLedger{}},
			Projects:  []Project{},
			Missions:  []Mission{},
			Chronicle: []ChronicleEntry{},
			News:      []NewsItem{},
			Quests:    []Quest{},
			Archive:   []ArchiveEntry{},
		},
		ProcessedEventIDs: []string{},
		Execution: &ExecutionState{
			History:     []ExecutionReceipt{},
			EventLedger: []ExecutionLedgerEntry{},
			Pending:     []PendingExecution{},
		},
	}
}

func defaultIronPact() *WorldFaction {
	return &WorldFaction{
		HostilityToPlayer: 25,
		Stability:         60,
		Towns:             []string{"ashford"},
		Doctrine:          "strength through order",
		Rivals:            []string{FactionVeilChurch},
	}
}

func defaultVeilChurch() *WorldFaction {
	return &WorldFaction{
		HostilityToPlayer: 25,
		Stability:         60,
		Towns:             []string{"briarwell"},
		Doctrine:          "the veil remembers",
		Rivals:            []string{FactionIronPact},
	}
}

// EnsureAgent materializes the record for name with defaults.
func (s *Snapshot) EnsureAgent(name string) *AgentRecord {
	if s.Agents == nil {
		s.Agents = map[string]*AgentRecord{}
	}
	if a, ok := s.Agents[name]; ok {
		return a
	}
	a := &AgentRecord{
		Short:      []MemoryEntry{},
		Long:       []MemoryEntry{},
		Archive:    []ArchiveEntry{},
		Utterances: []string{},
		Profile:    AgentProfile{Trust: 5, Mood: "calm"},
	}
	s.Agents[name] = a
	return a
}

// EnsureFaction materializes the memory record for name.
func (s *Snapshot) EnsureFaction(name string) *FactionMemory {
	if s.Factions == nil {
		s.Factions = map[string]*FactionMemory{}
	}
	if f, ok := s.Factions[name]; ok {
		return f
	}
	f := &FactionMemory{Long: []MemoryEntry{}, Archive: []ArchiveEntry{}}
	s.Factions[name] = f
	return f
}

// HasTown reports whether id is a canonical town of this world.
func (w *World) HasTown(id string) bool {
	for _, t := range w.Towns {
		if t == id {
			return true
		}
	}
	return false
}

// FindProject returns the project with id, or nil.
func (w *World) FindProject(id string) *Project {
	for i := range w.Projects {
		if w.Projects[i].ID == id {
			return &w.Projects[i]
		}
	}
	return nil
}

// FactionTowns returns a copy of the faction's linked towns, or nil for an
// unknown faction.
func (w *World) FactionTowns(factionID string) []string {
	f, ok := w.Factions[factionID]
	if !ok {
		return nil
	}
	return append([]string(nil), f.Towns...)
}

// ActiveMajorMission returns the active major mission for town, or nil.
func (w *World) ActiveMajorMission(town string) *Mission {
	for i := range w.Missions {
		m := &w.Missions[i]
		if m.Town == town && m.Major && m.Active {
			return m
		}
	}
	return nil
}

// MayorFor materializes the mayor state for town.
func (w *World) MayorFor(town string) *MayorState {
	if w.Mayors == nil {
		w.Mayors = map[string]*MayorState{}
	}
	m, ok := w.Mayors[town]
	if !ok {
		m = &MayorState{}
		w.Mayors[town] = m
	}
	return m
}
