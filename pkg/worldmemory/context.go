// Package worldmemory assembles bounded world-memory context documents from
// the chronicle and execution history projections. Scopes narrow to a town or
// a faction; faction scopes see faction-tagged chronicle entries plus
// everything from the faction's linked towns.
package worldmemory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/duskhall/worldcore/pkg/execution"
	"github.com/duskhall/worldcore/pkg/memstore"
	"github.com/duskhall/worldcore/pkg/worldstate"
)

// Envelope tags and limit bounds.
const (
	RequestType   = "world-memory-request.v1"
	ContextType   = "world-memory-context.v1"
	SchemaVersion = 1

	DefaultLimit = 3
	MinLimit     = 1
	MaxLimit     = 5
)

// Request asks for a context document. Zero limits take the default; out of
// range limits are clamped.
type Request struct {
	TownID         string
	FactionID      string
	ChronicleLimit int
	HistoryLimit   int
}

// Scope is the normalized request scope echoed in the context document.
type Scope struct {
	TownID         string `json:"townId,omitempty"`
	FactionID      string `json:"factionId,omitempty"`
	ChronicleLimit int    `json:"chronicleLimit"`
	HistoryLimit   int    `json:"historyLimit"`
}

// StatusCounts buckets execution history rows by terminal status.
type StatusCounts struct {
	Executed  int `json:"executed"`
	Rejected  int `json:"rejected"`
	Stale     int `json:"stale"`
	Duplicate int `json:"duplicate"`
	Failed    int `json:"failed"`
}

// TownSummary is the deterministic per-town view.
type TownSummary struct {
	TownID            string       `json:"townId"`
	StatusCounts      StatusCounts `json:"statusCounts"`
	LatestChronicleAt string       `json:"latestChronicleAt,omitempty"`
	LatestHistoryAt   string       `json:"latestHistoryAt,omitempty"`
}

// FactionSummary is the deterministic per-faction view.
type FactionSummary struct {
	FactionID         string       `json:"factionId"`
	LinkedTowns       []string     `json:"linkedTowns"`
	StatusCounts      StatusCounts `json:"statusCounts"`
	LatestChronicleAt string       `json:"latestChronicleAt,omitempty"`
	LatestHistoryAt   string       `json:"latestHistoryAt,omitempty"`
}

// Context is the assembled world-memory document.
type Context struct {
	Type            string                      `json:"type"`
	SchemaVersion   int                         `json:"schemaVersion"`
	Scope           Scope                       `json:"scope"`
	RecentChronicle []execution.ChronicleRecord `json:"recentChronicle"`
	RecentHistory   []execution.HistoryRecord   `json:"recentHistory"`
	TownSummary     *TownSummary                `json:"townSummary,omitempty"`
	FactionSummary  *FactionSummary             `json:"factionSummary,omitempty"`
}

// requestSchema is the strict shape of a wire request. Limits must already be
// in range on the wire; defaults only apply to omitted fields.
const requestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "schemaVersion", "scope"],
  "properties": {
    "type": {"const": "world-memory-request.v1"},
    "schemaVersion": {"const": 1},
    "scope": {
      "type": "object",
      "properties": {
        "townId": {"type": ["string", "null"]},
        "factionId": {"type": ["string", "null"]},
        "chronicleLimit": {"type": "integer", "minimum": 1, "maximum": 5},
        "historyLimit": {"type": "integer", "minimum": 1, "maximum": 5}
      }
    }
  }
}`

// RequestError is a recoverable rejection of a malformed wire request.
type RequestError struct {
	Issues []string
}

func (e *RequestError) Error() string {
	return "invalid world-memory request: " + strings.Join(e.Issues, "; ")
}

// IsRequestError reports whether err is a wire request rejection.
func IsRequestError(err error) bool {
	var r *RequestError
	return errors.As(err, &r)
}

// Options wire a Service.
type Options struct {
	Store     execution.Store
	Snapshots *memstore.Store
	Logger    *slog.Logger
}

// Service builds context documents over an execution store.
type Service struct {
	store  execution.Store
	snaps  *memstore.Store
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewService compiles the request schema and wires the service.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("worldmemory: store is required")
	}
	if opts.Snapshots == nil {
		return nil, errors.New("worldmemory: snapshot store is required")
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://worldcore.schemas.local/world-memory-request.schema.json"
	if err := c.AddResource(url, strings.NewReader(requestSchema)); err != nil {
		return nil, fmt.Errorf("request schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("request schema compile failed: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: opts.Store, snaps: opts.Snapshots, schema: compiled, logger: logger}, nil
}

type wireRequest struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Scope         struct {
		TownID         string `json:"townId"`
		FactionID      string `json:"factionId"`
		ChronicleLimit int    `json:"chronicleLimit"`
		HistoryLimit   int    `json:"historyLimit"`
	} `json:"scope"`
}

// HandleRequest validates a wire request line and builds its context.
func (s *Service) HandleRequest(ctx context.Context, raw []byte) (*Context, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &RequestError{Issues: []string{"not valid JSON: " + err.Error()}}
	}
	if err := s.schema.Validate(doc); err != nil {
		return nil, &RequestError{Issues: []string{err.Error()}}
	}
	var req wireRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &RequestError{Issues: []string{"decode: " + err.Error()}}
	}
	return s.BuildContext(ctx, Request{
		TownID:         req.Scope.TownID,
		FactionID:      req.Scope.FactionID,
		ChronicleLimit: req.Scope.ChronicleLimit,
		HistoryLimit:   req.Scope.HistoryLimit,
	})
}

// BuildContext assembles the document for req against the live projections.
func (s *Service) BuildContext(ctx context.Context, req Request) (*Context, error) {
	scope := execution.Scope{
		TownID:    strings.ToLower(strings.TrimSpace(req.TownID)),
		FactionID: strings.TrimSpace(req.FactionID),
	}
	chronicleLimit := clampLimit(req.ChronicleLimit)
	historyLimit := clampLimit(req.HistoryLimit)

	chronicle, err := s.store.ListChronicleRecords(ctx, scope, chronicleLimit)
	if err != nil {
		return nil, fmt.Errorf("list chronicle: %w", err)
	}
	history, err := s.store.ListHistoryRecords(ctx, scope, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	if chronicle == nil {
		chronicle = []execution.ChronicleRecord{}
	}
	if history == nil {
		history = []execution.HistoryRecord{}
	}

	out := &Context{
		Type:          ContextType,
		SchemaVersion: SchemaVersion,
		Scope: Scope{
			TownID:         scope.TownID,
			FactionID:      scope.FactionID,
			ChronicleLimit: chronicleLimit,
			HistoryLimit:   historyLimit,
		},
		RecentChronicle: chronicle,
		RecentHistory:   history,
	}

	if scope.TownID != "" {
		summary, err := s.townSummary(ctx, scope.TownID)
		if err != nil {
			return nil, err
		}
		out.TownSummary = summary
	}
	if scope.FactionID != "" {
		summary, err := s.factionSummary(ctx, scope.FactionID)
		if err != nil {
			return nil, err
		}
		out.FactionSummary = summary
	}
	return out, nil
}

func (s *Service) townSummary(ctx context.Context, townID string) (*TownSummary, error) {
	scope := execution.Scope{TownID: townID}
	history, err := s.store.ListHistoryRecords(ctx, scope, worldstate.EventLedgerCap)
	if err != nil {
		return nil, fmt.Errorf("town summary history: %w", err)
	}
	chronicle, err := s.store.ListChronicleRecords(ctx, scope, 1)
	if err != nil {
		return nil, fmt.Errorf("town summary chronicle: %w", err)
	}
	sum := &TownSummary{TownID: townID, StatusCounts: countStatuses(history)}
	if len(chronicle) > 0 {
		sum.LatestChronicleAt = chronicle[0].At
	}
	if len(history) > 0 {
		sum.LatestHistoryAt = history[0].At
	}
	return sum, nil
}

func (s *Service) factionSummary(ctx context.Context, factionID string) (*FactionSummary, error) {
	scope := execution.Scope{FactionID: factionID}
	history, err := s.store.ListHistoryRecords(ctx, scope, worldstate.EventLedgerCap)
	if err != nil {
		return nil, fmt.Errorf("faction summary history: %w", err)
	}
	chronicle, err := s.store.ListChronicleRecords(ctx, scope, 1)
	if err != nil {
		return nil, fmt.Errorf("faction summary chronicle: %w", err)
	}
	sum := &FactionSummary{
		FactionID:    factionID,
		LinkedTowns:  []string{},
		StatusCounts: countStatuses(history),
	}
	if snap, err := s.snaps.GetSnapshot(); err == nil {
		if towns := snap.World.FactionTowns(factionID); towns != nil {
			sum.LinkedTowns = towns
		}
	}
	if len(chronicle) > 0 {
		sum.LatestChronicleAt = chronicle[0].At
	}
	if len(history) > 0 {
		sum.LatestHistoryAt = history[0].At
	}
	return sum, nil
}

func countStatuses(history []execution.HistoryRecord) StatusCounts {
	var c StatusCounts
	for _, rec := range history {
		switch rec.Status {
		case worldstate.StatusExecuted:
			c.Executed++
		case worldstate.StatusRejected:
			c.Rejected++
		case worldstate.StatusStale:
			c.Stale++
		case worldstate.StatusDuplicate:
			c.Duplicate++
		case worldstate.StatusFailed:
			c.Failed++
		}
	}
	return c
}

func clampLimit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	if n < MinLimit {
		return MinLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}
