package execution

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// handoffSchema is the strict shape of an advisory handoff envelope.
// Cross-field equalities (idempotencyKey, requirement echoes) are checked in
// Go after the structural pass.
const handoffSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schemaVersion", "advisory", "handoffId", "proposalId",
    "idempotencyKey", "snapshotHash", "decisionEpoch", "command",
    "proposal", "executionRequirements"],
  "properties": {
    "schemaVersion": {"const": "execution-handoff.v1"},
    "advisory": {"const": true},
    "handoffId": {"type": "string", "pattern": "^handoff_[0-9a-f]{64}$"},
    "proposalId": {"type": "string", "pattern": "^proposal_[0-9a-f]{64}$"},
    "idempotencyKey": {"type": "string", "minLength": 1},
    "snapshotHash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "decisionEpoch": {"type": "integer", "minimum": 0},
    "command": {"type": "string", "minLength": 1},
    "proposal": {
      "type": "object",
      "required": ["type", "actorId", "townId", "args"],
      "properties": {
        "type": {"type": "string", "minLength": 1},
        "actorId": {"type": "string", "minLength": 1},
        "townId": {"type": "string", "minLength": 1},
        "args": {"type": "object"}
      }
    },
    "executionRequirements": {
      "type": "object",
      "required": ["expectedSnapshotHash", "expectedDecisionEpoch"],
      "properties": {
        "expectedSnapshotHash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
        "expectedDecisionEpoch": {"type": "integer", "minimum": 0},
        "preconditions": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["kind"],
            "properties": {"kind": {"type": "string", "minLength": 1}}
          }
        }
      }
    }
  }
}`

// ValidationError is a recoverable rejection of a malformed handoff.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid handoff: " + strings.Join(e.Issues, "; ")
}

// IsValidationError reports whether err is a handoff validation rejection.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Validator holds the compiled handoff schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the handoff schema. Compilation failure is a
// programmer error and fails construction.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://worldcore.schemas.local/execution-handoff.schema.json"
	if err := c.AddResource(url, strings.NewReader(handoffSchema)); err != nil {
		return nil, fmt.Errorf("handoff schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("handoff schema compile failed: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

// Parse validates raw strictly and decodes it. All failures come back as a
// *ValidationError; nothing about a rejected envelope is trusted.
func (v *Validator) Parse(raw []byte) (*Handoff, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &ValidationError{Issues: []string{"not valid JSON: " + err.Error()}}
	}
	if err := v.schema.Validate(doc); err != nil {
		return nil, &ValidationError{Issues: []string{err.Error()}}
	}

	h := &Handoff{}
	if err := json.Unmarshal(raw, h); err != nil {
		return nil, &ValidationError{Issues: []string{"decode: " + err.Error()}}
	}

	var issues []string
	if h.IdempotencyKey != h.ProposalID {
		issues = append(issues, "idempotencyKey must equal proposalId")
	}
	if h.ExecutionRequirements.ExpectedSnapshotHash != h.SnapshotHash {
		issues = append(issues, "executionRequirements.expectedSnapshotHash must echo snapshotHash")
	}
	if h.ExecutionRequirements.ExpectedDecisionEpoch != h.DecisionEpoch {
		issues = append(issues, "executionRequirements.expectedDecisionEpoch must echo decisionEpoch")
	}
	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return h, nil
}
