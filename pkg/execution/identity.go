package execution

import (
	"encoding/json"
	"fmt"

	"github.com/duskhall/worldcore/pkg/canonical"
	"github.com/duskhall/worldcore/pkg/worldstate"
)

// resultIdentity hashes the canonical form of r with the identity fields
// blanked, so the id is a pure function of the result's content.
func resultIdentity(r *worldstate.ExecutionReceipt) (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("serialize result: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("reshape result: %w", err)
	}
	delete(doc, "executionId")
	delete(doc, "resultId")
	sum, err := canonical.Hash(doc)
	if err != nil {
		return "", fmt.Errorf("hash result: %w", err)
	}
	return "result_" + sum, nil
}

// Finalize stamps the content-addressed executionId and resultId onto r.
// Call exactly once, after every other field is settled.
func Finalize(r *worldstate.ExecutionReceipt) error {
	id, err := resultIdentity(r)
	if err != nil {
		return err
	}
	r.ExecutionID = id
	r.ResultID = id
	return nil
}

// IsValidExecutionResult recomputes the identity and verifies both id
// fields match it.
func IsValidExecutionResult(r *worldstate.ExecutionReceipt) bool {
	id, err := resultIdentity(r)
	if err != nil {
		return false
	}
	return r.ExecutionID == id && r.ResultID == id
}
