package worldstate

import (
	"fmt"

	"github.com/duskhall/worldcore/pkg/canonical"
)

// Projection is the deterministic freshness view of a world: the canonical
// hash of the world sub-document and the decision epoch derived from the
// clock. Handoffs carry an expected projection; execution compares it
// against the live one.
type Projection struct {
	SnapshotHash  string `json:"snapshotHash"`
	DecisionEpoch int    `json:"decisionEpoch"`
}

// DecisionEpoch maps the clock onto a monotonic epoch: two per day, night
// after day.
func (c Clock) DecisionEpoch() int {
	epoch := c.Day * 2
	if c.Phase == PhaseNight {
		epoch++
	}
	return epoch
}

// Project computes the projection of w. The hash covers only the world
// sub-document, so agent memories and execution bookkeeping do not disturb
// freshness.
func Project(w *World) (Projection, error) {
	sum, err := canonical.Hash(w)
	if err != nil {
		return Projection{}, fmt.Errorf("project world: %w", err)
	}
	return Projection{SnapshotHash: sum, DecisionEpoch: w.Clock.DecisionEpoch()}, nil
}
