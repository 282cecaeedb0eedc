package worldstate

import (
	"encoding/json"
	"fmt"
)

// Clone deep-copies the snapshot through a JSON round-trip. The document is
// plain data, so this is exact; mutators work on the clone and the original
// stays untouched until commit.
func (s *Snapshot) Clone() (*Snapshot, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("clone snapshot: marshal: %w", err)
	}
	out := &Snapshot{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("clone snapshot: unmarshal: %w", err)
	}
	out.Normalize()
	return out, nil
}
