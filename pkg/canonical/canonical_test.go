package canonical

import (
	"fmt"
	"strings"
	"testing"
)

func TestMarshal_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	// Standard encoding/json would emit < etc.; RFC 8785 forbids that.
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}
	expected := `{"html":"<script>alert('xss')</script> &"}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestHash_Stability(t *testing.T) {
	// Two inputs that are semantically identical but constructed differently.
	v1 := map[string]interface{}{"a": 1, "b": 2}

	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := S{A: 1, B: 2}

	h1, err := Hash(v1)
	if err != nil {
		t.Fatal(err)
	}

	h2, err := Hash(v2)
	if err != nil {
		t.Fatal(err)
	}

	if h1 != h2 {
		t.Errorf("Hash mismatch for semantically identical inputs: %s != %s", h1, h2)
	}
}

func TestHash_HexShape(t *testing.T) {
	h, err := Hash(map[string]string{"k": "v"})
	if err != nil {
		t.Fatal(err)
	}
	if len(h) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h))
	}
	if strings.ToLower(h) != h {
		t.Error("hash must be lowercase hex")
	}
}

func TestString_IsReachable(t *testing.T) {
	s, err := String(map[string]int{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if s != `{"a":1,"b":2}` {
		t.Fatalf("unexpected canonical string: %s", s)
	}
}

func TestHashMod_DeterministicAndBounded(t *testing.T) {
	a := HashMod("mara:17", 997)
	b := HashMod("mara:17", 997)
	if a != b {
		t.Fatalf("same input must select the same slot: %d vs %d", a, b)
	}
	if a >= 997 {
		t.Fatalf("selection out of range: %d", a)
	}
	seen := map[uint64]bool{}
	for i := 0; i < 64; i++ {
		seen[HashMod(fmt.Sprintf("mara:%d", i), 4)] = true
	}
	if len(seen) < 2 {
		t.Error("sixty-four consecutive inputs mapped to one slot, selector looks degenerate")
	}
}
