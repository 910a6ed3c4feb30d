package canonical

import (
	"testing"

	"github.com/wrentheai/trust-infra/pkg/contracts"
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
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	// encoding/json would produce < escapes; RFC 8785 forbids them.
	expected := `{"html":"<script>alert('xss')</script> &"}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_StructTagStability(t *testing.T) {
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

func TestMarshal_Numbers(t *testing.T) {
	cases := []struct {
		name     string
		input    map[string]interface{}
		expected string
	}{
		{"integer", map[string]interface{}{"n": 42}, `{"n":42}`},
		{"fraction", map[string]interface{}{"n": 123.456}, `{"n":123.456}`},
		{"whole float collapses", map[string]interface{}{"n": 10.0}, `{"n":10}`},
	}
	for _, tc := range cases {
		b, err := Marshal(tc.input)
		if err != nil {
			t.Fatalf("%s: Marshal failed: %v", tc.name, err)
		}
		if string(b) != tc.expected {
			t.Errorf("%s: Expected %s, got %s", tc.name, tc.expected, string(b))
		}
	}
}

func TestEventPreimage_GenesisNullPrevHash(t *testing.T) {
	pre := EventPreimage("a1", contracts.EventInputReceived, "2026-01-02T03:04:05.000Z", nil, map[string]any{"i": 1}, nil)

	b, err := Marshal(pre)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	expected := `{"agent_id":"a1","event_type":"input_received","payload":{"i":1},"prev_hash":null,"timestamp":"2026-01-02T03:04:05.000Z"}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestEventPreimage_CorrelationIDOmittedWhenAbsent(t *testing.T) {
	prev := "ab12"
	corr := "c0ffee"

	withCorr := EventPreimage("a1", contracts.EventDecisionMade, "2026-01-02T03:04:05.000Z", &prev, map[string]any{}, &corr)
	if _, ok := withCorr["correlation_id"]; !ok {
		t.Fatal("correlation_id missing when provided")
	}

	withoutCorr := EventPreimage("a1", contracts.EventDecisionMade, "2026-01-02T03:04:05.000Z", &prev, map[string]any{}, nil)
	if _, ok := withoutCorr["correlation_id"]; ok {
		t.Fatal("correlation_id present when absent; it must be omitted, not null")
	}

	b, err := Marshal(withoutCorr)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	expected := `{"agent_id":"a1","event_type":"decision_made","payload":{},"prev_hash":"ab12","timestamp":"2026-01-02T03:04:05.000Z"}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}
