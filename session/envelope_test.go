package session

import (
	"encoding/json"
	"testing"
)

func TestSequenceNo(t *testing.T) {
	tests := []struct {
		spa string
		n   int64
	}{
		{"5a1e6c2e-2b1f-4a87-9d0e-2f4b8f6b3c11", 1},
		{"spa", 0},
		{"with#hash", 42},
	}
	for _, tt := range tests {
		s := FormatSequenceNo(tt.spa, tt.n)
		spa, n, err := ParseSequenceNo(s)
		if err != nil {
			t.Fatalf("ParseSequenceNo(%q): %v", s, err)
		}
		if spa != tt.spa || n != tt.n {
			t.Errorf("ParseSequenceNo(%q) = %q, %d", s, spa, n)
		}
	}

	for _, bad := range []string{"", "spa", "spa#", "spa#x"} {
		if _, _, err := ParseSequenceNo(bad); err == nil {
			t.Errorf("ParseSequenceNo(%q) succeeded", bad)
		}
	}
}

func TestEncodeInteractions(t *testing.T) {
	params, err := Params(map[string]any{"Page": "22", "Bookmark": nil})
	if err != nil {
		t.Fatalf("Params: %v", err)
	}
	wire, err := encodeInteractions([]Interaction{
		{Name: InteractionOpenForm, NamedParameters: params},
		{Name: "InvokeAction", FormID: "265", ControlPath: "server:c[1]", CallbackID: "cb"},
	})
	if err != nil {
		t.Fatalf("encodeInteractions: %v", err)
	}

	var named map[string]any
	if err := json.Unmarshal([]byte(wire[0].NamedParameters), &named); err != nil {
		t.Fatalf("namedParameters is not JSON: %v", err)
	}
	if named["Page"] != "22" {
		t.Errorf("namedParameters = %v", named)
	}
	if wire[0].CallbackID != "0" {
		t.Errorf("default callbackId = %q", wire[0].CallbackID)
	}
	if wire[1].NamedParameters != "{}" || wire[1].CallbackID != "cb" {
		t.Errorf("second interaction = %+v", wire[1])
	}

	data, _ := json.Marshal(wire[0])
	var raw map[string]any
	json.Unmarshal(data, &raw)
	if _, ok := raw["formId"]; ok {
		t.Errorf("empty formId was sent: %s", data)
	}
}

func TestParamsRejectsUnsupportedValues(t *testing.T) {
	if _, err := Params(map[string]any{"ch": make(chan int)}); err == nil {
		t.Fatalf("Params accepted a channel")
	}
}

func TestEncodeExtensions(t *testing.T) {
	got, err := encodeExtensions([]string{"A", "B"})
	if err != nil {
		t.Fatalf("encodeExtensions: %v", err)
	}
	if got != `[{"Name":"A"},{"Name":"B"}]` {
		t.Errorf("extensions = %s", got)
	}
}
