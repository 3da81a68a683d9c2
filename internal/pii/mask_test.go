package pii

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMaskString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Jo", "****"},
		{"John", "****"},
		{"Johnny", "Jo****ny"},
		{"GB29NWBK60161331926819", "GB****19"},
		{"Zoë Ålander", "Zo****er"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := MaskString(tt.in); got != tt.want {
				t.Errorf("MaskString(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsSensitive(t *testing.T) {
	for _, key := range []string{"name", "Customer_Name", "account-number", "Date Of Birth", "email", "dob"} {
		if !IsSensitive(key) {
			t.Errorf("expected %q to be sensitive", key)
		}
	}
	for _, key := range []string{"segment", "country", "pep_flags", "occupation"} {
		if IsSensitive(key) {
			t.Errorf("expected %q to be non-sensitive", key)
		}
	}
}

func TestMaskNested(t *testing.T) {
	input := map[string]any{
		"customer": map[string]any{
			"name":           "Alexandra Petrova",
			"account_number": "GB29NWBK60161331926819",
			"dob":            "1981-04-12",
			"segment":        "retail",
			"pep_flags":      []any{},
		},
		"related": []any{
			map[string]any{"email": "a.p@example.com", "role": "director"},
			map[string]any{"phone": "123"},
		},
		"customer_id": 12345678,
		"note":        "unchanged",
	}

	got := MaskMap(input)

	customer := got["customer"].(map[string]any)
	if customer["name"] != "Al****va" {
		t.Errorf("name = %v", customer["name"])
	}
	if customer["account_number"] != "GB****19" {
		t.Errorf("account_number = %v", customer["account_number"])
	}
	if customer["dob"] != "19****12" {
		t.Errorf("dob = %v", customer["dob"])
	}
	if customer["segment"] != "retail" {
		t.Errorf("segment should be untouched, got %v", customer["segment"])
	}

	related := got["related"].([]any)
	if related[0].(map[string]any)["email"] != "a.****om" {
		t.Errorf("email = %v", related[0].(map[string]any)["email"])
	}
	if related[0].(map[string]any)["role"] != "director" {
		t.Errorf("role should be untouched")
	}
	if related[1].(map[string]any)["phone"] != Marker {
		t.Errorf("short phone should be fully masked, got %v", related[1].(map[string]any)["phone"])
	}
	if got["customer_id"] != "12****78" {
		t.Errorf("numeric customer_id should be masked, got %v", got["customer_id"])
	}
	if got["note"] != "unchanged" {
		t.Errorf("note = %v", got["note"])
	}

	// the input must not be modified
	if input["customer"].(map[string]any)["name"] != "Alexandra Petrova" {
		t.Error("input was mutated")
	}
}

func TestMaskLeavesEmptyValues(t *testing.T) {
	got := MaskMap(map[string]any{"name": "", "email": nil, "phone": 0})
	if got["name"] != "" {
		t.Errorf("empty name changed: %v", got["name"])
	}
	if got["email"] != nil {
		t.Errorf("nil email changed: %v", got["email"])
	}
	if MaskMap(nil) != nil {
		t.Error("nil map should stay nil")
	}
}

func TestMaskCompositeUnderSensitiveKey(t *testing.T) {
	got := MaskMap(map[string]any{
		"address": map[string]any{"street": "1 Main Street", "city": "Leeds"},
	})
	s, ok := got["address"].(string)
	if !ok {
		t.Fatalf("expected composite address to collapse to a masked string, got %T", got["address"])
	}
	if strings.Contains(s, "Main") || strings.Contains(s, "Leeds") {
		t.Errorf("address leaked: %s", s)
	}
}

func TestMaskNoRawValueSurvives(t *testing.T) {
	raw := `{"customer":{"name":"Maximilian Schmidt","email":"max.schmidt@example.org","accounts":[{"account_number":"DE89370400440532013000"}]}}`
	var v Value
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	out, err := json.Marshal(Mask(v))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, secret := range []string{"Maximilian Schmidt", "max.schmidt@example.org", "DE89370400440532013000"} {
		if strings.Contains(string(out), secret) {
			t.Errorf("masked output still contains %q: %s", secret, out)
		}
	}
}

func TestValueRoundTripKeepsNumbers(t *testing.T) {
	var v Value
	if err := json.Unmarshal([]byte(`{"amount":5000.10,"flags":[true,null],"id":"x"}`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out, _ := json.Marshal(v)
	if string(out) != `{"amount":5000.10,"flags":[true,null],"id":"x"}` {
		t.Errorf("unexpected encoding: %s", out)
	}
}
