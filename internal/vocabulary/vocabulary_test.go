package vocabulary

import (
	"os"
	"path/filepath"
	"testing"
)

var cockpit = New([]string{"Engage Autopilot", "lower landing gear", "set heading two seven zero"})

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "commands.json", `["engage autopilot", "lower landing gear"]`)
	v, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(v); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if v.Len() != 2 || v.Commands()[1] != "lower landing gear" {
		t.Fatalf("unexpected commands %v", v.Commands())
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "commands.yaml", "- engage autopilot\n- lower landing gear\n")
	v, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if v.Len() != 2 {
		t.Fatalf("expected 2 commands, got %d", v.Len())
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	path := writeFile(t, "bad.json", `{"commands": 3}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error for non-list vocabulary")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(New(nil)); err == nil {
		t.Fatal("expected error for empty vocabulary")
	}
	if err := Validate(New([]string{"a", "  "})); err == nil {
		t.Fatal("expected error for blank command")
	}
	if err := Validate(New([]string{"Flaps Up", "flaps up"})); err == nil {
		t.Fatal("expected error for duplicate command")
	}
}

func TestMatch(t *testing.T) {
	m := NewMatcher(cockpit, 0.6)
	cases := []struct {
		text  string
		want  string
		found bool
	}{
		{"Please engage autopilot now.", "Engage Autopilot", true},
		{"engage auto pilot", "Engage Autopilot", true},
		{"lower the landing gear", "lower landing gear", true},
		{"set heading to seven zero", "set heading two seven zero", true},
		{"what is the weather", "", false},
		{"hello there", "", false},
		{"   ", "", false},
	}
	for _, tc := range cases {
		got, ok := m.Match(tc.text)
		if ok != tc.found || got != tc.want {
			t.Errorf("Match(%q) = %q, %v; want %q, %v", tc.text, got, ok, tc.want, tc.found)
		}
	}
}

func TestMatchPrefersSubstringOverFuzzy(t *testing.T) {
	v := New([]string{"gear up", "gear down"})
	m := NewMatcher(v, 0.6)
	got, ok := m.Match("gear down please")
	if !ok || got != "gear down" {
		t.Fatalf("expected substring match, got %q %v", got, ok)
	}
}

func TestMatchDefaultCutoffOnCockpitVocabulary(t *testing.T) {
	v := New([]string{
		"engage autopilot", "disengage autopilot", "lower landing gear", "raise landing gear",
		"flaps up", "flaps down", "cabin lights on", "cabin lights off",
	})
	m := NewMatcher(v, DefaultCutoff)
	cases := map[string]string{
		"lights on in the cabin": "cabin lights on",
		"put the gear down":      "flaps down",
		"engage auto pilot":      "engage autopilot",
	}
	for text, want := range cases {
		if got, ok := m.Match(text); !ok || got != want {
			t.Errorf("Match(%q) = %q, %v; want %q", text, got, ok, want)
		}
	}
	if got, ok := m.Match("hello there"); ok {
		t.Errorf("unexpected match %q", got)
	}
}

func TestMatchTiePrefersGreatestEntry(t *testing.T) {
	for _, order := range [][]string{{"Gear On", "Gear Up"}, {"Gear Up", "Gear On"}} {
		m := NewMatcher(New(order), DefaultCutoff)
		if got, ok := m.Match("gear"); !ok || got != "Gear Up" {
			t.Fatalf("vocabulary %v: got %q, %v", order, got, ok)
		}
	}
}

func TestMatchCutoffDefault(t *testing.T) {
	m := NewMatcher(cockpit, 0)
	if m.cutoff != DefaultCutoff {
		t.Fatalf("expected default cutoff, got %v", m.cutoff)
	}
}

func TestSimilarity(t *testing.T) {
	if got := Similarity("Engage Autopilot", "engage autopilot"); got != 1 {
		t.Fatalf("expected identical ratio 1, got %v", got)
	}
	if got := Similarity("hello there", "lower landing gear"); got >= 0.6 {
		t.Fatalf("expected low similarity, got %v", got)
	}
}
