package game

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Zara", "Zara"},
		{"  ZARA ", "ZARA"},
		{"Old Tom", "Old Tom"},
	}
	for _, tt := range tests {
		if got := Key(tt.in); got != tt.want {
			t.Errorf("Key(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFold(t *testing.T) {
	if Fold("Zara") != Fold("  ZARA ") {
		t.Errorf("Fold(Zara) = %q, Fold(ZARA) = %q, want equal", Fold("Zara"), Fold("  ZARA "))
	}
	if Fold("Zara") == Fold("Kell") {
		t.Error("distinct names folded together")
	}
}

func TestCharacter_CloneIsDeep(t *testing.T) {
	c := NewCharacter(1, "Zara")
	c.Attributes["grit"] = 2

	cp := c.Clone()
	cp.Attributes["grit"] = 9
	cp.Mutations["eyes"] = "many"

	if c.Attributes["grit"] != 2 {
		t.Errorf("Attributes[grit] = %d, want 2", c.Attributes["grit"])
	}
	if len(c.Mutations) != 0 {
		t.Errorf("Mutations = %v, want empty", c.Mutations)
	}
}

func TestCharacter_Describe(t *testing.T) {
	c := NewCharacter(1, "Zara")
	if got := c.Describe(); got != "Zara (role: none)" {
		t.Errorf("Describe() = %q", got)
	}

	c.Role = "scout"
	c.Attributes["wits"] = 1
	c.Attributes["grit"] = 3
	c.Mutations["skin"] = "bark"
	want := "Zara (role: scout)\nAttributes: grit 3, wits 1\nMutations: skin: bark"
	if got := c.Describe(); got != want {
		t.Errorf("Describe() = %q, want %q", got, want)
	}
}

func TestCharacter_JSONFieldNames(t *testing.T) {
	data, err := json.Marshal(NewCharacter(7, "Zara"))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"user":7,"name":"Zara","attributes":{},"role":"","mutations":{}}`
	if string(data) != want {
		t.Errorf("Marshal() = %s, want %s", data, want)
	}
}

func TestGroup_Join(t *testing.T) {
	g := NewGroup(1, "Crew")

	if g.Join(1) {
		t.Error("Join(creator) = true, want false")
	}
	if !g.Join(2) {
		t.Error("Join(2) = false, want true")
	}
	if diff := cmp.Diff([]uint64{1, 2}, g.Users); diff != "" {
		t.Errorf("Users mismatch (-want +got):\n%s", diff)
	}
	if answered, ok := g.Answers[2]; !ok || answered {
		t.Errorf("Answers[2] = %v, %v; want false, true", answered, ok)
	}
}

func TestGroup_CloneIsDeep(t *testing.T) {
	g := NewGroup(1, "Crew")
	cp := g.Clone()
	cp.Join(5)

	if len(g.Users) != 1 || len(g.Answers) != 1 {
		t.Errorf("original changed: %+v", g)
	}
}

func TestGroup_Describe(t *testing.T) {
	g := NewGroup(1, "Crew")
	g.Join(2)
	g.Answers[2] = true
	want := "Crew: 2 member(s), 1 answered, date not set"
	if got := g.Describe(); got != want {
		t.Errorf("Describe() = %q, want %q", got, want)
	}
}

func TestGroup_JSONRoundTripKeepsAnswers(t *testing.T) {
	g := NewGroup(42, "Crew")
	data, err := json.Marshal(g)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var back Group
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if diff := cmp.Diff(g, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
