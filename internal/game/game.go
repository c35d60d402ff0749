// Package game holds the persisted Between Clouds entities.
package game

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// Store kinds.
const (
	KindCharacters = "characters"
	KindGroups     = "groups"
)

// Key is the store key for an entity name: the name as typed, trimmed.
func Key(name string) string {
	return strings.TrimSpace(name)
}

// Fold maps a key to its case-insensitive form. Stores resolve lookups
// through it without rewriting the persisted key.
func Fold(key string) string {
	return cases.Fold().String(strings.TrimSpace(key))
}

// Character is a player's symbiote sheet.
type Character struct {
	Owner      uint64            `json:"user"`
	Name       string            `json:"name"`
	Attributes map[string]uint32 `json:"attributes"`
	Role       string            `json:"role"`
	Mutations  map[string]string `json:"mutations"`
}

// NewCharacter creates an empty sheet owned by owner.
func NewCharacter(owner uint64, name string) Character {
	return Character{
		Owner:      owner,
		Name:       name,
		Attributes: map[string]uint32{},
		Mutations:  map[string]string{},
	}
}

func (c Character) Clone() Character {
	out := c
	out.Attributes = maps.Clone(c.Attributes)
	out.Mutations = maps.Clone(c.Mutations)
	if out.Attributes == nil {
		out.Attributes = map[string]uint32{}
	}
	if out.Mutations == nil {
		out.Mutations = map[string]string{}
	}
	return out
}

// Describe renders the sheet on one line per section.
func (c Character) Describe() string {
	var b strings.Builder
	role := c.Role
	if role == "" {
		role = "none"
	}
	fmt.Fprintf(&b, "%s (role: %s)", c.Name, role)

	if len(c.Attributes) > 0 {
		parts := make([]string, 0, len(c.Attributes))
		for _, k := range sortedKeys(c.Attributes) {
			parts = append(parts, fmt.Sprintf("%s %d", k, c.Attributes[k]))
		}
		fmt.Fprintf(&b, "\nAttributes: %s", strings.Join(parts, ", "))
	}
	if len(c.Mutations) > 0 {
		parts := make([]string, 0, len(c.Mutations))
		for _, k := range sortedKeys(c.Mutations) {
			parts = append(parts, fmt.Sprintf("%s: %s", k, c.Mutations[k]))
		}
		fmt.Fprintf(&b, "\nMutations: %s", strings.Join(parts, "; "))
	}
	return b.String()
}

// Group is a play group awaiting its members' answers.
type Group struct {
	Users   []uint64        `json:"users"`
	Name    string          `json:"name"`
	Answers map[uint64]bool `json:"answers"`
	Set     bool            `json:"set"`
	Date    string          `json:"date"`
}

// NewGroup creates a group whose only member is creator.
func NewGroup(creator uint64, name string) Group {
	return Group{
		Users:   []uint64{creator},
		Name:    name,
		Answers: map[uint64]bool{creator: false},
	}
}

func (g Group) Clone() Group {
	out := g
	out.Users = slices.Clone(g.Users)
	out.Answers = maps.Clone(g.Answers)
	if out.Answers == nil {
		out.Answers = map[uint64]bool{}
	}
	return out
}

// Join adds user and reports whether they were new.
func (g *Group) Join(user uint64) bool {
	if slices.Contains(g.Users, user) {
		return false
	}
	g.Users = append(g.Users, user)
	if g.Answers == nil {
		g.Answers = map[uint64]bool{}
	}
	g.Answers[user] = false
	return true
}

// Describe renders the group for chat.
func (g Group) Describe() string {
	date := g.Date
	if date == "" {
		date = "not set"
	}
	answered := 0
	for _, ok := range g.Answers {
		if ok {
			answered++
		}
	}
	return fmt.Sprintf("%s: %d member(s), %d answered, date %s", g.Name, len(g.Users), answered, date)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
