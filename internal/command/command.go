// Package command holds the explicit command table and the invocation
// counter.
package command

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"

	"github.com/hpungsan/grimbot/internal/chat"
)

var (
	ErrInvalidSpec = errors.New("invalid command spec")
	ErrDuplicate   = errors.New("duplicate command name")
)

// Invocation is what a handler receives.
type Invocation struct {
	Message chat.Message
	// Name is the canonical command name; Alias is what the user typed.
	Name  string
	Alias string
	Args  Args
	// Responder is the channel the message came from. Handlers only use it
	// for side messages such as DMs; the reply is the handler's return value.
	Responder chat.Responder
}

// Handler runs a command and returns the reply text. An empty reply sends
// nothing.
type Handler func(ctx context.Context, inv *Invocation) (string, error)

// Spec describes one command. It is immutable once registered.
type Spec struct {
	Name        string
	Aliases     []string
	Bucket      string
	Description string
	Usage       string
	Examples    []string
	Handler     Handler
}

// Registry maps names and aliases to specs. Lookups fold case. It is built
// at startup and read concurrently afterwards.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]*Spec
	names map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		specs: make(map[string]*Spec),
		names: make(map[string]string),
	}
}

// Register adds spec. A name or alias already taken, by name or alias, is
// an error.
func (r *Registry) Register(spec Spec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSpec)
	}
	if spec.Handler == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidSpec, spec.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	canonical := fold(spec.Name)
	keys := append([]string{spec.Name}, spec.Aliases...)
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		f := fold(k)
		if f == "" {
			return fmt.Errorf("%w: %s has an empty alias", ErrInvalidSpec, spec.Name)
		}
		if _, taken := r.names[f]; taken || seen[f] {
			return fmt.Errorf("%w: %q", ErrDuplicate, k)
		}
		seen[f] = true
	}

	s := spec
	s.Aliases = append([]string(nil), spec.Aliases...)
	s.Examples = append([]string(nil), spec.Examples...)
	r.specs[canonical] = &s
	for f := range seen {
		r.names[f] = canonical
	}
	return nil
}

// MustRegister is Register for static tables; it panics on error.
func (r *Registry) MustRegister(specs ...Spec) {
	for _, s := range specs {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
}

// Lookup resolves a name or alias.
func (r *Registry) Lookup(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	canonical, ok := r.names[fold(name)]
	if !ok {
		return Spec{}, false
	}
	return *r.specs[canonical], true
}

// Specs returns every registered spec sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// fold applies Unicode case folding. A Caser keeps state, so one is made
// per call.
func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// Counter counts invocations per canonical command name.
type Counter struct {
	mu     sync.Mutex
	counts map[string]uint64
}

// NewCounter creates an empty counter.
func NewCounter() *Counter {
	return &Counter{counts: make(map[string]uint64)}
}

// Inc records one invocation of name.
func (c *Counter) Inc(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[name]++
}

// Get returns the count for name.
func (c *Counter) Get(name string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

// Snapshot returns a copy of all counts.
func (c *Counter) Snapshot() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

var reArg = regexp.MustCompile(`"([^"]*)"|(\S+)`)

// Tokenize splits s into arguments. Double quotes group words; unquoted
// words are further split on delimiters.
func Tokenize(s string, delimiters []string) []string {
	var seps []string
	for _, d := range delimiters {
		if d = strings.TrimSpace(d); d != "" {
			seps = append(seps, d)
		}
	}

	var out []string
	for _, m := range reArg.FindAllStringSubmatch(s, -1) {
		if m[2] == "" {
			out = append(out, m[1])
			continue
		}
		out = append(out, splitAll(m[2], seps)...)
	}
	return out
}

func splitAll(word string, seps []string) []string {
	parts := []string{word}
	for _, sep := range seps {
		var next []string
		for _, p := range parts {
			for _, q := range strings.Split(p, sep) {
				if q != "" {
					next = append(next, q)
				}
			}
		}
		parts = next
	}
	return parts
}
