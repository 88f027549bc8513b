package llm

import (
	"fmt"
	"sort"

	"github.com/reveries/reveries/pkg/trie"
)

// DefaultMux is the default chat backend multiplexer.
var DefaultMux = NewMux()

// Handle registers a Chat backend for the given pattern on the default mux.
func Handle(pattern string, c Chat) error {
	return DefaultMux.Handle(pattern, c)
}

// Get returns the Chat backend registered for the given pattern on the
// default mux.
func Get(pattern string) (Chat, error) {
	return DefaultMux.Get(pattern)
}

// Mux routes a pattern (e.g. "openai/gpt-4o-mini", "gemini/2.0-flash") to a
// registered Chat backend via a path-segment trie.
type Mux struct {
	mux *trie.Trie[Chat]
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{mux: trie.New[Chat]()}
}

// Handle registers a backend for the given pattern. Returns an error if a
// backend is already registered for that exact pattern.
func (m *Mux) Handle(pattern string, c Chat) error {
	return m.mux.Set(pattern, func(ptr *Chat, existed bool) error {
		if existed {
			return fmt.Errorf("llm: chat backend already registered for %s", pattern)
		}
		*ptr = c
		return nil
	})
}

// Get returns the backend registered for the given pattern.
func (m *Mux) Get(pattern string) (Chat, error) {
	ptr, ok := m.mux.Get(pattern)
	if !ok || *ptr == nil {
		return nil, fmt.Errorf("llm: chat backend not found for %s", pattern)
	}
	return *ptr, nil
}

// Registered reports every pattern currently wired to a backend, sorted,
// for the daemon status surface (spec §6) to list which chat backends the
// wake sequence brought up.
func (m *Mux) Registered() []string {
	var patterns []string
	m.mux.Walk(func(path string, _ Chat, set bool) {
		if set {
			patterns = append(patterns, path)
		}
	})
	sort.Strings(patterns)
	return patterns
}

// Registered reports every pattern registered on the default mux.
func Registered() []string {
	return DefaultMux.Registered()
}
