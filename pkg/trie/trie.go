// Package trie provides a generic path-segment trie. It backs pkg/llm's
// chat-backend mux: a pattern like "openai/gpt-4o-mini" is split on "/" and
// stored exactly, segment by segment, so one registered backend is found by
// one lookup per chat request. The daemon wires every chat backend once at
// Wake from static config (pkg/daemon's buildChat) and never re-patterns a
// route at runtime, so unlike the teacher's device-topic router this trie
// has no wildcard segments to match — every path is either present or not.
package trie

import "strings"

// Trie is a generic trie keyed by "/"-separated path segments.
type Trie[T any] struct {
	children map[string]*Trie[T]
	set      bool
	value    T
}

// New creates a new empty Trie.
func New[T any]() *Trie[T] {
	return &Trie[T]{}
}

// Set stores a value at path, creating intermediate nodes as needed.
// setFunc is called with a pointer to the value slot and whether a value
// already existed there, so callers can reject or merge a re-registration
// (pkg/llm's Mux uses this to error on a duplicate pattern).
func (t *Trie[T]) Set(path string, setFunc func(ptr *T, existed bool) error) error {
	if len(path) == 0 {
		if err := setFunc(&t.value, t.set); err != nil {
			return err
		}
		t.set = true
		return nil
	}
	first, rest := splitFirst(path)
	if t.children == nil {
		t.children = make(map[string]*Trie[T])
	}
	ch, ok := t.children[first]
	if !ok {
		ch = &Trie[T]{}
		t.children[first] = ch
	}
	return ch.Set(rest, setFunc)
}

// Get retrieves the value stored at the exact path.
// Returns a pointer to the value and true if a value is set at path, and
// false otherwise; the pointer is then nil, or points at the zero value
// when path names an intermediate node.
func (t *Trie[T]) Get(path string) (*T, bool) {
	if len(path) == 0 {
		return &t.value, t.set
	}
	if t.children == nil {
		return nil, false
	}
	first, rest := splitFirst(path)
	ch, ok := t.children[first]
	if !ok {
		return nil, false
	}
	return ch.Get(rest)
}

// Walk calls f for every node in the trie that has a value set. Order is
// unspecified; pkg/llm's Mux.Registered sorts the result itself.
func (t *Trie[T]) Walk(f func(path string, value T, set bool)) {
	t.walkWithPath(nil, f)
}

func (t *Trie[T]) walkWithPath(path []string, f func(string, T, bool)) {
	for seg, ch := range t.children {
		ch.walkWithPath(append(path, seg), f)
	}
	if t.set {
		f(strings.Join(path, "/"), t.value, true)
	}
}

func splitFirst(path string) (first, rest string) {
	if idx := strings.IndexByte(path, '/'); idx != -1 {
		return path[:idx], path[idx+1:]
	}
	return path, ""
}
