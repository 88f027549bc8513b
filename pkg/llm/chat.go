// Package llm provides the external contracts spec §6 carves out as
// "out of scope (external collaborators)": chat completion (streaming),
// and the non-streaming abstraction/consolidation call. Both are routed
// through a pattern-keyed multiplexer, so a deployment can register
// "openai/gpt-4o-mini" or "gemini/2.0-flash"
// and the rest of the daemon never imports a concrete SDK.
package llm

import (
	"context"
)

// Message is one turn of a chat exchange. Role is "system", "user", or
// "assistant".
type Message struct {
	Role    string
	Content string
}

// Chat is the streaming chat-completion contract (spec §6: "Chat
// completion (streaming). stream(system, messages) → async token
// sequence. Errors surface to caller.").
type Chat interface {
	// Stream sends system plus messages and returns a channel of text
	// chunks. The channel is closed when the stream ends; errOut receives
	// at most one error and is closed when the stream ends, so one receive
	// from it after the chunk channel closes yields the error or nil.
	Stream(ctx context.Context, system string, messages []Message) (<-chan string, <-chan error)

	// Model returns the underlying model identifier.
	Model() string
}
