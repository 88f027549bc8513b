// Package embed provides the text embedding contract the daemon embeds
// raw experiences and recall queries with (spec §6: "embed(text) ->
// vector<float>. Dimensionality constant across a single daemon
// lifetime."), plus remote API implementations.
//
// # Implementations
//
// Two remote API implementations are provided:
//
//   - [DashScope] — Aliyun DashScope text-embedding-v4 (and v1/v2/v3)
//   - [OpenAI] — OpenAI text-embedding-3-small / text-embedding-3-large
//
// Both speak the OpenAI-compatible embeddings HTTP API and issue exactly
// one request per call: the daemon never has more than one text to embed
// at a time (one raw experience at encode time, one recall query at
// retrieval time), so neither implementation carries request-batching or a
// public dimension accessor — there is no caller that would ever use them.
package embed

import (
	"context"
	"errors"
)

// Embedder converts text into a dense float32 vector.
type Embedder interface {
	// Embed returns the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Common errors.
var (
	// ErrEmptyInput is returned when the input text is empty.
	ErrEmptyInput = errors.New("embed: empty input")
)
