// Package encoder implements the experience encoder (spec §4.3, component
// C4): writing raw conversation/monologue/external fragments to the
// durable store with an embedding and an initial salience heuristic.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/reveries/reveries/pkg/store"
)

// ErrEmbedFailure wraps any error the embed function returns, so callers
// can distinguish "we chose not to embed" from "the embedding service
// failed" (spec §4.3: "Fails with EmbedFailure if the embed function
// errors; the encoder itself never catches it").
var ErrEmbedFailure = errors.New("encoder: embed failure")

// EmbedFunc matches the embed.Embedder.Embed method shape without
// importing pkg/embed, keeping the encoder decoupled from the concrete
// embedding backend.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Encoder writes raw experiences to the store.
type Encoder struct {
	store *store.Store
	embed EmbedFunc
}

// New builds an Encoder over the given store and embed function.
func New(s *store.Store, embed EmbedFunc) *Encoder {
	return &Encoder{store: s, embed: embed}
}

// Encode implements spec §4.3's encode operation: generates an id,
// timestamps now, embeds the text, computes initial salience, and writes
// the raw experience with processed=false.
func (e *Encoder) Encode(ctx context.Context, text string, kind store.RawExperienceKind, meta store.RawExperienceMetadata) (store.RawExperience, error) {
	vec, err := e.embed(ctx, text)
	if err != nil {
		return store.RawExperience{}, fmt.Errorf("%w: %v", ErrEmbedFailure, err)
	}

	exp := store.RawExperience{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: store.NowNano(),
		Text:      text,
		Embedding: vec,
		Salience:  initialSalience(text),
		Processed: false,
		Metadata:  meta,
	}
	if err := e.store.PutRawExperience(ctx, exp); err != nil {
		return store.RawExperience{}, fmt.Errorf("encoder: put raw experience: %w", err)
	}
	return exp, nil
}

// initialSalience implements spec §4.3's exact formula.
func initialSalience(text string) float64 {
	words := len(strings.Fields(text))
	s := 0.3
	if words > 10 {
		s += 0.1
	}
	if words > 50 {
		s += 0.1
	}
	if words > 100 {
		s += 0.1
	}

	questions := strings.Count(text, "?")
	if qbonus := float64(questions) * 0.05; qbonus > 0.15 {
		s += 0.15
	} else {
		s += qbonus
	}

	exclaims := strings.Count(text, "!")
	if ebonus := float64(exclaims) * 0.03; ebonus > 0.1 {
		s += 0.1
	} else {
		s += ebonus
	}

	if s > 1.0 {
		s = 1.0
	}
	return s
}
