// Package hydrate implements the round trip between the durable store (C1)
// and the in-memory episode graph (C2): spec §4.2's Hydrator (C3).
package hydrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/reveries/reveries/pkg/episodegraph"
	"github.com/reveries/reveries/pkg/store"
)

// NodeData is the opaque payload the graph carries per node beyond the
// first-class fields (embedding, salience, access count, last-accessed).
// It round-trips through Episode on persist.
type NodeData struct {
	Summary        string
	Confidence     float64
	Topics         []string
	Exemplars      []store.Exemplar
	TemporalBefore []string
	TemporalAfter  []string
	Gap            *store.EpisodeGap
	CreatedAt      int64
}

// Hydrate reads every episode and link from the store and builds an
// in-memory graph. Dangling link targets (pointing at an episode id that
// does not exist) are skipped with a warning, per spec §4.2 and the
// Episode invariant in spec §3.
func Hydrate(ctx context.Context, s *store.Store, log *slog.Logger) (*episodegraph.Graph, error) {
	episodes, err := s.ListEpisodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("hydrate: list episodes: %w", err)
	}

	g := episodegraph.New()
	known := make(map[string]bool, len(episodes))
	for _, ep := range episodes {
		known[ep.ID] = true
	}

	for _, ep := range episodes {
		g.AddNode(episodegraph.Node{
			ID:           ep.ID,
			Embedding:    ep.Embedding,
			Salience:     ep.Salience,
			AccessCount:  ep.AccessCount,
			LastAccessed: nanoToTime(ep.LastAccessedAt),
			CreatedAt:    nanoToTime(ep.CreatedAt),
			Data: NodeData{
				Summary:        ep.Summary,
				Confidence:     ep.Confidence,
				Topics:         ep.Topics,
				Exemplars:      ep.Exemplars,
				TemporalBefore: ep.TemporalBefore,
				TemporalAfter:  ep.TemporalAfter,
				Gap:            ep.Gap,
				CreatedAt:      ep.CreatedAt,
			},
		})
	}

	links, err := s.ListAllLinks(ctx)
	if err != nil {
		return nil, fmt.Errorf("hydrate: list links: %w", err)
	}
	for _, l := range links {
		if !known[l.From] || !known[l.To] {
			if log != nil {
				log.Warn("hydrate: dropping dangling link", "from", l.From, "to", l.To)
			}
			continue
		}
		g.AddLink(l.From, episodegraph.Link{To: l.To, Strength: l.Strength, Kind: episodegraph.LinkKind(l.Kind)})
	}

	if log != nil {
		log.Info("hydrate: graph loaded", "nodes", g.NodeCount(), "links", g.LinkCount())
	}
	return g, nil
}

// Persist writes every in-memory node and link back to the store: a
// two-pass upsert (nodes first, foreign-key-safe; then, per source node,
// delete-and-reinsert its links) so the store ends up a snapshot of the
// graph. Both passes run inside one Store.Update transaction, so a crash
// or error partway through leaves the store exactly as it was before the
// call — spec §4.2's "partial writes are avoided by wrapping both passes
// in a single durable transaction."
func Persist(ctx context.Context, g *episodegraph.Graph, s *store.Store) error {
	nodes := g.GetAllNodes()

	err := s.Update(ctx, func(tx *store.Tx) error {
		for _, n := range nodes {
			data, _ := n.Data.(NodeData)
			ep := store.Episode{
				ID:             n.ID,
				CreatedAt:      data.CreatedAt,
				LastAccessedAt: n.LastAccessed.UnixNano(),
				AccessCount:    n.AccessCount,
				Summary:        data.Summary,
				Embedding:      n.Embedding,
				Exemplars:      data.Exemplars,
				TemporalBefore: data.TemporalBefore,
				TemporalAfter:  data.TemporalAfter,
				Gap:            data.Gap,
				Salience:       n.Salience,
				Confidence:     data.Confidence,
				Topics:         data.Topics,
			}
			if err := tx.PutEpisode(ep); err != nil {
				return fmt.Errorf("persist node %s: %w", n.ID, err)
			}
		}

		for _, n := range nodes {
			if err := tx.DeleteLinksFrom(n.ID); err != nil {
				return fmt.Errorf("clear links from %s: %w", n.ID, err)
			}
			for _, l := range g.GetOutLinks(n.ID) {
				link := store.Link{From: n.ID, To: l.To, Strength: l.Strength, Kind: store.LinkKind(l.Kind)}
				if err := tx.PutLink(link); err != nil {
					return fmt.Errorf("persist link %s->%s: %w", n.ID, l.To, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("hydrate: %w", err)
	}
	return nil
}

func nanoToTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
