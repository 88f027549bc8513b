// Package retrieval implements spec §4.4, component C7: combining nearest-
// neighbor entry discovery with the episode graph's spreading activation to
// produce an ordered list of episodes relevant to a query.
package retrieval

import (
	"sort"
	"time"

	"github.com/reveries/reveries/pkg/episodegraph"
)

const entryPointCount = 5

// Config carries the four tunables spec §4.4's retrieve operation needs.
type Config struct {
	Limit              int
	MaxHops            int
	DecayPerHop        float64
	ActivationThreshold float64
}

// Result is one retrieved episode plus its final activation, so callers
// (the context assembler, IPC memory_search) can log or display it.
type Result struct {
	Node       episodegraph.Node
	Activation float64
}

// Retrieve implements spec §4.4's retrieve operation: if the graph is
// empty, returns nothing. Otherwise it finds up to 5 entry points by
// nearest neighbor, seeds each by cosine·salience, spreads activation,
// drops entries below the activation threshold, sorts descending, truncates
// to the configured limit, and reinforces every returned node.
func Retrieve(g *episodegraph.Graph, queryEmbedding []float32, cfg Config) []Result {
	if g.NodeCount() == 0 {
		return nil
	}

	entries := g.FindNearest(queryEmbedding, entryPointCount)
	if len(entries) == 0 {
		return nil
	}

	seeds := make(map[string]float64, len(entries))
	for _, n := range entries {
		seeds[n.ID] = episodegraph.Cosine(queryEmbedding, n.Embedding) * n.Salience
	}

	activation := g.SpreadActivation(seeds, cfg.MaxHops, cfg.DecayPerHop)

	type ranked struct {
		id    string
		score float64
	}
	var rs []ranked
	for id, score := range activation {
		if score < cfg.ActivationThreshold {
			continue
		}
		rs = append(rs, ranked{id: id, score: score})
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].score != rs[j].score {
			return rs[i].score > rs[j].score
		}
		return rs[i].id < rs[j].id
	})

	if cfg.Limit > 0 && len(rs) > cfg.Limit {
		rs = rs[:cfg.Limit]
	}

	now := time.Now()
	out := make([]Result, 0, len(rs))
	for _, r := range rs {
		n, err := g.GetNode(r.id)
		if err != nil {
			continue // logic error (spec §7): skip, don't crash
		}
		g.Reinforce(r.id, now)
		out = append(out, Result{Node: n, Activation: r.score})
	}
	return out
}
