// Package consolidate implements the consolidation engine (spec §4.5,
// component C6): the one-pass pipeline that abstracts raw experiences into
// graph episodes, merges near-duplicates, forms thematic links, applies
// self-model updates, decays the graph, and persists it.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reveries/reveries/pkg/episodegraph"
	"github.com/reveries/reveries/pkg/hydrate"
	"github.com/reveries/reveries/pkg/llm"
	"github.com/reveries/reveries/pkg/selfmodel"
	"github.com/reveries/reveries/pkg/store"
)

const (
	mergeThreshold      = 0.85
	mergeStrengthBump    = 0.1
	mergeStrengthCap     = 1.0
	newEpisodeLinkCount  = 3
	newEpisodeLinkStrength = 0.5
)

// EmbedFunc matches embed.Embedder.Embed's shape.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// DecayConfig carries the three tunables ApplyDecay needs.
type DecayConfig struct {
	HalfLifeDays        float64
	MinimumSalience     float64
	MinimumLinkStrength float64
}

// Engine runs consolidation passes against a shared store, graph, and
// self-model manager.
type Engine struct {
	store    *store.Store
	graph    *episodegraph.Graph
	self     *selfmodel.Manager
	embed    EmbedFunc
	abstract llm.AbstractionCall
	decay    DecayConfig
	log      *slog.Logger
}

// New builds a consolidation Engine.
func New(s *store.Store, g *episodegraph.Graph, sm *selfmodel.Manager, embed EmbedFunc, abstract llm.AbstractionCall, decay DecayConfig, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: s, graph: g, self: sm, embed: embed, abstract: abstract, decay: decay, log: log}
}

// Result summarizes a single pass for callers (IPC status, tests).
type Result struct {
	Inserted   int
	Merged     int
	Processed  int
	Aborted    bool
	AbortError error
}

// Run executes spec §4.5's one pass. A model-call failure at step 2 aborts
// the remainder of the episode work but still runs decay and persistence
// (steps 7-8), per the failure semantics in §4.5.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	var res Result

	raws, err := e.store.ListUnprocessedRawExperiences(ctx)
	if err != nil {
		return res, fmt.Errorf("consolidate: list unprocessed: %w", err)
	}

	if len(raws) > 0 && e.abstract == nil {
		return res, ErrNoAbstractor
	}

	if len(raws) > 0 {
		narrative := ""
		if sm, err := e.self.Get(ctx); err == nil {
			narrative = sm.Narrative
		}

		reply, err := e.abstract(ctx, buildAbstractionPrompt(narrative, raws))
		if err != nil {
			res.Aborted = true
			res.AbortError = err
			e.log.Warn("consolidate: abstraction model call failed, aborting episode work this pass", "error", err)
		} else {
			parsed, perr := llm.ParseAbstractionReply(reply)
			if perr != nil {
				e.log.Warn("consolidate: abstraction reply unparseable after repair, treating as empty result", "error", perr)
			} else {
				e.applyCandidates(ctx, parsed.Episodes, &res)
				if err := e.self.ApplyUpdates(ctx, selfmodel.Updates{
					CurrentFocus:    parsed.SelfModelUpdates.CurrentFocus,
					NewTendency:     parsed.SelfModelUpdates.NewTendency,
					NewValue:        parsed.SelfModelUpdates.NewValue,
					NarrativeUpdate: parsed.SelfModelUpdates.NarrativeUpdate,
				}); err != nil {
					e.log.Warn("consolidate: apply self-model updates failed", "error", err)
				}
			}

			if err := e.store.MarkRawExperiencesProcessed(ctx, raws); err != nil {
				e.log.Warn("consolidate: mark processed failed", "error", err)
			} else {
				res.Processed = len(raws)
			}
		}
	}

	e.graph.ApplyDecay(time.Now(), e.decay.HalfLifeDays, e.decay.MinimumSalience, e.decay.MinimumLinkStrength)

	if err := hydrate.Persist(ctx, e.graph, e.store); err != nil {
		return res, fmt.Errorf("consolidate: persist: %w", err)
	}

	if res.Aborted {
		return res, nil
	}
	return res, nil
}

// applyCandidates implements spec §4.5 step 3: for each candidate episode,
// embed its summary and either merge into the nearest node (cosine ≥
// mergeThreshold) or insert a new node linked to its nearest neighbors.
// Embedding and the merge-candidate lookup run outside the graph lock; each
// merge or insert then takes the lock for its own multi-step mutation.
func (e *Engine) applyCandidates(ctx context.Context, episodes []llm.AbstractionEpisode, res *Result) {
	for _, cand := range episodes {
		if strings.TrimSpace(cand.Summary) == "" {
			continue // malformed entry: skip, remainder proceed (spec §4.5)
		}
		vec, err := e.embed(ctx, cand.Summary)
		if err != nil {
			e.log.Warn("consolidate: embed candidate failed, skipping", "error", err)
			continue
		}

		nearest := e.graph.FindNearest(vec, 1)
		if len(nearest) > 0 && episodegraph.Cosine(vec, nearest[0].Embedding) >= mergeThreshold {
			e.mergeInto(nearest[0].ID, cand, vec)
			res.Merged++
			continue
		}

		e.insertNew(cand, vec)
		res.Inserted++
	}
}

func (e *Engine) mergeInto(id string, cand llm.AbstractionEpisode, vec []float32) {
	e.graph.Lock()
	defer e.graph.Unlock()

	n, err := e.graph.GetNodeLocked(id)
	if err != nil {
		return
	}
	data, _ := n.Data.(hydrate.NodeData)

	data.Summary = strings.TrimSpace(data.Summary + "\n\n" + cand.Summary)
	for _, ex := range cand.Exemplars {
		data.Exemplars = append(data.Exemplars, store.Exemplar{Quote: ex.Quote, Significance: ex.Significance, Timestamp: store.NowNano()})
	}
	if cand.Salience > n.Salience {
		n.Salience = cand.Salience
	}
	n.Data = data
	n.AccessCount++
	n.LastAccessed = time.Now()
	e.graph.AddNodeLocked(n)

	links := e.graph.GetOutLinksLocked(id)
	for i := range links {
		links[i].Strength = minFloat(links[i].Strength+mergeStrengthBump, mergeStrengthCap)
	}
	e.graph.SetOutLinksLocked(id, links)
}

func (e *Engine) insertNew(cand llm.AbstractionEpisode, vec []float32) {
	e.graph.Lock()
	defer e.graph.Unlock()

	nearest := e.graph.FindNearestLocked(vec, newEpisodeLinkCount)

	id := uuid.NewString()
	now := time.Now()
	exemplars := make([]store.Exemplar, 0, len(cand.Exemplars))
	for _, ex := range cand.Exemplars {
		exemplars = append(exemplars, store.Exemplar{Quote: ex.Quote, Significance: ex.Significance, Timestamp: store.NowNano()})
	}

	e.graph.AddNodeLocked(episodegraph.Node{
		ID:           id,
		Embedding:    vec,
		Salience:     cand.Salience,
		AccessCount:  0,
		LastAccessed: now,
		CreatedAt:    now,
		Data: hydrate.NodeData{
			Summary:    cand.Summary,
			Confidence: cand.Confidence,
			Topics:     cand.Topics,
			Exemplars:  exemplars,
			CreatedAt:  now.UnixNano(),
		},
	})

	for _, nb := range nearest {
		if nb.ID == id {
			continue
		}
		e.graph.AddLinkLocked(id, episodegraph.Link{To: nb.ID, Strength: newEpisodeLinkStrength, Kind: episodegraph.LinkThematic})
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// buildAbstractionPrompt embeds the current narrative and the enumerated
// unprocessed experiences into a prose prompt, per spec §6's past-tense
// contract: summaries must describe events that happened, not current
// state, so situational details don't leak as current facts (spec §9).
func buildAbstractionPrompt(narrative string, raws []store.RawExperience) string {
	var b strings.Builder
	b.WriteString("You are the abstraction pass of a memory consolidation pipeline.\n")
	b.WriteString("Current self-narrative:\n")
	if narrative == "" {
		b.WriteString("(none yet)\n")
	} else {
		b.WriteString(narrative + "\n")
	}
	b.WriteString("\nSummarize the following experiences in the PAST TENSE, as things that happened, ")
	b.WriteString("not as current facts about the assistant. Reply with JSON shaped exactly as ")
	b.WriteString(`{"episodes":[{"summary":"","topics":[],"salience":0,"confidence":0,"exemplars":[{"quote":"","significance":""}],"patterns":[]}],"self_model_updates":{"current_focus":"","new_tendency":"","new_value":"","narrative_update":""}}`)
	b.WriteString(".\n\nExperiences:\n")
	for _, r := range raws {
		b.WriteString(fmt.Sprintf("- (%s) %s\n", r.Kind, r.Text))
	}
	return b.String()
}

// ErrNoAbstractor is returned by Run when there are unprocessed raw
// experiences but the Engine has a nil abstraction callback, so a daemon
// misconfiguration surfaces clearly instead of panicking mid-pass.
var ErrNoAbstractor = errors.New("consolidate: no abstraction callback configured")
