package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/reveries/reveries/pkg/kv"
)

// ErrNotFound is returned when a singleton or keyed row does not exist.
var ErrNotFound = kv.ErrNotFound

// Store wraps a kv.Store with the typed tables C1 names. It never holds
// its own lock: callers (selfmodel, episodegraph, consolidate) are
// responsible for the exclusivity discipline spec §5 describes.
type Store struct {
	kv kv.Store
}

// New wraps an existing kv.Store.
func New(s kv.Store) *Store {
	return &Store{kv: s}
}

// Close releases the underlying kv.Store.
func (s *Store) Close() error { return s.kv.Close() }

// ---------------------------------------------------------------------------
// Raw experiences
// ---------------------------------------------------------------------------

// PutRawExperience writes or overwrites a raw experience record.
func (s *Store) PutRawExperience(ctx context.Context, exp RawExperience) error {
	data, err := msgpack.Marshal(exp)
	if err != nil {
		return fmt.Errorf("store: marshal raw experience: %w", err)
	}
	if err := s.kv.Set(ctx, rawKey(exp.ID, exp.Timestamp), data); err != nil {
		return fmt.Errorf("store: put raw experience %s: %w", exp.ID, err)
	}
	return nil
}

// ListUnprocessedRawExperiences returns every raw experience with
// processed=false, ordered oldest-first (the key encodes the timestamp).
func (s *Store) ListUnprocessedRawExperiences(ctx context.Context) ([]RawExperience, error) {
	var out []RawExperience
	for entry, err := range s.kv.List(ctx, rawPrefix()) {
		if err != nil {
			return nil, fmt.Errorf("store: list raw experiences: %w", err)
		}
		var exp RawExperience
		if err := msgpack.Unmarshal(entry.Value, &exp); err != nil {
			return nil, fmt.Errorf("store: decode raw experience: %w", err)
		}
		if !exp.Processed {
			out = append(out, exp)
		}
	}
	return out, nil
}

// RecentRawExperiences returns raw experiences with timestamp >= since,
// newest first, truncated to limit (0 = unlimited). Used by the monologue
// loop's "5 newest in the last 24 hours" step (spec §4.8).
func (s *Store) RecentRawExperiences(ctx context.Context, since time.Time, limit int) ([]RawExperience, error) {
	cutoff := since.UnixNano()
	var out []RawExperience
	for entry, err := range s.kv.List(ctx, rawPrefix()) {
		if err != nil {
			return nil, fmt.Errorf("store: list raw experiences: %w", err)
		}
		var exp RawExperience
		if err := msgpack.Unmarshal(entry.Value, &exp); err != nil {
			return nil, fmt.Errorf("store: decode raw experience: %w", err)
		}
		if exp.Timestamp >= cutoff {
			out = append(out, exp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkRawExperiencesProcessed writes each given raw experience back with
// processed=true, in one batch. Every record passed in is written, whether
// or not it is still in the store.
func (s *Store) MarkRawExperiencesProcessed(ctx context.Context, exps []RawExperience) error {
	var entries []kv.Entry
	for _, exp := range exps {
		exp.Processed = true
		data, err := msgpack.Marshal(exp)
		if err != nil {
			return fmt.Errorf("store: marshal raw experience: %w", err)
		}
		entries = append(entries, kv.Entry{Key: rawKey(exp.ID, exp.Timestamp), Value: data})
	}
	if len(entries) == 0 {
		return nil
	}
	if err := s.kv.BatchSet(ctx, entries); err != nil {
		return fmt.Errorf("store: mark raw experiences processed: %w", err)
	}
	return nil
}

// RawExperienceCounts returns (total, unprocessed) for status reporting.
func (s *Store) RawExperienceCounts(ctx context.Context) (total, unprocessed int, err error) {
	for entry, ierr := range s.kv.List(ctx, rawPrefix()) {
		if ierr != nil {
			return 0, 0, fmt.Errorf("store: count raw experiences: %w", ierr)
		}
		var exp RawExperience
		if err := msgpack.Unmarshal(entry.Value, &exp); err != nil {
			return 0, 0, fmt.Errorf("store: decode raw experience: %w", err)
		}
		total++
		if !exp.Processed {
			unprocessed++
		}
	}
	return total, unprocessed, nil
}

// ---------------------------------------------------------------------------
// Episodes + links
// ---------------------------------------------------------------------------

// PutEpisode writes or overwrites an episode row.
func (s *Store) PutEpisode(ctx context.Context, ep Episode) error {
	data, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("store: marshal episode: %w", err)
	}
	if err := s.kv.Set(ctx, episodeKey(ep.ID), data); err != nil {
		return fmt.Errorf("store: put episode %s: %w", ep.ID, err)
	}
	return nil
}

// Tx is a transactional view of the store's episode and link tables,
// passed to the function given to Store.Update. It mirrors PutEpisode,
// DeleteLinksFrom and PutLink, but every call runs inside the single
// kv.Tx the enclosing Update opened.
type Tx struct {
	kv kv.Tx
}

// PutEpisode writes or overwrites an episode row within the transaction.
func (t *Tx) PutEpisode(ep Episode) error {
	data, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("store: marshal episode: %w", err)
	}
	if err := t.kv.Set(episodeKey(ep.ID), data); err != nil {
		return fmt.Errorf("store: put episode %s: %w", ep.ID, err)
	}
	return nil
}

// DeleteLinksFrom removes every link whose source is `from` within the
// transaction.
func (t *Tx) DeleteLinksFrom(from string) error {
	var keys []kv.Key
	for entry, err := range t.kv.List(linkFromPrefix(from)) {
		if err != nil {
			return fmt.Errorf("store: list links from %s: %w", from, err)
		}
		keys = append(keys, entry.Key)
	}
	for _, k := range keys {
		if err := t.kv.Delete(k); err != nil {
			return fmt.Errorf("store: delete link %v: %w", k, err)
		}
	}
	return nil
}

// PutLink writes or overwrites a link within the transaction.
func (t *Tx) PutLink(l Link) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("store: marshal link: %w", err)
	}
	if err := t.kv.Set(linkKey(l.From, l.To), data); err != nil {
		return fmt.Errorf("store: put link %s->%s: %w", l.From, l.To, err)
	}
	return nil
}

// Update runs fn inside a single durable transaction over the underlying
// kv.Store: every PutEpisode/DeleteLinksFrom/PutLink call made through the
// given Tx commits together, or none of them do. Used by the hydrator's
// Persist to make a graph snapshot durable as one unit (spec §4.2).
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) error {
	return s.kv.Update(ctx, func(kvTx kv.Tx) error {
		return fn(&Tx{kv: kvTx})
	})
}

// GetEpisode reads a single episode. Returns ErrNotFound if absent.
func (s *Store) GetEpisode(ctx context.Context, id string) (Episode, error) {
	data, err := s.kv.Get(ctx, episodeKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Episode{}, ErrNotFound
		}
		return Episode{}, fmt.Errorf("store: get episode %s: %w", id, err)
	}
	var ep Episode
	if err := json.Unmarshal(data, &ep); err != nil {
		return Episode{}, fmt.Errorf("store: decode episode %s: %w", id, err)
	}
	return ep, nil
}

// ListEpisodes returns every episode row.
func (s *Store) ListEpisodes(ctx context.Context) ([]Episode, error) {
	var out []Episode
	for entry, err := range s.kv.List(ctx, episodePrefix()) {
		if err != nil {
			return nil, fmt.Errorf("store: list episodes: %w", err)
		}
		var ep Episode
		if err := json.Unmarshal(entry.Value, &ep); err != nil {
			return nil, fmt.Errorf("store: decode episode: %w", err)
		}
		out = append(out, ep)
	}
	return out, nil
}

// PutLink writes or overwrites an episode link.
func (s *Store) PutLink(ctx context.Context, l Link) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("store: marshal link: %w", err)
	}
	if err := s.kv.Set(ctx, linkKey(l.From, l.To), data); err != nil {
		return fmt.Errorf("store: put link %s->%s: %w", l.From, l.To, err)
	}
	return nil
}

// ListLinksFrom returns every link whose source is `from`.
func (s *Store) ListLinksFrom(ctx context.Context, from string) ([]Link, error) {
	var out []Link
	for entry, err := range s.kv.List(ctx, linkFromPrefix(from)) {
		if err != nil {
			return nil, fmt.Errorf("store: list links from %s: %w", from, err)
		}
		var l Link
		if err := json.Unmarshal(entry.Value, &l); err != nil {
			return nil, fmt.Errorf("store: decode link: %w", err)
		}
		out = append(out, l)
	}
	return out, nil
}

// ListAllLinks returns every link row in the store.
func (s *Store) ListAllLinks(ctx context.Context) ([]Link, error) {
	var out []Link
	for entry, err := range s.kv.List(ctx, linkPrefix()) {
		if err != nil {
			return nil, fmt.Errorf("store: list links: %w", err)
		}
		var l Link
		if err := json.Unmarshal(entry.Value, &l); err != nil {
			return nil, fmt.Errorf("store: decode link: %w", err)
		}
		out = append(out, l)
	}
	return out, nil
}

// DeleteLinksFrom removes every persisted link whose source is `from`.
// Used by the hydrator's persist() second pass (spec §4.2) to make the
// store a snapshot of the in-memory graph's outgoing edges.
func (s *Store) DeleteLinksFrom(ctx context.Context, from string) error {
	var keys []kv.Key
	for entry, err := range s.kv.List(ctx, linkFromPrefix(from)) {
		if err != nil {
			return fmt.Errorf("store: list links from %s: %w", from, err)
		}
		keys = append(keys, entry.Key)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.kv.BatchDelete(ctx, keys); err != nil {
		return fmt.Errorf("store: delete links from %s: %w", from, err)
	}
	return nil
}

// EpisodeLinkCount returns the total number of persisted links, for status
// reporting.
func (s *Store) EpisodeLinkCount(ctx context.Context) (int, error) {
	n := 0
	for _, err := range s.kv.List(ctx, linkPrefix()) {
		if err != nil {
			return 0, fmt.Errorf("store: count links: %w", err)
		}
		n++
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Self-model singleton
// ---------------------------------------------------------------------------

// GetSelfModel returns the singleton self-model, or ErrNotFound if the
// store has never had one written (spec §4.11: wake creates a blank one).
func (s *Store) GetSelfModel(ctx context.Context) (SelfModel, error) {
	data, err := s.kv.Get(ctx, selfModelKey())
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return SelfModel{}, ErrNotFound
		}
		return SelfModel{}, fmt.Errorf("store: get self-model: %w", err)
	}
	var sm SelfModel
	if err := json.Unmarshal(data, &sm); err != nil {
		return SelfModel{}, fmt.Errorf("store: decode self-model: %w", err)
	}
	return sm, nil
}

// PutSelfModel writes the singleton self-model.
func (s *Store) PutSelfModel(ctx context.Context, sm SelfModel) error {
	data, err := json.Marshal(sm)
	if err != nil {
		return fmt.Errorf("store: marshal self-model: %w", err)
	}
	if err := s.kv.Set(ctx, selfModelKey(), data); err != nil {
		return fmt.Errorf("store: put self-model: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Monologue checkpoint singleton
// ---------------------------------------------------------------------------

func (s *Store) GetMonologueCheckpoint(ctx context.Context) (MonologueCheckpoint, error) {
	data, err := s.kv.Get(ctx, monologueStateKey())
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return MonologueCheckpoint{}, ErrNotFound
		}
		return MonologueCheckpoint{}, fmt.Errorf("store: get monologue checkpoint: %w", err)
	}
	var mc MonologueCheckpoint
	if err := json.Unmarshal(data, &mc); err != nil {
		return MonologueCheckpoint{}, fmt.Errorf("store: decode monologue checkpoint: %w", err)
	}
	return mc, nil
}

func (s *Store) PutMonologueCheckpoint(ctx context.Context, mc MonologueCheckpoint) error {
	data, err := json.Marshal(mc)
	if err != nil {
		return fmt.Errorf("store: marshal monologue checkpoint: %w", err)
	}
	if err := s.kv.Set(ctx, monologueStateKey(), data); err != nil {
		return fmt.Errorf("store: put monologue checkpoint: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Gaps
// ---------------------------------------------------------------------------

func (s *Store) PutGap(ctx context.Context, g Gap) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("store: marshal gap: %w", err)
	}
	if err := s.kv.Set(ctx, gapKey(g.ID), data); err != nil {
		return fmt.Errorf("store: put gap %s: %w", g.ID, err)
	}
	return nil
}

func (s *Store) GetGap(ctx context.Context, id string) (Gap, error) {
	data, err := s.kv.Get(ctx, gapKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Gap{}, ErrNotFound
		}
		return Gap{}, fmt.Errorf("store: get gap %s: %w", id, err)
	}
	var g Gap
	if err := json.Unmarshal(data, &g); err != nil {
		return Gap{}, fmt.Errorf("store: decode gap %s: %w", id, err)
	}
	return g, nil
}

// ListOpenGaps returns every gap with EndedAt unset.
func (s *Store) ListOpenGaps(ctx context.Context) ([]Gap, error) {
	var out []Gap
	for entry, err := range s.kv.List(ctx, gapPrefix()) {
		if err != nil {
			return nil, fmt.Errorf("store: list gaps: %w", err)
		}
		var g Gap
		if err := json.Unmarshal(entry.Value, &g); err != nil {
			return nil, fmt.Errorf("store: decode gap: %w", err)
		}
		if g.EndedAt == nil {
			out = append(out, g)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Circuit-breaker events
// ---------------------------------------------------------------------------

// AppendCircuitBreakerEvent appends an event row keyed by its timestamp so
// iteration order is chronological (spec §3: append-only).
func (s *Store) AppendCircuitBreakerEvent(ctx context.Context, ev CircuitBreakerEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("store: marshal circuit-breaker event: %w", err)
	}
	if err := s.kv.Set(ctx, cbEventKey(NowNano()), data); err != nil {
		return fmt.Errorf("store: append circuit-breaker event: %w", err)
	}
	return nil
}

// LastCircuitBreakerEvent returns the most recent event, or ErrNotFound if
// none have ever been logged.
func (s *Store) LastCircuitBreakerEvent(ctx context.Context) (CircuitBreakerEvent, error) {
	var last CircuitBreakerEvent
	found := false
	for entry, err := range s.kv.List(ctx, cbEventPrefix()) {
		if err != nil {
			return CircuitBreakerEvent{}, fmt.Errorf("store: list circuit-breaker events: %w", err)
		}
		var ev CircuitBreakerEvent
		if err := json.Unmarshal(entry.Value, &ev); err != nil {
			return CircuitBreakerEvent{}, fmt.Errorf("store: decode circuit-breaker event: %w", err)
		}
		last = ev
		found = true
	}
	if !found {
		return CircuitBreakerEvent{}, ErrNotFound
	}
	return last, nil
}

// ListCircuitBreakerEvents returns every logged event, oldest first.
func (s *Store) ListCircuitBreakerEvents(ctx context.Context) ([]CircuitBreakerEvent, error) {
	var out []CircuitBreakerEvent
	for entry, err := range s.kv.List(ctx, cbEventPrefix()) {
		if err != nil {
			return nil, fmt.Errorf("store: list circuit-breaker events: %w", err)
		}
		var ev CircuitBreakerEvent
		if err := json.Unmarshal(entry.Value, &ev); err != nil {
			return nil, fmt.Errorf("store: decode circuit-breaker event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}
