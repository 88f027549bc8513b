// Package selfmodel implements the self-model manager (spec §4, §5,
// component C5): the singleton identity record, read-modify-write under an
// exclusive lock so the conversation handler's partner-name detection and
// the consolidation engine's narrative updates never race (spec §5).
//
// The canonical record is the JSON document in pkg/store; the partner
// relationship's shared-context items and observed patterns are also
// mirrored into an adapted pkg/graph.Graph (entities for the partner and
// each shared-context/pattern, relations connecting them) so that the
// teacher's entity-relation graph abstraction is exercised by a real
// domain rather than left unused.
package selfmodel

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/reveries/reveries/pkg/graph"
	"github.com/reveries/reveries/pkg/store"
)

const (
	relTypeSharedContext = "shared_context"
	relTypePattern       = "pattern"
	partnerEntityPrefix  = "partner/"
)

// textHash collapses free-form text (a partner name, a shared-context item,
// an observed-pattern description — all model-detected or model-generated,
// none under our control) into a short fixed-alphabet token. pkg/kv encodes
// graph labels as ':'-joined segments, and pkg/graph.KVGraph.validateSegments
// rejects any label segment containing that separator, so free text can
// never be used as a label segment directly. The text itself is never lost:
// it's stored verbatim in the entity's Attrs and in the canonical
// store.SelfModel JSON, the hash only identifies the graph node.
func textHash(s string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%x", h.Sum64())
}

// partnerLabel returns the partner entity's graph label.
func partnerLabel(name string) string {
	return partnerEntityPrefix + textHash(name)
}

// childLabel returns the graph label for a partner's shared-context item or
// observed pattern (kind is "ctx" or "pattern").
func childLabel(partner, kind, text string) string {
	return fmt.Sprintf("%s/%s/%s", partnerLabel(partner), kind, textHash(text))
}

// Updates is the shape of the abstraction model's self_model_updates reply
// (spec §4.5 step 4 / §6).
type Updates struct {
	CurrentFocus    string
	NewTendency     string
	NewValue        string
	NarrativeUpdate string
}

// Manager owns the self-model's exclusive lock.
type Manager struct {
	mu    sync.Mutex
	store *store.Store
	rel   graph.Graph
}

// New builds a Manager. rel may be nil, in which case relationship facts
// are tracked only in the canonical JSON record.
func New(s *store.Store, rel graph.Graph) *Manager {
	return &Manager{store: s, rel: rel}
}

// EnsureBlank creates a blank self-model if the store has none, per spec
// §4.11 wake semantics ("create a blank self-model if the store had none").
func (m *Manager) EnsureBlank(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.store.GetSelfModel(ctx)
	if err == nil {
		return nil
	}
	if err != store.ErrNotFound {
		return fmt.Errorf("selfmodel: ensure blank: %w", err)
	}
	return m.store.PutSelfModel(ctx, store.SelfModel{UpdatedAt: store.NowNano()})
}

// Get returns a copy of the current self-model.
func (m *Manager) Get(ctx context.Context) (store.SelfModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sm, err := m.store.GetSelfModel(ctx)
	if err == store.ErrNotFound {
		return store.SelfModel{}, nil
	}
	if err != nil {
		return store.SelfModel{}, fmt.Errorf("selfmodel: get: %w", err)
	}
	return sm, nil
}

// SetPartnerName persists the partner identifier the first time it is
// detected. Per spec §3's invariant, it is a no-op once set — renames
// happen only through an explicit rename path (not exposed here, since no
// component calls for one; see spec §9 open questions about scope of
// rename semantics).
func (m *Manager) SetPartnerName(ctx context.Context, name string) (changed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sm, err := m.loadOrBlank(ctx)
	if err != nil {
		return false, err
	}
	if sm.Relationship.Partner != "" {
		return false, nil
	}
	sm.Relationship.Partner = name
	sm.UpdatedAt = store.NowNano()
	if err := m.store.PutSelfModel(ctx, sm); err != nil {
		return false, fmt.Errorf("selfmodel: set partner name: %w", err)
	}
	if m.rel != nil {
		if err := m.rel.SetEntity(ctx, graph.Entity{Label: partnerLabel(name), Attrs: map[string]any{"name": name}}); err != nil {
			return true, fmt.Errorf("selfmodel: mirror partner entity: %w", err)
		}
	}
	return true, nil
}

// AddSharedContext appends a shared-context item (deduplicated) and mirrors
// it as a relation from the partner entity.
func (m *Manager) AddSharedContext(ctx context.Context, item string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sm, err := m.loadOrBlank(ctx)
	if err != nil {
		return err
	}
	if containsString(sm.Relationship.SharedContext, item) {
		return nil
	}
	sm.Relationship.SharedContext = append(sm.Relationship.SharedContext, item)
	sm.UpdatedAt = store.NowNano()
	if err := m.store.PutSelfModel(ctx, sm); err != nil {
		return fmt.Errorf("selfmodel: add shared context: %w", err)
	}
	if m.rel != nil && sm.Relationship.Partner != "" {
		ctxLabel := childLabel(sm.Relationship.Partner, "ctx", item)
		if err := m.rel.SetEntity(ctx, graph.Entity{Label: ctxLabel, Attrs: map[string]any{"text": item}}); err == nil {
			_ = m.rel.AddRelation(ctx, graph.Relation{From: partnerLabel(sm.Relationship.Partner), To: ctxLabel, RelType: relTypeSharedContext})
		}
	}
	return nil
}

// RecordObservedPattern appends (or strengthens, if already present) an
// observed relationship pattern.
func (m *Manager) RecordObservedPattern(ctx context.Context, description string, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sm, err := m.loadOrBlank(ctx)
	if err != nil {
		return err
	}
	found := false
	for i, p := range sm.Relationship.ObservedPatterns {
		if p.Description == description {
			if confidence > p.Confidence {
				sm.Relationship.ObservedPatterns[i].Confidence = confidence
			}
			found = true
			break
		}
	}
	if !found {
		sm.Relationship.ObservedPatterns = append(sm.Relationship.ObservedPatterns, store.Pattern{Description: description, Confidence: confidence})
	}
	sm.UpdatedAt = store.NowNano()
	if err := m.store.PutSelfModel(ctx, sm); err != nil {
		return fmt.Errorf("selfmodel: record observed pattern: %w", err)
	}
	if m.rel != nil && sm.Relationship.Partner != "" {
		patternLabel := childLabel(sm.Relationship.Partner, "pattern", description)
		if err := m.rel.SetEntity(ctx, graph.Entity{Label: patternLabel, Attrs: map[string]any{"description": description, "confidence": confidence}}); err == nil {
			_ = m.rel.AddRelation(ctx, graph.Relation{From: partnerLabel(sm.Relationship.Partner), To: patternLabel, RelType: relTypePattern})
		}
	}
	return nil
}

// ApplyUpdates applies the abstraction model's self_model_updates (spec
// §4.5 step 4): reload from the store first (so concurrent writers like
// partner-name detection are not lost), then replace current-focus,
// dedup-append the new tendency/value, and apply the narrative update.
func (m *Manager) ApplyUpdates(ctx context.Context, u Updates) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sm, err := m.loadOrBlank(ctx)
	if err != nil {
		return err
	}

	if u.CurrentFocus != "" {
		sm.CurrentFocus = u.CurrentFocus
	}
	if u.NewTendency != "" && !containsString(sm.Tendencies, u.NewTendency) {
		sm.Tendencies = append(sm.Tendencies, u.NewTendency)
	}
	if u.NewValue != "" && !containsString(sm.Values, u.NewValue) {
		sm.Values = append(sm.Values, u.NewValue)
	}
	if u.NarrativeUpdate != "" {
		sm.Narrative = u.NarrativeUpdate
	}
	sm.UpdatedAt = store.NowNano()
	if err := m.store.PutSelfModel(ctx, sm); err != nil {
		return fmt.Errorf("selfmodel: apply updates: %w", err)
	}
	return nil
}

func (m *Manager) loadOrBlank(ctx context.Context) (store.SelfModel, error) {
	sm, err := m.store.GetSelfModel(ctx)
	if err == store.ErrNotFound {
		return store.SelfModel{UpdatedAt: store.NowNano()}, nil
	}
	if err != nil {
		return store.SelfModel{}, fmt.Errorf("selfmodel: load: %w", err)
	}
	return sm, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
