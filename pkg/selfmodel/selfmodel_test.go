package selfmodel_test

import (
	"context"
	"testing"

	"github.com/reveries/reveries/pkg/graph"
	"github.com/reveries/reveries/pkg/kv"
	"github.com/reveries/reveries/pkg/selfmodel"
	"github.com/reveries/reveries/pkg/store"
)

func newManager(t *testing.T) (*selfmodel.Manager, *store.Store) {
	t.Helper()
	s := store.New(kv.NewMemory(nil))
	rel := graph.NewKVGraph(kv.NewMemory(nil), kv.Key{"rel"})
	return selfmodel.New(s, rel), s
}

func TestSetPartnerNameOnce(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	changed, err := m.SetPartnerName(ctx, "Alex")
	if err != nil {
		t.Fatalf("SetPartnerName: %v", err)
	}
	if !changed {
		t.Fatalf("expected first SetPartnerName to change the record")
	}

	changed, err = m.SetPartnerName(ctx, "Someone Else")
	if err != nil {
		t.Fatalf("SetPartnerName (second): %v", err)
	}
	if changed {
		t.Fatalf("expected second SetPartnerName to be a no-op")
	}

	sm, err := m.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sm.Relationship.Partner != "Alex" {
		t.Fatalf("Relationship.Partner = %q, want %q", sm.Relationship.Partner, "Alex")
	}
}

func TestApplyUpdatesDedupIdempotence(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	u := selfmodel.Updates{
		CurrentFocus:    "learning to paint",
		NewTendency:     "asks clarifying questions",
		NewValue:        "honesty",
		NarrativeUpdate: "I've been curious about art lately.",
	}

	if err := m.ApplyUpdates(ctx, u); err != nil {
		t.Fatalf("ApplyUpdates (1st): %v", err)
	}
	if err := m.ApplyUpdates(ctx, u); err != nil {
		t.Fatalf("ApplyUpdates (2nd): %v", err)
	}

	sm, err := m.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(sm.Tendencies) != 1 {
		t.Fatalf("Tendencies = %v, want exactly one deduplicated entry", sm.Tendencies)
	}
	if len(sm.Values) != 1 {
		t.Fatalf("Values = %v, want exactly one deduplicated entry", sm.Values)
	}
	if sm.CurrentFocus != u.CurrentFocus {
		t.Fatalf("CurrentFocus = %q, want %q", sm.CurrentFocus, u.CurrentFocus)
	}
	if sm.Narrative != u.NarrativeUpdate {
		t.Fatalf("Narrative = %q, want %q", sm.Narrative, u.NarrativeUpdate)
	}
}

func TestAddSharedContextDedup(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	if _, err := m.SetPartnerName(ctx, "Riley"); err != nil {
		t.Fatalf("SetPartnerName: %v", err)
	}
	if err := m.AddSharedContext(ctx, "we both like hiking"); err != nil {
		t.Fatalf("AddSharedContext (1st): %v", err)
	}
	if err := m.AddSharedContext(ctx, "we both like hiking"); err != nil {
		t.Fatalf("AddSharedContext (2nd): %v", err)
	}

	sm, err := m.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(sm.Relationship.SharedContext) != 1 {
		t.Fatalf("SharedContext = %v, want exactly one deduplicated entry", sm.Relationship.SharedContext)
	}
}

func TestRecordObservedPatternStrengthensExisting(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	if _, err := m.SetPartnerName(ctx, "Sam"); err != nil {
		t.Fatalf("SetPartnerName: %v", err)
	}
	if err := m.RecordObservedPattern(ctx, "prefers terse replies", 0.4); err != nil {
		t.Fatalf("RecordObservedPattern (1st): %v", err)
	}
	if err := m.RecordObservedPattern(ctx, "prefers terse replies", 0.9); err != nil {
		t.Fatalf("RecordObservedPattern (2nd): %v", err)
	}

	sm, err := m.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(sm.Relationship.ObservedPatterns) != 1 {
		t.Fatalf("ObservedPatterns = %+v, want exactly one entry", sm.Relationship.ObservedPatterns)
	}
	if sm.Relationship.ObservedPatterns[0].Confidence != 0.9 {
		t.Fatalf("Confidence = %v, want strengthened to 0.9", sm.Relationship.ObservedPatterns[0].Confidence)
	}
}

func TestEnsureBlankIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, s := newManager(t)

	if err := m.EnsureBlank(ctx); err != nil {
		t.Fatalf("EnsureBlank (1st): %v", err)
	}
	first, err := s.GetSelfModel(ctx)
	if err != nil {
		t.Fatalf("GetSelfModel: %v", err)
	}

	if _, err := m.SetPartnerName(ctx, "Jordan"); err != nil {
		t.Fatalf("SetPartnerName: %v", err)
	}
	if err := m.EnsureBlank(ctx); err != nil {
		t.Fatalf("EnsureBlank (2nd): %v", err)
	}
	second, err := s.GetSelfModel(ctx)
	if err != nil {
		t.Fatalf("GetSelfModel: %v", err)
	}
	if second.Relationship.Partner != "Jordan" {
		t.Fatalf("EnsureBlank overwrote an existing self-model; first updated at %d", first.UpdatedAt)
	}
}
