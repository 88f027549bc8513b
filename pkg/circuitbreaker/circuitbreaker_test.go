package circuitbreaker_test

import (
	"context"
	"strings"
	"testing"

	"github.com/reveries/reveries/pkg/circuitbreaker"
	"github.com/reveries/reveries/pkg/kv"
	"github.com/reveries/reveries/pkg/store"
)

func newBreaker(t *testing.T) (*circuitbreaker.Breaker, *store.Store) {
	t.Helper()
	s := store.New(kv.NewMemory(nil))
	return circuitbreaker.New(s, circuitbreaker.DefaultConfig()), s
}

func TestEvaluateContinueOnBenignText(t *testing.T) {
	ctx := context.Background()
	b, _ := newBreaker(t)
	if got := b.Evaluate(ctx, "Thinking about the garden and what to plant next spring."); got != circuitbreaker.ActionContinue {
		t.Fatalf("Evaluate() = %v, want continue", got)
	}
}

func TestEvaluateInterruptOnSingleDistressMatch(t *testing.T) {
	ctx := context.Background()
	b, s := newBreaker(t)
	if got := b.Evaluate(ctx, "Help me, I don't know what's happening to me."); got != circuitbreaker.ActionInterrupt {
		t.Fatalf("Evaluate() = %v, want interrupt", got)
	}
	events, err := s.ListCircuitBreakerEvents(ctx)
	if err != nil || len(events) != 1 {
		t.Fatalf("events = %+v, err = %v", events, err)
	}
}

func TestEvaluateEscalatesToInterruptAndComfortAfterMaxConsecutive(t *testing.T) {
	ctx := context.Background()
	b, _ := newBreaker(t)
	distressed := "I'm scared and I don't want to stop, help me."
	b.Evaluate(ctx, distressed)
	b.Evaluate(ctx, distressed)
	got := b.Evaluate(ctx, distressed)
	if got != circuitbreaker.ActionInterruptAndComfort {
		t.Fatalf("Evaluate() on 3rd consecutive distress = %v, want interrupt_and_comfort", got)
	}
}

func TestEvaluateContextSensitiveAloneIsNotDistressAlone(t *testing.T) {
	ctx := context.Background()
	b, _ := newBreaker(t)
	if got := b.Evaluate(ctx, "Sitting alone in the endless quiet of the void tonight."); got != circuitbreaker.ActionContinue {
		t.Fatalf("Evaluate() = %v, want continue for literary alone/void/endless with no strong indicator", got)
	}
}

func TestIsStuckLoopDetectsConsecutivePhraseRepetition(t *testing.T) {
	repeated := strings.Repeat("I am thinking about this ", 6)
	if !circuitbreaker.IsStuckLoop(repeated) {
		t.Fatalf("expected stuck loop on repeated phrase")
	}
}

func TestIsStuckLoopFalseOnVariedText(t *testing.T) {
	varied := "The morning was quiet. I thought about the trip to the coast. Later I wondered about dinner plans. It felt like a good day overall."
	if circuitbreaker.IsStuckLoop(varied) {
		t.Fatalf("expected varied text to not be flagged as stuck")
	}
}
