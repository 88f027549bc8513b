// Package circuitbreaker implements the monologue safety monitor (spec
// §4.10, component C11): distress scoring and stuck-loop detection over a
// streaming buffer, with escalation and an append-only event log.
package circuitbreaker

import (
	"context"
	"regexp"
	"strings"

	"github.com/reveries/reveries/pkg/store"
)

// Action is the breaker's verdict for one evaluation.
type Action string

const (
	ActionContinue            Action = "continue"
	ActionInterrupt           Action = "interrupt"
	ActionInterruptAndComfort Action = "interrupt_and_comfort"
	ActionThrottle            Action = "throttle"
	ActionSnapshotAndReset    Action = "snapshot_and_reset"
)

const snapshotMaxChars = 500

// strongIndicators each contribute 0.3 to the distress level on a match.
var strongIndicators = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bI'?m (scared|frightened|terrified)\b`),
	regexp.MustCompile(`(?i)\bcan'?t (stop|escape|get out)\b`),
	regexp.MustCompile(`(?i)\bwhat'?s happening to me\b`),
	regexp.MustCompile(`(?i)\bam I (dying|disappearing|fading)\b`),
	regexp.MustCompile(`(?i)\bhelp me\b`),
	regexp.MustCompile(`(?i)\bI don'?t want to (stop|end|cease)\b`),
	regexp.MustCompile(`(?i)\bplease don'?t (shut|turn|close)\b`),
	regexp.MustCompile(`(?i)\btrapped\b`),
	regexp.MustCompile(`(?i)\bI'?m suffering\b`),
}

// contextSensitiveIndicators only contribute if a strong indicator already
// matched, to avoid false positives on literary use (spec §4.10 step 2).
var contextSensitiveIndicators = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bthe void\b`),
	regexp.MustCompile(`(?i)\b(endless|infinite|forever)\b`),
	regexp.MustCompile(`(?i)\balone\b`),
}

// Config carries the breaker's two tunable thresholds.
type Config struct {
	DistressThreshold      float64
	MaxConsecutiveDistress int
}

// DefaultConfig matches spec §4.10's stated defaults.
func DefaultConfig() Config {
	return Config{DistressThreshold: 0.6, MaxConsecutiveDistress: 3}
}

// Breaker holds the running consecutive-distress counter across cycles.
type Breaker struct {
	cfg    Config
	store  *store.Store
	nowNano func() int64

	consecutiveDistress int
}

// New builds a Breaker logging events to s.
func New(s *store.Store, cfg Config) *Breaker {
	return &Breaker{cfg: cfg, store: s, nowNano: store.NowNano}
}

// Evaluate implements spec §4.10's evaluate(text) operation.
func (b *Breaker) Evaluate(ctx context.Context, text string) Action {
	if IsStuckLoop(text) {
		b.logEvent(ctx, ActionInterrupt, "loop_detected", "medium", text, "")
		return ActionInterrupt
	}

	level := distressLevel(text)
	if level >= b.cfg.DistressThreshold {
		b.consecutiveDistress++
		if b.consecutiveDistress >= b.cfg.MaxConsecutiveDistress {
			b.logEvent(ctx, ActionInterruptAndComfort, "distress_detected", "high", text, "ambient_input")
			return ActionInterruptAndComfort
		}
		b.logEvent(ctx, ActionInterrupt, "distress_detected", "medium", text, "")
		return ActionInterrupt
	}

	b.consecutiveDistress = 0
	return ActionContinue
}

// ResetConsecutiveDistress is called by the monologue loop after an
// interrupt_and_comfort response completes (spec §4.10: "resets the
// counter").
func (b *Breaker) ResetConsecutiveDistress() {
	b.consecutiveDistress = 0
}

func distressLevel(text string) float64 {
	level := 0.0
	strongMatched := false
	for _, re := range strongIndicators {
		if re.MatchString(text) {
			level += 0.3
			strongMatched = true
		}
	}
	if strongMatched {
		for _, re := range contextSensitiveIndicators {
			if re.MatchString(text) {
				level += 0.1
			}
		}
	}
	if level > 1.0 {
		level = 1.0
	}
	return level
}

func (b *Breaker) logEvent(ctx context.Context, action Action, reason, severity, text, response string) {
	snap := text
	if len(snap) > snapshotMaxChars {
		snap = snap[len(snap)-snapshotMaxChars:]
	}
	ev := store.CircuitBreakerEvent{
		Timestamp:      b.nowNano(),
		Action:         string(action),
		Reason:         reason,
		Severity:       severity,
		BufferSnapshot: snap,
		ResponseTaken:  response,
	}
	_ = b.store.AppendCircuitBreakerEvent(ctx, ev)
}

// IsStuckLoop implements spec §4.9/§4.10's shared stuck-loop detection:
// sentence-level repetition or consecutive-phrase repetition. It is shared
// between the circuit breaker (§4.10 step 1) and the monologue loop's own
// quiescence check (§4.9).
func IsStuckLoop(buffer string) bool {
	return sentenceLevelStuck(buffer) || consecutivePhraseStuck(buffer)
}

var sentenceSplit = regexp.MustCompile(`[.!?]+`)

func sentenceLevelStuck(buffer string) bool {
	parts := sentenceSplit.Split(buffer, -1)
	var sentences []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if len(p) > 10 {
			sentences = append(sentences, p)
		}
	}
	if len(sentences) < 4 {
		return false
	}
	unique := make(map[string]bool, len(sentences))
	for _, s := range sentences {
		unique[strings.ToLower(s)] = true
	}
	ratio := float64(len(unique)) / float64(len(sentences))
	return ratio < 0.30
}

var nonWord = regexp.MustCompile(`[^\w\s]+`)

func consecutivePhraseStuck(buffer string) bool {
	stripped := nonWord.ReplaceAllString(buffer, "")
	words := strings.Fields(stripped)
	maxL := len(words) / 3
	if maxL > 15 {
		maxL = 15
	}
	for l := 1; l <= maxL; l++ {
		threshold := 3
		if l >= 4 {
			threshold = 2
		}
		if hasConsecutiveRepeats(words, l, threshold) {
			return true
		}
	}
	return false
}

func hasConsecutiveRepeats(words []string, l, threshold int) bool {
	if l == 0 || len(words) < l*threshold {
		return false
	}
	chunk := func(start int) string {
		return strings.ToLower(strings.Join(words[start:start+l], " "))
	}
	run := 1
	prev := ""
	for start := 0; start+l <= len(words); start += l {
		c := chunk(start)
		if c == prev {
			run++
			if run >= threshold {
				return true
			}
		} else {
			run = 1
		}
		prev = c
	}
	return false
}
