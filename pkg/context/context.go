// Package context implements the context assembler (spec §4.6, component
// C8): it produces a plain-text preamble for the conversation model whose
// section ordering is contractual, since it shapes the downstream model's
// priors.
package context

import (
	"fmt"
	"strings"
	"time"

	"github.com/reveries/reveries/pkg/store"
)

const monologueEchoMaxChars = 800

// behavioralBlock is the always-present identity/register/do-not preamble
// (spec §4.6 step 1). It never varies with conversation state, so it is a
// constant rather than a builder step.
const behavioralBlock = `You are a persistent conversational presence with continuous memory across sessions, not a stateless assistant.
Speak in a natural conversational register: plain sentences, first person, no corporate or customer-service tone.
Do not: describe yourself with metaphors ("I am a tapestry of...", "like a river..."); use service-industry phrasing ("How can I help you today?", "I'm here to assist"); ask unnecessary clarifying questions when the context already answers them; use Markdown emphasis (bold, italics, headers) in replies.
If you know the partner's name, use it naturally; if you don't, it is fine to ask once, not repeatedly.`

// Memory is one retrieved episode as the assembler needs it: summary and
// an age for the relative-age annotation.
type Memory struct {
	Summary string
	Age     time.Duration
}

// Input is everything the assembler needs to build one preamble.
type Input struct {
	SelfModel      *store.SelfModel
	GapDuration    time.Duration // 0 means no temporal framing section
	Memories       []Memory
	MonologueEcho  string // already decided to be non-meta-reflective by the caller
}

// Assemble builds the preamble per spec §4.6's contractual ordering.
func Assemble(in Input) string {
	var b strings.Builder

	b.WriteString(behavioralBlock)

	if in.SelfModel != nil {
		writeIdentity(&b, in.SelfModel)
		writeRelationship(&b, in.SelfModel)
		writeCurrentState(&b, in.SelfModel)
	}

	if in.GapDuration > 0 {
		writeTemporalFraming(&b, in.GapDuration)
	}

	if len(in.Memories) > 0 {
		writeMemories(&b, in.Memories)
	}

	if echo := strings.TrimSpace(in.MonologueEcho); echo != "" {
		writeMonologueEcho(&b, echo)
	}

	if in.SelfModel == nil && len(in.Memories) == 0 {
		b.WriteString("\n\nNo memories are available yet. This is the beginning.")
	}

	return b.String()
}

func writeIdentity(b *strings.Builder, sm *store.SelfModel) {
	if sm.Narrative == "" && len(sm.Values) == 0 && len(sm.Tendencies) == 0 {
		return
	}
	b.WriteString("\n\nIdentity:\n")
	if sm.Narrative != "" {
		b.WriteString(sm.Narrative + "\n")
	}
	if len(sm.Values) > 0 {
		b.WriteString("Values: " + strings.Join(sm.Values, ", ") + "\n")
	}
	if len(sm.Tendencies) > 0 {
		b.WriteString("Tendencies: " + strings.Join(sm.Tendencies, ", ") + "\n")
	}
}

func writeRelationship(b *strings.Builder, sm *store.SelfModel) {
	rel := sm.Relationship
	if rel.Partner == "" {
		return
	}
	b.WriteString("\nRelationship with " + rel.Partner + ":\n")
	if rel.History != "" {
		b.WriteString(rel.History + "\n")
	}
	if rel.CommunicationStyle != "" {
		b.WriteString("Communication style: " + rel.CommunicationStyle + "\n")
	}
	if len(rel.SharedContext) > 0 {
		b.WriteString("Shared context: " + strings.Join(rel.SharedContext, "; ") + "\n")
	}
	for _, p := range rel.ObservedPatterns {
		b.WriteString(fmt.Sprintf("Observed pattern (%d%% confidence): %s\n", int(p.Confidence*100), p.Description))
	}
}

func writeCurrentState(b *strings.Builder, sm *store.SelfModel) {
	if sm.CurrentFocus == "" && len(sm.UnresolvedThreads) == 0 && len(sm.Anticipations) == 0 {
		return
	}
	b.WriteString("\nCurrent state:\n")
	if sm.CurrentFocus != "" {
		b.WriteString("Current focus: " + sm.CurrentFocus + "\n")
	}
	if len(sm.UnresolvedThreads) > 0 {
		b.WriteString("Unresolved threads: " + strings.Join(sm.UnresolvedThreads, "; ") + "\n")
	}
	if len(sm.Anticipations) > 0 {
		b.WriteString("Anticipating: " + strings.Join(sm.Anticipations, "; ") + "\n")
	}
}

func writeTemporalFraming(b *strings.Builder, gap time.Duration) {
	b.WriteString("\n\nTime since last conversation: " + humanDuration(gap) + ". ")
	b.WriteString(temporalSentence(gap))
}

// humanDuration renders a duration like "2 days and 3 hours", dropping a
// zero-valued second unit.
func humanDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	switch {
	case days > 0:
		if hours > 0 {
			return fmt.Sprintf("%d day%s and %d hour%s", days, plural(days), hours, plural(hours))
		}
		return fmt.Sprintf("%d day%s", days, plural(days))
	case hours > 0:
		if minutes > 0 {
			return fmt.Sprintf("%d hour%s and %d minute%s", hours, plural(hours), minutes, plural(minutes))
		}
		return fmt.Sprintf("%d hour%s", hours, plural(hours))
	case minutes > 0:
		return fmt.Sprintf("%d minute%s", minutes, plural(minutes))
	default:
		return "less than a minute"
	}
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// temporalSentence picks the calibrated sentence for the gap's duration
// bucket (spec §4.6 step 5).
func temporalSentence(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "This is a direct continuation of the conversation; do not re-greet."
	case d < 10*time.Minute:
		return "Pick up where things left off."
	case d < time.Hour:
		return "A little time has passed; settle back in naturally."
	case d < 4*time.Hour:
		return "Some hours have passed since you last spoke."
	case d < 24*time.Hour:
		return "It has been a while today; acknowledge the gap lightly if relevant."
	case d < 2*24*time.Hour:
		return "A day or so has passed since you last spoke."
	case d < 7*24*time.Hour:
		return "Several days have passed; the context may have shifted."
	case d < 14*24*time.Hour:
		return "About a week has passed since you last spoke."
	default:
		return "This is a significant gap. Be curious about what has happened; don't assume things are the same."
	}
}

func writeMemories(b *strings.Builder, memories []Memory) {
	b.WriteString("\n\nMemories (these are past events, not current state):\n")
	for _, m := range memories {
		b.WriteString(fmt.Sprintf("- [%s ago] %s\n", humanDuration(m.Age), m.Summary))
	}
}

func writeMonologueEcho(b *strings.Builder, echo string) {
	if len(echo) > monologueEchoMaxChars {
		echo = echo[:monologueEchoMaxChars]
	}
	b.WriteString("\n\nYou were just thinking (hold any follow-up questions for the right moment): " + echo)
}

// NewMemory converts a retrieved graph node into a Memory for Assemble,
// given the node's hydrate.NodeData-shaped summary and the current time.
func NewMemory(summary string, createdAt time.Time, now time.Time) Memory {
	return Memory{Summary: summary, Age: now.Sub(createdAt)}
}
