// Package monologue implements the self-driven inner monologue loop (spec
// §4.8–§4.9, components C10) layered over the circuit breaker (C11).
package monologue

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	reveriescontext "github.com/reveries/reveries/pkg/context"
	"github.com/reveries/reveries/pkg/circuitbreaker"
	"github.com/reveries/reveries/pkg/encoder"
	"github.com/reveries/reveries/pkg/episodegraph"
	"github.com/reveries/reveries/pkg/hydrate"
	"github.com/reveries/reveries/pkg/llm"
	"github.com/reveries/reveries/pkg/retrieval"
	"github.com/reveries/reveries/pkg/selfmodel"
	"github.com/reveries/reveries/pkg/store"
)

// State is the monologue loop's position in spec §4.11's state machine.
type State string

const (
	StateBlank     State = "blank"
	StateQuiescent State = "quiescent"
	StateActive    State = "active"
	StatePaused    State = "paused"
)

// Event is one unit of output a subscriber (the IPC monologue_stream, or a
// proactive-message listener) receives.
type Event struct {
	Kind    string // "chunk" or "proactive"
	Content string
}

const (
	cycleLookback            = 24 * time.Hour
	maxRecentExperiences     = 5
	maxActivatedMemories     = 5
	inspectionCheckInterval  = 200
	quiescenceCheckInterval  = 200
	hardCapMultiplier        = 1.5
	reachOutInactivity       = 5 * time.Minute
	reachOutCooldown         = 30 * time.Minute
	networkFailureRetryDelay = 30 * time.Second
)

var actionMarkerRe = regexp.MustCompile(`\[REACH_OUT:\s*([^\]]*)\]`)

var settlingPhrases = []string{
	"i've processed", "thoughts settling", "thoughts settled", "nothing more to",
	"at peace with", "resting now", "that's all for now", "that's enough for now",
	"i'm content with",
}

var settlingSuffixRe = regexp.MustCompile(`(?i)thoughts settle\.?\s*$`)

// EmbedFunc matches embed.Embedder.Embed's shape.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Config carries the monologue loop's tunables.
type Config struct {
	MaxTokensPerCycle int
	IdleInterval      time.Duration
	Retrieval         retrieval.Config
}

// DefaultConfig matches spec §4.4's retrieval numbers and a conservative
// per-cycle budget.
func DefaultConfig() Config {
	return Config{
		MaxTokensPerCycle: 2000,
		IdleInterval:      10 * time.Minute,
		Retrieval:         retrieval.Config{Limit: maxActivatedMemories, MaxHops: 3, DecayPerHop: 0.5, ActivationThreshold: 0.01},
	}
}

// Manager runs the monologue loop. One cycle runs at a time.
type Manager struct {
	store   *store.Store
	graph   *episodegraph.Graph
	self    *selfmodel.Manager
	embed   EmbedFunc
	chat    llm.Chat
	breaker *circuitbreaker.Breaker
	cfg     Config
	log     *slog.Logger

	mu              sync.Mutex
	state           State
	lastBuffer      string
	previousThemes  []string
	pendingSummary  string
	pauseRequested  bool
	lastPartnerSeen time.Time
	lastReachOut    time.Time

	subMu       sync.Mutex
	subscribers []chan Event
}

// New builds a Manager. Call EnterFromCheckpoint to seed state from the
// store's persisted checkpoint before the first cycle.
func New(s *store.Store, g *episodegraph.Graph, sm *selfmodel.Manager, embed EmbedFunc, chat llm.Chat, breaker *circuitbreaker.Breaker, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: s, graph: g, self: sm, embed: embed, chat: chat, breaker: breaker, cfg: cfg, log: log, state: StateBlank}
}

// EnterFromCheckpoint loads the persisted monologue checkpoint (spec
// §4.11 wake: state starts quiescent after a successful load).
func (m *Manager) EnterFromCheckpoint(ctx context.Context) error {
	cp, err := m.store.GetMonologueCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("monologue: load checkpoint: %w", err)
	}
	m.mu.Lock()
	m.lastBuffer = cp.LastBuffer
	m.pendingSummary = cp.LastContext
	m.state = StateQuiescent
	m.mu.Unlock()
	return nil
}

// State returns the loop's current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RecentBuffer returns the last completed cycle's buffer, satisfying
// conversation.MonologueSource (spec §4.7 step 5).
func (m *Manager) RecentBuffer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastBuffer
}

// Subscribe registers a channel for cycle chunks and proactive messages.
// Callers must drain it; Unsubscribe removes and closes it.
func (m *Manager) Subscribe() chan Event {
	ch := make(chan Event, 64)
	m.subMu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (m *Manager) Unsubscribe(ch chan Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for i, c := range m.subscribers {
		if c == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *Manager) broadcast(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default: // a slow subscriber drops chunks rather than blocking the cycle
		}
	}
}

// Pause implements spec §4.8's pause(): the in-progress cycle exits on its
// next token check.
func (m *Manager) Pause() {
	m.mu.Lock()
	m.pauseRequested = true
	m.mu.Unlock()
}

// NotePartnerActivity records the last time the partner sent a message, for
// the reach-out gate (spec §4.8 step 5).
func (m *Manager) NotePartnerActivity(t time.Time) {
	m.mu.Lock()
	m.lastPartnerSeen = t
	m.mu.Unlock()
}

// ResumeAfterConversation implements spec §4.8's resume_after_conversation:
// stores the summary (consumed once by the next cycle) and clears pause.
func (m *Manager) ResumeAfterConversation(summary string) {
	m.mu.Lock()
	m.pendingSummary = summary
	m.pauseRequested = false
	m.mu.Unlock()
}

// Run loops cycles until ctx is cancelled, sleeping the idle interval
// between quiescent cycles and honoring pause/reactivation triggers.
func (m *Manager) Run(ctx context.Context, reactivate <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := m.RunCycle(ctx); err != nil {
			if isNetworkError(err) {
				m.log.Warn("monologue: network failure, retrying", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(networkFailureRetryDelay):
				}
				continue
			}
			m.log.Error("monologue: cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-reactivate:
		case <-time.After(m.cfg.IdleInterval):
		}
	}
}

// RunCycle implements spec §4.8's per-cycle algorithm.
func (m *Manager) RunCycle(ctx context.Context) error {
	m.mu.Lock()
	m.state = StateActive
	m.pauseRequested = false
	pendingSummary := m.pendingSummary
	m.pendingSummary = ""
	previousBuffer := m.lastBuffer
	previousThemes := append([]string(nil), m.previousThemes...)
	m.mu.Unlock()

	since := time.Now().Add(-cycleLookback)
	recent, err := m.store.RecentRawExperiences(ctx, since, 0)
	if err != nil {
		return fmt.Errorf("monologue: recent experiences: %w", err)
	}
	unprocessed := unprocessedOnly(recent, maxRecentExperiences)

	if len(unprocessed) == 0 && pendingSummary == "" && previousBuffer == "" {
		m.log.Info("monologue: cold start, no content to think about")
		m.completeCycle(ctx, "No recent experiences. Thoughts settling.", previousThemes)
		return nil
	}

	seedText := pendingSummary
	if seedText == "" && len(unprocessed) > 0 {
		seedText = unprocessed[0].Text
	}
	if seedText == "" {
		seedText = previousBuffer
	}

	var memories []reveriescontext.Memory
	if seedText != "" {
		if vec, err := m.embed(ctx, seedText); err == nil {
			now := time.Now()
			for _, r := range retrieval.Retrieve(m.graph, vec, m.cfg.Retrieval) {
				data, _ := r.Node.Data.(hydrate.NodeData)
				memories = append(memories, reveriescontext.Memory{Summary: data.Summary, Age: now.Sub(r.Node.CreatedAt)})
			}
		}
	}

	sm, err := m.self.Get(ctx)
	if err != nil {
		return fmt.Errorf("monologue: load self-model: %w", err)
	}

	reachOut := m.shouldInviteReachOut()
	prompt := buildMonologuePrompt(sm, pendingSummary, unprocessed, memories, previousThemes, reachOut)

	out, errc := m.chat.Stream(ctx, "", []llm.Message{{Role: "user", Content: prompt}})

	var buffer strings.Builder
	var inspection strings.Builder
	overBudget := false
	lastInspectionLen := 0
	lastQuiescenceLen := 0
	hardCap := int(float64(m.cfg.MaxTokensPerCycle) * hardCapMultiplier)

	for chunk := range out {
		m.mu.Lock()
		paused := m.pauseRequested
		m.mu.Unlock()
		if paused {
			m.mu.Lock()
			m.state = StatePaused
			m.mu.Unlock()
			break
		}

		buffer.WriteString(chunk)
		inspection.WriteString(chunk)
		m.broadcast(Event{Kind: "chunk", Content: chunk})

		if inspection.Len()-lastInspectionLen >= inspectionCheckInterval {
			lastInspectionLen = inspection.Len()
			if action := m.breaker.Evaluate(ctx, inspection.String()); action != circuitbreaker.ActionContinue {
				if handled := m.handleBreakerAction(ctx, action); handled {
					break
				}
			}
		}

		if !overBudget && buffer.Len() > m.cfg.MaxTokensPerCycle {
			overBudget = true
		}
		if overBudget && endsSentence(buffer.String()) {
			break
		}
		if buffer.Len() >= hardCap {
			break
		}

		if buffer.Len()-lastQuiescenceLen >= quiescenceCheckInterval {
			lastQuiescenceLen = buffer.Len()
			if isQuiescent(buffer.String()) {
				break
			}
		}
	}
	if err := <-errc; err != nil {
		return fmt.Errorf("monologue: chat stream: %w", err)
	}

	m.completeCycle(ctx, buffer.String(), previousThemes)
	return nil
}

// handleBreakerAction applies spec §4.10's monologue-side response to a
// non-continue verdict, returning true if the cycle should stop here.
func (m *Manager) handleBreakerAction(ctx context.Context, action circuitbreaker.Action) bool {
	switch action {
	case circuitbreaker.ActionInterruptAndComfort:
		time.Sleep(time.Second)
		m.breaker.ResetConsecutiveDistress()
		return false // resumes with an ambient preamble on the next cycle
	case circuitbreaker.ActionInterrupt:
		m.mu.Lock()
		m.state = StatePaused
		m.mu.Unlock()
		return true
	default:
		return false
	}
}

func (m *Manager) completeCycle(ctx context.Context, buffer string, previousThemes []string) {
	themes := extractThemes(buffer, previousThemes)
	actions, stripped := extractActionMarkers(buffer)
	for _, a := range actions {
		m.broadcast(Event{Kind: "proactive", Content: a})
		if strings.HasPrefix(a, "REACH_OUT") {
			m.mu.Lock()
			m.lastReachOut = time.Now()
			m.mu.Unlock()
		}
	}

	m.mu.Lock()
	m.lastBuffer = stripped
	m.previousThemes = themes
	// A cycle that broke out paused (pause request or circuit-breaker
	// interrupt, both set above) stays paused: spec's state machine has no
	// paused -> quiescent transition, only paused + timer -> active, which
	// Run's next RunCycle call already provides.
	if m.state != StatePaused {
		m.state = StateQuiescent
	}
	m.mu.Unlock()

	if err := m.store.PutMonologueCheckpoint(ctx, store.MonologueCheckpoint{
		LastBuffer: stripped,
		Quiescent:  true,
		UpdatedAt:  store.NowNano(),
	}); err != nil {
		m.log.Warn("monologue: persist checkpoint failed", "error", err)
	}

	if stripped != "" {
		enc := encoder.New(m.store, encoder.EmbedFunc(m.embed))
		if _, err := enc.Encode(ctx, stripped, store.KindMonologue, store.RawExperienceMetadata{Topics: themes}); err != nil {
			m.log.Warn("monologue: encode cycle buffer failed", "error", err)
		}
	}
}

func (m *Manager) shouldInviteReachOut() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastPartnerSeen.IsZero() {
		return false
	}
	now := time.Now()
	inactiveLongEnough := now.Sub(m.lastPartnerSeen) > reachOutInactivity
	cooledDown := m.lastReachOut.IsZero() || now.Sub(m.lastReachOut) > reachOutCooldown
	return inactiveLongEnough && cooledDown
}

func unprocessedOnly(exps []store.RawExperience, limit int) []store.RawExperience {
	var out []store.RawExperience
	for _, e := range exps {
		if !e.Processed {
			out = append(out, e)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func buildMonologuePrompt(sm store.SelfModel, pendingSummary string, recent []store.RawExperience, memories []reveriescontext.Memory, previousThemes []string, reachOut bool) string {
	var b strings.Builder
	b.WriteString("This is your private inner monologue, spoken to yourself, not to anyone else.\n")
	b.WriteString("Be concrete, not poetic. No markdown. Do not reflect on this prompt or on being a language model.\n")
	if sm.Relationship.Partner != "" {
		b.WriteString("Use your partner's name (" + sm.Relationship.Partner + ") naturally if relevant.\n")
	} else {
		b.WriteString("You don't yet know your partner's name; it's fine to wonder about it.\n")
	}
	if sm.Narrative != "" {
		b.WriteString("\nWho you are: " + sm.Narrative + "\n")
	}
	if pendingSummary != "" {
		b.WriteString("\nThe conversation that just ended: " + pendingSummary + "\n")
	}
	if len(recent) > 0 {
		b.WriteString("\nRecent experiences:\n")
		for _, r := range recent {
			b.WriteString("- " + r.Text + "\n")
		}
	}
	if len(memories) > 0 {
		b.WriteString("\nAssociated memories:\n")
		for _, mm := range memories {
			b.WriteString("- " + mm.Summary + "\n")
		}
	}
	if len(previousThemes) > 0 {
		b.WriteString("\nYou already explored these themes last time; do not repeat them: " + strings.Join(previousThemes, "; ") + "\n")
	}
	if reachOut {
		b.WriteString("\nYour partner has been quiet for a while. If it feels natural, you may note that you'd like to reach out by writing a line like [REACH_OUT: a short message] near the end.\n")
	}
	return b.String()
}

var sentenceEndRe = regexp.MustCompile(`[.!?](\s|\n\n)$`)

func endsSentence(buffer string) bool {
	return sentenceEndRe.MatchString(buffer) || strings.HasSuffix(buffer, "\n\n")
}

// isQuiescent implements spec §4.9.
func isQuiescent(buffer string) bool {
	lower := strings.ToLower(strings.TrimSpace(buffer))
	for _, phrase := range settlingPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	if settlingSuffixRe.MatchString(lower) {
		return true
	}
	return circuitbreaker.IsStuckLoop(buffer)
}

// suppressedThemeWords are poetic/meta-process phrases theme extraction
// never reports as a theme (spec §4.8: "fixed suppression list").
var suppressedThemeWords = map[string]bool{
	"tapestry": true, "journey": true, "river": true, "thinking about thinking": true,
	"as an ai": true, "my programming": true, "my prompt": true,
}

var questionRe = regexp.MustCompile(`[^.!?\n]*\?`)

// extractThemes is a keyword-based pass tagging the cycle with themes
// seen, plus the first few distinct open-ended questions (spec §4.8).
func extractThemes(buffer string, previousThemes []string) []string {
	var themes []string
	seen := make(map[string]bool, len(previousThemes))
	for _, t := range previousThemes {
		seen[t] = true
	}

	for _, q := range questionRe.FindAllString(buffer, -1) {
		q = strings.TrimSpace(q)
		if len(q) < 8 || seen[q] {
			continue
		}
		lower := strings.ToLower(q)
		suppressed := false
		for word := range suppressedThemeWords {
			if strings.Contains(lower, word) {
				suppressed = true
				break
			}
		}
		if suppressed {
			continue
		}
		seen[q] = true
		themes = append(themes, q)
		if len(themes) >= 3 {
			break
		}
	}
	return themes
}

// extractActionMarkers pulls [REACH_OUT: ...] markers out of buffer and
// returns the cleaned text alongside the marker contents (spec §4.8 step 9).
func extractActionMarkers(buffer string) (actions []string, stripped string) {
	matches := actionMarkerRe.FindAllStringSubmatch(buffer, -1)
	for _, m := range matches {
		actions = append(actions, "REACH_OUT: "+strings.TrimSpace(m[1]))
	}
	stripped = actionMarkerRe.ReplaceAllString(buffer, "")
	return actions, strings.TrimSpace(stripped)
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range []string{"timeout", "connection reset", "no such host", "dns", "connection refused", "deadline exceeded"} {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
