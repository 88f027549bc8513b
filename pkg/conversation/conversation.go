// Package conversation implements the conversation handler (spec §4.7,
// component C9): one turn's retrieve → assemble → stream → encode
// orchestration, plus partner-name detection and session tracking.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	reveriescontext "github.com/reveries/reveries/pkg/context"
	"github.com/reveries/reveries/pkg/encoder"
	"github.com/reveries/reveries/pkg/episodegraph"
	"github.com/reveries/reveries/pkg/hydrate"
	"github.com/reveries/reveries/pkg/llm"
	"github.com/reveries/reveries/pkg/retrieval"
	"github.com/reveries/reveries/pkg/selfmodel"
	"github.com/reveries/reveries/pkg/store"
)

// falsePositiveNames rejects common conversational phrases that would
// otherwise false-match an introduction pattern (spec §4.7 step 2).
var falsePositiveNames = map[string]bool{
	"just": true, "here": true, "back": true, "fine": true, "okay": true,
	"great": true, "sorry": true, "glad": true, "happy": true, "sure": true,
	"not": true, "also": true, "still": true, "now": true, "always": true,
}

// introductionPatterns match a name as the first word-or-two following the
// phrase, stopping at punctuation or a conjunction.
var introductionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bI'?m\s+([A-Z][a-zA-Z'-]*)\b`),
	regexp.MustCompile(`(?i)\bmy name is\s+([A-Z][a-zA-Z'-]*)\b`),
	regexp.MustCompile(`(?i)\bcall me\s+([A-Z][a-zA-Z'-]*)\b`),
	regexp.MustCompile(`(?i)\bthis is\s+([A-Z][a-zA-Z'-]*)\b`),
	regexp.MustCompile(`(?i)\bI go by\s+([A-Z][a-zA-Z'-]*)\b`),
	regexp.MustCompile(`(?i)\bpeople call me\s+([A-Z][a-zA-Z'-]*)\b`),
}

// metaReflectionMarkers flags a monologue buffer as self-referential noise
// not worth echoing into conversation context (spec §4.7 step 5, §9).
var metaReflectionMarkers = []string{
	"as an ai", "my instructions", "my prompt", "the prompt above",
	"i am an assistant designed to", "this system prompt",
}

// detectPartnerName returns the first introduced name, if any, rejecting
// the false-positive list.
func detectPartnerName(message string) (string, bool) {
	for _, re := range introductionPatterns {
		m := re.FindStringSubmatch(message)
		if len(m) < 2 {
			continue
		}
		name := m[1]
		if falsePositiveNames[strings.ToLower(name)] {
			continue
		}
		return name, true
	}
	return "", false
}

func containsMetaReflection(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range metaReflectionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Turn is one exchange in conversation history.
type Turn struct {
	Role    string
	Content string
}

// MonologueSource is the narrow view the conversation handler needs of the
// monologue manager (spec §4.7 step 5): its latest buffer snapshot.
type MonologueSource interface {
	RecentBuffer() string
}

// EmbedFunc matches embed.Embedder.Embed's shape.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Config bundles the retrieval tunables and history cap spec §4.7 fixes.
type Config struct {
	Retrieval  retrieval.Config
	HistoryCap int
}

// DefaultConfig matches spec §4.7 step 3's literal numbers.
func DefaultConfig() Config {
	return Config{
		Retrieval:  retrieval.Config{Limit: 10, MaxHops: 3, DecayPerHop: 0.5, ActivationThreshold: 0.01},
		HistoryCap: 20,
	}
}

// Handler orchestrates conversation turns. Handle and EndSession hold the
// handler's mutex for their whole run, so concurrent callers (the IPC
// surface serves each request on its own goroutine) are processed one turn
// at a time against the single in-memory session state.
type Handler struct {
	mu sync.Mutex

	store     *store.Store
	graph     *episodegraph.Graph
	self      *selfmodel.Manager
	embed     EmbedFunc
	chat      llm.Chat
	monologue MonologueSource
	cfg       Config
	log       *slog.Logger

	sessionID   string
	history     []Turn
	sessionOpen time.Time
}

// New builds a conversation Handler.
func New(s *store.Store, g *episodegraph.Graph, sm *selfmodel.Manager, embed EmbedFunc, chat llm.Chat, mono MonologueSource, cfg Config, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{store: s, graph: g, self: sm, embed: embed, chat: chat, monologue: mono, cfg: cfg, log: log}
}

// Handle implements spec §4.7's handle(message, conversation_id,
// emit_chunk) operation.
func (h *Handler) Handle(ctx context.Context, message, conversationID string, emit func(chunk string)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	isNewSession := conversationID != h.sessionID
	var gapDuration time.Duration
	if isNewSession {
		gapDuration = h.startSession(ctx, conversationID)
	}

	if partner, ok := h.shouldDetectPartnerName(ctx, message); ok {
		if _, err := h.self.SetPartnerName(ctx, partner); err != nil {
			h.log.Warn("conversation: set partner name failed", "error", err)
		}
	}

	memories := h.retrieveMemories(ctx, message)

	echo := ""
	if h.monologue != nil {
		buf := h.monologue.RecentBuffer()
		if buf != "" && !containsMetaReflection(buf) {
			echo = buf
		}
	}

	sm, err := h.self.Get(ctx)
	var smPtr *store.SelfModel
	if err == nil {
		smPtr = &sm
	}

	preamble := reveriescontext.Assemble(reveriescontext.Input{
		SelfModel:     smPtr,
		GapDuration:   gapDuration,
		Memories:      memories,
		MonologueEcho: echo,
	})

	msgs := make([]llm.Message, 0, len(h.history)+1)
	for _, t := range h.history {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: message})

	var reply strings.Builder
	out, errc := h.chat.Stream(ctx, preamble, msgs)
	for chunk := range out {
		reply.WriteString(chunk)
		emit(chunk)
	}
	if err := <-errc; err != nil {
		return fmt.Errorf("conversation: chat stream: %w", err)
	}

	h.pushHistory(Turn{Role: "user", Content: message})
	h.pushHistory(Turn{Role: "assistant", Content: reply.String()})

	exchange := fmt.Sprintf("User: %s\n\nAssistant: %s", message, reply.String())
	enc := encoder.New(h.store, encoder.EmbedFunc(h.embed))
	if _, err := enc.Encode(ctx, exchange, store.KindConversation, store.RawExperienceMetadata{ConversationID: conversationID, TurnCount: len(h.history) / 2}); err != nil {
		h.log.Warn("conversation: encode exchange failed", "error", err)
	}

	return nil
}

// EndSession opens a gap record for the current session: it starts now and
// stays open until the next session with a different conversation id
// closes it.
func (h *Handler) EndSession(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessionID == "" {
		return
	}
	gap := store.Gap{
		ID:             h.sessionID + ":" + fmt.Sprint(store.NowNano()),
		ConversationID: h.sessionID,
		StartedAt:      store.NowNano(),
	}
	if err := h.store.PutGap(ctx, gap); err != nil {
		h.log.Warn("conversation: end session put gap failed", "error", err)
	}
}

func (h *Handler) startSession(ctx context.Context, conversationID string) time.Duration {
	gapDuration := h.timeSinceLastConversation(ctx)
	h.sessionID = conversationID
	h.history = nil
	h.sessionOpen = time.Now()
	return gapDuration
}

func (h *Handler) timeSinceLastConversation(ctx context.Context) time.Duration {
	open, err := h.store.ListOpenGaps(ctx)
	if err != nil || len(open) == 0 {
		return 0
	}
	latest := open[0]
	for _, g := range open[1:] {
		if g.StartedAt > latest.StartedAt {
			latest = g
		}
	}
	now := store.NowNano()
	ended := now
	latest.EndedAt = &ended
	dur := ended - latest.StartedAt
	secs := dur / int64(time.Second)
	latest.DurationSeconds = &secs
	if err := h.store.PutGap(ctx, latest); err != nil {
		h.log.Warn("conversation: close gap failed", "error", err)
	}
	d := time.Duration(dur) * time.Nanosecond
	if d < 0 {
		d = 0 // clock jumps clamp to zero (spec §6 Clock)
	}
	return d
}

func (h *Handler) shouldDetectPartnerName(ctx context.Context, message string) (string, bool) {
	sm, err := h.self.Get(ctx)
	if err != nil || sm.Relationship.Partner != "" {
		return "", false
	}
	return detectPartnerName(message)
}

func (h *Handler) retrieveMemories(ctx context.Context, message string) []reveriescontext.Memory {
	vec, err := h.embed(ctx, message)
	if err != nil {
		h.log.Warn("conversation: embed message failed, proceeding with no memories", "error", err)
		return nil
	}
	results := retrieval.Retrieve(h.graph, vec, h.cfg.Retrieval)
	h.log.Info("conversation: retrieved memories", "count", len(results))

	now := time.Now()
	out := make([]reveriescontext.Memory, 0, len(results))
	for _, r := range results {
		data, _ := r.Node.Data.(hydrate.NodeData)
		out = append(out, reveriescontext.Memory{Summary: data.Summary, Age: now.Sub(r.Node.CreatedAt)})
	}
	return out
}

func (h *Handler) pushHistory(t Turn) {
	h.history = append(h.history, t)
	cap := h.cfg.HistoryCap * 2 // a turn is a user+assistant pair
	if cap > 0 && len(h.history) > cap {
		h.history = h.history[len(h.history)-cap:]
	}
}
