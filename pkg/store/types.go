// Package store provides the durable tables the spec calls C1: raw
// experiences, episodes, links, the self-model singleton, the monologue
// checkpoint, gaps, and circuit-breaker events — all layered on the
// kv.Store abstraction the way pkg/memory layers conversations and
// long-term summaries over the same primitive.
package store

// RawExperienceKind tags the three kinds of short-term record the spec's
// C4/C9/C10 components produce.
type RawExperienceKind string

const (
	KindConversation RawExperienceKind = "conversation"
	KindMonologue    RawExperienceKind = "monologue"
	KindExternal     RawExperienceKind = "external"
)

// RawExperienceMetadata carries the loose, kind-specific fields spec §3
// groups under "loose metadata".
type RawExperienceMetadata struct {
	ConversationID       string   `msgpack:"conversation_id,omitempty" json:"conversation_id,omitempty"`
	TurnCount            int      `msgpack:"turn_count,omitempty" json:"turn_count,omitempty"`
	Topics               []string `msgpack:"topics,omitempty" json:"topics,omitempty"`
	UnresolvedTensions    []string `msgpack:"unresolved_tensions,omitempty" json:"unresolved_tensions,omitempty"`
}

// RawExperience is the short-term record created by the experience encoder
// (C4) and consumed by consolidation (C6).
type RawExperience struct {
	ID         string                `msgpack:"id" json:"id"`
	Kind       RawExperienceKind     `msgpack:"kind" json:"kind"`
	Timestamp  int64                 `msgpack:"ts" json:"ts"` // unix nanoseconds
	Text       string                `msgpack:"text" json:"text"`
	Embedding  []float32             `msgpack:"embedding" json:"embedding"`
	Salience   float64               `msgpack:"salience" json:"salience"`
	Processed  bool                  `msgpack:"processed" json:"processed"`
	Metadata   RawExperienceMetadata `msgpack:"metadata" json:"metadata"`
}

// Exemplar is a verbatim quote retained to anchor an episode's abstraction
// against drift.
type Exemplar struct {
	Quote        string `json:"quote"`
	Significance string `json:"significance,omitempty"`
	Timestamp    int64  `json:"ts"`
}

// EpisodeGap is the episode-local gap record (duration + optional significance).
// The standalone Gap table (below) tracks inter-conversation silences;
// this type is the lightweight payload an episode carries about the gap
// that preceded it.
type EpisodeGap struct {
	DurationSeconds int64  `json:"duration_seconds"`
	Significance    string `json:"significance,omitempty"`
}

// LinkKind is the typed edge kind for episode links.
type LinkKind string

const (
	LinkCausal    LinkKind = "causal"
	LinkThematic  LinkKind = "thematic"
	LinkTemporal  LinkKind = "temporal"
	LinkEmotional LinkKind = "emotional"
)

// Link is a directed, persisted episode-to-episode edge.
type Link struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Strength float64  `json:"strength"`
	Kind     LinkKind `json:"kind"`
}

// Episode is the durable abstraction that backs an episode-graph node's
// payload (spec §3 Episode).
type Episode struct {
	ID               string     `json:"id"`
	CreatedAt        int64      `json:"created_at"`
	LastAccessedAt   int64      `json:"last_accessed_at"`
	AccessCount      int        `json:"access_count"`
	Summary          string     `json:"summary"`
	Embedding        []float32  `json:"embedding"`
	Exemplars        []Exemplar `json:"exemplars,omitempty"`
	TemporalBefore   []string   `json:"temporal_before,omitempty"`
	TemporalAfter    []string   `json:"temporal_after,omitempty"`
	Gap              *EpisodeGap `json:"gap,omitempty"`
	Salience         float64    `json:"salience"`
	Confidence       float64    `json:"confidence"`
	Topics           []string   `json:"topics,omitempty"`
}

// Pattern is an observed relationship pattern with a confidence score.
type Pattern struct {
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// Relationship is the self-model's per-partner sub-record.
type Relationship struct {
	Partner            string    `json:"partner,omitempty"`
	History            string    `json:"history,omitempty"`
	CommunicationStyle string    `json:"communication_style,omitempty"`
	SharedContext      []string  `json:"shared_context,omitempty"`
	ObservedPatterns   []Pattern `json:"observed_patterns,omitempty"`
}

// SelfModel is the singleton identity record (spec §3 Self-Model).
type SelfModel struct {
	Narrative         string       `json:"narrative"`
	Values            []string     `json:"values,omitempty"`
	Tendencies        []string     `json:"tendencies,omitempty"`
	Relationship      Relationship `json:"relationship"`
	Strengths         []string     `json:"strengths,omitempty"`
	Limitations       []string     `json:"limitations,omitempty"`
	CurrentFocus      string       `json:"current_focus,omitempty"`
	UnresolvedThreads []string     `json:"unresolved_threads,omitempty"`
	Anticipations     []string     `json:"anticipations,omitempty"`
	UpdatedAt         int64        `json:"updated_at"`
}

// MonologueCheckpoint is the singleton written on shutdown and read on wake
// to decide whether the monologue loop resumes mid-thought.
type MonologueCheckpoint struct {
	LastBuffer     string `json:"last_buffer"`
	LastContext    string `json:"last_context,omitempty"`
	Quiescent      bool   `json:"quiescent"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Gap records an inter-conversation silence (spec §3 Gap).
type Gap struct {
	ID              string `json:"id"`
	ConversationID  string `json:"conversation_id"`
	StartedAt       int64  `json:"started_at"`
	EndedAt         *int64 `json:"ended_at,omitempty"`
	DurationSeconds *int64 `json:"duration_seconds,omitempty"`
	Significance    string `json:"significance,omitempty"`
}

// CircuitBreakerEvent is an append-only log row (spec §3).
type CircuitBreakerEvent struct {
	Timestamp     int64  `json:"ts"`
	Action        string `json:"action"`
	Reason        string `json:"reason,omitempty"`
	Severity      string `json:"severity"`
	BufferSnapshot string `json:"buffer_snapshot"`
	ResponseTaken string `json:"response_taken,omitempty"`
}
