// Package daemon implements the lifecycle (spec §4.11, component C12) that
// wires C1-C11 together, and the Unix-domain IPC surface (spec §6) a
// foreground client uses to converse with it.
package daemon

// Request is one newline-delimited JSON record a client sends. Exactly one
// of the typed fields is meaningful, selected by Type.
type Request struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	// chat
	Message        string `json:"message,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`

	// memory_search
	Query string `json:"query,omitempty"`
}

// Request type constants (spec §6).
const (
	ReqChat            = "chat"
	ReqStatus          = "status"
	ReqConsolidate     = "consolidate"
	ReqMonologueStream = "monologue_stream"
	ReqMemoryStats     = "memory_stats"
	ReqMemorySearch    = "memory_search"
	ReqShutdown        = "shutdown"
)

// Response is one newline-delimited JSON record sent back to a client. It
// echoes the originating RequestID (spec §6: "Each echoes the originating
// requestId").
type Response struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	Content string       `json:"content,omitempty"`
	Message string       `json:"message,omitempty"`
	Status  *StatusData  `json:"status,omitempty"`
	Data    any          `json:"data,omitempty"`
}

// Response type constants (spec §6).
const (
	RespChatChunk       = "chat_chunk"
	RespChatDone        = "chat_done"
	RespStatus          = "status"
	RespMonologueChunk  = "monologue_chunk"
	RespProactive       = "proactive_message"
	RespError           = "error"
	RespOK              = "ok"
)

// MemoryStats mirrors spec §6's status.memory_stats sub-record.
type MemoryStats struct {
	RawBufferCount int `json:"raw_buffer_count"`
	EpisodeCount   int `json:"episode_count"`
	LinkCount      int `json:"link_count"`
}

// StatusData is the status response body. SelfModelPresent and
// LastCircuitBreakerEvent are the supplemented operational detail from
// SPEC_FULL.md §D ("reveries-doctor-style status detail").
type StatusData struct {
	UptimeMS                int64       `json:"uptime_ms"`
	MonologueState          string      `json:"monologue_state"`
	MemoryStats             MemoryStats `json:"memory_stats"`
	LastConsolidation       *int64      `json:"last_consolidation,omitempty"`
	SelfModelPresent        bool        `json:"self_model_present"`
	LastCircuitBreakerEvent *int64      `json:"last_circuit_breaker_event,omitempty"`
	ChatBackends            []string    `json:"chat_backends"`
}

func chatChunk(requestID, content string) Response {
	return Response{Type: RespChatChunk, RequestID: requestID, Content: content}
}

func chatDone(requestID string) Response {
	return Response{Type: RespChatDone, RequestID: requestID}
}

func errorResponse(requestID, message string) Response {
	return Response{Type: RespError, RequestID: requestID, Message: message}
}

func okResponse(requestID string, data any) Response {
	return Response{Type: RespOK, RequestID: requestID, Data: data}
}

func statusResponse(requestID string, s StatusData) Response {
	return Response{Type: RespStatus, RequestID: requestID, Status: &s}
}

func monologueChunk(requestID, content string) Response {
	return Response{Type: RespMonologueChunk, RequestID: requestID, Content: content}
}

func proactiveMessage(content string) Response {
	return Response{Type: RespProactive, Content: content}
}
