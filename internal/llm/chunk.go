package llm

// FinishReason classifies why a model turn ended.
type FinishReason string

const (
	// FinishNone marks an in-progress chunk.
	FinishNone          FinishReason = ""
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// ToolCallDelta is one fragment of a tool call inside a streamed chunk.
// The first delta for an index establishes ID and Name; later deltas for
// the same index append ArgsFragment text, which is only valid JSON once
// the response is terminal.
type ToolCallDelta struct {
	Index        int    `json:"index"`
	ID           string `json:"id,omitempty"`
	Name         string `json:"name,omitempty"`
	ArgsFragment string `json:"args_fragment,omitempty"`
}

// ResponseChunk is the canonical unit of a streamed response. Chunks for a
// single response arrive in order; the response is complete exactly when a
// chunk carries a non-empty FinishReason.
type ResponseChunk struct {
	ContentDelta   string          `json:"content_delta,omitempty"`
	ToolCallDeltas []ToolCallDelta `json:"tool_call_deltas,omitempty"`
	FinishReason   FinishReason    `json:"finish_reason,omitempty"`
	Usage          *Usage          `json:"usage,omitempty"`
	// Meta holds provider events the caller opted in to preserving
	// (telemetry, related questions) keyed by the provider's event name.
	Meta map[string]string `json:"meta,omitempty"`
}

// Terminal reports whether this chunk ends the response.
func (c ResponseChunk) Terminal() bool {
	return c.FinishReason != FinishNone
}
