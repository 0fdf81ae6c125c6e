package llm

import "time"

// Role represents a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType identifies the kind of a message content part.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Part is one element of a multi-part message body. Most messages carry
// plain Content instead; Parts is only populated for mixed text/image turns.
type Part struct {
	Type PartType `json:"type"`
	Text string   `json:"text,omitempty"`
	// ImageURL is either an https URL or a data: URL with a base64 payload.
	// Adapters translate it to the provider's shape.
	ImageURL string `json:"image_url,omitempty"`
}

// Message is a single message in a conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Parts      []Part     `json:"parts,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool result messages
	// Meta carries provider quirks that must survive the round trip back to
	// the same provider (see ToolCall.Meta). It never affects dispatch.
	Meta map[string]string `json:"meta,omitempty"`
}

// Meta keys understood by adapters.
const (
	// MetaEchoName is the literal function name a provider produced for a
	// tool call, recorded when it differs from the declared name. Tool
	// results sent back to that provider must use this exact name or the
	// provider rejects the message.
	MetaEchoName = "echo_name"
)

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"arguments,omitempty"`
	// RawArgs is the argument text as it arrived on the wire, kept for
	// re-serialization and for diagnostics when parsing failed.
	RawArgs string            `json:"raw_arguments,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
	// ParseErr is set when RawArgs was not valid JSON once complete. The
	// call is still delivered; the executor converts it to a tool-result
	// error instead of invoking the handler.
	ParseErr error `json:"-"`
}

// EchoName returns the name to use when serializing a result for this call
// back to the provider that produced it.
func (tc ToolCall) EchoName() string {
	if n, ok := tc.Meta[MetaEchoName]; ok && n != "" {
		return n
	}
	return tc.Name
}

// ToolResult is the outcome of executing one ToolCall. Exactly one is
// produced per call, whether the handler ran or not.
type ToolResult struct {
	ToolCallID string        `json:"tool_call_id"`
	Name       string        `json:"name"`
	Content    string        `json:"content,omitempty"`
	Err        error         `json:"-"`
	Duration   time.Duration `json:"duration,omitempty"`
	// ProviderHandled marks a sentinel result for a tool the provider
	// resolved server-side; no local execution occurred and no tool message
	// should be fed back into the conversation for it.
	ProviderHandled bool `json:"provider_handled,omitempty"`
}

// ToolDef defines a tool exposed to the model.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
	// ProviderHandled marks a provider-native capability (e.g. built-in
	// search). Adapters serialize it as the provider's own tool entry; the
	// executor never dispatches it.
	ProviderHandled bool `json:"provider_handled,omitempty"`
}

// Options are generation options shared by all providers. Adapters translate
// them to provider field names and enforce provider-specific bounds.
type Options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	// ResponseSchema requests structured output where the provider supports
	// it (JSON-Schema shaped). Providers without native support ignore it.
	ResponseSchema map[string]any `json:"response_schema,omitempty"`
}

// Usage reports token counts, usually only present on the terminal chunk.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Helper constructors

func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolResultMessage converts an executed ToolResult into the tool message
// appended to the conversation. Errors become normal message content so the
// model can react to the failure on its next turn.
func ToolResultMessage(res ToolResult, echoName string) Message {
	content := res.Content
	if res.Err != nil {
		content = "error: " + res.Err.Error()
	}
	msg := Message{
		Role:       RoleTool,
		Content:    content,
		Name:       res.Name,
		ToolCallID: res.ToolCallID,
	}
	if echoName != "" && echoName != res.Name {
		msg.Meta = map[string]string{MetaEchoName: echoName}
	}
	return msg
}

// Text returns the plain-text body of a message, flattening parts.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}
