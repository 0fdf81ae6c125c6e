// Package openai implements the provider adapter for the OpenAI chat
// completions API. The same wire codec backs the compat adapter used for
// self-hosted OpenAI-compatible servers.
package openai

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/michaelbrown/relay/internal/llm"
	"github.com/michaelbrown/relay/internal/provider"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	completionsPath  = "/chat/completions"
	defaultMaxTokens = 16384
)

// Adapter translates canonical requests to the OpenAI wire format.
type Adapter struct {
	name      string
	baseURL   string
	apiKey    string
	ceiling   int
	clampTemp bool // vendor API enforces option bounds; compat servers vary
}

func init() {
	provider.RegisterKind("openai", func(s provider.Settings) (provider.Adapter, error) {
		return New(s)
	})
}

// New builds the vendor OpenAI adapter.
func New(s provider.Settings) (*Adapter, error) {
	if s.APIKey == "" {
		return nil, llm.Configf("openai: api key is required")
	}
	a := &Adapter{
		name:      "openai",
		baseURL:   strings.TrimRight(s.BaseURL, "/"),
		apiKey:    s.APIKey,
		ceiling:   s.MaxTokensCeiling,
		clampTemp: true,
	}
	if a.baseURL == "" {
		a.baseURL = defaultBaseURL
	}
	if a.ceiling <= 0 {
		a.ceiling = defaultMaxTokens
	}
	return a, nil
}

// NewCompatible builds the same codec under a different provider name for
// OpenAI-compatible servers: no API key requirement, no option bounds, and
// no default ceiling beyond what the settings specify.
func NewCompatible(name string, s provider.Settings) (*Adapter, error) {
	a := &Adapter{
		name:    name,
		baseURL: strings.TrimRight(s.BaseURL, "/"),
		apiKey:  s.APIKey,
		ceiling: s.MaxTokensCeiling,
	}
	if a.ceiling <= 0 {
		a.ceiling = defaultMaxTokens
	}
	return a, nil
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) BuildRequest(model string, messages []llm.Message, tools []llm.ToolDef, opts llm.Options, stream bool) (*provider.Request, error) {
	if model == "" {
		return nil, llm.Configf("%s: model is required", a.name)
	}
	if a.clampTemp {
		if opts.Temperature != nil && (*opts.Temperature < 0 || *opts.Temperature > 2) {
			return nil, llm.Configf("%s: temperature %v outside [0, 2]", a.name, *opts.Temperature)
		}
		if opts.TopP != nil && (*opts.TopP < 0 || *opts.TopP > 1) {
			return nil, llm.Configf("%s: top_p %v outside [0, 1]", a.name, *opts.TopP)
		}
	}

	req := chatRequest{
		Model:       model,
		Messages:    formatMessages(messages),
		Tools:       formatTools(tools),
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		MaxTokens:   min(opts.MaxTokens, a.ceiling),
		Stop:        opts.Stop,
		Stream:      stream,
	}
	if req.MaxTokens < 0 {
		req.MaxTokens = 0
	}
	if stream {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if opts.ResponseSchema != nil {
		req.ResponseFormat = &wireRespFmt{
			Type: "json_schema",
			JSONSchema: &wireJSONSchema{
				Name:   "response",
				Schema: opts.ResponseSchema,
				Strict: true,
			},
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: encoding request: %w", a.name, err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		header.Set("Authorization", "Bearer "+a.apiKey)
	}

	return &provider.Request{
		URL:    a.baseURL + completionsPath,
		Header: header,
		Body:   body,
		Stream: stream,
	}, nil
}

func formatMessages(messages []llm.Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wm := wireMessage{Role: string(m.Role)}
		switch m.Role {
		case llm.RoleTool:
			wm.ToolCallID = m.ToolCallID
			wm.Content = m.Content
			// The name must be the one this provider produced for the
			// originating call, even when it was non-standard.
			wm.Name = m.Name
			if echo, ok := m.Meta[llm.MetaEchoName]; ok && echo != "" {
				wm.Name = echo
			}
		case llm.RoleAssistant:
			if m.Content != "" || len(m.ToolCalls) == 0 {
				wm.Content = m.Content
			}
			for _, tc := range m.ToolCalls {
				wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: wireFunctionCall{
						Name:      tc.EchoName(),
						Arguments: rawArguments(tc),
					},
				})
			}
		default:
			wm.Name = m.Name
			wm.Content = formatContent(m)
		}
		out = append(out, wm)
	}
	return out
}

// formatContent renders plain text as a string and mixed parts as the
// provider's content array.
func formatContent(m llm.Message) any {
	if len(m.Parts) == 0 {
		return m.Content
	}
	parts := make([]wirePart, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case llm.PartText:
			parts = append(parts, wirePart{Type: "text", Text: p.Text})
		case llm.PartImage:
			parts = append(parts, wirePart{Type: "image_url", ImageURL: &wireImageURL{URL: p.ImageURL}})
		}
	}
	return parts
}

func rawArguments(tc llm.ToolCall) string {
	if tc.RawArgs != "" {
		return tc.RawArgs
	}
	data, err := json.Marshal(tc.Args)
	if err != nil || tc.Args == nil {
		return "{}"
	}
	return string(data)
}

// formatTools maps canonical declarations to the function tool schema.
// Provider-handled declarations have no representation on this API and are
// omitted; the gateway never dispatches them either way.
func formatTools(tools []llm.ToolDef) []wireTool {
	var out []wireTool
	for _, t := range tools {
		if t.ProviderHandled {
			continue
		}
		out = append(out, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// ParseTools is the inverse of tool formatting, used to verify round-trip
// fidelity of declarations.
func ParseTools(body []byte) ([]llm.ToolDef, error) {
	var wire []wireTool
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, err
	}
	out := make([]llm.ToolDef, 0, len(wire))
	for _, t := range wire {
		out = append(out, llm.ToolDef{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	return out, nil
}

func (a *Adapter) ParseResponse(status int, body []byte) ([]llm.ResponseChunk, error) {
	if status != http.StatusOK {
		return nil, parseError(a.name, status, body)
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &llm.ProtocolError{Provider: a.name, Status: status, Msg: fmt.Sprintf("unparseable response: %v", err)}
	}
	if len(resp.Choices) == 0 {
		return nil, &llm.ProtocolError{Provider: a.name, Status: status, Msg: provider.ErrNoChoices.Error()}
	}

	choice := resp.Choices[0]
	chunk := llm.ResponseChunk{
		ContentDelta: choice.Message.Content,
		FinishReason: mapFinishReason(choice.FinishReason),
	}
	for i, tc := range choice.Message.ToolCalls {
		chunk.ToolCallDeltas = append(chunk.ToolCallDeltas, llm.ToolCallDelta{
			Index:        i,
			ID:           tc.ID,
			Name:         tc.Function.Name,
			ArgsFragment: tc.Function.Arguments,
		})
	}
	if resp.Usage != nil {
		chunk.Usage = &llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	if chunk.FinishReason == llm.FinishNone {
		chunk.FinishReason = llm.FinishStop
	}
	return []llm.ResponseChunk{chunk}, nil
}

// MapToolCallName passes names through unchanged; this API echoes the
// declared function name faithfully.
func (a *Adapter) MapToolCallName(raw string, _ []llm.ToolDef) (string, string) {
	return raw, raw
}

func (a *Adapter) FormatToolResult(res llm.ToolResult, echoName string) (llm.Message, error) {
	if res.ToolCallID == "" {
		return llm.Message{}, llm.Configf("%s: tool result missing tool_call_id", a.name)
	}
	return llm.ToolResultMessage(res, echoName), nil
}

func mapFinishReason(raw string) llm.FinishReason {
	switch raw {
	case "":
		return llm.FinishNone
	case "stop":
		return llm.FinishStop
	case "length":
		return llm.FinishLength
	case "tool_calls", "function_call":
		return llm.FinishToolCalls
	case "content_filter":
		return llm.FinishContentFilter
	default:
		return llm.FinishStop
	}
}

func parseError(name string, status int, body []byte) error {
	var payload errorResponse
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		code := payload.Error.Type
		if code == "" && payload.Error.Code != nil {
			code = fmt.Sprint(payload.Error.Code)
		}
		return &llm.ProtocolError{Provider: name, Status: status, Code: code, Msg: payload.Error.Message}
	}
	return &llm.ProtocolError{Provider: name, Status: status, Msg: strings.TrimSpace(string(body))}
}
