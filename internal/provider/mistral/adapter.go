// Package mistral implements the provider adapter for the Mistral chat
// API. The wire format is OpenAI-like but with its own option bounds, a
// json_object response mode, and the extra model_length finish reason.
package mistral

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/michaelbrown/relay/internal/llm"
	"github.com/michaelbrown/relay/internal/provider"
)

const (
	defaultBaseURL   = "https://api.mistral.ai/v1"
	completionsPath  = "/chat/completions"
	defaultMaxTokens = 8192
)

// Adapter translates canonical requests to the Mistral wire format.
type Adapter struct {
	baseURL string
	apiKey  string
	ceiling int
}

func init() {
	provider.RegisterKind("mistral", func(s provider.Settings) (provider.Adapter, error) {
		return New(s)
	})
}

// New builds a Mistral adapter.
func New(s provider.Settings) (*Adapter, error) {
	if s.APIKey == "" {
		return nil, llm.Configf("mistral: api key is required")
	}
	a := &Adapter{
		baseURL: strings.TrimRight(s.BaseURL, "/"),
		apiKey:  s.APIKey,
		ceiling: s.MaxTokensCeiling,
	}
	if a.baseURL == "" {
		a.baseURL = defaultBaseURL
	}
	if a.ceiling <= 0 {
		a.ceiling = defaultMaxTokens
	}
	return a, nil
}

func (a *Adapter) Name() string { return "mistral" }

func (a *Adapter) BuildRequest(model string, messages []llm.Message, tools []llm.ToolDef, opts llm.Options, stream bool) (*provider.Request, error) {
	if model == "" {
		return nil, llm.Configf("mistral: model is required")
	}
	if opts.Temperature != nil && (*opts.Temperature < 0 || *opts.Temperature > 1) {
		return nil, llm.Configf("mistral: temperature %v outside [0, 1]", *opts.Temperature)
	}
	if opts.TopP != nil && (*opts.TopP < 0 || *opts.TopP > 1) {
		return nil, llm.Configf("mistral: top_p %v outside [0, 1]", *opts.TopP)
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
	// Structured output: this API validates shape only against json_object
	// mode; the schema itself rides in the prompt upstream of us.
	if opts.ResponseSchema != nil {
		req.ResponseFormat = &wireRespFmt{Type: "json_object"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mistral: encoding request: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Authorization", "Bearer "+a.apiKey)

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
			wm.Name = m.Name
			if echo, ok := m.Meta[llm.MetaEchoName]; ok && echo != "" {
				wm.Name = echo
			}
		case llm.RoleAssistant:
			wm.Content = m.Content
			for _, tc := range m.ToolCalls {
				raw := tc.RawArgs
				if raw == "" {
					data, err := json.Marshal(tc.Args)
					if err != nil || tc.Args == nil {
						raw = "{}"
					} else {
						raw = string(data)
					}
				}
				wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: wireFunctionCall{Name: tc.EchoName(), Arguments: raw},
				})
			}
		default:
			// This API takes flat text content; image parts are flattened
			// to their text siblings.
			wm.Content = m.Text()
		}
		out = append(out, wm)
	}
	return out
}

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
		return nil, parseError(status, body)
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &llm.ProtocolError{Provider: "mistral", Status: status, Msg: fmt.Sprintf("unparseable response: %v", err)}
	}
	if len(resp.Choices) == 0 {
		return nil, &llm.ProtocolError{Provider: "mistral", Status: status, Msg: provider.ErrNoChoices.Error()}
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

// MapToolCallName passes names through unchanged.
func (a *Adapter) MapToolCallName(raw string, _ []llm.ToolDef) (string, string) {
	return raw, raw
}

func (a *Adapter) FormatToolResult(res llm.ToolResult, echoName string) (llm.Message, error) {
	if res.ToolCallID == "" {
		return llm.Message{}, llm.Configf("mistral: tool result missing tool_call_id")
	}
	return llm.ToolResultMessage(res, echoName), nil
}

// mapFinishReason covers this API's extra model_length reason alongside the
// common set.
func mapFinishReason(raw string) llm.FinishReason {
	switch raw {
	case "":
		return llm.FinishNone
	case "stop":
		return llm.FinishStop
	case "length", "model_length":
		return llm.FinishLength
	case "tool_calls":
		return llm.FinishToolCalls
	case "content_filter":
		return llm.FinishContentFilter
	default:
		return llm.FinishStop
	}
}

func parseError(status int, body []byte) error {
	var payload errorResponse
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return &llm.ProtocolError{Provider: "mistral", Status: status, Code: payload.Type, Msg: payload.Message}
	}
	return &llm.ProtocolError{Provider: "mistral", Status: status, Msg: strings.TrimSpace(string(body))}
}
