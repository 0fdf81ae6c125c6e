// Package anthropic implements the provider adapter for the Anthropic
// Messages API: hoisted system text, block-structured content, named SSE
// events, and tool results that travel as user-role blocks.
package anthropic

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/michaelbrown/relay/internal/llm"
	"github.com/michaelbrown/relay/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	messagesPath     = "/v1/messages"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Adapter translates canonical requests to the Messages API.
type Adapter struct {
	baseURL string
	apiKey  string
	ceiling int
}

func init() {
	provider.RegisterKind("anthropic", func(s provider.Settings) (provider.Adapter, error) {
		return New(s)
	})
}

// New builds an Anthropic adapter.
func New(s provider.Settings) (*Adapter, error) {
	if s.APIKey == "" {
		return nil, llm.Configf("anthropic: api key is required")
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

func (a *Adapter) Name() string { return "anthropic" }

func (a *Adapter) BuildRequest(model string, messages []llm.Message, tools []llm.ToolDef, opts llm.Options, stream bool) (*provider.Request, error) {
	if model == "" {
		return nil, llm.Configf("anthropic: model is required")
	}
	if opts.Temperature != nil && (*opts.Temperature < 0 || *opts.Temperature > 1) {
		return nil, llm.Configf("anthropic: temperature %v outside [0, 1]", *opts.Temperature)
	}
	if opts.TopP != nil && (*opts.TopP < 0 || *opts.TopP > 1) {
		return nil, llm.Configf("anthropic: top_p %v outside [0, 1]", *opts.TopP)
	}

	system, chat := formatMessages(messages)

	req := messageRequest{
		Model:         model,
		Messages:      chat,
		System:        system,
		MaxTokens:     opts.MaxTokens,
		Temperature:   opts.Temperature,
		TopP:          opts.TopP,
		StopSequences: opts.Stop,
		Tools:         formatTools(tools),
		Stream:        stream,
	}
	// max_tokens is mandatory on this API.
	if req.MaxTokens <= 0 || req.MaxTokens > a.ceiling {
		req.MaxTokens = a.ceiling
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: encoding request: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("X-Api-Key", a.apiKey)
	header.Set("Anthropic-Version", apiVersion)

	return &provider.Request{
		URL:    a.baseURL + messagesPath,
		Header: header,
		Body:   body,
		Stream: stream,
	}, nil
}

// formatMessages hoists system turns into the dedicated system field and
// converts the rest to block-structured turns. Tool results become
// tool_result blocks on user-role messages, keyed by the originating
// tool_use id.
func formatMessages(messages []llm.Message) (string, []messageParam) {
	var systemParts []string
	out := make([]messageParam, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			if text := m.Text(); text != "" {
				systemParts = append(systemParts, text)
			}
		case llm.RoleTool:
			out = append(out, messageParam{
				Role: "user",
				Content: []contentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
					IsError:   strings.HasPrefix(m.Content, "error:"),
				}},
			})
		case llm.RoleAssistant:
			blocks := make([]contentBlock, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Args
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, contentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.EchoName(),
					Input: input,
				})
			}
			if len(blocks) == 0 {
				blocks = append(blocks, contentBlock{Type: "text", Text: ""})
			}
			out = append(out, messageParam{Role: "assistant", Content: blocks})
		default:
			out = append(out, messageParam{Role: "user", Content: formatUserBlocks(m)})
		}
	}
	return strings.Join(systemParts, "\n\n"), out
}

func formatUserBlocks(m llm.Message) []contentBlock {
	if len(m.Parts) == 0 {
		return []contentBlock{{Type: "text", Text: m.Content}}
	}
	blocks := make([]contentBlock, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case llm.PartText:
			blocks = append(blocks, contentBlock{Type: "text", Text: p.Text})
		case llm.PartImage:
			blocks = append(blocks, contentBlock{
				Type:   "image",
				Source: &imageSource{Type: "url", URL: p.ImageURL},
			})
		}
	}
	return blocks
}

func formatTools(tools []llm.ToolDef) []wireTool {
	var out []wireTool
	for _, t := range tools {
		if t.ProviderHandled {
			continue
		}
		schema := t.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
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
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	return out, nil
}

func (a *Adapter) ParseResponse(status int, body []byte) ([]llm.ResponseChunk, error) {
	if status != http.StatusOK {
		return nil, parseError(status, body)
	}

	var resp messageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &llm.ProtocolError{Provider: "anthropic", Status: status, Msg: fmt.Sprintf("unparseable response: %v", err)}
	}

	chunk := llm.ResponseChunk{FinishReason: mapStopReason(resp.StopReason)}
	for i, block := range resp.Content {
		switch block.Type {
		case "text":
			chunk.ContentDelta += block.Text
		case "tool_use":
			args, err := json.Marshal(block.Input)
			if err != nil {
				args = []byte("{}")
			}
			chunk.ToolCallDeltas = append(chunk.ToolCallDeltas, llm.ToolCallDelta{
				Index:        i,
				ID:           block.ID,
				Name:         block.Name,
				ArgsFragment: string(args),
			})
		}
	}
	if resp.Usage != nil {
		chunk.Usage = &llm.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}
	if chunk.FinishReason == llm.FinishNone {
		chunk.FinishReason = llm.FinishStop
	}
	return []llm.ResponseChunk{chunk}, nil
}

// MapToolCallName passes names through unchanged; the Messages API echoes
// declared tool names faithfully.
func (a *Adapter) MapToolCallName(raw string, _ []llm.ToolDef) (string, string) {
	return raw, raw
}

func (a *Adapter) FormatToolResult(res llm.ToolResult, echoName string) (llm.Message, error) {
	if res.ToolCallID == "" {
		return llm.Message{}, llm.Configf("anthropic: tool result missing tool_call_id")
	}
	return llm.ToolResultMessage(res, echoName), nil
}

func mapStopReason(raw string) llm.FinishReason {
	switch raw {
	case "":
		return llm.FinishNone
	case "end_turn", "stop_sequence":
		return llm.FinishStop
	case "max_tokens":
		return llm.FinishLength
	case "tool_use":
		return llm.FinishToolCalls
	case "refusal":
		return llm.FinishContentFilter
	default:
		return llm.FinishStop
	}
}

func parseError(status int, body []byte) error {
	var payload errorResponse
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return &llm.ProtocolError{Provider: "anthropic", Status: status, Code: payload.Error.Type, Msg: payload.Error.Message}
	}
	return &llm.ProtocolError{Provider: "anthropic", Status: status, Msg: strings.TrimSpace(string(body))}
}
