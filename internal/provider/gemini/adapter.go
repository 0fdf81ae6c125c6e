// Package gemini implements the provider adapter for the Google generative
// language API. It differs from the others in three ways the rest of the
// system must never see: tool calls carry no ids (the adapter synthesizes
// them), built-in search is a server-side tool entry, and the model has
// been observed doubling its own tool names on follow-up turns, and the
// doubled name must be echoed back verbatim in the function response.
package gemini

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/michaelbrown/relay/internal/llm"
	"github.com/michaelbrown/relay/internal/provider"
)

const (
	defaultBaseURL   = "https://generativelanguage.googleapis.com/v1beta"
	defaultMaxTokens = 8192
)

// Adapter translates canonical requests to the generateContent API.
type Adapter struct {
	baseURL string
	apiKey  string
	ceiling int
}

func init() {
	provider.RegisterKind("gemini", func(s provider.Settings) (provider.Adapter, error) {
		return New(s)
	})
}

// New builds a Gemini adapter.
func New(s provider.Settings) (*Adapter, error) {
	if s.APIKey == "" {
		return nil, llm.Configf("gemini: api key is required")
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

func (a *Adapter) Name() string { return "gemini" }

func (a *Adapter) BuildRequest(model string, messages []llm.Message, tools []llm.ToolDef, opts llm.Options, stream bool) (*provider.Request, error) {
	if model == "" {
		return nil, llm.Configf("gemini: model is required")
	}
	if opts.Temperature != nil && (*opts.Temperature < 0 || *opts.Temperature > 2) {
		return nil, llm.Configf("gemini: temperature %v outside [0, 2]", *opts.Temperature)
	}
	if opts.TopP != nil && (*opts.TopP < 0 || *opts.TopP > 1) {
		return nil, llm.Configf("gemini: top_p %v outside [0, 1]", *opts.TopP)
	}

	system, contents := formatMessages(messages)

	req := generateRequest{
		Contents: contents,
		Tools:    formatTools(tools),
		GenerationConfig: &generationCfg{
			Temperature:     opts.Temperature,
			TopP:            opts.TopP,
			MaxOutputTokens: min(opts.MaxTokens, a.ceiling),
			StopSequences:   opts.Stop,
		},
	}
	if req.GenerationConfig.MaxOutputTokens < 0 {
		req.GenerationConfig.MaxOutputTokens = 0
	}
	if system != "" {
		req.SystemInstruction = &wireContent{Parts: []wirePart{{Text: system}}}
	}
	if opts.ResponseSchema != nil {
		req.GenerationConfig.ResponseMimeType = "application/json"
		req.GenerationConfig.ResponseSchema = opts.ResponseSchema
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: encoding request: %w", err)
	}

	verb := "generateContent"
	if stream {
		verb = "streamGenerateContent?alt=sse"
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("X-Goog-Api-Key", a.apiKey)

	return &provider.Request{
		URL:    fmt.Sprintf("%s/models/%s:%s", a.baseURL, model, verb),
		Header: header,
		Body:   body,
		Stream: stream,
	}, nil
}

// formatMessages hoists system text into systemInstruction and converts
// turns to contents. Assistant maps to the "model" role; tool results
// become functionResponse parts on user turns carrying the exact name the
// model produced for the originating call.
func formatMessages(messages []llm.Message) (string, []wireContent) {
	var systemParts []string
	out := make([]wireContent, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			if text := m.Text(); text != "" {
				systemParts = append(systemParts, text)
			}
		case llm.RoleTool:
			name := m.Name
			if echo, ok := m.Meta[llm.MetaEchoName]; ok && echo != "" {
				name = echo
			}
			out = append(out, wireContent{
				Role: "user",
				Parts: []wirePart{{
					FunctionResponse: &functionResp{
						Name:     name,
						Response: responsePayload(m.Content),
					},
				}},
			})
		case llm.RoleAssistant:
			parts := make([]wirePart, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				parts = append(parts, wirePart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, wirePart{
					FunctionCall: &functionCall{Name: tc.EchoName(), Args: tc.Args},
				})
			}
			if len(parts) == 0 {
				parts = append(parts, wirePart{Text: ""})
			}
			out = append(out, wireContent{Role: "model", Parts: parts})
		default:
			out = append(out, wireContent{Role: "user", Parts: formatUserParts(m)})
		}
	}
	return strings.Join(systemParts, "\n\n"), out
}

// responsePayload shapes tool output as the object this API requires. JSON
// object output passes through; anything else is wrapped.
func responsePayload(content string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"result": content}
}

func formatUserParts(m llm.Message) []wirePart {
	if len(m.Parts) == 0 {
		return []wirePart{{Text: m.Content}}
	}
	parts := make([]wirePart, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case llm.PartText:
			parts = append(parts, wirePart{Text: p.Text})
		case llm.PartImage:
			parts = append(parts, wirePart{FileData: &fileData{FileURI: p.ImageURL}})
		}
	}
	return parts
}

// formatTools groups function declarations and maps provider-handled
// declarations to the native googleSearch entry. Search results come back
// already resolved; nothing is dispatched locally for them.
func formatTools(tools []llm.ToolDef) []wireToolGroup {
	var decls []functionDecl
	var groups []wireToolGroup
	for _, t := range tools {
		if t.ProviderHandled {
			groups = append(groups, wireToolGroup{GoogleSearch: &struct{}{}})
			continue
		}
		decls = append(decls, functionDecl{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	if len(decls) > 0 {
		groups = append([]wireToolGroup{{FunctionDeclarations: decls}}, groups...)
	}
	return groups
}

// ParseTools is the inverse of tool formatting, used to verify round-trip
// fidelity of declarations.
func ParseTools(body []byte) ([]llm.ToolDef, error) {
	var wire []wireToolGroup
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, err
	}
	var out []llm.ToolDef
	for _, g := range wire {
		for _, d := range g.FunctionDeclarations {
			out = append(out, llm.ToolDef{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			})
		}
		if g.GoogleSearch != nil {
			out = append(out, llm.ToolDef{
				Name:            "google_search",
				Parameters:      map[string]any{},
				ProviderHandled: true,
			})
		}
	}
	return out, nil
}

func (a *Adapter) ParseResponse(status int, body []byte) ([]llm.ResponseChunk, error) {
	if status != http.StatusOK {
		return nil, parseError(status, body)
	}

	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &llm.ProtocolError{Provider: "gemini", Status: status, Msg: fmt.Sprintf("unparseable response: %v", err)}
	}
	if len(resp.Candidates) == 0 {
		return nil, &llm.ProtocolError{Provider: "gemini", Status: status, Msg: provider.ErrNoChoices.Error()}
	}

	cand := resp.Candidates[0]
	chunk := llm.ResponseChunk{}
	callIndex := 0
	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				args = []byte("{}")
			}
			chunk.ToolCallDeltas = append(chunk.ToolCallDeltas, llm.ToolCallDelta{
				Index:        callIndex,
				ID:           syntheticCallID(part.FunctionCall.Name, callIndex),
				Name:         part.FunctionCall.Name,
				ArgsFragment: string(args),
			})
			callIndex++
		default:
			chunk.ContentDelta += part.Text
		}
	}
	chunk.FinishReason = mapFinishReason(cand.FinishReason, len(chunk.ToolCallDeltas) > 0)
	if resp.UsageMetadata != nil {
		chunk.Usage = &llm.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	if chunk.FinishReason == llm.FinishNone {
		chunk.FinishReason = llm.FinishStop
	}
	return []llm.ResponseChunk{chunk}, nil
}

// syntheticCallID gives this provider's id-less function calls a stable
// identifier so tool results can reference them.
func syntheticCallID(name string, index int) string {
	return fmt.Sprintf("fc-%s-%d", name, index)
}

// MapToolCallName absorbs the observed name-doubling quirk: on follow-up
// turns the model sometimes emits a declared tool name twice, joined by an
// underscore or bare ("search_search", "searchsearch" for "search").
// Dispatch uses the declared name; the doubled raw name is remembered so
// the function response echoes exactly what the model produced, which this
// provider requires.
func (a *Adapter) MapToolCallName(raw string, declared []llm.ToolDef) (string, string) {
	for _, t := range declared {
		if raw == t.Name {
			return raw, raw
		}
	}
	for _, t := range declared {
		if raw == t.Name+"_"+t.Name || raw == t.Name+t.Name {
			return t.Name, raw
		}
	}
	return raw, raw
}

func (a *Adapter) FormatToolResult(res llm.ToolResult, echoName string) (llm.Message, error) {
	if res.ToolCallID == "" {
		return llm.Message{}, llm.Configf("gemini: tool result missing tool_call_id")
	}
	return llm.ToolResultMessage(res, echoName), nil
}

// mapFinishReason maps candidate finish reasons, promoting STOP to
// tool_calls when the turn carried function calls: this API does not have
// a dedicated finish reason for them.
func mapFinishReason(raw string, sawCalls bool) llm.FinishReason {
	switch raw {
	case "":
		return llm.FinishNone
	case "STOP":
		if sawCalls {
			return llm.FinishToolCalls
		}
		return llm.FinishStop
	case "MAX_TOKENS":
		return llm.FinishLength
	case "SAFETY", "RECITATION", "PROHIBITED_CONTENT", "BLOCKLIST":
		return llm.FinishContentFilter
	default:
		return llm.FinishStop
	}
}

func parseError(status int, body []byte) error {
	var payload errorResponse
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return &llm.ProtocolError{Provider: "gemini", Status: status, Code: payload.Error.Status, Msg: payload.Error.Message}
	}
	return &llm.ProtocolError{Provider: "gemini", Status: status, Msg: strings.TrimSpace(string(body))}
}
