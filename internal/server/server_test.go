package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/relay/internal/config"
	"github.com/michaelbrown/relay/internal/llm"
	"github.com/michaelbrown/relay/internal/tools"

	_ "github.com/michaelbrown/relay/internal/provider/compat"
)

// backend scripts an OpenAI-compatible upstream: each chat completion
// request pops the next canned SSE body, and request payloads are kept
// for assertions.
type backend struct {
	mu        sync.Mutex
	responses []string
	requests  []backendRequest
}

type backendRequest struct {
	Model    string            `json:"model"`
	Messages []backendMessage  `json:"messages"`
	Tools    []json.RawMessage `json:"tools"`
}

type backendMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id"`
}

func (b *backend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req backendRequest
		json.NewDecoder(r.Body).Decode(&req)

		b.mu.Lock()
		b.requests = append(b.requests, req)
		var body string
		if len(b.responses) > 0 {
			body = b.responses[0]
			b.responses = b.responses[1:]
		}
		b.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(body))
	}
}

func (b *backend) request(t *testing.T, i int) backendRequest {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.requests) {
		t.Fatalf("backend saw %d requests, want at least %d", len(b.requests), i+1)
	}
	return b.requests[i]
}

func sseUpstream(events ...string) string {
	var sb strings.Builder
	for _, e := range events {
		sb.WriteString("data: ")
		sb.WriteString(e)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func textUpstream(text string) string {
	return sseUpstream(
		fmt.Sprintf(`{"choices":[{"delta":{"content":%q}}]}`, text),
		`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		"[DONE]",
	)
}

func newTestServer(t *testing.T, b *backend, registry *tools.Registry) (*Server, *httptest.Server) {
	t.Helper()
	upstream := httptest.NewServer(b.handler())
	t.Cleanup(upstream.Close)

	cfg := &config.Config{
		Providers: map[string]config.ProviderConfig{
			"local": {
				Kind:         "compat",
				BaseURL:      upstream.URL,
				DefaultModel: "test-model",
				Models:       map[string]string{"fast": "test-model-fast"},
			},
		},
		DefaultProvider: "local",
	}

	if registry == nil {
		registry = tools.NewRegistry()
	}
	srv := New(cfg, registry)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postChat(t *testing.T, ts *httptest.Server, body string) []chatEvent {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/chat", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/chat: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	var events []chatEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev chatEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func eventsByType(events []chatEvent, typ string) []chatEvent {
	var out []chatEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestChatStreamsSSE(t *testing.T) {
	b := &backend{responses: []string{textUpstream("hello there")}}
	_, ts := newTestServer(t, b, nil)

	events := postChat(t, ts, `{"content": "hi"}`)

	sessions := eventsByType(events, "session")
	if len(sessions) != 1 || sessions[0].SessionID == "" {
		t.Fatalf("session events: %+v", sessions)
	}
	var text strings.Builder
	for _, ev := range eventsByType(events, "text_delta") {
		text.WriteString(ev.Content)
	}
	if text.String() != "hello there" {
		t.Errorf("text: %q", text.String())
	}
	done := eventsByType(events, "done")
	if len(done) != 1 || done[0].Content != "hello there" {
		t.Fatalf("done events: %+v", done)
	}
	if done[0].Usage == nil || done[0].Usage.TotalTokens != 5 {
		t.Errorf("usage: %+v", done[0].Usage)
	}

	if got := b.request(t, 0).Model; got != "test-model" {
		t.Errorf("model: %q", got)
	}
}

func TestChatModelAliasResolved(t *testing.T) {
	b := &backend{responses: []string{textUpstream("ok")}}
	_, ts := newTestServer(t, b, nil)

	postChat(t, ts, `{"content": "hi", "model": "fast"}`)

	if got := b.request(t, 0).Model; got != "test-model-fast" {
		t.Errorf("model: %q", got)
	}
}

func TestChatSessionCarriesHistory(t *testing.T) {
	b := &backend{responses: []string{textUpstream("first"), textUpstream("second")}}
	_, ts := newTestServer(t, b, nil)

	events := postChat(t, ts, `{"content": "one"}`)
	id := eventsByType(events, "session")[0].SessionID

	postChat(t, ts, fmt.Sprintf(`{"content": "two", "session_id": %q}`, id))

	second := b.request(t, 1)
	if len(second.Messages) != 3 {
		t.Fatalf("second request carried %d messages", len(second.Messages))
	}
	if second.Messages[0].Content != "one" || second.Messages[1].Content != "first" || second.Messages[2].Content != "two" {
		t.Errorf("history: %+v", second.Messages)
	}

	resp, err := http.Get(ts.URL + "/api/sessions/" + id + "/messages")
	if err != nil {
		t.Fatalf("GET messages: %v", err)
	}
	defer resp.Body.Close()
	var messages []llm.Message
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		t.Fatalf("decoding messages: %v", err)
	}
	if len(messages) != 4 {
		t.Errorf("stored history has %d messages", len(messages))
	}
}

func TestChatToolRoundTrip(t *testing.T) {
	registry := tools.NewRegistry()
	err := registry.Register(tools.Definition{
		Name:   "lookup",
		Schema: map[string]any{"type": "object"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "found it", nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	b := &backend{responses: []string{
		sseUpstream(
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":"{}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			"[DONE]",
		),
		textUpstream("done with tools"),
	}}
	_, ts := newTestServer(t, b, registry)

	events := postChat(t, ts, `{"content": "look it up"}`)

	calls := eventsByType(events, "tool_call")
	if len(calls) != 1 || calls[0].Name != "lookup" || calls[0].ID != "call_1" {
		t.Fatalf("tool_call events: %+v", calls)
	}
	done := eventsByType(events, "done")
	if len(done) != 1 || done[0].Content != "done with tools" {
		t.Fatalf("done events: %+v", done)
	}

	second := b.request(t, 1)
	var toolMsg *backendMessage
	for i := range second.Messages {
		if second.Messages[i].Role == "tool" {
			toolMsg = &second.Messages[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("second request carried no tool message")
	}
	if toolMsg.ToolCallID != "call_1" || toolMsg.Content != "found it" {
		t.Errorf("tool message: %+v", toolMsg)
	}
}

func TestChatUpstreamErrorEmitsErrorEvent(t *testing.T) {
	// Upstream closes without a terminal chunk.
	b := &backend{responses: []string{sseUpstream(`{"choices":[{"delta":{"content":"par"}}]}`)}}
	_, ts := newTestServer(t, b, nil)

	events := postChat(t, ts, `{"content": "hi"}`)

	errs := eventsByType(events, "error")
	if len(errs) != 1 {
		t.Fatalf("error events: %+v", events)
	}
	if errs[0].Class != llm.ClassIncompleteStream {
		t.Errorf("class: %q", errs[0].Class)
	}
	if len(eventsByType(events, "done")) != 0 {
		t.Error("done emitted after error")
	}
}

func TestChatValidation(t *testing.T) {
	b := &backend{}
	_, ts := newTestServer(t, b, nil)

	resp, err := http.Post(ts.URL+"/api/chat", "application/json", strings.NewReader(`{"content": ""}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty content: status %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/api/chat", "application/json", strings.NewReader(`{"content": "hi", "provider": "nope"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown provider: status %d", resp.StatusCode)
	}
}

func TestListProviders(t *testing.T) {
	b := &backend{}
	_, ts := newTestServer(t, b, nil)

	resp, err := http.Get(ts.URL + "/api/providers")
	if err != nil {
		t.Fatalf("GET providers: %v", err)
	}
	defer resp.Body.Close()
	var providers []providerInfo
	if err := json.NewDecoder(resp.Body).Decode(&providers); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(providers) != 1 || providers[0].Name != "local" || providers[0].Kind != "compat" {
		t.Errorf("providers: %+v", providers)
	}
}

func TestSessionLifecycle(t *testing.T) {
	b := &backend{responses: []string{textUpstream("hi")}}
	_, ts := newTestServer(t, b, nil)

	events := postChat(t, ts, `{"content": "hello"}`)
	id := eventsByType(events, "session")[0].SessionID

	resp, err := http.Get(ts.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET sessions: %v", err)
	}
	var sessions []sessionInfo
	json.NewDecoder(resp.Body).Decode(&sessions)
	resp.Body.Close()
	if len(sessions) != 1 || sessions[0].ID != id || sessions[0].Messages != 2 {
		t.Fatalf("sessions: %+v", sessions)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/sessions/"+id, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status %d", resp.StatusCode)
	}

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("repeat delete status %d", resp.StatusCode)
	}
}

func TestChatWebSocket(t *testing.T) {
	b := &backend{responses: []string{textUpstream("ws reply")}}
	_, ts := newTestServer(t, b, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var sess chatEvent
	if err := conn.ReadJSON(&sess); err != nil {
		t.Fatalf("reading session event: %v", err)
	}
	if sess.Type != "session" || sess.SessionID == "" {
		t.Fatalf("session event: %+v", sess)
	}

	if err := conn.WriteJSON(wsIncoming{Type: "message", Content: "hi"}); err != nil {
		t.Fatalf("writing message: %v", err)
	}

	var text strings.Builder
	for {
		var ev chatEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("reading event: %v", err)
		}
		switch ev.Type {
		case "text_delta":
			text.WriteString(ev.Content)
		case "error":
			t.Fatalf("error event: %+v", ev)
		case "done":
			if ev.Content != "ws reply" {
				t.Errorf("done content: %q", ev.Content)
			}
			if text.String() != "ws reply" {
				t.Errorf("streamed text: %q", text.String())
			}
			return
		}
	}
}
