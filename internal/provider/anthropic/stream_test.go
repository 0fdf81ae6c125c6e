package anthropic

import (
	"errors"
	"strings"
	"testing"

	"github.com/michaelbrown/relay/internal/llm"
	"github.com/michaelbrown/relay/internal/provider"
)

func event(name, data string) string {
	return "event: " + name + "\ndata: " + data + "\n\n"
}

func drainParser(p provider.ChunkStream) []llm.ResponseChunk {
	var out []llm.ResponseChunk
	for p.Next() {
		out = append(out, p.Chunk())
	}
	return out
}

func TestStreamTextDeltas(t *testing.T) {
	a := testAdapter(t)
	body := event("message_start", `{"type":"message_start","message":{"id":"msg_1"}}`) +
		event("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`) +
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`) +
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`) +
		event("content_block_stop", `{"type":"content_block_stop","index":0}`) +
		event("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`) +
		event("message_stop", `{"type":"message_stop"}`)

	p := a.NewStreamParser(strings.NewReader(body), provider.ParserOptions{})
	chunks := drainParser(p)
	if err := p.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}

	var text strings.Builder
	for _, c := range chunks {
		text.WriteString(c.ContentDelta)
	}
	if text.String() != "Hello" {
		t.Errorf("content: %q", text.String())
	}

	last := chunks[len(chunks)-1]
	if last.FinishReason != llm.FinishStop {
		t.Errorf("finish: %s", last.FinishReason)
	}
	if last.Usage == nil || last.Usage.CompletionTokens != 2 {
		t.Errorf("usage: %+v", last.Usage)
	}
}

func TestStreamToolUseFragments(t *testing.T) {
	a := testAdapter(t)
	body := event("message_start", `{"type":"message_start"}`) +
		event("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"lookup"}}`) +
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"id\":"}}`) +
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"42\"}"}}`) +
		event("content_block_stop", `{"type":"content_block_stop","index":0}`) +
		event("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"}}`) +
		event("message_stop", `{"type":"message_stop"}`)

	p := a.NewStreamParser(strings.NewReader(body), provider.ParserOptions{})
	agg := llm.NewToolCallAggregator()
	finish := llm.FinishNone
	for p.Next() {
		agg.AddChunk(p.Chunk())
		if p.Chunk().Terminal() {
			finish = p.Chunk().FinishReason
		}
	}
	if err := p.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if finish != llm.FinishToolCalls {
		t.Errorf("finish: %s", finish)
	}

	calls := agg.Finalize()
	if len(calls) != 1 {
		t.Fatalf("got %d calls", len(calls))
	}
	if calls[0].ID != "toolu_1" || calls[0].Name != "lookup" || calls[0].ParseErr != nil {
		t.Fatalf("call: %+v err %v", calls[0], calls[0].ParseErr)
	}
	if calls[0].Args["id"] != "42" {
		t.Errorf("args: %v", calls[0].Args)
	}
}

func TestStreamOrphanJSONDeltaDropped(t *testing.T) {
	a := testAdapter(t)
	// input_json_delta for a block that never started must not panic or
	// fabricate a call.
	body := event("content_block_delta", `{"type":"content_block_delta","index":3,"delta":{"type":"input_json_delta","partial_json":"{}"}}`) +
		event("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`)

	p := a.NewStreamParser(strings.NewReader(body), provider.ParserOptions{})
	agg := llm.NewToolCallAggregator()
	for p.Next() {
		agg.AddChunk(p.Chunk())
	}
	if err := p.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if !agg.Empty() {
		t.Error("orphan fragment produced a call")
	}
}

func TestStreamErrorEvent(t *testing.T) {
	a := testAdapter(t)
	body := event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"par"}}`) +
		event("error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)

	p := a.NewStreamParser(strings.NewReader(body), provider.ParserOptions{})
	chunks := drainParser(p)

	last := chunks[len(chunks)-1]
	if last.FinishReason != llm.FinishError {
		t.Errorf("last chunk: %+v", last)
	}
	var perr *llm.ProtocolError
	if !errors.As(p.Err(), &perr) || perr.Code != "overloaded_error" {
		t.Errorf("got %v, want overloaded ProtocolError", p.Err())
	}
}

func TestStreamIncomplete(t *testing.T) {
	a := testAdapter(t)
	body := event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"par"}}`)

	p := a.NewStreamParser(strings.NewReader(body), provider.ParserOptions{})
	chunks := drainParser(p)

	if chunks[len(chunks)-1].FinishReason != llm.FinishError {
		t.Error("missing synthetic error chunk")
	}
	var inc *llm.IncompleteStreamError
	if !errors.As(p.Err(), &inc) || inc.Provider != "anthropic" {
		t.Fatalf("got %v, want IncompleteStreamError", p.Err())
	}
}

func TestStreamKeepExtraEvents(t *testing.T) {
	a := testAdapter(t)
	body := event("telemetry", `{"type":"telemetry","latency_ms":12}`) +
		event("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`)

	// Dropped by default.
	p := a.NewStreamParser(strings.NewReader(body), provider.ParserOptions{})
	if got := len(drainParser(p)); got != 1 {
		t.Errorf("default: got %d chunks, want 1", got)
	}

	// Preserved in Meta on request.
	p = a.NewStreamParser(strings.NewReader(body), provider.ParserOptions{KeepExtraEvents: true})
	chunks := drainParser(p)
	if len(chunks) != 2 {
		t.Fatalf("keep: got %d chunks, want 2", len(chunks))
	}
	if _, ok := chunks[0].Meta["telemetry"]; !ok {
		t.Errorf("meta: %+v", chunks[0].Meta)
	}
}

func TestStreamTruncatedAfterEventLine(t *testing.T) {
	a := testAdapter(t)
	// Connection drops right after the event name, before any data line.
	p := a.NewStreamParser(strings.NewReader("event: content_block_delta\n"), provider.ParserOptions{})
	chunks := drainParser(p)

	if len(chunks) != 1 || chunks[0].FinishReason != llm.FinishError {
		t.Fatalf("chunks: %+v", chunks)
	}
	var inc *llm.IncompleteStreamError
	if !errors.As(p.Err(), &inc) {
		t.Fatalf("got %v, want IncompleteStreamError", p.Err())
	}
}
