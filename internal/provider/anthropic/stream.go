package anthropic

import (
	"encoding/json"
	"io"

	"github.com/michaelbrown/relay/internal/llm"
	"github.com/michaelbrown/relay/internal/provider"
	"github.com/michaelbrown/relay/internal/sse"
)

// streamParser decodes the named-event SSE dialect. Text arrives as
// text_delta fragments, tool arguments as input_json_delta fragments keyed
// by content block index, and the stop reason on message_delta. Unknown
// and keep-alive events are ignored unless the caller opted in to keeping
// them in chunk Meta.
type streamParser struct {
	scanner *sse.Scanner
	opts    provider.ParserOptions

	chunk    llm.ResponseChunk
	err      error
	terminal bool
	closed   bool

	// block index → tool call metadata from content_block_start, so later
	// argument fragments can reference the right call.
	toolBlocks map[int]contentBlock
}

func (a *Adapter) NewStreamParser(r io.Reader, opts provider.ParserOptions) provider.ChunkStream {
	return &streamParser{
		scanner:    sse.NewScanner(r),
		opts:       opts,
		toolBlocks: make(map[int]contentBlock),
	}
}

func (p *streamParser) Next() bool {
	if p.closed {
		return false
	}

	for p.scanner.Next() {
		ev := p.scanner.Event()

		var envelope streamEnvelope
		if err := json.Unmarshal([]byte(ev.Data), &envelope); err != nil {
			// Malformed fragment: skip, never corrupt what was emitted.
			continue
		}

		chunk, emit := p.handleEvent(envelope.Type, []byte(ev.Data))
		if !emit {
			continue
		}
		if chunk.Terminal() {
			p.terminal = true
		}
		p.chunk = chunk
		return true
	}

	return p.finish(p.scanner.Err())
}

func (p *streamParser) handleEvent(eventType string, data []byte) (llm.ResponseChunk, bool) {
	switch eventType {
	case "content_block_start":
		var ev contentBlockStartEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return llm.ResponseChunk{}, false
		}
		if ev.ContentBlock.Type != "tool_use" {
			return llm.ResponseChunk{}, false
		}
		p.toolBlocks[ev.Index] = ev.ContentBlock
		// The start block establishes id and name; arguments follow as
		// fragments on the same index.
		return llm.ResponseChunk{
			ToolCallDeltas: []llm.ToolCallDelta{{
				Index: ev.Index,
				ID:    ev.ContentBlock.ID,
				Name:  ev.ContentBlock.Name,
			}},
		}, true

	case "content_block_delta":
		var ev contentBlockDeltaEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return llm.ResponseChunk{}, false
		}
		switch ev.Delta.Type {
		case "text_delta":
			return llm.ResponseChunk{ContentDelta: ev.Delta.Text}, true
		case "input_json_delta":
			if _, known := p.toolBlocks[ev.Index]; !known {
				return llm.ResponseChunk{}, false
			}
			return llm.ResponseChunk{
				ToolCallDeltas: []llm.ToolCallDelta{{
					Index:        ev.Index,
					ArgsFragment: ev.Delta.PartialJSON,
				}},
			}, true
		}
		return llm.ResponseChunk{}, false

	case "message_delta":
		var ev messageDeltaEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return llm.ResponseChunk{}, false
		}
		chunk := llm.ResponseChunk{FinishReason: mapStopReason(ev.Delta.StopReason)}
		if ev.Usage != nil {
			chunk.Usage = &llm.Usage{
				CompletionTokens: ev.Usage.OutputTokens,
				TotalTokens:      ev.Usage.OutputTokens,
			}
		}
		return chunk, chunk.Terminal() || chunk.Usage != nil

	case "error":
		var ev streamErrorEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return llm.ResponseChunk{}, false
		}
		p.err = &llm.ProtocolError{Provider: "anthropic", Code: ev.Error.Type, Msg: ev.Error.Message}
		return llm.ResponseChunk{FinishReason: llm.FinishError}, true

	case "message_start", "content_block_stop", "message_stop", "ping":
		return llm.ResponseChunk{}, false

	default:
		// Telemetry-style extras are dropped unless the caller wants them.
		if p.opts.KeepExtraEvents {
			return llm.ResponseChunk{Meta: map[string]string{eventType: string(data)}}, true
		}
		return llm.ResponseChunk{}, false
	}
}

func (p *streamParser) finish(readErr error) bool {
	if p.terminal {
		p.closed = true
		if readErr != nil && p.err == nil {
			p.err = &llm.TransportError{Err: readErr}
		}
		return false
	}
	p.terminal = true
	p.closed = true
	p.err = &llm.IncompleteStreamError{Provider: "anthropic", Err: readErr}
	p.chunk = llm.ResponseChunk{FinishReason: llm.FinishError}
	return true
}

func (p *streamParser) Chunk() llm.ResponseChunk { return p.chunk }

func (p *streamParser) Err() error {
	if p.closed {
		return p.err
	}
	return nil
}
