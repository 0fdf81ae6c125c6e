package openai

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/michaelbrown/relay/internal/llm"
	"github.com/michaelbrown/relay/internal/provider"
	"github.com/michaelbrown/relay/internal/sse"
)

// doneSentinel terminates the stream on this wire format in place of a
// named completion event.
const doneSentinel = "[DONE]"

// streamParser decodes the data:/[DONE] SSE dialect into canonical chunks.
// Events that fail to decode are skipped rather than aborting the stream;
// content already emitted stays valid.
type streamParser struct {
	name    string
	scanner *sse.Scanner
	opts    provider.ParserOptions

	chunk    llm.ResponseChunk
	err      error
	terminal bool // a finish reason has been emitted
	closed   bool
}

func (a *Adapter) NewStreamParser(r io.Reader, opts provider.ParserOptions) provider.ChunkStream {
	return &streamParser{
		name:    a.name,
		scanner: sse.NewScanner(r),
		opts:    opts,
	}
}

func (p *streamParser) Next() bool {
	if p.closed {
		return false
	}

	for p.scanner.Next() {
		data := strings.TrimSpace(p.scanner.Event().Data)
		if data == doneSentinel {
			return p.finish(nil)
		}

		var wire streamChunk
		if err := json.Unmarshal([]byte(data), &wire); err != nil {
			// Malformed fragment: drop it and keep reading.
			continue
		}

		chunk, ok := convertStreamChunk(wire)
		if !ok {
			if !p.opts.KeepExtraEvents {
				continue
			}
			chunk = llm.ResponseChunk{Meta: map[string]string{"event": data}}
		}
		if chunk.Terminal() {
			p.terminal = true
		}
		p.chunk = chunk
		return true
	}

	return p.finish(p.scanner.Err())
}

// finish handles end of stream: a stream that never produced a terminal
// chunk ends with a synthetic finish_reason=error chunk followed by an
// IncompleteStreamError from Err.
func (p *streamParser) finish(readErr error) bool {
	if p.terminal {
		p.closed = true
		if readErr != nil {
			p.err = &llm.TransportError{Err: readErr}
		}
		return false
	}
	p.terminal = true
	p.closed = true
	p.err = &llm.IncompleteStreamError{Provider: p.name, Err: readErr}
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

// convertStreamChunk maps one wire chunk to the canonical shape. The final
// usage-only chunk (empty choices) is meaningful; chunks with neither
// choices nor usage are not.
func convertStreamChunk(wire streamChunk) (llm.ResponseChunk, bool) {
	var chunk llm.ResponseChunk
	if wire.Usage != nil {
		chunk.Usage = &llm.Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
	}
	if len(wire.Choices) == 0 {
		return chunk, wire.Usage != nil
	}

	choice := wire.Choices[0]
	chunk.ContentDelta = choice.Delta.Content
	chunk.FinishReason = mapFinishReason(choice.FinishReason)
	for _, tc := range choice.Delta.ToolCalls {
		chunk.ToolCallDeltas = append(chunk.ToolCallDeltas, llm.ToolCallDelta{
			Index:        tc.Index,
			ID:           tc.ID,
			Name:         tc.Function.Name,
			ArgsFragment: tc.Function.Arguments,
		})
	}
	return chunk, true
}
