package gemini

import (
	"encoding/json"
	"io"

	"github.com/michaelbrown/relay/internal/llm"
	"github.com/michaelbrown/relay/internal/provider"
	"github.com/michaelbrown/relay/internal/sse"
)

// streamParser decodes the alt=sse stream: a sequence of data events each
// holding a full generateResponse fragment. There is no completion
// sentinel; the terminal chunk is the one carrying a finishReason, and a
// stream that closes without one is incomplete. Function calls arrive
// whole within a single event but still flow through the aggregator as
// one-fragment deltas, so downstream handling is identical across
// providers.
type streamParser struct {
	scanner *sse.Scanner
	opts    provider.ParserOptions

	chunk    llm.ResponseChunk
	err      error
	terminal bool
	closed   bool

	callIndex int
	sawCalls  bool
}

func (a *Adapter) NewStreamParser(r io.Reader, opts provider.ParserOptions) provider.ChunkStream {
	return &streamParser{
		scanner: sse.NewScanner(r),
		opts:    opts,
	}
}

func (p *streamParser) Next() bool {
	if p.closed {
		return false
	}

	for p.scanner.Next() {
		data := []byte(p.scanner.Event().Data)

		var wire generateResponse
		if err := json.Unmarshal(data, &wire); err != nil {
			// Malformed fragment: skip and continue.
			continue
		}

		chunk, ok := p.convert(wire)
		if !ok {
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

func (p *streamParser) convert(wire generateResponse) (llm.ResponseChunk, bool) {
	var chunk llm.ResponseChunk
	if wire.UsageMetadata != nil {
		chunk.Usage = &llm.Usage{
			PromptTokens:     wire.UsageMetadata.PromptTokenCount,
			CompletionTokens: wire.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      wire.UsageMetadata.TotalTokenCount,
		}
	}
	if len(wire.Candidates) == 0 {
		return chunk, chunk.Usage != nil
	}

	cand := wire.Candidates[0]
	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				args = []byte("{}")
			}
			chunk.ToolCallDeltas = append(chunk.ToolCallDeltas, llm.ToolCallDelta{
				Index:        p.callIndex,
				ID:           syntheticCallID(part.FunctionCall.Name, p.callIndex),
				Name:         part.FunctionCall.Name,
				ArgsFragment: string(args),
			})
			p.callIndex++
			p.sawCalls = true
		default:
			chunk.ContentDelta += part.Text
		}
	}
	chunk.FinishReason = mapFinishReason(cand.FinishReason, p.sawCalls)
	return chunk, true
}

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
	p.err = &llm.IncompleteStreamError{Provider: "gemini", Err: readErr}
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
