package gateway

import (
	"github.com/michaelbrown/relay/internal/llm"
)

// Stream is the lazy chunk sequence of one exchange. It is finite and
// non-restartable: once Next returns false the exchange has reached
// Complete, Failed, or Cancelled, and Err, State, Messages, and Usage
// become valid.
//
// A Stream must be drained from a single goroutine.
type Stream struct {
	ch  chan llm.ResponseChunk
	cur llm.ResponseChunk

	// Written by the driver before ch is closed; read by the consumer only
	// after Next returns false.
	err      error
	state    State
	messages []llm.Message
	usage    llm.Usage
}

func newStream() *Stream {
	return &Stream{ch: make(chan llm.ResponseChunk)}
}

// Next advances to the next chunk. It blocks until a chunk is available or
// the exchange ends.
func (s *Stream) Next() bool {
	c, ok := <-s.ch
	if !ok {
		return false
	}
	s.cur = c
	return true
}

// Chunk returns the current chunk after a successful Next.
func (s *Stream) Chunk() llm.ResponseChunk {
	return s.cur
}

// Err returns the terminal error of the exchange, nil when it completed.
func (s *Stream) Err() error {
	return s.err
}

// State returns the terminal state of the exchange.
func (s *Stream) State() State {
	return s.state
}

// Messages returns the full conversation after the exchange: the input
// messages plus every assistant turn and tool result appended while the
// exchange ran. The slice is owned by the caller.
func (s *Stream) Messages() []llm.Message {
	return s.messages
}

// Usage returns accumulated token usage across all model turns of the
// exchange.
func (s *Stream) Usage() llm.Usage {
	return s.usage
}
