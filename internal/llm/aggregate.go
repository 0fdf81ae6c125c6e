package llm

import (
	"encoding/json"
	"sort"
	"strings"
)

// ToolCallAggregator reassembles tool calls fragmented across streamed
// chunks. Providers deliver arguments as partial JSON text, sometimes a few
// characters per chunk; only the accumulated string is parseable.
//
// The zero value is not usable; call NewToolCallAggregator per response.
type ToolCallAggregator struct {
	builders map[int]*callBuilder
}

type callBuilder struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

// NewToolCallAggregator creates an aggregator for one in-flight response.
func NewToolCallAggregator() *ToolCallAggregator {
	return &ToolCallAggregator{builders: make(map[int]*callBuilder)}
}

// Add folds one delta into the accumulating call for its index. The first
// delta for an index establishes ID and Name; later fragments only append
// argument text. Providers never reuse an index for two distinct calls
// within one response.
func (a *ToolCallAggregator) Add(d ToolCallDelta) {
	b, ok := a.builders[d.Index]
	if !ok {
		b = &callBuilder{index: d.Index}
		a.builders[d.Index] = b
	}
	if b.id == "" {
		b.id = d.ID
	}
	if b.name == "" {
		b.name = d.Name
	}
	b.args.WriteString(d.ArgsFragment)
}

// AddChunk folds all tool-call deltas of a chunk.
func (a *ToolCallAggregator) AddChunk(c ResponseChunk) {
	for _, d := range c.ToolCallDeltas {
		a.Add(d)
	}
}

// Empty reports whether no deltas have been seen.
func (a *ToolCallAggregator) Empty() bool {
	return len(a.builders) == 0
}

// Finalize parses every accumulated call and returns them in index order.
// A call whose argument text is not valid JSON is returned with ParseErr
// set rather than dropped; the caller decides whether it reaches the
// executor as a typed failure.
func (a *ToolCallAggregator) Finalize() []ToolCall {
	if len(a.builders) == 0 {
		return nil
	}

	indexes := make([]int, 0, len(a.builders))
	for idx := range a.builders {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	calls := make([]ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		b := a.builders[idx]
		call := ToolCall{
			ID:      b.id,
			Name:    b.name,
			RawArgs: b.args.String(),
		}

		raw := strings.TrimSpace(call.RawArgs)
		if raw == "" {
			call.Args = map[string]any{}
		} else {
			var args map[string]any
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				call.ParseErr = &ArgumentParseError{Tool: b.name, Raw: call.RawArgs, Err: err}
			} else {
				call.Args = args
			}
		}
		calls = append(calls, call)
	}
	return calls
}
