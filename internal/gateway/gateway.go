// Package gateway drives one logical exchange against a provider: it sends
// the conversation, streams the model's reply, executes requested tools,
// and loops until the model stops asking for them. The loop is an explicit
// state machine over an append-only message buffer, so the tool-iteration
// bound is enforced by a counter rather than recursion depth.
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/michaelbrown/relay/internal/llm"
	"github.com/michaelbrown/relay/internal/provider"
	"github.com/michaelbrown/relay/internal/tools"
)

// State names one phase of an exchange. Streams expose only the terminal
// states; the intermediate ones drive the loop.
type State string

const (
	StateRequesting  State = "requesting"
	StateStreaming   State = "streaming"
	StateToolPending State = "tool_pending"
	StateExecuting   State = "executing"
	StateComplete    State = "complete"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// RetryPolicy bounds transparent retries of transport failures. Retries
// happen only before the first chunk has been emitted to the caller; after
// partial content is out, a failure ends the exchange.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

const (
	defaultMaxToolIterations = 10
	defaultRetryAttempts     = 3
	defaultRetryBaseDelay    = 500 * time.Millisecond
)

// Gateway orchestrates exchanges for one configured provider. It holds no
// per-exchange state; a single Gateway serves concurrent exchanges.
type Gateway struct {
	adapter   provider.Adapter
	transport provider.Transport
	registry  *tools.Registry

	// MaxToolIterations caps model turns per exchange.
	MaxToolIterations int
	Retry             RetryPolicy
	// KeepExtraEvents passes unmapped provider events through in chunk Meta.
	KeepExtraEvents bool
}

// New builds a gateway around an adapter, a transport, and a tool registry.
// A nil transport gets the default HTTP transport; a nil registry means no
// dispatchable tools.
func New(adapter provider.Adapter, transport provider.Transport, registry *tools.Registry) *Gateway {
	if transport == nil {
		transport = provider.NewHTTPTransport()
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	return &Gateway{
		adapter:           adapter,
		transport:         transport,
		registry:          registry,
		MaxToolIterations: defaultMaxToolIterations,
		Retry: RetryPolicy{
			MaxAttempts: defaultRetryAttempts,
			BaseDelay:   defaultRetryBaseDelay,
		},
	}
}

// Params are the inputs of one exchange.
type Params struct {
	Model    string
	Messages []llm.Message
	Options  llm.Options
}

// Result is the buffered outcome of Complete.
type Result struct {
	// Text is the final assistant text of the exchange.
	Text     string
	Messages []llm.Message
	Usage    llm.Usage
}

// Run starts a streaming exchange and returns its chunk stream. The
// returned stream must be drained; cancelling ctx ends it early.
func (g *Gateway) Run(ctx context.Context, p Params) *Stream {
	s := newStream()
	go g.drive(ctx, p, s, true)
	return s
}

// Complete runs the same exchange loop against the provider's buffered
// endpoint and returns the final result once the loop settles.
func (g *Gateway) Complete(ctx context.Context, p Params) (*Result, error) {
	s := newStream()
	go g.drive(ctx, p, s, false)

	var text strings.Builder
	for s.Next() {
		text.WriteString(s.Chunk().ContentDelta)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return &Result{
		Text:     finalAssistantText(s.Messages()),
		Messages: s.Messages(),
		Usage:    s.Usage(),
	}, nil
}

func finalAssistantText(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleAssistant {
			return msgs[i].Text()
		}
	}
	return ""
}

// turnResult is what one model turn produced once its chunks settled.
type turnResult struct {
	content string
	finish  llm.FinishReason
	calls   []llm.ToolCall
	usage   *llm.Usage
}

// drive is the exchange state machine. It owns the stream channel: every
// return path closes it exactly once with the terminal state recorded.
func (g *Gateway) drive(ctx context.Context, p Params, s *Stream, streaming bool) {
	msgs := append([]llm.Message(nil), p.Messages...)

	finish := func(state State, err error) {
		s.state = state
		s.err = err
		s.messages = msgs
		close(s.ch)
	}

	if p.Model == "" {
		finish(StateFailed, llm.Configf("model is required"))
		return
	}
	if err := llm.ValidateConversation(msgs); err != nil {
		finish(StateFailed, err)
		return
	}

	defs := g.registry.Defs()
	emitted := false

	for iter := 0; ; iter++ {
		if iter >= g.MaxToolIterations {
			finish(StateFailed, &llm.MaxToolIterationsError{Limit: g.MaxToolIterations})
			return
		}

		turn, err := g.modelTurn(ctx, p, msgs, defs, s, &emitted, streaming)
		if err != nil {
			if cancelled(err) {
				finish(StateCancelled, llm.ErrCancelled)
			} else {
				finish(StateFailed, err)
			}
			return
		}
		if turn.usage != nil {
			s.usage.PromptTokens += turn.usage.PromptTokens
			s.usage.CompletionTokens += turn.usage.CompletionTokens
			s.usage.TotalTokens += turn.usage.TotalTokens
		}

		assistant := llm.Message{Role: llm.RoleAssistant, Content: turn.content, ToolCalls: turn.calls}
		msgs = append(msgs, assistant)

		dispatchable := 0
		for _, c := range turn.calls {
			if !g.registry.ProviderHandled(c.Name) {
				dispatchable++
			}
		}

		// A turn that did not stop for tools, or stopped only for
		// provider-handled ones, completes the exchange.
		if turn.finish != llm.FinishToolCalls || dispatchable == 0 {
			finish(StateComplete, nil)
			return
		}

		results, err := g.executeTools(ctx, turn.calls)
		if err != nil {
			finish(StateCancelled, llm.ErrCancelled)
			return
		}
		for i, res := range results {
			if res.ProviderHandled {
				continue
			}
			msgs = append(msgs, llm.ToolResultMessage(res, turn.calls[i].EchoName()))
		}
	}
}

// modelTurn performs one Requesting+Streaming phase: open the provider
// call, fold its chunks, and return the settled turn.
func (g *Gateway) modelTurn(ctx context.Context, p Params, msgs []llm.Message, defs []llm.ToolDef, s *Stream, emitted *bool, streaming bool) (*turnResult, error) {
	req, err := g.adapter.BuildRequest(p.Model, msgs, defs, p.Options, streaming)
	if err != nil {
		return nil, err
	}

	resp, err := g.send(ctx, req, *emitted)
	if err != nil {
		return nil, err
	}

	if streaming {
		return g.consumeStream(ctx, resp, defs, s, emitted)
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil, llm.ErrCancelled
		}
		return nil, &llm.TransportError{Err: err}
	}
	chunks, err := g.adapter.ParseResponse(resp.Status, body)
	if err != nil {
		return nil, err
	}
	return g.foldChunks(ctx, chunks, defs, s, emitted)
}

// send opens the provider call, retrying transport-level failures with
// exponential backoff while nothing has been emitted yet. Retryable
// upstream statuses count as transport failures here; any other non-OK
// status surfaces the provider's own error payload.
func (g *Gateway) send(ctx context.Context, req *provider.Request, emitted bool) (*provider.Response, error) {
	attempts := g.Retry.MaxAttempts
	if emitted || attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			wait := g.Retry.BaseDelay << (attempt - 1)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, llm.ErrCancelled
			}
		}

		resp, err := g.transport.Do(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, llm.ErrCancelled
			}
			if !llm.Retryable(err) {
				return nil, err
			}
			lastErr = err
			continue
		}

		if resp.Status != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			resp.Body.Close()
			_, perr := g.adapter.ParseResponse(resp.Status, body)
			if perr == nil {
				perr = &llm.ProtocolError{Provider: g.adapter.Name(), Status: resp.Status}
			}
			if provider.RetryableStatus(resp.Status) && !emitted {
				lastErr = &llm.TransportError{Err: perr}
				continue
			}
			return nil, perr
		}
		return resp, nil
	}
	return nil, lastErr
}

// consumeStream forwards chunks to the caller in arrival order while
// accumulating the assistant turn. Cancellation closes the upstream body
// and ends the exchange without invoking tools.
func (g *Gateway) consumeStream(ctx context.Context, resp *provider.Response, defs []llm.ToolDef, s *Stream, emitted *bool) (*turnResult, error) {
	defer resp.Body.Close()

	parser := g.adapter.NewStreamParser(resp.Body, provider.ParserOptions{KeepExtraEvents: g.KeepExtraEvents})
	agg := llm.NewToolCallAggregator()

	turn := &turnResult{}
	var content strings.Builder
	for parser.Next() {
		chunk := parser.Chunk()
		content.WriteString(chunk.ContentDelta)
		agg.AddChunk(chunk)
		if chunk.Terminal() && turn.finish == llm.FinishNone {
			turn.finish = chunk.FinishReason
		}
		if chunk.Usage != nil {
			turn.usage = chunk.Usage
		}

		select {
		case s.ch <- chunk:
			*emitted = true
		case <-ctx.Done():
			return nil, llm.ErrCancelled
		}
	}
	if err := parser.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, llm.ErrCancelled
		}
		return nil, err
	}

	turn.content = content.String()
	turn.calls = g.mapCalls(agg.Finalize(), defs)
	return turn, nil
}

// foldChunks is the buffered counterpart of consumeStream.
func (g *Gateway) foldChunks(ctx context.Context, chunks []llm.ResponseChunk, defs []llm.ToolDef, s *Stream, emitted *bool) (*turnResult, error) {
	agg := llm.NewToolCallAggregator()

	turn := &turnResult{}
	var content strings.Builder
	for _, chunk := range chunks {
		content.WriteString(chunk.ContentDelta)
		agg.AddChunk(chunk)
		if chunk.Terminal() && turn.finish == llm.FinishNone {
			turn.finish = chunk.FinishReason
		}
		if chunk.Usage != nil {
			turn.usage = chunk.Usage
		}

		select {
		case s.ch <- chunk:
			*emitted = true
		case <-ctx.Done():
			return nil, llm.ErrCancelled
		}
	}

	turn.content = content.String()
	turn.calls = g.mapCalls(agg.Finalize(), defs)
	return turn, nil
}

// mapCalls routes raw function names through the adapter's quirk hook:
// dispatch uses the mapped name, while the exact raw name is recorded for
// the echo back to the provider.
func (g *Gateway) mapCalls(calls []llm.ToolCall, defs []llm.ToolDef) []llm.ToolCall {
	for i, c := range calls {
		dispatch, echo := g.adapter.MapToolCallName(c.Name, defs)
		calls[i].Name = dispatch
		if echo != dispatch {
			if calls[i].Meta == nil {
				calls[i].Meta = make(map[string]string)
			}
			calls[i].Meta[llm.MetaEchoName] = echo
		}
	}
	return calls
}

// executeTools runs the turn's calls on a context detached from the
// exchange cancel: cancelling mid-execution lets in-flight handlers finish
// so side effects are never half-applied, but their results are discarded
// and no further turn starts.
func (g *Gateway) executeTools(ctx context.Context, calls []llm.ToolCall) ([]llm.ToolResult, error) {
	done := make(chan []llm.ToolResult, 1)
	go func() {
		done <- g.registry.ExecuteAll(context.WithoutCancel(ctx), calls)
	}()

	select {
	case results := <-done:
		if ctx.Err() != nil {
			return nil, llm.ErrCancelled
		}
		return results, nil
	case <-ctx.Done():
		return nil, llm.ErrCancelled
	}
}

func cancelled(err error) bool {
	return errors.Is(err, llm.ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
