package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/michaelbrown/relay/internal/llm"
)

type callerKey struct{}

// WithCaller attaches the caller identity handlers may consult.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the caller identity, if any.
func CallerFrom(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey{}).(string)
	return caller
}

// Execute runs one tool call and always produces exactly one result.
// Failures never escape as errors here; they are classified and folded
// into the result so the conversation can continue.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	res := llm.ToolResult{ToolCallID: call.ID, Name: call.Name}

	e := r.lookup(call.Name)
	if e == nil {
		res.Err = &llm.ToolError{Code: llm.ToolNotFound, Tool: call.Name, Err: fmt.Errorf("unknown tool")}
		return res
	}

	// Provider-handled capabilities were already resolved server-side;
	// return the sentinel without touching a handler.
	if e.def.ProviderHandled {
		res.ProviderHandled = true
		return res
	}

	// Malformed arguments detected by the aggregator short-circuit before
	// the handler, as does schema validation.
	if call.ParseErr != nil {
		res.Err = &llm.ToolError{Code: llm.ToolValidationFailed, Tool: call.Name, Err: call.ParseErr}
		return res
	}
	if err := validateArgs(call.Args, e.def.Schema); err != nil {
		res.Err = &llm.ToolError{Code: llm.ToolValidationFailed, Tool: call.Name, Err: err}
		return res
	}

	timeout := e.def.Timeout
	if timeout <= 0 {
		r.mu.RLock()
		timeout = r.defaultTimeout
		r.mu.RUnlock()
	}

	// Respect the per-tool concurrency ceiling before starting the clock.
	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-ctx.Done():
			res.Err = &llm.ToolError{Code: llm.ToolTimeout, Tool: call.Name, Err: ctx.Err()}
			return res
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	content, err := runHandler(callCtx, e.def.Handler, call.Args)
	res.Duration = time.Since(start)

	switch {
	case callCtx.Err() == context.DeadlineExceeded:
		res.Err = &llm.ToolError{Code: llm.ToolTimeout, Tool: call.Name, Err: callCtx.Err()}
	case err != nil:
		res.Err = &llm.ToolError{Code: llm.ToolHandlerError, Tool: call.Name, Err: err}
	default:
		res.Content = content
	}
	return res
}

// runHandler invokes the handler in its own goroutine so a handler that
// ignores its context cannot outlive the call's deadline, and converts
// panics into errors instead of taking down sibling calls.
func runHandler(ctx context.Context, h Handler, args map[string]any) (content string, err error) {
	type outcome struct {
		content string
		err     error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- outcome{err: fmt.Errorf("handler panic: %v", rec)}
			}
		}()
		c, e := h(ctx, args)
		ch <- outcome{content: c, err: e}
	}()

	select {
	case out := <-ch:
		return out.content, out.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ExecuteAll runs independent calls concurrently. Results come back in
// input order regardless of completion order; a failing call never aborts
// its siblings.
func (r *Registry) ExecuteAll(ctx context.Context, calls []llm.ToolCall) []llm.ToolResult {
	results := make([]llm.ToolResult, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()
			results[i] = r.Execute(ctx, call)
		}(i, call)
	}
	wg.Wait()

	return results
}

func (r *Registry) lookup(name string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}
