// Package provider defines the adapter contract every upstream LLM backend
// implements. Adapters are pure translation: they build provider-shaped
// requests from canonical messages and parse provider responses back into
// canonical chunks. No adapter performs network I/O; the transport is
// injected by the gateway, which keeps translation bugs separate from
// transport bugs.
package provider

import (
	"fmt"
	"io"
	"net/http"

	"github.com/michaelbrown/relay/internal/llm"
)

// Request is the provider-shaped HTTP request an adapter builds. It is
// constructed fresh per call and immutable once handed to the transport.
type Request struct {
	URL    string
	Header http.Header
	Body   []byte
	Stream bool
}

// ParserOptions tunes streaming parsers.
type ParserOptions struct {
	// KeepExtraEvents preserves provider event types that have no canonical
	// mapping (telemetry, related questions) in chunk Meta instead of
	// dropping them.
	KeepExtraEvents bool
}

// ChunkStream is a lazy, finite, non-restartable sequence of canonical
// chunks. The sequence ends when a terminal chunk has been produced or the
// underlying stream closes; in the latter case Err reports an
// IncompleteStreamError after a final synthetic finish_reason=error chunk.
type ChunkStream interface {
	Next() bool
	Chunk() llm.ResponseChunk
	Err() error
}

// Adapter translates between the canonical model and one provider's wire
// format. All methods are pure and synchronous.
type Adapter interface {
	// Name is the stable provider identifier used in config and errors.
	Name() string

	// BuildRequest merges model, conversation, tool declarations, and
	// generation options into a provider request. Options outside the
	// provider's documented bounds fail with a ConfigError; maxTokens is
	// clamped to the provider ceiling rather than rejected.
	BuildRequest(model string, messages []llm.Message, tools []llm.ToolDef, opts llm.Options, stream bool) (*Request, error)

	// NewStreamParser wraps a raw response body in this provider's
	// incremental streaming decoder.
	NewStreamParser(r io.Reader, opts ParserOptions) ChunkStream

	// ParseResponse decodes a buffered (non-streaming) response body into
	// canonical chunks, the last of which is terminal. Error payloads
	// become a ProtocolError preserving the provider's status and code.
	ParseResponse(status int, body []byte) ([]llm.ResponseChunk, error)

	// MapToolCallName absorbs naming quirks: it maps the raw function name
	// the provider produced to the internal dispatch name, and returns the
	// exact raw name to echo when the tool result goes back to this
	// provider. For well-behaved providers both equal raw.
	MapToolCallName(raw string, declared []llm.ToolDef) (dispatch, echo string)

	// FormatToolResult serializes a tool result as the provider's tool
	// message, using the echoed name when one was recorded.
	FormatToolResult(res llm.ToolResult, echoName string) (llm.Message, error)
}

// Factory builds an adapter from provider settings.
type Factory func(Settings) (Adapter, error)

// Settings carries per-provider connection configuration.
type Settings struct {
	BaseURL string
	APIKey  string
	// MaxTokensCeiling overrides the adapter's default output token limit,
	// for self-hosted deployments with non-standard limits.
	MaxTokensCeiling int
}

var factories = map[string]Factory{}

// RegisterKind installs an adapter factory under a provider kind name.
// Called from adapter package init functions.
func RegisterKind(kind string, f Factory) {
	if _, dup := factories[kind]; dup {
		panic("provider kind registered twice: " + kind)
	}
	factories[kind] = f
}

// New builds an adapter for a configured provider kind.
func New(kind string, settings Settings) (Adapter, error) {
	f, ok := factories[kind]
	if !ok {
		return nil, llm.Configf("unknown provider kind %q", kind)
	}
	return f(settings)
}

// Kinds lists the registered provider kinds.
func Kinds() []string {
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	return out
}

// CloneHeader copies a header map so a built Request never aliases adapter
// state.
func CloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// ErrNoChoices reports a well-formed response with an empty choice list.
var ErrNoChoices = fmt.Errorf("no choices returned")
