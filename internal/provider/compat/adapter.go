// Package compat adapts self-hosted OpenAI-compatible servers (Ollama,
// vLLM, llama.cpp and friends). It reuses the openai wire codec but drops
// the vendor's option bounds, since compatible servers accept wider ranges
// and frequently run without authentication.
package compat

import (
	"github.com/michaelbrown/relay/internal/llm"
	"github.com/michaelbrown/relay/internal/provider"
	"github.com/michaelbrown/relay/internal/provider/openai"
)

func init() {
	provider.RegisterKind("compat", func(s provider.Settings) (provider.Adapter, error) {
		return New(s)
	})
}

// New builds a compat adapter. BaseURL is required; there is no sensible
// default for a self-hosted endpoint.
func New(s provider.Settings) (provider.Adapter, error) {
	if s.BaseURL == "" {
		return nil, llm.Configf("compat: base_url is required")
	}
	return openai.NewCompatible("compat", s)
}
