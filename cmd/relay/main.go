package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	// Register every provider kind.
	_ "github.com/michaelbrown/relay/internal/provider/anthropic"
	_ "github.com/michaelbrown/relay/internal/provider/compat"
	_ "github.com/michaelbrown/relay/internal/provider/gemini"
	_ "github.com/michaelbrown/relay/internal/provider/mistral"
	_ "github.com/michaelbrown/relay/internal/provider/openai"
)

var (
	providerFlag string
	modelFlag    string
	profileFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay - streaming gateway to LLM providers",
	Long: `Relay speaks one canonical chat protocol and translates it to OpenAI,
Anthropic, Gemini, Mistral, or any OpenAI-compatible server, with streaming
tool calling handled uniformly across all of them.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&providerFlag, "provider", "", "Provider entry from config (openai, anthropic, gemini, mistral, ...)")
	rootCmd.PersistentFlags().StringVar(&modelFlag, "model", "", "Model or config alias (overrides the provider default)")
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "Agent profile to use (e.g. default, coder)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
