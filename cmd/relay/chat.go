package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/relay/internal/config"
	"github.com/michaelbrown/relay/internal/gateway"
	"github.com/michaelbrown/relay/internal/llm"
	"github.com/michaelbrown/relay/internal/profile"
	"github.com/michaelbrown/relay/internal/tools"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Start an interactive conversation through the gateway.
The model can call registered tools; calls and results stream inline.

Examples:
  relay chat
  relay chat --provider anthropic
  relay chat --provider openai --model gpt-4o`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var prof *profile.Profile
	if profileFlag != "" {
		prof, err = profile.LoadNamed(cfg.ProfilesDir, profileFlag)
		if err != nil {
			return fmt.Errorf("loading profile: %w", err)
		}
	}

	providerName := providerFlag
	if providerName == "" && prof != nil {
		providerName = prof.Provider
	}

	adapter, pcfg, err := cfg.Adapter(providerName)
	if err != nil {
		return err
	}
	providerName, _, _ = cfg.Provider(providerName)

	model := modelFlag
	if model == "" && prof != nil {
		model = prof.Model
	}
	model = pcfg.Model(model)

	fmt.Printf("Relay - Interactive Chat\n")
	if prof != nil {
		fmt.Printf("Profile: %s\n", prof.Name)
	}
	fmt.Printf("Provider: %s | Model: %s\n", providerName, model)

	registry, closeTools := buildRegistry(cfg, func(format string, a ...any) {
		fmt.Printf("Warning: "+format+"\n", a...)
	})
	defer closeTools()
	if prof != nil {
		registry.Retain(prof.Tools)
	}

	g := gateway.New(adapter, nil, registry)
	if cfg.Gateway.MaxToolIterations > 0 {
		g.MaxToolIterations = cfg.Gateway.MaxToolIterations
	}
	if prof != nil && prof.MaxIter > 0 {
		g.MaxToolIterations = prof.MaxIter
	}
	if retry := cfg.GatewayRetry(); retry.MaxAttempts > 0 {
		g.Retry = retry
	}

	fmt.Printf("Type /help for commands, /quit to exit\n\n")

	var history []llm.Message
	if prof != nil && prof.SystemPrompt != "" {
		history = append(history, llm.SystemMessage(prof.SystemPrompt))
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36myou>\033[0m ",
		HistoryFile:     "/tmp/relay_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Per-request cancellation: Ctrl+C cancels the active exchange, not
	// the whole app.
	var reqCancel context.CancelFunc
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if reqCancel != nil {
				reqCancel()
			}
		}
	}()

	for {
		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			history = handleCommand(input, history)
			continue
		}

		reqCtx, cancel := context.WithCancel(context.Background())
		reqCancel = cancel

		fmt.Printf("\n\033[32mrelay>\033[0m ")
		messages := append(history, llm.UserMessage(input))
		st := g.Run(reqCtx, gateway.Params{Model: model, Messages: messages})
		runTurn(st)
		cancel()
		reqCancel = nil

		if err := st.Err(); err != nil {
			if llm.Classify(err) == llm.ClassCancelled {
				fmt.Println("\n(interrupted)")
				continue
			}
			fmt.Printf("\n\033[31merror: %s\033[0m\n\n", err)
			continue
		}

		history = st.Messages()
		fmt.Printf("\n\n")
	}
}

// runTurn drains one exchange, printing text deltas as they arrive and a
// marker for each tool call the model issues.
func runTurn(st *gateway.Stream) {
	for st.Next() {
		chunk := st.Chunk()
		fmt.Print(chunk.ContentDelta)
		for _, tc := range chunk.ToolCallDeltas {
			if tc.Name != "" {
				fmt.Printf("\n  \033[33m⚡ Tool: %s\033[0m\n", tc.Name)
			}
		}
	}
}

// buildRegistry assembles the tool registry: the builtin shell tool plus
// every enabled MCP server from config. The returned func shuts the MCP
// subprocesses down.
func buildRegistry(cfg *config.Config, warn func(string, ...any)) (*tools.Registry, func()) {
	registry := tools.NewRegistry()
	registry.Register(tools.ShellExec())
	registry.Register(tools.GoogleSearch())

	var conns []*tools.MCPConnection
	for name, toolCfg := range cfg.Tools {
		conn, err := registry.RegisterMCP(name, toolCfg)
		if err != nil {
			warn("failed to start tool server %s: %v", name, err)
			continue
		}
		if conn != nil {
			conns = append(conns, conn)
		}
	}

	return registry, func() {
		for _, conn := range conns {
			conn.Close()
		}
	}
}

func handleCommand(input string, history []llm.Message) []llm.Message {
	switch strings.ToLower(strings.Fields(input)[0]) {
	case "/quit", "/exit", "/q":
		fmt.Println("Goodbye!")
		os.Exit(0)
	case "/reset":
		var kept []llm.Message
		if len(history) > 0 && history[0].Role == llm.RoleSystem {
			kept = history[:1]
		}
		fmt.Println("Conversation reset.")
		fmt.Println()
		return kept
	case "/history":
		data, err := json.MarshalIndent(history, "", "  ")
		if err != nil {
			fmt.Printf("error: %v\n", err)
		} else {
			fmt.Println(string(data))
		}
		fmt.Println()
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /help     - Show this help")
		fmt.Println("  /reset    - Clear conversation history")
		fmt.Println("  /history  - Show raw conversation history (JSON)")
		fmt.Println("  /quit     - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}
	return history
}
