package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/relay/internal/config"
	"github.com/michaelbrown/relay/internal/server"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay HTTP gateway",
	Long: `Start the HTTP server exposing the gateway: a streaming chat endpoint
(SSE and WebSocket) plus provider and session introspection under /api.

Examples:
  relay serve
  relay serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	registry, closeTools := buildRegistry(cfg, func(format string, a ...any) {
		log.Printf("Warning: "+format, a...)
	})
	defer closeTools()

	if registry.HasTools() {
		log.Println("tools: registry loaded")
	}

	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(cfg, registry)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		srv.Shutdown(context.Background())
	}()

	return srv.Start(port)
}
