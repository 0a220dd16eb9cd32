package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tasksync/internal/config"
	"github.com/steveyegge/tasksync/internal/docserver"
	"github.com/steveyegge/tasksync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Share the configured store over WebSocket",
	Long: `Start a document server in front of the configured store.

Clients configured with store.backend=remote and store.remote.url pointing
at this server share its documents and receive live updates.

Endpoints:
  ws://localhost:8080/ws            document protocol
  http://localhost:8080/health      health check
  http://localhost:8080/documents/{user}   read-only document view

Example usage:
  tasks serve                   # Start on server.port (default 8080)
  tasks serve --port 9000       # Start on custom port`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Store.Backend == config.BackendRemote {
			return fmt.Errorf("cannot serve a remote store (set store.backend to sqlite, mongo or memory)")
		}

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}

		store, err := config.OpenStore(cmd.Context(), cfg.Store, logging)
		if err != nil {
			return fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
		}
		defer store.Close()

		server := docserver.NewServer(store, &docserver.Config{
			Port:   port,
			Logger: logging.Logger("docserver"),
		})
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}

		addr := server.GetAddr()
		fmt.Printf("%s Serving %s store on http://%s\n", ui.RenderPass("✓"), cfg.Store.Backend, addr)
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", addr)
		fmt.Printf("Health check: http://%s/health\n", addr)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down server...")
		if err := server.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}
		fmt.Println("Server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on (default server.port)")

	rootCmd.AddCommand(serveCmd)
}
