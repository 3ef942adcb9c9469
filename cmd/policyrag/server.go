package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/policyrag/policyrag/internal/api"
	"github.com/policyrag/policyrag/internal/config"
	"github.com/policyrag/policyrag/internal/ingest"
	"github.com/policyrag/policyrag/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (and optionally the MCP stdio server)",
	Long: `Run the HTTP API on 127.0.0.1 and the background indexer worker.

With --mcp the MCP tools search_documents and ask_documents are also served
over stdin/stdout for agent clients. Use --no-http to serve MCP only.

Requests other than /health need the bearer token stored in the data
directory (secrets.json).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		noHTTP, _ := cmd.Flags().GetBool("no-http")
		if noHTTP && !withMCP {
			return errors.New("--no-http requires --mcp")
		}
		return runServer(withMCP, !noHTTP)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
	serveCmd.Flags().Bool("no-http", false, "do not start the HTTP API")
}

func runServer(withMCP, withHTTP bool) error {
	fmt.Fprintln(os.Stderr, versionString())

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	pipeline, err := newPipeline(cfg, store)
	if err != nil {
		return err
	}

	// Uploads are optional: a server can answer questions without a
	// working storage identity.
	var uploader api.DocumentUploader
	if up, err := newUploader(cfg, store); err != nil {
		slog.Warn("uploads disabled", "error", err)
	} else {
		uploader = up
	}

	apiToken, err := config.GetAPIToken(config.NewSecretStore(cfg.Data.Dir))
	if err != nil {
		return fmt.Errorf("getting API token: %w", err)
	}
	slog.Info("API bearer token available", "file", cfg.Data.Dir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start the indexer worker.
	if name := indexerName(cfg); name != "" {
		sc, err := newSearchClient(cfg)
		if err != nil {
			return err
		}
		wait := ingest.NewWorker(store, sc, 2*time.Second).Start(ctx)
		// Runs before the deferred store.Close.
		defer func() {
			stop()
			wait()
		}()
		slog.Info("indexer worker started", "indexer", name)
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Questions: pipeline,
			History:   store,
			Version:   version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		mcpDone := make(chan struct{})
		go func() {
			defer close(mcpDone)
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")

		if !withHTTP {
			select {
			case <-ctx.Done():
			case <-mcpDone:
			}
			return nil
		}
	}

	handler := api.NewHandler(api.AppDeps{
		Questions: pipeline,
		Uploader:  uploader,
		History:   store,
		Token:     apiToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "policyrag listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// drainIndexerJobs runs queued indexer jobs now instead of waiting for
// 'policyrag serve'. Jobs that fail stay queued with backoff.
func drainIndexerJobs(ctx context.Context, cfg config.Config, store *storage.Store) error {
	sc, err := newSearchClient(cfg)
	if err != nil {
		return err
	}
	if _, err := ingest.NewWorker(store, sc, 0).Drain(ctx); err != nil {
		return err
	}

	pending, err := store.CountJobs(ingest.JobTypeIndexerRun, "pending")
	if err != nil {
		return err
	}
	if pending > 0 {
		return fmt.Errorf("%d indexer run(s) still queued", pending)
	}
	printSuccess("Indexer %s started; new files are searchable once it finishes", cfg.Search.IndexerName)
	return nil
}
