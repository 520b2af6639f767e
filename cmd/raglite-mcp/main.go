// Command raglite-mcp exposes the engine as an MCP server. By default
// it speaks the stdio transport for desktop clients; -http switches to
// the streamable HTTP transport.
//
// The embedded backends need CGO and the FTS5 build tag:
//
//	CGO_ENABLED=1 go build -tags sqlite_fts5 ./cmd/raglite-mcp
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/raglite/raglite"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML)")
	httpAddr := flag.String("http", "", "Serve MCP over streamable HTTP on this address instead of stdio")
	flag.Parse()

	// Stdout carries the stdio transport, so logs go to stderr.
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(log)

	// Local development convenience; missing .env is fine.
	_ = godotenv.Load()

	cfg := raglite.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = raglite.LoadConfig(*configPath)
		if err != nil {
			log.Error("loading config", "error", err)
			os.Exit(1)
		}
	}
	applyEnv(&cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := raglite.New(ctx, cfg, log)
	if err != nil {
		log.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	server := newServer(engine, log)

	if *httpAddr != "" {
		runHTTP(ctx, server, *httpAddr, log)
		return
	}

	log.Info("mcp server starting", "transport", "stdio")
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		log.Error("mcp server stopped", "error", err)
		os.Exit(1)
	}
	log.Info("mcp server stopped")
}

func runHTTP(ctx context.Context, server *mcp.Server, addr string, log *slog.Logger) {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)

	srv := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.Info("mcp server starting", "transport", "http", "addr", addr, "path", "/mcp")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	log.Info("mcp server stopped")
}

// applyEnv overrides config from RAGLITE_* environment variables.
// Credentials are only ever read here, never logged.
func applyEnv(cfg *raglite.Config) {
	if v := os.Getenv("RAGLITE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("RAGLITE_QDRANT_HOST"); v != "" {
		cfg.Qdrant.Host = v
	}
	if v := os.Getenv("RAGLITE_QDRANT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Qdrant.Port = p
		}
	}
	if v := os.Getenv("RAGLITE_QDRANT_API_KEY"); v != "" {
		cfg.Qdrant.APIKey = v
	}
	if v := os.Getenv("RAGLITE_QDRANT_COLLECTION"); v != "" {
		cfg.Qdrant.Collection = v
	}
	if v := os.Getenv("RAGLITE_POSTGRES_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("RAGLITE_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("RAGLITE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("RAGLITE_EMBEDDING_MODEL"); v != "" {
		cfg.EmbeddingModel = v
	}
	if v := os.Getenv("RAGLITE_METADATA_MODEL"); v != "" {
		cfg.MetadataModel = v
	}

	// Fallback to the well-known provider variable.
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}
