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
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/zettel/internal/api"
	"github.com/kalambet/zettel/internal/clarify"
	"github.com/kalambet/zettel/internal/config"
	"github.com/kalambet/zettel/internal/llm"
	"github.com/kalambet/zettel/internal/logging"
	"github.com/kalambet/zettel/internal/pipeline"
	"github.com/kalambet/zettel/internal/publish"
	"github.com/kalambet/zettel/internal/queue"
	"github.com/kalambet/zettel/internal/session"
	"github.com/kalambet/zettel/internal/storage"
	"github.com/kalambet/zettel/internal/structure"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the zettel server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
}

const shutdownTimeout = 10 * time.Second

func runServer(withMCP bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Setup(os.Stderr, cfg.Log.Level)
	slog.Info("starting zettel", "version", version, "provider", cfg.LLM.Provider, "vault", cfg.Vault.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()
	if _, err := session.RecoverStale(store); err != nil {
		return err
	}

	client, err := llm.New(llm.Config{
		Provider:  cfg.LLM.Provider,
		BaseURL:   cfg.LLM.BaseURL,
		APIKey:    cfg.LLM.APIKey,
		MaxTokens: cfg.LLM.MaxTokens,
	})
	if err != nil {
		return err
	}
	if ol, ok := client.(*llm.OllamaClient); ok {
		checkOllama(ctx, ol, cfg.LLM.Model, cfg.LLM.ClarifyModel)
	}

	var judge clarify.Judger
	if cfg.Clarify.Enabled {
		judge = clarify.NewModelJudge(client, cfg.LLM.ClarifyModel)
	}
	policy, err := queue.ParsePolicy(cfg.Clarify.PendingPolicy)
	if err != nil {
		return err
	}

	vaultStore, err := openVault(cfg.Vault)
	if err != nil {
		return err
	}

	sessions := session.NewManager(session.Options{
		Store:     store,
		Judge:     judge,
		Pipeline:  pipeline.New(structure.New(client, cfg.LLM.Model, cfg.LLM.MaxTokens)),
		Publisher: publish.New(vaultStore),
		Policy:    policy,
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
		Handler:           api.NewHandler(api.Deps{Sessions: sessions, Token: cfg.Server.APIToken}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Sessions: sessions,
			User:     cfg.Session.DefaultUser,
			Version:  version,
		})
		g.Go(func() error {
			slog.Info("MCP server started (stdio transport)", "user", cfg.Session.DefaultUser)
			err := server.NewStdioServer(mcpSrv).Listen(gctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("MCP stdio server: %w", err)
			}
			// stdin closed: the MCP client has gone away.
			stop()
			return nil
		})
	}

	return g.Wait()
}

func openVault(cfg config.VaultConfig) (publish.Store, error) {
	switch cfg.Backend {
	case config.VaultDir:
		return publish.NewDirStore(cfg.Dir)
	default:
		return publish.NewGitHubStore(cfg.GitHubToken, cfg.GitHubRepo, cfg.GitHubBranch, cfg.GitHubBaseURL)
	}
}

// checkOllama warns when the local engine or a configured model is missing.
// The server still starts; requests fail until the model is pulled.
func checkOllama(ctx context.Context, c *llm.OllamaClient, models ...string) {
	if !c.IsRunning(ctx) {
		slog.Warn("ollama is not reachable")
		return
	}
	for _, m := range models {
		ok, err := c.HasModel(ctx, m)
		if err != nil {
			slog.Warn("checking ollama model", "model", m, "error", err)
			continue
		}
		if !ok {
			slog.Warn("ollama model not pulled", "model", m, "hint", "ollama pull "+m)
		}
	}
}
