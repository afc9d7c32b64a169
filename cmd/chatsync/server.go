package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/chatsync/internal/api"
	"github.com/kalambet/chatsync/internal/assistant"
	"github.com/kalambet/chatsync/internal/config"
	"github.com/kalambet/chatsync/internal/metrics"
	"github.com/kalambet/chatsync/internal/proxy"
	"github.com/kalambet/chatsync/internal/relay"
	"github.com/kalambet/chatsync/internal/storage"
	"github.com/kalambet/chatsync/internal/suggest"
	"github.com/kalambet/chatsync/internal/tokenizer"
	"github.com/kalambet/chatsync/internal/window"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server and reply worker (foreground)",
	Long: `Run the HTTP API together with the worker that produces assistant replies.

With --mcp the process instead serves the MCP tools over stdio on behalf of
--user. Replies to messages posted that way are produced by a running
"chatsync serve".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpMode, _ := cmd.Flags().GetBool("mcp")
		if mcpMode {
			user, _ := cmd.Flags().GetString("user")
			return runMCP(cmd.Context(), user)
		}
		return runServer(cmd.Context())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running chatsync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chatsync server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "serve MCP tools over stdio instead of HTTP")
	serveCmd.Flags().String("user", "", "user id the MCP tools act for (with --mcp)")

	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "chatsync.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func runServer(ctx context.Context) error {
	fmt.Fprintf(os.Stderr, "chatsync version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	// Refuse to start twice against the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	tok, err := tokenizer.New(cfg.Tokenizer.Encoding)
	if err != nil {
		return fmt.Errorf("loading tokenizer: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	m := metrics.New()
	provider := proxy.NewClientWithBaseURL(cfg.Proxy.APIKey, cfg.Proxy.BaseURL)
	streams := relay.New(provider, m)
	builder := window.New(tok)
	temperature := float32(cfg.Chat.Temperature)

	worker := assistant.NewWorker(store, streams, builder, m, assistant.Config{
		Model:        cfg.Proxy.DefaultModel,
		TokenLimit:   cfg.Proxy.TokenLimit,
		SystemPrompt: cfg.Chat.SystemPrompt,
		Temperature:  &temperature,
		PollInterval: cfg.Worker.PollInterval,
	})
	go worker.Run(ctx)

	handler := api.NewHandler(api.Deps{
		Store:   store,
		Relay:   streams,
		Builder: builder,
		Suggester: suggest.New(suggest.Config{
			APIKey:  cfg.Proxy.APIKey,
			BaseURL: cfg.Proxy.BaseURL,
			Model:   cfg.Suggest.Model,
		}),
		Models:  provider,
		Metrics: m,
		Config: api.Config{
			DefaultModel:  cfg.Proxy.DefaultModel,
			SystemPrompt:  cfg.Chat.SystemPrompt,
			Temperature:   temperature,
			StallTimeout:  cfg.Worker.StallTimeout,
			SessionSecret: []byte(cfg.Server.SessionSecret),
		},
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("chatsync listening", "addr", addr, "model", cfg.Proxy.DefaultModel)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMCP(ctx context.Context, user string) error {
	if strings.TrimSpace(user) == "" {
		return errors.New("--user is required with --mcp")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:        store,
		UserID:       user,
		DefaultModel: cfg.Proxy.DefaultModel,
	})
	slog.Info("MCP server started (stdio transport)", "user", user)

	stdioSrv := server.NewStdioServer(mcpSrv)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("chatsync is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop chatsync (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to chatsync (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	httpClient := &http.Client{Timeout: 2 * time.Second}
	running := false
	resp, err := httpClient.Get(strings.TrimRight(cfg.Client.BaseURL, "/") + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running at %s", cfg.Client.BaseURL)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Provider", "%s", cfg.Proxy.BaseURL)
	printStatus("Model", "%s (%d tokens)", cfg.Proxy.DefaultModel, cfg.Proxy.TokenLimit)
	printStatus("Suggestions model", "%s", cfg.Suggest.Model)

	if running {
		if cl, _, err := newAPIClient(); err == nil {
			if convs, err := cl.ListConversations(ctx); err == nil {
				printStatus("Conversations", "%d", len(convs))
			}
		} else {
			printStatus("Session", "%v", err)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
