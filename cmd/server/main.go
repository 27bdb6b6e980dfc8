package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"forge/internal/config"
	"forge/internal/llm"
	"forge/internal/logging"
	"forge/internal/realtime"
	"forge/internal/session"
	"forge/internal/watcher"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

const offlineResponse = "No model provider is configured, so this workspace runs offline.\n" +
	"<boltArtifact id=\"offline-notice\" title=\"Offline notice\">\n" +
	"<boltAction type=\"file\" filePath=\"OFFLINE.md\">\n" +
	"# Offline\n\nSet GEMINI_API_KEY and restart the server to generate code.\n" +
	"</boltAction>\n</boltArtifact>\n"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "forge",
		Short:        "Chat-driven code generation server",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "forge.toml", "path to the TOML config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return err
	}
	defer logger.Sync()

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	sessMgr := session.NewManager(session.Options{
		MaxSessions: cfg.Sessions.Max,
		Provider:    provider,
		MaxTokens:   cfg.LLM.MaxTokens,
		MaxSegments: cfg.LLM.MaxSegments,
		Logger:      logger,
	})

	// The watcher callback fires only after Watch, which the server calls.
	var rtServer *realtime.Server
	fileWatch := watcher.New(func(sessionID string, fileCount int) {
		rtServer.OnFileUpdate(sessionID, fileCount)
	}, logger)
	rtServer = realtime.New(sessMgr, fileWatch, cfg.Server.StaticDir, logger)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: rtServer.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening",
			zap.String("addr", httpServer.Addr),
			zap.String("provider", cfg.LLM.Provider),
			zap.String("model", cfg.LLM.Model))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		fileWatch.Shutdown()
		sessMgr.Shutdown()
		return err
	})

	return g.Wait()
}

func newProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (llm.Provider, error) {
	switch cfg.LLM.Provider {
	case config.ProviderOffline:
		return offlineProvider(), nil
	default:
		if cfg.LLM.APIKey == "" {
			logger.Warn("GEMINI_API_KEY not set, falling back to offline provider")
			return offlineProvider(), nil
		}
		gemini, err := llm.NewGemini(ctx, cfg.LLM.APIKey, cfg.LLM.Model, logger)
		if err != nil {
			return nil, err
		}
		return gemini, nil
	}
}

func offlineProvider() llm.Provider {
	return llm.NewScript(llm.ScriptedSegment{Chunks: []string{offlineResponse}}).Loop()
}
