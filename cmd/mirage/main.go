package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mirage/internal/auth"
	"mirage/internal/browser"
	"mirage/internal/channel"
	"mirage/internal/config"
	"mirage/internal/creds"
	"mirage/internal/extract"
	"mirage/internal/server"
	"mirage/internal/session"
)

var (
	configPath string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mirage",
	Short: "mirage - session bridge for a remote generation web app",
	Long: `mirage drives a remote media-generation chat application through a shared
headless browser on behalf of many concurrent users, keeps one isolated
browsing context per identity, and re-exposes the reconstructed chat state
to UI clients over a WebSocket command protocol.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	upstream, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid upstream.base_url: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := browser.NewEngine(cfg.BrowserEngineConfig(), logger.Named("browser"))
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start browser engine: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = engine.Shutdown(shutdownCtx)
	}()

	store, err := creds.Open(cfg.Credentials.DatabasePath)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	defer store.Close()

	idleTTL, _ := cfg.IdleTTL()
	sweepInterval, _ := cfg.SweepInterval()
	registry := session.NewRegistry(session.Config{
		LandingURL:    cfg.LandingURL(),
		IdleTTL:       idleTTL,
		SweepInterval: sweepInterval,
	}, engine, store, logger.Named("session"))
	registry.StartSweeper(ctx)
	defer registry.InvalidateAll()

	if cfg.Credentials.BundlePath != "" {
		err := creds.WatchBundle(ctx, cfg.Credentials.BundlePath, 0,
			registry.InvalidateAll, logger.Named("creds"))
		if err != nil {
			return fmt.Errorf("watch credential bundle: %w", err)
		}
	}

	verifier := auth.NewVerifier(cfg.Auth.Secret)
	sampler := extract.NewSampler(cfg.Extraction.Selectors, logger.Named("extract"))
	ws := channel.NewHandler(verifier, registry, sampler, cfg.Extraction.Selectors, upstream, cfg.Server.AllowedOrigin, logger.Named("channel"))
	srv := server.New(verifier, registry, sampler, cfg.Extraction.Selectors, upstream, ws, logger.Named("server"))

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mirage.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
