package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/easyott/eos/internal/config"
	"github.com/easyott/eos/internal/dispatch"
	"github.com/easyott/eos/internal/server"
	"github.com/easyott/eos/internal/session"
	"github.com/easyott/eos/internal/speech"
	"github.com/easyott/eos/internal/startup"
	"github.com/easyott/eos/internal/translate"
	"github.com/easyott/eos/internal/util"
	"github.com/easyott/eos/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the eos proxy server",
	Long: `Start the eos HTTP server.

The server provides:
- The streaming front-end under /eos/v1/ (rewritten manifests, subtitle
  playlists and fragments)
- REST API for session management under /api/v1/
- Health check endpoint
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8010, "Port to listen on")
	serveCmd.Flags().Int("workers", 0, "Dispatch pool size (0 = config value)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// CLI flags win over config/env, but only when explicitly set.
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("workers") {
		if n, _ := cmd.Flags().GetInt("workers"); n > 0 {
			cfg.App.Workers = n
		}
	}

	logger := slog.Default()

	if err := os.MkdirAll(cfg.App.TmpPath, 0o755); err != nil {
		return fmt.Errorf("creating tmp path: %w", err)
	}

	// Clean up audio intermediates left behind by a previous run.
	if removed, err := startup.CleanupOrphanedAudioFiles(logger, cfg.App.TmpPath, startup.DefaultCleanupAge); err != nil {
		logger.Warn("failed to clean orphaned audio files",
			slog.String("error", err.Error()))
	} else if removed > 0 {
		logger.Info("cleaned orphaned audio files on startup",
			slog.Int("removed_count", removed))
	}

	// Resolve ffmpeg up front so a misconfiguration surfaces at startup
	// rather than on the first transcribe session.
	if path, err := util.ResolveFFmpeg(cfg.App.FFmpegPath); err != nil {
		logger.Warn("ffmpeg not found, transcribe audio decoding will fail",
			slog.String("error", err.Error()))
	} else {
		cfg.App.FFmpegPath = path
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The translator is best-effort: without credentials translate
	// sessions still run and keep the source text.
	var translator translate.Translator
	if g, err := translate.NewGemini(ctx, translate.GeminiConfig{
		ProjectID:          cfg.Google.ProjectID,
		ServiceAccountFile: cfg.Google.ServiceAccountFile,
		Model:              cfg.Google.TranslateModel,
		Logger:             logger,
	}); err != nil {
		logger.Warn("translator unavailable, translate sessions will keep source text",
			slog.String("error", err.Error()))
	} else {
		translator = g
	}

	recognizer, err := speech.NewRecognizer(cfg.Transcribe.Provider, cfg.Transcribe.ProviderCommand, logger)
	if err != nil {
		return fmt.Errorf("creating speech recognizer: %w", err)
	}
	if recognizer == nil {
		logger.Info("no speech provider configured, transcribe mode disabled")
	}

	pool := dispatch.NewPool(cfg.App.Workers, logger)
	defer pool.Close()

	manager, err := session.NewManager(session.Deps{
		Config:     cfg,
		Translator: translator,
		Recognizer: recognizer,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}
	defer manager.Close()

	srv := server.New(cfg.Server, manager, pool, logger, version.Version)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting eos server",
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
		slog.Int("workers", cfg.App.Workers),
		slog.String("version", version.Version),
	)

	return srv.ListenAndServe(ctx)
}
