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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"soulkyn.app/character-chat/internal/api"
	"soulkyn.app/character-chat/internal/config"
	"soulkyn.app/character-chat/internal/core"
	"soulkyn.app/character-chat/internal/logging"
	"soulkyn.app/character-chat/internal/metrics"
	"soulkyn.app/character-chat/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "character-chat",
		Short:         "Multi-character roleplay chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "import <characters.yaml>",
		Short: "Import characters from a YAML file and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return importCharacters(cmd.Context(), args[0])
		},
	})
	return root
}

// runtime holds what both commands need: logger, metrics and the loaded
// state store on top of the two storage tiers.
type runtime struct {
	logger  *zap.Logger
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	persist *store.PersistenceStore
	state   *core.StateStore
}

func setup(ctx context.Context, requireKey bool) (*runtime, error) {
	if err := config.LoadConfig(); err != nil && (requireKey || !errors.Is(err, config.ErrMissingAPIKey)) {
		return nil, err
	}
	cfg := config.AppConfig

	logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	mirror, err := store.NewBadgerTier(store.BadgerOptions{Dir: cfg.MirrorDir, InMemory: cfg.MirrorDir == "", Logger: logger})
	if err != nil {
		logger.Warn("Mirror tier unavailable, running on the primary tier only", zap.Error(err))
	}
	var secondary store.Tier
	if mirror != nil {
		secondary = mirror
	}
	persist := store.NewPersistenceStore(
		store.NewSQLiteTier(store.SQLiteOpener(cfg.DatabaseURL)),
		secondary,
		store.WithMirrorLimit(cfg.MirrorMaxBytes),
		store.WithLogger(logger),
		store.WithFailureCounter(m),
	)

	state := core.NewStateStore(persist, logger)
	if err := state.Load(ctx); err != nil {
		state.Close()
		persist.Close()
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return &runtime{logger: logger, reg: reg, metrics: m, persist: persist, state: state}, nil
}

func (rt *runtime) close() {
	rt.state.Close()
	if err := rt.persist.Close(); err != nil {
		rt.logger.Warn("Failed to close storage", zap.Error(err))
	}
	rt.logger.Sync()
}

func importCharacters(ctx context.Context, path string) error {
	rt, err := setup(ctx, false)
	if err != nil {
		return err
	}
	defer rt.close()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	chars, err := core.LoadCharactersYAML(f)
	if err != nil {
		return err
	}
	svc := core.NewChatService(core.ChatServiceConfig{State: rt.state, Logger: rt.logger})
	n, err := svc.ImportCharacters(chars)
	if err != nil {
		return err
	}
	if err := svc.Close(ctx); err != nil {
		return err
	}
	rt.logger.Info("Characters imported", zap.Int("count", n), zap.String("file", path))
	return nil
}

func serve(ctx context.Context) error {
	rt, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer rt.close()
	cfg := config.AppConfig
	logger := rt.logger

	llmService, err := core.NewLLMService(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize LLM service: %w", err)
	}
	defer llmService.Close()

	mediaService, err := core.NewMediaService(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize media service: %w", err)
	}

	evolution := core.NewEvolutionUpdater(rt.state, llmService, rt.metrics, logger)
	turns := core.NewTurnScheduler(core.TurnSchedulerConfig{
		State:     rt.state,
		Generator: llmService,
		Images:    mediaService,
		Evolution: evolution,
		Metrics:   rt.metrics,
		Logger:    logger,
		UserName:  cfg.UserDisplayName,
	})
	media := core.NewMediaJob(core.MediaJobConfig{
		State:        rt.state,
		Summarizer:   llmService,
		Images:       mediaService,
		Videos:       mediaService,
		Credentials:  mediaService,
		Metrics:      rt.metrics,
		Logger:       logger,
		PollInterval: cfg.VideoPollInterval,
		MaxWait:      cfg.VideoMaxWait,
	})
	chatService := core.NewChatService(core.ChatServiceConfig{
		State:        rt.state,
		Turns:        turns,
		Media:        media,
		Evolution:    evolution,
		Images:       mediaService,
		Speech:       mediaService,
		Logger:       logger,
		UserName:     cfg.UserDisplayName,
		DefaultVoice: cfg.DefaultVoice,
	})

	apiHandler := api.NewAPIHandler(chatService, logger)
	router := api.NewRouter(apiHandler, api.NewEventHub(rt.state, logger), rt.reg)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: a turn with several participants or a video job
		// can legitimately run for minutes.
		IdleTimeout: 120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server. Press Ctrl+C to quit.", zap.String("addr", serverAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("could not listen on %s: %w", serverAddr, err)
	}
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := chatService.Close(shutdownCtx); err != nil {
		logger.Warn("Pending writes not flushed", zap.Error(err))
	}
	logger.Info("Server exiting gracefully")
	return nil
}
