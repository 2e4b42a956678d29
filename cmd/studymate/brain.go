package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"studymate/internal/brain"
	"studymate/internal/config"
	"studymate/internal/logging"
	"studymate/internal/residency"
	"studymate/internal/runtime"
)

var brainCmd = &cobra.Command{
	Use:   "brain",
	Short: "Run the Brain model-orchestration service",
	Long: `Runs the Brain: the localhost service that fronts the model runtime,
pins the core chat model in accelerator memory, and loads specialist models
(vision, embedding, audio) on demand. Normally spawned as a child process by
'studymate serve'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBrain()
	},
}

func runBrain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.Get(logging.CategoryBoot)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}

	res := residency.NewManager(rt, cfg.Models.Core)
	svc := brain.NewService(rt, res, cfg.Models, cfg.Processing.PDFRenderDPI)

	// Serve immediately so the supervisor can poll health; readiness flips
	// once the core model is resident.
	httpServer := &http.Server{
		Addr:              cfg.Brain.ListenAddr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Infow("brain listening", "addr", cfg.Brain.ListenAddr, "provider", cfg.Brain.Provider)
		serveErr <- httpServer.ListenAndServe()
	}()

	if err := svc.Start(ctx); err != nil {
		// Keep serving: health reports Unavailable and the supervisor
		// decides whether to keep waiting or give up.
		log.Errorw("core model not resident", "error", err)
	}

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Infow("brain shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Warnw("model release incomplete", "error", err)
	}
	return httpServer.Shutdown(shutdownCtx)
}

func buildRuntime(ctx context.Context, cfg *config.Config) (runtime.Runtime, error) {
	switch cfg.Brain.Provider {
	case "ollama":
		return runtime.NewOllamaRuntime(cfg.Brain.RuntimeEndpoint), nil
	case "genai":
		return runtime.NewGenAIRuntime(ctx, cfg.Brain.GenAIAPIKey)
	default:
		return nil, fmt.Errorf("unknown brain provider %q", cfg.Brain.Provider)
	}
}
