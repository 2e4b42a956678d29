package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"studymate/internal/brainclient"
	"studymate/internal/chat"
	"studymate/internal/logging"
	"studymate/internal/processing"
	"studymate/internal/queue"
	"studymate/internal/search"
	"studymate/internal/server"
	"studymate/internal/store"
	"studymate/internal/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server (spawns and supervises the Brain)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.Get(logging.CategoryBoot)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.Path, cfg.Models.EmbedDim)
	if err != nil {
		return err
	}
	defer st.Close()

	// A Brain that fails to start is non-fatal: non-AI routes keep working
	// and AI routes report unavailable.
	sup := supervisor.New(cfg.Brain)
	if err := sup.Start(ctx); err != nil {
		log.Errorw("brain did not start; AI routes unavailable", "error", err)
	}
	defer sup.Stop(context.Background())

	brain := brainclient.New(cfg.Brain.Endpoint, brainclient.Timeouts{
		Generate: cfg.Chat.GenerateTimeout.Std(),
		Embed:    cfg.Chat.EmbedTimeout.Std(),
		OCR:      cfg.Chat.OCRTimeout.Std(),
	})

	processor := processing.New(st, brain, cfg.Models.EmbedDim, cfg.Processing.Timeout.Std())
	q := queue.New(processor, cfg.Processing.QueueDepth, cfg.Processing.Concurrency, cfg.Processing.EnqueueWait.Std())
	q.Start()

	if pending, err := st.PendingMaterialIDs(); err != nil {
		log.Warnw("could not load pending backlog", "error", err)
	} else {
		q.Replay(pending)
	}

	searcher := search.New(st)
	pipeline := chat.New(st, brain, searcher, cfg.Chat)
	api := server.New(cfg, st, pipeline, searcher, brain, q, sup, nil)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Infow("api server listening", "addr", cfg.Server.ListenAddr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Infow("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http shutdown incomplete", "error", err)
	}
	if err := q.Shutdown(shutdownCtx); err != nil {
		log.Warnw("queue shutdown incomplete", "error", err)
	}
	return nil
}
