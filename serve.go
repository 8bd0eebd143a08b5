package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"mediatask/api"
	"mediatask/ffmpeg"
	"mediatask/task"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var shutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the task HTTP API",
	Long:  `Reloads every task record under the cache directory, queues the unfinished ones and serves the HTTP API until interrupted.`,
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "how long to wait for requests and running tasks on shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	gin.SetMode(gin.ReleaseMode)

	toolkit, err := ffmpeg.NewToolkit(cfg)
	if err != nil {
		return err
	}
	engine, err := task.NewEngine(cfg, toolkit)
	if err != nil {
		return err
	}
	defer engine.Close()

	taskManager, err := task.NewManager(cfg, engine)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	taskManager.Start(ctx)
	n, err := taskManager.LoadFromDisk(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("tasks", n).Str("dir", cfg.CacheDir).Msg("task records loaded")

	router := api.SetupRouter(taskManager, cfg)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return err
	}

	// Restore default behavior on the interrupt signal.
	stop()
	log.Info().Msg("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	// Running tasks observe the cancelled context and save a resumable record.
	if !taskManager.WaitAll(shutdownCtx) {
		log.Warn().Msg("tasks still running at shutdown")
	}

	log.Info().Msg("server exiting")
	return nil
}
