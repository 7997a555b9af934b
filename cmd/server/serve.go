package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"imagesearch/internal/handlers"
	"imagesearch/internal/server"
	"imagesearch/internal/thumbnail"
	"imagesearch/internal/ws"
)

// drainTimeout bounds how long serve waits for queued embeddings on exit.
const drainTimeout = 15 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long:  "Open the store, recover pending embeddings in the background and serve the HTTP API.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.v.BindPFlag("server.listen", cmd.Flags().Lookup("listen")); err != nil {
				return err
			}
			seedDir, _ := cmd.Flags().GetString("seed")
			return c.runServe(cmd.Context(), seedDir)
		},
	}

	cmd.Flags().String("listen", "", "override listen address (host:port)")
	cmd.Flags().String("seed", "", "import images from this directory when the library is empty")

	return cmd
}

func (c *cli) runServe(parent context.Context, seedDir string) error {
	cfg, logger, err := c.load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	var background sync.WaitGroup
	defer func() {
		// Recovery and seeding stop with ctx; wait for them before the
		// store closes.
		background.Wait()

		closeCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("closing app", "error", err)
		}
	}()

	thumbs, err := thumbnail.New(cfg.Server.ThumbnailDir, a.store, a.bus, logger)
	if err != nil {
		return err
	}
	defer thumbs.Close()

	hub := ws.NewHub(logger, cfg.Server.CORSOrigins...)
	hub.Attach(a.bus)
	go hub.Run()
	defer hub.Shutdown()

	if seedDir != "" {
		background.Go(func() { seedLibrary(ctx, a, seedDir) })
	}

	// Records left pending by a previous run.
	background.Go(func() {
		report, err := a.library.RecoverPending(ctx)
		if err != nil {
			logger.Warn("startup recovery stopped", "error", err)
			return
		}
		if report.Total > 0 {
			logger.Info("startup recovery done",
				"completed", report.Completed,
				"failed", report.Failed,
			)
		}
	})

	srv, err := server.New(server.Config{
		ListenAddr:  cfg.Server.Listen,
		CORSOrigins: cfg.Server.CORSOrigins,
		Handlers: handlers.New(handlers.Config{
			Library:        a.library,
			Thumbnails:     thumbs,
			Logger:         logger,
			MaxUploadBytes: cfg.Server.MaxUploadBytes,
		}),
		Hub:    hub,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	return srv.Start(ctx)
}

func seedLibrary(ctx context.Context, a *app, dir string) {
	images, err := a.library.List(ctx)
	if err != nil || len(images) > 0 {
		return
	}

	a.logger.Info("seeding library", "dir", dir)
	n, err := importDir(ctx, a, dir)
	if err != nil {
		a.logger.Warn("seeding stopped", "error", err)
	}
	a.logger.Info("seeding done", "images", n)
}
