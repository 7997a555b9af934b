package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var importExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".gif":  true,
}

func newImportCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "import DIR",
		Short: "Add every image in a directory to the library",
		Long:  "Store each image file in DIR and compute its embedding. Records whose embedding fails stay pending for the next recover run.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}

			n, importErr := importDir(ctx, a, args[0])
			// Close waits for the queued embeddings until interrupted.
			if err := a.Close(ctx); err != nil {
				logger.Warn("closing app", "error", err)
			}
			if importErr != nil {
				return importErr
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported %d images\n", n)
			return err
		},
	}
}

// importDir saves the image files directly inside dir. Unreadable or
// rejected files are logged and skipped.
func importDir(ctx context.Context, a *app, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", dir, err)
	}

	n := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if entry.IsDir() || !importExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			a.logger.Warn("skipping unreadable file", "path", path, "error", err)
			continue
		}
		if _, err := a.library.Save(ctx, entry.Name(), "", data); err != nil {
			a.logger.Warn("skipping file", "path", path, "error", err)
			continue
		}
		n++
	}
	return n, nil
}
