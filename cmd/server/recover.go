package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
)

func newRecoverCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Embed every image that is still pending",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			report, err := a.library.RecoverPending(cmd.Context())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
