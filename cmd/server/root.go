package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"imagesearch/internal/config"
	"imagesearch/internal/logger"
)

// cli carries state resolved by the root command to its subcommands.
type cli struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "imagesearch",
		Short:         "Local image library with text-to-image search",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.initViper(cmd)
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file (default ./config.toml)")
	root.PersistentFlags().Bool("debug", false, "enable debug logging")
	root.PersistentFlags().Bool("json", false, "log as JSON")
	root.PersistentFlags().Bool("pretty", false, "colorized log output")

	root.AddCommand(
		newServeCmd(c),
		newRecoverCmd(c),
		newImportCmd(c),
		newConfigCmd(c),
	)

	return root
}

func (c *cli) initViper(cmd *cobra.Command) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	v, err := config.InitViper(cfgFile)
	if err != nil {
		return err
	}

	flags := cmd.Root().PersistentFlags()
	for key, flag := range map[string]string{
		"log.debug":  "debug",
		"log.json":   "json",
		"log.pretty": "pretty",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("binding --%s: %w", flag, err)
		}
	}

	c.v = v
	return nil
}

func (c *cli) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.v)
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(
		logger.WithDebug(cfg.Log.Debug),
		logger.WithJSON(cfg.Log.JSON),
		logger.WithPretty(cfg.Log.Pretty),
	)
	return cfg, log, nil
}
