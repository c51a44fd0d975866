package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/victornm/trivia/internal/config"
	"github.com/victornm/trivia/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "trivia",
		Short:        "Multi-user trivia quiz server",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to YAML config, defaults to $CONFIG_PATH")
	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newMigrateCmd(&configPath))

	return cmd
}

func loadConfig(path string) (server.Config, error) {
	c := server.DefaultConfig()

	if path == "" {
		return c, fmt.Errorf("config path not set, use --config or CONFIG_PATH")
	}

	if err := config.Load(path, &c); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	return c, nil
}
