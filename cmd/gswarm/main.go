package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/danferreira/gswarm/internal/config"
)

var (
	configFile string
	debug      bool
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "gswarm",
	Short:         "gswarm fetches objects from a swarm of peer devices",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "failed to read .env:", err)
		}
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to the config file (default ./gswarm.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newRunCmd(), newAddCmd(), newStatusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	c, err := config.Load(afero.NewOsFs(), configFile)
	if err != nil {
		return nil, err
	}
	if debug {
		c.Debug = true
	}

	level := slog.LevelInfo
	if c.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	return c, nil
}
