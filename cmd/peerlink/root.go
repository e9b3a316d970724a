package main

import (
	"fmt"
	"os"

	"peerlink/pkg/config"
	"peerlink/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	options struct {
		configFile string
		logLevel   string
	}
	rootCmd = &cobra.Command{
		Use:           "peerlink",
		Short:         "peerlink connects two peers over a WebRTC data channel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(connectCmd)

	rootCmd.PersistentFlags().StringVar(&options.configFile, "config", "", "the config file, searched in the usual places when empty")
	rootCmd.PersistentFlags().StringVar(&options.logLevel, "log-level", "", "overrides logging.level")
}

// configPaths are tried in order when --config is not given
var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/peerlink/config.yaml",
	"config.yaml",
}

func loadConfig() (*config.Config, error) {
	if options.configFile != "" {
		return config.Load(options.configFile)
	}

	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			return config.Load(path)
		}
	}
	// defaults plus environment overrides
	return config.Load("")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level := cfg.Logging.Level
	if options.logLevel != "" {
		level = options.logLevel
	}
	l, err := logger.NewWithFormat(level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return l, nil
}
