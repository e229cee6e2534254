// Package main is the entry point for the dls language server.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dlang-community/dls/internal/config"
	"github.com/dlang-community/dls/internal/server"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		logLevel   string
		configPath string
	)

	exitCode := 0
	rootCmd := &cobra.Command{
		Use:   "dls",
		Short: "Language server for the D programming language",
		Long: "dls speaks the Language Server Protocol over stdin/stdout.\n" +
			"It is started by an editor, not by hand.",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(logLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			srv := server.New(os.Stdin, os.Stdout, server.Options{
				Logger:  logger,
				Name:    "dls",
				Version: version,
			})

			if configPath == "" {
				configPath = defaultConfigPath()
			}
			if configPath != "" {
				sections, err := config.LoadFile(configPath)
				if err != nil {
					logger.Warn("user config unavailable",
						zap.String("path", configPath), zap.Error(err))
				} else if len(sections) > 0 {
					srv.Config().Update(sections)
				}
			}

			exitCode = srv.Serve(cmd.Context())
			return nil
		},
	}

	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to dls.toml (defaults to the user config directory)")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return exitCode
}

// newLogger builds the stderr logger; stdout belongs to the protocol.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "dls", config.UserFileName)
}
