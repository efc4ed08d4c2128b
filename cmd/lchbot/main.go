package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/lchbot/pkg/bot"
	"github.com/go-go-golems/lchbot/pkg/config"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "lchbot",
	Short: "OneBot-11 chat bot runtime with an AI context store and plugin host",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		setupLogging(cfg, logLevel)

		rt, err := bot.NewRuntime(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info().Str("config", configPath).Msg("lchbot starting")
		return rt.Start(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Println("lchbot " + bot.Version)
	},
}

func setupLogging(cfg *config.Config, levelOverride string) {
	level := cfg.Log.LogLevel
	if levelOverride != "" {
		level = levelOverride
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	var writers []io.Writer
	if cfg.Log.ConsoleOutput {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr})
	}
	if cfg.Log.FileOutput {
		if err := os.MkdirAll(cfg.Log.LogDir, 0o755); err == nil {
			f, err := os.OpenFile(filepath.Join(cfg.Log.LogDir, "lchbot.log"),
				os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				writers = append(writers, f)
			}
		}
	}
	if len(writers) > 0 {
		log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	}
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.ini", "path to the INI config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.AddCommand(runCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("lchbot failed")
		os.Exit(1)
	}
}
