package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"secura/config"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyConfigPath
	contextKeyLogger
)

func getConfig(ctx *cli.Context) *config.AccountConfig {
	return ctx.Context.Value(contextKeyConfig).(*config.AccountConfig)
}

func getConfigPath(ctx *cli.Context) string {
	return ctx.Context.Value(contextKeyConfigPath).(string)
}

func getDataDir(ctx *cli.Context) string {
	return filepath.Dir(getConfigPath(ctx))
}

func getLogger(ctx *cli.Context) zerolog.Logger {
	if logger, ok := ctx.Context.Value(contextKeyLogger).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}

func newLogger(level string) (zerolog.Logger, error) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(writer).Level(parsed).With().Timestamp().Logger(), nil
}

func prepareApp(ctx *cli.Context) error {
	logger, err := newLogger(ctx.String("log-level"))
	if err != nil {
		return err
	}
	cfg, cfgPath, err := config.LoadOrCreate(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyConfigPath, cfgPath)
	newCtx = context.WithValue(newCtx, contextKeyLogger, logger)
	ctx.Context = newCtx
	return nil
}

func main() {
	app := &cli.App{
		Name:    "secura",
		Usage:   "Read and send ledger-recorded messages",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to config file (defaults to the data directory)",
				EnvVars: []string{"SECURA_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (trace, debug, info, warn, error)",
				Value:   "info",
				EnvVars: []string{"SECURA_LOG_LEVEL"},
			},
		},
		Before: prepareApp,
		Commands: []*cli.Command{
			accountCommand,
			timelineCommand,
			chatCommand,
			sendCommand,
			sendFileCommand,
			watchCommand,
			historyCommand,
			sendsCommand,
			devnetCommand,
			discoverCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
