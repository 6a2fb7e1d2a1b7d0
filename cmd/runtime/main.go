package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"edgeruntime/internal/config"
	"edgeruntime/internal/logger"
	"edgeruntime/internal/runtimeroot"
)

func main() {
	app := &cli.App{
		Name:    "edgeruntime",
		Usage:   "Vehicle edge runtime for software-defined-vehicle applications",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Usage: "Path to a .env file to load before reading environment variables"},
			&cli.IntFlag{Name: "port", Usage: "Local Server listen port", EnvVars: []string{"PORT"}},
			&cli.StringFlag{Name: "hub-url", Usage: "Fleet hub WebSocket URL", EnvVars: []string{"HUB_URL"}},
			&cli.BoolFlag{Name: "skip-hub", Usage: "Disable the Hub Bridge outbound connection", EnvVars: []string{"SKIP_HUB"}},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn, or error", EnvVars: []string{"LOG_LEVEL"}},
			&cli.StringFlag{Name: "runtime-id", Usage: "Identifier this runtime registers with the hub as", EnvVars: []string{"RUNTIME_ID"}},
			&cli.StringFlag{Name: "data-path", Usage: "Directory for credentials, logs, and sqlite data", EnvVars: []string{"DATA_DIR"}},
		},
		Action: runServe,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runServe loads configuration, boots every component, and blocks until a
// termination signal drains them. Exit codes follow spec.md §6: 0 for a
// clean signal-triggered shutdown, 1 for boot failure, 2 for a fatal
// runtime/drain error.
func runServe(c *cli.Context) error {
	cfg, err := config.Load(c.String("env-file"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("edgeruntime: loading configuration: %v", err), 1)
	}
	applyFlagOverrides(cfg, c)

	zl := newZapLogger(cfg.LogLevel)
	defer zl.Sync()
	ctx := logger.WithLogger(context.Background(), zl)

	rt, err := runtimeroot.Boot(ctx, cfg)
	if err != nil {
		logger.GetLogger(ctx).Sugar().Errorw("edgeruntime: boot failed", "error", err)
		return cli.Exit("edgeruntime: boot failed", 1)
	}

	runCtx, cancel := runtimeroot.Wait(ctx)
	defer cancel()

	if err := rt.Run(runCtx); err != nil {
		logger.GetLogger(ctx).Sugar().Errorw("edgeruntime: shutdown encountered errors", "error", err)
		return cli.Exit("edgeruntime: shutdown encountered errors", 2)
	}

	logger.GetLogger(ctx).Sugar().Infow("edgeruntime: shutdown complete")
	return nil
}

// applyFlagOverrides lets explicit CLI flags win over the environment
// variables config.Load already applied, mirroring the teacher's
// flag-then-EnvVars precedence via urfave/cli.
func applyFlagOverrides(cfg *config.Config, c *cli.Context) {
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("hub-url") {
		cfg.HubURL = c.String("hub-url")
	}
	if c.IsSet("skip-hub") {
		cfg.SkipHub = c.Bool("skip-hub")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("runtime-id") {
		cfg.RuntimeID = c.String("runtime-id")
	}
	if c.IsSet("data-path") {
		cfg.DataDir = c.String("data-path")
	}
}

func newZapLogger(level string) *zap.Logger {
	var zc zap.Config
	switch level {
	case "debug":
		zc = zap.NewDevelopmentConfig()
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	default:
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if lvl, err := zapcore.ParseLevel(level); err == nil {
			zc.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	zl, err := zc.Build()
	if err != nil {
		return logger.NewProductionLogger()
	}
	return zl
}
