package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/clibridge/clibridge/bridge"
	"github.com/clibridge/clibridge/bridge/runner"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "clibridged",
		Usage: "expose a command-line program as an RPC over a unix domain socket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "socket-path",
				Usage:   "Path of the unix domain socket to listen on.",
				Value:   bridge.DefaultSocketPath,
				EnvVars: []string{"CLIBRIDGE_SOCKET"},
			},
			&cli.StringFlag{
				Name:    "cli-path",
				Usage:   "Override for the target executable to run.",
				EnvVars: []string{runner.DefaultPathEnvVar},
			},
			&cli.StringFlag{
				Name:  "cli-path-env",
				Usage: "Name of the environment variable consulted for the target executable path.",
				Value: runner.DefaultPathEnvVar,
			},
			&cli.IntFlag{
				Name:  "concurrency-limit",
				Usage: "Maximum number of concurrent invocations to allow. 0 means unbounded.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Minimum log level. One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Action: func(ctx *cli.Context) error {
			level, err := zapcore.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			logger, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			server, err := bridge.NewServer(
				bridge.WithLogger(logger),
				bridge.WithLogLevel(level),
				bridge.WithSocketPath(ctx.String("socket-path")),
				bridge.WithCLIPath(ctx.String("cli-path")),
				bridge.WithCLIPathEnvVar(ctx.String("cli-path-env")),
				bridge.WithConcurrencyLimit(ctx.Int("concurrency-limit")),
			)
			if err != nil {
				return fmt.Errorf("building server: %w", err)
			}

			runCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return server.Run(runCtx)
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
