package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ankur-anand/chronostore/cmd/chronostore/cliapp"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "chronostore",
		Usage: "bitemporal content-addressed document store",
		Commands: []*cli.Command{
			serverCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "run the index node: consume the log and serve the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./config.toml",
				Usage:   "config file",
			},
			&cli.StringFlag{
				Name:    "env",
				Aliases: []string{"e"},
				Value:   "dev",
				Usage:   "environment",
			},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cliapp.PrintBanner()

			server := &cliapp.Server{}
			setupFunc := []func(context.Context) error{
				server.InitFromCLI(c.String("config"), c.String("env")),
				server.InitTelemetry,
				server.SetupEngine,
				server.SetupHTTPServer,
			}
			for _, fn := range setupFunc {
				if err := fn(ctx); err != nil {
					return fmt.Errorf("setup: %w", err)
				}
			}

			slog.Info("[main] chronostore started",
				"config-file", c.String("config"), "env", c.String("env"))
			return server.Run(ctx)
		},
	}
}
