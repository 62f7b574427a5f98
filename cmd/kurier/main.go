/*
Kurier Mail Server - extensible SMTP server with a durable relay spool.
Copyright © 2024-2026 The Kurier Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/kurier-mta/kurier/framework/log"
	"github.com/kurier-mta/kurier/internal/config"
	"github.com/kurier-mta/kurier/internal/server"
)

var Version = "unknown (built from source tree)"

func main() {
	app := cli.NewApp()
	app.Name = "kurier"
	app.Usage = "extensible SMTP server with a durable relay spool"
	app.Version = Version
	app.Commands = []*cli.Command{
		{
			Name:  "run",
			Usage: "Start the server",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "config",
					Usage:   "path to configuration file",
					EnvVars: []string{"KURIER_CONFIG"},
					Value:   "/etc/kurier/kurier.yml",
				},
				&cli.BoolFlag{
					Name:  "debug",
					Usage: "enable debug logging early",
				},
			},
			Action: run,
		},
		{
			Name:      "check-config",
			Usage:     "Load and validate the configuration, then exit",
			ArgsUsage: "[path]",
			Action: func(c *cli.Context) error {
				path := c.Args().First()
				if _, err := config.Load(path); err != nil {
					return cli.Exit(err.Error(), 1)
				}
				return nil
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger.Error("startup failed", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	l := log.Logger{
		Out:   log.WriterOutput(os.Stderr, true),
		Debug: cfg.Log.Debug || c.Bool("debug"),
	}

	srv, err := server.New(cfg, l)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	// Config reload is not supported; a stray HUP from a process manager
	// must not kill the server.
	signal.Ignore(syscall.SIGHUP)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l.Msg("server started", "hostname", cfg.Hostname, "version", Version)
	if err := srv.Run(ctx); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	l.Msg("server stopped")
	return nil
}
