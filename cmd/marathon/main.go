// Package main is the entry point for the habit marathon service.
package main

import (
	"os"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := newApp().Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "marathon",
		Usage: "25-day habit marathon backend: mini app API, payment webhooks and admin bot",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "config", Usage: "Directory containing config.yaml"},
			&cli.StringFlag{Name: "log-level", Usage: "Override log.level (debug, info, warn, error)"},
			&cli.StringFlag{Name: "store", Usage: "Override database.driver (postgres, memory)"},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API and the Telegram bot",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "Apply the database schema",
				Action: migrate,
			},
			{
				Name:  "codes",
				Usage: "Issue activation codes and print them one per line",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Value: 1, Usage: "Number of codes"},
					&cli.Int64Flag{Name: "target", Usage: "Bind the codes to this Telegram user id"},
				},
				Action: issueCodes,
			},
		},
	}
}
