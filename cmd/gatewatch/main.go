package main

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"gatewatch/internal/config"

	_ "time/tzdata"
)

func main() {
	// .env may carry LOG_FORMAT and DEBUG, so read it before the logger is built
	_ = godotenv.Load()

	if os.Getenv("LOG_FORMAT") != "JSON" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	var cfg *config.Config

	app := &cli.App{
		Name:  "gatewatch",
		Usage: "level crossing gate status from a train timetable",
		Before: func(c *cli.Context) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return err
			}
			if cfg.Debug {
				log.Logger = log.Logger.Level(zerolog.DebugLevel)
			} else {
				log.Logger = log.Logger.Level(zerolog.InfoLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API and the gate watcher",
				Action: func(c *cli.Context) error {
					return serve(c.Context, cfg)
				},
			},
			{
				Name:  "status",
				Usage: "compute the gate status once and print it as JSON",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "at",
						Usage: "evaluate at this HH:MM wall time instead of now",
					},
				},
				Action: func(c *cli.Context) error {
					return status(c.Context, cfg, c.String("at"), os.Stdout)
				},
			},
			{
				Name:  "validate",
				Usage: "load and validate the route model and timetable",
				Action: func(c *cli.Context) error {
					return validate(c.Context, cfg, os.Stdout)
				},
			},
			{
				Name:  "init-db",
				Usage: "create the route tables in Postgres",
				Action: func(c *cli.Context) error {
					return initDB(c.Context, cfg)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}
