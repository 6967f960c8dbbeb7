package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/coinflux/gateway/internal/app"
	"github.com/coinflux/gateway/internal/config"
)

const (
	appName = "gateway"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	var configPath string
	var verbose bool

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Multi-exchange market-data and TWAP execution gateway",
		Version: version,
		Long: `gateway bridges trading clients and public crypto exchanges:
historical candles over REST, live order books over a streaming endpoint,
and simulated TWAP execution against observed top-of-book.`,
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(*cobra.Command, []string) error {
			return runServe(configPath)
		},
	}
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("fatal")
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}

	log.Info().Str("version", version).Msg("gateway starting")
	return gateway.Run(ctx)
}
