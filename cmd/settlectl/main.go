// Command settlectl runs one-off operator tasks against the engine's stores.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/c50bossio/hybrid-payments/internal/app"
	"github.com/c50bossio/hybrid-payments/internal/config"
)

var Version = "dev"

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "settlectl",
		Short:         "Operator tool for the hybrid payments engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(migrateCmd())
	cmd.AddCommand(seedCmd())
	cmd.AddCommand(collectionsCmd())
	cmd.AddCommand(connectionsCmd())
	cmd.AddCommand(reconcileCmd())
	cmd.AddCommand(routeCmd())
	cmd.AddCommand(tokenCmd())
	return cmd
}

// withApp builds the engine for one command and closes it afterwards.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	a, err := app.New(ctx, config.Load())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
