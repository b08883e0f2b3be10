package main

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/c50bossio/hybrid-payments/internal/app"
	"github.com/c50bossio/hybrid-payments/internal/config"
	"github.com/c50bossio/hybrid-payments/internal/database"
	"github.com/c50bossio/hybrid-payments/internal/middleware"
	"github.com/c50bossio/hybrid-payments/internal/service"
)

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert demo merchants and platform payments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				if a.Pool == nil {
					return fmt.Errorf("seed needs STORE_DRIVER=%s", app.DriverPostgres)
				}
				return database.SeedData(cmd.Context(), a.Pool, a.Fees)
			})
		},
	}
}

func collectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collections",
		Short: "Commission collection tasks",
	}

	var (
		merchantID string
		asOf       string
	)
	run := &cobra.Command{
		Use:   "run",
		Short: "Create and execute due commission collections",
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now()
			if asOf != "" {
				t, err := time.Parse(time.RFC3339, asOf)
				if err != nil {
					return fmt.Errorf("--as-of: %w", err)
				}
				at = t
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				var (
					sum *service.RunSummary
					err error
				)
				if merchantID != "" {
					sum, err = a.Collections.RunForMerchant(cmd.Context(), merchantID, at)
				} else {
					sum, err = a.Collections.RunAll(cmd.Context(), at)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd, sum)
			})
		},
	}
	run.Flags().StringVarP(&merchantID, "merchant", "m", "", "only this merchant")
	run.Flags().StringVar(&asOf, "as-of", "", "RFC3339 cut-off time (default now)")

	var method string
	retry := &cobra.Command{
		Use:   "retry [collection-id]",
		Short: "Retry a failed or due collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Collections.Retry(cmd.Context(), args[0], method)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	retry.Flags().StringVar(&method, "method", "", "payment method to charge instead of the default")

	cmd.AddCommand(run, retry)
	return cmd
}

func connectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "Processor connection tasks",
	}

	var connectionID string
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Pull transactions from processors into the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				if connectionID != "" {
					res, err := a.Ledger.Sync(cmd.Context(), connectionID, nil)
					if err != nil {
						return err
					}
					return printJSON(cmd, res)
				}
				results, err := a.Ledger.SyncAll(cmd.Context())
				if perr := printJSON(cmd, results); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	sync.Flags().StringVarP(&connectionID, "connection", "c", "", "only this connection")

	health := &cobra.Command{
		Use:   "health-check",
		Short: "Run one health sweep over connected processors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				return a.Connections.HealthCheckAll(cmd.Context())
			})
		},
	}

	cmd.AddCommand(sync, health)
	return cmd
}

func reconcileCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Match unreconciled transactions against bookings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				sum, err := a.Ledger.ReconcilePending(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, sum)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 500, "maximum transactions per pass")
	return cmd
}

func routeCmd() *cobra.Command {
	var req service.RouteRequest
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Show the routing decision for a payment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				if err := a.Connections.RefreshSnapshot(cmd.Context()); err != nil {
					return err
				}
				d, err := a.Router.Route(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(cmd, d)
			})
		},
	}
	cmd.Flags().StringVarP(&req.MerchantID, "merchant", "m", "", "merchant id")
	cmd.Flags().Int64VarP(&req.Amount, "amount", "a", 0, "amount in minor units")
	cmd.Flags().StringVar(&req.Currency, "currency", "USD", "currency")
	cmd.Flags().StringVar(&req.ClientPreference, "prefer", "", "client preference")
	_ = cmd.MarkFlagRequired("merchant")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		merchantID string
		role       string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := config.Load().JWTSecret
			if secret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}
			now := time.Now()
			tok, err := middleware.Issue(secret, merchantID, role, jwt.RegisteredClaims{
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVarP(&merchantID, "merchant", "m", "", "merchant id claim")
	cmd.Flags().StringVar(&role, "role", middleware.RoleMerchant, "role claim (merchant or admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
