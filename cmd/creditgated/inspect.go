package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/creditgate/internal/daemon"
	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

// withService opens storage and a service for one command, logging to stderr.
func withService(ctx context.Context, load configLoader, fn func(*creditgate.Service) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	cfg.Logging.Level = "warn"
	logger, flush, err := daemon.NewLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	defer flush()

	store, err := daemon.OpenStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	svc, err := daemon.NewService(ctx, cfg, store, logger, nil)
	if err != nil {
		return err
	}
	return fn(svc)
}

func newBudgetCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect and manage the systemwide monthly budget",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show spend against the monthly limit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd.Context(), load, func(svc *creditgate.Service) error {
				return printBudget(cmd.OutOrStdout(), svc.Budget())
			})
		},
	}

	setLimitCmd := &cobra.Command{
		Use:   "set-limit <usd>",
		Short: "Change the monthly limit",
		Long:  "Change the persisted monthly limit. A non-zero budget.monthly_limit_usd in the config replaces it on the next start.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid limit %q: %w", args[0], err)
			}
			return withService(cmd.Context(), load, func(svc *creditgate.Service) error {
				b, err := svc.SetBudgetLimit(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return printBudget(cmd.OutOrStdout(), b)
			})
		},
	}

	cmd.AddCommand(statusCmd, setLimitCmd)
	return cmd
}

func newAccountCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Inspect user accounts",
	}

	var asJSON bool
	showCmd := &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a user's credits, exports and active sets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), load, func(svc *creditgate.Service) error {
				acct, err := svc.Account(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(acct)
				}
				return printAccount(cmd.OutOrStdout(), svc.Catalog(), acct)
			})
		},
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "print the raw account as JSON")

	cmd.AddCommand(showCmd)
	return cmd
}

func newSweepCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one cycle reset sweep and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd.Context(), load, func(svc *creditgate.Service) error {
				if err := svc.ResetDue(cmd.Context()); err != nil {
					return err
				}
				return printBudget(cmd.OutOrStdout(), svc.Budget())
			})
		},
	}
}

func printBudget(out io.Writer, b creditgate.GlobalBudget) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tSPENT USD\tLIMIT USD\tRATIO\tRESETS AT")
	fmt.Fprintf(w, "%s\t%.2f\t%.2f\t%.1f%%\t%s\n",
		b.State, b.MonthlySpentUSD, b.MonthlyLimitUSD, b.Ratio()*100, b.NextResetAt.Format("2006-01-02 15:04 MST"))
	return w.Flush()
}

func printAccount(out io.Writer, catalog *creditgate.Catalog, a creditgate.Account) error {
	cfg := catalog.ConfigFor(a.Tier)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "USER\t%s\n", a.UserID)
	fmt.Fprintf(w, "TIER\t%s\n", a.Tier)
	fmt.Fprintf(w, "CREDITS\t%d of %d (rollover %d, grace used %d)\n",
		a.CreditsRemaining, cfg.MonthlyCredits, a.RolloverCredits, a.GraceUsedThisMonth)
	fmt.Fprintf(w, "EXPORTS\t%d of %d\n", a.ExportsRemaining, cfg.MonthlyExports)
	fmt.Fprintf(w, "ACTIVE SETS\t%d of %d\n", a.ActiveSetCount, cfg.ActiveSetLimit)
	fmt.Fprintf(w, "RESETS AT\t%s\n", a.NextResetAt.Format("2006-01-02 15:04 MST"))
	if a.SubscriptionExpiry != nil {
		fmt.Fprintf(w, "EXPIRES\t%s\n", a.SubscriptionExpiry.Format("2006-01-02"))
	}
	return w.Flush()
}
