package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tokligence/relay-authz/internal/config"
	"github.com/tokligence/relay-authz/internal/event"
	"github.com/tokligence/relay-authz/internal/ledger"
)

func accountsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Inspect or reset the balance ledger",
	}
	cmd.AddCommand(accountsListCmd(root), accountsShowCmd(root), accountsClearCmd(root))
	return cmd
}

// withLedger opens the configured ledger for one offline command.
func withLedger(root *rootOptions, fn func(ctx context.Context, cfg config.Config, svc *ledger.Service) error) error {
	cfg, err := config.Load(root.configPath)
	if err != nil {
		return err
	}
	if cfg.Ledger.Backend == config.BackendMemory {
		return errors.New("the memory ledger only exists inside a running server")
	}
	store, err := openStore(cfg.Ledger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()
	return fn(context.Background(), cfg, ledger.NewService(store))
}

func accountsListCmd(root *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every account and balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(root, func(ctx context.Context, cfg config.Config, svc *ledger.Service) error {
				accounts, err := svc.SnapshotAll(ctx)
				if err != nil {
					return err
				}
				sort.Slice(accounts, func(i, j int) bool { return accounts[i].Pubkey < accounts[j].Pubkey })
				return printAccounts(cmd.OutOrStdout(), format, accounts, cfg.Policy().Cost)
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format: table, json or yaml")
	return cmd
}

func printAccounts(w io.Writer, format string, accounts []ledger.Account, cost ledger.Cost) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(accounts)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(accounts)
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PUBKEY\tBALANCE\tADMITTED")
		for _, a := range accounts {
			fmt.Fprintf(tw, "%s\t%d\t%t\n", a.Pubkey, a.Balance, a.IsAdmitted(cost))
		}
		return tw.Flush()
	}
	return fmt.Errorf("unknown format %q", format)
}

func accountsShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <pubkey>",
		Short: "Show one account and the payments it consumed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pubkey, err := event.NormalizePrincipal(args[0])
			if err != nil {
				return err
			}
			return withLedger(root, func(ctx context.Context, cfg config.Config, svc *ledger.Service) error {
				account, err := svc.GetAccount(ctx, pubkey)
				if err != nil {
					return err
				}
				if account == nil {
					return fmt.Errorf("%s: %w", pubkey, ledger.ErrNotFound)
				}
				payments, err := svc.Payments(ctx, pubkey)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "pubkey:   %s\n", account.Pubkey)
				fmt.Fprintf(out, "balance:  %d\n", account.Balance)
				fmt.Fprintf(out, "admitted: %t\n", account.IsAdmitted(cfg.Policy().Cost))
				fmt.Fprintf(out, "payments: %d\n", len(payments))
				for _, id := range payments {
					fmt.Fprintf(out, "  %s\n", id)
				}
				return nil
			})
		},
	}
}

func accountsClearCmd(root *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every balance and payment record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to clear the ledger without --yes")
			}
			return withLedger(root, func(ctx context.Context, _ config.Config, svc *ledger.Service) error {
				if err := svc.Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ledger cleared")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the irreversible reset")
	return cmd
}
