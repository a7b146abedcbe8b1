package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tokligence/relay-authz/internal/bootstrap"
	"github.com/tokligence/relay-authz/internal/config"
)

func initCmd() *cobra.Command {
	var opts bootstrap.InitOptions
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config.toml",
		Long: `Write a starter config.toml into --root.

Examples:
  relay-authzd init --relay wss://relay.example.com --zapper <hex>
  relay-authzd init --root /etc/relay-authz --admission 5000 --per-event 10 --force`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := bootstrap.Init(opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Root, "root", ".", "directory to write config.toml into")
	cmd.Flags().StringVar(&opts.RelayURL, "relay", "", "relay websocket url used for direct messages")
	cmd.Flags().StringVar(&opts.ZapperKey, "zapper", "", "payment service public key (hex or npub)")
	cmd.Flags().Int64Var(&opts.Admission, "admission", config.DefaultAdmission, "minimum balance required to publish")
	cmd.Flags().Int64Var(&opts.PerEvent, "per-event", 0, "amount debited per admitted event")
	cmd.Flags().StringVar(&opts.LedgerPath, "ledger", "relay-authz.db", "sqlite ledger path")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing file")
	return cmd
}
