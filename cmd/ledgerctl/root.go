package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

type appKey struct{}

func newRootCmd(bootstrap bootstrapFunc) *cobra.Command {
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the credit ledger",
		Long:          `Operator commands for rate cards, balances and ledger reconciliation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, a))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return appFrom(cmd).Close()
		},
	}
	root.AddCommand(newRateCardCmd(), newReconcileCmd(), newBalanceCmd())
	return root
}

func appFrom(cmd *cobra.Command) *app {
	a, _ := cmd.Context().Value(appKey{}).(*app)
	return a
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
