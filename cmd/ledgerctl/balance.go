package main

import (
	"time"

	"github.com/spf13/cobra"
)

func newBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance USER_ID",
		Short: "Print a user's cached balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			balance, err := appFrom(cmd).balances.GetBalance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"userId":    balance.UserID,
				"balance":   balance.Balance.String(),
				"version":   balance.Version,
				"updatedAt": balance.UpdatedAt.UTC().Format(time.RFC3339Nano),
			})
		},
	}
}
