package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/angelmondragon/creditledger-backend/internal/ratecard"
)

func newRateCardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratecard",
		Short: "Publish and inspect rate cards",
	}
	cmd.AddCommand(newRateCardPublishCmd(), newRateCardShowCmd())
	return cmd
}

func newRateCardPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish FILE",
		Short: "Publish a new rate card version from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			card, err := ratecard.ParseFile(args[0])
			if err != nil {
				return err
			}
			actor, _ := cmd.Flags().GetString("actor")
			if err := appFrom(cmd).rates.Publish(cmd.Context(), card, actor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published rate card %s effective %s\n", card.Version, card.EffectiveFrom.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().String("actor", defaultActor(), "operator recorded as the publisher")
	return cmd
}

func newRateCardShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the active rate card, or a specific version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rates := appFrom(cmd).rates
			version, _ := cmd.Flags().GetString("version")
			if version == "" {
				active, err := rates.Active(cmd.Context())
				if err != nil {
					return err
				}
				version = active.Version
			}
			card, ok := rates.Get(version)
			if !ok {
				return fmt.Errorf("rate card %q not found; loaded versions: %v", version, rates.Versions())
			}
			raw, err := ratecard.Encode(card)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(raw)
			return err
		},
	}
	cmd.Flags().String("version", "", "rate card version (defaults to the active card)")
	return cmd
}

func defaultActor() string {
	if user := os.Getenv("USER"); user != "" {
		return "ledgerctl:" + user
	}
	return "ledgerctl"
}
