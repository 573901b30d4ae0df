package main

import (
	"github.com/spf13/cobra"

	"github.com/angelmondragon/creditledger-backend/internal/reconciliation"
)

type userReportView struct {
	UserID         string `json:"userId"`
	Consistent     bool   `json:"consistent"`
	LedgerSum      string `json:"ledgerSum"`
	CachedBalance  string `json:"cachedBalance"`
	Delta          string `json:"delta"`
	Entries        int64  `json:"entries"`
	LastSequence   int64  `json:"lastSequence"`
	BalanceVersion int64  `json:"balanceVersion"`
}

type systemReportView struct {
	Consistent   bool             `json:"consistent"`
	LedgerTotal  string           `json:"ledgerTotal"`
	BalanceTotal string           `json:"balanceTotal"`
	Delta        string           `json:"delta"`
	UsersChecked int              `json:"usersChecked"`
	Mismatches   []userReportView `json:"mismatches"`
}

func newReconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare cached balances with the ledger",
		Long: `Recompute balances from ledger entries and compare them with the cached
projection. Mismatches are reported and the command fails; nothing is corrected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			auditor := appFrom(cmd).auditor
			userID, _ := cmd.Flags().GetString("user")
			if userID != "" {
				report, err := auditor.ReconcileUser(cmd.Context(), userID)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), userView(*report)); err != nil {
					return err
				}
				if !report.Consistent {
					return reconciliation.MismatchError(&reconciliation.SystemReport{
						Delta:        report.Delta,
						UsersChecked: 1,
						Mismatches:   []reconciliation.UserReport{*report},
					})
				}
				return nil
			}

			report, err := auditor.ReconcileAll(cmd.Context())
			if report != nil {
				if writeErr := writeJSON(cmd.OutOrStdout(), systemView(report)); writeErr != nil {
					return writeErr
				}
			}
			if err != nil {
				return err
			}
			return reconciliation.MismatchError(report)
		},
	}
	cmd.Flags().String("user", "", "reconcile a single user")
	return cmd
}

func userView(r reconciliation.UserReport) userReportView {
	return userReportView{
		UserID:         r.UserID,
		Consistent:     r.Consistent,
		LedgerSum:      r.LedgerSum.String(),
		CachedBalance:  r.CachedBalance.String(),
		Delta:          r.Delta.String(),
		Entries:        r.Entries,
		LastSequence:   r.LastSequence,
		BalanceVersion: r.BalanceVersion,
	}
}

func systemView(r *reconciliation.SystemReport) systemReportView {
	view := systemReportView{
		Consistent:   r.Consistent,
		LedgerTotal:  r.LedgerTotal.String(),
		BalanceTotal: r.BalanceTotal.String(),
		Delta:        r.Delta.String(),
		UsersChecked: r.UsersChecked,
		Mismatches:   make([]userReportView, 0, len(r.Mismatches)),
	}
	for _, mismatch := range r.Mismatches {
		view.Mismatches = append(view.Mismatches, userView(mismatch))
	}
	return view
}
