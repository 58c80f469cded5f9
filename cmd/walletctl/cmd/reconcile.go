package cmd

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/juanarayafonsec/magenta-sub000/internal/ledger"
)

var errDrift = errors.New("cached balances drifted from postings")

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Replay every posting and compare against cached balances",
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()

		drifts, err := e.service().Reconcile(cmd.Context())
		if err != nil {
			return err
		}
		if err := writeDrifts(cmd.OutOrStdout(), drifts); err != nil {
			return err
		}
		if len(drifts) > 0 {
			return fmt.Errorf("%w: %d accounts", errDrift, len(drifts))
		}
		return nil
	},
}

func writeDrifts(out io.Writer, drifts []ledger.Drift) error {
	if len(drifts) == 0 {
		_, err := fmt.Fprintln(out, "ok: every cached balance matches its postings")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tCACHED\tREPLAYED\tDIFF")
	for _, d := range drifts {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\n", d.AccountID, d.CachedMinor, d.ReplayedMinor, d.CachedMinor-d.ReplayedMinor)
	}
	return w.Flush()
}
