package cmd

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/juanarayafonsec/magenta-sub000/internal/wallet"
)

var balancesCmd = &cobra.Command{
	Use:   "balances <playerId>",
	Short: "Show a player's balances on every currency network",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		playerID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || playerID <= 0 {
			return fmt.Errorf("invalid player id %q", args[0])
		}

		e, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()

		views, err := e.service().GetBalance(cmd.Context(), playerID)
		if err != nil {
			return err
		}
		return writeBalances(cmd.OutOrStdout(), views)
	},
}

func writeBalances(out io.Writer, views []wallet.BalanceView) error {
	if len(views) == 0 {
		_, err := fmt.Fprintln(out, "no balances")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CURRENCY\tNETWORK\tBALANCE\tRESERVED\tCASHABLE")
	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			v.Currency, v.Network,
			decimal.New(v.BalanceMinor, -v.Decimals).StringFixed(v.Decimals),
			decimal.New(v.ReservedMinor, -v.Decimals).StringFixed(v.Decimals),
			decimal.New(v.CashableMinor, -v.Decimals).StringFixed(v.Decimals),
		)
	}
	return w.Flush()
}
