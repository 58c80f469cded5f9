package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/juanarayafonsec/magenta-sub000/internal/infra"
	"github.com/juanarayafonsec/magenta-sub000/internal/ledger"
	"github.com/juanarayafonsec/magenta-sub000/internal/outbox"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and drain the ledger outbox",
}

var drainBatch int

var outboxDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Publish every pending outbox event once and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()

		producer, _, err := infra.NewBroker(e.cfg, e.cache, e.logger)
		if err != nil {
			return err
		}
		defer producer.Close()

		relay := outbox.NewRelay(ledger.NewPostgresStore(e.db), producer, e.logger, outbox.WithBatchSize(drainBatch))
		n, err := relay.Drain(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "published %d events\n", n)
		return err
	},
}

var pendingLimit int

var outboxPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List unpublished outbox events",
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer e.close()

		events, err := ledger.NewPostgresStore(e.db).PendingOutbox(cmd.Context(), pendingLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, ev := range events {
			fmt.Fprintf(out, "%d  %s  %s  %s\n", ev.Seq, ev.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), ev.ID, ev.EventType)
		}
		fmt.Fprintf(out, "%d pending\n", len(events))
		return nil
	},
}

func init() {
	outboxDrainCmd.Flags().IntVar(&drainBatch, "batch", 100, "rows read per page")
	outboxPendingCmd.Flags().IntVar(&pendingLimit, "limit", 50, "maximum rows to list")
	outboxCmd.AddCommand(outboxDrainCmd, outboxPendingCmd)
}
