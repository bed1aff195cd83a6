package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/WesGarrett/Medallion-Warehouse/internal/warehouse"
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load bronze batches into silver and gold",
	Long: "Runs each batch through coercion, deduplication, dimension and fact loading. " +
		"Quarantined records are reported but do not fail the batch.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		batchIDs, _ := cmd.Flags().GetStringSlice("batch")
		pending, _ := cmd.Flags().GetBool("pending")
		if len(batchIDs) == 0 && !pending {
			return eris.New("load: pass --batch or --pending")
		}

		tracker := warehouse.NewTracker()
		wh, err := openWarehouse(ctx, tracker)
		if err != nil {
			return err
		}
		defer wh.Close() //nolint:errcheck

		p, err := newPipeline(wh)
		if err != nil {
			return err
		}

		if pending {
			ids, err := p.PendingBatches(ctx)
			if err != nil {
				return err
			}
			batchIDs = append(batchIDs, ids...)
		}
		if len(batchIDs) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No pending batches.")
			return nil
		}

		results, runErr := p.RunAll(ctx, batchIDs)

		out := cmd.OutOrStdout()
		for _, res := range results {
			if res != nil {
				formatBatchResult(out, res)
				fmt.Fprintln(out)
			}
		}
		formatCredits(out, tracker.Report(), tracker.Total())

		if runErr != nil {
			return eris.Wrap(runErr, "load")
		}
		return nil
	},
}

func init() {
	loadCmd.Flags().StringSlice("batch", nil, "batch ids to load (comma separated)")
	loadCmd.Flags().Bool("pending", false, "also load every batch without a committed run")

	rootCmd.AddCommand(loadCmd)
}
