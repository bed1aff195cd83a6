package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "List batch runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		wh, err := openWarehouse(ctx, nil)
		if err != nil {
			return err
		}
		defer wh.Close() //nolint:errcheck

		batchID, _ := cmd.Flags().GetString("batch")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := wh.Runs(ctx, batchID, limit)
		if err != nil {
			return eris.Wrap(err, "batches")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No batch runs found.")
			return nil
		}

		formatRuns(cmd.OutOrStdout(), runs)
		return nil
	},
}

var rejectionsCmd = &cobra.Command{
	Use:   "rejections",
	Short: "Show the quarantined records of a batch's latest run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		batchID, _ := cmd.Flags().GetString("batch")

		wh, err := openWarehouse(ctx, nil)
		if err != nil {
			return err
		}
		defer wh.Close() //nolint:errcheck

		rejections, err := wh.Rejections(ctx, batchID)
		if err != nil {
			return eris.Wrap(err, "rejections")
		}
		if len(rejections) == 0 {
			fmt.Fprintf(os.Stderr, "No rejections for batch %s.\n", batchID)
			return nil
		}

		formatRejections(cmd.OutOrStdout(), rejections)
		return nil
	},
}

func init() {
	batchesCmd.Flags().String("batch", "", "only runs of this batch")
	batchesCmd.Flags().Int("limit", 50, "max number of runs to display")

	rejectionsCmd.Flags().String("batch", "", "batch id")
	_ = rejectionsCmd.MarkFlagRequired("batch")

	rootCmd.AddCommand(batchesCmd)
	rootCmd.AddCommand(rejectionsCmd)
}
