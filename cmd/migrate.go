package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/WesGarrett/Medallion-Warehouse/internal/dimension"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the warehouse schemas and seed the date spine",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		wh, err := openWarehouse(ctx, nil)
		if err != nil {
			return err
		}
		defer wh.Close() //nolint:errcheck

		if err := wh.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate")
		}
		added, err := dimension.SeedSpine(ctx, wh)
		if err != nil {
			return eris.Wrap(err, "migrate")
		}

		zap.L().Info("warehouse migrated", zap.String("backend", wh.Backend()), zap.Int64("spine_days_added", added))
		fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s warehouse (date spine: %d days added)\n", wh.Backend(), added)
		return nil
	},
}

var dropConfirm bool

var dropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Drop the gold, silver, bronze and meta schemas with all data",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !dropConfirm {
			return eris.New("drop: refusing to drop schemas without --confirm")
		}
		ctx := cmd.Context()

		wh, err := openWarehouse(ctx, nil)
		if err != nil {
			return err
		}
		defer wh.Close() //nolint:errcheck

		if err := wh.Drop(ctx); err != nil {
			return eris.Wrap(err, "drop")
		}
		zap.L().Warn("warehouse schemas dropped", zap.String("backend", wh.Backend()))
		fmt.Fprintf(cmd.OutOrStdout(), "Dropped all %s warehouse schemas\n", wh.Backend())
		return nil
	},
}

func init() {
	dropCmd.Flags().BoolVar(&dropConfirm, "confirm", false, "confirm dropping every schema and its data")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(dropCmd)
}
