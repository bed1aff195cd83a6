package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/WesGarrett/Medallion-Warehouse/internal/config"
	"github.com/WesGarrett/Medallion-Warehouse/internal/pipeline"
	"github.com/WesGarrett/Medallion-Warehouse/internal/warehouse"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "medallion",
	Short: "Bronze to silver to gold warehouse loader",
	Long:  "Lands raw source files in bronze, resolves them into one typed silver row per natural key, and maintains a gold star schema of users, products, dates and sales.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// openWarehouse connects to the configured backend. A non-nil tracker
// receives the timing of every warehouse call.
func openWarehouse(ctx context.Context, tracker *warehouse.Tracker) (warehouse.Warehouse, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := warehouse.Options{QueryTimeout: cfg.Warehouse.QueryTimeout(), Credits: tracker}

	switch cfg.Warehouse.Driver {
	case "sqlite":
		wh, err := warehouse.NewSQLite(cfg.Warehouse.SQLitePath, opts)
		if err != nil {
			return nil, err
		}
		return wh, nil
	case "postgres":
		wh, err := warehouse.NewPostgres(ctx, cfg.Warehouse.DatabaseURL, &warehouse.PoolConfig{
			MaxConns: cfg.Warehouse.MaxConns,
			MinConns: cfg.Warehouse.MinConns,
		}, opts)
		if err != nil {
			return nil, err
		}
		return wh, nil
	default:
		return nil, eris.Errorf("unsupported warehouse driver: %s", cfg.Warehouse.Driver)
	}
}

// newPipeline builds a Pipeline over wh from the pipeline config section.
func newPipeline(wh warehouse.Warehouse) (*pipeline.Pipeline, error) {
	opts, err := pipeline.OptionsFromConfig(cfg.Pipeline)
	if err != nil {
		return nil, err
	}
	return pipeline.New(wh, nil, opts)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
