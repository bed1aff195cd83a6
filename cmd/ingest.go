package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/WesGarrett/Medallion-Warehouse/internal/fetcher"
	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
	"github.com/WesGarrett/Medallion-Warehouse/internal/pipeline"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Append a CSV, JSON or XLSX file to a bronze table",
	Long: "Reads a local path, http(s):// or ftp:// location and appends every row to the bronze table " +
		"of --source under --batch. Headers are matched to bronze columns through the source aliases.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		source, _ := cmd.Flags().GetString("source")
		batchID, _ := cmd.Flags().GetString("batch")
		location, _ := cmd.Flags().GetString("file")
		formatFlag, _ := cmd.Flags().GetString("format")

		src, err := model.ParseSource(source)
		if err != nil {
			return err
		}
		format, err := resolveFormat(location, formatFlag)
		if err != nil {
			return err
		}

		wh, err := openWarehouse(ctx, nil)
		if err != nil {
			return err
		}
		defer wh.Close() //nolint:errcheck

		p, err := newPipeline(wh)
		if err != nil {
			return err
		}

		n, err := ingestFile(ctx, p, newOpener(), src, batchID, location, format)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d rows into bronze.%s (batch %s)\n", n, src, batchID)
		return nil
	},
}

func resolveFormat(location, explicit string) (fetcher.Format, error) {
	if explicit != "" {
		return fetcher.ParseFormat(explicit)
	}
	return fetcher.DetectFormat(location)
}

func newOpener() *fetcher.Opener {
	timeout := time.Duration(cfg.Fetch.TimeoutSecs) * time.Second
	return &fetcher.Opener{
		HTTP: fetcher.NewHTTPFetcher(fetcher.HTTPOptions{Timeout: timeout, RequestsPerSec: cfg.Fetch.RequestsPerSec}),
		FTP: fetcher.NewFTPFetcher(fetcher.FTPOptions{
			Timeout:  timeout,
			User:     cfg.Fetch.FTPUser,
			Password: cfg.Fetch.FTPPassword,
		}),
	}
}

// ingestFile reads location and appends its rows to bronze in one bulk insert.
func ingestFile(ctx context.Context, p *pipeline.Pipeline, opener *fetcher.Opener, src model.Source, batchID, location string, format fetcher.Format) (int64, error) {
	rc, err := opener.Open(ctx, location)
	if err != nil {
		return 0, eris.Wrap(err, "ingest")
	}
	defer rc.Close() //nolint:errcheck

	rows, err := fetcher.ReadRecords(ctx, rc, format)
	if err != nil {
		return 0, eris.Wrapf(err, "ingest: read %s", location)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	raw := make([]map[string]*string, len(rows))
	for i, r := range rows {
		raw[i] = r
	}
	return p.IngestRows(ctx, src, batchID, raw)
}

func init() {
	ingestCmd.Flags().String("source", "", "bronze table (product_catalog, crm_users, sales_transactions, web_events)")
	ingestCmd.Flags().String("batch", "", "batch id the rows are ingested under")
	ingestCmd.Flags().String("file", "", "local path, http(s):// or ftp:// location")
	ingestCmd.Flags().String("format", "", "csv, json or xlsx (default: from the file extension)")
	_ = ingestCmd.MarkFlagRequired("source")
	_ = ingestCmd.MarkFlagRequired("batch")
	_ = ingestCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(ingestCmd)
}
