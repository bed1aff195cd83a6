package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/WesGarrett/Medallion-Warehouse/internal/model"
	"github.com/WesGarrett/Medallion-Warehouse/internal/warehouse"
)

// formatBatchResult writes the summary of one batch load to w.
func formatBatchResult(out io.Writer, res *model.BatchResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Batch:\t%s\n", res.BatchID)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", res.RunID)
	_, _ = fmt.Fprintf(w, "State:\t%s\n", res.State)
	if !res.CompletedAt.IsZero() {
		_, _ = fmt.Fprintf(w, "Duration:\t%s\n", res.CompletedAt.Sub(res.StartedAt).Round(time.Millisecond))
	}
	if res.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", res.Error)
	}
	_ = w.Flush()

	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	_, _ = fmt.Fprintln(w, "SOURCE\tREAD\tSILVER\t")
	for _, src := range model.Sources {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t\n", src, res.RowsRead[src], res.SilverRows[src])
	}
	_ = w.Flush()

	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	_, _ = fmt.Fprintln(w, "TABLE\tINSERTED\tUPDATED\tUNCHANGED\t")
	for _, table := range []string{"dim_products", "dim_users"} {
		c := res.Dimensions[table]
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t\n", table, c.Inserted, c.Updated, c.Unchanged)
	}
	_, _ = fmt.Fprintf(w, "fact_sales\t%d\t%d\t%d\t\n", res.Facts.Inserted, res.Facts.Updated, res.Facts.Unchanged)
	_ = w.Flush()

	quarantined := res.Quarantined()
	if len(quarantined) == 0 {
		return
	}
	kinds := make([]string, 0, len(quarantined))
	for k := range quarantined {
		kinds = append(kinds, string(k))
	}
	slices.Sort(kinds)

	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "QUARANTINED\tCOUNT")
	for _, k := range kinds {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", k, quarantined[model.RejectionKind(k)])
	}
	_ = w.Flush()
}

// formatCredits writes the query-credit report to w.
func formatCredits(out io.Writer, lines []warehouse.CreditLine, total warehouse.CreditLine) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "OPERATION\tCALLS\tELAPSED\tCREDITS")
	for _, l := range lines {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%.4f\n", l.Operation, l.Calls, l.Elapsed.Round(time.Microsecond), l.Credits)
	}
	_, _ = fmt.Fprintf(w, "TOTAL\t%d\t%s\t%.4f\n", total.Calls, total.Elapsed.Round(time.Microsecond), total.Credits)
	_ = w.Flush()
}

// formatRuns writes a tabular list of batch runs to w.
func formatRuns(out io.Writer, runs []model.BatchRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tBATCH\tSTATE\tSTARTED\tDURATION\tFACTS\tQUARANTINED\tERROR")
	_, _ = fmt.Fprintln(w, "---\t-----\t-----\t-------\t--------\t-----\t-----------\t-----")

	for _, r := range runs {
		dur := ""
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		facts, quarantined := "", ""
		if r.Summary != nil {
			facts = fmt.Sprintf("%d", r.Summary.Facts.Inserted+r.Summary.Facts.Updated)
			n := 0
			for _, c := range r.Summary.Quarantined {
				n += c
			}
			quarantined = fmt.Sprintf("%d", n)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.RunID),
			r.BatchID,
			r.State,
			r.StartedAt.Format("2006-01-02 15:04:05"),
			dur,
			facts,
			quarantined,
			truncate(r.Error, 60),
		)
	}
	_ = w.Flush()
}

// formatRejections writes a tabular quarantine report to w.
func formatRejections(out io.Writer, rejections []model.Rejection) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tKEY\tRAW_ID\tKIND\tFIELD\tREASON")
	for _, r := range rejections {
		rawID := ""
		if r.RawID != 0 {
			rawID = fmt.Sprintf("%d", r.RawID)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Source, r.NaturalKey, rawID, r.Kind, r.Field, truncate(r.Reason, 80))
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
