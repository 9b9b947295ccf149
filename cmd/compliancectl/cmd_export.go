package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/davidleathers/debt-comms-compliance/internal/service/audit"
	"github.com/davidleathers/debt-comms-compliance/internal/service/engine"
)

type exportFlags struct {
	caseID   string
	debtorID string
	format   string
	since    string
	until    string
	output   string
}

func newExportCmd(c *cli) *cobra.Command {
	f := &exportFlags{}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the communication audit log from PostgreSQL",
		Long: `Writes the communication records, and in JSON also the compliance
flags, of a case or a debtor. Reads the database configured in database.url.

Example:
  compliancectl export --case C-1 --format csv --since 2024-01-01 -o c1.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if f.output != "" && f.output != "-" {
				file, err := os.Create(f.output)
				if err != nil {
					return err
				}
				defer file.Close()
				out = file
			}
			return runExport(cmd.Context(), c, f, out)
		},
	}

	cmd.Flags().StringVar(&f.caseID, "case", "", "case id")
	cmd.Flags().StringVar(&f.debtorID, "debtor", "", "debtor id")
	cmd.Flags().StringVar(&f.format, "format", "json", "json or csv")
	cmd.Flags().StringVar(&f.since, "since", "", "earliest record date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&f.until, "until", "", "latest record date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "-", "output file, - for stdout")
	return cmd
}

func runExport(ctx context.Context, c *cli, f *exportFlags, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if f.caseID == "" && f.debtorID == "" {
		return fmt.Errorf("--case or --debtor is required")
	}
	if c.cfg.Database.URL == "" {
		return fmt.Errorf("database.url is not configured")
	}

	filter := audit.ExportFilter{CaseID: f.caseID, DebtorID: f.debtorID}
	var err error
	if filter.Since, err = parseDate(f.since, false); err != nil {
		return fmt.Errorf("--since: %w", err)
	}
	if filter.Until, err = parseDate(f.until, true); err != nil {
		return fmt.Errorf("--until: %w", err)
	}

	cfg := *c.cfg
	cfg.Store.Backend = "postgres"
	stores, err := engine.OpenStores(ctx, &cfg, c.logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	e, err := engine.New(&cfg, stores, engine.WithLogger(c.logger))
	if err != nil {
		return err
	}
	return e.Audit.Export(ctx, out, audit.ExportFormat(f.format), filter)
}

// parseDate accepts RFC 3339 or a bare date. A bare --until date covers the
// whole day.
func parseDate(s string, endOfDay bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
