package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"classroll/internal/report"
)

func newReportCommand(ctx *commandContext) *cobra.Command {
	var (
		f       report.Filter
		mode    string
		status  string
		csvOut  string
		xlsxOut string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate an attendance report",
		Example: `  classroll report --subject 1 --mode CLASS --status ABSENT
  classroll report --from 2024-01-01 --to 2024-01-31 --mode RAW --out january.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ViewMode = report.ViewMode(mode)
			f.Status = report.StatusFilter(status)
			nf, err := f.Normalize()
			if err != nil {
				return err
			}
			c := ctx.client()

			if csvOut != "" || xlsxOut != "" {
				format, path := "csv", csvOut
				if xlsxOut != "" {
					format, path = "xlsx", xlsxOut
				}
				data, name, err := c.Export(cmd.Context(), nf, format)
				if err != nil {
					return err
				}
				if info, err := os.Stat(path); err == nil && info.IsDir() && name != "" {
					path = filepath.Join(path, name)
				}
				if err := os.WriteFile(path, data, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", path, len(data))
				return nil
			}

			tbl, err := c.Generate(cmd.Context(), nf)
			if err != nil {
				return err
			}
			tbl = tbl.FilterStatus(nf.Status)
			if len(tbl.Data) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No rows match the filter.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(tbl.Columns, tbl.Records(), reportAligns(tbl)))
			fmt.Fprintf(cmd.OutOrStdout(), "%s view, %d rows\n", tbl.ViewMode, len(tbl.Data))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Int64SliceVar(&f.SubjectIDs, "subject", nil, "Subject id (repeatable)")
	flags.Int64SliceVar(&f.SessionIDs, "session", nil, "Session id (repeatable)")
	flags.Int64SliceVar(&f.StudentIDs, "student", nil, "Student id (repeatable)")
	flags.Int64SliceVar(&f.ProfessorIDs, "professor", nil, "Professor id (repeatable)")
	flags.StringSliceVar(&f.Rooms, "room", nil, "Room (repeatable)")
	flags.StringVar(&f.StartDate, "from", "", "First day, YYYY-MM-DD")
	flags.StringVar(&f.EndDate, "to", "", "Last day, YYYY-MM-DD")
	flags.StringVar(&mode, "mode", string(report.ModeClass), "View mode: CLASS or RAW")
	flags.StringVar(&status, "status", string(report.StatusAll), "Row filter: ALL, PRESENT or ABSENT")
	flags.StringVar(&csvOut, "out", "", "Write CSV to this file or directory")
	flags.StringVar(&xlsxOut, "xlsx", "", "Write XLSX to this file or directory")
	cmd.MarkFlagsMutuallyExclusive("out", "xlsx")
	return cmd
}

func reportAligns(tbl report.Table) []columnAlignment {
	aligns := make([]columnAlignment, len(tbl.Columns))
	for i, c := range tbl.Columns {
		switch strings.TrimSpace(c) {
		case report.ColTotalSession, report.ColPresent, report.ColAbsent:
			aligns[i] = alignRight
		}
	}
	return aligns
}
