package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/edrs/internal/domain"
	"github.com/opensource-finance/edrs/internal/export"
	"github.com/opensource-finance/edrs/internal/ingest"
	"github.com/opensource-finance/edrs/internal/pipeline"
)

type batchFlags struct {
	in        string
	scorecard string
}

func (f *batchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.in, "in", "i", "", "dataset file (.csv or .xlsx)")
	cmd.Flags().StringVar(&f.scorecard, "scorecard", "", "scorecard YAML (overrides the configured one)")
	_ = cmd.MarkFlagRequired("in")
}

func newScoreCommand(configPath *string) *cobra.Command {
	var (
		flags batchFlags
		out   string
	)
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a dataset offline and write the priority workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			service, run, err := scoreFile(cmd.Context(), *configPath, flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			printRun(w, run)
			if out == "" {
				return nil
			}
			if err := export.WriteFile(out, service.Report(run)); err != nil {
				return err
			}
			fmt.Fprintf(w, "\nWorkbook written to %s\n", out)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&out, "out", "o", "", "workbook to write (.xlsx)")
	return cmd
}

// scoreFile reads and scores one dataset without touching the repository.
func scoreFile(ctx context.Context, configPath string, flags batchFlags, logs io.Writer) (*pipeline.Service, *domain.ScoringRun, error) {
	cfg, logger, err := loadConfig(configPath, logs)
	if err != nil {
		return nil, nil, err
	}
	scorecardPath := cfg.Scoring.ScorecardPath
	if flags.scorecard != "" {
		scorecardPath = flags.scorecard
	}
	sc, _, err := scorecardSource(ctx, scorecardPath, nil, "")
	if err != nil {
		return nil, nil, err
	}
	service, err := newService(cfg, sc, nil, logger)
	if err != nil {
		return nil, nil, err
	}

	res, err := ingest.ReadFile(flags.in)
	if err != nil {
		return nil, nil, err
	}
	run, err := service.Score(ctx, pipeline.Batch{
		TenantID: cfg.Server.DefaultTenant,
		Accounts: res.Accounts,
		Failures: res.Failures,
		HasLabel: res.HasLabel,
	})
	if err != nil {
		return nil, nil, err
	}
	return service, run, nil
}

func printRun(w io.Writer, run *domain.ScoringRun) {
	fmt.Fprintf(w, "Run %s (scorecard %s)\n", run.ID, run.ScorecardVersion)
	fmt.Fprintf(w, "Scored: %d  Failed: %d\n\n", len(run.Table), len(run.Failures))

	summary := newTable("BUCKET", "COUNT", "MEAN SCORE", "LOW PAYMENT", "DPD NOW")
	for _, s := range run.Summary {
		summary.Row(string(s.Bucket), strconv.Itoa(s.Count), fmt.Sprintf("%.1f", s.MeanScore),
			fmt.Sprintf("%.0f%%", s.ShareLowRatio*100), fmt.Sprintf("%.0f%%", s.ShareDPDNow*100))
	}
	fmt.Fprintln(w, summary.Render())

	if len(run.Failures) == 0 {
		return
	}
	fmt.Fprintln(w, "\nFailures:")
	failures := newTable("ROW", "ID", "FIELD", "REASON")
	for _, f := range run.Failures {
		failures.Row(strconv.Itoa(f.Row), f.AccountID, f.Field, f.Reason)
	}
	fmt.Fprintln(w, failures.Render())
}

func newTable(headers ...string) *table.Table {
	cell := lipgloss.NewStyle().Padding(0, 1)
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return cell.Bold(true)
			}
			return cell
		})
}
