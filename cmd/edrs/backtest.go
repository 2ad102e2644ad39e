package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/edrs/internal/backtest"
)

var errNoLabel = errors.New("dataset has no default.payment.next.month column")

func newBacktestCommand(configPath *string) *cobra.Command {
	var flags batchFlags
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Compare flagged buckets against the observed default label",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start := time.Now()
			service, run, err := scoreFile(cmd.Context(), *configPath, flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if !run.HasLabel {
				return errNoLabel
			}
			res, err := backtest.Run(run.Table, run.Flagged, service.Model().Buckets())
			if err != nil {
				return err
			}
			printResults(cmd.OutOrStdout(), res, len(run.Failures), time.Since(start))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func printResults(w io.Writer, res *backtest.Result, failed int, duration time.Duration) {
	m := res.Metrics
	flagged := make([]string, len(res.Flagged))
	for i, b := range res.Flagged {
		flagged[i] = string(b)
	}

	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║                       BACKTEST RESULTS                        ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════════╝")

	fmt.Fprintf(w, "\n📊 DATASET STATISTICS\n")
	fmt.Fprintf(w, "   Labeled:          %d\n", m.Labeled)
	fmt.Fprintf(w, "   Unlabeled:        %d\n", m.Unlabeled)
	fmt.Fprintf(w, "   Defaulted:        %d\n", m.Defaulted)
	fmt.Fprintf(w, "   Failed:           %d\n", failed)
	fmt.Fprintf(w, "   Flagged buckets:  %s\n", strings.Join(flagged, ", "))

	fmt.Fprintf(w, "\n📈 CONFUSION MATRIX\n")
	fmt.Fprintln(w, "                        Predicted")
	fmt.Fprintln(w, "                   FLAGGED    NOT FLAGGED")
	fmt.Fprintln(w, "              ┌──────────┬──────────┐")
	fmt.Fprintf(w, "   Actual  D  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Fprintln(w, "              ├──────────┼──────────┤")
	fmt.Fprintf(w, "          ND  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Fprintln(w, "              └──────────┴──────────┘")

	fmt.Fprintf(w, "\n🎯 DETECTION METRICS\n")
	fmt.Fprintf(w, "   Precision:  %.4f  (of flagged, how many defaulted)\n", m.Precision())
	fmt.Fprintf(w, "   Recall:     %.4f  (of defaults, how many were flagged)\n", m.Recall())
	fmt.Fprintf(w, "   F1-Score:   %.4f\n", m.F1())
	fmt.Fprintf(w, "   Accuracy:   %.4f\n", m.Accuracy())
	fmt.Fprintf(w, "   False Alarms: %.2f%%\n", m.FalseAlarmRate()*100)

	fmt.Fprintf(w, "\n🔍 DEFAULT RATE BY BUCKET\n")
	for _, b := range res.Buckets {
		fmt.Fprintf(w, "   %-10s %6d accounts  %6d defaulted  (%.2f%%)\n", b.Bucket, b.Count, b.Defaulted, b.Rate*100)
	}

	fmt.Fprintf(w, "\n⏱️  Duration: %v\n", duration.Round(time.Millisecond))
}
