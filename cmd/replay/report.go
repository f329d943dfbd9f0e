package main

import (
	"fmt"
	"io"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func printResults(out io.Writer, m *Results, duration time.Duration) {
	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║                       REPLAY RESULTS                          ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════════╝")

	compliant := m.TrueNegatives + m.FalsePositives
	violating := m.TruePositives + m.FalseNegatives

	fmt.Fprintf(out, "\n📊 DATASET STATISTICS\n")
	fmt.Fprintf(out, "   Total Processed:  %d\n", m.Processed())
	fmt.Fprintf(out, "   Non-compliant:    %d\n", violating)
	fmt.Fprintf(out, "   Compliant:        %d\n", compliant)
	fmt.Fprintf(out, "   Errors:           %d\n", m.Errors)

	fmt.Fprintf(out, "\n🧾 DECISIONS\n")
	for _, d := range []domain.Decision{domain.DecisionPass, domain.DecisionNeedsReview, domain.DecisionFail} {
		fmt.Fprintf(out, "   %-14s %d\n", d, m.Decisions[d])
	}

	fmt.Fprintf(out, "\n📈 CONFUSION MATRIX\n")
	fmt.Fprintln(out, "                        Predicted")
	fmt.Fprintln(out, "                  FLAGGED     PASSED")
	fmt.Fprintln(out, "              ┌──────────┬──────────┐")
	fmt.Fprintf(out, "   Actual NC  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Fprintln(out, "              ├──────────┼──────────┤")
	fmt.Fprintf(out, "           C  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Fprintln(out, "              └──────────┴──────────┘")

	fmt.Fprintf(out, "\n🎯 DETECTION METRICS\n")
	fmt.Fprintf(out, "   Precision:  %.4f  (of flagged receipts, how many broke a rule)\n", m.Precision())
	fmt.Fprintf(out, "   Recall:     %.4f  (of non-compliant receipts, how many were flagged)\n", m.Recall())
	fmt.Fprintf(out, "   F1-Score:   %.4f\n", m.F1())
	fmt.Fprintf(out, "   Accuracy:   %.4f\n", m.Accuracy())

	fmt.Fprintf(out, "\n⏱️  PERFORMANCE\n")
	fmt.Fprintf(out, "   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if n := m.Processed(); n > 0 {
		fmt.Fprintf(out, "   p50 Latency:      %v\n", m.Percentile(50))
		fmt.Fprintf(out, "   p95 Latency:      %v\n", m.Percentile(95))
		fmt.Fprintf(out, "   p99 Latency:      %v\n", m.Percentile(99))
		fmt.Fprintf(out, "   Throughput:       %.2f receipts/sec\n", float64(n)/duration.Seconds())
	}

	fmt.Fprintln(out)
}
