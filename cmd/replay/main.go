// Replay tool for measuring Kestrel against labelled receipts.
//
// Usage:
//
//	replay --csv receipts.csv --url http://localhost:8080
//	replay --csv receipts.csv --in-process
//
// This tool:
//  1. Reads receipts with a compliance label from a CSV file
//  2. Audits each receipt over HTTP or through an in-process worker
//  3. Compares the audit verdict with the label
//  4. Prints precision, recall, the confusion matrix and latency percentiles
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type options struct {
	csvPath   string
	baseURL   string
	tenantID  string
	limit     int
	workers   int
	inProcess bool
	verbose   bool
	timeout   time.Duration
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := options{}

	cmd := &cobra.Command{
		Use:          "replay",
		Short:        "Replay labelled receipts through Kestrel",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.csvPath, "csv", "", "Path to labelled receipt CSV")
	cmd.Flags().StringVar(&opts.baseURL, "url", "http://localhost:8080", "Kestrel base URL")
	cmd.Flags().StringVar(&opts.tenantID, "tenant", "replay", "Tenant ID for requests")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Maximum receipts to replay (0 = all)")
	cmd.Flags().IntVar(&opts.workers, "workers", 10, "Number of concurrent workers")
	cmd.Flags().BoolVar(&opts.inProcess, "in-process", false, "Audit through an in-process worker instead of HTTP")
	cmd.Flags().BoolVar(&opts.verbose, "verbose", false, "Print each receipt result")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Per-receipt timeout")
	_ = cmd.MarkFlagRequired("csv")

	return cmd
}

func run(ctx context.Context, opts options) error {
	out := os.Stdout

	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║            KESTREL REPLAY - Labelled Receipt Audit            ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════════╝")
	fmt.Fprintf(out, "\nCSV File:    %s\n", opts.csvPath)
	if opts.inProcess {
		fmt.Fprintln(out, "Mode:        in-process worker")
	} else {
		fmt.Fprintf(out, "Kestrel URL: %s\n", opts.baseURL)
	}
	fmt.Fprintf(out, "Tenant ID:   %s\n", opts.tenantID)
	fmt.Fprintf(out, "Workers:     %d\n", opts.workers)
	fmt.Fprintln(out)

	var auditor Auditor
	if opts.inProcess {
		local, err := newLocalAuditor(opts.timeout)
		if err != nil {
			return fmt.Errorf("failed to start in-process pipeline: %w", err)
		}
		defer local.Close()
		auditor = local
	} else {
		remote := newHTTPAuditor(opts.baseURL, &http.Client{Timeout: opts.timeout})
		if err := remote.checkHealth(ctx); err != nil {
			return fmt.Errorf("kestrel not reachable at %s: %w", opts.baseURL, err)
		}
		fmt.Fprintln(out, "✓ Kestrel is healthy")
		auditor = remote
	}

	f, err := os.Open(opts.csvPath)
	if err != nil {
		return err
	}
	defer f.Close()

	receipts, err := readReceipts(f, opts.limit)
	if err != nil {
		return fmt.Errorf("failed to read CSV: %w", err)
	}
	fmt.Fprintf(out, "✓ Loaded %d receipts\n", len(receipts))

	fmt.Fprintf(out, "\nReplaying with %d workers...\n", opts.workers)
	start := time.Now()
	results := replay(ctx, auditor, receipts, opts.tenantID, opts.workers, out, opts.verbose)
	printResults(out, results, time.Since(start))

	return nil
}
