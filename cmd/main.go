package main

import (
	"context"
	"fmt"
	"os"

	"affiliation-extract/internal/app"
	"affiliation-extract/internal/config"

	"github.com/spf13/cobra"
)

func main() {
	opts := &config.Options{}

	rootCmd := &cobra.Command{
		Use:   "affiliation-extract",
		Short: "Extracts affiliation data from JSONL.gz files based on profiles defined in a run configuration",
		Long: `affiliation-extract ingests gzip-compressed newline-delimited JSON records
and emits a normalized relational representation as CSV tables. Extraction is
driven by declarative profiles; a run configuration composes multiple
(profile, input directory, filter) tasks into one execution.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := app.New(opts)
			if err != nil {
				return err
			}
			if code := application.Run(context.Background()); code != 0 {
				// Non-zero without a second error print; details are already logged
				os.Exit(code)
			}
			return nil
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&opts.RunConfigPath, "run-config", "", "Path to the run configuration YAML file")
	flags.StringVarP(&opts.OutputDir, "output", "o", "", "Output directory for CSV files")
	flags.StringVarP(&opts.LogLevel, "log-level", "l", "INFO", "Logging level (DEBUG, INFO, WARN, ERROR)")
	flags.IntVarP(&opts.Threads, "threads", "t", 0, "Number of worker threads to use (0 for auto)")
	flags.IntVarP(&opts.BatchSize, "batch-size", "b", 10000, "Advisory size of batches sent to the writer")
	flags.BoolVar(&opts.CreateMetadataFiles, "create-metadata-files", false, "Also emit source/process metadata files")
	flags.IntVar(&opts.MetricsPort, "metrics-port", 0, "Port for the Prometheus metrics endpoint (0 to disable)")
	flags.StringVar(&opts.TraceEndpoint, "trace-endpoint", "", "OTLP/HTTP endpoint for trace export (empty to disable)")

	cobra.CheckErr(rootCmd.MarkFlagRequired("run-config"))
	cobra.CheckErr(rootCmd.MarkFlagRequired("output"))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
