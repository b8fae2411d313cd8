package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/text2vec/internal/etl"
)

var (
	etlInput     string
	etlBatchSize int
	etlDryRun    bool
	etlSkipIndex bool
	etlShowStats bool
)

// etlCmd represents the etl command
var etlCmd = &cobra.Command{
	Use:   "etl",
	Short: "Encode a CSV, Parquet or JSONL dataset into the vector store",
	Example: `  text2vec etl --input dataset.csv --batch-size 128
  text2vec etl --input dataset.parquet --dry-run
  text2vec etl --stats`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if etlInput == "" && !etlShowStats {
			return fmt.Errorf("--input is required")
		}
		return runETL(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	etlCmd.Flags().StringVarP(&etlInput, "input", "i", "", "input dataset file (CSV, Parquet or JSONL)")
	etlCmd.Flags().IntVar(&etlBatchSize, "batch-size", 0, "records per encode batch (default from config)")
	etlCmd.Flags().BoolVar(&etlDryRun, "dry-run", false, "encode without writing to the database")
	etlCmd.Flags().BoolVar(&etlSkipIndex, "skip-index", false, "skip creating the vector index")
	etlCmd.Flags().BoolVar(&etlShowStats, "stats", false, "show database statistics and exit")
}

func runETL(ctx context.Context, out io.Writer) error {
	a, err := newApp(ctx, appOptions{logOutput: os.Stderr, withStore: !etlDryRun, requireStore: !etlDryRun})
	if err != nil {
		return err
	}
	defer a.Close()

	if etlShowStats {
		return showDatabaseStats(ctx, a, out)
	}

	if _, err := os.Stat(etlInput); err != nil {
		return fmt.Errorf("input file: %w", err)
	}

	cfg := a.cfg.ETL
	if etlBatchSize > 0 {
		cfg.BatchSize = etlBatchSize
	}
	if etlSkipIndex {
		cfg.CreateIndex = false
	}

	var writer etl.VectorWriter
	if a.store != nil {
		if err := a.ensureSchema(ctx); err != nil {
			return err
		}
		writer = a.store
	}

	pipeline := etl.NewPipeline(a.encoder, writer, cfg, a.log.WithComponent("etl").Logger)
	result, err := pipeline.ProcessFile(ctx, etlInput)
	if result != nil {
		printETLResult(out, etlInput, result)
	}
	if err != nil {
		return fmt.Errorf("pipeline processing failed: %w", err)
	}
	if len(result.Errors) > 0 {
		a.log.Warn("Processing completed with errors", zap.Strings("errors", result.Errors))
	}
	return nil
}

func printETLResult(out io.Writer, input string, result *etl.ProcessingResult) {
	rate := 0.0
	if secs := result.Duration.Seconds(); secs > 0 {
		rate = float64(result.TotalRecords) / secs
	}
	fmt.Fprintf(out, "\n=== ETL Results: %s ===\n", input)
	fmt.Fprintf(out, "Total Records:      %d\n", result.TotalRecords)
	fmt.Fprintf(out, "Processed OK:       %d\n", result.ProcessedOK)
	fmt.Fprintf(out, "Failed:             %d (%d batches)\n", result.ProcessedFailed, result.FailedBatches)
	fmt.Fprintf(out, "Invalid:            %d\n", result.Invalid)
	fmt.Fprintf(out, "Duplicates:         %d\n", result.Duplicates)
	fmt.Fprintf(out, "Index Created:      %t\n", result.IndexCreated)
	fmt.Fprintf(out, "Duration:           %v (%.1f records/s)\n", result.Duration, rate)
	fmt.Fprintf(out, "Embedding Time:     %v\n", result.EmbeddingTime)
	fmt.Fprintf(out, "Database Time:      %v\n", result.DatabaseTime)
}

// showDatabaseStats displays current database statistics
func showDatabaseStats(ctx context.Context, a *app, out io.Writer) error {
	if a.store == nil {
		return fmt.Errorf("database.database_url is not configured")
	}
	stats, err := a.store.GetStats(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\n=== Vector Database Statistics ===\n")
	fmt.Fprintf(out, "Total Vectors:      %d\n", stats.TotalVectors)
	for model, count := range stats.PerModel {
		fmt.Fprintf(out, "  %-40s %d\n", model, count)
	}
	return nil
}
