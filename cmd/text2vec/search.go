package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raaihank/text2vec/internal/vector"
)

var (
	searchLimit         int
	searchMinSimilarity float32
	searchAllModels     bool
)

// searchCmd represents the search command
var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Find stored texts similar to the given text",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSearch(cmd.Context(), strings.Join(args, " "), cmd.OutOrStdout())
	},
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 5, "maximum number of results")
	searchCmd.Flags().Float32Var(&searchMinSimilarity, "min-similarity", 0.7, "minimum cosine similarity")
	searchCmd.Flags().BoolVar(&searchAllModels, "all-models", false, "include vectors from other models")
}

func runSearch(ctx context.Context, text string, out io.Writer) error {
	a, err := newApp(ctx, appOptions{logOutput: os.Stderr, withStore: true, requireStore: true})
	if err != nil {
		return err
	}
	defer a.Close()

	vec, err := a.encoder.Encode(ctx, text)
	if err != nil {
		return err
	}

	opts := &vector.SearchOptions{Limit: searchLimit, MinSimilarity: searchMinSimilarity}
	if !searchAllModels {
		opts.ModelName = a.encoder.ModelName()
	}
	results, err := a.store.FindSimilar(ctx, vec, opts)
	if err != nil {
		return err
	}

	if len(results) == 0 {
		fmt.Fprintln(out, "No similar texts found")
		return nil
	}
	for i, res := range results {
		fmt.Fprintf(out, "%2d. [%.4f] %s", i+1, res.Similarity, res.Vector.Text)
		if res.Vector.SourceID != "" {
			fmt.Fprintf(out, " (source: %s)", res.Vector.SourceID)
		}
		fmt.Fprintln(out)
	}
	return nil
}
