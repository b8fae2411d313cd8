package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raaihank/text2vec/internal/embeddings"
	"github.com/raaihank/text2vec/internal/vector"
)

var (
	encodeBulk  bool
	encodeStore bool
)

// encodeCmd represents the encode command
var encodeCmd = &cobra.Command{
	Use:   "encode [text...]",
	Short: "Encode texts and print the vectors as JSON",
	Long: `Encode each argument, or each non-empty line of stdin when no argument is
given. With --bulk all texts are encoded in one batch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		texts, err := readTexts(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		return runEncode(cmd.Context(), texts, cmd.OutOrStdout())
	},
}

func init() {
	encodeCmd.Flags().BoolVar(&encodeBulk, "bulk", false, "encode all texts in a single batch")
	encodeCmd.Flags().BoolVar(&encodeStore, "store", false, "also store the vectors in the configured database")
}

// encodeOutput is the JSON document printed by encode
type encodeOutput struct {
	Model      string         `json:"model"`
	Pooling    string         `json:"pooling"`
	Dimensions int            `json:"dimensions"`
	Results    []encodeResult `json:"results"`
}

type encodeResult struct {
	Text   string            `json:"text"`
	Vector embeddings.Vector `json:"vector"`
}

// readTexts returns args, or the non-empty lines of r when args is empty
func readTexts(args []string, r io.Reader) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	var texts []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			texts = append(texts, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("no text to encode")
	}
	return texts, nil
}

func runEncode(ctx context.Context, texts []string, out io.Writer) error {
	a, err := newApp(ctx, appOptions{logOutput: os.Stderr, withStore: encodeStore, requireStore: encodeStore})
	if err != nil {
		return err
	}
	defer a.Close()

	var vectors []embeddings.Vector
	if encodeBulk {
		vectors, err = a.encoder.BulkEncode(ctx, texts)
		if err != nil {
			return err
		}
	} else {
		for _, text := range texts {
			vec, err := a.encoder.Encode(ctx, text)
			if err != nil {
				return err
			}
			vectors = append(vectors, vec)
		}
	}

	if a.store != nil {
		if err := a.ensureSchema(ctx); err != nil {
			return err
		}
		for i, text := range texts {
			row := &vector.TextVector{ModelName: a.encoder.ModelName(), Text: text, Embedding: vectors[i]}
			if err := a.store.Insert(ctx, row); err != nil {
				return err
			}
		}
	}

	return writeEncodeOutput(out, a.encoder, texts, vectors)
}

func writeEncodeOutput(out io.Writer, encoder embeddings.Encoder, texts []string, vectors []embeddings.Vector) error {
	doc := encodeOutput{
		Model:      encoder.ModelName(),
		Pooling:    string(encoder.Pooling()),
		Dimensions: encoder.Dimensions(),
		Results:    make([]encodeResult, len(texts)),
	}
	for i, text := range texts {
		doc.Results[i] = encodeResult{Text: text, Vector: vectors[i]}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
