package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/text2vec/internal/embeddings"
	"github.com/raaihank/text2vec/internal/etl"
)

type staticEncoder struct{}

func (staticEncoder) Encode(context.Context, string) (embeddings.Vector, error) {
	return embeddings.Vector{1, 2}, nil
}

func (staticEncoder) BulkEncode(_ context.Context, texts []string) ([]embeddings.Vector, error) {
	out := make([]embeddings.Vector, len(texts))
	for i := range texts {
		out[i] = embeddings.Vector{1, 2}
	}
	return out, nil
}

func (staticEncoder) Dimensions() int { return 2 }
func (staticEncoder) ModelName() string { return "static" }
func (staticEncoder) Pooling() embeddings.Pooling { return embeddings.PoolingMean }
func (staticEncoder) BatchInvariant() bool { return false }

func TestCommands(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"serve", "encode", "etl", "search", "version", "cache"} {
		assert.True(t, names[want], "missing command %s", want)
	}
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, encodeCmd.Flags().Lookup("bulk"))
	assert.NotNil(t, etlCmd.Flags().Lookup("input"))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "text2vec "+version)
}

func TestReadTexts(t *testing.T) {
	texts, err := readTexts([]string{"a", "b"}, strings.NewReader("ignored"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, texts)

	texts, err = readTexts(nil, strings.NewReader("first line\n\n  second line  \n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first line", "second line"}, texts)

	_, err = readTexts(nil, strings.NewReader("\n \n"))
	assert.Error(t, err)
}

func TestWriteEncodeOutput(t *testing.T) {
	var out bytes.Buffer
	texts := []string{"hello", "world"}
	vectors := []embeddings.Vector{{1, 2}, {3, 4}}
	require.NoError(t, writeEncodeOutput(&out, staticEncoder{}, texts, vectors))

	var doc encodeOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &doc))
	assert.Equal(t, "static", doc.Model)
	assert.Equal(t, "mean", doc.Pooling)
	assert.Equal(t, 2, doc.Dimensions)
	require.Len(t, doc.Results, 2)
	assert.Equal(t, "world", doc.Results[1].Text)
	assert.Equal(t, embeddings.Vector{3, 4}, doc.Results[1].Vector)
}

func TestPrintETLResult(t *testing.T) {
	var out bytes.Buffer
	printETLResult(&out, "data.csv", &etl.ProcessingResult{
		TotalRecords:  10,
		ProcessedOK:   8,
		Invalid:       2,
		IndexCreated:  true,
		Duration:      2 * time.Second,
		EmbeddingTime: time.Second,
	})
	assert.Contains(t, out.String(), "data.csv")
	assert.Contains(t, out.String(), "Processed OK:       8")
	assert.Contains(t, out.String(), "5.0 records/s")
}
