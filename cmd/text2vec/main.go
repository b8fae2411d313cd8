package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/raaihank/text2vec/internal/server"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "text2vec",
	Short: "Turn text into sentence vectors with pretrained transformers",
	Long: `text2vec loads a pretrained transformer from the model hub and turns text
into fixed-length vectors. It can serve an HTTP and WebSocket API, encode
text from the command line, and load datasets into a pgvector store.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "text2vec %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

func init() {
	server.Version = version

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: search ./, ./configs, /etc/text2vec, ~/.text2vec)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(encodeCmd)
	rootCmd.AddCommand(etlCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(cacheCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
