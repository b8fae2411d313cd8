package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/raaihank/text2vec/internal/cache"
)

// cacheCmd groups vector cache maintenance commands
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the Redis vector cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cached vector under the configured key prefix",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(os.Stderr)
		if err != nil {
			return err
		}
		defer log.Sync()

		if cfg.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url is not configured")
		}
		store, err := cache.NewRedisStore(cmd.Context(), cfg.Cache, log.WithComponent("cache").Logger)
		if err != nil {
			return err
		}
		defer store.Close()

		deleted, err := store.Clear(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d cached vectors\n", deleted)
		return nil
	},
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show Redis cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(os.Stderr)
		if err != nil {
			return err
		}
		defer log.Sync()

		if cfg.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url is not configured")
		}
		store, err := cache.NewRedisStore(cmd.Context(), cfg.Cache, log.WithComponent("cache").Logger)
		if err != nil {
			return err
		}
		defer store.Close()

		stats := store.GetStats(cmd.Context())
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "\n=== Cache Statistics ===\n")
		fmt.Fprintf(out, "Total Keys:         %d\n", stats.TotalKeys)
		fmt.Fprintf(out, "Memory Usage:       %.2f MB\n", float64(stats.MemoryUsage)/1024/1024)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
}
