package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/skysim/voxcache/internal/cache"
)

var cleanupGrace time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Sweep stale entries from the audio cache",
	Long: "\nSweep entries not accessed within the grace period from every voice\n" +
		"partition on disk. The running worker does this periodically but\n" +
		"spares the active partition; run this offline for a full sweep.",
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupGrace, "grace", 0, "override the configured grace period")
}

func runCleanup(*cobra.Command, []string) error {
	grace := cleanupGrace
	if grace <= 0 {
		grace = viper.GetDuration("cache.grace_period")
	}
	deleted := cache.Sweep(cacheDir(), grace)
	fmt.Printf("Removed %d stale files from %s\n", deleted, cacheDir())
	return nil
}
