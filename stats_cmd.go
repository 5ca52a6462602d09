package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/skysim/voxcache/pkg/client"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics from a running worker",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check whether a worker is running",
	Args:  cobra.NoArgs,
	RunE:  runPing,
}

// connectOnly builds a supervisor that never spawns a worker; status
// commands report on what is already running.
func connectOnly() (*client.Client, error) {
	c := client.New(clientConfig(false))
	if !c.Start() {
		return nil, fmt.Errorf("no worker reachable at %s:%d",
			viper.GetString("host"), viper.GetInt("port"))
	}
	return c, nil
}

func runStats(*cobra.Command, []string) error {
	c, err := connectOnly()
	if err != nil {
		return err
	}
	defer c.Stop()

	resp, ok := c.Stats()
	if !ok {
		return fmt.Errorf("stats request failed")
	}

	total := resp.CacheHits + resp.CacheMisses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(resp.CacheHits) / float64(total) * 100
	}
	size := uint64(resp.CacheSizeMB * 1024 * 1024)

	fmt.Printf("uptime:        %s\n", time.Duration(resp.UptimeS*float64(time.Second)).Round(time.Second))
	fmt.Printf("settings hash: %s\n", resp.SettingsHash)
	fmt.Printf("cached items:  %s\n", humanize.Comma(int64(resp.CachedItems)))
	fmt.Printf("cache size:    %s\n", humanize.IBytes(size))
	fmt.Printf("hits:          %s\n", humanize.Comma(int64(resp.CacheHits)))
	fmt.Printf("misses:        %s\n", humanize.Comma(int64(resp.CacheMisses)))
	fmt.Printf("hit rate:      %.1f%%\n", hitRate)
	fmt.Printf("generated:     %s\n", humanize.Comma(int64(resp.Generated)))
	fmt.Printf("queue size:    %s\n", humanize.Comma(int64(resp.QueueSize)))
	return nil
}

func runPing(*cobra.Command, []string) error {
	c, err := connectOnly()
	if err != nil {
		return err
	}
	defer c.Stop()

	uptime, queueSize, ok := c.Ping()
	if !ok {
		return fmt.Errorf("worker did not answer")
	}
	fmt.Printf("ok: up %s, %d queued\n",
		time.Duration(uptime*float64(time.Second)).Round(time.Second), queueSize)
	return nil
}
