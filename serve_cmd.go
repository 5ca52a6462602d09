package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/skysim/voxcache/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the synthesis worker",
	Long: "\nRun the synthesis worker in the foreground. The simulator side\n" +
		"normally spawns this on demand; running it by hand is useful for\n" +
		"debugging the engine and pre-filling the cache.",
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("cache-dir", "", "audio cache directory")
	serveCmd.Flags().String("engine", "", "synthesis engine program")
	_ = viper.BindPFlag("cache.dir", serveCmd.Flags().Lookup("cache-dir"))
	_ = viper.BindPFlag("engine.program", serveCmd.Flags().Lookup("engine"))
}

func runServe(*cobra.Command, []string) error {
	eng := engineFromConfig()
	if err := eng.Check(); err != nil {
		// Not fatal; every generate will fail until the engine shows up,
		// and cached phrases still serve.
		log.Warn("Serve: synthesis engine not available", "error", err)
	}

	srv := service.New(service.Config{
		Host:            viper.GetString("host"),
		Port:            viper.GetInt("port"),
		CacheDir:        cacheDir(),
		MinAudioBytes:   viper.GetInt("cache.min_audio_bytes"),
		MaxQueue:        viper.GetInt("queue.max"),
		GenRate:         rate.Limit(viper.GetFloat64("queue.gen_rate")),
		CleanupInterval: viper.GetDuration("cache.cleanup_interval"),
		GracePeriod:     viper.GetDuration("cache.grace_period"),
	}, eng)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}
