// Package main provides the entry point for the voxcache CLI.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/skysim/voxcache/internal/service"
	"github.com/skysim/voxcache/internal/synth"
	"github.com/skysim/voxcache/pkg/client"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string

	rootCmd = &cobra.Command{
		Use:   "voxcache",
		Short: "Cached text to speech for flight simulators",
		Long: "\nVoxcache keeps a synthesis worker running next to the simulator,\n" +
			"caches every generated phrase on disk, and pre-generates the phrases\n" +
			"the current flight phase is likely to need.",
		SilenceErrors: false,
		SilenceUsage:  true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return setupLog()
		},
	}
)

// setupLog applies the configured level and, when VOXCACHE_LOGFILE is set,
// redirects output there so the worker can log while the simulator owns the
// terminal.
func setupLog() error {
	level, err := log.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)

	if path := os.Getenv("VOXCACHE_LOGFILE"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("unable to open log file: %w", err)
		}
		log.SetOutput(f)
	}
	return nil
}

// cacheDir resolves the audio cache directory, preferring the config value.
func cacheDir() string {
	if dir := viper.GetString("cache.dir"); dir != "" {
		return dir
	}
	scope := gap.NewScope(gap.User, "voxcache")
	if dir, err := scope.CacheDir(); err == nil {
		return filepath.Join(dir, "audio")
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "voxcache", "audio")
}

// engineFromConfig builds the synthesis engine the worker shells out to.
func engineFromConfig() *synth.Command {
	return synth.NewCommand(
		viper.GetString("engine.program"),
		viper.GetStringSlice("engine.args"),
		viper.GetDuration("engine.timeout"),
	)
}

// clientConfig builds a supervisor config for commands that talk to a
// running worker. With spawn set, a missing worker is started from this
// binary's own serve command.
func clientConfig(spawn bool) client.Config {
	cfg := client.Config{
		Host: viper.GetString("host"),
		Port: viper.GetInt("port"),
	}
	if spawn {
		if exe, err := os.Executable(); err == nil {
			cfg.Command = []string{exe, "serve"}
		}
	}
	return cfg
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("host", service.DefaultHost, "worker address")
	rootCmd.PersistentFlags().Int("port", service.DefaultPort, "worker WebSocket port")

	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("host", rootCmd.PersistentFlags().Lookup("host"))
	_ = viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))

	viper.SetDefault("host", service.DefaultHost)
	viper.SetDefault("port", service.DefaultPort)
	viper.SetDefault("log-level", "info")

	// Cache defaults
	viper.SetDefault("cache.dir", "")
	viper.SetDefault("cache.min_audio_bytes", 500)
	viper.SetDefault("cache.cleanup_interval", time.Hour)
	viper.SetDefault("cache.grace_period", 48*time.Hour)

	// Engine defaults
	viper.SetDefault("engine.program", "espeak-ng")
	viper.SetDefault("engine.args", []string{"-s", "{rate}", "--stdout"})
	viper.SetDefault("engine.timeout", synth.DefaultTimeout)

	// Background generation defaults
	viper.SetDefault("queue.max", service.DefaultMaxQueue)
	viper.SetDefault("queue.gen_rate", float64(service.DefaultGenRate))

	rootCmd.AddCommand(serveCmd, sayCmd, statsCmd, pingCmd, cleanupCmd, configCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "voxcache")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "voxcache")}, dirs...)
	}

	if c := os.Getenv("VOXCACHE_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("voxcache")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("voxcache")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", viper.ConfigFileUsed())
		return
	}

	if viper.ConfigFileUsed() == "" {
		configFile = filepath.Join(dirs[0], "voxcache.yml")
	}
	if err := ensureConfigFile(); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}
