package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfig = `# worker endpoint (loopback only; the worker is a local subsystem)
host: "127.0.0.1"
port: 51127

# log level: debug, info, warn, error
log-level: "info"

cache:
  # audio cache directory; empty uses the OS cache dir
  dir: ""
  # generated audio shorter than this is treated as an engine failure
  min_audio_bytes: 500
  # how often the worker sweeps inactive voice partitions; negative disables
  cleanup_interval: "1h"
  # entries accessed within this window survive the sweep
  grace_period: "48h"

# synthesis engine the worker shells out to. Args may use the {text},
# {rate} and {voice} placeholders; without {text} the phrase is piped
# to stdin. The engine must write audio to stdout.
engine:
  program: "espeak-ng"
  args: ["-s", "{rate}", "--stdout"]
  timeout: "15s"

# background pre-generation
queue:
  max: 50000
  # phrases generated per second while pre-filling the cache
  gen_rate: 10

# logical voices the simulator refers to
voices:
  cockpit:
    voice: "cockpit"
    rate: 180
  atc:
    voice: "atc"
    rate: 190
`

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Edit the voxcache config file",
	Long:    "\nEdit the voxcache config file. We'll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.",
	Example: "voxcache config\nvoxcache config --config path/to/voxcache.yml",
	Args:    cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("voxcache", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

// ensureConfigFile resolves configFile and writes the default configuration
// when no file exists there yet. Only YAML files are accepted.
func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.GetViper().ConfigFileUsed()
	}
	switch path.Ext(configFile) {
	case ".yaml", ".yml":
	default:
		return fmt.Errorf("%q is not a supported configuration type: use .yaml or .yml", path.Ext(configFile))
	}

	_, err := os.Stat(configFile)
	if err == nil {
		return nil // keep the existing file untouched
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("unable to stat config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
		return fmt.Errorf("unable to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfig), 0o644); err != nil {
		return fmt.Errorf("unable to write default config: %w", err)
	}
	return nil
}
