package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/skysim/voxcache/pkg/client"
)

var (
	sayVoice     string
	sayRate      int
	sayVoiceName string
	sayOut       string
	sayNoSpawn   bool
)

var sayCmd = &cobra.Command{
	Use:   "say [text]...",
	Short: "Synthesize a phrase through the worker",
	Long: "\nSynthesize a phrase through the worker and write the audio to a file\n" +
		"or stdout. Spawns a worker if none is running, which also warms the\n" +
		"cache for the simulator.",
	Example: "voxcache say turn left heading three four zero\nvoxcache say --voice atc --out callout.wav cleared for takeoff",
	Args:    cobra.MinimumNArgs(1),
	RunE:    runSay,
}

func init() {
	sayCmd.Flags().StringVarP(&sayVoice, "voice", "v", "cockpit", "logical voice name")
	sayCmd.Flags().IntVarP(&sayRate, "rate", "r", 180, "speech rate in words per minute")
	sayCmd.Flags().StringVar(&sayVoiceName, "voice-name", "", "platform voice name override")
	sayCmd.Flags().StringVarP(&sayOut, "out", "o", "", "output file (default stdout)")
	sayCmd.Flags().BoolVar(&sayNoSpawn, "no-spawn", false, "fail instead of spawning a worker")
}

func runSay(_ *cobra.Command, args []string) error {
	text := strings.Join(args, " ")

	c := client.New(clientConfig(!sayNoSpawn))
	defer c.Stop()

	audio, ok := c.Generate(text, sayVoice, sayRate, sayVoiceName, 0)
	if !ok {
		return errors.New("generation failed")
	}
	log.Debug("Say: generated", "bytes", len(audio))

	if sayOut == "" || sayOut == "-" {
		if _, err := os.Stdout.Write(audio); err != nil {
			return fmt.Errorf("unable to write audio: %w", err)
		}
		return nil
	}
	if err := os.WriteFile(sayOut, audio, 0o644); err != nil {
		return fmt.Errorf("unable to write audio file: %w", err)
	}
	fmt.Printf("Wrote %s to %s\n", humanize.IBytes(uint64(len(audio))), sayOut)
	return nil
}
