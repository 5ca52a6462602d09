package service

import (
	"strconv"

	"github.com/skysim/voxcache/pkg/protocol"
)

// pregenSet is a batch of phrases to pre-generate at one priority. Lower
// priority numbers are generated first.
type pregenSet struct {
	priority int
	texts    []string
}

var phoneticAlphabet = []string{
	"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel",
	"india", "juliet", "kilo", "lima", "mike", "november", "oscar", "papa",
	"quebec", "romeo", "sierra", "tango", "uniform", "victor", "whiskey",
	"x-ray", "yankee", "zulu",
}

var spokenDigits = []string{
	"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "niner",
}

// pregenItems returns the phrase sets for a flight context. Unknown contexts
// get nothing queued.
func pregenItems(context string) []pregenSet {
	switch context {
	case protocol.ContextMenu:
		// Basic numbers for menu narration.
		return []pregenSet{
			{1, numberRange(0, 100, 1)},
		}
	case protocol.ContextGround:
		// Taxi and pre-takeoff phraseology.
		return []pregenSet{
			{1, numberRange(0, 40, 1)}, // runway numbers, gates
			{1, spokenDigits},
			{1, []string{"runway", "taxi", "hold short", "cleared", "position", "hold"}},
			{1, phoneticAlphabet},
			{2, numberRange(100, 370, 10)}, // headings by ten
			{3, numberRange(40, 100, 1)},   // remaining runway numbers, speeds
		}
	case protocol.ContextAirborne:
		// Altitudes, headings, speeds, frequencies.
		return []pregenSet{
			{1, numberRange(0, 100, 1)},
			{1, spokenDigits},
			{1, []string{"altitude", "heading", "airspeed", "vertical speed"}},
			{1, []string{"feet", "knots", "degrees", "flight level"}},
			{1, []string{"hundred", "thousand", "decimal", "point"}},
			{2, numberRange(100, 400, 1)},      // speeds
			{2, numberRange(1000, 10000, 500)}, // altitudes by five hundred
			{2, numberRange(0, 360, 10)},       // headings by ten
			{3, numberRange(10000, 45000, 1000)},
			{3, numberRange(400, 1000, 1)},
		}
	default:
		return nil
	}
}

// numberRange returns [lo, hi) stepping by step, spelled as digits.
func numberRange(lo, hi, step int) []string {
	texts := make([]string, 0, (hi-lo)/step)
	for n := lo; n < hi; n += step {
		texts = append(texts, strconv.Itoa(n))
	}
	return texts
}
