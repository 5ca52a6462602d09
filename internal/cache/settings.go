package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
)

// Settings is the voice configuration that keys a cache partition. Any change
// to these fields produces a different partition hash, so audio generated
// under one configuration is never served for another.
type Settings struct {
	// Voice is the logical channel name, e.g. "cockpit", "tower", "atis".
	Voice string `json:"voice"`
	// Rate is the speech rate in words per minute.
	Rate int `json:"rate"`
	// VoiceName is the platform voice, e.g. "Samantha". Empty means the
	// engine default.
	VoiceName string `json:"voice_name,omitempty"`
	// Platform is the OS the audio was rendered on. Engine output differs
	// across platforms, so it participates in the hash.
	Platform string `json:"platform"`
}

// DefaultSettings returns the cockpit voice at the default rate for the
// current platform.
func DefaultSettings() Settings {
	return Settings{
		Voice:    "cockpit",
		Rate:     180,
		Platform: runtime.GOOS,
	}
}

// Hash returns the 12 hex character partition name for these settings.
func (s Settings) Hash() string {
	name := s.VoiceName
	if name == "" {
		name = "default"
	}
	platform := s.Platform
	if platform == "" {
		platform = runtime.GOOS
	}
	key := fmt.Sprintf("%s:%d:%s:%s", s.Voice, s.Rate, name, platform)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:12]
}

// textHash identifies an utterance inside a partition.
func textHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}
