// Package protocol defines the JSON messages exchanged between the speech
// supervisor and the synthesis worker over a persistent WebSocket connection.
// Every request carries a correlation id; the matching response echoes it.
// Audio payloads travel base64 encoded in the Data field.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Command names understood by the worker.
const (
	CmdGenerate   = "generate"
	CmdInvalidate = "invalidate"
	CmdQueue      = "queue"
	CmdPing       = "ping"
	CmdStats      = "stats"
	CmdContext    = "context"
	CmdShutdown   = "shutdown"
)

// Flight contexts for pre-generation phrase sets.
const (
	ContextMenu     = "menu"
	ContextGround   = "ground"
	ContextAirborne = "airborne"
)

// VoiceConfig describes one voice channel for context pre-generation.
type VoiceConfig struct {
	Voice     string `json:"voice"`
	Rate      int    `json:"rate"`
	VoiceName string `json:"voice_name,omitempty"`
}

// Request is the envelope sent supervisor -> worker. Fields beyond Cmd and
// ID are command specific; unused ones are omitted on the wire.
type Request struct {
	Cmd string `json:"cmd"`
	ID  string `json:"id"`

	// generate and queue
	Text      string   `json:"text,omitempty"`
	Texts     []string `json:"texts,omitempty"`
	Voice     string   `json:"voice,omitempty"`
	Rate      int      `json:"rate,omitempty"`
	VoiceName string   `json:"voice_name,omitempty"`
	Priority  int      `json:"priority,omitempty"`

	// context
	Context string                 `json:"context,omitempty"`
	Voices  map[string]VoiceConfig `json:"voices,omitempty"`
}

// Response is the envelope sent worker -> supervisor. OK false means the
// command failed and Error says why; any other fields are then meaningless.
type Response struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	// generate
	Size       int     `json:"size,omitempty"`
	Cached     bool    `json:"cached,omitempty"`
	DurationMS float64 `json:"duration_ms,omitempty"`
	Data       string  `json:"data,omitempty"`

	// invalidate
	ClearedQueue    int    `json:"cleared_queue,omitempty"`
	NewSettingsHash string `json:"new_settings_hash,omitempty"`

	// queue
	Queued  int `json:"queued,omitempty"`
	Skipped int `json:"skipped,omitempty"`

	// ping
	UptimeS float64 `json:"uptime_s,omitempty"`

	// ping and stats
	QueueSize int `json:"queue_size,omitempty"`

	// stats
	CacheHits    int     `json:"cache_hits,omitempty"`
	CacheMisses  int     `json:"cache_misses,omitempty"`
	Generated    int     `json:"generated,omitempty"`
	CachedItems  int     `json:"cached_items,omitempty"`
	CacheSizeMB  float64 `json:"cache_size_mb,omitempty"`
	SettingsHash string  `json:"settings_hash,omitempty"`

	// context
	Context string `json:"context,omitempty"`
}

// NewID returns a fresh correlation id.
func NewID() string {
	return uuid.NewString()
}

// OKResponse returns a success envelope for the given correlation id.
func OKResponse(id string) Response {
	return Response{ID: id, OK: true}
}

// ErrorResponse returns a failure envelope for the given correlation id.
func ErrorResponse(id, msg string) Response {
	return Response{ID: id, Error: msg}
}

// EncodeAudio encodes raw audio bytes for the Data field.
func EncodeAudio(audio []byte) string {
	return base64.StdEncoding.EncodeToString(audio)
}

// DecodeAudio decodes the Data field back into raw audio bytes.
func DecodeAudio(data string) ([]byte, error) {
	audio, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decoding audio payload: %w", err)
	}
	return audio, nil
}

// ParseRequest decodes a raw frame into a Request. Frames without a cmd are
// rejected so the worker never dispatches an empty command name.
func ParseRequest(raw []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("decoding request: %w", err)
	}
	if req.Cmd == "" {
		return Request{}, fmt.Errorf("request missing cmd")
	}
	return req, nil
}
