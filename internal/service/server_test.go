package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skysim/voxcache/internal/cache"
	"github.com/skysim/voxcache/pkg/protocol"
)

type fakeSynth struct {
	fail bool
}

func (f *fakeSynth) Synthesize(_ context.Context, text string, _ cache.Settings) ([]byte, error) {
	if f.fail {
		return nil, fmt.Errorf("engine down")
	}
	sum := sha256.Sum256([]byte(text))
	return bytes.Repeat(sum[:], 32), nil
}

// newTestServer returns an unstarted server for direct handler tests.
func newTestServer(t *testing.T, synth cache.Synthesizer) *Server {
	t.Helper()
	return New(Config{
		CacheDir:        t.TempDir(),
		CleanupInterval: -1,
	}, synth)
}

// startTestServer runs a full server and dials it.
func startTestServer(t *testing.T) (*Server, *websocket.Conn) {
	t.Helper()
	s := New(Config{
		Host:            "127.0.0.1",
		Port:            0,
		CacheDir:        t.TempDir(),
		CleanupInterval: -1,
		GenRate:         1000,
	}, &fakeSynth{})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr()+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return s, conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, req protocol.Request) protocol.Response {
	t.Helper()
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp protocol.Response
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp
}

func TestGenerateRoundTrip(t *testing.T) {
	_, conn := startTestServer(t)

	req := protocol.Request{
		Cmd:   protocol.CmdGenerate,
		ID:    protocol.NewID(),
		Text:  "cleared to land",
		Voice: "tower",
		Rate:  180,
	}
	resp := roundTrip(t, conn, req)
	if !resp.OK {
		t.Fatalf("generate failed: %s", resp.Error)
	}
	if resp.ID != req.ID {
		t.Errorf("correlation id mismatch: %q vs %q", resp.ID, req.ID)
	}
	if resp.Cached {
		t.Error("first generate reported cached")
	}
	audio, err := protocol.DecodeAudio(resp.Data)
	if err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if len(audio) != resp.Size {
		t.Errorf("size field %d, payload %d bytes", resp.Size, len(audio))
	}

	req.ID = protocol.NewID()
	again := roundTrip(t, conn, req)
	if !again.OK || !again.Cached {
		t.Errorf("second generate: ok=%v cached=%v", again.OK, again.Cached)
	}
}

func TestGenerateEmptyTextRejected(t *testing.T) {
	_, conn := startTestServer(t)
	resp := roundTrip(t, conn, protocol.Request{
		Cmd: protocol.CmdGenerate, ID: protocol.NewID(), Text: "   ",
	})
	if resp.OK || resp.Error == "" {
		t.Errorf("empty text accepted: %+v", resp)
	}
}

func TestUnknownCommand(t *testing.T) {
	_, conn := startTestServer(t)
	resp := roundTrip(t, conn, protocol.Request{Cmd: "reboot", ID: protocol.NewID()})
	if resp.OK {
		t.Error("unknown command accepted")
	}
	if resp.Error == "" {
		t.Error("unknown command response missing error")
	}
}

func TestPing(t *testing.T) {
	_, conn := startTestServer(t)
	resp := roundTrip(t, conn, protocol.Request{Cmd: protocol.CmdPing, ID: protocol.NewID()})
	if !resp.OK {
		t.Fatalf("ping failed: %s", resp.Error)
	}
	if resp.UptimeS < 0 {
		t.Errorf("uptime = %f", resp.UptimeS)
	}
}

func TestShutdownCommand(t *testing.T) {
	s, conn := startTestServer(t)
	resp := roundTrip(t, conn, protocol.Request{Cmd: protocol.CmdShutdown, ID: protocol.NewID()})
	if !resp.OK {
		t.Fatalf("shutdown refused: %s", resp.Error)
	}
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown command did not signal the server")
	}
}

func TestGenerateEngineFailure(t *testing.T) {
	s := newTestServer(t, &fakeSynth{fail: true})
	resp := s.handle(protocol.Request{
		Cmd: protocol.CmdGenerate, ID: "r1", Text: "wind check",
	})
	if resp.OK {
		t.Error("generate succeeded with a failing engine")
	}
	if resp.Error == "" {
		t.Error("failure response missing error")
	}
}

func TestQueueCountsAndDedup(t *testing.T) {
	// No goroutines running, so the queue state is deterministic.
	s := newTestServer(t, &fakeSynth{})

	gen := s.handle(protocol.Request{
		Cmd: protocol.CmdGenerate, ID: "g1", Text: "alpha", Voice: "cockpit",
	})
	if !gen.OK {
		t.Fatalf("generate: %s", gen.Error)
	}

	resp := s.handle(protocol.Request{
		Cmd:   protocol.CmdQueue,
		ID:    "q1",
		Texts: []string{"alpha", "bravo", "charlie", "  "},
		Voice: "cockpit",
	})
	if !resp.OK {
		t.Fatalf("queue: %s", resp.Error)
	}
	if resp.Queued != 2 || resp.Skipped != 1 {
		t.Errorf("queued=%d skipped=%d, want 2/1", resp.Queued, resp.Skipped)
	}

	// Everything is now cached or pending.
	resp = s.handle(protocol.Request{
		Cmd:   protocol.CmdQueue,
		ID:    "q2",
		Texts: []string{"alpha", "bravo", "charlie"},
		Voice: "cockpit",
	})
	if resp.Queued != 0 || resp.Skipped != 3 {
		t.Errorf("second queue: queued=%d skipped=%d, want 0/3", resp.Queued, resp.Skipped)
	}
}

func TestInvalidateClearsQueueAndSwitchesSettings(t *testing.T) {
	s := newTestServer(t, &fakeSynth{})

	s.handle(protocol.Request{
		Cmd: protocol.CmdQueue, ID: "q1",
		Texts: []string{"one", "two", "three"}, Voice: "cockpit",
	})

	resp := s.handle(protocol.Request{
		Cmd: protocol.CmdInvalidate, ID: "i1",
		Voice: "cockpit", Rate: 220, VoiceName: "Alex",
	})
	if !resp.OK {
		t.Fatalf("invalidate: %s", resp.Error)
	}
	if resp.ClearedQueue != 3 {
		t.Errorf("cleared_queue = %d, want 3", resp.ClearedQueue)
	}
	if resp.NewSettingsHash == "" {
		t.Error("invalidate response missing new settings hash")
	}
	if s.queue.size() != 0 {
		t.Errorf("queue size = %d after invalidate", s.queue.size())
	}

	// A following generate under the new settings lands in the new partition.
	gen := s.handle(protocol.Request{
		Cmd: protocol.CmdGenerate, ID: "g1", Text: "contact",
		Voice: "cockpit", Rate: 220, VoiceName: "Alex",
	})
	if !gen.OK {
		t.Fatalf("generate after invalidate: %s", gen.Error)
	}
	stats := s.handle(protocol.Request{Cmd: protocol.CmdStats, ID: "s1"})
	if stats.SettingsHash != resp.NewSettingsHash {
		t.Errorf("active hash = %q, want %q", stats.SettingsHash, resp.NewSettingsHash)
	}
}

func TestContextQueuesPregenItems(t *testing.T) {
	s := newTestServer(t, &fakeSynth{})

	resp := s.handle(protocol.Request{
		Cmd:     protocol.CmdContext,
		ID:      "c1",
		Context: protocol.ContextAirborne,
		Voices: map[string]protocol.VoiceConfig{
			"cockpit": {Voice: "cockpit", Rate: 180},
		},
	})
	if !resp.OK {
		t.Fatalf("context: %s", resp.Error)
	}
	if resp.Context != protocol.ContextAirborne {
		t.Errorf("context echo = %q", resp.Context)
	}
	if resp.Queued == 0 {
		t.Fatal("airborne context queued nothing")
	}
	if s.queue.size() != resp.Queued {
		t.Errorf("queue size %d != reported %d", s.queue.size(), resp.Queued)
	}

	// Highest priority band comes out first.
	item, _ := s.queue.pop()
	if item.priority != 1 {
		t.Errorf("first popped priority = %d, want 1", item.priority)
	}

	// Switching context replaces the backlog rather than appending.
	menu := s.handle(protocol.Request{
		Cmd:     protocol.CmdContext,
		ID:      "c2",
		Context: protocol.ContextMenu,
		Voices: map[string]protocol.VoiceConfig{
			"cockpit": {Voice: "cockpit", Rate: 180},
		},
	})
	if s.queue.size() != menu.Queued {
		t.Errorf("context switch did not replace queue: size=%d queued=%d",
			s.queue.size(), menu.Queued)
	}

	unknown := s.handle(protocol.Request{
		Cmd: protocol.CmdContext, ID: "c3", Context: "orbit",
		Voices: map[string]protocol.VoiceConfig{"cockpit": {Rate: 180}},
	})
	if !unknown.OK || unknown.Queued != 0 {
		t.Errorf("unknown context: ok=%v queued=%d", unknown.OK, unknown.Queued)
	}
}

func TestStatsAggregatesAcrossVoices(t *testing.T) {
	s := newTestServer(t, &fakeSynth{})

	s.handle(protocol.Request{Cmd: protocol.CmdGenerate, ID: "g1", Text: "alpha", Voice: "cockpit"})
	s.handle(protocol.Request{Cmd: protocol.CmdGenerate, ID: "g2", Text: "bravo", Voice: "tower"})
	s.handle(protocol.Request{Cmd: protocol.CmdGenerate, ID: "g3", Text: "alpha", Voice: "cockpit"})

	resp := s.handle(protocol.Request{Cmd: protocol.CmdStats, ID: "s1"})
	if !resp.OK {
		t.Fatalf("stats: %s", resp.Error)
	}
	if resp.Generated != 2 {
		t.Errorf("generated = %d, want 2", resp.Generated)
	}
	if resp.CacheHits != 1 {
		t.Errorf("cache_hits = %d, want 1", resp.CacheHits)
	}
	if resp.CachedItems != 2 {
		t.Errorf("cached_items = %d, want 2", resp.CachedItems)
	}
	if resp.CacheSizeMB <= 0 {
		t.Errorf("cache_size_mb = %f", resp.CacheSizeMB)
	}
}
