package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeSynth returns deterministic pseudo audio per text and counts calls.
type fakeSynth struct {
	calls int
	fail  bool
	small bool
}

func (f *fakeSynth) Synthesize(_ context.Context, text string, _ Settings) ([]byte, error) {
	f.calls++
	if f.fail {
		return nil, fmt.Errorf("engine unavailable")
	}
	if f.small {
		return []byte("tiny"), nil
	}
	sum := sha256.Sum256([]byte(text))
	return bytes.Repeat(sum[:], 32), nil // 1024 bytes, text dependent
}

func newTestCache(t *testing.T, dir string, settings Settings, synth Synthesizer) *DiskCache {
	t.Helper()
	dc, err := New(Config{BaseDir: dir}, settings, synth)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return dc
}

func TestSettingsHash(t *testing.T) {
	a := Settings{Voice: "cockpit", Rate: 180, Platform: "darwin"}
	if len(a.Hash()) != 12 {
		t.Errorf("hash length = %d, want 12", len(a.Hash()))
	}
	if _, err := hex.DecodeString(a.Hash()); err != nil {
		t.Errorf("hash not hex: %q", a.Hash())
	}
	if a.Hash() != a.Hash() {
		t.Error("hash not stable")
	}

	b := a
	b.Rate = 200
	if a.Hash() == b.Hash() {
		t.Error("different rate must produce different hash")
	}
	c := a
	c.VoiceName = "Samantha"
	if a.Hash() == c.Hash() {
		t.Error("different voice name must produce different hash")
	}
}

func TestGetOrGenerateCachesSecondCall(t *testing.T) {
	synth := &fakeSynth{}
	dc := newTestCache(t, t.TempDir(), DefaultSettings(), synth)

	first, cached := dc.GetOrGenerate(context.Background(), "altitude one thousand")
	if cached {
		t.Error("first call must not be a cache hit")
	}
	if len(first) == 0 {
		t.Fatal("first call returned no audio")
	}

	second, cached := dc.GetOrGenerate(context.Background(), "altitude one thousand")
	if !cached {
		t.Error("second call must be a cache hit")
	}
	if !bytes.Equal(first, second) {
		t.Error("cached audio differs from generated audio")
	}
	if synth.calls != 1 {
		t.Errorf("synthesizer called %d times, want 1", synth.calls)
	}
}

func TestGetOrGenerateFailureIsMiss(t *testing.T) {
	dc := newTestCache(t, t.TempDir(), DefaultSettings(), &fakeSynth{fail: true})
	audio, cached := dc.GetOrGenerate(context.Background(), "wind check")
	if audio != nil || cached {
		t.Errorf("engine failure must degrade to miss, got %d bytes cached=%v", len(audio), cached)
	}
}

func TestPutRejectsSmallAudio(t *testing.T) {
	dir := t.TempDir()
	dc := newTestCache(t, dir, DefaultSettings(), nil)

	if dc.Put("gear down", make([]byte, DefaultMinAudioBytes-1)) {
		t.Error("Put accepted audio below the minimum size")
	}
	if dc.Contains("gear down") {
		t.Error("rejected audio must not appear in the manifest")
	}
	entries, err := os.ReadDir(filepath.Join(dir, dc.SettingsHash()))
	if err != nil {
		t.Fatalf("reading partition: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".wav" {
			t.Errorf("rejected audio left file %s", e.Name())
		}
	}

	if !dc.Put("gear down", make([]byte, DefaultMinAudioBytes)) {
		t.Error("Put rejected audio at exactly the minimum size")
	}
}

func TestSmallEngineOutputNotCached(t *testing.T) {
	synth := &fakeSynth{small: true}
	dc := newTestCache(t, t.TempDir(), DefaultSettings(), synth)
	audio, cached := dc.GetOrGenerate(context.Background(), "check")
	if audio != nil || cached {
		t.Error("implausibly small engine output must surface as a miss")
	}
	if dc.Contains("check") {
		t.Error("implausibly small engine output must not be cached")
	}
}

func TestSwitchSettingsPartitions(t *testing.T) {
	dir := t.TempDir()
	dc := newTestCache(t, dir, DefaultSettings(), &fakeSynth{})

	audioA, _ := dc.GetOrGenerate(context.Background(), "flaps one")
	hashA := dc.SettingsHash()

	other := DefaultSettings()
	other.Rate = 240
	hashB := dc.SwitchSettings(other)
	if hashA == hashB {
		t.Fatal("settings switch did not change partition")
	}
	if _, ok := dc.Get("flaps one"); ok {
		t.Error("entry leaked across partitions")
	}

	// Switching back must find the original entry intact.
	dc.SwitchSettings(DefaultSettings())
	got, ok := dc.Get("flaps one")
	if !ok {
		t.Fatal("entry lost after switching back")
	}
	if !bytes.Equal(got, audioA) {
		t.Error("audio corrupted across settings switches")
	}
}

func TestManifestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	dc := newTestCache(t, dir, DefaultSettings(), &fakeSynth{})
	dc.GetOrGenerate(context.Background(), "runway two seven left")
	dc.Save()

	reopened := newTestCache(t, dir, DefaultSettings(), nil)
	if _, ok := reopened.Get("runway two seven left"); !ok {
		t.Error("entry not found after reopen")
	}
}

func TestMissingFilePrunedLazily(t *testing.T) {
	dir := t.TempDir()
	dc := newTestCache(t, dir, DefaultSettings(), &fakeSynth{})
	dc.GetOrGenerate(context.Background(), "hold short")

	partition := filepath.Join(dir, dc.SettingsHash())
	files, _ := filepath.Glob(filepath.Join(partition, "*.wav"))
	if len(files) != 1 {
		t.Fatalf("expected 1 wav file, found %d", len(files))
	}
	os.Remove(files[0])

	if _, ok := dc.Get("hold short"); ok {
		t.Error("Get returned audio for a deleted file")
	}
	if dc.Contains("hold short") {
		t.Error("entry not pruned after its file disappeared")
	}
	stats := dc.Stats()
	if stats.CachedItems != 0 {
		t.Errorf("CachedItems = %d after prune, want 0", stats.CachedItems)
	}
}

func TestCleanupLRUSparesActivePartition(t *testing.T) {
	dir := t.TempDir()

	// Build a stale inactive partition by hand.
	stale := Settings{Voice: "tower", Rate: 150, Platform: "darwin"}
	staleDir := filepath.Join(dir, stale.Hash())
	if err := os.MkdirAll(staleDir, 0o755); err != nil {
		t.Fatal(err)
	}
	old := float64(time.Now().Add(-72 * time.Hour).Unix())
	doc := manifestDoc{
		Version:      1,
		SettingsHash: stale.Hash(),
		Entries: map[string]*Entry{
			textHash("old phrase"): {
				Text:         "old phrase",
				Filename:     textHash("old phrase") + ".wav",
				CreatedAt:    old,
				LastAccessed: old,
				FileSize:     1024,
			},
		},
	}
	raw, _ := json.Marshal(doc)
	if err := os.WriteFile(filepath.Join(staleDir, ManifestFile), raw, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(staleDir, textHash("old phrase")+".wav"), make([]byte, 1024), 0o644); err != nil {
		t.Fatal(err)
	}

	dc := newTestCache(t, dir, DefaultSettings(), &fakeSynth{})
	dc.GetOrGenerate(context.Background(), "current phrase")
	dc.Save()

	deleted := dc.CleanupLRU(48 * time.Hour)
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if _, err := os.Stat(staleDir); !os.IsNotExist(err) {
		t.Error("emptied partition directory not removed")
	}
	if _, ok := dc.Get("current phrase"); !ok {
		t.Error("cleanup touched the active partition")
	}
}

func TestCleanupLRURespectsGracePeriod(t *testing.T) {
	dir := t.TempDir()

	fresh := Settings{Voice: "atis", Rate: 170, Platform: "darwin"}
	freshCache := newTestCache(t, dir, fresh, &fakeSynth{})
	freshCache.GetOrGenerate(context.Background(), "information alpha")
	freshCache.Save()

	// A different active settings makes the fresh partition inactive.
	dc := newTestCache(t, dir, DefaultSettings(), nil)
	if deleted := dc.CleanupLRU(48 * time.Hour); deleted != 0 {
		t.Errorf("deleted %d recently accessed entries", deleted)
	}
	if _, ok := freshCache.Get("information alpha"); !ok {
		t.Error("recently accessed entry removed inside grace period")
	}
}

func writeStalePartition(t *testing.T, baseDir string, settings Settings, text string, age time.Duration) string {
	t.Helper()
	dir := filepath.Join(baseDir, settings.Hash())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	stamp := float64(time.Now().Add(-age).Unix())
	doc := manifestDoc{
		Version:      1,
		SettingsHash: settings.Hash(),
		Entries: map[string]*Entry{
			textHash(text): {
				Text:         text,
				Filename:     textHash(text) + ".wav",
				CreatedAt:    stamp,
				LastAccessed: stamp,
				FileSize:     1024,
			},
		},
	}
	raw, _ := json.Marshal(doc)
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), raw, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, textHash(text)+".wav"), make([]byte, 1024), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestSweepExpiresEveryPartition(t *testing.T) {
	dir := t.TempDir()
	a := writeStalePartition(t, dir, DefaultSettings(), "gear down", 72*time.Hour)
	b := writeStalePartition(t, dir,
		Settings{Voice: "tower", Rate: 150, Platform: "darwin"}, "hold short", 72*time.Hour)

	if deleted := Sweep(dir, 48*time.Hour); deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
	for _, d := range []string{a, b} {
		if _, err := os.Stat(d); !os.IsNotExist(err) {
			t.Errorf("partition %s survived the sweep", filepath.Base(d))
		}
	}
	// Entries inside the grace period stay.
	writeStalePartition(t, dir, DefaultSettings(), "gear down", time.Hour)
	if deleted := Sweep(dir, 48*time.Hour); deleted != 0 {
		t.Errorf("deleted %d entries inside grace", deleted)
	}
}

func TestStats(t *testing.T) {
	dc := newTestCache(t, t.TempDir(), DefaultSettings(), &fakeSynth{})

	dc.Get("never cached")                                // miss
	dc.GetOrGenerate(context.Background(), "say again")   // miss + generate
	dc.GetOrGenerate(context.Background(), "say again")   // hit

	stats := dc.Stats()
	if stats.Hits != 1 {
		t.Errorf("Hits = %d, want 1", stats.Hits)
	}
	if stats.Misses != 2 {
		t.Errorf("Misses = %d, want 2", stats.Misses)
	}
	if stats.Generated != 1 {
		t.Errorf("Generated = %d, want 1", stats.Generated)
	}
	if stats.CachedItems != 1 {
		t.Errorf("CachedItems = %d, want 1", stats.CachedItems)
	}
	if stats.CacheSize != 1024 {
		t.Errorf("CacheSize = %d, want 1024", stats.CacheSize)
	}
	if stats.SettingsHash != dc.SettingsHash() {
		t.Error("stats settings hash mismatch")
	}
}
