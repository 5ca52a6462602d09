// Package cache stores synthesized audio on disk, partitioned by voice
// settings. Each partition is a directory named by the settings hash holding
// one wav file per utterance plus a manifest and a settings snapshot. Cache
// failures degrade to misses; callers never see an error from the hot path.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// ManifestFile indexes the utterances cached in a partition.
	ManifestFile = "manifest.json"
	// SettingsFile is the human-readable settings snapshot in a partition.
	SettingsFile = "settings.json"

	// DefaultMinAudioBytes rejects engine output too small to be playable
	// audio. Tunable through Config.
	DefaultMinAudioBytes = 500

	// Manifest writes are batched; one write per this many puts, plus one
	// on switch and close.
	manifestFlushEvery = 10
)

// Synthesizer produces audio for an utterance. Implementations wrap the
// actual speech engine; the cache treats them as opaque.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, settings Settings) ([]byte, error)
}

// Entry is the manifest record for one cached utterance. Timestamps are
// unix seconds.
type Entry struct {
	Text         string  `json:"text"`
	Filename     string  `json:"filename"`
	CreatedAt    float64 `json:"created_at"`
	LastAccessed float64 `json:"last_accessed"`
	FileSize     int64   `json:"file_size"`
}

type manifestDoc struct {
	Version      int               `json:"version"`
	SettingsHash string            `json:"settings_hash"`
	Entries      map[string]*Entry `json:"entries"`
}

// Stats is a snapshot of cache counters since construction.
type Stats struct {
	Hits         int
	Misses       int
	Generated    int
	CachedItems  int
	CacheSize    int64
	SettingsHash string
}

// Config tunes a DiskCache.
type Config struct {
	// BaseDir holds one subdirectory per settings hash.
	BaseDir string
	// MinAudioBytes rejects smaller payloads on Put. Zero means
	// DefaultMinAudioBytes.
	MinAudioBytes int
}

// DiskCache is a disk-backed audio cache bound to one active partition at a
// time. Safe for concurrent use.
type DiskCache struct {
	mu       sync.Mutex
	baseDir  string
	minAudio int
	synth    Synthesizer

	settings Settings
	hash     string
	dir      string
	manifest map[string]*Entry

	hits      int
	misses    int
	generated int
	dirtyPuts int
}

// New opens the partition for settings under cfg.BaseDir, creating it if
// needed and loading any existing manifest. synth may be nil if the caller
// only uses Get/Put.
func New(cfg Config, settings Settings, synth Synthesizer) (*DiskCache, error) {
	minAudio := cfg.MinAudioBytes
	if minAudio <= 0 {
		minAudio = DefaultMinAudioBytes
	}
	dc := &DiskCache{
		baseDir:  cfg.BaseDir,
		minAudio: minAudio,
		synth:    synth,
	}
	if err := dc.openPartition(settings); err != nil {
		return nil, err
	}
	log.Info("Cache: opened partition",
		"hash", dc.hash, "dir", dc.dir, "items", len(dc.manifest))
	return dc, nil
}

// openPartition points the cache at the partition for settings. Caller must
// not hold mu.
func (dc *DiskCache) openPartition(settings Settings) error {
	hash := settings.Hash()
	dir := filepath.Join(dc.baseDir, hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating cache partition: %w", err)
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.settings = settings
	dc.hash = hash
	dc.dir = dir
	dc.manifest = loadManifest(dir)
	dc.dirtyPuts = 0
	dc.saveSettingsLocked()
	return nil
}

// Get returns the cached audio for text, or (nil, false) on a miss. A
// manifest entry whose file has gone missing is pruned and counts as a miss.
func (dc *DiskCache) Get(text string) ([]byte, bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	hash := textHash(text)
	entry, ok := dc.manifest[hash]
	if !ok {
		dc.misses++
		return nil, false
	}

	audio, err := os.ReadFile(filepath.Join(dc.dir, entry.Filename))
	if err != nil {
		delete(dc.manifest, hash)
		dc.misses++
		log.Debug("Cache: pruned stale entry", "hash", hash, "error", err)
		return nil, false
	}

	entry.LastAccessed = unixNow()
	dc.hits++
	return audio, true
}

// Put stores audio for text in the active partition. Payloads below the
// minimum plausible audio size are rejected. Returns whether the entry was
// stored.
func (dc *DiskCache) Put(text string, audio []byte) bool {
	if len(audio) < dc.minAudio {
		log.Warn("Cache: audio too small to cache",
			"bytes", len(audio), "min", dc.minAudio)
		return false
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()

	hash := textHash(text)
	filename := hash + ".wav"
	if err := writeFileAtomic(filepath.Join(dc.dir, filename), audio); err != nil {
		log.Error("Cache: failed to write audio", "hash", hash, "error", err)
		return false
	}

	now := unixNow()
	dc.manifest[hash] = &Entry{
		Text:         text,
		Filename:     filename,
		CreatedAt:    now,
		LastAccessed: now,
		FileSize:     int64(len(audio)),
	}
	dc.generated++
	dc.dirtyPuts++
	if dc.dirtyPuts >= manifestFlushEvery {
		dc.saveManifestLocked()
	}
	return true
}

// Contains reports whether text is cached and its file is still present.
// Does not touch access times or counters.
func (dc *DiskCache) Contains(text string) bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	entry, ok := dc.manifest[textHash(text)]
	if !ok {
		return false
	}
	_, err := os.Stat(filepath.Join(dc.dir, entry.Filename))
	return err == nil
}

// GetOrGenerate returns cached audio when present, otherwise synthesizes and
// caches it. The second return reports whether the audio came from cache.
// Synthesis failures are logged and surface as (nil, false).
func (dc *DiskCache) GetOrGenerate(ctx context.Context, text string) ([]byte, bool) {
	if audio, ok := dc.Get(text); ok {
		return audio, true
	}
	if dc.synth == nil {
		return nil, false
	}

	dc.mu.Lock()
	settings := dc.settings
	dc.mu.Unlock()

	audio, err := dc.synth.Synthesize(ctx, text, settings)
	if err != nil {
		log.Error("Cache: synthesis failed", "text", truncate(text, 40), "error", err)
		return nil, false
	}
	if len(audio) < dc.minAudio {
		log.Warn("Cache: engine produced implausibly small audio",
			"bytes", len(audio), "text", truncate(text, 40))
		return nil, false
	}
	dc.Put(text, audio)
	return audio, false
}

// SwitchSettings atomically repoints the cache at the partition for
// newSettings, persisting the old partition's manifest first. Returns the new
// settings hash.
func (dc *DiskCache) SwitchSettings(newSettings Settings) string {
	dc.mu.Lock()
	dc.saveManifestLocked()
	dc.mu.Unlock()

	if err := dc.openPartition(newSettings); err != nil {
		log.Error("Cache: failed to switch settings", "error", err)
		dc.mu.Lock()
		defer dc.mu.Unlock()
		return dc.hash
	}
	log.Info("Cache: switched settings", "hash", dc.hash)
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.hash
}

// CleanupLRU deletes entries not accessed within grace from every partition
// except the active one, then removes partitions left empty. Returns the
// number of files deleted. Unreadable partitions are skipped.
func (dc *DiskCache) CleanupLRU(grace time.Duration) int {
	dc.mu.Lock()
	activeHash := dc.hash
	baseDir := dc.baseDir
	dc.mu.Unlock()

	cutoff := float64(time.Now().Add(-grace).Unix())
	deleted := 0

	dirs, err := os.ReadDir(baseDir)
	if err != nil {
		log.Error("Cache: cleanup cannot read base dir", "dir", baseDir, "error", err)
		return 0
	}
	for _, d := range dirs {
		if !d.IsDir() || d.Name() == activeHash {
			continue
		}
		deleted += cleanupPartition(filepath.Join(baseDir, d.Name()), cutoff)
	}
	if deleted > 0 {
		log.Info("Cache: LRU cleanup done", "deleted", deleted)
	}
	return deleted
}

// Sweep expires entries not accessed within grace from every partition under
// baseDir, the active one included. Offline maintenance only; never call it
// while a worker owns the directory.
func Sweep(baseDir string, grace time.Duration) int {
	cutoff := float64(time.Now().Add(-grace).Unix())
	dirs, err := os.ReadDir(baseDir)
	if err != nil {
		log.Error("Cache: sweep cannot read base dir", "dir", baseDir, "error", err)
		return 0
	}
	deleted := 0
	for _, d := range dirs {
		if d.IsDir() {
			deleted += cleanupPartition(filepath.Join(baseDir, d.Name()), cutoff)
		}
	}
	return deleted
}

func cleanupPartition(dir string, cutoff float64) int {
	manifestPath := filepath.Join(dir, ManifestFile)
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return 0
	}
	var doc manifestDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		log.Error("Cache: cleanup skipping unreadable manifest", "dir", dir, "error", err)
		return 0
	}

	deleted := 0
	for hash, entry := range doc.Entries {
		last := entry.LastAccessed
		if last == 0 {
			last = entry.CreatedAt
		}
		if last >= cutoff {
			continue
		}
		path := filepath.Join(dir, entry.Filename)
		if err := os.Remove(path); err == nil {
			deleted++
		}
		delete(doc.Entries, hash)
	}

	if len(doc.Entries) == 0 {
		// Partition fully expired; remove it wholesale.
		if err := os.RemoveAll(dir); err != nil {
			log.Error("Cache: failed to remove empty partition", "dir", dir, "error", err)
		} else {
			log.Info("Cache: removed empty partition", "dir", filepath.Base(dir))
		}
		return deleted
	}
	if deleted > 0 {
		if data, err := json.MarshalIndent(doc, "", "  "); err == nil {
			if err := writeFileAtomic(manifestPath, data); err != nil {
				log.Error("Cache: failed to rewrite manifest", "dir", dir, "error", err)
			}
		}
	}
	return deleted
}

// Stats returns a snapshot of the counters and active partition contents.
func (dc *DiskCache) Stats() Stats {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	var size int64
	for _, entry := range dc.manifest {
		size += entry.FileSize
	}
	return Stats{
		Hits:         dc.hits,
		Misses:       dc.misses,
		Generated:    dc.generated,
		CachedItems:  len(dc.manifest),
		CacheSize:    size,
		SettingsHash: dc.hash,
	}
}

// SettingsHash returns the active partition hash.
func (dc *DiskCache) SettingsHash() string {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.hash
}

// Save flushes the manifest to disk. Called on shutdown and settings
// switches; routine puts batch their flushes.
func (dc *DiskCache) Save() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.saveManifestLocked()
}

func (dc *DiskCache) saveManifestLocked() {
	doc := manifestDoc{
		Version:      1,
		SettingsHash: dc.hash,
		Entries:      dc.manifest,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		log.Error("Cache: failed to encode manifest", "error", err)
		return
	}
	if err := writeFileAtomic(filepath.Join(dc.dir, ManifestFile), data); err != nil {
		log.Error("Cache: failed to save manifest", "error", err)
		return
	}
	dc.dirtyPuts = 0
}

func (dc *DiskCache) saveSettingsLocked() {
	data, err := json.MarshalIndent(dc.settings, "", "  ")
	if err != nil {
		return
	}
	if err := writeFileAtomic(filepath.Join(dc.dir, SettingsFile), data); err != nil {
		log.Error("Cache: failed to save settings snapshot", "error", err)
	}
}

// loadManifest reads a partition manifest, dropping entries whose audio file
// has disappeared. Any read or decode failure yields an empty manifest.
func loadManifest(dir string) map[string]*Entry {
	manifest := make(map[string]*Entry)
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return manifest
	}
	var doc manifestDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		log.Error("Cache: manifest unreadable, starting empty", "dir", dir, "error", err)
		return manifest
	}
	for hash, entry := range doc.Entries {
		if _, err := os.Stat(filepath.Join(dir, entry.Filename)); err != nil {
			continue
		}
		if entry.LastAccessed == 0 {
			entry.LastAccessed = entry.CreatedAt
		}
		manifest[hash] = entry
	}
	return manifest
}

// writeFileAtomic writes via a temp file and rename so readers never see a
// partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
