// Package service implements the synthesis worker daemon. It serves the wire
// protocol over a WebSocket endpoint, owns the disk caches (one per voice
// settings), and drains a priority queue of background pre-generation work so
// common phrases are already on disk when the simulator asks for them.
package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/skysim/voxcache/internal/cache"
	"github.com/skysim/voxcache/pkg/protocol"
)

const (
	// DefaultHost keeps the worker loopback only; it is a local subsystem,
	// not a network service.
	DefaultHost = "127.0.0.1"
	// DefaultPort is the worker's WebSocket port.
	DefaultPort = 51127

	// DefaultMaxQueue bounds the background generation queue.
	DefaultMaxQueue = 50000
	// DefaultGenRate throttles background generation so bulk phrase sets
	// never starve interactive requests, in items per second.
	DefaultGenRate = rate.Limit(10)

	// DefaultCleanupInterval is the period of the LRU sweep.
	DefaultCleanupInterval = time.Hour
	// DefaultGracePeriod protects recently accessed entries from the sweep.
	DefaultGracePeriod = 48 * time.Hour

	generateTimeout   = 30 * time.Second
	cleanupStartDelay = 5 * time.Second
)

// Config tunes a Server. Zero values take the defaults above; a negative
// CleanupInterval disables the periodic sweep.
type Config struct {
	Host            string
	Port            int
	CacheDir        string
	MinAudioBytes   int
	MaxQueue        int
	GenRate         rate.Limit
	CleanupInterval time.Duration
	GracePeriod     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = DefaultMaxQueue
	}
	if c.GenRate <= 0 {
		c.GenRate = DefaultGenRate
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	return c
}

// Server is the worker daemon. Construct with New, then Run (or Start and
// Shutdown for finer control).
type Server struct {
	cfg   Config
	synth cache.Synthesizer
	start time.Time

	mu            sync.Mutex
	caches        map[string]*cache.DiskCache
	activeHash    string // partition of the most recent interactive settings
	flightContext string
	voices        map[string]protocol.VoiceConfig

	queue   *genQueue
	limiter *rate.Limiter

	listener net.Listener
	httpSrv  *http.Server
	upgrader websocket.Upgrader

	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}

	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	shutdownOnce sync.Once
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

// New builds a Server around the given synthesizer.
func New(cfg Config, synth cache.Synthesizer) *Server {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:           cfg,
		synth:         synth,
		start:         time.Now(),
		caches:        make(map[string]*cache.DiskCache),
		flightContext: protocol.ContextMenu,
		queue:         newGenQueue(cfg.MaxQueue),
		limiter:       rate.NewLimiter(cfg.GenRate, 1),
		conns:         make(map[*websocket.Conn]struct{}),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	return s
}

// Start binds the listener and launches the serve, generation, and cleanup
// goroutines. Use Addr for the bound address when Port is 0.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	s.listener = listener
	s.httpSrv = &http.Server{Handler: http.HandlerFunc(s.handleWS)}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("Service: server stopped", "error", err)
		}
	}()
	s.wg.Add(1)
	go s.genLoop()
	s.wg.Add(1)
	go s.cleanupLoop()

	log.Info("Service: listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Done is closed when a shutdown command arrives over the wire.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Run starts the server and blocks until the context is cancelled or a
// shutdown command arrives, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-s.done:
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(stopCtx)
}

// Shutdown stops serving, drains the goroutines, and flushes cache manifests.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		log.Info("Service: shutting down")
		s.requestShutdown()

		// Pending background work is abandoned, not drained.
		s.queue.clear()
		s.queue.close()
		s.cancel()

		s.connMu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.connMu.Unlock()

		err = s.httpSrv.Shutdown(ctx)
		s.wg.Wait()

		s.mu.Lock()
		for _, c := range s.caches {
			c.Save()
		}
		s.mu.Unlock()
		log.Info("Service: stopped")
	})
	return err
}

func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.done) })
}

// handleWS upgrades a connection and dispatches each frame concurrently so a
// long generation never blocks health pings on the same connection. Writes
// are serialized per connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Service: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	log.Info("Service: client connected", "remote", conn.RemoteAddr().String())

	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		conn.Close()
		log.Info("Service: client disconnected", "remote", conn.RemoteAddr().String())
	}()

	writeMu := &sync.Mutex{}
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		req, perr := protocol.ParseRequest(raw)
		if perr != nil {
			s.writeResponse(conn, writeMu, protocol.ErrorResponse("", perr.Error()))
			continue
		}
		go func(req protocol.Request) {
			resp := s.handle(req)
			s.writeResponse(conn, writeMu, resp)
			if req.Cmd == protocol.CmdShutdown && resp.OK {
				s.requestShutdown()
			}
		}(req)
	}
}

func (s *Server) writeResponse(conn *websocket.Conn, writeMu *sync.Mutex, resp protocol.Response) {
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := conn.WriteJSON(resp); err != nil {
		log.Debug("Service: write failed", "id", resp.ID, "error", err)
	}
}

func (s *Server) handle(req protocol.Request) protocol.Response {
	switch req.Cmd {
	case protocol.CmdGenerate:
		return s.handleGenerate(req)
	case protocol.CmdInvalidate:
		return s.handleInvalidate(req)
	case protocol.CmdQueue:
		return s.handleQueue(req)
	case protocol.CmdPing:
		return s.handlePing(req)
	case protocol.CmdStats:
		return s.handleStats(req)
	case protocol.CmdContext:
		return s.handleContext(req)
	case protocol.CmdShutdown:
		return protocol.OKResponse(req.ID)
	default:
		return protocol.ErrorResponse(req.ID, "unknown command: "+req.Cmd)
	}
}

func (s *Server) handleGenerate(req protocol.Request) protocol.Response {
	if strings.TrimSpace(req.Text) == "" {
		return protocol.ErrorResponse(req.ID, "empty text")
	}
	started := time.Now()
	settings := settingsFrom(req.Voice, req.Rate, req.VoiceName)

	c := s.cacheFor(settings, true)
	if c == nil {
		return protocol.ErrorResponse(req.ID, "cache unavailable")
	}

	// An interactive request supersedes any queued copy of the same text.
	s.queue.dropKey(settings.Voice, req.Text)

	ctx, cancel := context.WithTimeout(s.ctx, generateTimeout)
	defer cancel()
	audio, cached := c.GetOrGenerate(ctx, req.Text)
	durationMS := float64(time.Since(started).Microseconds()) / 1000

	if audio == nil {
		resp := protocol.ErrorResponse(req.ID, "generation failed")
		resp.DurationMS = durationMS
		return resp
	}
	resp := protocol.OKResponse(req.ID)
	resp.Size = len(audio)
	resp.Cached = cached
	resp.DurationMS = durationMS
	resp.Data = protocol.EncodeAudio(audio)
	return resp
}

func (s *Server) handleInvalidate(req protocol.Request) protocol.Response {
	cleared := s.queue.clear()
	settings := settingsFrom(req.Voice, req.Rate, req.VoiceName)
	c := s.cacheFor(settings, true)
	if c == nil {
		return protocol.ErrorResponse(req.ID, "cache unavailable")
	}
	log.Info("Service: settings invalidated",
		"cleared", cleared, "hash", c.SettingsHash())

	resp := protocol.OKResponse(req.ID)
	resp.ClearedQueue = cleared
	resp.NewSettingsHash = c.SettingsHash()
	return resp
}

func (s *Server) handleQueue(req protocol.Request) protocol.Response {
	settings := settingsFrom(req.Voice, req.Rate, req.VoiceName)
	c := s.cacheFor(settings, false)
	if c == nil {
		return protocol.ErrorResponse(req.ID, "cache unavailable")
	}

	queued, skipped := 0, 0
	for _, text := range req.Texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		if c.Contains(text) || s.queue.contains(settings.Voice, text) {
			skipped++
			continue
		}
		if !s.queue.push(text, settings, req.Priority) {
			break // queue full
		}
		queued++
	}

	resp := protocol.OKResponse(req.ID)
	resp.Queued = queued
	resp.Skipped = skipped
	return resp
}

func (s *Server) handlePing(req protocol.Request) protocol.Response {
	resp := protocol.OKResponse(req.ID)
	resp.UptimeS = time.Since(s.start).Seconds()
	resp.QueueSize = s.queue.size()
	return resp
}

func (s *Server) handleStats(req protocol.Request) protocol.Response {
	s.mu.Lock()
	activeHash := s.activeHash
	caches := make([]*cache.DiskCache, 0, len(s.caches))
	for _, c := range s.caches {
		caches = append(caches, c)
	}
	s.mu.Unlock()

	resp := protocol.OKResponse(req.ID)
	var totalBytes int64
	for _, c := range caches {
		stats := c.Stats()
		resp.CacheHits += stats.Hits
		resp.CacheMisses += stats.Misses
		resp.Generated += stats.Generated
		resp.CachedItems += stats.CachedItems
		totalBytes += stats.CacheSize
	}
	resp.CacheSizeMB = float64(totalBytes) / 1024 / 1024
	resp.QueueSize = s.queue.size()
	resp.SettingsHash = activeHash
	resp.UptimeS = time.Since(s.start).Seconds()
	return resp
}

func (s *Server) handleContext(req protocol.Request) protocol.Response {
	s.mu.Lock()
	previous := s.flightContext
	s.flightContext = req.Context
	s.voices = req.Voices
	s.mu.Unlock()

	// The old context's backlog is stale; replace it wholesale.
	s.queue.clear()

	total := 0
	sets := pregenItems(req.Context)
	for voiceName, vc := range req.Voices {
		settings := settingsFrom(voiceName, vc.Rate, vc.VoiceName)
		c := s.cacheFor(settings, false)
		if c == nil {
			continue
		}
		for _, set := range sets {
			for _, text := range set.texts {
				if c.Contains(text) {
					continue
				}
				if s.queue.push(text, settings, set.priority) {
					total++
				}
			}
		}
	}
	log.Info("Service: context changed",
		"from", previous, "to", req.Context, "queued", total)

	resp := protocol.OKResponse(req.ID)
	resp.Context = req.Context
	resp.Queued = total
	return resp
}

// genLoop drains the background queue, rate limited so interactive calls keep
// priority on the engine.
func (s *Server) genLoop() {
	defer s.wg.Done()
	for {
		item, ok := s.queue.pop()
		if !ok {
			return
		}
		if err := s.limiter.Wait(s.ctx); err != nil {
			return
		}
		c := s.cacheFor(item.settings, false)
		if c == nil || c.Contains(item.text) {
			continue
		}
		ctx, cancel := context.WithTimeout(s.ctx, generateTimeout)
		if audio, cached := c.GetOrGenerate(ctx, item.text); audio != nil && !cached {
			log.Debug("Service: background generated",
				"text", item.text, "voice", item.settings.Voice)
		}
		cancel()
	}
}

// cleanupLoop sweeps inactive partitions on a timer.
func (s *Server) cleanupLoop() {
	defer s.wg.Done()
	if s.cfg.CleanupInterval < 0 {
		log.Info("Service: cache cleanup disabled")
		return
	}

	timer := time.NewTimer(cleanupStartDelay)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}
		if c := s.activeCache(); c != nil {
			c.CleanupLRU(s.cfg.GracePeriod)
		}
		timer.Reset(s.cfg.CleanupInterval)
	}
}

// cacheFor returns the cache for settings, creating it on first use.
// markActive records it as the active partition for stats and cleanup.
func (s *Server) cacheFor(settings cache.Settings, markActive bool) *cache.DiskCache {
	hash := settings.Hash()

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[hash]
	if !ok {
		var err error
		c, err = cache.New(cache.Config{
			BaseDir:       s.cfg.CacheDir,
			MinAudioBytes: s.cfg.MinAudioBytes,
		}, settings, s.synth)
		if err != nil {
			log.Error("Service: cannot open cache partition",
				"voice", settings.Voice, "error", err)
			return nil
		}
		s.caches[hash] = c
	}
	if markActive {
		s.activeHash = hash
	}
	return c
}

func (s *Server) activeCache() *cache.DiskCache {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caches[s.activeHash]
}

func settingsFrom(voice string, rateWPM int, voiceName string) cache.Settings {
	if voice == "" {
		voice = "cockpit"
	}
	if rateWPM <= 0 {
		rateWPM = 180
	}
	return cache.Settings{
		Voice:     voice,
		Rate:      rateWPM,
		VoiceName: voiceName,
		Platform:  runtime.GOOS,
	}
}
