// Package client supervises the synthesis worker: it launches the worker
// subprocess, keeps one WebSocket connection to it, correlates requests with
// responses, and restarts both with exponential backoff when either dies.
// Every RPC degrades to a miss on failure; callers never see an error.
package client

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/skysim/voxcache/pkg/protocol"
)

// Connection and supervision defaults.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 51127

	DefaultConnectTimeout  = 10 * time.Second
	DefaultRequestTimeout  = 30 * time.Second
	DefaultHealthInterval  = 30 * time.Second
	DefaultHealthTimeout   = 5 * time.Second
	DefaultMonitorInterval = 5 * time.Second

	DefaultMinBackoff = 500 * time.Millisecond
	DefaultMaxBackoff = 5 * time.Second

	// spawnGrace is how long a fresh subprocess gets to come up before the
	// first dial.
	spawnGrace = time.Second
	// terminateTimeout is how long a signalled subprocess gets to exit
	// before it is killed.
	terminateTimeout = 5 * time.Second

	shutdownRPCTimeout = 2 * time.Second
)

// State describes the supervisor's connection lifecycle.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Config tunes a Client. Zero durations take the defaults above.
type Config struct {
	Host string
	Port int

	// Command launches the worker subprocess, argv style. Empty means the
	// worker is managed externally and the client only connects.
	Command []string

	// DisableAutoStart stops RPCs from starting the supervisor on demand.
	DisableAutoStart bool

	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
	HealthInterval  time.Duration
	HealthTimeout   time.Duration
	MonitorInterval time.Duration
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = DefaultHealthTimeout
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = DefaultMonitorInterval
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = DefaultMinBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	return c
}

// Client is the worker supervisor. Safe for concurrent use; all RPCs share
// one connection and are matched to responses by correlation id.
type Client struct {
	cfg Config

	mu           sync.Mutex
	conn         *websocket.Conn
	running      bool
	state        State
	backoff      time.Duration
	restarts     int
	reconnecting bool
	pending      map[string]chan protocol.Response

	cmd        *exec.Cmd
	procExited chan struct{}

	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Client. Call Start, or let the first RPC auto-start it.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		state:   StateStopped,
		backoff: cfg.MinBackoff,
		pending: make(map[string]chan protocol.Response),
	}
}

// Start launches the worker subprocess (when configured), connects, and
// starts the supervision loops. Reports whether the worker is reachable.
func (c *Client) Start() bool {
	c.mu.Lock()
	if c.running {
		connected := c.conn != nil
		c.mu.Unlock()
		return connected
	}
	c.running = true
	c.state = StateStarting
	c.backoff = c.cfg.MinBackoff
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	if !c.startProcess() || !c.connect() {
		c.stopProcess()
		c.cancel()
		c.mu.Lock()
		c.running = false
		c.state = StateStopped
		c.mu.Unlock()
		return false
	}

	c.wg.Add(3)
	go c.receiveLoop()
	go c.healthLoop()
	go c.monitorLoop()

	log.Info("Client: supervisor started", "url", c.url())
	return true
}

// Stop asks the worker to shut down, then tears down the connection, the
// loops, and finally the subprocess (terminate, then kill).
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	// Best effort; the signal path below covers an unresponsive worker.
	c.call(protocol.Request{Cmd: protocol.CmdShutdown}, shutdownRPCTimeout)

	c.mu.Lock()
	c.running = false
	c.state = StateStopped
	c.mu.Unlock()

	c.cancel()
	c.closeConn()
	c.wg.Wait()
	c.stopProcess()
	log.Info("Client: supervisor stopped")
}

// Connected reports whether a live connection is established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running && c.conn != nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Restarts returns how many times the subprocess has been restarted after
// dying.
func (c *Client) Restarts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarts
}

func (c *Client) url() string {
	return fmt.Sprintf("ws://%s:%d", c.cfg.Host, c.cfg.Port)
}

// startProcess launches the worker subprocess if one is configured and not
// already running.
func (c *Client) startProcess() bool {
	if len(c.cfg.Command) == 0 {
		return true
	}
	c.mu.Lock()
	if c.cmd != nil && c.processAliveLocked() {
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	cmd := exec.Command(c.cfg.Command[0], c.cfg.Command[1:]...)
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		log.Error("Client: failed to start worker", "command", c.cfg.Command[0], "error", err)
		return false
	}
	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()

	c.mu.Lock()
	c.cmd = cmd
	c.procExited = exited
	c.mu.Unlock()

	// Give the worker a moment to bind its listener.
	select {
	case <-exited:
		log.Error("Client: worker exited immediately", "pid", cmd.Process.Pid)
		return false
	case <-time.After(spawnGrace):
	}
	log.Info("Client: worker started", "pid", cmd.Process.Pid)
	return true
}

// stopProcess terminates the subprocess, escalating to SIGKILL if it ignores
// the interrupt.
func (c *Client) stopProcess() {
	c.mu.Lock()
	cmd := c.cmd
	exited := c.procExited
	c.cmd = nil
	c.procExited = nil
	c.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	select {
	case <-exited:
		return // already gone
	default:
	}

	log.Info("Client: terminating worker", "pid", cmd.Process.Pid)
	cmd.Process.Signal(os.Interrupt)
	select {
	case <-exited:
	case <-time.After(terminateTimeout):
		log.Warn("Client: worker ignored terminate, killing", "pid", cmd.Process.Pid)
		cmd.Process.Kill()
		<-exited
	}
}

func (c *Client) processAliveLocked() bool {
	if c.procExited == nil {
		return len(c.cfg.Command) == 0
	}
	select {
	case <-c.procExited:
		return false
	default:
		return true
	}
}

func (c *Client) connect() bool {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	conn, _, err := dialer.Dial(c.url(), nil)
	if err != nil {
		log.Error("Client: connection failed", "url", c.url(), "error", err)
		return false
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.backoff = c.cfg.MinBackoff
	c.mu.Unlock()
	log.Info("Client: connected", "url", c.url())
	return true
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// reconnect drops the connection, waits out the current backoff, restarts the
// subprocess if it died, and dials again. Only one reconnect runs at a time;
// concurrent triggers are coalesced.
func (c *Client) reconnect() {
	c.mu.Lock()
	if c.reconnecting || !c.running {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.state = StateReconnecting
	wait := c.backoff
	c.backoff = nextBackoff(c.backoff, c.cfg.MaxBackoff)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	c.closeConn()
	log.Info("Client: reconnecting", "backoff", wait)
	select {
	case <-c.ctx.Done():
		return
	case <-time.After(wait):
	}

	c.mu.Lock()
	alive := c.processAliveLocked()
	c.mu.Unlock()
	if !alive {
		c.stopProcess()
		if !c.startProcess() {
			return
		}
	}
	c.connect()
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// receiveLoop routes responses to their pending calls and triggers a
// reconnect when the connection drops.
func (c *Client) receiveLoop() {
	defer c.wg.Done()
	for {
		if c.ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		var resp protocol.Response
		if err := conn.ReadJSON(&resp); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			log.Warn("Client: connection lost", "error", err)
			c.reconnect()
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- resp:
			default:
			}
		}
	}
}

// healthLoop pings the worker periodically and reconnects when it stops
// answering.
func (c *Client) healthLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		resp, ok := c.call(protocol.Request{Cmd: protocol.CmdPing}, c.cfg.HealthTimeout)
		if ok && resp.OK {
			log.Debug("Client: health check ok", "uptime_s", resp.UptimeS)
			continue
		}
		log.Warn("Client: health check failed")
		c.reconnect()
	}
}

// monitorLoop watches the subprocess and restarts it when it dies.
func (c *Client) monitorLoop() {
	defer c.wg.Done()
	if len(c.cfg.Command) == 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		alive := c.processAliveLocked()
		if !alive {
			c.restarts++
		}
		c.mu.Unlock()
		if !alive {
			log.Warn("Client: worker died, restarting")
			c.reconnect()
		}
	}
}

// call sends a request and waits for its response. The pending entry is
// removed on every exit path so timeouts cannot leak.
func (c *Client) call(req protocol.Request, timeout time.Duration) (protocol.Response, bool) {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		if c.cfg.DisableAutoStart || !c.Start() {
			return protocol.Response{}, false
		}
	}

	if req.ID == "" {
		req.ID = protocol.NewID()
	}
	ch := make(chan protocol.Response, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		log.Debug("Client: not connected", "cmd", req.Cmd)
		return protocol.Response{}, false
	}
	c.pending[req.ID] = ch
	ctx := c.ctx
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		log.Warn("Client: send failed", "cmd", req.Cmd, "error", err)
		return protocol.Response{}, false
	}

	select {
	case resp := <-ch:
		return resp, true
	case <-time.After(timeout):
		log.Warn("Client: request timed out", "cmd", req.Cmd, "timeout", timeout)
		return protocol.Response{}, false
	case <-ctx.Done():
		return protocol.Response{}, false
	}
}

// Generate synthesizes text under the given voice settings. Returns the
// audio and whether the call succeeded; failures and timeouts are misses.
func (c *Client) Generate(text, voice string, rateWPM int, voiceName string, priority int) ([]byte, bool) {
	resp, ok := c.call(protocol.Request{
		Cmd:       protocol.CmdGenerate,
		Text:      text,
		Voice:     voice,
		Rate:      rateWPM,
		VoiceName: voiceName,
		Priority:  priority,
	}, c.cfg.RequestTimeout)
	if !ok || !resp.OK {
		if ok {
			log.Warn("Client: generate failed", "error", resp.Error)
		}
		return nil, false
	}
	audio, err := protocol.DecodeAudio(resp.Data)
	if err != nil {
		log.Error("Client: bad audio payload", "error", err)
		return nil, false
	}
	return audio, true
}

// Invalidate clears the worker's pending queue and switches it to new voice
// settings. Returns how many queued items were dropped and the new settings
// hash.
func (c *Client) Invalidate(voice string, rateWPM int, voiceName string) (cleared int, newHash string, ok bool) {
	resp, callOK := c.call(protocol.Request{
		Cmd:       protocol.CmdInvalidate,
		Voice:     voice,
		Rate:      rateWPM,
		VoiceName: voiceName,
	}, c.cfg.RequestTimeout)
	if !callOK || !resp.OK {
		return 0, "", false
	}
	return resp.ClearedQueue, resp.NewSettingsHash, true
}

// Queue submits texts for background pre-generation. Returns how many were
// queued and how many were skipped as already cached or pending.
func (c *Client) Queue(texts []string, voice string, rateWPM int, voiceName string, priority int) (queued, skipped int, ok bool) {
	resp, callOK := c.call(protocol.Request{
		Cmd:       protocol.CmdQueue,
		Texts:     texts,
		Voice:     voice,
		Rate:      rateWPM,
		VoiceName: voiceName,
		Priority:  priority,
	}, c.cfg.RequestTimeout)
	if !callOK || !resp.OK {
		return 0, 0, false
	}
	return resp.Queued, resp.Skipped, true
}

// Ping checks worker health. Returns its uptime and pending queue size.
func (c *Client) Ping() (uptime float64, queueSize int, ok bool) {
	resp, callOK := c.call(protocol.Request{Cmd: protocol.CmdPing}, c.cfg.HealthTimeout)
	if !callOK || !resp.OK {
		return 0, 0, false
	}
	return resp.UptimeS, resp.QueueSize, true
}

// Stats returns the worker's aggregated cache statistics.
func (c *Client) Stats() (protocol.Response, bool) {
	resp, callOK := c.call(protocol.Request{Cmd: protocol.CmdStats}, c.cfg.RequestTimeout)
	if !callOK || !resp.OK {
		return protocol.Response{}, false
	}
	return resp, true
}

// SetContext tells the worker the current flight context so it can
// pre-generate the right phrase sets. Returns how many items were queued.
func (c *Client) SetContext(flightContext string, voices map[string]protocol.VoiceConfig) (queued int, ok bool) {
	resp, callOK := c.call(protocol.Request{
		Cmd:     protocol.CmdContext,
		Context: flightContext,
		Voices:  voices,
	}, c.cfg.RequestTimeout)
	if !callOK || !resp.OK {
		return 0, false
	}
	return resp.Queued, true
}

// QueuePriorityItems queues the standing number and phraseology vocabulary
// for background generation, independent of flight context. Returns how many
// items were newly queued.
func (c *Client) QueuePriorityItems(voice string, rateWPM int, voiceName string) int {
	total := 0

	texts := make([]string, 0, 1024)
	for i := 0; i < 1000; i++ {
		texts = append(texts, strconv.Itoa(i))
	}
	texts = append(texts,
		"heading", "altitude", "airspeed", "knots", "feet", "degrees",
		"flight level", "runway", "cleared",
		"zero", "one", "two", "three", "four", "five", "six", "seven",
		"eight", "niner", "ten", "hundred", "thousand", "decimal", "point",
	)
	if queued, _, ok := c.Queue(texts, voice, rateWPM, voiceName, 1); ok {
		total += queued
	}

	texts = texts[:0]
	for i := 1000; i <= 5000; i++ {
		texts = append(texts, strconv.Itoa(i))
	}
	if queued, _, ok := c.Queue(texts, voice, rateWPM, voiceName, 2); ok {
		total += queued
	}
	return total
}
