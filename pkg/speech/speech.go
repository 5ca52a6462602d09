// Package speech is the scheduling façade the simulator talks to. Speak is
// non-blocking: requests are queued by priority, a backend goroutine owns all
// worker I/O, and finished audio is delivered through Update so callbacks
// always run on the caller's goroutine, where the audio device lives.
package speech

import (
	"container/heap"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/skysim/voxcache/pkg/protocol"
)

// Priority orders pending speech. Higher values speak first; equal values
// speak in submission order.
type Priority int

const (
	PriorityLow      Priority = iota // background chatter, pre-generation
	PriorityNormal                   // routine readouts
	PriorityHigh                     // ATC instructions
	PriorityCritical                 // warnings, never flushed
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Callback receives finished audio during Update. A request whose synthesis
// failed never fires its callback; it is dropped instead.
type Callback func(audio []byte)

// Backend is the worker supervisor surface the façade drives. Satisfied by
// client.Client.
type Backend interface {
	Start() bool
	Stop()
	Generate(text, voice string, rateWPM int, voiceName string, priority int) ([]byte, bool)
	SetContext(flightContext string, voices map[string]protocol.VoiceConfig) (int, bool)
}

// DefaultStartTimeout bounds how long Start waits for the backend.
const DefaultStartTimeout = 5 * time.Second

// backendPollInterval is the backend goroutine's idle poll period.
const backendPollInterval = 10 * time.Millisecond

// Config tunes a Service.
type Config struct {
	// Voices maps logical voice names to their settings, forwarded to the
	// worker for generation and context pre-generation.
	Voices map[string]protocol.VoiceConfig
	// DefaultVoice is used when Speak gets an empty voice. Defaults to
	// "cockpit".
	DefaultVoice string
}

// Service schedules speech requests against a Backend. All methods are safe
// to call from the simulator's main loop; none of them block on the worker.
type Service struct {
	cfg     Config
	backend Backend

	mu        sync.Mutex
	requests  requestHeap
	results   resultHeap
	callbacks map[string]Callback
	reqSeq    int64
	resSeq    int64
	running   bool

	wg sync.WaitGroup
}

// New builds a Service over the given backend.
func New(backend Backend, cfg Config) *Service {
	if cfg.DefaultVoice == "" {
		cfg.DefaultVoice = "cockpit"
	}
	return &Service{
		cfg:       cfg,
		backend:   backend,
		callbacks: make(map[string]Callback),
	}
}

// Start launches the backend goroutine and waits up to timeout for the
// worker to come up. Returns false if it did not; the service still runs and
// recovers when the worker becomes reachable.
func (s *Service) Start(timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return true
	}
	s.running = true
	s.mu.Unlock()

	ready := make(chan bool, 1)
	s.wg.Add(1)
	go s.backendLoop(ready)

	select {
	case ok := <-ready:
		if !ok {
			log.Warn("Speech: backend not reachable at start")
		}
		return ok
	case <-time.After(timeout):
		log.Warn("Speech: backend start timed out", "timeout", timeout)
		return false
	}
}

// Shutdown stops the backend goroutine and the worker. Returns false if the
// backend did not wind down within timeout.
func (s *Service) Shutdown(timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return true
	}
	s.running = false
	s.reqSeq++
	heap.Push(&s.requests, &request{
		kind:     kindShutdown,
		priority: PriorityCritical,
		seq:      s.reqSeq,
	})
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	clean := true
	select {
	case <-done:
	case <-time.After(timeout):
		log.Warn("Speech: backend did not stop in time", "timeout", timeout)
		clean = false
	}

	s.mu.Lock()
	if clean {
		// On timeout the sentinel must stay queued so a stuck backend
		// can still exit once its current call returns.
		s.requests = nil
	}
	s.results = nil
	s.callbacks = make(map[string]Callback)
	s.mu.Unlock()
	return clean
}

// Speak queues text for synthesis and returns the request id, or "" if the
// text was empty or the service is not running. interrupt flushes every
// pending request and undelivered result of strictly lower priority first.
// onAudio, if non-nil, fires from a later Update call with the audio.
func (s *Service) Speak(text, voice string, priority Priority, interrupt bool, onAudio Callback) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	if voice == "" {
		voice = s.cfg.DefaultVoice
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ""
	}
	if interrupt {
		s.flushBelowLocked(priority)
	}

	id := uuid.NewString()
	s.reqSeq++
	heap.Push(&s.requests, &request{
		id:       id,
		kind:     kindSpeak,
		text:     text,
		voice:    voice,
		priority: priority,
		seq:      s.reqSeq,
	})
	if onAudio != nil {
		s.callbacks[id] = onAudio
	}
	log.Debug("Speech: queued", "id", id, "priority", priority, "interrupt", interrupt)
	return id
}

// SetContext routes a flight context change through the request queue so it
// serializes with pending speech. It rides the low band: pre-generation is
// background work and must not preempt queued utterances. nil voices means
// the configured voice set.
func (s *Service) SetContext(flightContext string, voices map[string]protocol.VoiceConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if voices == nil {
		voices = s.cfg.Voices
	}
	s.reqSeq++
	heap.Push(&s.requests, &request{
		id:       uuid.NewString(),
		kind:     kindContext,
		text:     flightContext,
		voices:   voices,
		priority: PriorityLow,
		seq:      s.reqSeq,
	})
}

// Update delivers finished audio to callbacks on the calling goroutine, in
// priority order. Returns how many callbacks fired. Call this from the
// simulator's frame loop.
func (s *Service) Update() int {
	type delivery struct {
		cb    Callback
		audio []byte
	}
	var ready []delivery

	s.mu.Lock()
	for s.results.Len() > 0 {
		res := heap.Pop(&s.results).(*result)
		if cb, ok := s.callbacks[res.id]; ok {
			delete(s.callbacks, res.id)
			ready = append(ready, delivery{cb, res.audio})
		}
	}
	s.mu.Unlock()

	for _, d := range ready {
		s.deliver(d.cb, d.audio)
	}
	return len(ready)
}

// deliver shields the scheduler from misbehaving callbacks.
func (s *Service) deliver(cb Callback, audio []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Speech: callback panicked", "panic", r)
		}
	}()
	cb(audio)
}

// flushBelowLocked drops pending requests, undelivered results, and their
// callbacks below priority. Caller holds mu.
func (s *Service) flushBelowLocked(priority Priority) {
	flushed := 0

	var keptReqs requestHeap
	for _, req := range s.requests {
		if req.kind != kindSpeak || req.priority >= priority {
			keptReqs = append(keptReqs, req)
			continue
		}
		delete(s.callbacks, req.id)
		flushed++
	}
	s.requests = keptReqs
	heap.Init(&s.requests)

	var keptRes resultHeap
	for _, res := range s.results {
		if res.priority >= priority {
			keptRes = append(keptRes, res)
			continue
		}
		delete(s.callbacks, res.id)
		flushed++
	}
	s.results = keptRes
	heap.Init(&s.results)

	if flushed > 0 {
		log.Debug("Speech: flushed lower priority work",
			"below", priority, "flushed", flushed)
	}
}

// backendLoop owns every interaction with the backend. It drains the request
// heap, pushes finished audio onto the result heap, and exits on the
// shutdown sentinel.
func (s *Service) backendLoop(ready chan<- bool) {
	defer s.wg.Done()
	ready <- s.backend.Start()

	for {
		req := s.nextRequest()
		if req == nil {
			time.Sleep(backendPollInterval)
			continue
		}

		switch req.kind {
		case kindShutdown:
			s.backend.Stop()
			return

		case kindContext:
			if queued, ok := s.backend.SetContext(req.text, req.voices); ok {
				log.Info("Speech: context set", "context", req.text, "pregen", queued)
			} else {
				log.Warn("Speech: context change failed", "context", req.text)
			}

		case kindSpeak:
			vc := s.voiceConfig(req.voice)
			audio, ok := s.backend.Generate(req.text, req.voice, vc.Rate, vc.VoiceName, 0)
			if !ok || len(audio) == 0 {
				// No callback is the failure signal; drop it so the
				// caller's Update never fires for this id.
				s.mu.Lock()
				delete(s.callbacks, req.id)
				s.mu.Unlock()
				continue
			}
			s.mu.Lock()
			s.resSeq++
			heap.Push(&s.results, &result{
				id:       req.id,
				audio:    audio,
				priority: req.priority,
				seq:      s.resSeq,
			})
			s.mu.Unlock()
		}
	}
}

func (s *Service) nextRequest() *request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requests.Len() == 0 {
		return nil
	}
	return heap.Pop(&s.requests).(*request)
}

func (s *Service) voiceConfig(voice string) protocol.VoiceConfig {
	if vc, ok := s.cfg.Voices[voice]; ok {
		if vc.Rate <= 0 {
			vc.Rate = 180
		}
		return vc
	}
	return protocol.VoiceConfig{Voice: voice, Rate: 180}
}
