// Package synth runs an external speech engine as a one-shot subprocess per
// utterance. The engine is any command that reads text and writes wav audio
// to stdout, e.g. `piper --output-raw` or `espeak-ng --stdout`. Argument
// placeholders are expanded from the voice settings per call.
package synth

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/skysim/voxcache/internal/cache"
)

// Argument placeholders expanded at synthesis time.
const (
	placeholderText  = "{text}"
	placeholderRate  = "{rate}"
	placeholderVoice = "{voice}"
)

// DefaultTimeout bounds a single engine invocation.
const DefaultTimeout = 15 * time.Second

// Command invokes an external engine binary per utterance. If no {text}
// placeholder appears in the args, the text is piped to the engine's stdin.
// Invocations are serialized; speech engines rarely tolerate concurrent use
// of the same audio backend.
type Command struct {
	mu      sync.Mutex
	program string
	args    []string
	timeout time.Duration
}

// NewCommand builds a Command synthesizer. A zero timeout means
// DefaultTimeout.
func NewCommand(program string, args []string, timeout time.Duration) *Command {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Command{
		program: program,
		args:    args,
		timeout: timeout,
	}
}

// Check verifies the engine binary is reachable in PATH.
func (c *Command) Check() error {
	if _, err := exec.LookPath(c.program); err != nil {
		return fmt.Errorf("engine binary %q not found in PATH: %w", c.program, err)
	}
	return nil
}

// Synthesize renders text to audio under settings. Implements
// cache.Synthesizer.
func (c *Command) Synthesize(ctx context.Context, text string, settings cache.Settings) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args, textInArgs := c.expandArgs(text, settings)
	cmd := exec.CommandContext(ctx, c.program, args...)

	// Stdin must be wired before Start; attaching it afterwards races the
	// engine's first read.
	if !textInArgs {
		cmd.Stdin = strings.NewReader(text)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting engine: %w", err)
	}
	err := cmd.Wait()

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("engine timed out after %v", c.timeout)
	}
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("engine failed: %w: %s", err, firstLine(msg))
		}
		return nil, fmt.Errorf("engine failed: %w", err)
	}

	log.Debug("Synth: engine run complete",
		"bytes", stdout.Len(), "duration", time.Since(start), "textLen", len(text))
	return stdout.Bytes(), nil
}

// expandArgs substitutes placeholders and reports whether the text was
// embedded in the argument list.
func (c *Command) expandArgs(text string, settings cache.Settings) ([]string, bool) {
	voice := settings.VoiceName
	if voice == "" {
		voice = settings.Voice
	}
	rate := strconv.Itoa(settings.Rate)

	args := make([]string, len(c.args))
	textInArgs := false
	for i, arg := range c.args {
		if strings.Contains(arg, placeholderText) {
			textInArgs = true
		}
		arg = strings.ReplaceAll(arg, placeholderText, text)
		arg = strings.ReplaceAll(arg, placeholderRate, rate)
		arg = strings.ReplaceAll(arg, placeholderVoice, voice)
		args[i] = arg
	}
	return args, textInArgs
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
