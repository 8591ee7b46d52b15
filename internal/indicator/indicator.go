// Package indicator reports dictation status on the terminal and plays audio cues.
package indicator

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/rbright/caseform/internal/capture"
	"github.com/rbright/caseform/internal/config"
)

// Terminal is the capture.Indicator used by interactive and dictate sessions.
type Terminal struct {
	cfg      config.IndicatorConfig
	out      io.Writer
	logger   *slog.Logger
	messages messages

	listening    *color.Color
	transcribing *color.Color
	failed       *color.Color
	done         *color.Color

	mu     sync.Mutex
	active bool

	soundMu sync.Mutex
	emit    func(cueKind) error
}

// NewTerminal creates a terminal indicator writing to out (stderr when nil).
func NewTerminal(cfg config.IndicatorConfig, out io.Writer, logger *slog.Logger) *Terminal {
	if out == nil {
		out = os.Stderr
	}
	t := &Terminal{
		cfg:          cfg,
		out:          out,
		logger:       logger,
		messages:     messagesFor(cfg),
		listening:    color.New(color.FgCyan, color.Bold),
		transcribing: color.New(color.FgMagenta),
		failed:       color.New(color.FgRed, color.Bold),
		done:         color.New(color.FgGreen),
	}
	if !cfg.Color {
		for _, c := range []*color.Color{t.listening, t.transcribing, t.failed, t.done} {
			c.DisableColor()
		}
	}
	t.emit = func(kind cueKind) error { return emitCue(kind, cfg) }
	return t
}

// Listening reports capture start. Native auto-restarts report again and are
// not re-announced.
func (t *Terminal) Listening(mode capture.Mode) {
	t.mu.Lock()
	first := !t.active
	t.active = true
	t.mu.Unlock()
	if !first {
		return
	}

	t.playCue(cueListen)
	text := t.messages.listening
	if mode == capture.ModeCloud {
		text = t.messages.recording
	}
	t.print(t.listening, "● "+text)
}

// Transcribing reports that a cloud upload is in flight.
func (t *Terminal) Transcribing() {
	t.playCue(cueTranscribe)
	t.print(t.transcribing, "… "+t.messages.transcribing)
}

// Failed reports a capture error.
func (t *Terminal) Failed(err *capture.Error) {
	t.mu.Lock()
	t.active = false
	t.mu.Unlock()

	t.playCue(cueFail)
	text := t.messages.errorText
	if err != nil {
		text = err.Message()
	}
	t.print(t.failed, "✗ "+text)
}

// Idle reports that capture settled without error.
func (t *Terminal) Idle() {
	t.mu.Lock()
	was := t.active
	t.active = false
	t.mu.Unlock()
	if !was {
		return
	}

	t.playCue(cueDone)
	t.print(t.done, "✓ "+t.messages.done)
}

func (t *Terminal) print(c *color.Color, text string) {
	if !t.cfg.Enable {
		return
	}
	if _, err := c.Fprintln(t.out, strings.TrimSpace(text)); err != nil {
		t.log("indicator write failed", err)
	}
}

// playCue serializes cue playback and emits audio asynchronously.
func (t *Terminal) playCue(kind cueKind) {
	if !t.cfg.SoundEnable {
		return
	}
	go func() {
		t.soundMu.Lock()
		defer t.soundMu.Unlock()
		if err := t.emit(kind); err != nil {
			t.log("indicator audio cue failed", err)
		}
	}()
}

// log emits debug-only indicator failures to the runtime logger.
func (t *Terminal) log(message string, err error) {
	if t.logger == nil || err == nil {
		return
	}
	t.logger.Debug(message, "error", err.Error())
}

var _ capture.Indicator = (*Terminal)(nil)

func (k cueKind) String() string {
	switch k {
	case cueListen:
		return "listen"
	case cueTranscribe:
		return "transcribe"
	case cueDone:
		return "done"
	case cueFail:
		return "fail"
	default:
		return fmt.Sprintf("cue(%d)", int(k))
	}
}
