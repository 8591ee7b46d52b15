package capture

import (
	"context"
	"time"
)

// Sink is the live text field dictation writes into. Update must apply fn to
// the field's current value atomically.
type Sink interface {
	Text() string
	Update(fn func(current string) string)
}

// Probe reports whether the native streaming recognizer is usable.
type Probe interface {
	NativeAvailable(ctx context.Context) bool
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) bool

func (f ProbeFunc) NativeAvailable(ctx context.Context) bool {
	return f(ctx)
}

// RecognizerHandler receives native recognizer callbacks. Implementations
// may call it from any goroutine.
type RecognizerHandler interface {
	OnResult(text string, final bool)
	OnError(err error)
	OnEnd()
}

// Recognizer is a native streaming recognizer. Bind is called exactly once
// before the first Start. OnEnd reports a session that finished on its own.
// Stop must not block on handler delivery. The channel it returns is closed
// once the stopped stream will deliver no more results.
type Recognizer interface {
	Bind(handler RecognizerHandler)
	Start(ctx context.Context) error
	Stop() <-chan struct{}
}

// Microphone opens an exclusive recording.
type Microphone interface {
	Acquire(ctx context.Context) (Recording, error)
}

// Recording buffers encoded audio until Finish assembles one payload.
// Release tears down the stream and device; it is idempotent and safe to
// call mid-recording.
type Recording interface {
	Finish(ctx context.Context) ([]byte, error)
	Release()
}

// Transcriber uploads one audio payload and returns its transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, language string) (string, error)
}

// Mode identifies which backend a session uses.
type Mode string

const (
	ModeNative Mode = "native"
	ModeCloud  Mode = "cloud"
)

// Indicator observes user-visible capture status.
type Indicator interface {
	Listening(mode Mode)
	Transcribing()
	Failed(err *Error)
	Idle()
}

type noopIndicator struct{}

func (noopIndicator) Listening(Mode) {}
func (noopIndicator) Transcribing()  {}
func (noopIndicator) Failed(*Error)  {}
func (noopIndicator) Idle()          {}

// Clock supplies the current time for the restart-loop guard.
type Clock func() time.Time
