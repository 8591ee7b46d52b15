// Package capture drives dictation into a single text field through a native
// streaming recognizer or, when that is unavailable, a recorded upload to a
// cloud transcription service.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rbright/caseform/internal/fsm"
	"github.com/rbright/caseform/internal/transcript"
)

const (
	// MaxRapidRestarts bounds consecutive quick recognizer endings without
	// any result before the session fails.
	MaxRapidRestarts = 3
	// RapidRestartWindow is how soon after a start an end counts as rapid.
	RapidRestartWindow = time.Second
	// DefaultStopGrace bounds how long a stopped native stream may keep
	// delivering final results before Wait gives up on it.
	DefaultStopGrace = 2 * time.Second

	DefaultLanguage = "en-US"
)

// Config wires a controller. Sink is required; at least one backend must be usable.
type Config struct {
	Logger      *slog.Logger
	Sink        Sink
	Probe       Probe
	Recognizer  Recognizer
	Microphone  Microphone
	Transcriber Transcriber
	Indicator   Indicator
	Language    string
	Now         Clock
	StopGrace   time.Duration
}

// Snapshot is a point-in-time view of controller state.
type Snapshot struct {
	State     fsm.State
	Mode      Mode
	Listening bool
	Uploading bool
	// Draining is set while a stopped native stream may still deliver
	// final results.
	Draining bool
	Err      *Error
}

// Controller owns one field's dictation lifecycle. Every input is a message
// handled by a single loop goroutine, so recognizer callbacks never act on
// stale copies of the listening flag or the field text.
type Controller struct {
	logger      *slog.Logger
	sink        Sink
	recognizer  Recognizer
	microphone  Microphone
	transcriber Transcriber
	indicator   Indicator
	language    string
	now         Clock
	stopGrace   time.Duration
	mode        Mode

	runCtx    context.Context
	cancelRun context.CancelFunc

	events    chan event
	done      chan struct{}
	closeOnce sync.Once

	publishedMu sync.RWMutex
	published   Snapshot

	// Loop-owned.
	state          fsm.State
	stillListening bool
	recording      Recording
	uploading      bool
	draining       bool
	drainGen       int
	lastErr        *Error
	lastStart      time.Time
	sawResult      bool
	rapidEnds      int
	waiters        []chan Snapshot
}

// NewController probes native capability once and starts the event loop.
func NewController(ctx context.Context, cfg Config) (*Controller, error) {
	if cfg.Sink == nil {
		return nil, ErrNoSink
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	indicator := cfg.Indicator
	if indicator == nil {
		indicator = noopIndicator{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	language := cfg.Language
	if language == "" {
		language = DefaultLanguage
	}
	stopGrace := cfg.StopGrace
	if stopGrace <= 0 {
		stopGrace = DefaultStopGrace
	}

	mode, err := selectMode(ctx, logger, cfg)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		logger:      logger,
		sink:        cfg.Sink,
		recognizer:  cfg.Recognizer,
		microphone:  cfg.Microphone,
		transcriber: cfg.Transcriber,
		indicator:   indicator,
		language:    language,
		now:         now,
		stopGrace:   stopGrace,
		mode:        mode,
		runCtx:      runCtx,
		cancelRun:   cancel,
		events:      make(chan event, 16),
		done:        make(chan struct{}),
		state:       fsm.StateIdle,
	}
	c.published = c.snapshot()

	if mode == ModeNative {
		c.recognizer.Bind(recognizerHandler{c: c})
	}

	go c.loop()
	return c, nil
}

func selectMode(ctx context.Context, logger *slog.Logger, cfg Config) (Mode, error) {
	cloudReady := cfg.Microphone != nil && cfg.Transcriber != nil
	if cfg.Recognizer != nil {
		if cfg.Probe == nil || cfg.Probe.NativeAvailable(ctx) {
			return ModeNative, nil
		}
		logger.Info("native recognizer unavailable; using cloud transcription")
	}
	if !cloudReady {
		return "", ErrNoBackend
	}
	return ModeCloud, nil
}

// Mode reports the backend chosen at construction.
func (c *Controller) Mode() Mode {
	return c.mode
}

// Start begins listening. It returns ErrAlreadyListening or ErrCloudActive
// when a session is active, and the classified *Error when the backend fails
// to start (the controller is then in the error state).
func (c *Controller) Start(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, startEvent{reply: reply}); err != nil {
		return err
	}
	return c.await(ctx, reply)
}

// Stop ends listening. Native sessions stop immediately and drain their last
// final results in the background; cloud sessions finalize the recording and
// begin the upload. Either completes before Wait returns. Stop is idempotent.
func (c *Controller) Stop(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, stopEvent{reply: reply}); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}
	return c.await(ctx, reply)
}

// Wait blocks until the controller is neither listening, draining, nor
// uploading.
func (c *Controller) Wait(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := c.post(ctx, waitEvent{reply: reply}); err != nil {
		if errors.Is(err, ErrClosed) {
			return c.lastPublished(), nil
		}
		return Snapshot{}, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-c.done:
		return c.lastPublished(), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Snapshot returns the state after every previously posted input is handled.
func (c *Controller) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if err := c.post(context.Background(), snapshotEvent{reply: reply}); err != nil {
		return c.lastPublished()
	}
	select {
	case snap := <-reply:
		return snap
	case <-c.done:
		return c.lastPublished()
	}
}

// Close tears the session down: listening is cleared, the recognizer is
// stopped, the microphone is released even mid-recording, and any in-flight
// upload is abandoned. Later callbacks are ignored. Close is idempotent.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		select {
		case c.events <- closeEvent{}:
		case <-c.done:
		}
		<-c.done
	})
}

func (c *Controller) post(ctx context.Context, e event) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.events <- e:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) await(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) lastPublished() Snapshot {
	c.publishedMu.RLock()
	defer c.publishedMu.RUnlock()
	return c.published
}

func (c *Controller) loop() {
	defer close(c.done)
	for e := range c.events {
		if _, ok := e.(closeEvent); ok {
			c.teardown()
			c.publish()
			return
		}
		c.handle(e)
		c.publish()
	}
}

func (c *Controller) handle(e event) {
	switch e := e.(type) {
	case startEvent:
		e.reply <- c.handleStart()
	case stopEvent:
		c.handleStop()
		e.reply <- nil
	case waitEvent:
		c.waiters = append(c.waiters, e.reply)
	case snapshotEvent:
		e.reply <- c.snapshot()
	case resultEvent:
		c.handleResult(e.text, e.final)
	case recognizerErrorEvent:
		if c.state == fsm.StateListeningNative {
			c.fail(Classify(e.err))
		}
	case endEvent:
		c.handleEnd()
	case uploadDoneEvent:
		c.handleUploadDone(e.text, e.err)
	case drainedEvent:
		if e.gen == c.drainGen {
			c.draining = false
		}
	}
}

func (c *Controller) handleStart() error {
	switch c.state {
	case fsm.StateListeningCloud:
		return ErrCloudActive
	case fsm.StateListeningNative:
		return ErrAlreadyListening
	}

	if c.mode == ModeNative {
		return c.startNative()
	}
	return c.startCloud()
}

func (c *Controller) startNative() error {
	if err := c.transition(fsm.EventStartNative); err != nil {
		return err
	}
	c.lastErr = nil
	c.stillListening = true
	c.rapidEnds = 0
	c.markStarted()
	c.indicator.Listening(ModeNative)

	if err := c.recognizer.Start(c.runCtx); err != nil {
		captureErr := Classify(err)
		c.fail(captureErr)
		return captureErr
	}
	return nil
}

func (c *Controller) startCloud() error {
	recording, err := c.microphone.Acquire(c.runCtx)
	if err != nil {
		captureErr := Classify(err)
		c.fail(captureErr)
		return captureErr
	}
	if err := c.transition(fsm.EventStartCloud); err != nil {
		recording.Release()
		return err
	}
	c.lastErr = nil
	c.stillListening = true
	c.recording = recording
	c.indicator.Listening(ModeCloud)
	return nil
}

func (c *Controller) handleStop() {
	switch c.state {
	case fsm.StateListeningNative:
		c.stillListening = false
		drained := c.recognizer.Stop()
		_ = c.transition(fsm.EventStop)
		c.indicator.Idle()
		c.awaitDrain(drained)
	case fsm.StateListeningCloud:
		if c.uploading || c.recording == nil {
			return
		}
		c.stillListening = false
		c.beginUpload()
	}
}

// awaitDrain holds waiters until the stopped stream has delivered its last
// result or the grace period lapses, whichever comes first.
func (c *Controller) awaitDrain(drained <-chan struct{}) {
	c.drainGen++
	c.draining = true

	gen := c.drainGen
	ctx := c.runCtx
	grace := c.stopGrace
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-drained:
		case <-timer.C:
			c.logger.Debug("recognizer drain timed out", "grace", grace)
		case <-ctx.Done():
			return
		}
		c.deliver(drainedEvent{gen: gen})
	}()
}

// beginUpload hands the recording to a worker that finalizes the payload,
// releases the microphone, and performs exactly one upload.
func (c *Controller) beginUpload() {
	recording := c.recording
	c.recording = nil
	c.uploading = true
	c.indicator.Transcribing()

	ctx := c.runCtx
	language := c.language
	go func() {
		payload, err := recording.Finish(ctx)
		recording.Release()
		if err != nil {
			c.deliver(uploadDoneEvent{err: err})
			return
		}
		text, err := c.transcriber.Transcribe(ctx, payload, language)
		c.deliver(uploadDoneEvent{text: text, err: err})
	}()
}

func (c *Controller) handleUploadDone(text string, err error) {
	if !c.uploading {
		return
	}
	c.uploading = false
	if err != nil {
		c.fail(Classify(err))
		return
	}
	if transcript.Clean(text) == "" {
		c.fail(NewError(KindNoSpeechDetected, errors.New("empty transcript")))
		return
	}
	c.sink.Update(func(current string) string {
		return transcript.Append(current, text)
	})
	_ = c.transition(fsm.EventUploaded)
	c.indicator.Idle()
}

func (c *Controller) handleResult(text string, final bool) {
	if c.state == fsm.StateError {
		return
	}
	c.sawResult = true
	c.rapidEnds = 0
	if !final {
		return
	}
	c.sink.Update(func(current string) string {
		return transcript.Append(current, text)
	})
}

func (c *Controller) handleEnd() {
	if !c.stillListening || c.state != fsm.StateListeningNative {
		return
	}

	if !c.sawResult && c.now().Sub(c.lastStart) < RapidRestartWindow {
		c.rapidEnds++
	} else {
		c.rapidEnds = 0
	}
	if c.rapidEnds > MaxRapidRestarts {
		c.logger.Warn("recognizer ended repeatedly without results", "restarts", c.rapidEnds)
		c.fail(NewError(KindUnknown, errors.New("recognizer restart loop")))
		return
	}

	c.markStarted()
	if err := c.recognizer.Start(c.runCtx); err != nil {
		c.fail(Classify(err))
	}
}

func (c *Controller) markStarted() {
	c.lastStart = c.now()
	c.sawResult = false
}

// fail moves to the error state. The field text is never touched.
func (c *Controller) fail(err *Error) {
	wasNative := c.state == fsm.StateListeningNative
	c.stillListening = false
	if wasNative {
		c.recognizer.Stop()
	}
	if c.recording != nil {
		c.recording.Release()
		c.recording = nil
	}
	_ = c.transition(fsm.EventFail)
	c.lastErr = err
	c.logger.Warn("dictation failed", "kind", err.Kind.String(), "error", err.Error())
	c.indicator.Failed(err)
}

func (c *Controller) teardown() {
	c.stillListening = false
	if c.state == fsm.StateListeningNative {
		c.recognizer.Stop()
	}
	if c.recording != nil {
		c.recording.Release()
		c.recording = nil
	}
	c.cancelRun()
	c.uploading = false
	c.draining = false
	if c.state.Listening() {
		c.state = fsm.StateIdle
		c.indicator.Idle()
	}
}

func (c *Controller) transition(event fsm.Event) error {
	next, err := fsm.Transition(c.state, event)
	if err != nil {
		return err
	}
	c.state = next
	return nil
}

func (c *Controller) snapshot() Snapshot {
	return Snapshot{
		State:     c.state,
		Mode:      c.mode,
		Listening: c.stillListening,
		Uploading: c.uploading,
		Draining:  c.draining,
		Err:       c.lastErr,
	}
}

// publish records the latest snapshot and releases waiters once settled.
func (c *Controller) publish() {
	snap := c.snapshot()
	c.publishedMu.Lock()
	c.published = snap
	c.publishedMu.Unlock()

	if snap.State.Listening() || snap.Uploading || snap.Draining {
		return
	}
	for _, waiter := range c.waiters {
		waiter <- snap
	}
	c.waiters = nil
}

// deliver posts a callback input; after Close it is dropped.
func (c *Controller) deliver(e event) {
	select {
	case c.events <- e:
	case <-c.done:
	}
}

type event interface{}

type startEvent struct{ reply chan error }

type stopEvent struct{ reply chan error }

type waitEvent struct{ reply chan Snapshot }

type snapshotEvent struct{ reply chan Snapshot }

type closeEvent struct{}

type resultEvent struct {
	text  string
	final bool
}

type recognizerErrorEvent struct{ err error }

type endEvent struct{}

type drainedEvent struct{ gen int }

type uploadDoneEvent struct {
	text string
	err  error
}

type recognizerHandler struct {
	c *Controller
}

func (h recognizerHandler) OnResult(text string, final bool) {
	h.c.deliver(resultEvent{text: text, final: final})
}

func (h recognizerHandler) OnError(err error) {
	h.c.deliver(recognizerErrorEvent{err: err})
}

func (h recognizerHandler) OnEnd() {
	h.c.deliver(endEvent{})
}
