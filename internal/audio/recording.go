package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
	"github.com/rbright/caseform/internal/capture"
)

const DefaultChunkInterval = 250 * time.Millisecond

// Microphone acquires exclusive Pulse recordings for the cloud dictation path.
type Microphone struct {
	Input         string
	Fallback      string
	ChunkInterval time.Duration
	Logger        *slog.Logger
}

// Acquire selects a source and starts a 16 kHz mono s16 record stream.
func (m *Microphone) Acquire(ctx context.Context) (capture.Recording, error) {
	selection, err := SelectDevice(ctx, m.Input, m.Fallback)
	if err != nil {
		return nil, classifyPulseError(fmt.Errorf("select audio device: %w", err))
	}
	if selection.Warning != "" && m.Logger != nil {
		m.Logger.Warn(selection.Warning)
	}

	client, err := newPulseClient()
	if err != nil {
		return nil, classifyPulseError(err)
	}
	source, err := client.SourceByID(selection.Device.ID)
	if err != nil {
		client.Close()
		return nil, classifyPulseError(fmt.Errorf("resolve source %q: %w", selection.Device.ID, err))
	}

	rec := newRecording(selection.Device, chunkBytes(m.ChunkInterval), m.Logger)
	rec.client = client

	writer := pulse.NewWriter(writerFunc(rec.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(SampleRate),
		pulse.RecordBufferFragmentSize(uint32(rec.chunkBytes)),
		pulse.RecordMediaName("caseform dictation"),
	)
	if err != nil {
		rec.Release()
		return nil, classifyPulseError(fmt.Errorf("create pulse record stream: %w", err))
	}
	rec.stream = stream
	stream.Start()

	go func() {
		select {
		case <-ctx.Done():
			rec.Release()
		case <-rec.released:
		}
	}()
	return rec, nil
}

func chunkBytes(interval time.Duration) int {
	if interval <= 0 {
		interval = DefaultChunkInterval
	}
	n := int(interval.Milliseconds()) * bytesPerMillisecond
	if n < bytesPerMillisecond*20 {
		n = bytesPerMillisecond * 20
	}
	return n
}

// Recording buffers PCM as fixed-interval chunks until Finish.
type Recording struct {
	device     Device
	chunkBytes int
	logger     *slog.Logger

	client *pulse.Client
	stream *pulse.RecordStream

	mu      sync.Mutex
	pending []byte
	chunks  [][]byte
	stopped bool
	bytes   atomic.Int64

	stopOnce    sync.Once
	releaseOnce sync.Once
	released    chan struct{}
}

func newRecording(device Device, chunkBytes int, logger *slog.Logger) *Recording {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Recording{
		device:     device,
		chunkBytes: chunkBytes,
		logger:     logger,
		released:   make(chan struct{}),
	}
}

// Finish stops recording, flushes residual PCM, and returns one WAV payload.
func (r *Recording) Finish(context.Context) ([]byte, error) {
	r.stop()

	r.mu.Lock()
	total := 0
	for _, chunk := range r.chunks {
		total += len(chunk)
	}
	pcm := make([]byte, 0, total)
	for _, chunk := range r.chunks {
		pcm = append(pcm, chunk...)
	}
	chunks := len(r.chunks)
	r.mu.Unlock()

	r.logger.Info("recording finished",
		"device", r.device.ID,
		"bytes", r.bytes.Load(),
		"chunks", chunks,
		"duration_ms", len(pcm)/bytesPerMillisecond,
	)

	if len(pcm) == 0 {
		return nil, capture.NewError(capture.KindNoSpeechDetected, errors.New("no audio captured"))
	}
	return EncodeWAV(pcm, SampleRate, Channels), nil
}

// Release tears down the stream and the Pulse client. Safe mid-recording.
func (r *Recording) Release() {
	r.releaseOnce.Do(func() {
		r.stop()
		if r.stream != nil {
			r.stream.Close()
		}
		if r.client != nil {
			r.client.Close()
		}
		close(r.released)
	})
}

func (r *Recording) stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()

		if r.stream != nil {
			r.stream.Stop()
		}

		r.mu.Lock()
		if len(r.pending) > 0 {
			r.chunks = append(r.chunks, r.pending)
			r.pending = nil
		}
		r.mu.Unlock()
	})
}

// onPCM receives Pulse frames and cuts them into chunkBytes slices.
func (r *Recording) onPCM(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return 0, io.EOF
	}

	r.pending = append(r.pending, buffer...)
	for len(r.pending) >= r.chunkBytes {
		chunk := make([]byte, r.chunkBytes)
		copy(chunk, r.pending[:r.chunkBytes])
		r.pending = r.pending[r.chunkBytes:]
		r.chunks = append(r.chunks, chunk)
	}
	r.bytes.Add(int64(len(buffer)))
	return len(buffer), nil
}

// classifyPulseError marks access failures as permission denials.
func classifyPulseError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "permission") {
		return capture.NewError(capture.KindPermissionDenied, err)
	}
	return capture.NewError(capture.KindUnknown, err)
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}
