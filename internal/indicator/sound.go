package indicator

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/rbright/caseform/internal/config"
)

type cueKind int

const (
	cueListen cueKind = iota + 1
	cueTranscribe
	cueDone
	cueFail
)

const (
	cueSampleRate  = 16000
	cueGap         = 22 * time.Millisecond
	cueGain        = 0.18
	cueRamp        = 5 * time.Millisecond
	cuePlayTimeout = 4 * time.Second
)

// note is one sine segment of a cue.
type note struct {
	hz  float64
	dur time.Duration
}

// Rising pairs announce start and success; falling pairs announce failure.
var cueMelodies = map[cueKind][]note{
	cueListen:     {{880, 70 * time.Millisecond}, {1175, 70 * time.Millisecond}},
	cueTranscribe: {{620, 120 * time.Millisecond}},
	cueDone:       {{740, 65 * time.Millisecond}, {988, 90 * time.Millisecond}},
	cueFail:       {{480, 75 * time.Millisecond}, {360, 90 * time.Millisecond}},
}

var (
	renderOnce sync.Once
	rendered   map[cueKind][]float32
)

// emitCue plays the configured cue file for kind, falling back to a
// synthesized melody over pulse.
func emitCue(kind cueKind, cfg config.IndicatorConfig) error {
	if path := cuePath(kind, cfg); path != "" {
		if err := playCueFile(path, cfg.CuePlayer.Argv); err == nil {
			return nil
		}
	}

	pcm := cuePCM(kind)
	if len(pcm) == 0 {
		return nil
	}
	return playPCM(pcm)
}

func cuePath(kind cueKind, cfg config.IndicatorConfig) string {
	files := map[cueKind]string{
		cueListen:     cfg.SoundStartFile,
		cueTranscribe: cfg.SoundStopFile,
		cueDone:       cfg.SoundCompleteFile,
		cueFail:       cfg.SoundCancelFile,
	}
	return config.ExpandUserPath(files[kind])
}

// playCueFile runs player with path appended to its argv.
func playCueFile(path string, player []string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("cue file %q: %w", path, err)
	}
	if len(player) == 0 {
		return fmt.Errorf("no cue player configured for %q", path)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cuePlayTimeout)
	defer cancel()

	argv := append(append([]string(nil), player...), path)
	if err := exec.CommandContext(ctx, argv[0], argv[1:]...).Run(); err != nil {
		return fmt.Errorf("%s %q: %w", argv[0], path, err)
	}
	return nil
}

func playPCM(pcm []float32) error {
	client, err := pulse.NewClient(pulse.ClientApplicationName("caseform"))
	if err != nil {
		return fmt.Errorf("connect pulse server: %w", err)
	}
	defer client.Close()

	pos := 0
	reader := pulse.Float32Reader(func(buf []float32) (int, error) {
		n := copy(buf, pcm[pos:])
		pos += n
		if pos >= len(pcm) {
			return n, pulse.EndOfData
		}
		return n, nil
	})

	stream, err := client.NewPlayback(
		reader,
		pulse.PlaybackMono,
		pulse.PlaybackSampleRate(cueSampleRate),
		pulse.PlaybackLatency(0.02),
		pulse.PlaybackMediaName("caseform cue"),
	)
	if err != nil {
		return fmt.Errorf("open cue playback: %w", err)
	}
	defer stream.Close()

	stream.Start()
	stream.Drain()
	return stream.Error()
}

func cuePCM(kind cueKind) []float32 {
	renderOnce.Do(func() {
		rendered = make(map[cueKind][]float32, len(cueMelodies))
		for k, melody := range cueMelodies {
			rendered[k] = renderMelody(melody)
		}
	})
	return rendered[kind]
}

// renderMelody concatenates notes with a short silence between them.
func renderMelody(melody []note) []float32 {
	var pcm []float32
	for i, n := range melody {
		if i > 0 {
			pcm = append(pcm, make([]float32, sampleCount(cueGap))...)
		}
		pcm = append(pcm, renderNote(n)...)
	}
	return pcm
}

// renderNote synthesizes a sine with linear fade in and out so segment
// edges do not click.
func renderNote(n note) []float32 {
	count := sampleCount(n.dur)
	if count == 0 || n.hz <= 0 {
		return nil
	}
	ramp := min(max(count/10, 1), sampleCount(cueRamp))

	pcm := make([]float32, count)
	step := 2 * math.Pi * n.hz / cueSampleRate
	for i := range pcm {
		edge := min(i, count-1-i)
		env := 1.0
		if edge < ramp {
			env = float64(edge) / float64(ramp)
		}
		pcm[i] = float32(cueGain * env * math.Sin(step*float64(i)))
	}
	return pcm
}

func sampleCount(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Round(d.Seconds() * cueSampleRate))
}
