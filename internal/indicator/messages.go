package indicator

import (
	"strings"

	"github.com/rbright/caseform/internal/config"
)

// messages are the status lines the terminal indicator prints.
type messages struct {
	listening    string // native recognizer
	recording    string // cloud fallback microphone
	transcribing string
	done         string
	errorText    string
}

var defaultMessages = messages{
	listening:    "Listening…",
	recording:    "Recording…",
	transcribing: "Transcribing…",
	done:         "Dictation finished",
	errorText:    "Speech recognition error",
}

// messagesFor applies the configured text overrides. A listening override
// covers both capture paths; blank overrides are ignored.
func messagesFor(cfg config.IndicatorConfig) messages {
	m := defaultMessages
	override := func(dst *string, raw string) {
		if text := strings.TrimSpace(raw); text != "" {
			*dst = text
		}
	}
	override(&m.listening, cfg.TextListening)
	override(&m.recording, cfg.TextListening)
	override(&m.transcribing, cfg.TextTranscribing)
	override(&m.errorText, cfg.TextError)
	return m
}
