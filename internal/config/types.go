// Package config resolves, parses, validates, and defaults caseform configuration.
package config

import (
	"os"
	"strings"
	"time"
)

// Config is the fully materialized runtime configuration used by caseform.
type Config struct {
	Store         StoreConfig
	Templates     TemplatesConfig
	Speech        SpeechConfig
	Transcription TranscriptionConfig
	Audio         AudioConfig
	Indicator     IndicatorConfig
	Log           LogConfig
	Form          FormConfig
}

// StoreConfig locates the SQLite database and sizes the template cache.
type StoreConfig struct {
	Path             string
	TemplateCacheTTL time.Duration
}

// TemplatesConfig names the directory `template import` reads when no files are given.
type TemplatesConfig struct {
	Dir string
}

// SpeechConfig controls the native streaming recognizer.
type SpeechConfig struct {
	Enable       bool
	Endpoint     string
	LanguageCode string
	ProbeTimeout time.Duration
	StopGrace    time.Duration
}

// TranscriptionConfig controls the cloud transcription fallback.
type TranscriptionConfig struct {
	BaseURL   string
	APIKey    string
	APIKeyEnv string
	Model     string
	Timeout   time.Duration
}

// ResolvedAPIKey returns the inline key, or the value of APIKeyEnv.
func (c TranscriptionConfig) ResolvedAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if env := strings.TrimSpace(c.APIKeyEnv); env != "" {
		return strings.TrimSpace(os.Getenv(env))
	}
	return ""
}

// AudioConfig controls preferred and fallback input-source selection.
type AudioConfig struct {
	Input         string
	Fallback      string
	ChunkInterval time.Duration
}

// IndicatorConfig controls terminal status output and audio cue behavior.
type IndicatorConfig struct {
	Enable            bool
	Color             bool
	SoundEnable       bool
	SoundStartFile    string
	SoundStopFile     string
	SoundCompleteFile string
	SoundCancelFile   string
	CuePlayer         CommandConfig
	TextListening     string
	TextTranscribing  string
	TextError         string
}

// LogConfig controls the rotating JSONL log file.
type LogConfig struct {
	Path       string
	Level      string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// FormConfig controls terminal form rendering.
type FormConfig struct {
	NarrativeKeywords []string
}

// CommandConfig stores a raw command string and its parsed argv form.
type CommandConfig struct {
	Raw  string
	Argv []string
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}
