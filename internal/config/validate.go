package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

var logLevels = map[string]struct{}{"debug": {}, "info": {}, "warn": {}, "error": {}}

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if cfg.Store.TemplateCacheTTL < 0 {
		return nil, fmt.Errorf("store.template_cache_ttl_ms must be >= 0")
	}

	if cfg.Speech.Enable && strings.TrimSpace(cfg.Speech.Endpoint) == "" {
		return nil, fmt.Errorf("speech.endpoint must not be empty when speech.enable=true")
	}
	if strings.TrimSpace(cfg.Speech.LanguageCode) == "" {
		return nil, fmt.Errorf("speech.language_code must not be empty")
	}
	if cfg.Speech.ProbeTimeout <= 0 {
		return nil, fmt.Errorf("speech.probe_timeout_ms must be > 0")
	}
	if cfg.Speech.StopGrace < 0 {
		return nil, fmt.Errorf("speech.stop_grace_ms must be >= 0")
	}

	baseURL := strings.TrimSpace(cfg.Transcription.BaseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("transcription.base_url must not be empty")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("transcription.base_url must be an http(s) URL")
	}
	if strings.TrimSpace(cfg.Transcription.Model) == "" {
		return nil, fmt.Errorf("transcription.model must not be empty")
	}
	if cfg.Transcription.Timeout <= 0 {
		return nil, fmt.Errorf("transcription.timeout_ms must be > 0")
	}
	if cfg.Transcription.ResolvedAPIKey() == "" {
		warnings = append(warnings, Warning{Message: "no transcription API key configured; cloud dictation fallback will fail"})
	}

	if cfg.Audio.ChunkInterval < 20*time.Millisecond {
		return nil, fmt.Errorf("audio.chunk_interval_ms must be >= 20")
	}

	if cfg.Indicator.CuePlayer.Raw != "" && len(cfg.Indicator.CuePlayer.Argv) == 0 {
		return nil, fmt.Errorf("indicator.cue_player_cmd is configured but empty")
	}

	if _, ok := logLevels[strings.ToLower(strings.TrimSpace(cfg.Log.Level))]; !ok {
		return nil, fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	if cfg.Log.MaxSizeMB <= 0 {
		return nil, fmt.Errorf("log.max_size_mb must be > 0")
	}
	if cfg.Log.MaxBackups < 0 || cfg.Log.MaxAgeDays < 0 {
		return nil, fmt.Errorf("log.max_backups and log.max_age_days must be >= 0")
	}

	if len(cfg.Form.NarrativeKeywords) == 0 {
		warnings = append(warnings, Warning{Message: "form.narrative_keywords is empty; only textarea fields offer dictation"})
	}

	return warnings, nil
}
