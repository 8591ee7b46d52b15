package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

type jsoncConfig struct {
	Store         *jsoncStore         `json:"store"`
	Templates     *jsoncTemplates     `json:"templates"`
	Speech        *jsoncSpeech        `json:"speech"`
	Transcription *jsoncTranscription `json:"transcription"`
	Audio         *jsoncAudio         `json:"audio"`
	Indicator     *jsoncIndicator     `json:"indicator"`
	Log           *jsoncLog           `json:"log"`
	Form          *jsoncForm          `json:"form"`
}

type jsoncStore struct {
	Path               *string `json:"path"`
	TemplateCacheTTLMS *int    `json:"template_cache_ttl_ms"`
}

type jsoncTemplates struct {
	Dir *string `json:"dir"`
}

type jsoncSpeech struct {
	Enable         *bool   `json:"enable"`
	Endpoint       *string `json:"endpoint"`
	LanguageCode   *string `json:"language_code"`
	ProbeTimeoutMS *int    `json:"probe_timeout_ms"`
	StopGraceMS    *int    `json:"stop_grace_ms"`
}

type jsoncTranscription struct {
	BaseURL   *string `json:"base_url"`
	APIKey    *string `json:"api_key"`
	APIKeyEnv *string `json:"api_key_env"`
	Model     *string `json:"model"`
	TimeoutMS *int    `json:"timeout_ms"`
}

type jsoncAudio struct {
	Input           *string `json:"input"`
	Fallback        *string `json:"fallback"`
	ChunkIntervalMS *int    `json:"chunk_interval_ms"`
}

type jsoncIndicator struct {
	Enable            *bool   `json:"enable"`
	Color             *bool   `json:"color"`
	SoundEnable       *bool   `json:"sound_enable"`
	SoundStartFile    *string `json:"sound_start_file"`
	SoundStopFile     *string `json:"sound_stop_file"`
	SoundCompleteFile *string `json:"sound_complete_file"`
	SoundCancelFile   *string `json:"sound_cancel_file"`
	CuePlayerCmd      *string `json:"cue_player_cmd"`
	TextListening     *string `json:"text_listening"`
	TextTranscribing  *string `json:"text_transcribing"`
	TextError         *string `json:"text_error"`
}

type jsoncLog struct {
	Path       *string `json:"path"`
	Level      *string `json:"level"`
	MaxSizeMB  *int    `json:"max_size_mb"`
	MaxBackups *int    `json:"max_backups"`
	MaxAgeDays *int    `json:"max_age_days"`
}

type jsoncForm struct {
	NarrativeKeywords *jsoncStringList `json:"narrative_keywords"`
}

type jsoncStringList []string

func (l *jsoncStringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		parts := strings.Split(single, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			out = append(out, part)
		}
		*l = out
		return nil
	}

	return fmt.Errorf("expected string array or comma-delimited string")
}

func parseJSONC(content string, base Config) (Config, []Warning, error) {
	normalized, err := normalizeJSONC(content)
	if err != nil {
		return Config{}, nil, err
	}

	decoder := json.NewDecoder(strings.NewReader(normalized))
	decoder.DisallowUnknownFields()

	var payload jsoncConfig
	if err := decodeSingle(decoder, &payload); err != nil {
		return Config{}, nil, locateDecodeError(normalized, err)
	}

	cfg := base
	warnings, err := payload.applyTo(&cfg)
	if err != nil {
		return Config{}, nil, err
	}

	validatedWarnings, err := Validate(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	warnings = append(warnings, validatedWarnings...)
	return cfg, warnings, nil
}

func millis(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setMillis(dst *time.Duration, src *int) {
	if src != nil {
		*dst = millis(*src)
	}
}

func (payload jsoncConfig) applyTo(cfg *Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if s := payload.Store; s != nil {
		if s.Path != nil {
			cfg.Store.Path = ExpandUserPath(*s.Path)
		}
		setMillis(&cfg.Store.TemplateCacheTTL, s.TemplateCacheTTLMS)
	}

	if t := payload.Templates; t != nil && t.Dir != nil {
		cfg.Templates.Dir = ExpandUserPath(*t.Dir)
	}

	if s := payload.Speech; s != nil {
		setBool(&cfg.Speech.Enable, s.Enable)
		setString(&cfg.Speech.Endpoint, s.Endpoint)
		setString(&cfg.Speech.LanguageCode, s.LanguageCode)
		setMillis(&cfg.Speech.ProbeTimeout, s.ProbeTimeoutMS)
		setMillis(&cfg.Speech.StopGrace, s.StopGraceMS)
	}

	if t := payload.Transcription; t != nil {
		setString(&cfg.Transcription.BaseURL, t.BaseURL)
		setString(&cfg.Transcription.APIKey, t.APIKey)
		setString(&cfg.Transcription.APIKeyEnv, t.APIKeyEnv)
		setString(&cfg.Transcription.Model, t.Model)
		setMillis(&cfg.Transcription.Timeout, t.TimeoutMS)
		if t.APIKey != nil && strings.TrimSpace(*t.APIKey) != "" {
			warnings = append(warnings, Warning{Message: "transcription.api_key is stored in plain text; prefer transcription.api_key_env"})
		}
	}

	if a := payload.Audio; a != nil {
		setString(&cfg.Audio.Input, a.Input)
		setString(&cfg.Audio.Fallback, a.Fallback)
		setMillis(&cfg.Audio.ChunkInterval, a.ChunkIntervalMS)
	}

	if i := payload.Indicator; i != nil {
		setBool(&cfg.Indicator.Enable, i.Enable)
		setBool(&cfg.Indicator.Color, i.Color)
		setBool(&cfg.Indicator.SoundEnable, i.SoundEnable)
		setString(&cfg.Indicator.SoundStartFile, i.SoundStartFile)
		setString(&cfg.Indicator.SoundStopFile, i.SoundStopFile)
		setString(&cfg.Indicator.SoundCompleteFile, i.SoundCompleteFile)
		setString(&cfg.Indicator.SoundCancelFile, i.SoundCancelFile)
		setString(&cfg.Indicator.TextListening, i.TextListening)
		setString(&cfg.Indicator.TextTranscribing, i.TextTranscribing)
		setString(&cfg.Indicator.TextError, i.TextError)
		if i.CuePlayerCmd != nil {
			raw := *i.CuePlayerCmd
			argv, err := parseArgv(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid indicator.cue_player_cmd: %w", err)
			}
			cfg.Indicator.CuePlayer = CommandConfig{Raw: raw, Argv: argv}
		}
	}

	if l := payload.Log; l != nil {
		if l.Path != nil {
			cfg.Log.Path = ExpandUserPath(*l.Path)
		}
		setString(&cfg.Log.Level, l.Level)
		setInt(&cfg.Log.MaxSizeMB, l.MaxSizeMB)
		setInt(&cfg.Log.MaxBackups, l.MaxBackups)
		setInt(&cfg.Log.MaxAgeDays, l.MaxAgeDays)
	}

	if f := payload.Form; f != nil && f.NarrativeKeywords != nil {
		keywords := make([]string, 0, len(*f.NarrativeKeywords))
		for _, keyword := range *f.NarrativeKeywords {
			keyword = strings.ToLower(strings.TrimSpace(keyword))
			if keyword == "" {
				continue
			}
			keywords = append(keywords, keyword)
		}
		cfg.Form.NarrativeKeywords = keywords
	}

	return warnings, nil
}

// normalizeJSONC blanks comments and trailing commas with spaces so the
// result is plain JSON with the same byte offsets as content.
func normalizeJSONC(content string) (string, error) {
	out := []byte(content)
	inString, escaped := false, false

	for i := 0; i < len(out); i++ {
		ch := out[i]
		switch {
		case inString:
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
		case ch == '"':
			inString = true
		case ch == '/' && i+1 < len(out) && out[i+1] == '/':
			for i < len(out) && out[i] != '\n' && out[i] != '\r' {
				out[i] = ' '
				i++
			}
		case ch == '/' && i+1 < len(out) && out[i+1] == '*':
			end := strings.Index(content[i+2:], "*/")
			if end < 0 {
				return "", fmt.Errorf("unterminated block comment in JSONC")
			}
			blank(out[i : i+2+end+2])
			i += 2 + end + 1
		case ch == '}' || ch == ']':
			if p := lastNonSpace(out[:i]); p >= 0 && out[p] == ',' {
				out[p] = ' '
			}
		}
	}
	return string(out), nil
}

// blank replaces everything but line breaks and tabs with spaces.
func blank(b []byte) {
	for i, ch := range b {
		if ch != '\n' && ch != '\r' && ch != '\t' {
			b[i] = ' '
		}
	}
}

func lastNonSpace(b []byte) int {
	for i := len(b) - 1; i >= 0; i-- {
		switch b[i] {
		case ' ', '\n', '\r', '\t':
		default:
			return i
		}
	}
	return -1
}

// decodeSingle decodes exactly one JSON value into v.
func decodeSingle(decoder *json.Decoder, v any) error {
	if err := decoder.Decode(v); err != nil {
		return err
	}
	var trailing json.RawMessage
	switch err := decoder.Decode(&trailing); {
	case errors.Is(err, io.EOF):
		return nil
	case err != nil:
		return err
	default:
		return errors.New("multiple JSON values are not allowed")
	}
}

// locateDecodeError prefixes syntax and type errors with their position.
func locateDecodeError(content string, err error) error {
	var offset int64 = -1
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr):
		offset = syntaxErr.Offset
	case errors.As(err, &typeErr):
		offset = typeErr.Offset
	}
	if offset < 0 {
		return err
	}
	line, col := lineCol(content, offset)
	return fmt.Errorf("line %d column %d: %w", line, col, err)
}

// lineCol maps a decoder offset (one past the offending byte) to a
// one-based line and column.
func lineCol(content string, offset int64) (int, int) {
	if offset <= 1 {
		return 1, 1
	}
	prefix := content[:min(int(offset)-1, len(content))]
	line := strings.Count(prefix, "\n") + 1
	col := len(prefix) - strings.LastIndexByte(prefix, '\n')
	return line, col
}
