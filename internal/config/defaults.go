package config

import "time"

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	player := "pw-play --media-role Notification"

	return Config{
		Store: StoreConfig{
			TemplateCacheTTL: 5 * time.Minute,
		},
		Speech: SpeechConfig{
			Enable:       true,
			Endpoint:     "127.0.0.1:50061",
			LanguageCode: "en-US",
			ProbeTimeout: 1500 * time.Millisecond,
			StopGrace:    2 * time.Second,
		},
		Transcription: TranscriptionConfig{
			BaseURL:   "https://api.openai.com/v1",
			APIKeyEnv: "OPENAI_API_KEY",
			Model:     "whisper-1",
			Timeout:   30 * time.Second,
		},
		Audio: AudioConfig{
			Input:         "default",
			Fallback:      "default",
			ChunkInterval: 250 * time.Millisecond,
		},
		Indicator: IndicatorConfig{
			Enable:      true,
			Color:       true,
			SoundEnable: true,
			CuePlayer:   CommandConfig{Raw: player, Argv: mustParseArgv(player)},
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Form: FormConfig{
			NarrativeKeywords: []string{"note", "description", "observation", "reason"},
		},
	}
}
