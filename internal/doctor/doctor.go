// Package doctor runs readiness diagnostics for config, store, speech backends, and audio.
package doctor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rbright/caseform/internal/audio"
	"github.com/rbright/caseform/internal/config"
	"github.com/rbright/caseform/internal/recognizer"
	"github.com/rbright/caseform/internal/store"
)

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run executes environment/config/runtime checks for a loaded config.
func Run(ctx context.Context, cfg config.Loaded) Report {
	checks := []Check{checkConfig(cfg)}
	checks = append(checks, checkStore(ctx, cfg.Config.Store.Path))
	checks = append(checks, checkRecognizer(ctx, cfg.Config.Speech))
	checks = append(checks, checkTranscription(ctx, cfg.Config.Transcription))
	checks = append(checks, checkAudioSelection(ctx, cfg.Config))
	return Report{Checks: checks}
}

func checkConfig(cfg config.Loaded) Check {
	message := fmt.Sprintf("loaded %q", cfg.Path)
	if !cfg.Exists {
		message = fmt.Sprintf("%q not found; using defaults", cfg.Path)
	}
	if n := len(cfg.Warnings); n > 0 {
		message += fmt.Sprintf(" (%d warning(s))", n)
	}
	return Check{Name: "config", Pass: true, Message: message}
}

// checkStore opens the database, which applies pending migrations, and pings it.
func checkStore(ctx context.Context, path string) Check {
	st, err := store.Open(path)
	if err != nil {
		return Check{Name: "store", Pass: false, Message: err.Error()}
	}
	defer st.Close()

	if err := st.Ping(ctx); err != nil {
		return Check{Name: "store", Pass: false, Message: err.Error()}
	}
	return Check{Name: "store", Pass: true, Message: fmt.Sprintf("opened %q", path)}
}

// checkRecognizer runs the same health probe capture uses to pick native mode.
func checkRecognizer(ctx context.Context, cfg config.SpeechConfig) Check {
	if !cfg.Enable {
		return Check{Name: "recognizer", Pass: true, Message: "disabled; dictation uses cloud transcription"}
	}
	client, err := recognizer.New(recognizer.Config{
		Endpoint:     cfg.Endpoint,
		LanguageCode: cfg.LanguageCode,
		DialTimeout:  cfg.ProbeTimeout,
	})
	if err != nil {
		return Check{Name: "recognizer", Pass: false, Message: err.Error()}
	}
	defer client.Close()

	if err := client.Check(ctx); err != nil {
		return Check{Name: "recognizer", Pass: false, Message: err.Error()}
	}
	return Check{Name: "recognizer", Pass: true, Message: fmt.Sprintf("serving at %s", cfg.Endpoint)}
}

// checkTranscription probes the models listing of the configured endpoint.
// 503 means the fallback is not configured on that host.
func checkTranscription(ctx context.Context, cfg config.TranscriptionConfig) Check {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return Check{Name: "transcription", Pass: false, Message: "base_url is empty"}
	}

	url := strings.TrimRight(base, "/") + "/models"
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Check{Name: "transcription", Pass: false, Message: fmt.Sprintf("build request: %v", err)}
	}
	if key := cfg.ResolvedAPIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Check{Name: "transcription", Pass: false, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 256))

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return Check{Name: "transcription", Pass: false, Message: fmt.Sprintf("not configured (HTTP 503 from %s)", url)}
	case resp.StatusCode >= 500:
		return Check{Name: "transcription", Pass: false, Message: fmt.Sprintf("HTTP %d from %s", resp.StatusCode, url)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Check{Name: "transcription", Pass: true, Message: fmt.Sprintf("reachable at %s but rejected credentials (HTTP %d)", url, resp.StatusCode)}
	default:
		return Check{Name: "transcription", Pass: true, Message: fmt.Sprintf("reachable at %s", url)}
	}
}

// checkAudioSelection runs live device selection to surface selection/fallback issues.
func checkAudioSelection(ctx context.Context, cfg config.Config) Check {
	selection, err := audio.SelectDevice(ctx, cfg.Audio.Input, cfg.Audio.Fallback)
	if err != nil {
		return Check{Name: "audio.device", Pass: false, Message: err.Error()}
	}
	message := fmt.Sprintf("selected %q", selection.Device.ID)
	if selection.Warning != "" {
		message = message + " (" + selection.Warning + ")"
	}
	return Check{Name: "audio.device", Pass: true, Message: message}
}
