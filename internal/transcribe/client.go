// Package transcribe uploads recorded dictation to an OpenAI-compatible
// transcription endpoint.
package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rbright/caseform/internal/capture"
)

const (
	DefaultModel   = openai.AudioModelWhisper1
	defaultTimeout = 30 * time.Second
)

// Config selects the endpoint and model.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client implements capture.Transcriber with exactly one request per call.
type Client struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// New builds a client. Retries are disabled; the capture layer decides what a
// failure means.
func New(cfg Config) *Client {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{client: openai.NewClient(opts...), model: model, timeout: timeout}
}

// Transcribe uploads one WAV payload tagged with language.
func (c *Client) Transcribe(ctx context.Context, audio []byte, language string) (string, error) {
	if len(audio) == 0 {
		return "", capture.NewError(capture.KindNoSpeechDetected, errors.New("empty audio payload"))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio), "dictation.wav", "audio/wav"),
		Model: c.model,
	}
	if lang := PrimaryLanguage(language); lang != "" {
		params.Language = openai.String(lang)
	}

	resp, err := c.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	return resp.Text, nil
}

// PrimaryLanguage reduces a BCP 47 tag to its ISO 639-1 primary subtag.
func PrimaryLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		wrapped := fmt.Errorf("transcription request failed (%d): %w", apiErr.StatusCode, err)
		switch {
		case apiErr.StatusCode == 503:
			return capture.NewError(capture.KindServiceUnavailable, wrapped)
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return capture.NewError(capture.KindPermissionDenied, wrapped)
		default:
			return capture.NewError(capture.KindUnknown, wrapped)
		}
	}

	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) || errors.Is(err, context.DeadlineExceeded) {
		return capture.NewError(capture.KindNetworkError, fmt.Errorf("transcription request: %w", err))
	}
	return capture.NewError(capture.KindUnknown, fmt.Errorf("transcription request: %w", err))
}
