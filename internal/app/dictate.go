package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rbright/caseform/internal/audio"
	"github.com/rbright/caseform/internal/capture"
	"github.com/rbright/caseform/internal/fsm"
	"github.com/rbright/caseform/internal/indicator"
	"github.com/rbright/caseform/internal/ipc"
	"github.com/rbright/caseform/internal/recognizer"
	"github.com/rbright/caseform/internal/session"
	"github.com/rbright/caseform/internal/transcribe"
	"github.com/urfave/cli/v2"
)

const (
	forwardTimeout = 220 * time.Millisecond
	probeTimeout   = 180 * time.Millisecond
	acquireRetries = 8
)

func (r Runner) dictateCmd() *cli.Command {
	return &cli.Command{
		Name:      "dictate",
		Usage:     "Dictate into one field of a stored draft; run again (or `stop`) to finish",
		ArgsUsage: "SUBMISSION_ID KEY",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 2); err != nil {
				return err
			}
			return r.withBackend(c, func(e *env, b *backend) error {
				return r.dictate(c.Context, e, b, c.Args().Get(0), c.Args().Get(1))
			})
		},
	}
}

// dictate becomes the session owner, or forwards stop to the running owner.
func (r Runner) dictate(ctx context.Context, e *env, b *backend, submissionID string, key string) error {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		return err
	}

	resp, handled, err := tryForward(ctx, socketPath, ipc.CommandStop)
	if handled {
		if err != nil {
			return err
		}
		r.printMessage(resp)
		return nil
	}

	socket := ipc.Socket{
		Path:         socketPath,
		ProbeTimeout: probeTimeout,
		Retries:      acquireRetries,
		Logger:       e.logger,
	}
	listener, err := socket.Listen(ctx)
	if err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) {
			resp, _, forwardErr := tryForward(ctx, socketPath, ipc.CommandStop)
			if forwardErr != nil {
				return forwardErr
			}
			r.printMessage(resp)
			return nil
		}
		return err
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	owner := session.NewOwner(e.logger, b.drafts, r.captureFactory(e))

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- ipc.Serve(serverCtx, listener, owner)
	}()

	result := owner.Run(ctx, submissionID, key)
	serverCancel()
	if serverErr := <-serverErrCh; serverErr != nil {
		return fmt.Errorf("ipc server failed: %w", serverErr)
	}

	logSessionResult(e.logger, result)

	if result.Cancelled {
		fmt.Fprintln(r.Stdout, "cancelled")
		return nil
	}
	if result.Err != nil {
		return result.Err
	}
	if result.CaptureErr != nil {
		fmt.Fprintf(r.Stderr, "warning: %s\n", result.CaptureErr.Message())
	}
	fmt.Fprintf(r.Stdout, "saved %s %s\n", result.SubmissionID, result.Key)
	if text := strings.TrimSpace(result.Text); text != "" {
		fmt.Fprintln(r.Stdout, text)
	}
	return nil
}

func (r Runner) statusCmd() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the active dictation session",
		Action: func(c *cli.Context) error {
			socketPath, err := ipc.RuntimeSocketPath()
			if err != nil {
				fmt.Fprintln(r.Stdout, fsm.StateIdle)
				return nil
			}

			resp, handled, err := tryForward(c.Context, socketPath, ipc.CommandStatus)
			if !handled {
				fmt.Fprintln(r.Stdout, fsm.StateIdle)
				return nil
			}
			if err != nil {
				return err
			}
			if resp.State == "" {
				resp.State = string(fsm.StateIdle)
			}
			fmt.Fprintln(r.Stdout, resp.State)
			if resp.Key != "" {
				fmt.Fprintf(r.Stdout, "submission=%s key=%s mode=%s\n", resp.SubmissionID, resp.Key, resp.Mode)
			}
			if resp.ErrorKind != "" {
				fmt.Fprintf(r.Stdout, "error=%s %s\n", resp.ErrorKind, resp.Message)
			}
			return nil
		},
	}
}

func (r Runner) forwardCmd(command string, usage string) *cli.Command {
	return &cli.Command{
		Name:  command,
		Usage: usage,
		Action: func(c *cli.Context) error {
			socketPath, err := ipc.RuntimeSocketPath()
			if err != nil {
				return err
			}
			resp, handled, err := tryForward(c.Context, socketPath, command)
			if !handled {
				return errors.New("no active caseform dictation")
			}
			if err != nil {
				return err
			}
			r.printMessage(resp)
			return nil
		},
	}
}

func (r Runner) printMessage(resp ipc.Response) {
	if resp.Message != "" {
		fmt.Fprintln(r.Stdout, resp.Message)
	}
}

// captureFactory builds a controller over the configured recognizer,
// microphone, and transcription endpoint, with the terminal indicator.
func (r Runner) captureFactory(e *env) session.CaptureFactory {
	if r.NewCapture != nil {
		return r.NewCapture
	}
	cfg := e.cfg()
	logger := e.logger

	return func(ctx context.Context, sink capture.Sink) (session.Capture, error) {
		ccfg := capture.Config{
			Logger: logger,
			Sink:   sink,
			Microphone: &audio.Microphone{
				Input:         cfg.Audio.Input,
				Fallback:      cfg.Audio.Fallback,
				ChunkInterval: cfg.Audio.ChunkInterval,
				Logger:        logger,
			},
			Transcriber: transcribe.New(transcribe.Config{
				BaseURL: cfg.Transcription.BaseURL,
				APIKey:  cfg.Transcription.ResolvedAPIKey(),
				Model:   cfg.Transcription.Model,
				Timeout: cfg.Transcription.Timeout,
			}),
			Indicator: indicator.NewTerminal(cfg.Indicator, r.Stderr, logger),
			Language:  cfg.Speech.LanguageCode,
			StopGrace: cfg.Speech.StopGrace,
		}

		var native *recognizer.Client
		if cfg.Speech.Enable {
			client, err := recognizer.New(recognizer.Config{
				Endpoint:     cfg.Speech.Endpoint,
				LanguageCode: cfg.Speech.LanguageCode,
				DialTimeout:  cfg.Speech.ProbeTimeout,
				StopGrace:    cfg.Speech.StopGrace,
				Logger:       logger,
			})
			if err != nil {
				logger.Warn("native recognizer unavailable", "error", err.Error())
			} else {
				native = client
				ccfg.Recognizer = client
				ccfg.Probe = client
			}
		}

		ctrl, err := capture.NewController(ctx, ccfg)
		if err != nil {
			if native != nil {
				_ = native.Close()
			}
			return nil, err
		}
		return &ownedCapture{Controller: ctrl, native: native}, nil
	}
}

// ownedCapture closes the recognizer connection with the controller.
type ownedCapture struct {
	*capture.Controller
	native *recognizer.Client
}

func (c *ownedCapture) Close() {
	c.Controller.Close()
	if c.native != nil {
		_ = c.native.Close()
		c.native = nil
	}
}

func logSessionResult(logger *slog.Logger, result session.Result) {
	if logger == nil {
		return
	}
	fields := []any{
		"submission", result.SubmissionID,
		"key", result.Key,
		"mode", string(result.Mode),
		"saved", result.Saved,
		"cancelled", result.Cancelled,
		"started_at", result.StartedAt.Format(time.RFC3339Nano),
		"finished_at", result.FinishedAt.Format(time.RFC3339Nano),
		"duration_ms", result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
		"text_length", len(result.Text),
	}
	if result.CaptureErr != nil {
		fields = append(fields, "capture_error", result.CaptureErr.Kind.String())
	}

	if result.Err != nil {
		logger.Error("dictation failed", append(fields, "error", result.Err.Error())...)
		return
	}
	logger.Info("dictation complete", fields...)
}

// tryForward sends command to a running owner. handled is false only when no
// session is listening.
func tryForward(ctx context.Context, socketPath string, command string) (ipc.Response, bool, error) {
	resp, err := ipc.SendCommand(ctx, socketPath, command, forwardTimeout)
	switch {
	case err == nil:
		return resp, true, nil
	case ipc.NoSession(err):
		return ipc.Response{}, false, nil
	case resp.Error != "":
		return resp, true, err
	default:
		return ipc.Response{}, true, fmt.Errorf("forward command %q: %w", command, err)
	}
}
