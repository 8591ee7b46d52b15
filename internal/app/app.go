// Package app wires configuration, storage, prompting, and dictation into the
// caseform command line.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/rbright/caseform/internal/config"
	"github.com/rbright/caseform/internal/doctor"
	"github.com/rbright/caseform/internal/draft"
	"github.com/rbright/caseform/internal/logging"
	"github.com/rbright/caseform/internal/prompt"
	"github.com/rbright/caseform/internal/session"
	"github.com/rbright/caseform/internal/store"
	"github.com/rbright/caseform/internal/version"
	"github.com/urfave/cli/v2"
)

const appName = "caseform"

// Runner executes one CLI invocation. Driver and NewCapture replace the
// terminal and the microphone/recognizer stack when set.
type Runner struct {
	Stdout     io.Writer
	Stderr     io.Writer
	Logger     *slog.Logger
	Driver     prompt.Driver
	NewCapture session.CaptureFactory
}

// Execute runs args with a default runner.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

// Execute runs args and returns the process exit code.
func (r Runner) Execute(ctx context.Context, args []string) int {
	app := r.newCLIApp()
	err := app.RunContext(ctx, append([]string{appName}, args...))
	return r.exitCode(err)
}

func (r Runner) newCLIApp() *cli.App {
	app := &cli.App{
		Name:        appName,
		Usage:       "Fill schema-driven forms from the terminal, with dictation",
		HideVersion: true,
		Writer:      r.Stdout,
		ErrWriter:   r.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "Path to config.jsonc"},
		},
		Commands: []*cli.Command{
			r.templateCmd(),
			r.fillCmd(),
			r.resumeCmd(),
			r.validateCmd(),
			r.submitCmd(),
			r.submissionsCmd(),
			r.dictateCmd(),
			r.forwardCmd("stop", "Stop the active dictation and save the draft"),
			r.forwardCmd("cancel", "Cancel the active dictation without saving"),
			r.statusCmd(),
			r.doctorCmd(),
			r.versionCmd(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() > 0 {
				_ = cli.ShowAppHelp(c)
				return cli.Exit(fmt.Sprintf("unknown command %q", c.Args().First()), 2)
			}
			return cli.ShowAppHelp(c)
		},
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return cli.Exit(err.Error(), 2)
		},
	}
	// Exit codes are mapped by Execute, never by os.Exit inside the library.
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func (r Runner) exitCode(err error) int {
	if err == nil {
		return 0
	}
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		if msg := coder.Error(); msg != "" {
			fmt.Fprintf(r.Stderr, "error: %s\n", msg)
		}
		return coder.ExitCode()
	}
	fmt.Fprintf(r.Stderr, "error: %v\n", err)
	return 1
}

// env is the per-command runtime: loaded config and the rotating logger.
type env struct {
	loaded config.Loaded
	logger *slog.Logger
	logs   logging.Runtime
}

func (e *env) cfg() config.Config { return e.loaded.Config }

func (e *env) Close() {
	_ = e.logs.Close()
}

// setup loads config, then opens logging with the configured rotation.
func (r Runner) setup(c *cli.Context) (*env, error) {
	loaded, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	logs, err := logging.New(loaded.Config.Log)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	logger := r.Logger
	if logger == nil {
		logger = logs.Logger
	}

	for _, w := range loaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
		logger.Warn("config warning", "line", w.Line, "message", w.Message)
	}

	logger.Info("command start",
		"command", c.Command.FullName(),
		"config", loaded.Path,
		"log", logs.Path,
	)
	return &env{loaded: loaded, logger: logger, logs: logs}, nil
}

// backend is the opened store plus the draft service reading templates
// through the TTL cache.
type backend struct {
	store     *store.Store
	templates *store.CachedTemplates
	drafts    *draft.Service
}

func (b *backend) Close() {
	_ = b.store.Close()
}

func openBackend(e *env) (*backend, error) {
	st, err := store.Open(e.cfg().Store.Path)
	if err != nil {
		return nil, err
	}
	templates := store.NewCachedTemplates(st, e.cfg().Store.TemplateCacheTTL)
	return &backend{
		store:     st,
		templates: templates,
		drafts:    draft.NewService(templates, st, st, e.logger),
	}, nil
}

// withBackend runs fn with config, logging, and the store open.
func (r Runner) withBackend(c *cli.Context, fn func(*env, *backend) error) error {
	e, err := r.setup(c)
	if err != nil {
		return err
	}
	defer e.Close()

	b, err := openBackend(e)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := fn(e, b); err != nil {
		var coder cli.ExitCoder
		if !errors.As(err, &coder) {
			e.logger.Error("command failed", "command", c.Command.FullName(), "error", err.Error())
		}
		return err
	}
	return nil
}

func requireArgs(c *cli.Context, n int) error {
	if c.NArg() != n {
		return cli.Exit(fmt.Sprintf("%s expects %d argument(s): %s", c.Command.Name, n, c.Command.ArgsUsage), 2)
	}
	return nil
}

func (r Runner) doctorCmd() *cli.Command {
	return &cli.Command{
		Name:  "doctor",
		Usage: "Check config, store, speech backends, and audio",
		Action: func(c *cli.Context) error {
			e, err := r.setup(c)
			if err != nil {
				return err
			}
			defer e.Close()

			report := doctor.Run(c.Context, e.loaded)
			fmt.Fprintln(r.Stdout, report.String())
			if !report.OK() {
				return cli.Exit("", 1)
			}
			return nil
		},
	}
}

func (r Runner) versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print build metadata",
		Action: func(_ *cli.Context) error {
			fmt.Fprintln(r.Stdout, version.String())
			return nil
		},
	}
}
