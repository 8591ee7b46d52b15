package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/rbright/caseform/internal/capture"
	"github.com/rbright/caseform/internal/ipc"
	"github.com/rbright/caseform/internal/prompt"
	"github.com/rbright/caseform/internal/session"
	"github.com/stretchr/testify/require"
)

const visitYAML = `
id: visit
name: Home Visit
sections:
  - id: visit
    title: Visit
    fields:
      - id: client
        label: Client
        type: text
        isRequired: true
      - id: notes
        label: Notes
        type: textarea
`

func TestExecuteHelp(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	exitCode := Execute(context.Background(), []string{"--help"}, &stdout, &stderr)
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdout.String(), "USAGE:")
	require.Contains(t, stdout.String(), "dictate")
	require.Empty(t, stderr.String())
}

func TestExecuteVersion(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	exitCode := Execute(context.Background(), []string{"version"}, &stdout, &stderr)
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdout.String(), "caseform")
	require.Empty(t, stderr.String())
}

func TestExecuteUnknownCommand(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	exitCode := Execute(context.Background(), []string{"definitely-not-a-command"}, &stdout, &stderr)
	require.Equal(t, 2, exitCode)
	require.Contains(t, stderr.String(), "unknown command")
}

func TestExecuteWrongArgCount(t *testing.T) {
	paths := setupRunnerEnv(t)
	var stderr bytes.Buffer
	runner := Runner{Stdout: &bytes.Buffer{}, Stderr: &stderr}

	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "dictate", "only-one"})
	require.Equal(t, 2, exitCode)
	require.Contains(t, stderr.String(), "dictate expects 2 argument(s)")
}

func TestTemplateImportListShow(t *testing.T) {
	paths := setupRunnerEnv(t)
	file := writeTemplate(t, t.TempDir())

	out, errOut, code := run(t, Runner{}, paths, "template", "import", file)
	require.Equal(t, 0, code, errOut)
	require.Equal(t, "imported visit (Home Visit)\n", out)

	out, _, code = run(t, Runner{}, paths, "template", "list")
	require.Equal(t, 0, code)
	require.Contains(t, out, `visit | name="Home Visit" | sections=1`)

	out, _, code = run(t, Runner{}, paths, "template", "show", "visit")
	require.Equal(t, 0, code)
	require.Contains(t, out, "id: visit")
	require.Contains(t, out, "label: Notes")

	_, errOut, code = run(t, Runner{}, paths, "template", "show", "missing")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "not found")
}

func TestTemplateImportDefaultsToConfiguredDir(t *testing.T) {
	paths := setupRunnerEnv(t)
	writeTemplate(t, paths.templatesDir)

	out, errOut, code := run(t, Runner{}, paths, "template", "import")
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "imported visit")
}

func TestFillSubmitsAfterFixingErrors(t *testing.T) {
	paths := setupRunnerEnv(t)
	importVisit(t, paths)

	driver := &scriptedDriver{answers: []any{
		"",            // Client
		true,          // Dictate Notes?
		true,          // Stop dictation?
		echoDefault{}, // Notes
		finishSubmit,  // Finish
		true,          // Fix 1 error(s) now?
		"Ada",         // Client
		false,         // Dictate Notes?
		echoDefault{}, // Notes
		finishSubmit,  // Finish
	}}
	rec := &scriptedRecognizer{results: []string{"client was calm"}}
	runner := Runner{Driver: driver, NewCapture: nativeFactory(rec)}

	out, errOut, code := run(t, runner, paths, "fill", "visit")
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "visit.client: ")
	require.Regexp(t, `submitted [0-9A-Z]{26}`, out)
	require.Empty(t, driver.answers)
	require.Equal(t, []string{"client was calm", "client was calm"}, driver.textAreaDefaults)
	require.Contains(t, driver.infos, "== Visit ==")
	require.Contains(t, driver.infos, "  ! "+firstErrorMessage(t, out))

	out, _, code = run(t, Runner{}, paths, "submissions", "--status", "submitted")
	require.Equal(t, 0, code)
	require.Contains(t, out, "template=visit | status=submitted | fields=2")

	out, _, code = run(t, Runner{}, paths, "submissions", "--status", "draft")
	require.Equal(t, 0, code)
	require.Equal(t, "no submissions\n", out)
}

func TestSubmissionsRejectsUnknownStatus(t *testing.T) {
	paths := setupRunnerEnv(t)
	_, errOut, code := run(t, Runner{}, paths, "submissions", "--status", "archived")
	require.Equal(t, 2, code)
	require.Contains(t, errOut, "archived")
}

func TestSavedDraftValidateSubmitAndResume(t *testing.T) {
	paths := setupRunnerEnv(t)
	importVisit(t, paths)
	id := saveEmptyDraft(t, paths)

	out, _, code := run(t, Runner{}, paths, "validate", id)
	require.Equal(t, 1, code)
	require.Contains(t, out, "visit.client: ")

	_, errOut, code := run(t, Runner{}, paths, "submit", id)
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "submission has validation errors")

	driver := &scriptedDriver{answers: []any{"Ada", false, echoDefault{}, finishSubmit}}
	out, errOut, code = run(t, Runner{Driver: driver}, paths, "resume", id)
	require.Equal(t, 0, code, errOut)
	require.Equal(t, "submitted "+id+"\n", out)

	_, errOut, code = run(t, Runner{}, paths, "resume", id)
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "already submitted")
}

const contactsYAML = `
id: contacts
name: Contacts
sections:
  - id: contact
    title: Contact
    isRepeatable: true
    maxRepeat: 3
    fields:
      - id: name
        label: Name
        type: text
        isRequired: true
`

func TestFillRemovedInstanceStaysRemovedAfterResume(t *testing.T) {
	paths := setupRunnerEnv(t)
	file := filepath.Join(t.TempDir(), "contacts.yaml")
	require.NoError(t, os.WriteFile(file, []byte(contactsYAML), 0o600))
	_, errOut, code := run(t, Runner{}, paths, "template", "import", file)
	require.Equal(t, 0, code, errOut)

	driver := &scriptedDriver{answers: []any{
		"Ann",      // Name
		true,       // Add another Contact?
		"Bo",       // Name
		true,       // Remove Contact #2?
		false,      // Add another Contact?
		finishSave, // Finish
	}}
	out, errOut, code := run(t, Runner{Driver: driver}, paths, "fill", "contacts")
	require.Equal(t, 0, code, errOut)
	require.Empty(t, driver.answers)
	require.Equal(t, []string{"Add another Contact?", "Remove Contact #2?", "Add another Contact?"}, driver.confirms)
	match := savedDraftRE.FindStringSubmatch(out)
	require.Len(t, match, 2, out)
	id := match[1]

	out, _, code = run(t, Runner{}, paths, "validate", id)
	require.Equal(t, 0, code)
	require.Equal(t, "valid\n", out)

	resumed := &scriptedDriver{answers: []any{
		echoDefault{}, // Name
		false,         // Add another Contact?
		finishSubmit,  // Finish
	}}
	out, errOut, code = run(t, Runner{Driver: resumed}, paths, "resume", id)
	require.Equal(t, 0, code, errOut)
	require.Equal(t, "submitted "+id+"\n", out)
	require.Equal(t, []string{"Add another Contact?"}, resumed.confirms)
	require.Equal(t, []string{"== Contact #1 =="}, resumed.infos)
}

func TestFillAbortExitsWithoutSaving(t *testing.T) {
	paths := setupRunnerEnv(t)
	importVisit(t, paths)

	driver := &scriptedDriver{answers: []any{prompt.ErrAborted}}
	_, errOut, code := run(t, Runner{Driver: driver}, paths, "fill", "visit")
	require.Equal(t, 130, code)
	require.Contains(t, errOut, "aborted")

	out, _, _ := run(t, Runner{}, paths, "submissions")
	require.Equal(t, "no submissions\n", out)
}

func TestRunnerStatusIdleWhenSocketUnavailable(t *testing.T) {
	paths := setupRunnerEnv(t)

	out, errOut, code := run(t, Runner{}, paths, "status")
	require.Equal(t, 0, code)
	require.Equal(t, "idle\n", out)
	require.Empty(t, errOut)
}

func TestRunnerStopReturnsNoActiveSession(t *testing.T) {
	paths := setupRunnerEnv(t)

	_, errOut, code := run(t, Runner{}, paths, "stop")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "no active caseform dictation")
}

func TestRunnerForwardsCommandsToActiveSession(t *testing.T) {
	paths := setupRunnerEnv(t)
	commands := make(chan string, 8)

	shutdown := startIPCServerForRunnerTest(t, paths.socketPath(), func(_ context.Context, req ipc.Request) ipc.Response {
		commands <- req.Command
		switch req.Command {
		case ipc.CommandStatus:
			return ipc.Response{OK: true, State: "listening_cloud", Mode: "cloud", SubmissionID: "sub-1", Key: "visit.notes"}
		case ipc.CommandStop, ipc.CommandCancel:
			return ipc.Response{OK: true, Message: req.Command + " handled"}
		default:
			return ipc.Response{OK: false, Error: "unsupported"}
		}
	})
	defer shutdown()

	out, errOut, code := run(t, Runner{}, paths, "status")
	require.Equal(t, 0, code, errOut)
	require.Equal(t, "listening_cloud\nsubmission=sub-1 key=visit.notes mode=cloud\n", out)

	for _, cmd := range []string{"stop", "cancel"} {
		out, errOut, code := run(t, Runner{}, paths, cmd)
		require.Equal(t, 0, code, cmd)
		require.Empty(t, errOut, cmd)
		require.Equal(t, cmd+" handled\n", out)
	}

	// a second dictate while one owns the socket forwards stop
	out, errOut, code = run(t, Runner{}, paths, "dictate", "sub-2", "visit.notes")
	require.Equal(t, 0, code, errOut)
	require.Equal(t, "stop handled\n", out)

	got := []string{<-commands, <-commands, <-commands, <-commands}
	require.Equal(t, []string{"status", "stop", "cancel", "stop"}, got)
}

func TestDictateOwnerSavesOnStop(t *testing.T) {
	paths := setupRunnerEnv(t)
	importVisit(t, paths)
	id := saveEmptyDraft(t, paths)

	rec := &scriptedRecognizer{results: []string{"client  was calm"}}
	owner := Runner{NewCapture: nativeFactory(rec)}

	type outcome struct {
		out, errOut string
		code        int
	}
	done := make(chan outcome, 1)
	go func() {
		out, errOut, code := run(t, owner, paths, "dictate", id, "visit.notes")
		done <- outcome{out, errOut, code}
	}()

	require.Eventually(t, func() bool {
		out, _, _ := run(t, Runner{}, paths, "status")
		return regexp.MustCompile(`key=visit\.notes`).MatchString(out)
	}, 3*time.Second, 20*time.Millisecond)

	out, errOut, code := run(t, Runner{}, paths, "stop")
	require.Equal(t, 0, code, errOut)
	require.Equal(t, "stop requested\n", out)

	select {
	case res := <-done:
		require.Equal(t, 0, res.code, res.errOut)
		require.Equal(t, "saved "+id+" visit.notes\nclient was calm\n", res.out)
	case <-time.After(5 * time.Second):
		t.Fatal("dictate did not finish")
	}

	_, statErr := os.Stat(paths.socketPath())
	require.ErrorIs(t, statErr, os.ErrNotExist)

	driver := &scriptedDriver{answers: []any{"Ada", false, echoDefault{}, finishSave}}
	_, errOut, code = run(t, Runner{Driver: driver}, paths, "resume", id)
	require.Equal(t, 0, code, errOut)
	require.Equal(t, []string{"client was calm"}, driver.textAreaDefaults)
}

func TestDictateOwnerReturnsErrorWhenCaptureStartupFails(t *testing.T) {
	paths := setupRunnerEnv(t)
	importVisit(t, paths)
	id := saveEmptyDraft(t, paths)

	rec := &scriptedRecognizer{startErr: capture.NewError(capture.KindPermissionDenied, errors.New("not-allowed"))}
	_, errOut, code := run(t, Runner{NewCapture: nativeFactory(rec)}, paths, "dictate", id, "visit.notes")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "error:")

	// owner path should clean up runtime socket on exit
	_, statErr := os.Stat(paths.socketPath())
	require.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestDictateRejectsNonTextField(t *testing.T) {
	paths := setupRunnerEnv(t)
	importVisit(t, paths)
	id := saveEmptyDraft(t, paths)

	_, errOut, code := run(t, Runner{NewCapture: nativeFactory(&scriptedRecognizer{})}, paths, "dictate", id, "visit.ghost")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "unknown field")
}

func TestTryForwardSuccessAndFailureResponses(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "caseform.sock")
	shutdown := startIPCServerForRunnerTest(t, socketPath, func(_ context.Context, req ipc.Request) ipc.Response {
		switch req.Command {
		case ipc.CommandStatus:
			return ipc.Response{OK: true, State: "listening_native"}
		default:
			return ipc.Response{OK: false, Error: "unsupported"}
		}
	})
	defer shutdown()

	resp, handled, err := tryForward(context.Background(), socketPath, ipc.CommandStatus)
	require.True(t, handled)
	require.NoError(t, err)
	require.Equal(t, "listening_native", resp.State)

	_, handled, err = tryForward(context.Background(), socketPath, ipc.CommandCancel)
	require.True(t, handled)
	require.ErrorContains(t, err, "unsupported")
}

func TestTryForwardDoesNotRemoveSocketPathOnForwardFailure(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "caseform.sock")
	require.NoError(t, os.WriteFile(socketPath, []byte("stale"), 0o600))

	_, handled, err := tryForward(context.Background(), socketPath, ipc.CommandStatus)
	require.False(t, handled)
	require.NoError(t, err)

	_, statErr := os.Stat(socketPath)
	require.NoError(t, statErr)
}

func TestTryForwardTreatsReadFailuresAsHandledErrors(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "caseform.sock")

	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, acceptErr := listener.Accept()
		if acceptErr == nil {
			_ = conn.Close()
		}
	}()

	_, handled, err := tryForward(context.Background(), socketPath, ipc.CommandStatus)
	require.True(t, handled)
	require.ErrorContains(t, err, `forward command "status":`)

	<-done
	require.NoError(t, listener.Close())
}

func TestRunnerDoctorCommandDispatchesAndPrintsReport(t *testing.T) {
	paths := setupRunnerEnv(t)
	t.Setenv("PULSE_SERVER", "unix:/tmp/definitely-missing-pulse-server")

	out, _, code := run(t, Runner{}, paths, "doctor")
	require.Equal(t, 1, code)
	require.Contains(t, out, "config: loaded")
	require.Contains(t, out, "[OK] store:")
	require.Contains(t, out, "[FAIL] audio.device:")
}

func TestLogSessionResultWritesFailureAndSuccess(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	started := time.Now()
	finished := started.Add(1500 * time.Millisecond)

	logSessionResult(logger, session.Result{
		SubmissionID: "sub-1",
		Key:          "visit.notes",
		Mode:         capture.ModeCloud,
		Saved:        true,
		Text:         "hello",
		StartedAt:    started,
		FinishedAt:   finished,
		CaptureErr:   capture.NewError(capture.KindNoSpeechDetected, errors.New("silence")),
	})
	require.Contains(t, logBuf.String(), "dictation complete")
	require.Contains(t, logBuf.String(), `"text_length":5`)
	require.Contains(t, logBuf.String(), `"capture_error":"no_speech_detected"`)

	logBuf.Reset()
	logSessionResult(logger, session.Result{StartedAt: started, FinishedAt: finished, Err: errors.New("boom")})
	require.Contains(t, logBuf.String(), "dictation failed")
	require.Contains(t, logBuf.String(), "boom")
}

type runnerPaths struct {
	configPath   string
	runtimeDir   string
	templatesDir string
}

func (p runnerPaths) socketPath() string {
	return filepath.Join(p.runtimeDir, "caseform.sock")
}

func setupRunnerEnv(t *testing.T) runnerPaths {
	t.Helper()

	runtimeDir := t.TempDir()
	dataDir := t.TempDir()
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	t.Setenv("XDG_RUNTIME_DIR", runtimeDir)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	templatesDir := filepath.Join(dataDir, "templates")
	require.NoError(t, os.MkdirAll(templatesDir, 0o700))

	config := fmt.Sprintf(`{
  // test runtime
  "store": {"path": %q},
  "templates": {"dir": %q},
  "speech": {"enable": false},
  "indicator": {"enable": false, "sound_enable": false},
}
`, filepath.Join(dataDir, "caseform.db"), templatesDir)
	configPath := filepath.Join(t.TempDir(), "config.jsonc")
	require.NoError(t, os.WriteFile(configPath, []byte(config), 0o600))

	return runnerPaths{configPath: configPath, runtimeDir: runtimeDir, templatesDir: templatesDir}
}

func run(t *testing.T, r Runner, paths runnerPaths, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	r.Stdout = &stdout
	r.Stderr = &stderr
	code := r.Execute(context.Background(), append([]string{"--config", paths.configPath}, args...))
	return stdout.String(), stderr.String(), code
}

func writeTemplate(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "visit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(visitYAML), 0o600))
	return path
}

func importVisit(t *testing.T, paths runnerPaths) {
	t.Helper()
	_, errOut, code := run(t, Runner{}, paths, "template", "import", writeTemplate(t, t.TempDir()))
	require.Equal(t, 0, code, errOut)
}

var savedDraftRE = regexp.MustCompile(`saved draft ([0-9A-Z]{26})`)

func saveEmptyDraft(t *testing.T, paths runnerPaths) string {
	t.Helper()
	driver := &scriptedDriver{answers: []any{"", false, echoDefault{}, finishSave}}
	out, errOut, code := run(t, Runner{Driver: driver}, paths, "fill", "visit")
	require.Equal(t, 0, code, errOut)
	match := savedDraftRE.FindStringSubmatch(out)
	require.Len(t, match, 2, out)
	return match[1]
}

func firstErrorMessage(t *testing.T, out string) string {
	t.Helper()
	match := regexp.MustCompile(`visit\.client: (.+)\n`).FindStringSubmatch(out)
	require.Len(t, match, 2, out)
	return match[1]
}

func startIPCServerForRunnerTest(t *testing.T, socketPath string, handler func(context.Context, ipc.Request) ipc.Response) func() {
	t.Helper()

	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ipc.Serve(ctx, listener, ipc.HandlerFunc(handler))
	}()

	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

// echoDefault answers a text prompt with its prefilled default.
type echoDefault struct{}

// scriptedDriver answers prompts from a queue. An error answer is returned as
// the prompt's error.
type scriptedDriver struct {
	mu               sync.Mutex
	answers          []any
	infos            []string
	confirms         []string
	textAreaDefaults []string
}

func (d *scriptedDriver) next() (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.answers) == 0 {
		return nil, errors.New("script exhausted")
	}
	answer := d.answers[0]
	d.answers = d.answers[1:]
	if err, ok := answer.(error); ok {
		return nil, err
	}
	return answer, nil
}

func (d *scriptedDriver) Input(_ context.Context, cfg prompt.InputConfig) (string, error) {
	answer, err := d.next()
	if err != nil {
		return "", err
	}
	if _, ok := answer.(echoDefault); ok {
		return cfg.Default, nil
	}
	return answer.(string), nil
}

func (d *scriptedDriver) Confirm(_ context.Context, cfg prompt.ConfirmConfig) (bool, error) {
	d.mu.Lock()
	d.confirms = append(d.confirms, cfg.Message)
	d.mu.Unlock()

	answer, err := d.next()
	if err != nil {
		return false, err
	}
	return answer.(bool), nil
}

func (d *scriptedDriver) Select(context.Context, prompt.SelectConfig) (int, error) {
	answer, err := d.next()
	if err != nil {
		return 0, err
	}
	return answer.(int), nil
}

func (d *scriptedDriver) MultiSelect(context.Context, prompt.SelectConfig) ([]int, error) {
	answer, err := d.next()
	if err != nil {
		return nil, err
	}
	return answer.([]int), nil
}

func (d *scriptedDriver) TextArea(_ context.Context, cfg prompt.TextAreaConfig) (string, error) {
	d.mu.Lock()
	d.textAreaDefaults = append(d.textAreaDefaults, cfg.Default)
	d.mu.Unlock()

	answer, err := d.next()
	if err != nil {
		return "", err
	}
	if _, ok := answer.(echoDefault); ok {
		return cfg.Default, nil
	}
	return answer.(string), nil
}

func (d *scriptedDriver) Info(_ context.Context, msg string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.infos = append(d.infos, msg)
	return nil
}

type scriptedRecognizer struct {
	mu       sync.Mutex
	handler  capture.RecognizerHandler
	results  []string
	startErr error
}

func (r *scriptedRecognizer) Bind(handler capture.RecognizerHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

func (r *scriptedRecognizer) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	for _, text := range r.results {
		r.handler.OnResult(text, true)
	}
	return nil
}

func (r *scriptedRecognizer) Stop() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}

func nativeFactory(rec *scriptedRecognizer) session.CaptureFactory {
	return func(ctx context.Context, sink capture.Sink) (session.Capture, error) {
		ctrl, err := capture.NewController(ctx, capture.Config{Sink: sink, Recognizer: rec})
		if err != nil {
			return nil, err
		}
		return ctrl, nil
	}
}
