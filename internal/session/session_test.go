package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rbright/caseform/internal/capture"
	"github.com/rbright/caseform/internal/draft"
	"github.com/rbright/caseform/internal/form"
	"github.com/rbright/caseform/internal/fsm"
	"github.com/rbright/caseform/internal/ipc"
	"github.com/rbright/caseform/internal/prompt"
	"github.com/rbright/caseform/internal/template"
	"github.com/stretchr/testify/require"
)

type scriptedRecognizer struct {
	mu       sync.Mutex
	handler  capture.RecognizerHandler
	results  []string
	startErr error
	stops    int
	drained  chan struct{}
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
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	if r.drained != nil {
		return r.drained
	}
	done := make(chan struct{})
	close(done)
	return done
}

func (r *scriptedRecognizer) stopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

func (r *scriptedRecognizer) deliver(text string) {
	r.mu.Lock()
	handler := r.handler
	r.mu.Unlock()
	handler.OnResult(text, true)
}

type fakeDrafts struct {
	mu    sync.Mutex
	tpl   template.Template
	state *form.State
	saves int
	notes string
}

func (d *fakeDrafts) Resume(_ context.Context, submissionID string) (*draft.Session, error) {
	if submissionID != "sub-1" {
		return nil, errors.New("submission not found")
	}
	return &draft.Session{Template: d.tpl, State: d.state, SubmissionID: submissionID}, nil
}

func (d *fakeDrafts) SaveDraft(_ context.Context, sess *draft.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.saves++
	notes, _ := sess.State.Get("visit.notes")
	d.notes = notes.Text()
	return nil
}

func (d *fakeDrafts) savedNotes() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.notes
}

func (d *fakeDrafts) saveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.saves
}

func visitTemplate() template.Template {
	return template.Template{
		ID: "visit",
		Sections: []template.Section{
			{
				ID: "visit",
				Fields: []template.Field{
					{ID: "notes", Label: "Notes", Type: template.FieldTextarea},
					{ID: "date", Label: "Date", Type: template.FieldDate},
				},
			},
			{
				ID:           "contact",
				IsRepeatable: true,
				Fields: []template.Field{
					{ID: "summary", Label: "Summary", Type: template.FieldText},
				},
			},
		},
	}
}

func newDrafts() *fakeDrafts {
	state := form.NewState()
	state.Set("visit.notes", form.Text("Met client."))
	return &fakeDrafts{tpl: visitTemplate(), state: state}
}

func nativeFactory(rec *scriptedRecognizer) CaptureFactory {
	return func(ctx context.Context, sink capture.Sink) (Capture, error) {
		ctrl, err := capture.NewController(ctx, capture.Config{Sink: sink, Recognizer: rec})
		if err != nil {
			return nil, err
		}
		return ctrl, nil
	}
}

func runAsync(owner *Owner, key string) chan Result {
	done := make(chan Result, 1)
	go func() { done <- owner.Run(context.Background(), "sub-1", key) }()
	return done
}

func awaitResult(t *testing.T, done chan Result) Result {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for session result")
		return Result{}
	}
}

func awaitText(t *testing.T, owner *Owner, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return owner.Handle(context.Background(), ipc.Request{Command: ipc.CommandStatus}).Text == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunStopSavesDraft(t *testing.T) {
	drafts := newDrafts()
	rec := &scriptedRecognizer{results: []string{"client declined  services"}}
	owner := NewOwner(nil, drafts, nativeFactory(rec))

	done := runAsync(owner, "visit.notes")
	awaitText(t, owner, "Met client. client declined services")

	status := owner.Handle(context.Background(), ipc.Request{Command: ipc.CommandStatus})
	require.True(t, status.OK)
	require.Equal(t, string(fsm.StateListeningNative), status.State)
	require.Equal(t, string(capture.ModeNative), status.Mode)
	require.Equal(t, "sub-1", status.SubmissionID)
	require.Equal(t, "visit.notes", status.Key)

	stop := owner.Handle(context.Background(), ipc.Request{Command: ipc.CommandStop})
	require.True(t, stop.OK)
	require.Equal(t, "stop requested", stop.Message)

	res := awaitResult(t, done)
	require.NoError(t, res.Err)
	require.True(t, res.Saved)
	require.False(t, res.Cancelled)
	require.Nil(t, res.CaptureErr)
	require.Equal(t, capture.ModeNative, res.Mode)
	require.Equal(t, "Met client. client declined services", res.Text)
	require.Equal(t, 1, drafts.saveCount())
	require.Equal(t, 1, rec.stops)
}

func TestRunStopSavesFinalsFlushedAfterStop(t *testing.T) {
	drafts := newDrafts()
	rec := &scriptedRecognizer{drained: make(chan struct{})}
	owner := NewOwner(nil, drafts, nativeFactory(rec))

	done := runAsync(owner, "visit.notes")
	require.Eventually(t, func() bool {
		return owner.Handle(context.Background(), ipc.Request{Command: ipc.CommandStatus}).State == string(fsm.StateListeningNative)
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, owner.Handle(context.Background(), ipc.Request{Command: ipc.CommandStop}).OK)
	require.Eventually(t, func() bool { return rec.stopCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Never(t, func() bool { return drafts.saveCount() > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	rec.deliver("she signed the consent form")
	close(rec.drained)

	res := awaitResult(t, done)
	require.NoError(t, res.Err)
	require.True(t, res.Saved)
	require.Equal(t, "Met client. she signed the consent form", res.Text)
	require.Equal(t, "Met client. she signed the consent form", drafts.savedNotes())
}

func TestRunCancelDiscardsWithoutSaving(t *testing.T) {
	drafts := newDrafts()
	rec := &scriptedRecognizer{results: []string{"scratch that"}}
	owner := NewOwner(nil, drafts, nativeFactory(rec))

	done := runAsync(owner, "visit.notes")
	awaitText(t, owner, "Met client. scratch that")

	cancel := owner.Handle(context.Background(), ipc.Request{Command: ipc.CommandCancel})
	require.True(t, cancel.OK)

	res := awaitResult(t, done)
	require.True(t, res.Cancelled)
	require.False(t, res.Saved)
	require.Zero(t, drafts.saveCount())
}

func TestRunStartFailureReportsCaptureError(t *testing.T) {
	drafts := newDrafts()
	rec := &scriptedRecognizer{startErr: capture.NewError(capture.KindPermissionDenied, errors.New("not-allowed"))}
	owner := NewOwner(nil, drafts, nativeFactory(rec))

	res := owner.Run(context.Background(), "sub-1", "visit.notes")
	require.Error(t, res.Err)
	require.NotNil(t, res.CaptureErr)
	require.Equal(t, capture.KindPermissionDenied, res.CaptureErr.Kind)
	require.Equal(t, "Met client.", res.Text)
	require.Zero(t, drafts.saveCount())
}

func TestRunRejectsBadTargets(t *testing.T) {
	owner := NewOwner(nil, newDrafts(), nativeFactory(&scriptedRecognizer{}))

	res := owner.Run(context.Background(), "missing", "visit.notes")
	require.ErrorContains(t, res.Err, "submission not found")

	res = owner.Run(context.Background(), "sub-1", "visit.date")
	require.ErrorIs(t, res.Err, ErrNotDictatable)
}

func TestRunContextCancelled(t *testing.T) {
	drafts := newDrafts()
	owner := NewOwner(nil, drafts, nativeFactory(&scriptedRecognizer{}))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Result, 1)
	go func() { done <- owner.Run(ctx, "sub-1", "contact.0.summary") }()
	require.Eventually(t, func() bool {
		return owner.Handle(context.Background(), ipc.Request{Command: ipc.CommandStatus}).Key != ""
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	res := awaitResult(t, done)
	require.True(t, res.Cancelled)
	require.ErrorIs(t, res.Err, context.Canceled)
	require.Zero(t, drafts.saveCount())
}

func TestHandleBeforeCaptureBound(t *testing.T) {
	owner := NewOwner(nil, newDrafts(), nativeFactory(&scriptedRecognizer{}))

	status := owner.Handle(context.Background(), ipc.Request{Command: ipc.CommandStatus})
	require.True(t, status.OK)
	require.Equal(t, string(fsm.StateIdle), status.State)

	stop := owner.Handle(context.Background(), ipc.Request{Command: ipc.CommandStop})
	require.False(t, stop.OK)
	require.Contains(t, stop.Error, "no dictation in progress")

	unknown := owner.Handle(context.Background(), ipc.Request{Command: "toggle"})
	require.False(t, unknown.OK)
	require.Contains(t, unknown.Error, "unknown command")
}

func TestCheckKey(t *testing.T) {
	tpl := visitTemplate()
	state := form.NewState()
	require.True(t, state.AddRepeatInstance("contact", 0))

	require.NoError(t, CheckKey(tpl, state, "visit.notes"))
	require.NoError(t, CheckKey(tpl, state, "contact.1.summary"))

	for _, key := range []string{"visit", "nope.notes", "visit.ghost", "visit.0.notes", "contact.summary", "contact.2.summary"} {
		require.Error(t, CheckKey(tpl, state, key), key)
	}
	require.ErrorIs(t, CheckKey(tpl, state, "visit.date"), ErrNotDictatable)
}

type confirmDriver struct {
	prompt.Driver
	answers []bool
	asked   int
}

func (d *confirmDriver) Confirm(context.Context, prompt.ConfirmConfig) (bool, error) {
	answer := d.answers[d.asked]
	d.asked++
	return answer, nil
}

func TestInlineDictatesUntilConfirmed(t *testing.T) {
	rec := &scriptedRecognizer{results: []string{"hello there"}}
	driver := &confirmDriver{answers: []bool{false, true}}
	dictate := Inline(nativeFactory(rec), driver)

	state := form.NewState()
	ref := state.Ref("visit.notes")
	require.NoError(t, dictate(context.Background(), ref))
	require.Equal(t, "hello there", ref.Text())
	require.Equal(t, 2, driver.asked)
	require.Equal(t, 1, rec.stops)
}

func TestInlineWaitsForFlushedFinals(t *testing.T) {
	rec := &scriptedRecognizer{drained: make(chan struct{})}
	driver := &confirmDriver{answers: []bool{true}}
	dictate := Inline(nativeFactory(rec), driver)

	ref := form.NewState().Ref("visit.notes")
	errc := make(chan error, 1)
	go func() { errc <- dictate(context.Background(), ref) }()

	require.Eventually(t, func() bool { return rec.stopCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	rec.deliver("last words")
	close(rec.drained)

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("inline dictation did not finish")
	}
	require.Equal(t, "last words", ref.Text())
}

func TestInlineReturnsStartError(t *testing.T) {
	rec := &scriptedRecognizer{startErr: capture.NewError(capture.KindNetworkError, errors.New("down"))}
	dictate := Inline(nativeFactory(rec), &confirmDriver{})

	err := dictate(context.Background(), form.NewState().Ref("visit.notes"))
	var captureErr *capture.Error
	require.ErrorAs(t, err, &captureErr)
	require.Equal(t, capture.KindNetworkError, captureErr.Kind)
}
