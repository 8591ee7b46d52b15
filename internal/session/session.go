// Package session owns one dictation into a stored draft and serves its
// status, stop, and cancel commands.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rbright/caseform/internal/capture"
	"github.com/rbright/caseform/internal/draft"
	"github.com/rbright/caseform/internal/form"
	"github.com/rbright/caseform/internal/fsm"
	"github.com/rbright/caseform/internal/ipc"
	"github.com/rbright/caseform/internal/template"
)

// ErrNotDictatable is returned for keys that do not address a text field.
var ErrNotDictatable = errors.New("field does not accept dictation")

type action int

const (
	actionStop action = iota + 1
	actionCancel
)

// Capture is the dictation surface the owner drives. *capture.Controller
// satisfies it.
type Capture interface {
	Mode() capture.Mode
	Start(context.Context) error
	Stop(context.Context) error
	Wait(context.Context) (capture.Snapshot, error)
	Snapshot() capture.Snapshot
	Close()
}

// CaptureFactory builds a capture bound to sink.
type CaptureFactory func(ctx context.Context, sink capture.Sink) (Capture, error)

// Drafts resumes and saves stored drafts. *draft.Service satisfies it.
type Drafts interface {
	Resume(ctx context.Context, submissionID string) (*draft.Session, error)
	SaveDraft(ctx context.Context, session *draft.Session) error
}

// Result is the outcome of one Run.
type Result struct {
	SubmissionID string
	Key          string
	Mode         capture.Mode
	Text         string
	Saved        bool
	Cancelled    bool
	CaptureErr   *capture.Error
	Err          error
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Owner runs one dictation session and answers IPC commands while it runs.
type Owner struct {
	logger     *slog.Logger
	drafts     Drafts
	newCapture CaptureFactory

	mu           sync.RWMutex
	capture      Capture
	submissionID string
	ref          form.FieldRef
	bound        bool

	actions chan action
}

// NewOwner constructs an owner.
func NewOwner(logger *slog.Logger, drafts Drafts, factory CaptureFactory) *Owner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Owner{
		logger:     logger,
		drafts:     drafts,
		newCapture: factory,
		actions:    make(chan action, 1),
	}
}

// Run resumes the draft, dictates into key until stop or cancel, and saves
// the draft on stop. Cancel and context cancellation discard the capture
// without saving.
func (o *Owner) Run(ctx context.Context, submissionID string, key string) Result {
	result := Result{SubmissionID: submissionID, Key: key, StartedAt: time.Now()}
	finish := func() Result {
		result.FinishedAt = time.Now()
		return result
	}

	sess, err := o.drafts.Resume(ctx, submissionID)
	if err != nil {
		result.Err = err
		return finish()
	}
	if err := CheckKey(sess.Template, sess.State, key); err != nil {
		result.Err = err
		return finish()
	}

	ref := sess.State.Ref(key)
	ctrl, err := o.newCapture(ctx, ref)
	if err != nil {
		result.Err = fmt.Errorf("build capture: %w", err)
		return finish()
	}
	defer ctrl.Close()
	result.Mode = ctrl.Mode()

	o.mu.Lock()
	o.capture = ctrl
	o.submissionID = submissionID
	o.ref = ref
	o.bound = true
	o.mu.Unlock()

	if err := ctrl.Start(ctx); err != nil {
		result.Err = err
		result.CaptureErr = asCaptureError(err)
		result.Text = ref.Text()
		return finish()
	}
	o.logger.Info("dictation started", "submission", submissionID, "key", key, "mode", string(ctrl.Mode()))

	select {
	case <-ctx.Done():
		ctrl.Close()
		result.Cancelled = true
		result.Err = ctx.Err()
		result.Text = ref.Text()
		return finish()
	case a := <-o.actions:
		if a == actionCancel {
			ctrl.Close()
			o.logger.Info("dictation cancelled", "submission", submissionID, "key", key)
			result.Cancelled = true
			result.Text = ref.Text()
			return finish()
		}
	}

	if err := ctrl.Stop(ctx); err != nil {
		result.Err = err
		result.Text = ref.Text()
		return finish()
	}
	snap, err := ctrl.Wait(ctx)
	if err != nil {
		result.Err = err
		result.Text = ref.Text()
		return finish()
	}
	result.CaptureErr = snap.Err

	if err := o.drafts.SaveDraft(ctx, sess); err != nil {
		result.Err = err
		result.Text = ref.Text()
		return finish()
	}
	result.Saved = true
	result.Text = ref.Text()
	o.logger.Info("dictation saved", "submission", submissionID, "key", key, "chars", len(result.Text))
	return finish()
}

// Handle serves IPC commands for the running session.
func (o *Owner) Handle(_ context.Context, req ipc.Request) ipc.Response {
	switch req.Command {
	case ipc.CommandStatus:
		resp := o.status()
		resp.OK = true
		resp.Message = "status"
		return resp
	case ipc.CommandStop:
		return o.request(actionStop, "stop")
	case ipc.CommandCancel:
		return o.request(actionCancel, "cancel")
	default:
		resp := o.status()
		resp.Error = fmt.Sprintf("unknown command: %s", req.Command)
		return resp
	}
}

func (o *Owner) status() ipc.Response {
	o.mu.RLock()
	ctrl, bound := o.capture, o.bound
	resp := ipc.Response{SubmissionID: o.submissionID}
	ref := o.ref
	o.mu.RUnlock()

	if !bound {
		resp.State = string(fsm.StateIdle)
		return resp
	}
	snap := ctrl.Snapshot()
	resp.State = string(snap.State)
	resp.Mode = string(snap.Mode)
	resp.Key = ref.Key()
	resp.Text = ref.Text()
	if snap.Err != nil {
		resp.ErrorKind = snap.Err.Kind.String()
		resp.Message = snap.Err.Message()
	}
	return resp
}

// request enqueues a stop or cancel action while a capture is bound.
func (o *Owner) request(a action, name string) ipc.Response {
	resp := o.status()
	if resp.Key == "" {
		resp.Error = fmt.Sprintf("cannot %s: no dictation in progress", name)
		return resp
	}

	resp.OK = true
	select {
	case o.actions <- a:
		resp.Message = name + " requested"
	default:
		resp.Message = "already requested"
	}
	return resp
}

// CheckKey reports whether key addresses a dictatable text field that exists
// for the state's current repeat counts.
func CheckKey(tpl template.Template, state *form.State, key string) error {
	sectionID, instance, fieldID, ok := form.ParseKey(key)
	if !ok {
		return fmt.Errorf("invalid field key %q", key)
	}
	section, ok := tpl.Section(sectionID)
	if !ok {
		return fmt.Errorf("field key %q: unknown section %q", key, sectionID)
	}
	field, ok := section.Field(fieldID)
	if !ok {
		return fmt.Errorf("field key %q: unknown field %q", key, fieldID)
	}
	if section.IsRepeatable != (instance != form.NoInstance) {
		return fmt.Errorf("field key %q does not match section %q repeatability", key, sectionID)
	}
	if section.IsRepeatable && instance >= state.Count(sectionID) {
		return fmt.Errorf("field key %q: instance %d out of range (count %d)", key, instance, state.Count(sectionID))
	}
	if field.Type != template.FieldText && field.Type != template.FieldTextarea {
		return fmt.Errorf("field key %q (%s): %w", key, field.Type, ErrNotDictatable)
	}
	return nil
}

func asCaptureError(err error) *capture.Error {
	var captureErr *capture.Error
	if errors.As(err, &captureErr) {
		return captureErr
	}
	return nil
}
