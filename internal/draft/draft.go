// Package draft reconciles stored responses into editable form state and
// gates saving versus submitting.
package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rbright/caseform/internal/form"
	"github.com/rbright/caseform/internal/template"
	"github.com/rbright/caseform/internal/validation"
)

// ErrAlreadySubmitted rejects editing a submission that is no longer a draft.
var ErrAlreadySubmitted = errors.New("submission already submitted")

// Status is the persisted lifecycle of a submission.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
)

// ParseStatus accepts "draft" or "submitted"; "" means any.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case "", StatusDraft, StatusSubmitted:
		return s, nil
	default:
		return "", fmt.Errorf("unknown submission status %q", raw)
	}
}

// Submission is what the service hands to a Persister. An empty ID asks the
// persister to allocate one.
type Submission struct {
	ID           string
	TemplateID   string
	ResponseData map[string]form.Value
	Status       Status
}

// Stored is a persisted submission as loaded back. ResponseData stays raw so
// metadata keys of any shape survive until reconciliation strips them.
type Stored struct {
	ID           string
	TemplateID   string
	ResponseData map[string]json.RawMessage
	Status       Status
	UpdatedAt    time.Time
}

// TemplateSource resolves templates by id.
type TemplateSource interface {
	FetchTemplate(ctx context.Context, id string) (template.Template, error)
}

// DraftLoader loads stored submissions.
type DraftLoader interface {
	LoadDraft(ctx context.Context, submissionID string) (Stored, error)
}

// Persister writes submissions and returns their id.
type Persister interface {
	SaveSubmission(ctx context.Context, submission Submission) (string, error)
}

// PersistenceError wraps any failure reported by a Persister or DraftLoader.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Session is one open form: its template, live state, and submission id
// ("" until the first save).
type Session struct {
	Template     template.Template
	State        *form.State
	SubmissionID string
}

// Reconcile turns stored response data into form state: reserved metadata
// keys are dropped and repeat counters are rebuilt from the remaining keys.
func Reconcile(tpl template.Template, responseData map[string]json.RawMessage) (*form.State, error) {
	values := make(map[string]form.Value, len(responseData))
	for key, raw := range responseData {
		if strings.HasPrefix(key, template.ReservedPrefix) {
			continue
		}
		var value form.Value
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("decode response %q: %w", key, err)
		}
		values[key] = value
	}

	state := form.FromValues(values)
	state.SetCounts(form.ReconstructRepeatCounts(tpl, values))
	return state, nil
}

// Service opens, saves, and submits form sessions. It never retries.
type Service struct {
	templates TemplateSource
	drafts    DraftLoader
	persister Persister
	logger    *slog.Logger
}

// NewService wires the collaborators. logger may be nil.
func NewService(templates TemplateSource, drafts DraftLoader, persister Persister, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{templates: templates, drafts: drafts, persister: persister, logger: logger}
}

// Open starts a new session seeded with template defaults.
func (s *Service) Open(ctx context.Context, templateID string) (*Session, error) {
	tpl, err := s.templates.FetchTemplate(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("fetch template %q: %w", templateID, err)
	}
	state := form.NewState()
	state.ApplyDefaults(tpl)
	return &Session{Template: tpl, State: state}, nil
}

// Resume reopens a stored draft.
func (s *Service) Resume(ctx context.Context, submissionID string) (*Session, error) {
	stored, err := s.drafts.LoadDraft(ctx, submissionID)
	if err != nil {
		return nil, &PersistenceError{Op: "load draft " + submissionID, Err: err}
	}
	if stored.Status == StatusSubmitted {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubmitted, submissionID)
	}

	tpl, err := s.templates.FetchTemplate(ctx, stored.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("fetch template %q: %w", stored.TemplateID, err)
	}
	state, err := Reconcile(tpl, stored.ResponseData)
	if err != nil {
		return nil, err
	}
	return &Session{Template: tpl, State: state, SubmissionID: stored.ID}, nil
}

// SaveDraft persists the current values regardless of validity.
func (s *Service) SaveDraft(ctx context.Context, session *Session) error {
	return s.persist(ctx, session, StatusDraft)
}

// Submit validates the session. A non-empty error map is returned without
// persisting anything; otherwise the session is stored as submitted.
func (s *Service) Submit(ctx context.Context, session *Session) (validation.Errors, error) {
	errs := validation.ValidateState(session.Template, session.State)
	if !errs.Empty() {
		s.logger.Info("submit blocked by validation", "template", session.Template.ID, "errors", len(errs))
		return errs, nil
	}
	return nil, s.persist(ctx, session, StatusSubmitted)
}

func (s *Service) persist(ctx context.Context, session *Session, status Status) error {
	id, err := s.persister.SaveSubmission(ctx, Submission{
		ID:           session.SubmissionID,
		TemplateID:   session.Template.ID,
		ResponseData: responseData(session.Template, session.State),
		Status:       status,
	})
	if err != nil {
		return &PersistenceError{Op: "save " + string(status), Err: err}
	}
	session.SubmissionID = id
	s.logger.Info("submission saved", "id", id, "template", session.Template.ID, "status", string(status))
	return nil
}

// responseData is the state's values plus an empty placeholder for every
// legal key left unanswered, so the stored keys carry the repeat shape that
// ReconstructRepeatCounts recovers on resume.
func responseData(tpl template.Template, state *form.State) map[string]form.Value {
	values := state.Snapshot()
	for key := range tpl.LegalKeys(state.Counts()) {
		if _, ok := values[key]; ok {
			continue
		}
		values[key] = placeholder(tpl, key)
	}
	return values
}

func placeholder(tpl template.Template, key string) form.Value {
	sectionID, _, fieldID, _ := form.ParseKey(key)
	if section, ok := tpl.Section(sectionID); ok {
		if field, ok := section.Field(fieldID); ok && field.Type.Multi() {
			return form.Set()
		}
	}
	return form.Text("")
}
