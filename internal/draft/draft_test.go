package draft

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rbright/caseform/internal/form"
	"github.com/rbright/caseform/internal/template"
	"github.com/rbright/caseform/internal/validation"
	"github.com/stretchr/testify/require"
)

func visitTemplate() template.Template {
	return template.Template{
		ID:   "home-visit",
		Name: "Home visit",
		Sections: []template.Section{
			{
				ID: "top",
				Fields: []template.Field{
					{ID: "a", Label: "Client", Type: template.FieldText, IsRequired: true},
					{ID: "b", Label: "Visit date", Type: template.FieldDate, IsRequired: true},
					{ID: "c", Label: "Mode", Type: template.FieldSelect, Options: template.OptionList{"in person", "phone"}, DefaultValue: "in person"},
				},
			},
			{
				ID:           "act",
				IsRepeatable: true,
				MaxRepeat:    3,
				Fields: []template.Field{
					{ID: "kind", Label: "Activity", Type: template.FieldText, IsRequired: true},
				},
			},
		},
	}
}

func TestReconcileStripsMetadataAndRebuildsCounts(t *testing.T) {
	state, err := Reconcile(visitTemplate(), map[string]json.RawMessage{
		"top.a":               json.RawMessage(`"Ada"`),
		"act.2.kind":          json.RawMessage(`"walk"`),
		"__approval_feedback": json.RawMessage(`{"reviewer":"sam","note":"fix date"}`),
	})
	require.NoError(t, err)

	require.Equal(t, []string{"act.2.kind", "top.a"}, state.Keys())
	require.Equal(t, 3, state.Count("act"))
}

func TestReconcileRejectsUndecodableValue(t *testing.T) {
	_, err := Reconcile(visitTemplate(), map[string]json.RawMessage{"top.a": json.RawMessage(`{"x":1}`)})
	require.ErrorContains(t, err, `decode response "top.a"`)
}

func TestEndToEndDraftThenSubmit(t *testing.T) {
	store := newMemoryStore(visitTemplate())
	svc := NewService(store, store, store, nil)
	ctx := context.Background()

	session, err := svc.Open(ctx, "home-visit")
	require.NoError(t, err)
	require.Equal(t, "in person", mustText(t, session.State, "top.c"))

	session.State.SetField("top", "a", form.Text("Ada"), form.NoInstance)
	require.True(t, session.State.AddRepeatInstance("act", 3))
	session.State.SetField("act", "kind", form.Text("walk"), 0)

	require.NoError(t, svc.SaveDraft(ctx, session))
	require.NotEmpty(t, session.SubmissionID)
	require.Equal(t, StatusDraft, store.saved[session.SubmissionID].Status)

	resumed, err := svc.Resume(ctx, session.SubmissionID)
	require.NoError(t, err)
	require.Equal(t, 2, resumed.State.Count("act"))
	require.Equal(t, map[string]string{
		"top.a":      "Ada",
		"top.c":      "in person",
		"act.0.kind": "walk",
	}, answered(resumed.State))

	errs, err := svc.Submit(ctx, session)
	require.NoError(t, err)
	want := validation.Errors{
		"top.b":      "Visit date is required",
		"act.1.kind": "Activity is required",
	}
	if diff := cmp.Diff(want, errs); diff != "" {
		t.Fatalf("validation mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, StatusDraft, store.saved[session.SubmissionID].Status)
	require.Equal(t, 1, store.saves)

	session.State.SetField("top", "b", form.Text("2026-03-02"), form.NoInstance)
	session.State.SetField("act", "kind", form.Text("meal"), 1)
	errs, err = svc.Submit(ctx, session)
	require.NoError(t, err)
	require.Nil(t, errs)
	require.Equal(t, StatusSubmitted, store.saved[session.SubmissionID].Status)
	require.Equal(t, 2, store.saves)
}

func TestSaveDraftKeepsShapeOfUnansweredInstances(t *testing.T) {
	tpl := visitTemplate()
	tpl.Sections = append(tpl.Sections, template.Section{
		ID:           "needs",
		IsRepeatable: true,
		Fields: []template.Field{
			{ID: "areas", Label: "Areas", Type: template.FieldCheckbox, Options: template.OptionList{"food", "housing"}},
		},
	})
	store := newMemoryStore(tpl)
	svc := NewService(store, store, store, nil)
	ctx := context.Background()

	session, err := svc.Open(ctx, "home-visit")
	require.NoError(t, err)
	require.True(t, session.State.AddRepeatInstance("act", 3))
	require.True(t, session.State.AddRepeatInstance("act", 3))
	require.True(t, session.State.AddRepeatInstance("needs", 0))
	require.NoError(t, svc.SaveDraft(ctx, session))

	saved := store.saved[session.SubmissionID].ResponseData
	require.Equal(t, form.Text(""), saved["act.2.kind"])
	require.Equal(t, form.Text(""), saved["top.b"])
	require.True(t, saved["needs.1.areas"].IsSet())
	require.Empty(t, saved["needs.1.areas"].Items())
	require.Equal(t, form.Text("in person"), saved["top.c"])

	resumed, err := svc.Resume(ctx, session.SubmissionID)
	require.NoError(t, err)
	require.Equal(t, 3, resumed.State.Count("act"))
	require.Equal(t, 2, resumed.State.Count("needs"))
	require.Equal(t, map[string]string{"top.c": "in person"}, answered(resumed.State))

	errs, err := svc.Submit(ctx, resumed)
	require.NoError(t, err)
	require.Equal(t, []string{"act.0.kind", "act.1.kind", "act.2.kind", "top.a", "top.b"}, errs.Keys())
}

// answered lists the non-empty values of state as text.
func answered(state *form.State) map[string]string {
	out := map[string]string{}
	for key, value := range state.Snapshot() {
		if text := value.Text(); text != "" {
			out[key] = text
		}
	}
	return out
}

func TestResumeReconcilesStoredDraft(t *testing.T) {
	store := newMemoryStore(visitTemplate())
	store.saved["sub-1"] = Submission{
		ID:         "sub-1",
		TemplateID: "home-visit",
		Status:     StatusDraft,
		ResponseData: map[string]form.Value{
			"top.a":      form.Text("Ada"),
			"act.1.kind": form.Text("call"),
		},
	}
	store.metadata = map[string]json.RawMessage{"__approval_feedback": json.RawMessage(`"please add the date"`)}
	svc := NewService(store, store, store, nil)

	session, err := svc.Resume(context.Background(), "sub-1")
	require.NoError(t, err)
	require.Equal(t, "sub-1", session.SubmissionID)
	require.Equal(t, 2, session.State.Count("act"))
	_, hasMeta := session.State.Get("__approval_feedback")
	require.False(t, hasMeta)
}

func TestResumeRejectsSubmitted(t *testing.T) {
	store := newMemoryStore(visitTemplate())
	store.saved["sub-1"] = Submission{ID: "sub-1", TemplateID: "home-visit", Status: StatusSubmitted}
	svc := NewService(store, store, store, nil)

	_, err := svc.Resume(context.Background(), "sub-1")
	require.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestPersistenceFailuresAreWrapped(t *testing.T) {
	store := newMemoryStore(visitTemplate())
	store.saveErr = errors.New("disk full")
	svc := NewService(store, store, store, nil)

	session, err := svc.Open(context.Background(), "home-visit")
	require.NoError(t, err)

	err = svc.SaveDraft(context.Background(), session)
	var persistErr *PersistenceError
	require.ErrorAs(t, err, &persistErr)
	require.Equal(t, "save draft", persistErr.Op)
	require.ErrorContains(t, err, "disk full")
	require.Empty(t, session.SubmissionID)
	require.Equal(t, 1, store.saves)

	_, err = svc.Resume(context.Background(), "missing")
	require.ErrorAs(t, err, &persistErr)
}

func TestOpenUnknownTemplate(t *testing.T) {
	store := newMemoryStore()
	_, err := NewService(store, store, store, nil).Open(context.Background(), "nope")
	require.ErrorContains(t, err, `fetch template "nope"`)
}

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus(" Draft ")
	require.NoError(t, err)
	require.Equal(t, StatusDraft, status)

	status, err = ParseStatus("")
	require.NoError(t, err)
	require.Equal(t, Status(""), status)

	_, err = ParseStatus("archived")
	require.Error(t, err)
}

func mustText(t *testing.T, state *form.State, key string) string {
	t.Helper()
	value, ok := state.Get(key)
	require.True(t, ok, key)
	return value.Text()
}

type memoryStore struct {
	templates map[string]template.Template
	saved     map[string]Submission
	metadata  map[string]json.RawMessage
	saveErr   error
	saves     int
}

func newMemoryStore(templates ...template.Template) *memoryStore {
	m := &memoryStore{templates: map[string]template.Template{}, saved: map[string]Submission{}}
	for _, tpl := range templates {
		m.templates[tpl.ID] = tpl
	}
	return m
}

func (m *memoryStore) FetchTemplate(_ context.Context, id string) (template.Template, error) {
	tpl, ok := m.templates[id]
	if !ok {
		return template.Template{}, errors.New("not found")
	}
	return tpl, nil
}

func (m *memoryStore) LoadDraft(_ context.Context, id string) (Stored, error) {
	sub, ok := m.saved[id]
	if !ok {
		return Stored{}, errors.New("not found")
	}
	data := make(map[string]json.RawMessage, len(sub.ResponseData)+len(m.metadata))
	for key, value := range sub.ResponseData {
		raw, err := json.Marshal(value)
		if err != nil {
			return Stored{}, err
		}
		data[key] = raw
	}
	for key, raw := range m.metadata {
		data[key] = raw
	}
	return Stored{ID: sub.ID, TemplateID: sub.TemplateID, ResponseData: data, Status: sub.Status}, nil
}

func (m *memoryStore) SaveSubmission(_ context.Context, sub Submission) (string, error) {
	m.saves++
	if m.saveErr != nil {
		return "", m.saveErr
	}
	if sub.ID == "" {
		sub.ID = "sub-" + string(rune('a'+len(m.saved)))
	}
	m.saved[sub.ID] = sub
	return sub.ID, nil
}
