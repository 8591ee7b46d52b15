package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rbright/caseform/internal/capture"
	"github.com/rbright/caseform/internal/form"
	"github.com/rbright/caseform/internal/template"
)

// DateLayout is the accepted date input format.
const DateLayout = "2006-01-02"

// DictateFunc captures speech into the field behind ref and returns once
// capture has settled.
type DictateFunc func(ctx context.Context, ref form.FieldRef) error

// Renderer walks a template and writes answers into a form.State.
type Renderer struct {
	Driver            Driver
	NarrativeKeywords []string
	Dictate           DictateFunc
	Logger            *slog.Logger
}

// Fill prompts for every section and field of tpl in order.
func (r *Renderer) Fill(ctx context.Context, tpl template.Template, state *form.State) error {
	if r.Driver == nil {
		r.Driver = &SurveyDriver{}
	}
	for _, section := range tpl.Sections {
		if err := r.renderSection(ctx, section, state); err != nil {
			return err
		}
	}
	return nil
}

func (r *Renderer) renderSection(ctx context.Context, section template.Section, state *form.State) error {
	if !section.IsRepeatable {
		if err := r.Driver.Info(ctx, sectionHeader(section, form.NoInstance)); err != nil {
			return err
		}
		return r.renderFields(ctx, section, form.NoInstance, state)
	}

	for i := 0; ; {
		for i < state.Count(section.ID) {
			if err := r.Driver.Info(ctx, sectionHeader(section, i)); err != nil {
				return err
			}
			if err := r.renderFields(ctx, section, i, state); err != nil {
				return err
			}
			removed, err := r.offerRemoval(ctx, section, i, state)
			if err != nil {
				return err
			}
			if !removed {
				i++
			}
		}

		if !section.CanRepeat(state.Count(section.ID)) {
			return nil
		}
		more, err := r.Driver.Confirm(ctx, ConfirmConfig{
			Message: fmt.Sprintf("Add another %s?", sectionTitle(section)),
		})
		if err != nil {
			return err
		}
		if !more || !state.AddRepeatInstance(section.ID, section.MaxRepeat) {
			return nil
		}
	}
}

// offerRemoval asks whether to drop instance; the last remaining instance
// is never offered. Later instances shift down into its place.
func (r *Renderer) offerRemoval(ctx context.Context, section template.Section, instance int, state *form.State) (bool, error) {
	if state.Count(section.ID) <= 1 {
		return false, nil
	}
	remove, err := r.Driver.Confirm(ctx, ConfirmConfig{
		Message: fmt.Sprintf("Remove %s #%d?", sectionTitle(section), instance+1),
	})
	if err != nil || !remove {
		return false, err
	}
	state.RemoveRepeatInstance(section.ID, instance)
	r.logger().Debug("repeat instance removed", "section", section.ID, "instance", instance)
	return true, nil
}

func (r *Renderer) renderFields(ctx context.Context, section template.Section, instance int, state *form.State) error {
	for _, field := range section.Fields {
		if err := r.renderField(ctx, section.ID, field, instance, state); err != nil {
			return err
		}
	}
	return nil
}

func (r *Renderer) renderField(ctx context.Context, sectionID string, field template.Field, instance int, state *form.State) error {
	editor, err := EditorFor(field, r.keywords())
	if err != nil {
		return err
	}

	key := form.Key(sectionID, field.ID, instance)
	if msg := state.ErrorFor(key); msg != "" {
		if err := r.Driver.Info(ctx, "  ! "+msg); err != nil {
			return err
		}
	}

	current, _ := state.Get(key)
	message := field.DisplayLabel()
	if field.IsRequired {
		message += " *"
	}

	switch editor {
	case EditorLine:
		text, err := r.Driver.Input(ctx, InputConfig{Message: message, Default: current.Text(), Help: field.Placeholder})
		if err != nil {
			return err
		}
		state.SetField(sectionID, field.ID, form.Text(strings.TrimSpace(text)), instance)
	case EditorDate:
		text, err := r.askDate(ctx, message, current.Text())
		if err != nil {
			return err
		}
		state.SetField(sectionID, field.ID, form.Text(text), instance)
	case EditorNarrative:
		return r.renderNarrative(ctx, sectionID, field, instance, message, state)
	case EditorSelect, EditorRadio:
		if len(field.Options) == 0 {
			return fmt.Errorf("field %q has no options", key)
		}
		// Radio lays every choice out at once; select pages a drop-down.
		idx, err := r.Driver.Select(ctx, SelectConfig{
			Message:      message,
			Options:      field.Options,
			DefaultIndex: indexOf(field.Options, current.Text()),
			Help:         field.Placeholder,
			Radio:        editor == EditorRadio,
		})
		if err != nil {
			return err
		}
		if idx < 0 || idx >= len(field.Options) {
			return nil
		}
		state.SetField(sectionID, field.ID, form.Text(field.Options[idx]), instance)
	case EditorChecklist:
		chosen, err := r.Driver.MultiSelect(ctx, SelectConfig{
			Message:  message,
			Options:  field.Options,
			Defaults: indicesOf(field.Options, current.Items()),
			Help:     field.Placeholder,
		})
		if err != nil {
			return err
		}
		picked := make(map[int]bool, len(chosen))
		for _, i := range chosen {
			picked[i] = true
		}
		for i, option := range field.Options {
			state.SetChecklistOption(sectionID, field.ID, option, picked[i], instance)
		}
	}
	return nil
}

func (r *Renderer) askDate(ctx context.Context, message string, current string) (string, error) {
	for {
		text, err := r.Driver.Input(ctx, InputConfig{
			Message:   message,
			Default:   current,
			Help:      "YYYY-MM-DD",
			Validator: ValidateDate,
		})
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if err := ValidateDate(text); err != nil {
			if err := r.Driver.Info(ctx, "  ! "+err.Error()); err != nil {
				return "", err
			}
			continue
		}
		return text, nil
	}
}

func (r *Renderer) renderNarrative(ctx context.Context, sectionID string, field template.Field, instance int, message string, state *form.State) error {
	key := form.Key(sectionID, field.ID, instance)
	ref := state.Ref(key)

	if r.Dictate != nil {
		dictate, err := r.Driver.Confirm(ctx, ConfirmConfig{
			Message: fmt.Sprintf("Dictate %s?", field.DisplayLabel()),
		})
		if err != nil {
			return err
		}
		if dictate {
			if err := r.Dictate(ctx, ref); err != nil {
				if errors.Is(err, ErrAborted) || ctx.Err() != nil {
					return err
				}
				r.logger().Warn("dictation failed", "key", key, "error", err.Error())
				if err := r.Driver.Info(ctx, "  ! "+dictationMessage(err)); err != nil {
					return err
				}
			}
		}
	}

	text, err := r.Driver.TextArea(ctx, TextAreaConfig{Message: message, Default: ref.Text(), Help: field.Placeholder})
	if err != nil {
		return err
	}
	state.SetField(sectionID, field.ID, form.Text(strings.TrimRight(text, "\n")), instance)
	return nil
}

// ValidateDate accepts an empty string or a YYYY-MM-DD calendar date.
func ValidateDate(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if _, err := time.Parse(DateLayout, text); err != nil {
		return fmt.Errorf("%q is not a date (YYYY-MM-DD)", text)
	}
	return nil
}

func dictationMessage(err error) string {
	var captureErr *capture.Error
	if errors.As(err, &captureErr) {
		return captureErr.Message()
	}
	return "dictation failed: " + err.Error()
}

func sectionHeader(section template.Section, instance int) string {
	if instance == form.NoInstance {
		return "== " + sectionTitle(section) + " =="
	}
	return fmt.Sprintf("== %s #%d ==", sectionTitle(section), instance+1)
}

func sectionTitle(section template.Section) string {
	if title := strings.TrimSpace(section.Title); title != "" {
		return title
	}
	return section.ID
}

func (r *Renderer) keywords() []string {
	if r.NarrativeKeywords == nil {
		return DefaultNarrativeKeywords
	}
	return r.NarrativeKeywords
}

func (r *Renderer) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.Logger
}
