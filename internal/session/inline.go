package session

import (
	"context"

	"github.com/rbright/caseform/internal/form"
	"github.com/rbright/caseform/internal/prompt"
)

// Inline returns a prompt.DictateFunc that listens into the field until the
// user confirms stop on driver, then waits for capture to settle.
func Inline(factory CaptureFactory, driver prompt.Driver) prompt.DictateFunc {
	return func(ctx context.Context, ref form.FieldRef) error {
		ctrl, err := factory(ctx, ref)
		if err != nil {
			return err
		}
		defer ctrl.Close()

		if err := ctrl.Start(ctx); err != nil {
			return err
		}

		for {
			stop, err := driver.Confirm(ctx, prompt.ConfirmConfig{Message: "Stop dictation?", Default: true})
			if err != nil {
				return err
			}
			if stop {
				break
			}
		}

		if err := ctrl.Stop(ctx); err != nil {
			return err
		}
		snap, err := ctrl.Wait(ctx)
		if err != nil {
			return err
		}
		if snap.Err != nil {
			return snap.Err
		}
		return nil
	}
}
