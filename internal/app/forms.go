package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rbright/caseform/internal/draft"
	"github.com/rbright/caseform/internal/prompt"
	"github.com/rbright/caseform/internal/session"
	"github.com/rbright/caseform/internal/validation"
	"github.com/urfave/cli/v2"
)

const (
	finishSubmit = iota
	finishSave
	finishDiscard
)

var finishOptions = []string{"Submit", "Save draft", "Discard"}

func (r Runner) fillCmd() *cli.Command {
	return &cli.Command{
		Name:      "fill",
		Usage:     "Fill a new form from a template",
		ArgsUsage: "TEMPLATE_ID",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1); err != nil {
				return err
			}
			return r.withBackend(c, func(e *env, b *backend) error {
				sess, err := b.drafts.Open(c.Context, c.Args().First())
				if err != nil {
					return err
				}
				return r.interactive(c.Context, e, b, sess)
			})
		},
	}
}

func (r Runner) resumeCmd() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Continue filling a stored draft",
		ArgsUsage: "SUBMISSION_ID",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1); err != nil {
				return err
			}
			return r.withBackend(c, func(e *env, b *backend) error {
				sess, err := b.drafts.Resume(c.Context, c.Args().First())
				if err != nil {
					return err
				}
				return r.interactive(c.Context, e, b, sess)
			})
		},
	}
}

func (r Runner) validateCmd() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Report validation errors of a stored draft",
		ArgsUsage: "SUBMISSION_ID",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1); err != nil {
				return err
			}
			return r.withBackend(c, func(_ *env, b *backend) error {
				sess, err := b.drafts.Resume(c.Context, c.Args().First())
				if err != nil {
					return err
				}
				errs := validation.ValidateState(sess.Template, sess.State)
				if errs.Empty() {
					fmt.Fprintln(r.Stdout, "valid")
					return nil
				}
				r.printErrors(errs)
				return cli.Exit("", 1)
			})
		},
	}
}

func (r Runner) submitCmd() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Submit a stored draft when it validates",
		ArgsUsage: "SUBMISSION_ID",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1); err != nil {
				return err
			}
			return r.withBackend(c, func(_ *env, b *backend) error {
				sess, err := b.drafts.Resume(c.Context, c.Args().First())
				if err != nil {
					return err
				}
				errs, err := b.drafts.Submit(c.Context, sess)
				if err != nil {
					return err
				}
				if !errs.Empty() {
					r.printErrors(errs)
					return cli.Exit("submission has validation errors", 1)
				}
				fmt.Fprintf(r.Stdout, "submitted %s\n", sess.SubmissionID)
				return nil
			})
		},
	}
}

func (r Runner) submissionsCmd() *cli.Command {
	return &cli.Command{
		Name:  "submissions",
		Usage: "List stored submissions, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "status", Usage: "Filter by status: draft|submitted"},
		},
		Action: func(c *cli.Context) error {
			status, err := draft.ParseStatus(c.String("status"))
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			return r.withBackend(c, func(_ *env, b *backend) error {
				infos, err := b.store.ListSubmissions(c.Context, status)
				if err != nil {
					return err
				}
				if len(infos) == 0 {
					fmt.Fprintln(r.Stdout, "no submissions")
					return nil
				}
				for _, info := range infos {
					fmt.Fprintf(r.Stdout, "%s | template=%s | status=%s | fields=%d | updated=%s\n",
						info.ID, info.TemplateID, info.Status, info.Fields, info.UpdatedAt.Format("2006-01-02 15:04"))
				}
				return nil
			})
		},
	}
}

// interactive renders sess until the user submits a valid form, saves a
// draft, or discards. Failed submits put the errors on the state and offer
// another pass.
func (r Runner) interactive(ctx context.Context, e *env, b *backend, sess *draft.Session) error {
	driver := r.driver()
	renderer := &prompt.Renderer{
		Driver:            driver,
		NarrativeKeywords: e.cfg().Form.NarrativeKeywords,
		Dictate:           session.Inline(r.captureFactory(e), driver),
		Logger:            e.logger,
	}

	for {
		if err := renderer.Fill(ctx, sess.Template, sess.State); err != nil {
			if errors.Is(err, prompt.ErrAborted) {
				return cli.Exit("aborted", 130)
			}
			return err
		}

		choice, err := driver.Select(ctx, prompt.SelectConfig{Message: "Finish", Options: finishOptions})
		if err != nil {
			if errors.Is(err, prompt.ErrAborted) {
				return cli.Exit("aborted", 130)
			}
			return err
		}

		switch choice {
		case finishSubmit:
			errs, err := b.drafts.Submit(ctx, sess)
			if err != nil {
				return err
			}
			if errs.Empty() {
				fmt.Fprintf(r.Stdout, "submitted %s\n", sess.SubmissionID)
				return nil
			}
			sess.State.SetErrors(errs)
			r.printErrors(errs)
			again, err := driver.Confirm(ctx, prompt.ConfirmConfig{
				Message: fmt.Sprintf("Fix %d error(s) now?", len(errs)),
				Default: true,
			})
			if err != nil {
				return err
			}
			if again {
				continue
			}
			if err := b.drafts.SaveDraft(ctx, sess); err != nil {
				return err
			}
			fmt.Fprintf(r.Stdout, "saved draft %s\n", sess.SubmissionID)
			return cli.Exit("", 1)
		case finishSave:
			if err := b.drafts.SaveDraft(ctx, sess); err != nil {
				return err
			}
			fmt.Fprintf(r.Stdout, "saved draft %s\n", sess.SubmissionID)
			return nil
		default:
			fmt.Fprintln(r.Stdout, "discarded")
			return nil
		}
	}
}

func (r Runner) driver() prompt.Driver {
	if r.Driver != nil {
		return r.Driver
	}
	return &prompt.SurveyDriver{Out: r.Stdout}
}

func (r Runner) printErrors(errs validation.Errors) {
	for _, key := range errs.Keys() {
		fmt.Fprintf(r.Stdout, "%s: %s\n", key, errs[key])
	}
}
