package app

import (
	"fmt"
	"strings"

	"github.com/rbright/caseform/internal/template"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

func (r Runner) templateCmd() *cli.Command {
	return &cli.Command{
		Name:  "template",
		Usage: "Import and inspect form templates",
		Subcommands: []*cli.Command{
			{
				Name:      "import",
				Usage:     "Import template files (defaults to the configured templates dir)",
				ArgsUsage: "[FILE...]",
				Action: func(c *cli.Context) error {
					return r.withBackend(c, func(e *env, b *backend) error {
						tpls, err := readTemplates(c.Args().Slice(), e.cfg().Templates.Dir)
						if err != nil {
							return err
						}
						for _, tpl := range tpls {
							if err := b.store.PutTemplate(c.Context, tpl); err != nil {
								return err
							}
							b.templates.Invalidate(tpl.ID)
							e.logger.Info("template imported", "template", tpl.ID, "sections", len(tpl.Sections))
							fmt.Fprintf(r.Stdout, "imported %s (%s)\n", tpl.ID, displayName(tpl))
						}
						return nil
					})
				},
			},
			{
				Name:  "list",
				Usage: "List stored templates",
				Action: func(c *cli.Context) error {
					return r.withBackend(c, func(_ *env, b *backend) error {
						infos, err := b.store.ListTemplates(c.Context)
						if err != nil {
							return err
						}
						if len(infos) == 0 {
							fmt.Fprintln(r.Stdout, "no templates")
							return nil
						}
						for _, info := range infos {
							fmt.Fprintf(r.Stdout, "%s | name=%q | sections=%d | updated=%s\n",
								info.ID, info.Name, info.Sections, info.UpdatedAt.Format("2006-01-02 15:04"))
						}
						return nil
					})
				},
			},
			{
				Name:      "show",
				Usage:     "Print one stored template as YAML",
				ArgsUsage: "ID",
				Action: func(c *cli.Context) error {
					if err := requireArgs(c, 1); err != nil {
						return err
					}
					return r.withBackend(c, func(_ *env, b *backend) error {
						tpl, err := b.templates.FetchTemplate(c.Context, c.Args().First())
						if err != nil {
							return err
						}
						out, err := yaml.Marshal(tpl)
						if err != nil {
							return fmt.Errorf("encode template %q: %w", tpl.ID, err)
						}
						_, err = r.Stdout.Write(out)
						return err
					})
				},
			},
		},
	}
}

// readTemplates parses files, or every template in dir when files is empty.
func readTemplates(files []string, dir string) ([]template.Template, error) {
	if len(files) == 0 {
		if strings.TrimSpace(dir) == "" {
			return nil, cli.Exit("template import: no files given and templates.dir is not configured", 2)
		}
		return template.LoadDir(dir)
	}

	tpls := make([]template.Template, 0, len(files))
	for _, path := range files {
		tpl, err := template.ParseFile(path)
		if err != nil {
			return nil, err
		}
		tpls = append(tpls, tpl)
	}
	return tpls, nil
}

func displayName(tpl template.Template) string {
	if tpl.Name != "" {
		return tpl.Name
	}
	return tpl.ID
}
