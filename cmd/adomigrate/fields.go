package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adomigrate/adomigrate/internal/migrate"
	"github.com/adomigrate/adomigrate/internal/ui"
)

// commonSample caps the common fields listed per type in the text report.
const commonSample = 30

func (a *app) newFieldsCmd() *cobra.Command {
	var (
		types    []string
		noPager  bool
		markdown bool
	)

	cmd := &cobra.Command{
		Use:   "fields",
		Short: "Compare work item type fields between source and target",
		Long: `Read the definition of each --type in both projects and list the fields
that exist on only one side, plus a sample of the common ones.

Examples:
  adomigrate fields --type Bug --type "User Story"
  adomigrate fields --type Epic -o json
  adomigrate fields --type Bug --markdown > fields.md`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(types) == 0 {
				return fmt.Errorf("at least one --type is required")
			}
			source, target, err := a.bothClients()
			if err != nil {
				return err
			}

			diffs := make([]*migrate.FieldDiff, 0, len(types))
			for _, t := range types {
				d, err := migrate.CompareTypeFields(cmd.Context(), source, target, t)
				if err != nil {
					return fmt.Errorf("comparing %s: %w", t, err)
				}
				diffs = append(diffs, d)
			}

			out := cmd.OutOrStdout()
			return a.render(out, diffs, func() error {
				opts := ui.PagerOptions{NoPager: noPager, Out: out}
				if markdown {
					return ui.ToPager(ui.RenderMarkdown(fieldDiffsMarkdown(diffs)), opts)
				}
				return ui.ToPager(renderFieldDiffs(diffs), opts)
			})
		},
	}

	fs := cmd.Flags()
	addSourceFlags(fs)
	addTargetFlags(fs)
	fs.StringArrayVar(&types, "type", nil, "work item type to compare (repeatable)")
	fs.BoolVar(&noPager, "no-pager", false, "do not pipe the report through a pager")
	fs.BoolVar(&markdown, "markdown", false, "write the report as markdown tables")
	return cmd
}

func renderFieldDiffs(diffs []*migrate.FieldDiff) string {
	var b strings.Builder
	for _, d := range diffs {
		b.WriteString("\n" + ui.RenderSeparator() + "\n")
		fmt.Fprintf(&b, "%s %s\n", ui.RenderCategory("type:"), d.Type)
		fmt.Fprintf(&b, "Source fields: %d | Target fields: %d | Common: %d\n",
			d.SourceCount, d.TargetCount, len(d.Common))
		b.WriteString(ui.RenderMuted(ui.SeparatorLight) + "\n")

		if len(d.OnlySource) > 0 {
			b.WriteString("\n" + ui.RenderWarn("Only in SOURCE:") + "\n")
			for _, f := range d.OnlySource {
				fmt.Fprintf(&b, "  - %s (%s)\n", f.ReferenceName, f.Name)
			}
		}
		if len(d.OnlyTarget) > 0 {
			b.WriteString("\n" + ui.RenderWarn("Only in TARGET:") + "\n")
			for _, f := range d.OnlyTarget {
				fmt.Fprintf(&b, "  - %s (%s)\n", f.ReferenceName, f.Name)
			}
		}

		b.WriteString("\n" + ui.RenderAccent(fmt.Sprintf("Common (sample %d):", commonSample)) + "\n")
		common := d.Common
		if len(common) > commonSample {
			common = common[:commonSample]
		}
		for _, ref := range common {
			fmt.Fprintf(&b, "  - %s\n", ref)
		}
	}
	b.WriteString("\n" + ui.RenderPass("Done.") + "\n")
	return b.String()
}

// fieldDiffsMarkdown lists every differing field; common fields are counted only.
func fieldDiffsMarkdown(diffs []*migrate.FieldDiff) string {
	var b strings.Builder
	b.WriteString("# Field comparison\n")
	for _, d := range diffs {
		fmt.Fprintf(&b, "\n## %s\n\n", d.Type)
		fmt.Fprintf(&b, "Source fields: %d, target fields: %d, common: %d.\n",
			d.SourceCount, d.TargetCount, len(d.Common))
		writeFieldTable(&b, "Only in source", d.OnlySource)
		writeFieldTable(&b, "Only in target", d.OnlyTarget)
	}
	return b.String()
}

func writeFieldTable(b *strings.Builder, title string, refs []migrate.FieldRef) {
	if len(refs) == 0 {
		return
	}
	fmt.Fprintf(b, "\n### %s\n\n| Reference name | Name |\n|---|---|\n", title)
	for _, f := range refs {
		fmt.Fprintf(b, "| `%s` | %s |\n", f.ReferenceName, strings.ReplaceAll(f.Name, "|", "\\|"))
	}
}
