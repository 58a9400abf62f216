package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adomigrate/adomigrate/internal/migrate"
	"github.com/adomigrate/adomigrate/internal/ui"
)

func (a *app) newCopyCmd() *cobra.Command {
	var opts migrate.CopyOptions

	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Copy one work item from the source project into the target project",
		Long: `Create a target item of --target-type from source item --id. Title,
description and tags are copied; the marker field receives the source id
and area/iteration default to the target project.

Examples:
  adomigrate copy --id 4711
  adomigrate copy --id 4711 --target-type "Work Bundle" --attachments
  adomigrate copy --id 4711 --skip-if-exists --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.SourceID <= 0 {
				return fmt.Errorf("--id is required")
			}
			source, target, err := a.bothClients()
			if err != nil {
				return err
			}
			opts.Area = a.cfg.AreaRoot()
			opts.Iteration = a.cfg.IterationRoot()
			opts.MarkerField = a.cfg.MarkerField()

			result, err := migrate.NewCopier(source, target, a.logger).Copy(cmd.Context(), opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			return a.render(out, result, func() error {
				switch {
				case result.Existing:
					fmt.Fprintf(out, "Source #%d already copied: Target #%d\n", result.SourceID, result.TargetID)
				case result.DryRun:
					fmt.Fprintf(out, "%s Source #%d -> new %s\n", ui.RenderWarn("[dry-run]"), result.SourceID, result.TargetType)
					for _, f := range result.Fields {
						fmt.Fprintf(out, "  %s = %v\n", f.Name, f.Value)
					}
				default:
					fmt.Fprintf(out, "Source #%d -> Target #%d (%s)\n", result.SourceID, result.TargetID, result.TargetType)
					if result.Attachments > 0 {
						fmt.Fprintf(out, "  attachments copied: %d\n", result.Attachments)
					}
				}
				return nil
			})
		},
	}

	fs := cmd.Flags()
	addSourceFlags(fs)
	addTargetFlags(fs)
	fs.IntVar(&opts.SourceID, "id", 0, "source work item id (required)")
	fs.StringVar(&opts.TargetType, "target-type", migrate.DefaultTargetType, "work item type to create")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "print the fields without creating the item")
	fs.BoolVar(&opts.Attachments, "attachments", false, "copy attached files")
	fs.BoolVar(&opts.SkipIfExists, "skip-if-exists", false, "report an existing copy instead of creating another")
	fs.String("area", "", "target area path (env ADO_TARGET_AREA_ROOT; default target project)")
	fs.String("iteration", "", "target iteration path (env ADO_TARGET_ITERATION_ROOT; default target project)")
	fs.String("marker-field", "", "target field receiving the source id (env ADO_MARKER_FIELD)")
	return cmd
}
