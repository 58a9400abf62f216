package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/adomigrate/adomigrate/internal/config"
	"github.com/adomigrate/adomigrate/internal/debug"
	"github.com/adomigrate/adomigrate/internal/relsync"
	"github.com/adomigrate/adomigrate/internal/timeparsing"
	"github.com/adomigrate/adomigrate/internal/ui"
)

func (a *app) newLinkBundlesCmd() *cobra.Command {
	var (
		maxBundles   int
		changedSince string
		dryRun       bool
		yes          bool
	)

	cmd := &cobra.Command{
		Use:   "link-bundles",
		Short: "Copy related links from source bundles onto their target copies",
		Long: `For every target item of the bundle type, read the source item named by its
marker field, collect the source's related links, keep those whose type is
in the allow-list, map each one to its target copy through the marker field
and add a related link on the target bundle.

Bundles are processed in ascending id order. With --skip-existing (the
default) edges already present on a bundle are not added again, so re-runs
are safe.

Examples:
  adomigrate link-bundles --dry-run
  adomigrate link-bundles --allow-type bug --allow-type incident --max 10
  adomigrate link-bundles --concurrency 4 --yes
  adomigrate link-bundles --changed-since=-2w
  adomigrate link-bundles --dry-run -o yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			source, target, err := a.bothClients()
			if err != nil {
				return err
			}

			opts := relsync.Options{
				BundleType:   a.cfg.BundleType(),
				AllowList:    relsync.NewAllowList(a.cfg.AllowedTypes()...),
				DryRun:       dryRun,
				Max:          maxBundles,
				SkipExisting: a.cfg.SkipExisting(),
				Concurrency:  a.cfg.Concurrency(),
			}
			if changedSince != "" {
				since, err := timeparsing.ParseRelativeTime(changedSince, time.Now())
				if err != nil {
					return fmt.Errorf("--changed-since: %w", err)
				}
				opts.ChangedSince = since
			}
			if opts.AllowList.Len() == 0 {
				a.logger.Warn("allow-list is empty; no links will be added")
			}

			if !dryRun && !yes {
				ok, err := ui.Confirm(
					fmt.Sprintf("Add related links to %q items in %s?", opts.BundleType, target.Connection().Project()),
					"Relations are written to the target project. Use --dry-run to preview.",
				)
				if err != nil {
					return err
				}
				if !ok {
					return ui.ErrAborted
				}
			}

			syncer := relsync.NewSyncer(source, target, a.cfg.MarkerField(), a.logger)
			if a.output == outputText {
				syncer.OnLink = func(l relsync.Link, dry bool) {
					debug.PrintNormal("%s\n", ui.RenderLink(l.BundleID, l.Type, l.TargetID, dry))
				}
			}

			result, err := syncer.Run(cmd.Context(), opts)
			if err != nil {
				if result != nil && result.Stats.Linked > 0 {
					a.logger.Error("run aborted", "links_added", result.Stats.Linked)
				}
				return err
			}

			out := cmd.OutOrStdout()
			return a.render(out, result, func() error {
				if result.DryRun {
					_, err := fmt.Fprintf(out, "Related links that would be added: %d\n", result.Stats.Linked)
					return err
				}
				_, err := fmt.Fprintf(out, "Related links added: %d\n", result.Stats.Linked)
				return err
			})
		},
	}

	fs := cmd.Flags()
	addSourceFlags(fs)
	addTargetFlags(fs)
	fs.IntVar(&maxBundles, "max", 0, "process at most N bundles (0 = all)")
	fs.StringVar(&changedSince, "changed-since", "", "only bundles changed since (-2w, 2025-01-31, yesterday)")
	fs.BoolVar(&dryRun, "dry-run", false, "report the links without adding them")
	fs.BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	fs.Bool("skip-existing", true, "skip edges already present on the bundle")
	fs.Int("concurrency", config.DefaultConcurrency, "parallel identity lookups per bundle")
	fs.StringSlice("allow-type", nil, "source type to link (repeatable; default bug,incident)")
	fs.String("marker-field", "", "target field holding the source id (env ADO_MARKER_FIELD)")
	fs.String("bundle-type", "", "target bundle work item type (env ADO_BUNDLE_TYPE)")
	return cmd
}
