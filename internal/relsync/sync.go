package relsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/adomigrate/adomigrate/internal/telemetry"
	"github.com/adomigrate/adomigrate/internal/tracker/azuredevops"
)

// DefaultBundleType is the target type whose links are synchronized.
const DefaultBundleType = "Work Bundle"

const scopeName = "github.com/adomigrate/adomigrate/relsync"

// Options configures a sync run.
type Options struct {
	// BundleType selects the target items to process (default DefaultBundleType).
	BundleType string
	// AllowList restricts which source types are linked. An empty list links nothing.
	AllowList AllowList
	// DryRun reports intended links without writing.
	DryRun bool
	// Max limits the number of bundles processed (0 = no limit).
	Max int
	// ChangedSince, when set, skips bundles not changed on or after that day.
	ChangedSince time.Time
	// SkipExisting reads each bundle's current relations and never creates an
	// edge that is already present or was created earlier in the run.
	SkipExisting bool
	// Concurrency bounds parallel identity lookups per bundle (minimum 1).
	// Edges are still written one at a time, in candidate order, and every
	// edge before a failed lookup is written before the run aborts.
	Concurrency int
}

// Link is one edge created (or, in dry-run, intended).
type Link struct {
	BundleID       int    `json:"bundle_id" yaml:"bundle_id"`
	SourceBundleID int    `json:"source_bundle_id" yaml:"source_bundle_id"`
	SourceID       int    `json:"source_id" yaml:"source_id"`
	TargetID       int    `json:"target_id" yaml:"target_id"`
	Type           string `json:"type" yaml:"type"`
}

// Stats counts what a run did and skipped.
type Stats struct {
	Bundles       int `json:"bundles" yaml:"bundles"`               // Bundles examined
	NoMarker      int `json:"no_marker" yaml:"no_marker"`           // Bundles without a usable marker
	Candidates    int `json:"candidates" yaml:"candidates"`         // Related links read from sources
	NotAllowed    int `json:"not_allowed" yaml:"not_allowed"`       // Candidates with a type outside the allow-list
	Unresolved    int `json:"unresolved" yaml:"unresolved"`         // Candidates with no target copy
	AlreadyLinked int `json:"already_linked" yaml:"already_linked"` // Edges skipped as already present
	Linked        int `json:"linked" yaml:"linked"`                 // Edges created, or that would be in dry-run
}

// Result is the outcome of a sync run.
type Result struct {
	DryRun bool   `json:"dry_run" yaml:"dry_run"`
	Stats  Stats  `json:"stats" yaml:"stats"`
	Links  []Link `json:"links" yaml:"links"`
}

// Syncer replicates related links from source bundles onto their target copies.
type Syncer struct {
	Source *azuredevops.Client
	Target *azuredevops.Client

	Resolver   *IdentityResolver
	Reader     *RelationReader
	Classifier *TypeClassifier
	Writer     *RelationWriter

	Logger *slog.Logger

	// OnLink is called for each edge, in order, after it is written (or
	// would be, in dry-run).
	OnLink func(link Link, dryRun bool)

	tracer trace.Tracer
	links  metric.Int64Counter
}

// NewSyncer wires the components over the two clients.
func NewSyncer(source, target *azuredevops.Client, markerField string, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	links, _ := telemetry.Meter(scopeName).Int64Counter("adomigrate.relsync.links",
		metric.WithDescription("Related links created or planned by bundle sync"),
	)
	return &Syncer{
		Source:     source,
		Target:     target,
		Resolver:   NewIdentityResolver(target, markerField, logger),
		Reader:     NewRelationReader(source, logger),
		Classifier: NewTypeClassifier(source),
		Writer:     NewRelationWriter(target),
		Logger:     logger,
		tracer:     telemetry.Tracer(scopeName),
		links:      links,
	}
}

// BundleQuery returns the WIQL listing bundles of bundleType in ascending id
// order. A non-zero changedSince adds a day-precision ChangedDate bound.
func (s *Syncer) BundleQuery(bundleType string, changedSince time.Time) string {
	var since string
	if !changedSince.IsZero() {
		since = fmt.Sprintf("\n\t\t  AND [%s] >= %s", azuredevops.FieldChangedDate, QuoteWIQL(changedSince.Format(time.DateOnly)))
	}
	return fmt.Sprintf(`
		SELECT [%[1]s] FROM WorkItems
		WHERE [%[2]s] = %[3]s
		  AND [%[4]s] = %[5]s%[6]s
		ORDER BY [%[1]s]`,
		azuredevops.FieldID, azuredevops.FieldTeamProject, QuoteWIQL(s.Target.Connection().Project()),
		azuredevops.FieldWorkItemType, QuoteWIQL(bundleType), since)
}

// Run processes every bundle in ascending id order. A terminal failure aborts
// the run; links written before it stay in place and are reported in the
// partial result.
func (s *Syncer) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.BundleType == "" {
		opts.BundleType = DefaultBundleType
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	ctx, span := s.tracer.Start(ctx, "relsync.run", trace.WithAttributes(
		attribute.String("relsync.bundle_type", opts.BundleType),
		attribute.Bool("relsync.dry_run", opts.DryRun),
	))
	defer span.End()

	result := &Result{DryRun: opts.DryRun, Links: []Link{}}

	bundles, err := s.Target.QueryIDs(ctx, s.BundleQuery(opts.BundleType, opts.ChangedSince))
	if err != nil {
		return result, fmt.Errorf("listing %s items: %w", opts.BundleType, err)
	}
	if opts.Max > 0 && len(bundles) > opts.Max {
		bundles = bundles[:opts.Max]
	}
	s.Logger.Info("bundle sync starting", "bundles", len(bundles), "allowed_types", opts.AllowList.Types(), "dry_run", opts.DryRun)

	for _, bundleID := range bundles {
		if err := s.syncBundle(ctx, bundleID, opts, result); err != nil {
			span.RecordError(err)
			return result, err
		}
	}

	span.SetAttributes(attribute.Int("relsync.linked", result.Stats.Linked))
	return result, nil
}

type resolution struct {
	sourceID int
	typeName string
	targetID int
	found    bool
	err      error
	done     chan struct{}
}

func (s *Syncer) syncBundle(ctx context.Context, bundleID int, opts Options, result *Result) error {
	result.Stats.Bundles++

	bundle, err := s.Target.GetWorkItem(ctx, bundleID, opts.SkipExisting)
	if err != nil {
		return err
	}

	sourceID, ok := s.markerOf(bundle)
	if !ok {
		result.Stats.NoMarker++
		s.Logger.Debug("bundle has no usable marker", "bundle", bundleID, "marker_field", s.Resolver.MarkerField())
		return nil
	}

	candidates, err := s.Reader.RelatedIDs(ctx, sourceID)
	if err != nil {
		return err
	}
	result.Stats.Candidates += len(candidates)

	types, err := s.Classifier.Classify(ctx, candidates)
	if err != nil {
		return err
	}

	var eligible []*resolution
	for _, c := range candidates {
		typeName := types[c]
		if !opts.AllowList.Allows(typeName) {
			result.Stats.NotAllowed++
			s.Logger.Debug("type not allowed", "bundle", bundleID, "source_id", c, "type", typeName)
			continue
		}
		eligible = append(eligible, &resolution{
			sourceID: c,
			typeName: strings.ToLower(typeName),
			done:     make(chan struct{}),
		})
	}

	var existing map[int]bool
	if opts.SkipExisting {
		existing = make(map[int]bool)
		for _, id := range FilterRelated(bundle.Relations, nil) {
			existing[id] = true
		}
	}

	// With one lookup in flight each candidate is resolved right before its
	// edge is written. With more, lookups run ahead and edges are written as
	// the ordered prefix of finished lookups grows.
	if opts.Concurrency > 1 {
		stop := s.startLookups(ctx, eligible, opts.Concurrency)
		defer stop()
	}

	for _, r := range eligible {
		if opts.Concurrency > 1 {
			<-r.done
		} else {
			s.lookup(ctx, r)
		}
		if r.err != nil {
			return r.err
		}
		if !r.found {
			result.Stats.Unresolved++
			s.Logger.Info("no target copy", "bundle", bundleID, "source_id", r.sourceID)
			continue
		}
		if existing[r.targetID] {
			result.Stats.AlreadyLinked++
			s.Logger.Debug("already linked", "bundle", bundleID, "target_id", r.targetID)
			continue
		}

		if !opts.DryRun {
			if err := s.Writer.Link(ctx, bundleID, r.targetID); err != nil {
				return err
			}
		}
		if existing != nil {
			existing[r.targetID] = true
		}

		link := Link{
			BundleID:       bundleID,
			SourceBundleID: sourceID,
			SourceID:       r.sourceID,
			TargetID:       r.targetID,
			Type:           r.typeName,
		}
		result.Links = append(result.Links, link)
		result.Stats.Linked++
		s.links.Add(ctx, 1, metric.WithAttributes(attribute.Bool("dry_run", opts.DryRun)))
		if s.OnLink != nil {
			s.OnLink(link, opts.DryRun)
		}
	}
	return nil
}

// lookup resolves r's target copy and closes r.done. Not-found is not an error.
func (s *Syncer) lookup(ctx context.Context, r *resolution) {
	defer close(r.done)
	if err := ctx.Err(); err != nil {
		r.err = err
		return
	}
	id, err := s.Resolver.Resolve(ctx, r.sourceID)
	switch {
	case errors.Is(err, azuredevops.ErrNotFound):
	case err != nil:
		r.err = err
	default:
		r.targetID = id
		r.found = true
	}
}

// startLookups resolves entries in the background with up to limit in flight.
// A failed lookup does not cancel the others, so every entry before it still
// gets a result. stop cancels what is left and waits for it.
func (s *Syncer) startLookups(ctx context.Context, entries []*resolution, limit int) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var g errgroup.Group
	g.SetLimit(limit)

	launched := make(chan struct{})
	go func() {
		defer close(launched)
		for _, r := range entries {
			g.Go(func() error {
				s.lookup(ctx, r)
				return nil
			})
		}
	}()

	return func() {
		cancel()
		<-launched
		_ = g.Wait()
	}
}

// markerOf returns the source id stored on a target item.
func (s *Syncer) markerOf(wi *azuredevops.WorkItem) (int, bool) {
	raw, ok := wi.FieldString(s.Resolver.MarkerField())
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
