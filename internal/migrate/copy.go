// Package migrate holds the single-item operations of the migration tool:
// copying one work item to the target, posting a comment, and comparing the
// field definitions of a work item type across the two projects.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/adomigrate/adomigrate/internal/relsync"
	"github.com/adomigrate/adomigrate/internal/tracker/azuredevops"
)

// DefaultTargetType is the type created by Copy when none is given.
const DefaultTargetType = "Epic"

// CopyOptions configures Copy.
type CopyOptions struct {
	SourceID   int
	TargetType string
	// Area and Iteration default to the target project name when blank.
	Area      string
	Iteration string
	// MarkerField receives the source id (default relsync.DefaultMarkerField).
	MarkerField string
	DryRun      bool
	// Attachments copies the source item's attached files.
	Attachments bool
	// SkipIfExists reports an existing copy instead of creating another one.
	SkipIfExists bool
}

// Field is one field assignment of the created item, in write order.
type Field struct {
	Name  string `json:"name" yaml:"name"`
	Value any    `json:"value" yaml:"value"`
}

// CopyResult describes the outcome of Copy.
type CopyResult struct {
	SourceID    int     `json:"source_id" yaml:"source_id"`
	TargetID    int     `json:"target_id,omitempty" yaml:"target_id,omitempty"`
	TargetType  string  `json:"target_type" yaml:"target_type"`
	Fields      []Field `json:"fields" yaml:"fields"`
	Attachments int     `json:"attachments" yaml:"attachments"`
	Existing    bool    `json:"existing" yaml:"existing"`
	DryRun      bool    `json:"dry_run" yaml:"dry_run"`
}

// Copier copies items from the source project to the target project.
type Copier struct {
	Source *azuredevops.Client
	Target *azuredevops.Client
	Logger *slog.Logger
}

// NewCopier creates a Copier.
func NewCopier(source, target *azuredevops.Client, logger *slog.Logger) *Copier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Copier{Source: source, Target: target, Logger: logger}
}

// CopyFields builds the field assignments for the copy of wi. Title falls back
// to "Migrated <id>"; description and tags to the empty string.
func CopyFields(wi *azuredevops.WorkItem, opts CopyOptions, targetProject string) []Field {
	title, ok := wi.FieldString(azuredevops.FieldTitle)
	if !ok {
		title = "Migrated " + strconv.Itoa(opts.SourceID)
	}
	description, _ := wi.FieldString(azuredevops.FieldDescription)
	tags, _ := wi.FieldString(azuredevops.FieldTags)

	area := strings.TrimSpace(opts.Area)
	if area == "" {
		area = targetProject
	}
	iteration := strings.TrimSpace(opts.Iteration)
	if iteration == "" {
		iteration = targetProject
	}

	marker := opts.MarkerField
	if marker == "" {
		marker = relsync.DefaultMarkerField
	}

	return []Field{
		{Name: azuredevops.FieldTitle, Value: title},
		{Name: azuredevops.FieldDescription, Value: description},
		{Name: azuredevops.FieldTags, Value: tags},
		{Name: marker, Value: strconv.Itoa(opts.SourceID)},
		{Name: azuredevops.FieldAreaPath, Value: area},
		{Name: azuredevops.FieldIterationPath, Value: iteration},
	}
}

// Copy reads the source item and creates its copy in the target project.
func (c *Copier) Copy(ctx context.Context, opts CopyOptions) (*CopyResult, error) {
	if opts.SourceID <= 0 {
		return nil, fmt.Errorf("invalid source id %d", opts.SourceID)
	}
	if opts.TargetType == "" {
		opts.TargetType = DefaultTargetType
	}
	result := &CopyResult{SourceID: opts.SourceID, TargetType: opts.TargetType, DryRun: opts.DryRun}

	if opts.SkipIfExists {
		resolver := relsync.NewIdentityResolver(c.Target, opts.MarkerField, c.Logger)
		id, err := resolver.Resolve(ctx, opts.SourceID)
		switch {
		case err == nil:
			c.Logger.Info("copy already exists", "source_id", opts.SourceID, "target_id", id)
			result.TargetID = id
			result.Existing = true
			return result, nil
		case !errors.Is(err, azuredevops.ErrNotFound):
			return nil, err
		}
	}

	wi, err := c.Source.GetWorkItem(ctx, opts.SourceID, opts.Attachments)
	if err != nil {
		return nil, err
	}
	result.Fields = CopyFields(wi, opts, c.Target.Connection().Project())

	if opts.DryRun {
		return result, nil
	}

	ops := make([]azuredevops.PatchOperation, 0, len(result.Fields))
	for _, f := range result.Fields {
		if f.Value == nil {
			continue
		}
		ops = append(ops, azuredevops.AddFieldOp(f.Name, f.Value))
	}

	if opts.Attachments {
		attachOps, err := c.copyAttachments(ctx, wi)
		if err != nil {
			return nil, err
		}
		ops = append(ops, attachOps...)
		result.Attachments = len(attachOps)
	}

	created, err := c.Target.CreateWorkItem(ctx, opts.TargetType, ops)
	if err != nil {
		return nil, err
	}
	result.TargetID = created.ID
	return result, nil
}

// copyAttachments re-uploads each AttachedFile of wi to the target and
// returns the relation operations attaching them.
func (c *Copier) copyAttachments(ctx context.Context, wi *azuredevops.WorkItem) ([]azuredevops.PatchOperation, error) {
	var ops []azuredevops.PatchOperation
	for i, rel := range wi.Relations {
		if rel.Rel != azuredevops.RelAttachedFile {
			continue
		}
		name, _ := rel.Attributes["name"].(string)
		if name == "" {
			name = fmt.Sprintf("attachment-%d", i+1)
		}

		data, err := c.Source.DownloadAttachment(ctx, rel.URL)
		if err != nil {
			return nil, err
		}
		ref, err := c.Target.UploadAttachment(ctx, name, data)
		if err != nil {
			return nil, err
		}
		c.Logger.Debug("copied attachment", "name", name, "bytes", len(data))

		attrs := map[string]any{"comment": fmt.Sprintf("Copied from source #%d", wi.ID)}
		ops = append(ops, azuredevops.AddRelationOp(azuredevops.RelAttachedFile, ref.URL, attrs))
	}
	return ops, nil
}
