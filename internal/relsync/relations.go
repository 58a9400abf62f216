package relsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/adomigrate/adomigrate/internal/tracker/azuredevops"
)

// IsRelatedKind reports whether a link kind counts as a "related" link:
// lower-cased, it ends with "related".
func IsRelatedKind(rel string) bool {
	return strings.HasSuffix(strings.ToLower(rel), "related")
}

// FilterRelated returns the ids of the related links in rels, in order and
// with duplicates kept. Links whose url has no numeric trailing segment are
// skipped.
func FilterRelated(rels []azuredevops.WorkItemRelation, logger *slog.Logger) []int {
	ids := []int{}
	for _, rel := range rels {
		if !IsRelatedKind(rel.Rel) {
			continue
		}
		id, err := azuredevops.ParseWorkItemID(rel.URL)
		if err != nil {
			if logger != nil {
				logger.Debug("skipping relation", "rel", rel.Rel, "error", err)
			}
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// RelationReader reads the related links of source items.
type RelationReader struct {
	client *azuredevops.Client
	logger *slog.Logger
}

// NewRelationReader creates a reader over the source client.
func NewRelationReader(source *azuredevops.Client, logger *slog.Logger) *RelationReader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RelationReader{client: source, logger: logger}
}

// RelatedIDs fetches item id with relations expanded and returns the ids on
// the other end of its related links.
func (r *RelationReader) RelatedIDs(ctx context.Context, id int) ([]int, error) {
	wi, err := r.client.GetWorkItem(ctx, id, true)
	if err != nil {
		return nil, err
	}
	return FilterRelated(wi.Relations, r.logger), nil
}

// TypeClassifier looks up the declared type of source items.
type TypeClassifier struct {
	client *azuredevops.Client
}

// NewTypeClassifier creates a classifier over the source client.
func NewTypeClassifier(source *azuredevops.Client) *TypeClassifier {
	return &TypeClassifier{client: source}
}

// Classify maps each returned id to its trimmed type name ("" when the field
// is absent). Ids the service does not return are absent from the map. An
// empty ids slice makes no call.
func (c *TypeClassifier) Classify(ctx context.Context, ids []int) (map[int]string, error) {
	out := make(map[int]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	items, err := c.client.GetWorkItemsBatch(ctx, ids, []string{azuredevops.FieldWorkItemType})
	if err != nil {
		return nil, fmt.Errorf("classifying %d items: %w", len(ids), err)
	}
	for i := range items {
		if items[i].ID == 0 {
			continue
		}
		out[items[i].ID] = items[i].Type()
	}
	return out, nil
}

// RelationWriter appends related links on the target side.
type RelationWriter struct {
	client *azuredevops.Client
}

// NewRelationWriter creates a writer over the target client.
func NewRelationWriter(target *azuredevops.Client) *RelationWriter {
	return &RelationWriter{client: target}
}

// Link appends a System.LinkTypes.Related edge from fromID to toID. It is not
// idempotent: calling it twice creates two edges.
func (w *RelationWriter) Link(ctx context.Context, fromID, toID int) error {
	target := w.client.Connection().WorkItemRefURL(toID)
	if err := w.client.AddRelation(ctx, fromID, azuredevops.RelRelated, target, nil); err != nil {
		return fmt.Errorf("linking %d -> %d: %w", fromID, toID, err)
	}
	return nil
}
