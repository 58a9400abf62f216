package relsync

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/adomigrate/adomigrate/internal/tracker/azuredevops"
)

// DefaultMarkerField is the target field holding the source id of a migrated item.
const DefaultMarkerField = "Custom.ReflectedWorkItemId"

// QuoteWIQL renders s as a WIQL string literal.
func QuoteWIQL(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// IdentityResolver maps a source id to the target item whose marker field
// holds that id.
type IdentityResolver struct {
	client      *azuredevops.Client
	markerField string
	logger      *slog.Logger
}

// NewIdentityResolver creates a resolver querying the target client. An
// empty markerField selects DefaultMarkerField.
func NewIdentityResolver(target *azuredevops.Client, markerField string, logger *slog.Logger) *IdentityResolver {
	if markerField == "" {
		markerField = DefaultMarkerField
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &IdentityResolver{client: target, markerField: markerField, logger: logger}
}

// MarkerField returns the field the resolver matches on.
func (r *IdentityResolver) MarkerField() string { return r.markerField }

// Query returns the WIQL used to look up sourceID. Rows are ordered by id so
// "first match" is stable when several items claim the same source.
func (r *IdentityResolver) Query(sourceID int) string {
	return fmt.Sprintf(`
		SELECT [%[1]s] FROM WorkItems
		WHERE [%[2]s] = %[3]s AND [%[4]s] = %[5]s
		ORDER BY [%[1]s]`,
		azuredevops.FieldID, azuredevops.FieldTeamProject,
		QuoteWIQL(r.client.Connection().Project()), r.markerField, QuoteWIQL(strconv.Itoa(sourceID)))
}

// Resolve returns the target id for sourceID. When nothing matches, the error
// wraps azuredevops.ErrNotFound.
func (r *IdentityResolver) Resolve(ctx context.Context, sourceID int) (int, error) {
	ids, err := r.client.QueryIDs(ctx, r.Query(sourceID))
	if err != nil {
		return 0, fmt.Errorf("resolving source item %d: %w", sourceID, err)
	}
	if len(ids) == 0 {
		return 0, fmt.Errorf("no target item with %s = %d: %w", r.markerField, sourceID, azuredevops.ErrNotFound)
	}
	if len(ids) > 1 {
		r.logger.Warn("several target items share a marker value, using the first",
			"source_id", sourceID, "marker_field", r.markerField, "matches", ids)
	}
	return ids[0], nil
}
