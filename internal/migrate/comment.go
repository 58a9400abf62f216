package migrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/adomigrate/adomigrate/internal/tracker/azuredevops"
)

// PostComment adds text to the discussion of item id. By default it writes
// System.History through a JSON-patch; useCommentsAPI posts to the comments
// endpoint instead.
func PostComment(ctx context.Context, client *azuredevops.Client, id int, text string, useCommentsAPI bool) error {
	if id <= 0 {
		return fmt.Errorf("invalid work item id %d", id)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("comment text is empty")
	}
	if useCommentsAPI {
		return client.AddComment(ctx, id, text)
	}
	return client.AddHistory(ctx, id, text)
}
