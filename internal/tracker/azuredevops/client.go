package azuredevops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Client provides methods to interact with the Azure DevOps REST API on one
// connection.
type Client struct {
	conn      *Connection
	transport *Transport
}

// NewClient creates a new Azure DevOps client. A nil transport gets the
// default retry policy.
func NewClient(conn *Connection, transport *Transport) *Client {
	if transport == nil {
		transport = NewTransport()
	}
	return &Client{conn: conn, transport: transport}
}

// Connection returns the connection the client is bound to.
func (c *Client) Connection() *Connection {
	return c.conn
}

func (c *Client) doJSON(ctx context.Context, method, url string, body any, contentType string, out any) error {
	return c.transport.DoJSON(ctx, method, url, c.conn.AuthHeader(), body, contentType, out)
}

// GetWorkItem retrieves a single work item, optionally with its relations.
func (c *Client) GetWorkItem(ctx context.Context, id int, expandRelations bool) (*WorkItem, error) {
	var workItem WorkItem
	if err := c.doJSON(ctx, http.MethodGet, c.conn.WorkItemURL(id, expandRelations), nil, "", &workItem); err != nil {
		return nil, fmt.Errorf("failed to fetch work item %d: %w", id, err)
	}
	return &workItem, nil
}

// GetWorkItemsBatch reads the given fields of many items through the
// organization-level batch endpoint, MaxBatchSize ids per request. Ids the
// service does not return are simply absent from the result.
func (c *Client) GetWorkItemsBatch(ctx context.Context, ids []int, fields []string) ([]WorkItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var all []WorkItem
	for i := 0; i < len(ids); i += MaxBatchSize {
		end := min(i+MaxBatchSize, len(ids))

		var resp WorkItemBatchResponse
		req := WorkItemBatchRequest{IDs: ids[i:end], Fields: fields}
		if err := c.doJSON(ctx, http.MethodPost, c.conn.BatchURL(), req, ContentTypeJSON, &resp); err != nil {
			return nil, fmt.Errorf("failed to fetch work items batch: %w", err)
		}
		all = append(all, resp.Value...)
	}
	return all, nil
}

// NormalizeQuery collapses all whitespace runs to single spaces so callers
// can write multi-line WIQL.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(query), " ")
}

// QueryIDs executes a WIQL query and returns the matching ids in the order
// the service returned them. No rows is an empty slice, not an error.
func (c *Client) QueryIDs(ctx context.Context, wiql string) ([]int, error) {
	var resp WIQLQueryResponse
	req := WIQLQueryRequest{Query: NormalizeQuery(wiql)}
	if err := c.doJSON(ctx, http.MethodPost, c.conn.WIQLURL(), req, ContentTypeJSON, &resp); err != nil {
		return nil, fmt.Errorf("WIQL query failed: %w", err)
	}

	ids := make([]int, 0, len(resp.WorkItems))
	for _, ref := range resp.WorkItems {
		ids = append(ids, ref.ID)
	}
	return ids, nil
}

// CreateWorkItem creates a work item of the given type from patch operations.
func (c *Client) CreateWorkItem(ctx context.Context, workItemType string, ops []PatchOperation) (*WorkItem, error) {
	var workItem WorkItem
	if err := c.doJSON(ctx, http.MethodPatch, c.conn.CreateWorkItemURL(workItemType), ops, ContentTypeJSONPatch, &workItem); err != nil {
		return nil, fmt.Errorf("failed to create work item: %w", err)
	}
	return &workItem, nil
}

// UpdateWorkItem applies patch operations to an existing work item.
func (c *Client) UpdateWorkItem(ctx context.Context, id int, ops []PatchOperation) (*WorkItem, error) {
	var workItem WorkItem
	if err := c.doJSON(ctx, http.MethodPatch, c.conn.WorkItemURL(id, false), ops, ContentTypeJSONPatch, &workItem); err != nil {
		return nil, fmt.Errorf("failed to update work item %d: %w", id, err)
	}
	return &workItem, nil
}

// AddRelation appends one relation to an item's relation list.
func (c *Client) AddRelation(ctx context.Context, fromID int, rel, targetURL string, attrs map[string]any) error {
	_, err := c.UpdateWorkItem(ctx, fromID, []PatchOperation{AddRelationOp(rel, targetURL, attrs)})
	return err
}

// AddHistory posts text to the item's discussion through System.History.
func (c *Client) AddHistory(ctx context.Context, id int, text string) error {
	_, err := c.UpdateWorkItem(ctx, id, []PatchOperation{AddFieldOp(FieldHistory, text)})
	return err
}

// AddComment posts text through the comments endpoint.
func (c *Client) AddComment(ctx context.Context, id int, text string) error {
	body := map[string]string{"text": text}
	if err := c.doJSON(ctx, http.MethodPost, c.conn.CommentsURL(id), body, ContentTypeJSON, nil); err != nil {
		return fmt.Errorf("failed to add comment to work item %d: %w", id, err)
	}
	return nil
}

// GetWorkItemType reads a work item type definition with its fields.
func (c *Client) GetWorkItemType(ctx context.Context, name string) (*WorkItemType, error) {
	var wit WorkItemType
	if err := c.doJSON(ctx, http.MethodGet, c.conn.WorkItemTypeURL(name), nil, "", &wit); err != nil {
		return nil, fmt.Errorf("failed to fetch work item type %q: %w", name, err)
	}
	return &wit, nil
}

// DownloadAttachment fetches attachment bytes from a URL found in an
// AttachedFile relation.
func (c *Client) DownloadAttachment(ctx context.Context, attachmentURL string) ([]byte, error) {
	data, err := c.transport.DoBinary(ctx, http.MethodGet, attachmentURL, c.conn.AuthHeader(), nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to download attachment: %w", err)
	}
	return data, nil
}

// UploadAttachment stores data as a named attachment and returns its reference.
func (c *Client) UploadAttachment(ctx context.Context, fileName string, data []byte) (*AttachmentReference, error) {
	var ref AttachmentReference
	raw, err := c.transport.DoBinary(ctx, http.MethodPost, c.conn.AttachmentsURL(fileName), c.conn.AuthHeader(), data, ContentTypeOctetStream)
	if err != nil {
		return nil, fmt.Errorf("failed to upload attachment %q: %w", fileName, err)
	}
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, fmt.Errorf("failed to parse attachment response: %w", err)
	}
	return &ref, nil
}

// ParseWorkItemID extracts the work item id from the trailing path segment of
// a URL (relation url, API url or web url).
func ParseWorkItemID(ref string) (int, error) {
	idStr := ref
	if idx := strings.LastIndex(ref, "/"); idx >= 0 {
		idStr = ref[idx+1:]
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return 0, &ParseError{Input: ref, Err: err}
	}
	if id <= 0 {
		return 0, &ParseError{Input: ref, Err: fmt.Errorf("work item id must be positive, got %d", id)}
	}
	return id, nil
}
