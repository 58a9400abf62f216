// Package azuredevops talks to the Azure DevOps work item tracking REST API.
//
// It provides the Connection descriptor (endpoint, project, PAT), a retrying
// Transport, and a Client exposing the handful of endpoints the migration
// tooling needs: item reads, batch reads, WIQL queries, JSON-patch updates,
// work item type definitions, and attachments.
package azuredevops

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// API constants
const (
	DefaultTimeout     = 30 * time.Second
	MaxBatchSize       = 200
	APIVersion         = "7.0"
	CommentsAPIVersion = "7.1-preview.3"
)

// Content types understood by the work item endpoints.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeJSONPatch   = "application/json-patch+json"
	ContentTypeOctetStream = "application/octet-stream"
)

// Well-known field reference names.
const (
	FieldID            = "System.Id"
	FieldTeamProject   = "System.TeamProject"
	FieldWorkItemType  = "System.WorkItemType"
	FieldTitle         = "System.Title"
	FieldDescription   = "System.Description"
	FieldTags          = "System.Tags"
	FieldAreaPath      = "System.AreaPath"
	FieldIterationPath = "System.IterationPath"
	FieldHistory       = "System.History"
	FieldChangedDate   = "System.ChangedDate"
)

// Relation kinds.
const (
	RelRelated      = "System.LinkTypes.Related"
	RelAttachedFile = "AttachedFile"
)

// WorkItem represents an Azure DevOps work item. Fields are kept as a raw map
// because the tooling reads process-specific custom fields (the marker field).
type WorkItem struct {
	ID        int                `json:"id"`
	Rev       int                `json:"rev"`
	URL       string             `json:"url"`
	Fields    map[string]any     `json:"fields"`
	Relations []WorkItemRelation `json:"relations,omitempty"`
}

// FieldString returns the named field rendered as a string. Numbers are
// formatted without exponent so integer ids survive the JSON float round trip.
func (wi *WorkItem) FieldString(name string) (string, bool) {
	if wi == nil || wi.Fields == nil {
		return "", false
	}
	v, ok := wi.Fields[name]
	if !ok || v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case json.Number:
		return val.String(), true
	case bool:
		return strconv.FormatBool(val), true
	default:
		return fmt.Sprint(val), true
	}
}

// Type returns the work item type name, trimmed.
func (wi *WorkItem) Type() string {
	s, _ := wi.FieldString(FieldWorkItemType)
	return strings.TrimSpace(s)
}

// WorkItemRelation represents a link between work items.
type WorkItemRelation struct {
	Rel        string         `json:"rel"`
	URL        string         `json:"url"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// WIQLQueryRequest is the request body for WIQL queries.
type WIQLQueryRequest struct {
	Query string `json:"query"`
}

// WIQLQueryResponse is the response from a WIQL query.
type WIQLQueryResponse struct {
	QueryType       string        `json:"queryType"`
	QueryResultType string        `json:"queryResultType"`
	AsOf            string        `json:"asOf"`
	WorkItems       []WorkItemRef `json:"workItems"`
}

// WorkItemRef is a reference to a work item in WIQL results.
type WorkItemRef struct {
	ID  int    `json:"id"`
	URL string `json:"url,omitempty"`
}

// WorkItemBatchRequest is the body of a workitemsbatch call.
type WorkItemBatchRequest struct {
	IDs    []int    `json:"ids"`
	Fields []string `json:"fields,omitempty"`
}

// WorkItemBatchResponse is the response from batch get.
type WorkItemBatchResponse struct {
	Count int        `json:"count"`
	Value []WorkItem `json:"value"`
}

// PatchOperation is one JSON-patch operation.
type PatchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	From  string `json:"from,omitempty"`
}

// RelationValue is the value of an "add /relations/-" operation.
type RelationValue struct {
	Rel        string         `json:"rel"`
	URL        string         `json:"url"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// WorkItemType is a work item type definition.
type WorkItemType struct {
	Name          string              `json:"name"`
	ReferenceName string              `json:"referenceName"`
	Description   string              `json:"description,omitempty"`
	Fields        []WorkItemTypeField `json:"fields"`
}

// WorkItemTypeField is one field declared by a work item type.
type WorkItemTypeField struct {
	ReferenceName string `json:"referenceName"`
	Name          string `json:"name"`
}

// AttachmentReference is returned when an attachment is uploaded.
type AttachmentReference struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// AddFieldOp builds an "add /fields/<name>" operation.
func AddFieldOp(name string, value any) PatchOperation {
	return PatchOperation{Op: "add", Path: "/fields/" + name, Value: value}
}

// AddRelationOp builds an "add /relations/-" operation, which appends to the
// end of the relation list instead of replacing it.
func AddRelationOp(rel, url string, attrs map[string]any) PatchOperation {
	return PatchOperation{
		Op:    "add",
		Path:  "/relations/-",
		Value: RelationValue{Rel: rel, URL: url, Attributes: attrs},
	}
}
