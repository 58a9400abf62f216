package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/adomigrate/adomigrate/internal/tracker/azuredevops"
)

// AzureDevOpsMockServer is a stateful fake of the work item endpoints. Items
// live in memory: PATCH really appends relations and sets fields, WIQL
// evaluates the [Field] = 'value' clauses of the query.
type AzureDevOpsMockServer struct {
	*MockTrackerServer
	Project string

	dataMu      sync.Mutex
	workItems   map[int]*azuredevops.WorkItem
	types       map[string]azuredevops.WorkItemType
	attachments map[string][]byte
	comments    map[int][]string
	queries     []string
	wiqlHandler func(query string) []int
	wiqlFail    map[string]int
	nextID      int
}

// NewAzureDevOpsMockServer creates a fake serving the given project.
func NewAzureDevOpsMockServer(project string) *AzureDevOpsMockServer {
	m := &AzureDevOpsMockServer{
		MockTrackerServer: NewMockTrackerServer(),
		Project:           project,
		workItems:         make(map[int]*azuredevops.WorkItem),
		types:             make(map[string]azuredevops.WorkItemType),
		attachments:       make(map[string][]byte),
		comments:          make(map[int][]string),
		nextID:            1000,
	}
	m.SetDefaultHandler(m.handleADORequest)
	return m
}

func (m *AzureDevOpsMockServer) handleADORequest(w http.ResponseWriter, r *http.Request) {
	p := strings.ToLower(r.URL.Path)

	switch {
	case strings.HasSuffix(p, "/_apis/wit/wiql") && r.Method == http.MethodPost:
		m.handleWIQLQuery(w, r)
	case strings.HasSuffix(p, "/_apis/wit/workitemsbatch") && r.Method == http.MethodPost:
		m.handleBatch(w, r)
	case strings.Contains(p, "/_apis/wit/workitems/$") && r.Method == http.MethodPatch:
		m.handleCreateWorkItem(w, r)
	case strings.HasSuffix(p, "/comments") && r.Method == http.MethodPost:
		m.handleAddComment(w, r)
	case strings.Contains(p, "/_apis/wit/workitems/") && r.Method == http.MethodGet:
		m.handleGetWorkItem(w, r)
	case strings.Contains(p, "/_apis/wit/workitems/") && r.Method == http.MethodPatch:
		m.handleUpdateWorkItem(w, r)
	case strings.Contains(p, "/_apis/wit/workitemtypes/") && r.Method == http.MethodGet:
		m.handleGetWorkItemType(w, r)
	case strings.HasSuffix(p, "/_apis/wit/attachments") && r.Method == http.MethodPost:
		m.handleUploadAttachment(w, r)
	case strings.Contains(p, "/_apis/wit/attachments/") && r.Method == http.MethodGet:
		m.handleDownloadAttachment(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]string{"message": "Not found"})
	}
}

var wiqlClause = regexp.MustCompile(`\[([^\]]+)\]\s*=\s*'((?:[^']|'')*)'`)

func (m *AzureDevOpsMockServer) handleWIQLQuery(w http.ResponseWriter, r *http.Request) {
	var req azuredevops.WIQLQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]string{"message": err.Error()})
		return
	}

	m.dataMu.Lock()
	m.queries = append(m.queries, req.Query)
	handler := m.wiqlHandler
	failStatus := 0
	for fragment, status := range m.wiqlFail {
		if strings.Contains(req.Query, fragment) {
			failStatus = status
			break
		}
	}
	m.dataMu.Unlock()

	if failStatus != 0 {
		w.WriteHeader(failStatus)
		writeJSON(w, map[string]any{"message": http.StatusText(failStatus), "status": failStatus})
		return
	}

	var ids []int
	if handler != nil {
		ids = handler(req.Query)
	} else {
		ids = m.evaluateWIQL(req.Query)
	}

	refs := make([]azuredevops.WorkItemRef, len(ids))
	for i, id := range ids {
		refs[i] = azuredevops.WorkItemRef{
			ID:  id,
			URL: m.URL() + "/_apis/wit/workItems/" + strconv.Itoa(id),
		}
	}
	writeJSON(w, azuredevops.WIQLQueryResponse{
		QueryType:       "flat",
		QueryResultType: "workItem",
		WorkItems:       refs,
	})
}

// evaluateWIQL returns the ids of items matching every equality clause, in
// ascending id order.
func (m *AzureDevOpsMockServer) evaluateWIQL(query string) []int {
	clauses := wiqlClause.FindAllStringSubmatch(query, -1)

	m.dataMu.Lock()
	defer m.dataMu.Unlock()

	ids := []int{}
	for _, id := range m.sortedIDsLocked() {
		wi := m.workItems[id]
		match := true
		for _, c := range clauses {
			field, want := c[1], strings.ReplaceAll(c[2], "''", "'")
			got, ok := wi.FieldString(field)
			if !ok || got != want {
				match = false
				break
			}
		}
		if match {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *AzureDevOpsMockServer) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req azuredevops.WorkItemBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]string{"message": err.Error()})
		return
	}

	m.dataMu.Lock()
	defer m.dataMu.Unlock()

	value := []azuredevops.WorkItem{}
	for _, id := range req.IDs {
		wi, ok := m.workItems[id]
		if !ok {
			continue
		}
		out := azuredevops.WorkItem{ID: wi.ID, Rev: wi.Rev, URL: wi.URL, Fields: map[string]any{}}
		for _, f := range req.Fields {
			if v, ok := wi.Fields[f]; ok {
				out.Fields[f] = v
			}
		}
		value = append(value, out)
	}
	writeJSON(w, azuredevops.WorkItemBatchResponse{Count: len(value), Value: value})
}

func (m *AzureDevOpsMockServer) handleGetWorkItem(w http.ResponseWriter, r *http.Request) {
	id, ok := trailingID(r.URL.Path)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m.dataMu.Lock()
	wi, found := m.workItems[id]
	var out azuredevops.WorkItem
	if found {
		out = cloneWorkItem(wi)
	}
	m.dataMu.Unlock()

	if !found {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]string{"message": fmt.Sprintf("TF401232: Work item %d does not exist.", id)})
		return
	}
	if r.URL.Query().Get("$expand") == "" {
		out.Relations = nil
	}
	writeJSON(w, out)
}

type rawPatchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

func (m *AzureDevOpsMockServer) applyPatch(wi *azuredevops.WorkItem, body []byte) error {
	var ops []rawPatchOp
	if err := json.Unmarshal(body, &ops); err != nil {
		return err
	}
	for _, op := range ops {
		if op.Op != "add" {
			return fmt.Errorf("unsupported op %q", op.Op)
		}
		switch {
		case op.Path == "/relations/-":
			var rel azuredevops.WorkItemRelation
			if err := json.Unmarshal(op.Value, &rel); err != nil {
				return err
			}
			wi.Relations = append(wi.Relations, rel)
		case strings.HasPrefix(op.Path, "/fields/"):
			var v any
			if err := json.Unmarshal(op.Value, &v); err != nil {
				return err
			}
			name := strings.TrimPrefix(op.Path, "/fields/")
			if name == azuredevops.FieldHistory {
				m.comments[wi.ID] = append(m.comments[wi.ID], fmt.Sprint(v))
				continue
			}
			wi.Fields[name] = v
		default:
			return fmt.Errorf("unsupported path %q", op.Path)
		}
	}
	wi.Rev++
	return nil
}

func (m *AzureDevOpsMockServer) handleCreateWorkItem(w http.ResponseWriter, r *http.Request) {
	idx := strings.LastIndex(r.URL.Path, "$")
	typeName := r.URL.Path[idx+1:]
	body, _ := io.ReadAll(r.Body)

	m.dataMu.Lock()
	defer m.dataMu.Unlock()

	m.nextID++
	wi := &azuredevops.WorkItem{
		ID:  m.nextID,
		URL: m.URL() + "/_apis/wit/workItems/" + strconv.Itoa(m.nextID),
		Fields: map[string]any{
			azuredevops.FieldWorkItemType: typeName,
			azuredevops.FieldTeamProject:  m.Project,
		},
	}
	if err := m.applyPatch(wi, body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]string{"message": err.Error()})
		return
	}
	m.workItems[wi.ID] = wi

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(cloneWorkItem(wi))
}

func (m *AzureDevOpsMockServer) handleUpdateWorkItem(w http.ResponseWriter, r *http.Request) {
	id, ok := trailingID(r.URL.Path)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	body, _ := io.ReadAll(r.Body)

	m.dataMu.Lock()
	defer m.dataMu.Unlock()

	wi, found := m.workItems[id]
	if !found {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]string{"message": fmt.Sprintf("TF401232: Work item %d does not exist.", id)})
		return
	}
	if err := m.applyPatch(wi, body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]string{"message": err.Error()})
		return
	}
	writeJSON(w, cloneWorkItem(wi))
}

func (m *AzureDevOpsMockServer) handleAddComment(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimSuffix(r.URL.Path, "/comments")
	id, ok := trailingID(trimmed)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m.dataMu.Lock()
	m.comments[id] = append(m.comments[id], body.Text)
	m.dataMu.Unlock()

	writeJSON(w, map[string]any{"workItemId": id, "text": body.Text})
}

func (m *AzureDevOpsMockServer) handleGetWorkItemType(w http.ResponseWriter, r *http.Request) {
	idx := strings.LastIndex(r.URL.Path, "/")
	name := r.URL.Path[idx+1:]

	m.dataMu.Lock()
	wit, ok := m.types[name]
	m.dataMu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]string{"message": "work item type " + name + " does not exist"})
		return
	}
	writeJSON(w, wit)
}

func (m *AzureDevOpsMockServer) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("fileName")
	body, _ := io.ReadAll(r.Body)

	m.dataMu.Lock()
	id := fmt.Sprintf("att-%d", len(m.attachments)+1)
	m.attachments[id] = body
	m.dataMu.Unlock()

	writeJSON(w, azuredevops.AttachmentReference{
		ID:  id,
		URL: m.URL() + "/_apis/wit/attachments/" + id + "?fileName=" + name,
	})
}

func (m *AzureDevOpsMockServer) handleDownloadAttachment(w http.ResponseWriter, r *http.Request) {
	idx := strings.LastIndex(r.URL.Path, "/")
	id := r.URL.Path[idx+1:]

	m.dataMu.Lock()
	data, ok := m.attachments[id]
	m.dataMu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

// AddWorkItem stores an item, filling the project field when missing.
func (m *AzureDevOpsMockServer) AddWorkItem(wi azuredevops.WorkItem) {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	if wi.Fields == nil {
		wi.Fields = map[string]any{}
	}
	if _, ok := wi.Fields[azuredevops.FieldTeamProject]; !ok {
		wi.Fields[azuredevops.FieldTeamProject] = m.Project
	}
	if wi.URL == "" {
		wi.URL = m.URL() + "/_apis/wit/workItems/" + strconv.Itoa(wi.ID)
	}
	cp := cloneWorkItem(&wi)
	m.workItems[wi.ID] = &cp
}

// WorkItem returns a copy of the stored item.
func (m *AzureDevOpsMockServer) WorkItem(id int) (azuredevops.WorkItem, bool) {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	wi, ok := m.workItems[id]
	if !ok {
		return azuredevops.WorkItem{}, false
	}
	return cloneWorkItem(wi), true
}

// AddWorkItemType registers a type definition.
func (m *AzureDevOpsMockServer) AddWorkItemType(wit azuredevops.WorkItemType) {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	m.types[wit.Name] = wit
}

// AddAttachment stores attachment bytes and returns their download URL.
func (m *AzureDevOpsMockServer) AddAttachment(id string, data []byte) string {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	m.attachments[id] = data
	return m.URL() + "/_apis/wit/attachments/" + id
}

// Attachments returns the number of stored attachments.
func (m *AzureDevOpsMockServer) Attachments() int {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	return len(m.attachments)
}

// Comments returns the comments posted to an item.
func (m *AzureDevOpsMockServer) Comments(id int) []string {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	return append([]string(nil), m.comments[id]...)
}

// Queries returns the WIQL texts received so far.
func (m *AzureDevOpsMockServer) Queries() []string {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	return append([]string(nil), m.queries...)
}

// SetWIQLHandler overrides WIQL evaluation, e.g. to return rows in a
// specific order.
func (m *AzureDevOpsMockServer) SetWIQLHandler(fn func(query string) []int) {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	m.wiqlHandler = fn
}

// FailWIQL answers every query containing fragment with status.
func (m *AzureDevOpsMockServer) FailWIQL(fragment string, status int) {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	if m.wiqlFail == nil {
		m.wiqlFail = make(map[string]int)
	}
	m.wiqlFail[fragment] = status
}

// Connection builds a Connection pointing at the fake.
func (m *AzureDevOpsMockServer) Connection(pat string) *azuredevops.Connection {
	conn, err := azuredevops.NewConnection(azuredevops.ConnectionParams{
		OrgURL:  m.URL(),
		Project: m.Project,
		PAT:     pat,
	})
	if err != nil {
		panic(err)
	}
	return conn
}

func (m *AzureDevOpsMockServer) sortedIDsLocked() []int {
	ids := make([]int, 0, len(m.workItems))
	for id := range m.workItems {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Helper functions for creating test data

// MakeADOWorkItem creates a test work item with a type and title.
func MakeADOWorkItem(id int, workItemType, title string) azuredevops.WorkItem {
	return azuredevops.WorkItem{
		ID:  id,
		Rev: 1,
		Fields: map[string]any{
			azuredevops.FieldWorkItemType:  workItemType,
			azuredevops.FieldTitle:         title,
			azuredevops.FieldAreaPath:      "testproj",
			azuredevops.FieldIterationPath: "testproj\\Sprint 1",
		},
	}
}

// WithMarker sets the marker field to the source id, stored as a string.
func WithMarker(wi azuredevops.WorkItem, field string, sourceID int) azuredevops.WorkItem {
	wi.Fields[field] = strconv.Itoa(sourceID)
	return wi
}

// WithRelation appends a relation of kind rel pointing at url.
func WithRelation(wi azuredevops.WorkItem, rel, url string) azuredevops.WorkItem {
	wi.Relations = append(wi.Relations, azuredevops.WorkItemRelation{Rel: rel, URL: url})
	return wi
}

// RelationURL is a relation url as the service renders it.
func RelationURL(org string, id int) string {
	return fmt.Sprintf("%s/_apis/wit/workItems/%d", strings.TrimSuffix(org, "/"), id)
}

func trailingID(p string) (int, bool) {
	idx := strings.LastIndex(p, "/")
	id, err := strconv.Atoi(p[idx+1:])
	return id, err == nil
}

func cloneWorkItem(wi *azuredevops.WorkItem) azuredevops.WorkItem {
	out := *wi
	out.Fields = make(map[string]any, len(wi.Fields))
	for k, v := range wi.Fields {
		out.Fields[k] = v
	}
	out.Relations = append([]azuredevops.WorkItemRelation(nil), wi.Relations...)
	return out
}

func withBody(r *http.Request, body []byte) *http.Request {
	r2 := r.Clone(r.Context())
	r2.Body = io.NopCloser(bytes.NewReader(body))
	return r2
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
