package migrate_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adomigrate/adomigrate/internal/migrate"
	"github.com/adomigrate/adomigrate/internal/relsync"
	"github.com/adomigrate/adomigrate/internal/tracker/azuredevops"
	"github.com/adomigrate/adomigrate/internal/tracker/testutil"
)

func newPair(t *testing.T) (*testutil.AzureDevOpsMockServer, *testutil.AzureDevOpsMockServer, *migrate.Copier) {
	t.Helper()
	src := testutil.NewAzureDevOpsMockServer("srcproj")
	tgt := testutil.NewAzureDevOpsMockServer("tgtproj")
	t.Cleanup(src.Close)
	t.Cleanup(tgt.Close)
	c := migrate.NewCopier(
		azuredevops.NewClient(src.Connection("s"), nil),
		azuredevops.NewClient(tgt.Connection("t"), nil),
		nil,
	)
	return src, tgt, c
}

func TestCopy_CreatesItemWithMarker(t *testing.T) {
	src, tgt, c := newPair(t)
	wi := testutil.MakeADOWorkItem(42, "Epic", "Quarterly goals")
	wi.Fields[azuredevops.FieldDescription] = "<p>desc</p>"
	src.AddWorkItem(wi)

	res, err := c.Copy(context.Background(), migrate.CopyOptions{SourceID: 42, Area: "tgtproj\\Team A"})
	require.NoError(t, err)

	assert.Equal(t, "Epic", res.TargetType)
	require.NotZero(t, res.TargetID)

	created, ok := tgt.WorkItem(res.TargetID)
	require.True(t, ok)
	assert.Equal(t, "Epic", created.Type())
	assert.Equal(t, "Quarterly goals", created.Fields[azuredevops.FieldTitle])
	assert.Equal(t, "<p>desc</p>", created.Fields[azuredevops.FieldDescription])
	assert.Equal(t, "", created.Fields[azuredevops.FieldTags])
	assert.Equal(t, "42", created.Fields[relsync.DefaultMarkerField])
	assert.Equal(t, "tgtproj\\Team A", created.Fields[azuredevops.FieldAreaPath])
	assert.Equal(t, "tgtproj", created.Fields[azuredevops.FieldIterationPath])
}

func TestCopy_DefaultTitle(t *testing.T) {
	src, _, c := newPair(t)
	wi := testutil.MakeADOWorkItem(7, "Epic", "")
	delete(wi.Fields, azuredevops.FieldTitle)
	src.AddWorkItem(wi)

	res, err := c.Copy(context.Background(), migrate.CopyOptions{SourceID: 7, DryRun: true})
	require.NoError(t, err)
	require.NotEmpty(t, res.Fields)
	assert.Equal(t, migrate.Field{Name: azuredevops.FieldTitle, Value: "Migrated 7"}, res.Fields[0])
}

func TestCopy_DryRunWritesNothing(t *testing.T) {
	src, tgt, c := newPair(t)
	src.AddWorkItem(testutil.MakeADOWorkItem(42, "Epic", "t"))

	res, err := c.Copy(context.Background(), migrate.CopyOptions{SourceID: 42, DryRun: true, TargetType: "Feature"})
	require.NoError(t, err)

	assert.True(t, res.DryRun)
	assert.Zero(t, res.TargetID)
	assert.Len(t, res.Fields, 6)
	assert.Zero(t, tgt.GetRequestCount())
}

func TestCopy_SkipIfExists(t *testing.T) {
	src, tgt, c := newPair(t)
	src.AddWorkItem(testutil.MakeADOWorkItem(42, "Epic", "t"))
	tgt.AddWorkItem(testutil.WithMarker(testutil.MakeADOWorkItem(500, "Epic", "copy"), relsync.DefaultMarkerField, 42))

	res, err := c.Copy(context.Background(), migrate.CopyOptions{SourceID: 42, SkipIfExists: true})
	require.NoError(t, err)

	assert.True(t, res.Existing)
	assert.Equal(t, 500, res.TargetID)
	assert.Empty(t, tgt.RequestsMatching(http.MethodPatch, "/workitems/"))
	assert.Zero(t, src.GetRequestCount())
}

func TestCopy_Attachments(t *testing.T) {
	src, tgt, c := newPair(t)
	url := src.AddAttachment("a1", []byte("log contents"))
	wi := testutil.MakeADOWorkItem(42, "Epic", "t")
	wi.Relations = []azuredevops.WorkItemRelation{
		{Rel: azuredevops.RelAttachedFile, URL: url, Attributes: map[string]any{"name": "build.log"}},
		{Rel: azuredevops.RelRelated, URL: testutil.RelationURL(src.URL(), 43)},
	}
	src.AddWorkItem(wi)

	res, err := c.Copy(context.Background(), migrate.CopyOptions{SourceID: 42, Attachments: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attachments)

	uploads := tgt.RequestsMatching(http.MethodPost, "/_apis/wit/attachments")
	require.Len(t, uploads, 1)
	assert.Equal(t, "log contents", string(uploads[0].Body))
	assert.Equal(t, azuredevops.ContentTypeOctetStream, uploads[0].Headers.Get("Content-Type"))
	assert.Contains(t, uploads[0].RawQuery, "fileName=build.log")

	created, _ := tgt.WorkItem(res.TargetID)
	require.Len(t, created.Relations, 1)
	assert.Equal(t, azuredevops.RelAttachedFile, created.Relations[0].Rel)
}

func TestCopy_SourceMissing(t *testing.T) {
	_, _, c := newPair(t)

	_, err := c.Copy(context.Background(), migrate.CopyOptions{SourceID: 1})
	require.Error(t, err)
	assert.Equal(t, azuredevops.KindTerminal, azuredevops.KindOf(err))
}

func TestPostComment(t *testing.T) {
	tgt := testutil.NewAzureDevOpsMockServer("tgtproj")
	defer tgt.Close()
	tgt.AddWorkItem(testutil.MakeADOWorkItem(12, "Epic", "t"))
	client := azuredevops.NewClient(tgt.Connection("t"), nil)

	require.NoError(t, migrate.PostComment(context.Background(), client, 12, "hello", false))

	patches := tgt.RequestsMatching(http.MethodPatch, "/workitems/12")
	require.Len(t, patches, 1)
	var ops []azuredevops.PatchOperation
	require.NoError(t, json.Unmarshal(patches[0].Body, &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, "/fields/System.History", ops[0].Path)
	assert.Equal(t, "hello", ops[0].Value)

	require.NoError(t, migrate.PostComment(context.Background(), client, 12, "again", true))
	assert.Equal(t, []string{"hello", "again"}, tgt.Comments(12))

	assert.Error(t, migrate.PostComment(context.Background(), client, 12, "  ", false))
}

func TestCompareTypeFields(t *testing.T) {
	src := testutil.NewAzureDevOpsMockServer("srcproj")
	tgt := testutil.NewAzureDevOpsMockServer("tgtproj")
	defer src.Close()
	defer tgt.Close()

	src.AddWorkItemType(azuredevops.WorkItemType{Name: "Bug", Fields: []azuredevops.WorkItemTypeField{
		{ReferenceName: "System.Title", Name: "Title"},
		{ReferenceName: "Custom.Legacy", Name: "Legacy"},
		{ReferenceName: "", Name: "ignored"},
	}})
	tgt.AddWorkItemType(azuredevops.WorkItemType{Name: "Bug", Fields: []azuredevops.WorkItemTypeField{
		{ReferenceName: "System.Title", Name: "Title"},
		{ReferenceName: "Custom.ReflectedWorkItemId"},
	}})

	diff, err := migrate.CompareTypeFields(context.Background(),
		azuredevops.NewClient(src.Connection("s"), nil),
		azuredevops.NewClient(tgt.Connection("t"), nil),
		"Bug")
	require.NoError(t, err)

	assert.Equal(t, 2, diff.SourceCount)
	assert.Equal(t, 2, diff.TargetCount)
	assert.Equal(t, []string{"System.Title"}, diff.Common)
	assert.Equal(t, []migrate.FieldRef{{ReferenceName: "Custom.Legacy", Name: "Legacy"}}, diff.OnlySource)
	assert.Equal(t, []migrate.FieldRef{{ReferenceName: "Custom.ReflectedWorkItemId", Name: "Custom.ReflectedWorkItemId"}}, diff.OnlyTarget)
}

func TestCompareTypeFields_UnknownType(t *testing.T) {
	src := testutil.NewAzureDevOpsMockServer("srcproj")
	defer src.Close()
	client := azuredevops.NewClient(src.Connection("s"), nil)

	_, err := migrate.CompareTypeFields(context.Background(), client, client, "Nope")
	require.Error(t, err)
}
