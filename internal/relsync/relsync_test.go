package relsync_test

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adomigrate/adomigrate/internal/relsync"
	"github.com/adomigrate/adomigrate/internal/tracker/azuredevops"
	"github.com/adomigrate/adomigrate/internal/tracker/testutil"
)

const marker = relsync.DefaultMarkerField

type fixture struct {
	source *testutil.AzureDevOpsMockServer
	target *testutil.AzureDevOpsMockServer
	syncer *relsync.Syncer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	src := testutil.NewAzureDevOpsMockServer("srcproj")
	tgt := testutil.NewAzureDevOpsMockServer("tgtproj")
	t.Cleanup(src.Close)
	t.Cleanup(tgt.Close)

	syncer := relsync.NewSyncer(
		azuredevops.NewClient(src.Connection("src-pat"), nil),
		azuredevops.NewClient(tgt.Connection("tgt-pat"), nil),
		marker, nil,
	)
	return &fixture{source: src, target: tgt, syncer: syncer}
}

// seedScenario builds: source 100 --related--> source 200 (Bug); target 900 is
// the bundle copy of 100, target 950 the copy of 200.
func (f *fixture) seedScenario(withTargetCopy bool) {
	wb := testutil.MakeADOWorkItem(100, "Work Bundle", "source bundle")
	wb = testutil.WithRelation(wb, azuredevops.RelRelated, testutil.RelationURL(f.source.URL(), 200))
	f.source.AddWorkItem(wb)
	f.source.AddWorkItem(testutil.MakeADOWorkItem(200, "Bug", "source bug"))

	f.target.AddWorkItem(testutil.WithMarker(testutil.MakeADOWorkItem(900, "Work Bundle", "bundle copy"), marker, 100))
	if withTargetCopy {
		f.target.AddWorkItem(testutil.WithMarker(testutil.MakeADOWorkItem(950, "Bug", "bug copy"), marker, 200))
	}
}

func (f *fixture) patches() []testutil.RecordedRequest {
	return f.target.RequestsMatching(http.MethodPatch, "/_apis/wit/workitems/")
}

func TestRun_LinksResolvedRelation(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(true)

	var seen []relsync.Link
	f.syncer.OnLink = func(l relsync.Link, dryRun bool) {
		assert.False(t, dryRun)
		seen = append(seen, l)
	}

	res, err := f.syncer.Run(context.Background(), relsync.Options{AllowList: relsync.NewAllowList("bug")})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Stats.Linked)
	require.Len(t, res.Links, 1)
	assert.Equal(t, relsync.Link{BundleID: 900, SourceBundleID: 100, SourceID: 200, TargetID: 950, Type: "bug"}, res.Links[0])
	assert.Equal(t, res.Links, seen)

	patches := f.patches()
	require.Len(t, patches, 1)
	assert.True(t, strings.HasSuffix(strings.ToLower(patches[0].Path), "/workitems/900"))

	bundle, ok := f.target.WorkItem(900)
	require.True(t, ok)
	require.Len(t, bundle.Relations, 1)
	assert.Equal(t, azuredevops.RelRelated, bundle.Relations[0].Rel)
	assert.True(t, strings.HasSuffix(bundle.Relations[0].URL, "/_apis/wit/workItems/950"))
}

func TestRun_EmptyAllowList(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(true)

	res, err := f.syncer.Run(context.Background(), relsync.Options{AllowList: relsync.NewAllowList()})
	require.NoError(t, err)

	assert.Equal(t, 0, res.Stats.Linked)
	assert.Equal(t, 1, res.Stats.NotAllowed)
	assert.Empty(t, f.patches())
}

func TestRun_MissingTargetCopy(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(false)

	res, err := f.syncer.Run(context.Background(), relsync.Options{AllowList: relsync.NewAllowList("bug")})
	require.NoError(t, err)

	assert.Equal(t, 0, res.Stats.Linked)
	assert.Equal(t, 1, res.Stats.Unresolved)
	assert.Empty(t, f.patches())
}

func TestRun_DryRun(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(true)

	res, err := f.syncer.Run(context.Background(), relsync.Options{
		AllowList: relsync.NewAllowList("bug"),
		DryRun:    true,
	})
	require.NoError(t, err)

	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.Stats.Linked)
	assert.Empty(t, f.patches())
}

func TestRun_SkipExisting(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(true)
	opts := relsync.Options{AllowList: relsync.NewAllowList("bug"), SkipExisting: true}

	first, err := f.syncer.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Stats.Linked)

	second, err := f.syncer.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Stats.Linked)
	assert.Equal(t, 1, second.Stats.AlreadyLinked)

	bundle, _ := f.target.WorkItem(900)
	assert.Len(t, bundle.Relations, 1)
}

func TestRun_WithoutSkipExistingDuplicates(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(true)
	opts := relsync.Options{AllowList: relsync.NewAllowList("bug")}

	for i := 0; i < 2; i++ {
		_, err := f.syncer.Run(context.Background(), opts)
		require.NoError(t, err)
	}

	bundle, _ := f.target.WorkItem(900)
	assert.Len(t, bundle.Relations, 2)
}

func TestRun_SkipsBundleWithoutMarker(t *testing.T) {
	f := newFixture(t)
	f.target.AddWorkItem(testutil.MakeADOWorkItem(901, "Work Bundle", "no marker"))
	nonNumeric := testutil.MakeADOWorkItem(902, "Work Bundle", "bad marker")
	nonNumeric.Fields[marker] = "abc"
	f.target.AddWorkItem(nonNumeric)

	res, err := f.syncer.Run(context.Background(), relsync.Options{AllowList: relsync.NewAllowList("bug")})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Stats.Bundles)
	assert.Equal(t, 2, res.Stats.NoMarker)
	assert.Empty(t, f.source.GetRequests())
}

func TestRun_MaxLimitsBundles(t *testing.T) {
	f := newFixture(t)
	for id := 901; id <= 903; id++ {
		f.target.AddWorkItem(testutil.MakeADOWorkItem(id, "Work Bundle", "no marker"))
	}

	res, err := f.syncer.Run(context.Background(), relsync.Options{AllowList: relsync.NewAllowList("bug"), Max: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.Bundles)

	queries := f.target.Queries()
	require.NotEmpty(t, queries)
	assert.Contains(t, queries[0], "ORDER BY [System.Id]")
	assert.Contains(t, queries[0], "[System.WorkItemType] = 'Work Bundle'")
}

func TestRun_ChangedSinceBoundsBundleQuery(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(true)

	since := time.Date(2025, 3, 1, 15, 4, 0, 0, time.UTC)
	res, err := f.syncer.Run(context.Background(), relsync.Options{
		AllowList:    relsync.NewAllowList("bug"),
		DryRun:       true,
		ChangedSince: since,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.Linked)

	queries := f.target.Queries()
	require.NotEmpty(t, queries)
	assert.Contains(t, queries[0], "AND [System.ChangedDate] >= '2025-03-01'")
	assert.NotContains(t, f.syncer.BundleQuery("Work Bundle", time.Time{}), "ChangedDate")
}

func TestRun_ConcurrentLookupsKeepOrder(t *testing.T) {
	f := newFixture(t)

	wb := testutil.MakeADOWorkItem(100, "Work Bundle", "source bundle")
	for id := 201; id <= 208; id++ {
		wb = testutil.WithRelation(wb, "System.LinkTypes.Related", testutil.RelationURL(f.source.URL(), id))
		f.source.AddWorkItem(testutil.MakeADOWorkItem(id, "Incident", "src"))
		f.target.AddWorkItem(testutil.WithMarker(testutil.MakeADOWorkItem(id+750, "Incident", "copy"), marker, id))
	}
	f.source.AddWorkItem(wb)
	f.target.AddWorkItem(testutil.WithMarker(testutil.MakeADOWorkItem(900, "Work Bundle", "bundle copy"), marker, 100))

	var mu sync.Mutex
	var order []int
	f.syncer.OnLink = func(l relsync.Link, _ bool) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, l.TargetID)
	}

	res, err := f.syncer.Run(context.Background(), relsync.Options{
		AllowList:   relsync.NewAllowList("incident"),
		Concurrency: 4,
	})
	require.NoError(t, err)

	assert.Equal(t, []int{951, 952, 953, 954, 955, 956, 957, 958}, order)
	assert.Equal(t, 8, res.Stats.Linked)

	bundle, _ := f.target.WorkItem(900)
	require.Len(t, bundle.Relations, 8)
	for i, rel := range bundle.Relations {
		id, err := azuredevops.ParseWorkItemID(rel.URL)
		require.NoError(t, err)
		assert.Equal(t, 951+i, id)
	}
}

func TestRun_TerminalFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(true)
	f.source.SetAuthError(true)

	res, err := f.syncer.Run(context.Background(), relsync.Options{AllowList: relsync.NewAllowList("bug")})
	require.Error(t, err)
	assert.Equal(t, azuredevops.KindTerminal, azuredevops.KindOf(err))
	assert.Equal(t, 0, res.Stats.Linked)
}

// seedTwoBugs builds source bundle 100 related to bugs 201 and 202, with
// target copies 951 and 952 and bundle copy 900.
func (f *fixture) seedTwoBugs() {
	wb := testutil.MakeADOWorkItem(100, "Work Bundle", "source bundle")
	for _, id := range []int{201, 202} {
		wb = testutil.WithRelation(wb, azuredevops.RelRelated, testutil.RelationURL(f.source.URL(), id))
		f.source.AddWorkItem(testutil.MakeADOWorkItem(id, "Bug", "src"))
		f.target.AddWorkItem(testutil.WithMarker(testutil.MakeADOWorkItem(id+750, "Bug", "copy"), marker, id))
	}
	f.source.AddWorkItem(wb)
	f.target.AddWorkItem(testutil.WithMarker(testutil.MakeADOWorkItem(900, "Work Bundle", "bundle copy"), marker, 100))
}

// targetCalls names each target request: WIQL, GET or PATCH.
func (f *fixture) targetCalls() []string {
	var calls []string
	for _, r := range f.target.GetRequests() {
		if strings.HasSuffix(strings.ToLower(r.Path), "/_apis/wit/wiql") {
			calls = append(calls, "WIQL")
			continue
		}
		calls = append(calls, r.Method)
	}
	return calls
}

func TestRun_ResolvesAndLinksInTurn(t *testing.T) {
	f := newFixture(t)
	f.seedTwoBugs()

	res, err := f.syncer.Run(context.Background(), relsync.Options{AllowList: relsync.NewAllowList("bug")})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.Linked)

	assert.Equal(t, []string{"WIQL", "GET", "WIQL", "PATCH", "WIQL", "PATCH"}, f.targetCalls())
}

func TestRun_TerminalLookupKeepsEarlierEdges(t *testing.T) {
	f := newFixture(t)
	f.seedTwoBugs()
	f.target.FailWIQL("= '202'", http.StatusUnauthorized)

	res, err := f.syncer.Run(context.Background(), relsync.Options{AllowList: relsync.NewAllowList("bug")})
	require.Error(t, err)
	assert.Equal(t, azuredevops.KindTerminal, azuredevops.KindOf(err))
	assert.Equal(t, 1, res.Stats.Linked)

	bundle, ok := f.target.WorkItem(900)
	require.True(t, ok)
	require.Len(t, bundle.Relations, 1)
	id, err := azuredevops.ParseWorkItemID(bundle.Relations[0].URL)
	require.NoError(t, err)
	assert.Equal(t, 951, id)
}

func TestRun_ConcurrentLookupFailureKeepsPrefix(t *testing.T) {
	f := newFixture(t)

	wb := testutil.MakeADOWorkItem(100, "Work Bundle", "source bundle")
	for id := 201; id <= 208; id++ {
		wb = testutil.WithRelation(wb, azuredevops.RelRelated, testutil.RelationURL(f.source.URL(), id))
		f.source.AddWorkItem(testutil.MakeADOWorkItem(id, "Incident", "src"))
		f.target.AddWorkItem(testutil.WithMarker(testutil.MakeADOWorkItem(id+750, "Incident", "copy"), marker, id))
	}
	f.source.AddWorkItem(wb)
	f.target.AddWorkItem(testutil.WithMarker(testutil.MakeADOWorkItem(900, "Work Bundle", "bundle copy"), marker, 100))
	f.target.FailWIQL("= '205'", http.StatusForbidden)

	res, err := f.syncer.Run(context.Background(), relsync.Options{
		AllowList:   relsync.NewAllowList("incident"),
		Concurrency: 4,
	})
	require.Error(t, err)
	assert.Equal(t, azuredevops.KindTerminal, azuredevops.KindOf(err))
	assert.Equal(t, 4, res.Stats.Linked)

	bundle, _ := f.target.WorkItem(900)
	require.Len(t, bundle.Relations, 4)
	for i, rel := range bundle.Relations {
		id, err := azuredevops.ParseWorkItemID(rel.URL)
		require.NoError(t, err)
		assert.Equal(t, 951+i, id)
	}
}

func TestFilterRelated(t *testing.T) {
	rels := []azuredevops.WorkItemRelation{
		{Rel: "System.LinkTypes.Related", URL: "https://x/_apis/wit/workItems/1"},
		{Rel: "System.LinkTypes.Hierarchy-Forward", URL: "https://x/_apis/wit/workItems/2"},
		{Rel: "Foo.related", URL: "https://x/_apis/wit/workItems/3"},
		{Rel: "System.LinkTypes.Related", URL: "https://x/_apis/wit/workItems/not-a-number"},
		{Rel: "System.LinkTypes.Related", URL: "https://x/_apis/wit/workItems/1"},
	}

	assert.Equal(t, []int{1, 3, 1}, relsync.FilterRelated(rels, nil))
	assert.Empty(t, relsync.FilterRelated(nil, nil))
}

func TestIdentityResolver(t *testing.T) {
	tgt := testutil.NewAzureDevOpsMockServer("tgtproj")
	defer tgt.Close()
	r := relsync.NewIdentityResolver(azuredevops.NewClient(tgt.Connection("pat"), nil), "", nil)

	_, err := r.Resolve(context.Background(), 200)
	assert.ErrorIs(t, err, azuredevops.ErrNotFound)
	assert.Equal(t, azuredevops.KindNotFound, azuredevops.KindOf(err))

	tgt.SetWIQLHandler(func(string) []int { return []int{7, 3} })
	id, err := r.Resolve(context.Background(), 200)
	require.NoError(t, err)
	assert.Equal(t, 7, id)

	q := tgt.Queries()[1]
	assert.Contains(t, q, "[Custom.ReflectedWorkItemId] = '200'")
	assert.Contains(t, q, "[System.TeamProject] = 'tgtproj'")
	assert.Contains(t, q, "ORDER BY [System.Id]")
}

func TestQuoteWIQL(t *testing.T) {
	assert.Equal(t, "'O''Brien'", relsync.QuoteWIQL("O'Brien"))
	assert.Equal(t, "''", relsync.QuoteWIQL(""))
}

func TestTypeClassifier(t *testing.T) {
	src := testutil.NewAzureDevOpsMockServer("srcproj")
	defer src.Close()
	src.AddWorkItem(testutil.MakeADOWorkItem(1, " Bug ", "a"))
	untyped := testutil.MakeADOWorkItem(2, "", "b")
	delete(untyped.Fields, azuredevops.FieldWorkItemType)
	src.AddWorkItem(untyped)

	c := relsync.NewTypeClassifier(azuredevops.NewClient(src.Connection("pat"), nil))

	empty, err := c.Classify(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Zero(t, src.GetRequestCount())

	types, err := c.Classify(context.Background(), []int{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: "Bug", 2: ""}, types)
}

func TestAllowList(t *testing.T) {
	al := relsync.NewAllowList(" Bug", "INCIDENT", "")
	assert.True(t, al.Allows("bug"))
	assert.True(t, al.Allows("Incident "))
	assert.False(t, al.Allows(""))
	assert.False(t, al.Allows("task"))
	assert.Equal(t, []string{"bug", "incident"}, al.Types())
	assert.False(t, relsync.AllowList{}.Allows("bug"))
}
