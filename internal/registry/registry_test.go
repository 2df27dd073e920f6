package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory RawStore double for registry tests.
type fakeStore struct {
	base     []RawBaseModel
	eps      map[string][]RawEndpoint
	unified  []UnifiedModel
}

func newFakeStore() *fakeStore {
	return &fakeStore{eps: make(map[string][]RawEndpoint)}
}

func (f *fakeStore) SaveRawBaseModels(_ context.Context, models []RawBaseModel) error {
	f.base = models
	return nil
}

func (f *fakeStore) SaveRawEndpoints(_ context.Context, baseModelID string, endpoints []RawEndpoint) error {
	f.eps[baseModelID] = endpoints
	return nil
}

func (f *fakeStore) LoadRawBaseModels(_ context.Context) ([]RawBaseModel, error) { return f.base, nil }

func (f *fakeStore) LoadRawEndpoints(_ context.Context) (map[string][]RawEndpoint, error) {
	return f.eps, nil
}

func (f *fakeStore) SaveUnifiedModels(_ context.Context, models []UnifiedModel) error {
	f.unified = models
	return nil
}

func (f *fakeStore) LoadUnifiedModels(_ context.Context) ([]UnifiedModel, error) { return f.unified, nil }

// fakeFetcher is a scripted Fetcher double.
type fakeFetcher struct {
	base []RawBaseModel
	eps  map[string][]RawEndpoint
}

func (f *fakeFetcher) FetchBaseModels(_ context.Context) ([]RawBaseModel, error) { return f.base, nil }

func (f *fakeFetcher) FetchEndpoints(_ context.Context, baseModelID string) ([]RawEndpoint, error) {
	return f.eps[baseModelID], nil
}

func fixedNow() int64 { return 1700000000000 }

func TestRefresh_SwapInAndStableOrdering(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{
		base: []RawBaseModel{
			{ID: "openai/gpt-5", HumanName: "GPT-5"},
			{ID: "anthropic/claude", HumanName: "Claude"},
		},
		eps: map[string][]RawEndpoint{
			"openai/gpt-5":     {{BaseModelID: "openai/gpt-5", ProviderShortName: "OpenAI"}},
			"anthropic/claude": {{BaseModelID: "anthropic/claude", ProviderShortName: "Anthropic"}},
		},
	}
	r := New(store, fetcher, fixedNow)

	require.NoError(t, r.Refresh(context.Background()))

	models := r.ListBaseModels(ListFilter{})
	require.Len(t, models, 2)
	// anthropic sorts before openai by developer_id.
	assert.Equal(t, "anthropic", models[0].DeveloperID)
	assert.Equal(t, "openai", models[1].DeveloperID)
}

func TestRefresh_Idempotent(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{
		base: []RawBaseModel{{ID: "a/b", HumanName: "B", DefaultContextTokens: 4096}},
		eps:  map[string][]RawEndpoint{"a/b": {{BaseModelID: "a/b", ProviderShortName: "P", PricingInUSD: 0.001}}},
	}
	r := New(store, fetcher, fixedNow)

	require.NoError(t, r.Refresh(context.Background()))
	first := store.unified

	require.NoError(t, r.Refresh(context.Background()))
	second := store.unified

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].UnifiedID, second[0].UnifiedID)
	assert.Equal(t, first[0].Cost, second[0].Cost)
	assert.Equal(t, first[0].Technical, second[0].Technical)
}

func TestRefresh_PreservesLatencyAcrossSwap(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{
		base: []RawBaseModel{{ID: "a/b", HumanName: "B"}},
		eps:  map[string][]RawEndpoint{"a/b": {{BaseModelID: "a/b", ProviderShortName: "P"}}},
	}
	r := New(store, fetcher, fixedNow)
	require.NoError(t, r.Refresh(context.Background()))

	um, ok := r.Get("a/b:p")
	require.True(t, ok)
	r.RecordRunLatency(um.UnifiedID, 250)

	require.NoError(t, r.Refresh(context.Background()))

	after, ok := r.Get("a/b:p")
	require.True(t, ok)
	require.NotNil(t, after.LatencyMS)
	assert.InDelta(t, 250, *after.LatencyMS, 1e-9)
}

func TestRecordRunLatency_EWMA(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{
		base: []RawBaseModel{{ID: "a/b"}},
		eps:  map[string][]RawEndpoint{"a/b": {{BaseModelID: "a/b", ProviderShortName: "p"}}},
	}
	r := New(store, fetcher, fixedNow)
	require.NoError(t, r.Refresh(context.Background()))

	r.RecordRunLatency("a/b:p", 100)
	um, _ := r.Get("a/b:p")
	assert.InDelta(t, 100, *um.LatencyMS, 1e-9)

	r.RecordRunLatency("a/b:p", 200)
	um, _ = r.Get("a/b:p")
	// alpha=0.3: 0.3*200 + 0.7*100 = 130
	assert.InDelta(t, 130, *um.LatencyMS, 1e-6)
}

func TestRecordLiveProbe_Overwrites(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{
		base: []RawBaseModel{{ID: "a/b"}},
		eps:  map[string][]RawEndpoint{"a/b": {{BaseModelID: "a/b", ProviderShortName: "p"}}},
	}
	r := New(store, fetcher, fixedNow)
	require.NoError(t, r.Refresh(context.Background()))

	r.RecordLiveProbe("a/b:p", 42)
	um, _ := r.Get("a/b:p")
	require.NotNil(t, um.LatencyLiveMS)
	assert.InDelta(t, 42, *um.LatencyLiveMS, 1e-9)

	r.RecordLiveProbe("a/b:p", 99)
	um, _ = r.Get("a/b:p")
	assert.InDelta(t, 99, *um.LatencyLiveMS, 1e-9)
}

func TestDiff_AddedAndRemovedEndpoints(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{
		base: []RawBaseModel{{ID: "a/b"}},
		eps:  map[string][]RawEndpoint{"a/b": {{BaseModelID: "a/b", ProviderShortName: "p1"}}},
	}
	r := New(store, fetcher, fixedNow)
	require.NoError(t, r.Refresh(context.Background()))

	fetcher.eps["a/b"] = []RawEndpoint{{BaseModelID: "a/b", ProviderShortName: "p2"}}
	require.NoError(t, r.Refresh(context.Background()))

	d := r.Diff()
	assert.Contains(t, d.AddedEndpoints, "a/b:p2")
	assert.Contains(t, d.RemovedEndpoints, "a/b:p1")
}

func TestListVariants(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{
		base: []RawBaseModel{{ID: "a/b"}},
		eps: map[string][]RawEndpoint{
			"a/b": {
				{BaseModelID: "a/b", ProviderShortName: "p1"},
				{BaseModelID: "a/b", ProviderShortName: "p2"},
			},
		},
	}
	r := New(store, fetcher, fixedNow)
	require.NoError(t, r.Refresh(context.Background()))

	variants := r.ListVariants("a/b")
	require.Len(t, variants, 2)
}

func TestListBaseModels_QueryFilter(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{
		base: []RawBaseModel{
			{ID: "a/b", HumanName: "Zephyr"},
			{ID: "a/c", HumanName: "Other"},
		},
		eps: map[string][]RawEndpoint{
			"a/b": {{BaseModelID: "a/b", ProviderShortName: "p"}},
			"a/c": {{BaseModelID: "a/c", ProviderShortName: "p"}},
		},
	}
	r := New(store, fetcher, fixedNow)
	require.NoError(t, r.Refresh(context.Background()))

	matches := r.ListBaseModels(ListFilter{Query: "zeph"})
	require.Len(t, matches, 1)
	assert.Equal(t, "a/b", matches[0].BaseModelID)
}
