package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const latencyEWMAAlpha = 0.3

// RawStore is the persistence contract the Registry needs: atomic swap-in of
// the two raw tables plus load/save of the derived unified table. Satisfied
// directly by store.Store.
type RawStore interface {
	SaveRawBaseModels(ctx context.Context, models []RawBaseModel) error
	SaveRawEndpoints(ctx context.Context, baseModelID string, endpoints []RawEndpoint) error
	LoadRawBaseModels(ctx context.Context) ([]RawBaseModel, error)
	LoadRawEndpoints(ctx context.Context) (map[string][]RawEndpoint, error)
	SaveUnifiedModels(ctx context.Context, models []UnifiedModel) error
	LoadUnifiedModels(ctx context.Context) ([]UnifiedModel, error)
}

// Fetcher is the upstream dual-fetch contract: one catalog call plus one
// endpoints call per base model. HTTPFetcher (fetch.go) is the concrete
// implementation: plain GET requests against the provider gateway's
// models/endpoints routes (spec.md §6).
type Fetcher interface {
	FetchBaseModels(ctx context.Context) ([]RawBaseModel, error)
	FetchEndpoints(ctx context.Context, baseModelID string) ([]RawEndpoint, error)
}

// NowFunc returns the current unix-millis time; overridable in tests.
type NowFunc func() int64

// Registry holds the dual raw tables and the derived unified view in memory,
// backed by a RawStore for durability across restarts.
type Registry struct {
	mu sync.RWMutex

	store   RawStore
	fetcher Fetcher
	now     NowFunc

	baseModels []RawBaseModel
	endpoints  map[string][]RawEndpoint // base_model_id -> endpoints
	unified    map[string]UnifiedModel  // unified_id -> model

	oldBaseModels []RawBaseModel
	oldEndpoints  map[string][]RawEndpoint
}

// New constructs a Registry. Call Load to populate it from the store before
// first use, or Refresh to fetch fresh data from the upstream Fetcher.
func New(store RawStore, fetcher Fetcher, now NowFunc) *Registry {
	if now == nil {
		now = func() int64 { return 0 }
	}
	return &Registry{
		store:     store,
		fetcher:   fetcher,
		now:       now,
		endpoints: make(map[string][]RawEndpoint),
		unified:   make(map[string]UnifiedModel),
	}
}

// Load populates the Registry from the store's last-persisted raw tables and
// re-derives the unified view, without hitting the upstream Fetcher.
func (r *Registry) Load(ctx context.Context) error {
	base, err := r.store.LoadRawBaseModels(ctx)
	if err != nil {
		return fmt.Errorf("registry: load base models: %w", err)
	}
	eps, err := r.store.LoadRawEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("registry: load endpoints: %w", err)
	}
	r.swapIn(base, eps)
	return nil
}

// Refresh performs the dual fetch (catalog, then per-base-model endpoints),
// rewrites both raw tables atomically (swap-in, keeping the prior snapshot as
// _old for Diff), re-derives every UnifiedModel, and persists the result.
// Existing latency_ms EWMA values are preserved across refresh since latency
// is a property of completed runs, not of the catalog.
func (r *Registry) Refresh(ctx context.Context) error {
	base, err := r.fetcher.FetchBaseModels(ctx)
	if err != nil {
		return fmt.Errorf("registry: fetch base models: %w", err)
	}

	eps := make(map[string][]RawEndpoint, len(base))
	for _, bm := range base {
		list, err := r.fetcher.FetchEndpoints(ctx, bm.ID)
		if err != nil {
			return fmt.Errorf("registry: fetch endpoints for %s: %w", bm.ID, err)
		}
		eps[bm.ID] = list
	}

	if err := r.store.SaveRawBaseModels(ctx, base); err != nil {
		return fmt.Errorf("registry: persist base models: %w", err)
	}
	for id, list := range eps {
		if err := r.store.SaveRawEndpoints(ctx, id, list); err != nil {
			return fmt.Errorf("registry: persist endpoints for %s: %w", id, err)
		}
	}

	r.swapIn(base, eps)

	r.mu.RLock()
	snapshot := r.unifiedSlice()
	r.mu.RUnlock()
	if err := r.store.SaveUnifiedModels(ctx, snapshot); err != nil {
		return fmt.Errorf("registry: persist unified models: %w", err)
	}
	return nil
}

// swapIn atomically replaces the raw tables (retaining the previous snapshot
// as _old) and re-derives the unified view, preserving any latency samples
// already recorded against surviving unified_ids.
func (r *Registry) swapIn(base []RawBaseModel, eps map[string][]RawEndpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.oldBaseModels = r.baseModels
	r.oldEndpoints = r.endpoints

	r.baseModels = base
	r.endpoints = eps

	byID := make(map[string]RawBaseModel, len(base))
	for _, bm := range base {
		byID[bm.ID] = bm
	}

	now := r.now()
	next := make(map[string]UnifiedModel)
	for baseID, list := range eps {
		bm, ok := byID[baseID]
		if !ok {
			continue
		}
		for _, ep := range list {
			um := Merge(bm, ep, now)
			if prior, ok := r.unified[um.UnifiedID]; ok {
				um.LatencyMS = prior.LatencyMS
				um.LatencyLiveMS = prior.LatencyLiveMS
				um.LatencyLiveAt = prior.LatencyLiveAt
				um.CreatedAt = prior.CreatedAt
			}
			next[um.UnifiedID] = um
		}
	}
	r.unified = next
}

func (r *Registry) unifiedSlice() []UnifiedModel {
	out := make([]UnifiedModel, 0, len(r.unified))
	for _, um := range r.unified {
		out = append(out, um)
	}
	sortUnified(out)
	return out
}

// sortUnified applies the stable ordering of spec.md §4.2:
// (developer_id, base_model_name, variant_name, hosting_provider_id).
func sortUnified(models []UnifiedModel) {
	sort.Slice(models, func(i, j int) bool {
		a, b := models[i], models[j]
		if a.DeveloperID != b.DeveloperID {
			return a.DeveloperID < b.DeveloperID
		}
		if a.BaseModelName != b.BaseModelName {
			return a.BaseModelName < b.BaseModelName
		}
		if a.VariantName != b.VariantName {
			return a.VariantName < b.VariantName
		}
		return a.HostingProviderID < b.HostingProviderID
	})
}

// ListBaseModels returns unified models whose print name or description
// matches filter.Query (case-insensitive substring, empty matches all),
// capped at filter.Limit when positive.
func (r *Registry) ListBaseModels(filter ListFilter) []UnifiedModel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.unifiedSlice()
	if filter.Query == "" {
		return limitModels(all, filter.Limit)
	}
	out := make([]UnifiedModel, 0, len(all))
	for _, um := range all {
		if containsFold(um.PrintNamePart1, filter.Query) || containsFold(um.RawBaseModelSnapshot.Description, filter.Query) {
			out = append(out, um)
		}
	}
	return limitModels(out, filter.Limit)
}

func limitModels(models []UnifiedModel, limit int) []UnifiedModel {
	if limit > 0 && len(models) > limit {
		return models[:limit]
	}
	return models
}

// ListVariants returns every UnifiedModel derived from the given base model
// id, stable-ordered.
func (r *Registry) ListVariants(baseModelID string) []UnifiedModel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]UnifiedModel, 0)
	for _, um := range r.unified {
		if um.BaseModelID == baseModelID {
			out = append(out, um)
		}
	}
	sortUnified(out)
	return out
}

// Get returns the UnifiedModel with the given unified_id, or false if absent.
func (r *Registry) Get(unifiedID string) (UnifiedModel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	um, ok := r.unified[unifiedID]
	return um, ok
}

// RecordRunLatency folds a completed council run's observed latency into the
// model's latency_ms EWMA (alpha ~= 0.3), per spec.md §4.2.
func (r *Registry) RecordRunLatency(unifiedID string, observedMS float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	um, ok := r.unified[unifiedID]
	if !ok {
		return
	}
	if um.LatencyMS == nil {
		v := observedMS
		um.LatencyMS = &v
	} else {
		v := latencyEWMAAlpha*observedMS + (1-latencyEWMAAlpha)*(*um.LatencyMS)
		um.LatencyMS = &v
	}
	um.UpdatedAt = r.now()
	r.unified[unifiedID] = um
}

// RecordLiveProbe overwrites the one-shot latency_live_ms/latency_live_at
// fields from a health probe (internal/health), wholesale.
func (r *Registry) RecordLiveProbe(unifiedID string, latencyMS float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	um, ok := r.unified[unifiedID]
	if !ok {
		return
	}
	v := latencyMS
	at := r.now()
	um.LatencyLiveMS = &v
	um.LatencyLiveAt = &at
	um.UpdatedAt = at
	r.unified[unifiedID] = um
}

// Diff compares the current raw tables against the previous (_old) snapshot
// retained by the last swap-in, returning added and removed endpoint ids.
// ChangedEndpoints is not populated: an endpoint whose fields change under
// the same id appears in neither list.
// This is a read-only comparison of already-held data — the hook an external
// audit viewer reads through.
type Diff struct {
	AddedEndpoints   []string
	RemovedEndpoints []string
	ChangedEndpoints []string
}

func (r *Registry) Diff() Diff {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prevKeys := endpointKeySet(r.oldBaseModels, r.oldEndpoints)
	currKeys := endpointKeySet(r.baseModels, r.endpoints)

	var d Diff
	for k := range currKeys {
		if _, ok := prevKeys[k]; !ok {
			d.AddedEndpoints = append(d.AddedEndpoints, k)
		}
	}
	for k := range prevKeys {
		if _, ok := currKeys[k]; !ok {
			d.RemovedEndpoints = append(d.RemovedEndpoints, k)
		}
	}
	sort.Strings(d.AddedEndpoints)
	sort.Strings(d.RemovedEndpoints)
	return d
}

func endpointKeySet(base []RawBaseModel, eps map[string][]RawEndpoint) map[string]struct{} {
	set := make(map[string]struct{})
	for _, bm := range base {
		for _, ep := range eps[bm.ID] {
			set[bm.ID+":"+normalizeProviderName(ep.ProviderShortName)] = struct{}{}
		}
	}
	return set
}

func containsFold(s, substr string) bool {
	return substr == "" || strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
