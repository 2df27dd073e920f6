package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"council/internal/providers"
	"council/internal/registry"
	"council/internal/store"
)

// ModelSource is the subset of the Unified Model Registry ProbeAll needs to
// resolve a unified model id to its capabilities and hosting provider.
type ModelSource interface {
	Get(unifiedID string) (registry.UnifiedModel, bool)
	RecordLiveProbe(unifiedID string, latencyMS float64)
}

// ClientResolver returns the provider.Client that serves a given
// AccessProviderID, or false if none is configured.
type ClientResolver func(accessProviderID string) (providers.Client, bool)

const defaultProbeConcurrency = 8

// ProbeResult is one model's outcome from a ProbeAll sweep.
type ProbeResult struct {
	UnifiedID string
	OK        bool
	LatencyMS float64
	Err       error
}

// FailListManager runs bounded-concurrency latency probes across the
// registry and turns the result into a newly activated FailList, following
// the same goroutine-plus-WaitGroup fan-out the provider Prober uses.
type FailListManager struct {
	models      ModelSource
	resolve     ClientResolver
	store       store.Store
	concurrency int
}

// NewFailListManager creates a manager. concurrency <= 0 uses the default
// of 8 simultaneous probes.
func NewFailListManager(models ModelSource, resolve ClientResolver, st store.Store, concurrency int) *FailListManager {
	if concurrency <= 0 {
		concurrency = defaultProbeConcurrency
	}
	return &FailListManager{models: models, resolve: resolve, store: st, concurrency: concurrency}
}

// ProbeAll probes every id in modelIDs with bounded concurrency, classifying
// each as ok/failed, then creates a new FailList named after the probe time
// containing every failed id and activates it in one atomic store call
// (deactivating the prior active list). Successful probes feed registry.RecordLiveProbe. Returns
// the per-model results in input order.
func (m *FailListManager) ProbeAll(ctx context.Context, modelIDs []string) ([]ProbeResult, error) {
	results := make([]ProbeResult, len(modelIDs))

	sem := make(chan struct{}, m.concurrency)
	var wg sync.WaitGroup
	for i, id := range modelIDs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = m.probeOne(ctx, id)
		}(i, id)
	}
	wg.Wait()

	failed := make([]string, 0)
	for _, r := range results {
		if !r.OK {
			failed = append(failed, r.UnifiedID)
		}
	}

	now := time.Now().UTC()
	fl := store.FailList{
		ID:             fmt.Sprintf("faillist-%d", now.UnixNano()),
		Name:           "probe-" + now.Format(time.RFC3339),
		FailedModelIDs: failed,
		Active:         false, // ActivateFailList switches it on and the prior list off together
		CreatedAt:      now,
	}
	if err := m.store.CreateFailList(ctx, fl); err != nil {
		return results, fmt.Errorf("create fail list: %w", err)
	}
	if err := m.store.ActivateFailList(ctx, fl.ID); err != nil {
		return results, fmt.Errorf("activate fail list: %w", err)
	}

	return results, nil
}

func (m *FailListManager) probeOne(ctx context.Context, unifiedID string) ProbeResult {
	um, ok := m.models.Get(unifiedID)
	if !ok {
		return ProbeResult{UnifiedID: unifiedID, OK: false, Err: fmt.Errorf("unknown model %q", unifiedID)}
	}
	client, ok := m.resolve(um.AccessProviderID)
	if !ok {
		return ProbeResult{UnifiedID: unifiedID, OK: false, Err: fmt.Errorf("no client for provider %q", um.AccessProviderID)}
	}

	d, err := client.ProbeLatency(ctx, um.BaseModelID)
	if err != nil {
		return ProbeResult{UnifiedID: unifiedID, OK: false, Err: err}
	}

	latencyMs := float64(d.Milliseconds())
	m.models.RecordLiveProbe(unifiedID, latencyMs)
	return ProbeResult{UnifiedID: unifiedID, OK: true, LatencyMS: latencyMs}
}
