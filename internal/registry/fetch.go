package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"council/internal/providers"
)

// catalogModel is the wire shape of one entry in the provider gateway's
// models catalog response (spec.md §6).
type catalogModel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Modality    string `json:"modality"`
	ContextLen  int    `json:"context_length"`
	Pricing     struct {
		Prompt     string `json:"prompt"`
		Completion string `json:"completion"`
	} `json:"pricing"`
}

type catalogResponse struct {
	Data []catalogModel `json:"data"`
}

// endpointEntry is the wire shape of one entry in the per-model endpoints
// response (spec.md §6).
type endpointEntry struct {
	ProviderName        string   `json:"provider_name"`
	ContextLength       int      `json:"context_length"`
	MaxCompletionTokens int      `json:"max_completion_tokens"`
	Quantization        string   `json:"quantization"`
	SupportedParameters []string `json:"supported_parameters"`
	Pricing             struct {
		Prompt     string  `json:"prompt"`
		Completion string  `json:"completion"`
		Image      *string `json:"image,omitempty"`
	} `json:"pricing"`
}

// HTTPFetcher fetches the catalog and endpoints routes of a single provider
// gateway over HTTP. Grounded on internal/providers' DoRequest span/error
// handling, adapted to GET requests against a fixed base URL.
type HTTPFetcher struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewHTTPFetcher builds a Fetcher against baseURL using the given API key and
// HTTP client. If client is nil, http.DefaultClient is used.
func NewHTTPFetcher(baseURL, apiKey string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{BaseURL: baseURL, APIKey: apiKey, Client: client}
}

func (f *HTTPFetcher) FetchBaseModels(ctx context.Context) ([]RawBaseModel, error) {
	body, err := f.get(ctx, f.BaseURL+"/models", "registry.fetch_base_models")
	if err != nil {
		return nil, err
	}
	var resp catalogResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("registry: decode catalog response: %w", err)
	}
	out := make([]RawBaseModel, 0, len(resp.Data))
	for _, m := range resp.Data {
		raw, _ := json.Marshal(m)
		out = append(out, RawBaseModel{
			ID:                   m.ID,
			HumanName:            m.Name,
			Description:          m.Description,
			Modality:             m.Modality,
			DefaultContextTokens: m.ContextLen,
			RawPayload:           raw,
		})
	}
	return out, nil
}

func (f *HTTPFetcher) FetchEndpoints(ctx context.Context, baseModelID string) ([]RawEndpoint, error) {
	body, err := f.get(ctx, f.BaseURL+"/models/"+baseModelID+"/endpoints", "registry.fetch_endpoints")
	if err != nil {
		return nil, err
	}
	var entries []endpointEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("registry: decode endpoints response for %s: %w", baseModelID, err)
	}
	out := make([]RawEndpoint, 0, len(entries))
	for _, e := range entries {
		raw, _ := json.Marshal(e)
		var img *float64
		if e.Pricing.Image != nil {
			if v, ok := parsePriceString(*e.Pricing.Image); ok {
				img = &v
			}
		}
		pricingIn, _ := parsePriceString(e.Pricing.Prompt)
		pricingOut, _ := parsePriceString(e.Pricing.Completion)
		out = append(out, RawEndpoint{
			BaseModelID:         baseModelID,
			ProviderShortName:   e.ProviderName,
			PricingInUSD:        pricingIn,
			PricingOutUSD:       pricingOut,
			PricingImageUSD:     img,
			ContextTokens:       e.ContextLength,
			MaxOutputTokens:     e.MaxCompletionTokens,
			Quantization:        e.Quantization,
			SupportedParameters: e.SupportedParameters,
			RawPayload:          raw,
		})
	}
	return out, nil
}

func (f *HTTPFetcher) get(ctx context.Context, url, spanName string) ([]byte, error) {
	ctx, span := otel.Tracer("council.registry").Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url)),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create request failed")
		return nil, fmt.Errorf("registry: create request: %w", err)
	}
	if f.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.APIKey)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, fmt.Errorf("registry: request %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read response failed")
		return nil, fmt.Errorf("registry: read response from %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		se := &providers.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		span.RecordError(se)
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		return nil, se
	}
	span.SetStatus(codes.Ok, "")
	return body, nil
}

// parsePriceString parses the upstream per-token USD price, which arrives as
// a JSON string (e.g. "0.000002") rather than a number.
func parsePriceString(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	var v float64
	_, err := fmt.Sscanf(s, "%g", &v)
	return v, err == nil
}
