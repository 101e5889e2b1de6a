package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/packlane/packlane/internal/money"
	"github.com/packlane/packlane/internal/security"
)

// FetchExecutor runs "fetch" packs: retrieve one external URL and return its
// body in the result envelope. Target URLs go through the SSRF guard before
// any request is made.
type FetchExecutor struct {
	// Client defaults to a 30s-timeout client.
	Client *http.Client

	// MaxBodyBytes caps the retrieved body. Zero means 1 MiB.
	MaxBodyBytes int64

	// InsecureAllowPrivate skips the SSRF guard. Local development and
	// tests only.
	InsecureAllowPrivate bool
}

const (
	fetchBaseCost  = money.Micros(10_000) // 0.0100 per fetch
	fetchCostPerKB = money.Micros(100)    // 0.0001 per KiB retrieved
	fetchMaxBody   = int64(1 << 20)
)

type fetchInputs struct {
	URL string `json:"url"`
}

type fetchResult struct {
	URL         string `json:"url"`
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Body        string `json:"body"`
	Truncated   bool   `json:"truncated"`
}

func (e FetchExecutor) Execute(ctx context.Context, runID string, spec PackSpec, maxCost money.Micros) (Output, error) {
	var in fetchInputs
	if len(spec.Inputs) > 0 {
		if err := json.Unmarshal(spec.Inputs, &in); err != nil {
			return Output{}, fmt.Errorf("decode inputs: %w", err)
		}
	}
	if in.URL == "" {
		return Output{}, fmt.Errorf("fetch pack requires inputs.url")
	}
	if !e.InsecureAllowPrivate {
		if err := security.ValidateEndpointURL(in.URL); err != nil {
			return Output{}, fmt.Errorf("url rejected: %w", err)
		}
	}

	client := e.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	limit := e.MaxBodyBytes
	if limit == 0 {
		limit = fetchMaxBody
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
	if err != nil {
		return Output{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Output{}, fmt.Errorf("fetch %s: %w", in.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return Output{}, fmt.Errorf("read body: %w", err)
	}
	truncated := int64(len(body)) > limit
	if truncated {
		body = body[:limit]
	}

	data, err := json.Marshal(fetchResult{
		URL:         in.URL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        string(body),
		Truncated:   truncated,
	})
	if err != nil {
		return Output{}, err
	}

	cost := fetchBaseCost + fetchCostPerKB*money.Micros(len(body)/1024)
	return Output{
		Data:       data,
		ActualCost: money.Min(cost, maxCost),
	}, nil
}
