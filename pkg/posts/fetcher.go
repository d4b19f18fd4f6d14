package posts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Fetcher loads the real post list from the backend endpoint.
// One request per call: no retry, no pagination, no cache.
type Fetcher struct {
	url    string
	client *http.Client
}

// NewFetcher creates a fetcher for the given endpoint URL.
func NewFetcher(url string, timeout time.Duration) *Fetcher {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Fetch issues GET {url} and returns the data array in response order.
func (f *Fetcher) Fetch(ctx context.Context) ([]Post, error) {
	ctx, span := otel.Tracer("gatedblog/posts").Start(ctx, "posts.Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("url", f.url))

	list, err := f.fetch(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("posts", len(list)))
	return list, nil
}

func (f *Fetcher) fetch(ctx context.Context) ([]Post, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying posts endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("posts endpoint returned status %d", resp.StatusCode)
	}

	var body ListResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding posts: %w", err)
	}
	if body.Data == nil {
		return []Post{}, nil
	}
	return body.Data, nil
}
