package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPRetriever calls the hosted retrieval API.
type HTTPRetriever struct {
	httpClient *resty.Client
}

func NewHTTPRetriever(baseURL, apiKey string, timeout time.Duration) (*HTTPRetriever, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("retrieval base url is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetHeader("User-Agent", "corpuschat/1.0").
		SetTimeout(timeout)
	if apiKey != "" {
		httpClient.SetAuthToken(apiKey)
	}
	return &HTTPRetriever{httpClient: httpClient}, nil
}

func (r *HTTPRetriever) Retrieve(ctx context.Context, q Query) (*Result, error) {
	if q.Partition == "" {
		return nil, errors.New("partition is required")
	}
	var resp Result
	httpResp, err := r.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(q).
		SetResult(&resp).
		Post("/retrieve")
	if err != nil {
		return nil, fmt.Errorf("retrieval request failed: %w", err)
	}
	if httpResp.IsError() {
		return nil, fmt.Errorf("retrieval error (%d): %s", httpResp.StatusCode(), httpResp.String())
	}
	if resp.ScoredChunks == nil {
		resp.ScoredChunks = []Chunk{}
	}
	return &resp, nil
}
