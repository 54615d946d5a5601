package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/prismq/taskqueue/internal/domain"
)

const defaultMaxBodyBytes = 10 << 20

type FetchTask struct {
	Client       *http.Client
	MaxBodyBytes int64
}

// NewFetchTask is a constructor that takes the HTTP client as a dependency
func NewFetchTask(client *http.Client) FetchTask {
	if client == nil {
		client = http.DefaultClient
	}

	return FetchTask{
		Client:       client,
		MaxBodyBytes: defaultMaxBodyBytes,
	}
}

// Execute downloads parameters["url"]. Any status outside 2xx fails the attempt.
func (f FetchTask) Execute(ctx context.Context, params map[string]string) (domain.TaskResult, error) {
	target := params["url"]
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.TaskResult{}, fmt.Errorf("invalid url %q", target)
	}
	slog.InfoContext(ctx, "fetch parameters:", "url", target)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return domain.TaskResult{}, err
	}

	start := time.Now()
	resp, err := f.Client.Do(req)
	if err != nil {
		return domain.TaskResult{}, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.WarnContext(ctx, "Unexpected status code while fetching", "url", target, "status_code", resp.StatusCode)
		return domain.TaskResult{}, fmt.Errorf("fetch %s: unexpected status %d", target, resp.StatusCode)
	}

	limit := f.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return domain.TaskResult{}, fmt.Errorf("read %s: %w", target, err)
	}
	if n > limit {
		return domain.TaskResult{}, fmt.Errorf("read %s: response body exceeds %d bytes", target, limit)
	}

	return domain.TaskResult{
		Success:        true,
		ItemsProcessed: 1,
		Data: map[string]any{
			"status_code":    resp.StatusCode,
			"content_length": n,
		},
		Metrics: map[string]float64{
			"duration_seconds": time.Since(start).Seconds(),
		},
	}, nil
}
