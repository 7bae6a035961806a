package payments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultScriptMaxBytes = 2 << 20

// HTTPScriptLoader fetches the gateway's client script to confirm it is
// reachable, then builds the gateway bound to it.
type HTTPScriptLoader struct {
	URL      string
	Client   *http.Client
	MaxBytes int64
	Build    func(ctx context.Context) (Gateway, error)
}

// Load implements Loader.
func (l HTTPScriptLoader) Load(ctx context.Context) (Gateway, error) {
	url := strings.TrimSpace(l.URL)
	if url == "" {
		return nil, errors.New("script url is required")
	}
	if l.Build == nil {
		return nil, errors.New("gateway builder is required")
	}
	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	limit := l.MaxBytes
	if limit <= 0 {
		limit = defaultScriptMaxBytes
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build script request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch script: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch script: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, errors.New("fetch script: empty body")
	}
	return l.Build(ctx)
}

// StaticLoader returns a loader that always yields gw without external fetches.
func StaticLoader(gw Gateway) Loader {
	return LoaderFunc(func(context.Context) (Gateway, error) {
		if gw == nil {
			return nil, errors.New("gateway is nil")
		}
		return gw, nil
	})
}
