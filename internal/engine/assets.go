package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Asset is a file fetched during bootstrap and placed in the engine
// workspace, usually a font.
type Asset struct {
	// Name is the workspace-relative file name. Defaults to the last
	// element of the URL path.
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// FileName returns the name the asset is stored under.
func (a Asset) FileName() string {
	if a.Name != "" {
		return a.Name
	}
	return path.Base(a.URL)
}

// maxAssetFetches bounds concurrent asset downloads.
const maxAssetFetches = 4

// FetchAssets downloads every asset with the loader's HTTP client. Any
// failure fails the whole bootstrap.
func FetchAssets(ctx context.Context, env LoadEnv, assets []Asset) (map[string][]byte, error) {
	client := env.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := env.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var mu sync.Mutex
	out := make(map[string][]byte, len(assets))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxAssetFetches)
	for _, a := range assets {
		g.Go(func() error {
			body, err := fetch(ctx, client, a.URL)
			if err != nil {
				return fmt.Errorf("fetch asset %s: %w", a.FileName(), err)
			}
			logger.Debug("asset fetched",
				slog.String("name", a.FileName()),
				slog.Int("bytes", len(body)),
			)
			mu.Lock()
			out[a.FileName()] = body
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func fetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
