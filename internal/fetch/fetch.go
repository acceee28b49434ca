package fetch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
)

// Fetcher downloads a remote asset and returns a local, addressable path.
// force bypasses any cached copy.
type Fetcher interface {
	Fetch(ctx context.Context, url string, force bool) (string, error)
}

// HTTPFetcher caches downloads under dir, content-addressed by URL. Safe
// for concurrent use across unrelated widget ids; two fetches of the same
// URL may race, the second write simply wins with identical bytes.
type HTTPFetcher struct {
	client *resty.Client
	dir    string
}

func NewHTTPFetcher(dir string, timeout time.Duration) *HTTPFetcher {
	c := resty.New().SetTimeout(timeout)
	return &HTTPFetcher{client: c, dir: dir}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, force bool) (string, error) {
	sum := sha1.Sum([]byte(url))
	path := filepath.Join(f.dir, hex.EncodeToString(sum[:])+filepath.Ext(url))

	if !force {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return "", err
	}

	resp, err := f.client.R().SetContext(ctx).SetOutput(path).Get(url)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	if resp.IsError() {
		// the error body was saved to path; don't let it pass as a cache hit
		_ = os.Remove(path)
		return "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode())
	}
	return path, nil
}
