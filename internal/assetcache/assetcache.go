// Package assetcache provides an http.RoundTripper that keeps successful
// GET responses for engine assets (fonts, packages) on disk so repeat
// bootstraps skip the network.
package assetcache

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"
)

// MaxBodySize is the largest response body that is cached.
const MaxBodySize = 64 << 20

// CacheHeader is set on every response served from the cache.
const CacheHeader = "X-Cvpreview-Cache"

type entry struct {
	path string
	size int64
}

// Transport caches GET responses with status 200. The on-disk files are
// indexed by an LRU of bounded size; evicting an entry deletes its file.
type Transport struct {
	next   http.RoundTripper
	dir    string
	index  *lru.Cache[string, entry]
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// Compile-time check.
var _ http.RoundTripper = (*Transport)(nil)

// New creates a Transport storing bodies under dir. It fails when dir
// cannot be created or written, or when maxEntries is not positive.
// Files left in dir by an earlier process are re-indexed.
func New(dir string, maxEntries int, next http.RoundTripper, logger *slog.Logger) (*Transport, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("asset cache: max entries must be positive, got %d", maxEntries)
	}
	if dir == "" {
		return nil, errors.New("asset cache: directory is empty")
	}
	if next == nil {
		next = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("asset cache: create %s: %w", dir, err)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("asset cache: %s not writable: %w", dir, err)
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())

	index, err := lru.NewWithEvict(maxEntries, func(_ string, e entry) {
		_ = os.Remove(e.path)
	})
	if err != nil {
		return nil, fmt.Errorf("asset cache: %w", err)
	}

	t := &Transport{
		next:   next,
		dir:    dir,
		index:  index,
		logger: logger,
	}
	t.warm()
	return t, nil
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || req.Header.Get("Range") != "" {
		return t.next.RoundTrip(req)
	}

	key := Key(req.URL.String())
	if e, ok := t.index.Get(key); ok {
		f, err := os.Open(e.path)
		if err == nil {
			t.hits.Add(1)
			return cachedResponse(req, f, e.size), nil
		}
		// File vanished under us; fall through to the network.
		t.index.Remove(key)
	}
	t.misses.Add(1)

	resp, err := t.next.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		return resp, err
	}
	if resp.ContentLength > MaxBodySize {
		return resp, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("asset cache: read %s: %w", req.URL, err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	if len(body) > MaxBodySize {
		return resp, nil
	}

	if err := t.store(key, body); err != nil {
		t.logger.Warn("asset cache store failed",
			slog.String("url", req.URL.String()),
			slog.String("error", err.Error()),
		)
	}
	return resp, nil
}

// Hits returns the number of responses served from disk.
func (t *Transport) Hits() int64 { return t.hits.Load() }

// Misses returns the number of cacheable requests sent to the network.
func (t *Transport) Misses() int64 { return t.misses.Load() }

// Len returns the number of cached entries.
func (t *Transport) Len() int { return t.index.Len() }

// Key returns the cache key for a URL.
func Key(url string) string {
	sum := blake3.Sum256([]byte(url))
	return hex.EncodeToString(sum[:16])
}

func (t *Transport) store(key string, body []byte) error {
	tmp, err := os.CreateTemp(t.dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	path := filepath.Join(t.dir, key)
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	t.index.Add(key, entry{path: path, size: int64(len(body))})
	return nil
}

func (t *Transport) warm() {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return
	}
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || len(name) != 32 {
			continue
		}
		if _, err := hex.DecodeString(name); err != nil {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		t.index.Add(name, entry{path: filepath.Join(t.dir, name), size: info.Size()})
	}
	if n := t.index.Len(); n > 0 {
		t.logger.Debug("asset cache warmed", slog.Int("entries", n))
	}
}

func cachedResponse(req *http.Request, body io.ReadCloser, size int64) *http.Response {
	h := make(http.Header)
	h.Set(CacheHeader, "hit")
	h.Set("Content-Length", strconv.FormatInt(size, 10))
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          body,
		ContentLength: size,
		Request:       req,
	}
}
