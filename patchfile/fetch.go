package patchfile

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rulepatch/rulepatch/rules"
)

// maxPayload is the largest payload Fetch downloads.
const maxPayload = 32 << 20

// Fetcher downloads payloads. Payloads are kept in memory for TTL and, if Dir
// is set, written to Dir so they can still be loaded when the server is
// unreachable.
type Fetcher struct {
	Client *http.Client
	Dir    string

	mem *cache.Cache
}

// NewFetcher creates a Fetcher. A ttl of 0 keeps payloads in memory until the
// process exits.
func NewFetcher(dir string, ttl time.Duration) *Fetcher {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &Fetcher{
		Client: http.DefaultClient,
		Dir:    dir,
		mem:    cache.New(ttl, 10*time.Minute),
	}
}

// Fetch downloads and decodes a payload.
func (f *Fetcher) Fetch(ctx context.Context, format, url string) (*rules.Config, error) {
	buf, err := f.FetchRaw(ctx, url)
	if err != nil {
		return nil, err
	}
	return Decode(format, buf)
}

// FetchRaw downloads a payload without decoding it.
func (f *Fetcher) FetchRaw(ctx context.Context, url string) ([]byte, error) {
	if x, ok := f.mem.Get(url); ok {
		Log("using cached payload for %s\n", url)
		return x.([]byte), nil
	}

	buf, err := f.download(ctx, url)
	if err != nil {
		if f.Dir == "" {
			return nil, err
		}
		Log("could not download %s, trying %s: %v\n", url, f.Dir, err)
		cached, cerr := os.ReadFile(f.cacheFile(url))
		if cerr != nil {
			return nil, fmt.Errorf("%w (no cached copy: %v)", err, cerr)
		}
		buf = cached
	} else if f.Dir != "" {
		if err := f.save(url, buf); err != nil {
			Log("could not cache %s: %v\n", url, err)
		}
	}

	f.mem.SetDefault(url, buf)
	return buf, nil
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}

	Log("downloading %s\n", url)
	c := f.Client
	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: response status %s", url, resp.Status)
	}
	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxPayload+1))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if len(buf) > maxPayload {
		return nil, fmt.Errorf("fetch %s: payload larger than %d bytes", url, maxPayload)
	}
	Log("downloaded %d bytes from %s\n", len(buf), url)
	return buf, nil
}

func (f *Fetcher) cacheFile(url string) string {
	h := sha1.Sum([]byte(url))
	return filepath.Join(f.Dir, hex.EncodeToString(h[:])+".payload")
}

func (f *Fetcher) save(url string, buf []byte) error {
	if err := os.MkdirAll(f.Dir, 0755); err != nil {
		return err
	}
	fn := f.cacheFile(url)
	tmp := fn + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, fn)
}
