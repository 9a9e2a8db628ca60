package embedding

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DiskCache is a content-addressed embedding cache: one .npy file per
// text, keyed by the first 16 hex chars of sha256(text), with an in-memory
// LRU hot layer in front. Concurrent writers on the same key are safe
// because the content is identical (write-last-wins).
type DiskCache struct {
	dir string
	hot *lru.Cache[string, Vector]
}

// NewDiskCache creates the cache directory if needed.
func NewDiskCache(dir string, hotSize int) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create embedding cache dir: %w", err)
	}
	if hotSize <= 0 {
		hotSize = 1024
	}
	hot, err := lru.New[string, Vector](hotSize)
	if err != nil {
		return nil, err
	}
	return &DiskCache{dir: dir, hot: hot}, nil
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}

func (c *DiskCache) path(key string) string {
	return filepath.Join(c.dir, key+".npy")
}

// Get returns the cached vector for text, or (nil, false).
func (c *DiskCache) Get(text string) (Vector, bool) {
	key := cacheKey(text)
	if v, ok := c.hot.Get(key); ok {
		return v, true
	}
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		return nil, false
	}
	v, err := UnmarshalNPY(data)
	if err != nil {
		// corrupt entry; drop it so the next embed rewrites it
		_ = os.Remove(c.path(key))
		return nil, false
	}
	c.hot.Add(key, v)
	return v, true
}

// Put stores the vector for text. Errors are returned for logging but a
// failed write never fails the embed.
func (c *DiskCache) Put(text string, v Vector) error {
	key := cacheKey(text)
	c.hot.Add(key, v)
	return os.WriteFile(c.path(key), MarshalNPY(v), 0o644)
}

// Stats reports entry count and total size in bytes.
func (c *DiskCache) Stats() (entries int, bytes int64) {
	matches, err := filepath.Glob(filepath.Join(c.dir, "*.npy"))
	if err != nil {
		return 0, 0
	}
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		entries++
		bytes += info.Size()
	}
	return entries, bytes
}

// Clear removes all cached vectors.
func (c *DiskCache) Clear() error {
	c.hot.Purge()
	matches, err := filepath.Glob(filepath.Join(c.dir, "*.npy"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			return err
		}
	}
	return nil
}
