// Package embedding turns text into fixed-dimension float32 vectors with
// layered provider fallback and a content-addressed disk cache.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openclaw/gateway/pkg/observability"
)

// Provider is a remote embedding backend.
type Provider interface {
	Name() string
	Embed(ctx context.Context, text string) (Vector, error)
	EmbedBatch(ctx context.Context, texts []string) ([]Vector, error)
}

// DefaultDimension is the vector width of the hash fallback; it matches
// voyage-code-2.
const DefaultDimension = 1024

// Service embeds text with a provider chain. Each successful remote embed
// is cached to disk; the cache is consulted before any remote call. When
// every provider fails, EmbedWithFallback degrades to a deterministic
// hash-based pseudo-embedding while Embed reports the failure, so
// retrieval never matches against pseudo-vectors.
type Service struct {
	providers []Provider
	cache     *DiskCache
	dimension int
	logger    observability.Logger
}

// NewService builds a service over the given provider chain (tried in
// order).
func NewService(providers []Provider, cache *DiskCache, logger observability.Logger) *Service {
	return &Service{
		providers: providers,
		cache:     cache,
		dimension: DefaultDimension,
		logger:    logger.WithPrefix("embedding"),
	}
}

func (s *Service) retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return backoff.WithMaxRetries(b, 2)
}

// Embed returns the embedding for text, from cache when possible. It
// fails when every provider fails; it never substitutes a pseudo-embedding.
func (s *Service) Embed(ctx context.Context, text string) (Vector, error) {
	if v, ok := s.cache.Get(text); ok {
		return v, nil
	}

	var lastErr error
	for _, p := range s.providers {
		var vec Vector
		err := backoff.Retry(func() error {
			v, err := p.Embed(ctx, text)
			if err != nil {
				return err
			}
			vec = v
			return nil
		}, backoff.WithContext(s.retryPolicy(), ctx))
		if err != nil {
			s.logger.Warn("provider embed failed", map[string]interface{}{
				"provider": p.Name(),
				"error":    err,
			})
			lastErr = err
			continue
		}
		if err := s.cache.Put(text, vec); err != nil {
			s.logger.Warn("embedding cache write failed", map[string]interface{}{"error": err})
		}
		return vec, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no embedding providers configured")
	}
	return nil, fmt.Errorf("all embedding providers failed: %w", lastErr)
}

// EmbedWithFallback behaves like Embed but degrades to a hash-based
// pseudo-embedding when every provider fails. The fallback result is not
// cached; a later successful remote embed should replace it.
func (s *Service) EmbedWithFallback(ctx context.Context, text string) Vector {
	if v, err := s.Embed(ctx, text); err == nil {
		return v
	}
	s.logger.Warn("all embedding providers failed, using hash-based fallback", nil)
	return HashEmbedding(text, s.dimension)
}

// EmbedBatch resolves cached entries first, attempts one batched remote
// call for the remainder, and falls back to per-text calls when the batch
// fails. The result slice is index-aligned with texts; entries that could
// not be embedded are nil.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) []Vector {
	results := make([]Vector, len(texts))
	var uncachedIdx []int
	var uncached []string

	for i, text := range texts {
		if v, ok := s.cache.Get(text); ok {
			results[i] = v
			continue
		}
		uncachedIdx = append(uncachedIdx, i)
		uncached = append(uncached, text)
	}
	if len(uncached) == 0 {
		return results
	}

	if len(s.providers) > 0 {
		vecs, err := s.providers[0].EmbedBatch(ctx, uncached)
		if err == nil {
			for j, i := range uncachedIdx {
				results[i] = vecs[j]
				if cerr := s.cache.Put(texts[i], vecs[j]); cerr != nil {
					s.logger.Warn("embedding cache write failed", map[string]interface{}{"error": cerr})
				}
			}
			return results
		}
		s.logger.Warn("batch embed failed, falling back to per-text calls", map[string]interface{}{
			"provider": s.providers[0].Name(),
			"error":    err,
		})
	}

	for _, i := range uncachedIdx {
		v, err := s.Embed(ctx, texts[i])
		if err != nil {
			continue
		}
		results[i] = v
	}
	return results
}

// WarmCache embeds texts in bulk so later lookups hit the disk cache.
// It returns the number of texts that resolved to a vector.
func (s *Service) WarmCache(ctx context.Context, texts []string) int {
	if len(texts) == 0 {
		return 0
	}
	warmed := 0
	for _, v := range s.EmbedBatch(ctx, texts) {
		if v != nil {
			warmed++
		}
	}
	return warmed
}

// CacheStats reports the disk cache entry count and size.
func (s *Service) CacheStats() (entries int, bytes int64) {
	return s.cache.Stats()
}

// ClearCache drops every cached vector.
func (s *Service) ClearCache() error {
	return s.cache.Clear()
}

// HashEmbedding builds a deterministic pseudo-embedding: the 32 bytes of
// sha256(text) spread across the head of the vector, centred to [-1, 1]
// and L2-normalised. Quality is far below a real embedding; it exists so
// the hash-embedding path stays deterministic when no API is reachable.
func HashEmbedding(text string, dimension int) Vector {
	sum := sha256.Sum256([]byte(text))
	hexDigest := hex.EncodeToString(sum[:])

	v := make(Vector, dimension)
	n := len(hexDigest) / 2
	if n > dimension {
		n = dimension
	}
	for i := 0; i < n; i++ {
		byteVal, _ := strconv.ParseUint(hexDigest[i*2:i*2+2], 16, 8)
		v[i] = (float32(byteVal) - 128) / 128
	}
	v.Normalize()
	return v
}
