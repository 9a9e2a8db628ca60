package embedding

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway/pkg/observability"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b Vector
		want float64
	}{
		{"identical", Vector{1, 0, 0}, Vector{1, 0, 0}, 1},
		{"orthogonal", Vector{1, 0, 0}, Vector{0, 1, 0}, 0},
		{"opposite", Vector{1, 0}, Vector{-1, 0}, -1},
		{"scale invariant", Vector{2, 0}, Vector{5, 0}, 1},
		{"dimension mismatch", Vector{1, 0}, Vector{1, 0, 0}, 0},
		{"zero vector", Vector{0, 0}, Vector{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-6)
		})
	}
}

func TestVectorBytesRoundTrip(t *testing.T) {
	v := Vector{0.25, -1.5, 3.75, 0}
	out, err := VectorFromBytes(v.Bytes())
	require.NoError(t, err)
	assert.Equal(t, v, out)

	_, err = VectorFromBytes([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestNPYRoundTrip(t *testing.T) {
	v := Vector{1.5, -2.25, 0, 42}
	data := MarshalNPY(v)

	// npy v1.0 pads the header block to a 64-byte boundary.
	assert.Zero(t, (len(data)-len(v)*4)%64)

	out, err := UnmarshalNPY(data)
	require.NoError(t, err)
	assert.Equal(t, v, out)
}

func TestUnmarshalNPYRejectsGarbage(t *testing.T) {
	_, err := UnmarshalNPY([]byte("not numpy data"))
	assert.Error(t, err)

	// Truncated body.
	data := MarshalNPY(Vector{1, 2, 3})
	_, err = UnmarshalNPY(data[:len(data)-4])
	assert.Error(t, err)
}

func TestHashEmbeddingDeterministic(t *testing.T) {
	a := HashEmbedding("some text", DefaultDimension)
	b := HashEmbedding("some text", DefaultDimension)
	assert.Equal(t, a, b)
	assert.Len(t, a, DefaultDimension)
	assert.InDelta(t, 1.0, a.Norm(), 1e-5, "hash embeddings are unit length")

	c := HashEmbedding("other text", DefaultDimension)
	assert.NotEqual(t, a, c)
	assert.False(t, math.IsNaN(CosineSimilarity(a, c)))
}

func TestDiskCachePutGet(t *testing.T) {
	c, err := NewDiskCache(t.TempDir(), 4)
	require.NoError(t, err)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	v := Vector{1, 2, 3}
	require.NoError(t, c.Put("some text", v))

	got, ok := c.Get("some text")
	require.True(t, ok)
	assert.Equal(t, v, got)

	entries, bytes := c.Stats()
	assert.Equal(t, 1, entries)
	assert.Positive(t, bytes)

	require.NoError(t, c.Clear())
	entries, _ = c.Stats()
	assert.Zero(t, entries)
}

func TestDiskCacheSurvivesHotEviction(t *testing.T) {
	c, err := NewDiskCache(t.TempDir(), 1)
	require.NoError(t, err)

	require.NoError(t, c.Put("first", Vector{1}))
	require.NoError(t, c.Put("second", Vector{2}))

	// "first" was evicted from the hot layer but lives on disk.
	got, ok := c.Get("first")
	require.True(t, ok)
	assert.Equal(t, Vector{1}, got)
}

// countingProvider records Embed calls and returns a fixed vector.
type countingProvider struct {
	calls int
	fail  bool
}

func (p *countingProvider) Name() string { return "counting" }

func (p *countingProvider) Embed(context.Context, string) (Vector, error) {
	p.calls++
	if p.fail {
		return nil, errors.New("provider down")
	}
	return Vector{1, 0, 0}, nil
}

func (p *countingProvider) EmbedBatch(_ context.Context, texts []string) ([]Vector, error) {
	p.calls++
	if p.fail {
		return nil, errors.New("provider down")
	}
	out := make([]Vector, len(texts))
	for i := range out {
		out[i] = Vector{1, 0, 0}
	}
	return out, nil
}

func newTestService(t *testing.T, providers ...Provider) *Service {
	t.Helper()
	cache, err := NewDiskCache(t.TempDir(), 8)
	require.NoError(t, err)
	return NewService(providers, cache, observability.NewNoopLogger())
}

func TestServiceEmbedCachesRemoteCalls(t *testing.T) {
	p := &countingProvider{}
	s := newTestService(t, p)

	v1, err := s.Embed(context.Background(), "hello")
	require.NoError(t, err)
	v2, err := s.Embed(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, p.calls, "second embed must come from cache")
}

func TestServiceEmbedFallsThroughProviders(t *testing.T) {
	broken := &countingProvider{fail: true}
	working := &countingProvider{}
	s := newTestService(t, broken, working)

	v, err := s.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, Vector{1, 0, 0}, v)
	assert.Positive(t, broken.calls)
}

func TestServiceEmbedErrorsWithoutProviders(t *testing.T) {
	s := newTestService(t)
	_, err := s.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no embedding providers configured")
}

func TestServiceEmbedWithFallbackDegradesToHash(t *testing.T) {
	broken := &countingProvider{fail: true}
	s := newTestService(t, broken)

	v := s.EmbedWithFallback(context.Background(), "hello")
	assert.Equal(t, HashEmbedding("hello", DefaultDimension), v)

	// Fallback vectors are never cached.
	entries, _ := s.cache.Stats()
	assert.Zero(t, entries)
}

func TestServiceEmbedBatch(t *testing.T) {
	p := &countingProvider{}
	s := newTestService(t, p)

	out := s.EmbedBatch(context.Background(), []string{"a", "b"})
	require.Len(t, out, 2)
	assert.NotNil(t, out[0])
	assert.NotNil(t, out[1])

	// All results are now cached; a re-run needs no remote call.
	before := p.calls
	out = s.EmbedBatch(context.Background(), []string{"a", "b"})
	require.Len(t, out, 2)
	assert.Equal(t, before, p.calls)
}

func TestServiceWarmCache(t *testing.T) {
	p := &countingProvider{}
	s := newTestService(t, p)

	assert.Zero(t, s.WarmCache(context.Background(), nil))
	assert.Equal(t, 2, s.WarmCache(context.Background(), []string{"a", "b"}))

	entries, _ := s.cache.Stats()
	assert.Equal(t, 2, entries)

	// Warmed texts embed from disk afterwards.
	before := p.calls
	_, err := s.Embed(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, before, p.calls)
}
