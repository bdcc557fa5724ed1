package definition

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-gov-certificates/internal/errors"
	"github.com/pesio-ai/be-gov-certificates/internal/workflow"
)

type countingSource struct {
	mu    sync.Mutex
	calls map[string]int
	defs  map[string]*workflow.Definition
}

func (s *countingSource) Definition(_ context.Context, certType string) (*workflow.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[certType]++
	def, ok := s.defs[certType]
	if !ok {
		return nil, errors.NotFound("workflow definition", certType)
	}
	return def, nil
}

func newCountingSource() *countingSource {
	return &countingSource{
		calls: map[string]int{},
		defs: map[string]*workflow.Definition{
			"clearance": workflow.DefaultDefinition("clearance"),
			"residency": workflow.DefaultDefinition("residency"),
		},
	}
}

func TestCache_ServesSnapshot(t *testing.T) {
	src := newCountingSource()
	c := NewCache(src, time.Minute, 10)
	ctx := context.Background()

	first, err := c.Definition(ctx, "clearance")
	require.NoError(t, err)
	second, err := c.Definition(ctx, "clearance")
	require.NoError(t, err)

	require.Same(t, first, second)
	require.Equal(t, 1, src.calls["clearance"])
	require.Equal(t, 1, c.Len())
}

func TestCache_Invalidate(t *testing.T) {
	src := newCountingSource()
	c := NewCache(src, time.Minute, 10)
	ctx := context.Background()

	_, err := c.Definition(ctx, "clearance")
	require.NoError(t, err)
	_, err = c.Definition(ctx, "residency")
	require.NoError(t, err)

	edited := &workflow.Definition{CertificateType: "clearance", Steps: workflow.DefaultDefinition("clearance").Steps[:2]}
	edited.Version = edited.Digest()
	src.defs["clearance"] = edited

	c.Invalidate("clearance")
	got, err := c.Definition(ctx, "clearance")
	require.NoError(t, err)
	require.Equal(t, edited.Version, got.Version)
	require.Equal(t, 2, src.calls["clearance"])

	c.InvalidateAll()
	require.Equal(t, 0, c.Len())
	_, err = c.Definition(ctx, "residency")
	require.NoError(t, err)
	require.Equal(t, 2, src.calls["residency"])
}

func TestCache_MissingIsNotCached(t *testing.T) {
	src := newCountingSource()
	c := NewCache(src, time.Minute, 10)

	for i := 0; i < 2; i++ {
		_, err := c.Definition(context.Background(), "unknown")
		require.True(t, errors.Is(err, errors.ErrNotFound))
	}
	require.Equal(t, 2, src.calls["unknown"])
	require.Equal(t, 0, c.Len())
}
