package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubProvider struct {
	id    string
	reply string
	err   error
	calls int
}

func (s *stubProvider) ID() string   { return s.id }
func (s *stubProvider) Name() string { return s.id }

func (s *stubProvider) Chat(_ context.Context, _ *ChatRequest) (*ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &ChatResponse{Content: s.reply, Usage: Usage{TotalTokens: 7}}, nil
}

func (s *stubProvider) HealthCheck(context.Context) error { return nil }

func TestRouterUsesDefaultWhenUnbound(t *testing.T) {
	r := NewRouter(zap.NewNop())
	first := &stubProvider{id: "first", reply: "one"}
	second := &stubProvider{id: "second", reply: "two"}
	r.Register(first)
	r.Register(second)

	resp, err := r.Route(context.Background(), "", &ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "one", resp.Content)
	assert.Equal(t, "first", r.DefaultID())

	resp, err = r.Route(context.Background(), "second", &ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "two", resp.Content)

	resp, err = r.Route(context.Background(), "missing", &ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "one", resp.Content, "unknown provider IDs fall back to the default")
}

func TestRouterFallbackChain(t *testing.T) {
	r := NewRouter(zap.NewNop())
	primary := &stubProvider{id: "primary", err: errors.New("rate limited")}
	broken := &stubProvider{id: "broken", err: errors.New("down")}
	backup := &stubProvider{id: "backup", reply: "saved"}
	r.Register(primary)
	r.Register(broken)
	r.Register(backup)
	r.SetFallbacks("primary", []string{"unknown", "broken", "backup"})

	resp, err := r.Route(context.Background(), "primary", &ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "saved", resp.Content)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, broken.calls)
	assert.Equal(t, 1, backup.calls)
}

func TestRouterErrorWithoutFallbackIsUnwrapped(t *testing.T) {
	r := NewRouter(zap.NewNop())
	r.Register(&stubProvider{id: "only", err: errors.New("timeout")})

	_, err := r.Route(context.Background(), "", &ChatRequest{})
	require.Error(t, err)
	assert.Equal(t, "timeout", err.Error())
}

func TestRouterNoProviders(t *testing.T) {
	r := NewRouter(zap.NewNop())
	_, err := r.Route(context.Background(), "", &ChatRequest{})
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestCatalog(t *testing.T) {
	c := DefaultCatalog()
	assert.True(t, c.Has(DefaultModel))
	assert.False(t, c.Has("gpt-2"))
	assert.Len(t, c.List(), 9)
	assert.Equal(t, DefaultModel, c.List()[0].ID)

	c.Add(ModelInfo{ID: "custom-model"})
	m, ok := c.Get("custom-model")
	require.True(t, ok)
	assert.Equal(t, "custom-model", m.Name)
	assert.Equal(t, 8192, m.ContextWindow)
	assert.Equal(t, []string{"General purpose"}, m.RecommendedFor)
	assert.Len(t, c.List(), 10)
}
