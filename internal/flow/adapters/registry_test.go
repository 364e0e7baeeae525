package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_WiresAlwaysOnAdapters(t *testing.T) {
	r := New(Deps{})

	_, ok := r.Source("rss")
	assert.True(t, ok)
	_, ok = r.Source("market-data")
	assert.True(t, ok)
	assert.NotNil(t, r.Market())

	_, ok = r.Filter("keyword")
	assert.True(t, ok)

	_, ok = r.Sink("dry")
	assert.True(t, ok)
	_, ok = r.Sink("slack")
	assert.True(t, ok)

	_, ok = r.Executor("local-agent")
	assert.True(t, ok)

	_, ok = r.Executor("claude-code")
	assert.False(t, ok, "claude-code requires a pool")
	_, ok = r.Executor("local-sandbox")
	assert.False(t, ok, "local-sandbox requires a docker client")
}

func TestRegistry_UnknownKindMissing(t *testing.T) {
	r := New(Deps{})

	_, ok := r.Source("nonexistent")
	assert.False(t, ok)
}

func TestRegistry_PollSourceGithubRequiresToken(t *testing.T) {
	r := New(Deps{})

	_, err := r.PollSource("github", map[string]any{})
	require.Error(t, err)
}

func TestRegistry_PollSourceGithubWithToken(t *testing.T) {
	r := New(Deps{GithubToken: "test-token"})

	src, err := r.PollSource("github", map[string]any{"repos": []any{"acme/widgets"}})
	require.NoError(t, err)
	assert.NotNil(t, src)
}

func TestRegistry_PollSourceUnsupportedKind(t *testing.T) {
	r := New(Deps{})

	_, err := r.PollSource("rss", map[string]any{})
	assert.Error(t, err)
}
