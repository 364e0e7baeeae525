package source

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/flow/models"
)

func newTestMarket(t *testing.T, body string) *Market {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	m := NewMarket("bitcoin", "ethereum")
	m.apiBase = srv.URL
	return m
}

func TestMarket_FetchFormatsQuote(t *testing.T) {
	m := newTestMarket(t, `{"bitcoin":{"usd":65000.5},"ethereum":{"usd":3400}}`)
	node := &models.Node{ID: "src"}

	out, err := m.Fetch(t.Context(), node)
	require.NoError(t, err)
	assert.Contains(t, out.Text, "bitcoin: $65000.50")
	assert.Contains(t, out.Text, "ethereum: $3400.00")
}

func TestMarket_FetchUsesNodeSymbolsOverride(t *testing.T) {
	m := newTestMarket(t, `{"solana":{"usd":150}}`)
	node := &models.Node{ID: "src", Config: map[string]any{"symbols": []any{"solana"}}}

	out, err := m.Fetch(t.Context(), node)
	require.NoError(t, err)
	assert.Contains(t, out.Text, "solana: $150.00")
}

func TestMarket_SnapshotDegradesOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := NewMarket("bitcoin")
	m.apiBase = srv.URL

	snap, err := m.Snapshot(t.Context(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Market data unavailable.", snap)
}
