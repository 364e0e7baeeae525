package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kandev/kandev/internal/flow/models"
)

const marketSnapshotTimeout = 5 * time.Second

const defaultMarketAPI = "https://api.coingecko.com/api/v3/simple/price"

// Market fetches a price snapshot for a configured symbol set, both as a
// Source node (kind "market-data") and as the engine's MarketDataFetcher
// for Executor prompts that reference {{market_data}}, grounded on
// original_source/src/flows/runner.rs's bounded-timeout
// fetch_market_snapshot call (the underlying tasks/sources/market.rs
// wasn't retrieved into original_source, so the request shape below is a
// fresh implementation of the documented behavior, not a literal port).
type Market struct {
	client  *http.Client
	apiBase string
	symbols []string
}

// NewMarket constructs a Market source/fetcher. symbols are the default
// coin ids queried when a node doesn't override config.symbols.
func NewMarket(symbols ...string) *Market {
	if len(symbols) == 0 {
		symbols = []string{"bitcoin", "ethereum"}
	}
	return &Market{
		client:  &http.Client{Timeout: marketSnapshotTimeout},
		apiBase: defaultMarketAPI,
		symbols: symbols,
	}
}

type marketQuote map[string]map[string]float64

func (m *Market) fetch(ctx context.Context, symbols []string) (marketQuote, error) {
	if len(symbols) == 0 {
		symbols = m.symbols
	}
	url := fmt.Sprintf("%s?ids=%s&vs_currencies=usd", m.apiBase, strings.Join(symbols, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build market data request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch market data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("market data API returned status %d", resp.StatusCode)
	}

	var quote marketQuote
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return nil, fmt.Errorf("decode market data response: %w", err)
	}
	return quote, nil
}

func formatQuote(symbols []string, quote marketQuote) string {
	var b strings.Builder
	for _, symbol := range symbols {
		prices, ok := quote[symbol]
		if !ok {
			continue
		}
		usd, ok := prices["usd"]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s: $%.2f\n", symbol, usd)
	}
	if b.Len() == 0 {
		return "Market data unavailable."
	}
	return strings.TrimRight(b.String(), "\n")
}

// Fetch implements engine.SourceAdapter for a "market-data" node.
func (m *Market) Fetch(ctx context.Context, node *models.Node) (models.NodeOutput, error) {
	symbols := m.symbols
	if configured := stringSliceConfig(node.Config["symbols"]); len(configured) > 0 {
		symbols = configured
	}

	quote, err := m.fetch(ctx, symbols)
	if err != nil {
		return models.Failed(), fmt.Errorf("market-data source %q: %w", node.ID, err)
	}
	return models.TextOutput(formatQuote(symbols, quote), nil), nil
}

// Snapshot implements engine.MarketDataFetcher, used when an Executor
// node's rendered prompt template references {{market_data}} regardless
// of whether any Source node in the flow is itself a market-data node.
// Per original_source's documented behavior, a fetch error or timeout
// degrades to a fixed "unavailable" string rather than failing the node.
func (m *Market) Snapshot(ctx context.Context, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	quote, err := m.fetch(ctx, m.symbols)
	if err != nil {
		return "Market data unavailable.", nil
	}
	return formatQuote(m.symbols, quote), nil
}

func stringSliceConfig(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
