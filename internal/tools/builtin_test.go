package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/agentflow/internal/apperr"
)

func TestWebSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acme corp", r.URL.Query().Get("q"))
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"results":[
			{"title":"Acme","url":"https://acme.example","snippet":"Acme Corp home"},
			{"title":"News","url":"https://news.example/acme","snippet":"Acme raises"}]}`)
	}))
	defer srv.Close()

	reg := newTestRegistry(t, Options{})
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{SearchEndpoint: srv.URL, SearchAPIKey: "key"}))

	out, err := reg.Execute(context.Background(), "web_search", map[string]any{"query": "acme corp", "max_results": 1.0})
	require.NoError(t, err)
	results := out.(SearchResults)
	require.Len(t, results, 1)
	assert.Equal(t, []Source{{Title: "Acme", URL: "https://acme.example"}}, results.Sources())
}

func TestWebSearchUpstreamFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	reg := newTestRegistry(t, Options{})
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{SearchEndpoint: srv.URL}))

	_, err := reg.Execute(context.Background(), "web_search", map[string]any{"query": "acme"})
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))
}

func TestScrapeURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title> Acme Corp </title><script>var x=1;</script></head>
			<body><nav>menu</nav><h1>About Acme</h1><p>Acme   builds rockets.</p><ul><li>Founded 1949</li></ul></body></html>`)
	}))
	defer srv.Close()

	reg := newTestRegistry(t, Options{})
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{}))

	out, err := reg.Execute(context.Background(), "scrape_url", map[string]any{"url": srv.URL})
	require.NoError(t, err)
	page := out.(*Page)
	assert.Equal(t, "Acme Corp", page.Title)
	assert.Contains(t, page.Text, "About Acme")
	assert.Contains(t, page.Text, "Acme builds rockets.")
	assert.Contains(t, page.Text, "Founded 1949")
	assert.NotContains(t, page.Text, "var x")
	assert.NotContains(t, page.Text, "menu")

	_, err = reg.Execute(context.Background(), "scrape_url", map[string]any{"url": "ftp://nope"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestStockQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ACME", r.URL.Query().Get("symbol"))
		fmt.Fprint(w, `{"price":101.5,"currency":"USD"}`)
	}))
	defer srv.Close()

	reg := newTestRegistry(t, Options{})
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{QuoteEndpoint: srv.URL}))

	out, err := reg.Execute(context.Background(), "stock_quote", map[string]any{"symbol": "acme"})
	require.NoError(t, err)
	quote := out.(map[string]any)
	assert.Equal(t, 101.5, quote["price"])
	assert.Equal(t, "ACME", quote["symbol"])
}

func TestCurrentTime(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{}))

	out, err := reg.Execute(context.Background(), "current_time", nil)
	require.NoError(t, err)
	assert.Equal(t, "UTC", out.(map[string]string)["timezone"])

	_, err = reg.Execute(context.Background(), "current_time", map[string]any{"timezone": "Mars/Olympus"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	got := truncate(strings.Repeat("中", 10), 8)
	assert.Equal(t, strings.Repeat("中", 2), got)
	assert.True(t, utf8.ValidString(got))
}
