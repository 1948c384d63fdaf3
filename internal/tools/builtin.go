package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/nidhogg/agentflow/internal/apperr"
)

const maxPageText = 8000

// BuiltinConfig points the built-in tools at their upstream services.
type BuiltinConfig struct {
	SearchEndpoint string
	SearchAPIKey   string
	QuoteEndpoint  string
	QuoteAPIKey    string
	Client         *http.Client
}

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchResults is the web_search output.
type SearchResults []SearchResult

func (r SearchResults) Sources() []Source {
	out := make([]Source, 0, len(r))
	for _, h := range r {
		if h.URL != "" {
			out = append(out, Source{Title: h.Title, URL: h.URL})
		}
	}
	return out
}

// Page is the scrape_url output.
type Page struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

func (p *Page) Sources() []Source {
	return []Source{{Title: p.Title, URL: p.URL}}
}

// RegisterBuiltins adds web_search, scrape_url, stock_quote and current_time.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	b := &builtins{cfg: cfg, client: client}

	for _, t := range []Tool{
		{
			Name:        "web_search",
			Description: "Search the web and return the top results with title, url and snippet",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":       map[string]any{"type": "string", "description": "Search query"},
					"max_results": map[string]any{"type": "integer", "minimum": 1, "maximum": 20, "description": "Number of results, default 5"},
				},
				"required": []string{"query"},
			},
			Handler: b.webSearch,
		},
		{
			Name:        "scrape_url",
			Description: "Fetch a web page and extract its readable text",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{"type": "string", "description": "Absolute http(s) URL"},
				},
				"required": []string{"url"},
			},
			Handler: b.scrapeURL,
		},
		{
			Name:        "stock_quote",
			Description: "Look up the latest quote for a ticker symbol",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"symbol": map[string]any{"type": "string", "description": "Ticker symbol, e.g. ACME"},
				},
				"required": []string{"symbol"},
			},
			Handler: b.stockQuote,
		},
		{
			Name:        "current_time",
			Description: "Get the current time, optionally in an IANA timezone",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timezone": map[string]any{"type": "string", "description": "IANA zone name, default UTC"},
				},
			},
			Handler: currentTime,
			NoCache: true,
		},
	} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type builtins struct {
	cfg    BuiltinConfig
	client *http.Client
}

func (b *builtins) get(ctx context.Context, rawURL, apiKey string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apperr.Validation("build request", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("User-Agent", "agentflow/1.0")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, apperr.ToolExecution("fetch "+req.URL.Host, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, apperr.ToolExecution("read "+req.URL.Host, err)
	}
	if resp.StatusCode >= 300 {
		return nil, apperr.ToolExecution("fetch "+req.URL.Host,
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 200)))
	}
	return body, nil
}

func (b *builtins) webSearch(ctx context.Context, params map[string]any) (any, error) {
	if b.cfg.SearchEndpoint == "" {
		return nil, apperr.ToolExecution("web_search", fmt.Errorf("search endpoint not configured"))
	}
	query := stringParam(params, "query")
	if query == "" {
		return nil, apperr.Validationf("web_search", "query is empty")
	}
	limit := intParam(params, "max_results", 5)
	if limit <= 0 || limit > 20 {
		limit = 5
	}

	q := url.Values{"q": {query}, "limit": {fmt.Sprint(limit)}}
	body, err := b.get(ctx, b.cfg.SearchEndpoint+"?"+q.Encode(), b.cfg.SearchAPIKey)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Results SearchResults `json:"results"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperr.ToolExecution("web_search", fmt.Errorf("decode results: %w", err))
	}
	if len(payload.Results) > limit {
		payload.Results = payload.Results[:limit]
	}
	return payload.Results, nil
}

func (b *builtins) scrapeURL(ctx context.Context, params map[string]any) (any, error) {
	raw := stringParam(params, "url")
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apperr.Validationf("scrape_url", "invalid url %q", raw)
	}
	body, err := b.get(ctx, u.String(), "")
	if err != nil {
		return nil, err
	}
	return extractPage(u.String(), string(body))
}

func extractPage(pageURL, html string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, apperr.ToolExecution("scrape_url", fmt.Errorf("parse html: %w", err))
	}
	doc.Find("script, style, nav, footer, header, aside, iframe, noscript").Remove()

	page := &Page{URL: pageURL, Title: strings.TrimSpace(doc.Find("title").First().Text())}
	var text strings.Builder
	doc.Find("h1, h2, h3, p, li").Each(func(_ int, s *goquery.Selection) {
		if t := strings.Join(strings.Fields(s.Text()), " "); t != "" {
			text.WriteString(t)
			text.WriteString("\n")
		}
	})
	page.Text = truncate(text.String(), maxPageText)
	return page, nil
}

func (b *builtins) stockQuote(ctx context.Context, params map[string]any) (any, error) {
	if b.cfg.QuoteEndpoint == "" {
		return nil, apperr.ToolExecution("stock_quote", fmt.Errorf("quote endpoint not configured"))
	}
	symbol := strings.ToUpper(stringParam(params, "symbol"))
	if symbol == "" {
		return nil, apperr.Validationf("stock_quote", "symbol is empty")
	}
	q := url.Values{"symbol": {symbol}}
	body, err := b.get(ctx, b.cfg.QuoteEndpoint+"?"+q.Encode(), b.cfg.QuoteAPIKey)
	if err != nil {
		return nil, err
	}
	var quote map[string]any
	if err := json.Unmarshal(body, &quote); err != nil {
		return nil, apperr.ToolExecution("stock_quote", fmt.Errorf("decode quote: %w", err))
	}
	quote["symbol"] = symbol
	return quote, nil
}

func currentTime(_ context.Context, params map[string]any) (any, error) {
	zone := stringParam(params, "timezone")
	if zone == "" {
		zone = "UTC"
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, apperr.Validationf("current_time", "unknown timezone %q", zone)
	}
	now := time.Now().In(loc)
	return map[string]string{"time": now.Format(time.RFC3339), "timezone": zone}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
