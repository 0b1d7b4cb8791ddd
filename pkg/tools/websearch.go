package tools

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/httpclient"
)

const duckDuckGoHTML = "https://html.duckduckgo.com/html/"

// WebSearchTool queries the DuckDuckGo HTML endpoint and scrapes result
// links. No API key required.
type WebSearchTool struct {
	httpClient *httpclient.Client
	endpoint   string
}

type webSearchArgs struct {
	Query string `json:"query" jsonschema:"title=query,description=Search query text"`
	Limit int    `json:"limit,omitempty" jsonschema:"title=limit,description=Maximum number of results"`
}

var (
	resultLinkRe    = regexp.MustCompile(`<a[^>]+class="result__a"[^>]+href="([^"]+)"[^>]*>(.*?)</a>`)
	resultSnippetRe = regexp.MustCompile(`<a[^>]+class="result__snippet"[^>]*>(.*?)</a>`)
	tagRe           = regexp.MustCompile(`<[^>]+>`)
)

func NewWebSearchTool() *WebSearchTool {
	return &WebSearchTool{
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 15 * time.Second}),
			httpclient.WithMaxRetries(2),
		),
		endpoint: duckDuckGoHTML,
	}
}

func (t *WebSearchTool) GetName() string {
	return "web_search"
}

func (t *WebSearchTool) GetDescription() string {
	return "Search the web and return titles, links and snippets"
}

func (t *WebSearchTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        t.GetName(),
		Description: t.GetDescription(),
		Parameters: []ToolParameter{
			{Name: "query", Type: "string", Description: "Search query text", Required: true},
			{Name: "limit", Type: "integer", Description: "Maximum number of results", Default: 5},
		},
		InputSchema: SchemaFor[webSearchArgs](),
	}
}

func (t *WebSearchTool) ContainerType() string {
	return ContainerBrowser
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return errorResult(t.GetName(), "query parameter is required"), fmt.Errorf("query parameter is required")
	}
	limit := 5
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	body, err := t.fetch(ctx, query)
	if err != nil {
		return errorResult(t.GetName(), err.Error()), err
	}

	results := parseSearchResults(body, limit)
	if len(results) == 0 {
		return successResult(t.GetName(), "not found: no results for "+query, nil), nil
	}

	var b strings.Builder
	for i, result := range results {
		fmt.Fprintf(&b, "%d. %s\n%s\n%s\n\n", i+1, result.title, result.link, result.snippet)
	}
	return successResult(t.GetName(), strings.TrimSpace(b.String()), map[string]any{
		"query": query,
		"count": len(results),
	}), nil
}

func (t *WebSearchTool) fetch(ctx context.Context, query string) (string, error) {
	form := url.Values{"q": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; loom/1.0)")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(form.Encode())), nil
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return "", fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read search response: %w", err)
	}
	return string(body), nil
}

type searchHit struct {
	title   string
	link    string
	snippet string
}

func parseSearchResults(body string, limit int) []searchHit {
	links := resultLinkRe.FindAllStringSubmatch(body, limit)
	snippets := resultSnippetRe.FindAllStringSubmatch(body, limit)

	hits := make([]searchHit, 0, len(links))
	for i, match := range links {
		hit := searchHit{
			link:  cleanDuckDuckGoURL(match[1]),
			title: stripTags(match[2]),
		}
		if i < len(snippets) {
			hit.snippet = stripTags(snippets[i][1])
		}
		hits = append(hits, hit)
	}
	return hits
}

// cleanDuckDuckGoURL unwraps the /l/?uddg= redirect.
func cleanDuckDuckGoURL(raw string) string {
	parsed, err := url.Parse(html.UnescapeString(raw))
	if err != nil {
		return raw
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		return target
	}
	return raw
}

func stripTags(s string) string {
	return strings.TrimSpace(html.UnescapeString(tagRe.ReplaceAllString(s, "")))
}
