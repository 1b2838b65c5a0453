package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

// WebFetchTool fetches a URL and returns a readable text rendition: the
// page title plus the body converted to markdown for HTML responses, the
// raw body for everything else.
type WebFetchTool struct {
	client  *http.Client
	maxBody int64
}

// NewWebFetchTool creates the web_fetch tool. maxKB bounds the body read.
func NewWebFetchTool(maxKB int, timeout time.Duration) *WebFetchTool {
	if maxKB <= 0 {
		maxKB = 512
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &WebFetchTool{
		client:  &http.Client{Timeout: timeout},
		maxBody: int64(maxKB) * 1024,
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a web page and return its title and content as markdown."
}

func (t *WebFetchTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"url": map[string]any{"type": "string", "description": "Absolute http(s) URL to fetch."},
	}, "url")
}

func (t *WebFetchTool) Execute(ctx context.Context, params map[string]any, _ ExecContext) (string, error) {
	rawURL := stringParam(params, "url")
	if rawURL == "" {
		return "", fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("url must be absolute http(s): %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "maru-bot/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	content := string(body)
	if !utf8.ValidString(content) {
		return "", fmt.Errorf("fetch %s: body is not valid utf-8", rawURL)
	}

	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		return content, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("script, style, noscript").Remove()
	bodyHTML, err := doc.Find("body").Html()
	if err != nil || strings.TrimSpace(bodyHTML) == "" {
		bodyHTML = content
	}

	markdown, err := md.NewConverter("", true, nil).ConvertString(bodyHTML)
	if err != nil {
		// Fall back to whitespace-collapsed text extraction.
		markdown = strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	}
	markdown = strings.TrimSpace(markdown)

	if title != "" {
		return fmt.Sprintf("# %s\n\n%s", title, markdown), nil
	}
	return markdown, nil
}
