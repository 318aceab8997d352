package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// maxBodySize caps how much of a result page is read.
const maxBodySize = 4 << 20

// Transport fetches raw HTML.
type Transport interface {
	Get(ctx context.Context, pageURL string, headers map[string]string, proxy string, timeout time.Duration) (string, error)
}

type HTTPTransport struct {
	client *http.Client

	mu      sync.Mutex
	proxied map[string]*http.Client
}

func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{client: client, proxied: make(map[string]*http.Client)}
}

// viaProxy returns the client for proxy, building it on first use so its
// connection pool is shared by later requests.
func (t *HTTPTransport) viaProxy(proxy string) (*http.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.proxied[proxy]; ok {
		return c, nil
	}

	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy %q: %w", proxy, err)
	}
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, fmt.Errorf("proxy unsupported by default transport")
	}
	rt := base.Clone()
	rt.Proxy = http.ProxyURL(proxyURL)

	c := &http.Client{Transport: rt, Timeout: t.client.Timeout}
	t.proxied[proxy] = c
	return c, nil
}

// CloseIdleConnections releases pooled connections of every client.
func (t *HTTPTransport) CloseIdleConnections() {
	t.client.CloseIdleConnections()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.proxied {
		c.CloseIdleConnections()
	}
}

// Get issues a GET for pageURL, optionally through an HTTP proxy, and fails
// on any non-200 response.
func (t *HTTPTransport) Get(ctx context.Context, pageURL string, headers map[string]string, proxy string, timeout time.Duration) (string, error) {
	client := t.client
	if proxy != "" {
		var err error
		if client, err = t.viaProxy(proxy); err != nil {
			return "", err
		}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s returned %s", req.URL.Host, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", fmt.Errorf("read page: %w", err)
	}
	return string(body), nil
}

// Headers returns the browser-like request headers sent to news sources.
func Headers(userAgent string) map[string]string {
	return map[string]string{
		"User-Agent":      userAgent,
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
		"Accept-Language": "zh-CN,zh;q=0.8,en-US;q=0.5,en;q=0.3",
	}
}
