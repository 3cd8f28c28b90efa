package proxy

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// UpstreamClient issues rewritten requests against endpoint base URLs. It
// shares one pooled transport; non-streaming requests get an overall
// deadline, streaming requests only the dial/TLS limits so long-lived SSE
// connections stay open.
type UpstreamClient struct {
	client        *http.Client
	streamClient  *http.Client
}

// NewUpstreamClient creates an UpstreamClient. requestTimeout bounds
// non-streaming exchanges end to end; connectTimeout bounds the dial.
func NewUpstreamClient(requestTimeout, connectTimeout time.Duration) *UpstreamClient {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &UpstreamClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
		streamClient: &http.Client{
			Transport: transport,
			// No overall timeout for streaming.
		},
	}
}

// BuildURL joins the endpoint base URL with the inbound path and query
// string, both forwarded verbatim.
func BuildURL(baseURL, path, rawQuery string) string {
	base := baseURL
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	u := base + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// HostOf parses the host (including port, if any) out of a base URL.
func HostOf(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base url %q: %w", baseURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base url %q has no host", baseURL)
	}
	return u.Host, nil
}

// Do issues the rewritten request. A nil body sends no body at all. The
// caller is responsible for closing the response body.
func (u *UpstreamClient) Do(ctx context.Context, method, targetURL string, headers http.Header, body []byte, stream bool) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	var httpReq *http.Request
	var err error
	if reader != nil {
		httpReq, err = http.NewRequestWithContext(ctx, method, targetURL, reader)
	} else {
		httpReq, err = http.NewRequestWithContext(ctx, method, targetURL, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}

	httpReq.Header = headers
	if host := headers.Get("Host"); host != "" {
		httpReq.Host = host
	}

	client := u.client
	if stream {
		client = u.streamClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("forwarding to upstream %s: %w", targetURL, err)
	}
	return resp, nil
}
