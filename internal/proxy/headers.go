package proxy

import (
	"net/http"
	"strings"

	"github.com/allaspectsdev/paf/internal/family"
)

// anthropicVersion is the API version header required by Anthropic-compatible
// upstreams when none is supplied by the client.
const anthropicVersion = "2023-06-01"

// hopHeaders are stripped from the inbound request before the rewrite.
// Credentials are re-injected from the endpoint profile; host and
// content-length are recomputed for the upstream request.
var hopHeaders = []string{"Host", "Content-Length", "Authorization", "X-Api-Key"}

// BuildUpstreamHeaders rewrites the inbound headers for the upstream request.
// apiKey and authToken are the endpoint's resolved credentials (at most one
// is non-empty).
func BuildUpstreamHeaders(svc family.Service, inbound http.Header, upstreamHost, apiKey, authToken string) http.Header {
	out := make(http.Header, len(inbound))
	for key, vals := range inbound {
		out[key] = append([]string(nil), vals...)
	}
	for _, h := range hopHeaders {
		out.Del(h)
	}

	out.Set("Host", upstreamHost)
	out.Set("Connection", "keep-alive")

	// Credential injection: endpoint credentials win; a credential-less
	// endpoint passes the client's own through.
	switch {
	case apiKey != "":
		out.Set("Authorization", "Bearer "+apiKey)
		if out.Get("X-Api-Key") == "" {
			out.Set("X-Api-Key", apiKey)
		}
	case authToken != "":
		out.Set("Authorization", "Bearer "+authToken)
	default:
		if v := inbound.Get("Authorization"); v != "" {
			out.Set("Authorization", v)
		}
		if v := inbound.Get("X-Api-Key"); v != "" {
			out.Set("X-Api-Key", v)
		}
	}

	// Client-supplied identity headers survive the rewrite.
	if v := inbound.Get("X-Api-Key"); v != "" && out.Get("X-Api-Key") == "" {
		out.Set("X-Api-Key", v)
	}
	if v := inbound.Get("Openai-Organization"); v != "" {
		out.Set("Openai-Organization", v)
	}

	if svc == family.Claude {
		// Anthropic endpoints authenticate via x-api-key; mirror a bearer
		// token into it when the client or endpoint only set authorization.
		if out.Get("X-Api-Key") == "" {
			if token, ok := bearerToken(out.Get("Authorization")); ok {
				out.Set("X-Api-Key", token)
			}
		}
		if out.Get("Anthropic-Version") == "" {
			out.Set("Anthropic-Version", anthropicVersion)
		}
	}

	// The response may need to stream back verbatim; asking upstream for
	// compressed framing would force a decode step in the middle.
	out.Del("Accept-Encoding")

	return out
}

// bearerToken extracts the token from a "Bearer <token>" authorization value.
func bearerToken(value string) (string, bool) {
	const prefix = "Bearer "
	if len(value) > len(prefix) && strings.EqualFold(value[:len(prefix)], prefix) {
		return value[len(prefix):], true
	}
	return "", false
}

// responseStripHeaders are removed from upstream response headers before they
// reach the client. Compression was disabled on the upstream request, and the
// body length may change as it streams.
var responseStripHeaders = []string{"Content-Encoding", "Content-Length"}

// CopyResponseHeaders forwards upstream response headers to the client writer
// minus the stripped set.
func CopyResponseHeaders(dst http.Header, src http.Header) {
	for key, vals := range src {
		dst[key] = append([]string(nil), vals...)
	}
	for _, h := range responseStripHeaders {
		dst.Del(h)
	}
}
