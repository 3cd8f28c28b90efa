package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/allaspectsdev/paf/internal/family"
	"github.com/allaspectsdev/paf/internal/freeze"
	"github.com/allaspectsdev/paf/internal/health"
	"github.com/allaspectsdev/paf/internal/metrics"
	"github.com/allaspectsdev/paf/internal/results"
	"github.com/allaspectsdev/paf/internal/selector"
	"github.com/allaspectsdev/paf/internal/store"
	"github.com/allaspectsdev/paf/internal/tokenizer"
	"github.com/allaspectsdev/paf/internal/vault"
)

// maxCaptureSize caps the in-memory copy of a response body kept for usage
// parsing and the request log. Streams larger than this are still forwarded
// in full; only the captured copy stops growing.
const maxCaptureSize = 10 << 20 // 10 MB

// maxStoredRequestBody / maxStoredResponseBody bound what lands in the log DB.
const (
	maxStoredRequestBody  = 2048
	maxStoredResponseBody = 4096
)

// RequestLogger receives completed request records. Implemented by
// store.AsyncWriter; the forwarder never blocks on it.
type RequestLogger interface {
	Log(*store.Request)
}

// Forwarder is the per-request rewrite-and-relay pipeline shared by both
// proxy listeners, the dashboard convenience routes, and the re-probe loop.
type Forwarder struct {
	store    *family.Store
	tracker  *health.Tracker
	freezer  *freeze.Manager
	selector *selector.Selector
	vault    *vault.Vault
	client   *UpstreamClient
	logs      RequestLogger
	tok       *tokenizer.Tokenizer
	results   *results.Cache
	collector *metrics.Collector
	logger    zerolog.Logger

	storeBodies bool
}

// NewForwarder wires the forwarder. logs may be nil in tests.
func NewForwarder(
	fstore *family.Store,
	tracker *health.Tracker,
	freezer *freeze.Manager,
	sel *selector.Selector,
	v *vault.Vault,
	client *UpstreamClient,
	logs RequestLogger,
	tok *tokenizer.Tokenizer,
	res *results.Cache,
	collector *metrics.Collector,
	logger zerolog.Logger,
	storeBodies bool,
) *Forwarder {
	return &Forwarder{
		store:       fstore,
		tracker:     tracker,
		freezer:     freezer,
		selector:    sel,
		vault:       v,
		client:      client,
		logs:        logs,
		tok:         tok,
		results:     res,
		collector:   collector,
		logger:      logger,
		storeBodies: storeBodies,
	}
}

// Handle proxies one inbound request to an endpoint of the given service.
func (f *Forwarder) Handle(w http.ResponseWriter, r *http.Request, svc family.Service) {
	start := time.Now()
	requestID := uuid.New().String()

	if f.collector != nil {
		f.collector.RequestStarted(svc)
		defer f.collector.RequestDone(svc)
	}

	logger := f.logger.With().
		Str("request_id", requestID).
		Str("service", string(svc)).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Logger()

	rec := &store.Request{
		ID:        requestID,
		Timestamp: start.UTC().Format(time.RFC3339),
		Service:   string(svc),
		Method:    r.Method,
		Path:      r.URL.Path,
	}

	endpoint, err := f.selector.Pick(svc, start)
	if err != nil {
		logger.Warn().Msg("no upstream available")
		rec.StatusCode = http.StatusServiceUnavailable
		rec.ErrorMessage = "no upstream available"
		f.finish(rec, start)
		writeJSONError(w, http.StatusServiceUnavailable, "no upstream available")
		return
	}
	rec.Channel = endpoint.Name
	logger = logger.With().Str("config", endpoint.Name).Logger()

	// Read the whole body up front; LLM request bodies are small JSON and the
	// bytes are needed for sanitisation, logging, and token estimates.
	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			logger.Error().Err(err).Msg("failed to read request body")
			rec.StatusCode = http.StatusBadRequest
			rec.ErrorMessage = "failed to read request body"
			f.finish(rec, start)
			writeJSONError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		defer r.Body.Close()
	}

	if svc == family.Claude && len(body) > 0 {
		sanitized, removed := SanitizeAnthropicBody(body)
		if removed > 0 {
			logger.Debug().Int("removed_blocks", removed).Msg("dropped reasoning content blocks")
			body = sanitized
			rec.RemovedBlocks = int64(removed)
		}
	}

	rec.Model = modelOf(body)
	if f.storeBodies && len(body) > 0 {
		rec.RequestBody = limitString(string(body), maxStoredRequestBody)
	}

	apiKey, authToken, err := f.resolveCredentials(endpoint)
	if err != nil {
		logger.Error().Err(err).Msg("credential resolution failed")
		f.markFailure(svc, endpoint.Name, true)
		rec.StatusCode = http.StatusBadGateway
		rec.ErrorMessage = err.Error()
		f.finish(rec, start)
		writeJSONError(w, http.StatusBadGateway, "upstream credential unavailable")
		return
	}

	host, err := HostOf(endpoint.BaseURL)
	if err != nil {
		logger.Error().Err(err).Msg("invalid endpoint base url")
		f.markFailure(svc, endpoint.Name, true)
		rec.StatusCode = http.StatusBadGateway
		rec.ErrorMessage = err.Error()
		f.finish(rec, start)
		writeJSONError(w, http.StatusBadGateway, "invalid upstream base url")
		return
	}

	headers := BuildUpstreamHeaders(svc, r.Header, host, apiKey, authToken)
	targetURL := BuildURL(endpoint.BaseURL, r.URL.Path, r.URL.RawQuery)
	rec.TargetURL = targetURL

	stream := strings.Contains(r.Header.Get("Accept"), "text/event-stream")

	var upstreamBody []byte
	if len(body) > 0 {
		upstreamBody = body
	}

	resp, err := f.client.Do(r.Context(), r.Method, targetURL, headers, upstreamBody, stream)
	if err != nil {
		logger.Error().Err(err).Str("target", targetURL).Msg("upstream request failed")
		f.markFailure(svc, endpoint.Name, true)
		rec.StatusCode = http.StatusBadGateway
		rec.ErrorMessage = err.Error()
		f.finish(rec, start)
		writeJSONError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	rec.StatusCode = resp.StatusCode
	if resp.StatusCode < 400 {
		f.markSuccess(svc, endpoint.Name)
	} else {
		f.markFailure(svc, endpoint.Name, false)
		rec.ErrorMessage = "upstream returned " + resp.Status
	}

	CopyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	var captured []byte
	var relayErr error
	if stream {
		captured, relayErr = f.relayStream(r.Context(), w, resp.Body)
	} else {
		captured, relayErr = relayBuffered(w, resp.Body)
	}
	if relayErr != nil {
		// The client is gone or the upstream died mid-body; headers are
		// already written, so all that remains is the log record.
		logger.Warn().Err(relayErr).Msg("response relay interrupted")
		if rec.ErrorMessage == "" {
			rec.ErrorMessage = relayErr.Error()
		}
	}

	rec.Streamed = stream
	usage := ExtractUsage(svc, captured)
	if usage.Model != "" {
		rec.Model = usage.Model
	}
	rec.InputTokens = usage.InputTokens
	rec.OutputTokens = usage.OutputTokens
	if !usage.Found() && resp.StatusCode < 400 {
		rec.InputTokens = int64(f.estimateInputTokens(rec.Model, body))
	}
	rec.TotalTokens = rec.InputTokens + rec.OutputTokens

	if f.storeBodies && len(captured) > 0 {
		rec.ResponseBody = limitString(string(captured), maxStoredResponseBody)
	}

	f.finish(rec, start)
	logger.Info().
		Int("status", resp.StatusCode).
		Bool("stream", stream).
		Dur("duration", time.Since(start)).
		Msg("request completed")
}

// Probe issues a synthetic GET /v1/models health request against one
// endpoint, carrying the endpoint's own credentials and no client headers.
// It shares the header rewrite, health accounting, and freeze
// transitions with real traffic, which is what lets the re-probe loop
// rehabilitate a thawed endpoint.
func (f *Forwarder) Probe(ctx context.Context, svc family.Service, endpoint family.Profile) error {
	start := time.Now()
	requestID := uuid.New().String()
	const probePath = "/v1/models"

	rec := &store.Request{
		ID:        requestID,
		Timestamp: start.UTC().Format(time.RFC3339),
		Service:   string(svc),
		Method:    http.MethodGet,
		Path:      probePath,
		Channel:   "probe:" + endpoint.Name,
	}

	outcome := results.Outcome{
		Source: "probe",
		Method: http.MethodGet,
		Path:   probePath,
	}

	fail := func(err error) error {
		f.markFailure(svc, endpoint.Name, true)
		rec.ErrorMessage = err.Error()
		outcome.Message = err.Error()
		outcome.DurationMs = time.Since(start).Milliseconds()
		outcome.CompletedAt = time.Now()
		f.results.Record(svc, endpoint.Name, outcome)
		f.finish(rec, start)
		return err
	}

	apiKey, authToken, err := f.resolveCredentials(endpoint)
	if err != nil {
		return fail(err)
	}
	host, err := HostOf(endpoint.BaseURL)
	if err != nil {
		return fail(err)
	}

	headers := BuildUpstreamHeaders(svc, http.Header{}, host, apiKey, authToken)
	targetURL := BuildURL(endpoint.BaseURL, probePath, "")
	rec.TargetURL = targetURL

	resp, err := f.client.Do(ctx, http.MethodGet, targetURL, headers, nil, false)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	rec.StatusCode = resp.StatusCode
	outcome.StatusCode = resp.StatusCode
	outcome.DurationMs = time.Since(start).Milliseconds()
	outcome.CompletedAt = time.Now()
	outcome.ResponsePreview = limitString(string(preview), 256)

	if resp.StatusCode < 400 {
		f.markSuccess(svc, endpoint.Name)
		outcome.Success = true
	} else {
		f.markFailure(svc, endpoint.Name, false)
		rec.ErrorMessage = "probe returned " + resp.Status
		outcome.Message = resp.Status
	}

	f.results.Record(svc, endpoint.Name, outcome)
	f.finish(rec, start)
	return nil
}

// markSuccess updates health counters and clears any freeze.
func (f *Forwarder) markSuccess(svc family.Service, name string) {
	hc := f.store.Snapshot(svc).LoadBalancer.HealthCheck
	f.tracker.MarkSuccess(svc, name, hc.SuccessThreshold)
	f.freezer.HandleSuccess(svc, name)
}

// markFailure updates health counters and lets the freeze manager decide on
// quarantine. transportErr marks connect/read faults, which freeze
// unconditionally.
func (f *Forwarder) markFailure(svc family.Service, name string, transportErr bool) {
	hc := f.store.Snapshot(svc).LoadBalancer.HealthCheck
	f.tracker.MarkFailure(svc, name, hc.FailureThreshold)
	f.freezer.HandleFailure(svc, name, transportErr)
}

// resolveCredentials expands the endpoint's credential references.
func (f *Forwarder) resolveCredentials(endpoint family.Profile) (apiKey, authToken string, err error) {
	if endpoint.APIKey != "" {
		apiKey, err = f.vault.Resolve(endpoint.APIKey)
		if err != nil {
			return "", "", err
		}
	}
	if endpoint.AuthToken != "" {
		authToken, err = f.vault.Resolve(endpoint.AuthToken)
		if err != nil {
			return "", "", err
		}
	}
	return apiKey, authToken, nil
}

// finish stamps the duration and dispatches the log record. The log path is
// fire-and-forget; a nil logger drops the record.
func (f *Forwarder) finish(rec *store.Request, start time.Time) {
	rec.DurationMs = time.Since(start).Milliseconds()
	if f.collector != nil {
		f.collector.Record(family.Service(rec.Service), rec.StatusCode, rec.Streamed, rec.InputTokens, rec.OutputTokens)
	}
	if f.logs != nil {
		f.logs.Log(rec)
	}
}

// estimateInputTokens falls back to a tiktoken estimate of the request
// messages when the upstream reported no usage.
func (f *Forwarder) estimateInputTokens(model string, body []byte) int {
	if f.tok == nil || len(body) == 0 {
		return 0
	}

	var tree struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &tree); err != nil || len(tree.Messages) == 0 {
		return 0
	}

	msgs := make([]tokenizer.Message, 0, len(tree.Messages))
	for _, m := range tree.Messages {
		msgs = append(msgs, tokenizer.Message{Role: m.Role, Content: flattenContent(m.Content)})
	}
	return f.tok.CountMessages(model, msgs)
}

// flattenContent extracts the text of a message content field that may be a
// plain string or an array of typed blocks.
func flattenContent(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}

	var blocks []map[string]any
	if json.Unmarshal(raw, &blocks) != nil {
		return ""
	}
	var b strings.Builder
	for _, block := range blocks {
		if text, ok := block["text"].(string); ok {
			b.WriteString(text)
		}
	}
	return b.String()
}

// relayStream forwards upstream bytes to the client chunk by chunk: a reader
// task pulls from upstream onto a bounded channel, the writer loop pushes
// each chunk to the client with an immediate flush and mirrors it into the
// capture buffer. The client sees the first byte as soon as upstream emits
// it, chunks arrive in order, and a client disconnect cancels the upstream
// read via the request context.
func (f *Forwarder) relayStream(ctx context.Context, w http.ResponseWriter, body io.Reader) ([]byte, error) {
	flusher, _ := w.(http.Flusher)

	chunks := make(chan []byte, 8)
	readErr := make(chan error, 1)

	go func() {
		defer close(chunks)
		for {
			buf := make([]byte, 32*1024)
			n, err := body.Read(buf)
			if n > 0 {
				select {
				case chunks <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					readErr <- err
				}
				return
			}
		}
	}()

	var capture bytes.Buffer
	for chunk := range chunks {
		if _, err := w.Write(chunk); err != nil {
			return capture.Bytes(), err
		}
		if flusher != nil {
			flusher.Flush()
		}
		if capture.Len() < maxCaptureSize {
			capture.Write(chunk)
		}
	}

	select {
	case err := <-readErr:
		return capture.Bytes(), err
	default:
	}
	return capture.Bytes(), ctx.Err()
}

// relayBuffered streams a non-SSE body to the client while mirroring it into
// the capture buffer.
func relayBuffered(w http.ResponseWriter, body io.Reader) ([]byte, error) {
	var capture bytes.Buffer
	tee := io.TeeReader(io.LimitReader(body, maxCaptureSize), &capture)

	if _, err := io.Copy(w, tee); err != nil {
		return capture.Bytes(), err
	}
	// Anything beyond the capture cap still reaches the client.
	if _, err := io.Copy(w, body); err != nil {
		return capture.Bytes(), err
	}
	return capture.Bytes(), nil
}

// modelOf extracts the top-level model field from a JSON request body.
func modelOf(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var tree struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &tree); err != nil {
		return ""
	}
	return tree.Model
}

// writeJSONError writes a JSON error envelope with the given status code.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	data, _ := json.Marshal(map[string]string{"error": message})
	_, _ = w.Write(data)
}

// limitString truncates a string to max bytes at a rune boundary, appending
// an ellipsis when anything was cut.
func limitString(input string, max int) string {
	if len(input) <= max {
		return input
	}

	var b strings.Builder
	for _, ch := range input {
		if b.Len()+len(string(ch)) > max {
			break
		}
		b.WriteRune(ch)
	}
	if b.Len() < len(input) {
		b.WriteString("…")
	}
	return b.String()
}
