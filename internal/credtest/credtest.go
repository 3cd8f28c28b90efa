package credtest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/allaspectsdev/paf/internal/family"
	"github.com/allaspectsdev/paf/internal/results"
	"github.com/allaspectsdev/paf/internal/store"
	"github.com/allaspectsdev/paf/internal/vault"
)

// testTimeout bounds a single credential test end to end.
const testTimeout = 10 * time.Second

// Fallback models used when the endpoint's model list cannot be fetched.
const (
	fallbackClaudeModel = "claude-3-5-sonnet-20241022"
	fallbackCodexModel  = "gpt-4.1-mini"
)

// RequestLogger receives the log record of each credential test.
type RequestLogger interface {
	Log(*store.Request)
}

// Runner executes one-shot credential tests against a single endpoint
// profile. The OpenAI family is tested in-process with a minimal
// chat-completions request; the Anthropic family shells out to the `claude`
// CLI inside an isolated sandbox directory.
type Runner struct {
	vault   *vault.Vault
	client  *http.Client
	logs    RequestLogger
	results *results.Cache
	logger  zerolog.Logger

	// claudeBin is the external CLI invoked for Anthropic-family tests.
	// Overridable for testing.
	claudeBin string
}

// NewRunner creates a Runner.
func NewRunner(v *vault.Vault, logs RequestLogger, res *results.Cache, logger zerolog.Logger) *Runner {
	return &Runner{
		vault:     v,
		client:    &http.Client{Timeout: testTimeout},
		logs:      logs,
		results:   res,
		logger:    logger,
		claudeBin: "claude",
	}
}

// Run executes the credential test and records its outcome in both the
// request log and the last-results cache.
func (r *Runner) Run(ctx context.Context, svc family.Service, profile family.Profile) results.Outcome {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()

	var outcome results.Outcome
	switch svc {
	case family.Codex:
		outcome = r.testCodex(ctx, profile)
	case family.Claude:
		outcome = r.testClaude(ctx, profile)
	default:
		outcome = results.Outcome{Message: fmt.Sprintf("unknown service %q", svc)}
	}

	outcome.Source = "test"
	outcome.DurationMs = time.Since(start).Milliseconds()
	outcome.CompletedAt = time.Now()

	if r.results != nil {
		r.results.Record(svc, profile.Name, outcome)
	}
	if r.logs != nil {
		errMsg := ""
		if !outcome.Success {
			errMsg = outcome.Message
		}
		r.logs.Log(&store.Request{
			ID:           uuid.New().String(),
			Timestamp:    start.UTC().Format(time.RFC3339),
			Service:      string(svc),
			Method:       outcome.Method,
			Path:         outcome.Path,
			StatusCode:   outcome.StatusCode,
			DurationMs:   outcome.DurationMs,
			Channel:      "config-test:" + profile.Name,
			TargetURL:    strings.TrimRight(profile.BaseURL, "/") + outcome.Path,
			ErrorMessage: errMsg,
			ResponseBody: outcome.ResponsePreview,
		})
	}
	return outcome
}

// testCodex issues a minimal chat-completions request in-process.
func (r *Runner) testCodex(ctx context.Context, profile family.Profile) results.Outcome {
	outcome := results.Outcome{Method: http.MethodPost, Path: "/v1/chat/completions"}

	cred, err := r.credential(profile)
	if err != nil {
		outcome.Message = err.Error()
		return outcome
	}
	if cred == "" {
		outcome.Message = "no API credentials configured"
		return outcome
	}

	base := strings.TrimRight(profile.BaseURL, "/")
	model := r.fetchModelID(ctx, base, cred, "gpt", "o1")
	if model == "" {
		model = fallbackCodexModel
	}

	payload, _ := json.Marshal(map[string]any{
		"model": model,
		"messages": []map[string]string{
			{"role": "user", "content": "health check"},
		},
		"max_tokens": 32,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+outcome.Path, bytes.NewReader(payload))
	if err != nil {
		outcome.Message = err.Error()
		return outcome
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred)

	resp, err := r.client.Do(req)
	if err != nil {
		outcome.Message = err.Error()
		return outcome
	}
	defer resp.Body.Close()

	var preview bytes.Buffer
	_, _ = preview.ReadFrom(io.LimitReader(resp.Body, 4096))

	outcome.StatusCode = resp.StatusCode
	outcome.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	outcome.ResponsePreview = limitString(preview.String(), 256)
	if !outcome.Success {
		outcome.Message = resp.Status
	}
	return outcome
}

// testClaude invokes the external claude CLI against the endpoint inside a
// throwaway sandbox directory, so the test can never touch the operator's
// real CLI state. The sandbox is removed whatever the outcome.
func (r *Runner) testClaude(ctx context.Context, profile family.Profile) results.Outcome {
	outcome := results.Outcome{Method: "CLI", Path: "claude -p"}

	cred, err := r.credential(profile)
	if err != nil {
		outcome.Message = err.Error()
		return outcome
	}
	if cred == "" {
		outcome.Message = "no API credentials configured"
		return outcome
	}

	sandbox, err := os.MkdirTemp("", "paf-credtest-*")
	if err != nil {
		outcome.Message = fmt.Sprintf("creating sandbox: %v", err)
		return outcome
	}
	defer func() {
		if rmErr := os.RemoveAll(sandbox); rmErr != nil {
			r.logger.Warn().Err(rmErr).Str("sandbox", sandbox).Msg("failed to remove credential test sandbox")
		}
	}()

	cmd := exec.CommandContext(ctx, r.claudeBin, "-p", "health check", "--output-format", "text")
	cmd.Dir = sandbox
	cmd.Env = append(os.Environ(),
		"HOME="+sandbox,
		"ANTHROPIC_BASE_URL="+strings.TrimRight(profile.BaseURL, "/"),
	)
	if profile.APIKey != "" {
		cmd.Env = append(cmd.Env, "ANTHROPIC_API_KEY="+cred)
	} else {
		cmd.Env = append(cmd.Env, "ANTHROPIC_AUTH_TOKEN="+cred)
	}

	out, err := cmd.CombinedOutput()
	outcome.ResponsePreview = limitString(strings.TrimSpace(string(out)), 256)

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		outcome.Message = "credential test timed out"
	case err != nil:
		outcome.Message = err.Error()
	default:
		outcome.Success = true
		outcome.StatusCode = http.StatusOK
	}
	return outcome
}

// credential resolves whichever credential the profile carries.
func (r *Runner) credential(profile family.Profile) (string, error) {
	switch {
	case profile.APIKey != "":
		return r.vault.Resolve(profile.APIKey)
	case profile.AuthToken != "":
		return r.vault.Resolve(profile.AuthToken)
	}
	return "", nil
}

// fetchModelID asks the endpoint for its model list and returns the first id
// matching any of the given prefixes, or failing that the first id at all.
// Gateways disagree on the envelope: some respond under "data", others under
// "models", so both keys are checked.
func (r *Runner) fetchModelID(ctx context.Context, base, cred string, prefixes ...string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/v1/models", nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Authorization", "Bearer "+cred)

	resp, err := r.client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	type modelEntry struct {
		ID string `json:"id"`
	}
	var payload struct {
		Data   []modelEntry `json:"data"`
		Models []modelEntry `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ""
	}

	entries := payload.Data
	if len(entries) == 0 {
		entries = payload.Models
	}

	for _, m := range entries {
		for _, prefix := range prefixes {
			if strings.HasPrefix(m.ID, prefix) {
				return m.ID
			}
		}
	}
	if len(entries) > 0 {
		return entries[0].ID
	}
	return ""
}

// limitString truncates at a rune boundary, appending an ellipsis when
// anything was cut.
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
