package proxy

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/allaspectsdev/paf/internal/family"
)

// Usage is the token accounting extracted from an upstream response.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	Model        string
}

// Total returns the combined token count.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Found reports whether a non-zero input or output token count was extracted.
func (u Usage) Found() bool {
	return u.InputTokens > 0 || u.OutputTokens > 0
}

// ExtractUsage pulls token usage out of a buffered upstream response body.
// Plain JSON bodies are inspected directly; anything else is treated as a
// captured SSE stream. Malformed data yields a zero Usage; the parser
// tolerates unknown shapes and never fails the request.
func ExtractUsage(svc family.Service, body []byte) Usage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Usage{}
	}

	if trimmed[0] == '{' {
		var tree map[string]any
		if err := json.Unmarshal(trimmed, &tree); err == nil {
			return usageFromTree(svc, tree)
		}
		return Usage{}
	}

	return extractSSEUsage(svc, body)
}

// extractSSEUsage walks every event in a captured SSE stream and keeps the
// latest usage values seen. Anthropic streams report input tokens at
// message_start and output tokens in message_delta / message_stop events;
// OpenAI streams attach a trailing usage object to the final chunk.
func extractSSEUsage(svc family.Service, stream []byte) Usage {
	reader := NewSSEReader(bytes.NewReader(stream))

	var total Usage
	for {
		evt, err := reader.Next()
		if err != nil {
			if err != io.EOF {
				return total
			}
			break
		}
		if evt.Data == "" || evt.Data == "[DONE]" {
			continue
		}

		var tree map[string]any
		if json.Unmarshal([]byte(evt.Data), &tree) != nil {
			continue
		}

		u := usageFromTree(svc, tree)
		if u.InputTokens > 0 {
			total.InputTokens = u.InputTokens
		}
		if u.OutputTokens > 0 {
			total.OutputTokens = u.OutputTokens
		}
		if u.Model != "" {
			total.Model = u.Model
		}
	}
	return total
}

// usageFromTree digs usage fields out of one decoded JSON object using
// explicit presence checks at every step.
func usageFromTree(svc family.Service, tree map[string]any) Usage {
	var u Usage

	if model, ok := tree["model"].(string); ok {
		u.Model = model
	}
	// Anthropic message_start events nest the message object.
	if msg, ok := tree["message"].(map[string]any); ok {
		if model, ok := msg["model"].(string); ok && u.Model == "" {
			u.Model = model
		}
		if usage, ok := msg["usage"].(map[string]any); ok {
			u.InputTokens = jsonInt(usage, "input_tokens")
			u.OutputTokens = jsonInt(usage, "output_tokens")
		}
	}

	usage, ok := tree["usage"].(map[string]any)
	if !ok {
		return u
	}

	switch svc {
	case family.Claude:
		if n := jsonInt(usage, "input_tokens"); n > 0 {
			u.InputTokens = n
		}
		if n := jsonInt(usage, "output_tokens"); n > 0 {
			u.OutputTokens = n
		}
	case family.Codex:
		if n := jsonInt(usage, "prompt_tokens"); n > 0 {
			u.InputTokens = n
		}
		if n := jsonInt(usage, "completion_tokens"); n > 0 {
			u.OutputTokens = n
		}
	}
	return u
}

// jsonInt reads a numeric field from a decoded JSON object, tolerating the
// float64 representation encoding/json produces.
func jsonInt(tree map[string]any, key string) int64 {
	v, ok := tree[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0
		}
		return i
	}
	return 0
}
