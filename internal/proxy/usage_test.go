package proxy

import (
	"strings"
	"testing"

	"github.com/allaspectsdev/paf/internal/family"
)

func TestExtractUsage_AnthropicJSON(t *testing.T) {
	body := []byte(`{"model":"claude-3-haiku","usage":{"input_tokens":12,"output_tokens":7}}`)
	u := ExtractUsage(family.Claude, body)
	if u.InputTokens != 12 || u.OutputTokens != 7 {
		t.Errorf("usage = %+v", u)
	}
	if u.Model != "claude-3-haiku" {
		t.Errorf("model = %q", u.Model)
	}
	if u.Total() != 19 {
		t.Errorf("total = %d", u.Total())
	}
}

func TestExtractUsage_OpenAIJSON(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","usage":{"prompt_tokens":30,"completion_tokens":11,"total_tokens":41}}`)
	u := ExtractUsage(family.Codex, body)
	if u.InputTokens != 30 || u.OutputTokens != 11 {
		t.Errorf("usage = %+v", u)
	}
}

func TestExtractUsage_AnthropicSSE(t *testing.T) {
	stream := strings.Join([]string{
		"event: message_start",
		`data: {"type":"message_start","message":{"model":"claude-3-haiku","usage":{"input_tokens":5}}}`,
		"",
		"event: content_block_delta",
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}`,
		"",
		"event: message_stop",
		`data: {"type":"message_stop","usage":{"input_tokens":5,"output_tokens":2}}`,
		"",
	}, "\n")

	u := ExtractUsage(family.Claude, []byte(stream))
	if u.InputTokens != 5 || u.OutputTokens != 2 {
		t.Errorf("usage = %+v, want 5/2", u)
	}
	if u.Model != "claude-3-haiku" {
		t.Errorf("model = %q", u.Model)
	}
}

func TestExtractUsage_OpenAITrailingUsage(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"model":"gpt-4o","choices":[{"delta":{"content":"he"}}]}`,
		"",
		`data: {"model":"gpt-4o","choices":[{"delta":{"content":"llo"}}]}`,
		"",
		`data: {"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":4}}`,
		"",
		"data: [DONE]",
		"",
	}, "\n")

	u := ExtractUsage(family.Codex, []byte(stream))
	if u.InputTokens != 9 || u.OutputTokens != 4 {
		t.Errorf("usage = %+v, want 9/4", u)
	}
}

func TestExtractUsage_ToleratesGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("{broken json"),
		[]byte("data: {also broken\n\n"),
		[]byte(`{"usage":"not an object"}`),
		[]byte(`{"usage":{"input_tokens":"NaN"}}`),
	}
	for _, c := range cases {
		u := ExtractUsage(family.Claude, c)
		if u.Found() {
			t.Errorf("garbage %q produced usage %+v", c, u)
		}
	}
}

func TestSSEReader_MultilineDataAndComments(t *testing.T) {
	stream := ": keep-alive comment\n" +
		"event: delta\n" +
		"data: line1\n" +
		"data: line2\n" +
		"\n"

	r := NewSSEReader(strings.NewReader(stream))
	evt, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if evt.Event != "delta" {
		t.Errorf("event = %q", evt.Event)
	}
	if evt.Data != "line1\nline2" {
		t.Errorf("data = %q", evt.Data)
	}
}

func TestSSEReader_EventWithoutTrailingBlank(t *testing.T) {
	r := NewSSEReader(strings.NewReader("data: tail"))
	evt, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if evt.Data != "tail" {
		t.Errorf("data = %q", evt.Data)
	}
}
