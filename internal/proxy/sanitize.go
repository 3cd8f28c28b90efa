package proxy

import (
	"encoding/json"
	"strings"
)

// droppedBlockTypes are the content block types stripped from Anthropic-family
// request bodies before forwarding. Reasoning traces echoed back by clients
// are rejected by some upstreams and waste input tokens on the rest.
var droppedBlockTypes = map[string]struct{}{
	"thinking":           {},
	"assistant_thinking": {},
	"reasoning":          {},
}

// SanitizeAnthropicBody removes reasoning content blocks from the messages
// (and previous_messages) arrays of an Anthropic-family request body.
//
// When nothing is removed the original bytes are returned verbatim:
// byte-exact preservation matters for upstreams that hash the payload. A body
// that is not valid JSON is returned unchanged with removed == 0; sanitise
// failures are never fatal.
func SanitizeAnthropicBody(raw []byte) (out []byte, removed int) {
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return raw, 0
	}

	for _, key := range []string{"messages", "previous_messages"} {
		msgs, ok := tree[key].([]any)
		if !ok {
			continue
		}
		for _, m := range msgs {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			content, ok := msg["content"].([]any)
			if !ok {
				// String content (or anything non-array) passes through.
				continue
			}

			kept := content[:0]
			for _, block := range content {
				if isDroppedBlock(block) {
					removed++
					continue
				}
				kept = append(kept, block)
			}
			msg["content"] = kept
		}
	}

	if removed == 0 {
		return raw, 0
	}

	reencoded, err := json.Marshal(tree)
	if err != nil {
		return raw, 0
	}
	return reencoded, removed
}

// isDroppedBlock reports whether a content block carries a reasoning type.
// The type comparison is case-insensitive.
func isDroppedBlock(block any) bool {
	obj, ok := block.(map[string]any)
	if !ok {
		return false
	}
	typ, ok := obj["type"].(string)
	if !ok {
		return false
	}
	_, drop := droppedBlockTypes[strings.ToLower(typ)]
	return drop
}
