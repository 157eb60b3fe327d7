package contenthash

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Node is one element of an editor document tree.
type Node struct {
	Type    string         `json:"type,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark is an inline formatting annotation.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// blockTypes end a line when flattening to plain text.
var blockTypes = map[string]bool{
	"paragraph":      true,
	"heading":        true,
	"blockquote":     true,
	"codeBlock":      true,
	"code_block":     true,
	"listItem":       true,
	"list_item":      true,
	"horizontalRule": true,
}

// ParseNode decodes raw as a document tree. ok is false for absent, null or
// malformed content.
func ParseNode(raw json.RawMessage) (Node, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Node{}, false
	}
	var n Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return Node{}, false
	}
	return n, true
}

// IsEmpty reports whether raw holds no document: absent, null, an empty
// object, or a root with no children. Malformed content counts as empty.
func IsEmpty(raw json.RawMessage) bool {
	n, ok := ParseNode(raw)
	if !ok {
		return true
	}
	return len(n.Content) == 0
}

// HasSubstantiveContent reports whether at least one child of the root has
// children of its own. A document of only empty paragraphs is not substantive.
func HasSubstantiveContent(raw json.RawMessage) bool {
	n, ok := ParseNode(raw)
	if !ok {
		return false
	}
	for _, child := range n.Content {
		if len(child.Content) > 0 {
			return true
		}
	}
	return false
}

// PlainText flattens the text leaves of raw, ending block nodes with a
// newline. Trailing newlines are trimmed.
func PlainText(raw json.RawMessage) string {
	n, ok := ParseNode(raw)
	if !ok {
		return ""
	}
	var sb strings.Builder
	n.writeText(&sb)
	return strings.TrimRight(sb.String(), "\n")
}

func (n *Node) writeText(sb *strings.Builder) {
	switch n.Type {
	case "text":
		sb.WriteString(n.Text)
		return
	case "hardBreak", "hard_break":
		sb.WriteByte('\n')
		return
	}
	for i := range n.Content {
		n.Content[i].writeText(sb)
	}
	if blockTypes[n.Type] {
		sb.WriteByte('\n')
	}
}
