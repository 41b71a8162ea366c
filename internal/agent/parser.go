package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidVerdict is returned when a decision answer lacks a boolean should_respond.
var ErrInvalidVerdict = errors.New("invalid decision verdict")

// verdict is the answer expected from the decision oracle.
type verdict struct {
	ShouldRespond   bool   `json:"should_respond" jsonschema:"description=true if the agent should post a message now"`
	Reason          string `json:"reason" jsonschema:"description=short explanation of the verdict"`
	TargetMessageID string `json:"target_message_id,omitempty" jsonschema:"description=id of a message to reply to; empty for a standalone post"`
}

// ToolRequest names a tool and the input to run it with.
type ToolRequest struct {
	Name  string `json:"name" jsonschema:"enum=python,enum=web_search,enum=web_fetch"`
	Input string `json:"input" jsonschema:"description=python code, search query or URL"`
}

// generationOutput is the answer expected from the generation oracle.
type generationOutput struct {
	Message           string       `json:"message" jsonschema:"description=the reply to post, or a draft while tools run"`
	NeedsTool         bool         `json:"needs_tool"`
	ContinueIterating *bool        `json:"continue_iterating,omitempty"`
	Tool              *ToolRequest `json:"tool,omitempty"`
}

// continues reports whether the oracle wants another iteration. An absent
// continue_iterating counts as true when a tool was requested.
func (g generationOutput) continues() bool {
	return g.ContinueIterating == nil || *g.ContinueIterating
}

// parseVerdict decodes a decision answer. should_respond must be present and
// boolean; other fields default to empty.
func parseVerdict(raw string) (verdict, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return verdict{}, fmt.Errorf("%w: %v", ErrInvalidVerdict, err)
	}

	var v verdict
	rawVerdict, ok := obj["should_respond"]
	if !ok || string(rawVerdict) == "null" {
		return verdict{}, fmt.Errorf("%w: should_respond missing", ErrInvalidVerdict)
	}
	if err := json.Unmarshal(rawVerdict, &v.ShouldRespond); err != nil {
		return verdict{}, fmt.Errorf("%w: should_respond is not a boolean", ErrInvalidVerdict)
	}

	if r, ok := obj["reason"]; ok {
		_ = json.Unmarshal(r, &v.Reason)
	}
	if t, ok := obj["target_message_id"]; ok {
		if err := json.Unmarshal(t, &v.TargetMessageID); err != nil {
			// Some models send numeric ids.
			var n json.Number
			if json.Unmarshal(t, &n) == nil {
				v.TargetMessageID = n.String()
			}
		}
	}
	v.TargetMessageID = strings.TrimSpace(v.TargetMessageID)
	return v, nil
}

// parseGeneration decodes a generation answer. It fails when no JSON object is
// found or the object has no message field.
func parseGeneration(raw string) (generationOutput, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return generationOutput{}, err
	}
	if _, ok := obj["message"]; !ok {
		return generationOutput{}, errors.New("message field missing")
	}

	var out generationOutput
	if err := remarshal(obj, &out); err != nil {
		return generationOutput{}, err
	}
	return out, nil
}

// decodeObject finds the first JSON object in raw, tolerating code fences,
// leaked role prefixes, surrounding prose and invalid escapes.
func decodeObject(raw string) (map[string]json.RawMessage, error) {
	content := stripCodeFence(stripRolePrefix(strings.TrimSpace(raw)))

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &obj); err == nil {
		return obj, nil
	}

	start, end := findJSONBounds(content)
	if start < 0 || content[start] != '{' {
		return nil, errors.New("no JSON object in output")
	}
	candidate := content[start:end]
	if err := json.Unmarshal([]byte(candidate), &obj); err == nil {
		return obj, nil
	}
	if err := json.Unmarshal([]byte(sanitizeJSONEscapes(candidate)), &obj); err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}
	return obj, nil
}

func remarshal(obj map[string]json.RawMessage, dst any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func stripCodeFence(content string) string {
	if !strings.HasPrefix(content, "```") {
		return content
	}
	lines := strings.Split(content, "\n")
	if len(lines) >= 3 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
	}
	return content
}

// findJSONBounds locates the first top-level JSON object ({}) or array ([]) in s.
// Returns the start index and end+1 index, or (-1, -1) if not found.
func findJSONBounds(s string) (int, int) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return -1, -1
	}

	openChar := s[start]
	var closeChar byte
	if openChar == '{' {
		closeChar = '}'
	} else {
		closeChar = ']'
	}

	depth := 0
	inStr := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			if ch == '\\' {
				i++
				continue
			}
			if ch == '"' {
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case openChar:
			depth++
		case closeChar:
			depth--
			if depth == 0 {
				return start, i + 1
			}
		}
	}
	return -1, -1
}

// stripRolePrefix removes role-name prefixes that some models leak into their
// content: "assistant\nHello" and "Assistant: Hello" both become "Hello".
func stripRolePrefix(content string) string {
	prefixes := []string{
		"assistant\n",
		"Assistant\n",
		"assistant:\n",
		"Assistant:\n",
		"assistant: ",
		"Assistant: ",
	}
	for _, p := range prefixes {
		if strings.HasPrefix(content, p) {
			return strings.TrimSpace(content[len(p):])
		}
	}
	return content
}

// sanitizeJSONEscapes drops the backslash from escape sequences JSON does not
// allow (\% or \Y), keeping \", \\, \/, \b, \f, \n, \r, \t and \uXXXX.
func sanitizeJSONEscapes(s string) string {
	var buf strings.Builder
	buf.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '"' && (i == 0 || s[i-1] != '\\') {
			inString = !inString
			buf.WriteByte(ch)
			continue
		}
		if inString && ch == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
				buf.WriteByte(ch)
			}
			continue
		}
		buf.WriteByte(ch)
	}
	return buf.String()
}
