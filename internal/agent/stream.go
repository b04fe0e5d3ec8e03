package agent

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// maxLineBytes bounds a single stream-json line. Longer lines are dropped.
const maxLineBytes = 1 << 20

// streamMessage is the part of a stream-json line the client acts on.
type streamMessage struct {
	Type      string
	Role      string
	SessionID string
	Text      string
	Result    string
}

func (m streamMessage) isUser() bool      { return m.Type == "user" || m.Role == "user" }
func (m streamMessage) isAssistant() bool { return m.Type == "assistant" || m.Role == "assistant" }
func (m streamMessage) isResult() bool    { return m.Type == "result" }

// parseStreamLine decodes one line. Lines that are not JSON objects report false.
func parseStreamLine(line []byte) (streamMessage, bool) {
	var obj map[string]any
	if err := json.Unmarshal(line, &obj); err != nil || obj == nil {
		return streamMessage{}, false
	}

	msg := streamMessage{
		Type:      stringField(obj, "type"),
		SessionID: stringField(obj, "session_id"),
	}
	if inner, ok := obj["message"].(map[string]any); ok {
		msg.Role = stringField(inner, "role")
	}
	if msg.isResult() {
		msg.Result = stringField(obj, "result")
	} else if msg.isUser() || msg.isAssistant() {
		msg.Text = extractText(obj)
	}
	return msg, true
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

// extractText digs the human-readable text out of a message envelope.
// Content may be a string or a list of blocks; blocks are concatenated.
func extractText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := extractText(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	case map[string]any:
		if inner, ok := t["message"].(map[string]any); ok {
			return extractText(inner)
		}
		switch content := t["content"].(type) {
		case string:
			return content
		case []any:
			var b strings.Builder
			for _, item := range content {
				b.WriteString(extractText(item))
			}
			return b.String()
		}
		for _, key := range []string{"text", "message", "data"} {
			if s := extractText(t[key]); s != "" {
				return s
			}
		}
	}
	return ""
}

// scanLines calls fn for each newline-terminated line of r with the line
// ending stripped. Lines longer than limit are skipped without stopping the
// scan. fn must not retain the slice.
func scanLines(r io.Reader, limit int, fn func(line []byte)) (dropped int, err error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var buf []byte
	overflow := false
	for {
		chunk, readErr := br.ReadSlice('\n')
		if len(chunk) > 0 && !overflow {
			if len(buf)+len(chunk) > limit+1 {
				overflow = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case errors.Is(readErr, bufio.ErrBufferFull):
			continue
		case readErr == nil:
			if overflow {
				dropped++
			} else {
				fn(bytes.TrimRight(buf, "\r\n"))
			}
			buf = buf[:0]
			overflow = false
		case errors.Is(readErr, io.EOF):
			if overflow {
				dropped++
			} else if len(buf) > 0 {
				fn(bytes.TrimRight(buf, "\r\n"))
			}
			return dropped, nil
		default:
			return dropped, readErr
		}
	}
}
