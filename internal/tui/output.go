package tui

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
)

// finalOutput returns the assistant's final answer from a phase transcript.
// Only the last invocation in the file counts. Each CLI's event shape is
// recognised, and plain text lines (wrapped as {"type":"text"}) are joined.
func finalOutput(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var (
		lastContent string
		result      string
		plain       []string
	)
	scanner := bufio.NewScanner(file)
	// Increase buffer size for large lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}

		switch entry["type"] {
		case "invocation":
			lastContent, result, plain = "", "", nil

		case "assistant":
			if text := assistantText(entry); text != "" {
				lastContent = text
			}

		case "result":
			if r, ok := entry["result"].(string); ok && r != "" {
				result = r
			}

		case "item.completed":
			if item, ok := entry["item"].(map[string]any); ok && item["type"] == "agent_message" {
				if t, ok := item["text"].(string); ok {
					lastContent = t
				}
			}

		case "text":
			if t, ok := entry["text"].(string); ok {
				plain = append(plain, t)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	switch {
	case result != "":
		return result, nil
	case lastContent != "":
		return lastContent, nil
	case len(plain) > 0:
		return strings.TrimSpace(strings.Join(plain, "\n")), nil
	}
	return "(no output found)", nil
}

// assistantText joins the text blocks of a stream-json assistant message.
func assistantText(entry map[string]any) string {
	msg, ok := entry["message"].(map[string]any)
	if !ok {
		return ""
	}
	content, ok := msg["content"].([]any)
	if !ok {
		return ""
	}
	var text string
	for _, block := range content {
		if b, ok := block.(map[string]any); ok && b["type"] == "text" {
			if t, ok := b["text"].(string); ok {
				text += t
			}
		}
	}
	return text
}
