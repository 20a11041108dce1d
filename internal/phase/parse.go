package phase

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mpataki/adw/internal/models"
)

// stripCodeFences removes a surrounding ``` block if present.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// extractJSON returns the JSON object in an assistant reply. The last fenced
// block holding a valid object wins; otherwise the outermost {...} span of
// the reply is used.
func extractJSON(text string) ([]byte, error) {
	if raw := lastFencedObject(text); raw != nil {
		return raw, nil
	}
	s := stripCodeFences(text)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON object in %q", ErrParseOutput, abbreviate(text))
	}
	raw := []byte(s[start : end+1])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: invalid JSON %q", ErrParseOutput, abbreviate(string(raw)))
	}
	return raw, nil
}

// lastFencedObject returns the body of the last ``` block in text that is a
// valid JSON object, or nil.
func lastFencedObject(text string) []byte {
	parts := strings.Split(text, "```")
	// Fenced bodies sit at odd indexes; a trailing unclosed fence is ignored.
	last := len(parts) - 2
	if last%2 == 0 {
		last--
	}
	for i := last; i >= 1; i -= 2 {
		body := parts[i]
		if nl := strings.Index(body, "\n"); nl >= 0 && !strings.HasPrefix(strings.TrimSpace(body), "{") {
			body = body[nl+1:] // drop the info string, e.g. json
		}
		body = strings.TrimSpace(body)
		if strings.HasPrefix(body, "{") && json.Valid([]byte(body)) {
			return []byte(body)
		}
	}
	return nil
}

// extractPath returns the file path an assistant answered with: the last
// non-empty line, without quotes, backticks or a trailing period.
func extractPath(text string) string {
	lines := strings.Split(stripCodeFences(text), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		line = strings.Trim(line, "`'\"*")
		line = strings.TrimSuffix(line, ".")
		if line == "" {
			continue
		}
		if _, after, ok := strings.Cut(line, ": "); ok && !strings.ContainsAny(after, " ") {
			line = strings.Trim(after, "`'\"*")
		}
		return line
	}
	return ""
}

func parseTestResults(text string) (*models.TestResults, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	var tr models.TestResults
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, fmt.Errorf("%w: test results: %v", ErrParseOutput, err)
	}
	if tr.Failed < len(tr.Failures) {
		tr.Failed = len(tr.Failures)
	}
	if tr.Failures == nil {
		tr.Failures = []models.TestFailure{}
	}
	return &tr, nil
}

func parseFindings(text string) (*models.ReviewFindings, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	var rf models.ReviewFindings
	if err := json.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("%w: review findings: %v", ErrParseOutput, err)
	}
	for i := range rf.Findings {
		sev := models.Severity(strings.ToLower(strings.TrimSpace(string(rf.Findings[i].Severity))))
		switch sev {
		case models.SeverityBlocker, models.SeverityWarning, models.SeverityInfo:
		default:
			sev = models.SeverityInfo
		}
		rf.Findings[i].Severity = sev
	}
	if rf.Findings == nil {
		rf.Findings = []models.Finding{}
	}
	rf.Tally()
	return &rf, nil
}

// parseTaskType accepts a reply consisting of exactly one label, allowing
// case differences, a leading slash, quotes and code fences.
func parseTaskType(text string) *models.TaskType {
	s := strings.ToLower(stripCodeFences(text))
	s = strings.Trim(s, " \t\r\n`'\".")
	s = strings.TrimPrefix(s, "/")
	t, err := models.ParseTaskType(s)
	if err != nil {
		return nil
	}
	return &t
}

func abbreviate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 120 {
		return s[:120] + "…"
	}
	return s
}

func toJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
