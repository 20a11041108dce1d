package phase

import (
	"errors"
	"testing"

	"github.com/mpataki/adw/internal/models"
)

func TestExtractPath(t *testing.T) {
	tests := map[string]string{
		"specs/plan.md":                              "specs/plan.md",
		"I wrote the plan.\n\n`specs/plan.md`\n":     "specs/plan.md",
		"Plan file: specs/plan.md.":                  "specs/plan.md",
		"```\n/abs/docs/feature.md\n```":             "/abs/docs/feature.md",
		"**docs/x.md**":                              "docs/x.md",
		"  \n\n":                                     "",
		"Done: the plan is in specs/plan.md for you": "Done: the plan is in specs/plan.md for you",
	}
	for in, want := range tests {
		if got := extractPath(in); got != want {
			t.Errorf("extractPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseTaskType(t *testing.T) {
	tests := []struct {
		in   string
		want models.TaskType
		ok   bool
	}{
		{"feature", models.TaskFeature, true},
		{"/Bug\n", models.TaskBug, true},
		{"```\nchore\n```", models.TaskChore, true},
		{"`refactor`.", models.TaskRefactor, true},
		{"bug or feature", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got := parseTaskType(tt.in)
		if (got != nil) != tt.ok || (got != nil && *got != tt.want) {
			t.Errorf("parseTaskType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseTestResults(t *testing.T) {
	tr, err := parseTestResults("Ran the suite.\n```json\n{\"passed\":3,\"failed\":0,\"failures\":[{\"name\":\"a\",\"message\":\"b\"}]}\n```")
	if err != nil {
		t.Fatal(err)
	}
	if tr.Passed != 3 || tr.Failed != 1 {
		t.Fatalf("failed should count listed failures: %+v", tr)
	}

	if _, err := parseTestResults("all good!"); !errors.Is(err, ErrParseOutput) {
		t.Fatalf("expected ErrParseOutput, got %v", err)
	}
}

func TestParseFindings(t *testing.T) {
	rf, err := parseFindings(`{"summary":"s","findings":[
		{"severity":"BLOCKER","description":"a"},
		{"severity":"warning","description":"b"},
		{"severity":"nit","description":"c"}]}`)
	if err != nil {
		t.Fatal(err)
	}
	if rf.Blockers != 1 || rf.Warnings != 1 || rf.Infos != 1 {
		t.Fatalf("unexpected tally %+v", rf)
	}
	if rf.Findings[2].Severity != models.SeverityInfo {
		t.Fatalf("unknown severities should become info")
	}

	rf, err = parseFindings(`{"summary":"clean"}`)
	if err != nil || rf.Findings == nil || rf.Blockers != 0 {
		t.Fatalf("unexpected %+v %v", rf, err)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"bare object", `{"passed":1}`, `{"passed":1}`},
		{"prose around object", "Result: {\"passed\":1} done", `{"passed":1}`},
		{"braces in prose before fence", "I fixed the {config} loader.\n```json\n{\"passed\":2,\"failed\":0}\n```\nAll set.", `{"passed":2,"failed":0}`},
		{"last fenced object wins", "```json\n{\"passed\":1}\n```\nthen again:\n```json\n{\"passed\":5}\n```", `{"passed":5}`},
		{"fence without info string", "```\n{\"a\":true}\n```", `{"a":true}`},
		{"code fence before json fence", "```go\nfunc f() { return }\n```\n```json\n{\"ok\":true}\n```", `{"ok":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := extractJSON(tt.text)
			if err != nil {
				t.Fatalf("extractJSON: %v", err)
			}
			if string(raw) != tt.want {
				t.Fatalf("got %s, want %s", raw, tt.want)
			}
		})
	}

	if _, err := extractJSON("see {this} and {that}"); !errors.Is(err, ErrParseOutput) {
		t.Fatalf("expected ErrParseOutput, got %v", err)
	}
}
