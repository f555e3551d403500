package llm

import (
	"testing"
)

func TestParseResultDirectJSON(t *testing.T) {
	text := `{"pass": true, "confidence": 0.85, "reasons": ["clean change"], "suggestions": []}`
	res, err := ParseResult(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !res.Pass || res.Confidence != 0.85 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Reasons) != 1 || res.Reasons[0] != "clean change" {
		t.Fatalf("reasons = %v", res.Reasons)
	}
}

func TestParseResultCodeFence(t *testing.T) {
	text := "Here is my review:\n```json\n{\"pass\": false, \"confidence\": 0.7, \"reasons\": [\"missing tests\"]}\n```\nLet me know if you need more."
	res, err := ParseResult(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Pass || res.Confidence != 0.7 {
		t.Fatalf("result = %+v", res)
	}
}

func TestParseResultFenceWithoutLanguageTag(t *testing.T) {
	text := "```\n{\"pass\": true, \"confidence\": 1}\n```"
	res, err := ParseResult(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !res.Pass {
		t.Fatalf("result = %+v", res)
	}
}

func TestParseResultProseWrapped(t *testing.T) {
	text := `After careful review I conclude: {"pass": false, "confidence": 0.9, "code_issues": [{"severity": "error", "message": "nil deref", "file": "a.go", "line": 10}]} which settles it.`
	res, err := ParseResult(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Pass {
		t.Fatal("pass should be false")
	}
	if len(res.CodeIssues) != 1 || res.CodeIssues[0].Severity != SeverityError {
		t.Fatalf("issues = %v", res.CodeIssues)
	}
	if res.CodeIssues[0].Line != 10 {
		t.Fatalf("line = %d", res.CodeIssues[0].Line)
	}
}

func TestParseResultConfidenceClamped(t *testing.T) {
	over, err := ParseResult(`{"pass": true, "confidence": 3.5}`)
	if err != nil {
		t.Fatal(err)
	}
	if over.Confidence != 1 {
		t.Fatalf("confidence = %v, want clamped to 1", over.Confidence)
	}

	under, err := ParseResult(`{"pass": false, "confidence": -2}`)
	if err != nil {
		t.Fatal(err)
	}
	if under.Confidence != 0 {
		t.Fatalf("confidence = %v, want clamped to 0", under.Confidence)
	}
}

func TestParseResultRejectsGarbage(t *testing.T) {
	for _, text := range []string{"", "   ", "no json here", "{broken", "}{"} {
		if _, err := ParseResult(text); err == nil {
			t.Errorf("ParseResult(%q) should error", text)
		}
	}
}

func TestHasErrorIssues(t *testing.T) {
	r := &Result{CodeIssues: []CodeIssue{
		{Severity: SeverityInfo, Message: "nit"},
		{Severity: SeverityWarning, Message: "smell"},
	}}
	if r.HasErrorIssues() {
		t.Fatal("no error issues present")
	}
	if !r.HasWarningIssues() {
		t.Fatal("warning issue present")
	}
	r.CodeIssues = append(r.CodeIssues, CodeIssue{Severity: SeverityError, Message: "bug"})
	if !r.HasErrorIssues() {
		t.Fatal("error issue present")
	}
}
