package redact

import (
	"strings"
	"testing"
)

func TestRedactJSONMasksNestedKeys(t *testing.T) {
	out := RedactJSON(`{"user":{"password":"hunter2","name":"ann"},"items":[{"token":"x"}]}`)
	if strings.Contains(out, "hunter2") || strings.Contains(out, `"x"`) {
		t.Fatalf("secret leaked: %s", out)
	}
	if !strings.Contains(out, `"name":"ann"`) {
		t.Fatalf("non-sensitive field lost: %s", out)
	}
}

func TestRedactJSONLeavesPlainText(t *testing.T) {
	if got := RedactJSON("not json {"); got != "not json {" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestRedactURL(t *testing.T) {
	out := RedactURL("https://api.example.com/v1/items?access_token=abc&page=2")
	if strings.Contains(out, "abc") || !strings.Contains(out, "page=2") {
		t.Fatalf("unexpected: %s", out)
	}
	out = RedactURL("https://bob:pw@example.com/")
	if strings.Contains(out, "pw@") {
		t.Fatalf("password leaked: %s", out)
	}
	if got := RedactURL("/relative/path"); got != "/relative/path" {
		t.Fatalf("unexpected: %s", got)
	}
}
