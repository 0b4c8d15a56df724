package watchers

import (
	"strings"
	"testing"

	"github.com/pulsestack/pulse-apm/internal/config"
)

func testSanitizer() *Sanitizer {
	return NewSanitizer(config.SanitizeConfig{
		SensitivePatterns: []string{"password", "token", "secret", "key", "auth"},
		MaxValueBytes:     100,
	})
}

func TestRedactKeyReplacesSensitiveSubstrings(t *testing.T) {
	s := testSanitizer()

	got := s.RedactKey("session_token:abc123")
	if strings.Contains(strings.ToLower(got), "token") {
		t.Fatalf("sensitive substring survived: %q", got)
	}
	if !strings.Contains(got, "redacted_") {
		t.Fatalf("no marker in redacted key: %q", got)
	}
	if s.RedactKey("user:42") != "user:42" {
		t.Fatalf("clean key mutated")
	}
}

func TestRedactionIsIdempotent(t *testing.T) {
	s := testSanitizer()

	once := s.RedactKey("password")
	twice := s.RedactKey(once)
	if once != twice {
		t.Fatalf("re-sanitizing changed the marker: %q -> %q", once, twice)
	}

	v1 := s.SanitizeValue("apiToken", "abc")
	v2 := s.SanitizeValue("apiToken", v1)
	if v1 != v2 {
		t.Fatalf("re-sanitizing a value changed it: %v -> %v", v1, v2)
	}
}

func TestRedactionIsDeterministic(t *testing.T) {
	s := testSanitizer()
	if s.RedactKey("password:1") != s.RedactKey("password:1") {
		t.Fatalf("identical input produced different markers")
	}
	if s.RedactKey("password:1") == s.RedactKey("password:2") {
		t.Fatalf("different inputs produced identical markers")
	}
}

func TestSanitizeMapRecursesAndCopies(t *testing.T) {
	s := testSanitizer()

	in := map[string]any{
		"user": "alice",
		"credentials": map[string]any{
			"password": "hunter2",
			"note":     "keepme",
		},
	}
	out := s.SanitizeMap(in)

	nested, ok := out["credentials"].(map[string]any)
	if !ok {
		t.Fatalf("nested map lost: %v", out["credentials"])
	}
	if nested["password"] == "hunter2" {
		t.Fatalf("nested sensitive value leaked")
	}
	if out["user"] != "alice" {
		t.Fatalf("clean value mutated: %v", out["user"])
	}
	if in["credentials"].(map[string]any)["password"] != "hunter2" {
		t.Fatalf("input map was mutated")
	}
}

func TestOversizedValueTruncated(t *testing.T) {
	s := testSanitizer()

	big := strings.Repeat("x", 150)
	got := s.SanitizeValue("body", big)

	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("oversized value not replaced: %T", got)
	}
	if m["_truncated"] != true || m["_size"] != 150 {
		t.Fatalf("truncation stub = %v", m)
	}
}

func TestOversizedKeyTruncated(t *testing.T) {
	s := testSanitizer()

	long := "list:" + strings.Repeat("a", 150)
	got := s.RedactKey(long)
	if len(got) != 100 {
		t.Fatalf("key length = %d, want 100", len(got))
	}
	if !strings.HasPrefix(got, "list:") {
		t.Fatalf("truncation lost the key prefix: %q", got)
	}
}

func TestOversizedNonStringValueTruncated(t *testing.T) {
	s := testSanitizer()

	rows := make([]any, 40)
	for i := range rows {
		rows[i] = "xxxx"
	}
	got := s.SanitizeValue("rows", rows)

	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("oversized slice not replaced: %T", got)
	}
	if m["_truncated"] != true {
		t.Fatalf("truncation stub = %v", m)
	}
	if size, _ := m["_size"].(int); size <= 100 {
		t.Fatalf("recorded size = %v, want over the byte budget", m["_size"])
	}
}

func TestSanitizeMapNil(t *testing.T) {
	s := testSanitizer()
	if s.SanitizeMap(nil) != nil {
		t.Fatalf("nil payload should stay nil")
	}
}
