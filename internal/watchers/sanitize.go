package watchers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/pulsestack/pulse-apm/internal/config"
)

// redactedRe recognises values this sanitizer already produced, making
// re-sanitization a no-op.
var redactedRe = regexp.MustCompile(`^redacted_[0-9a-f]{8}$`)

// Sanitizer redacts sensitive substrings and truncates oversized payload
// values before anything reaches the recording sink.
type Sanitizer struct {
	patterns []*regexp.Regexp
	keywords []string
	maxBytes int
}

// NewSanitizer compiles the configured sensitive patterns. Patterns are
// treated as case-insensitive substrings.
func NewSanitizer(cfg config.SanitizeConfig) *Sanitizer {
	s := &Sanitizer{maxBytes: cfg.MaxValueBytes}
	if s.maxBytes <= 0 {
		s.maxBytes = 64 * 1024
	}
	for _, p := range cfg.SensitivePatterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(p))
		if err != nil {
			continue
		}
		s.patterns = append(s.patterns, re)
		s.keywords = append(s.keywords, strings.ToLower(p))
	}
	return s
}

// marker derives the stable hash-marker substituted for a sensitive match.
func marker(match string) string {
	sum := sha256.Sum256([]byte(match))
	return "redacted_" + hex.EncodeToString(sum[:4])
}

// RedactKey hash-replaces every sensitive substring of the key and truncates
// the result to the byte budget. Keys already consisting of a redaction
// marker pass through untouched.
func (s *Sanitizer) RedactKey(key string) string {
	if redactedRe.MatchString(key) {
		return key
	}
	out := key
	for _, re := range s.patterns {
		out = re.ReplaceAllStringFunc(out, marker)
	}
	if len(out) > s.maxBytes {
		out = out[:s.maxBytes]
	}
	return out
}

// sensitiveField reports whether a payload field name is sensitive.
func (s *Sanitizer) sensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range s.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// SanitizeValue redacts a value when its field name is sensitive and
// truncates any value over the byte budget.
func (s *Sanitizer) SanitizeValue(field string, value any) any {
	if s.sensitiveField(field) {
		str := fmt.Sprint(value)
		if redactedRe.MatchString(str) {
			return str
		}
		return marker(str)
	}
	if size := valueSize(value); size > s.maxBytes {
		return map[string]any{"_truncated": true, "_size": size}
	}
	return value
}

// valueSize measures the captured byte footprint of a payload value. Values
// without a direct byte length are measured by their printed form.
func valueSize(value any) int {
	switch v := value.(type) {
	case string:
		return len(v)
	case []byte:
		return len(v)
	default:
		return len(fmt.Sprint(value))
	}
}

// SanitizeMap returns a sanitized copy of the payload, recursing into nested
// maps. The input is never mutated.
func (s *Sanitizer) SanitizeMap(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch nested := v.(type) {
		case map[string]any:
			if s.sensitiveField(k) {
				out[k] = marker(fmt.Sprint(nested))
				continue
			}
			out[k] = s.SanitizeMap(nested)
		default:
			out[k] = s.SanitizeValue(k, v)
		}
	}
	return out
}
