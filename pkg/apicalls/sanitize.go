package apicalls

import (
	"slices"
	"strings"
	"unicode"
)

// Redacted replaces every sensitive value.
const Redacted = "[REDACTED]"

// Sanitizer redacts values stored under sensitive keys. Keys and sensitive
// names are split into lowercase words on '-', '_', '.', spaces and
// camelCase boundaries. A key is sensitive when its trailing words equal
// the words of a sensitive name, so "x-auth-token" and "accessToken" match
// "token" while "tokenCount" and "secretary" do not.
type Sanitizer struct {
	keys [][]string
}

// NewSanitizer creates a sanitizer for the given sensitive key names.
func NewSanitizer(keys []string) *Sanitizer {
	s := &Sanitizer{keys: make([][]string, 0, len(keys))}

	for _, k := range keys {
		if words := keyWords(k); len(words) > 0 {
			s.keys = append(s.keys, words)
		}
	}

	return s
}

// IsSensitive reports whether values under key must be redacted.
func (s *Sanitizer) IsSensitive(key string) bool {
	words := keyWords(key)
	if len(words) == 0 {
		return false
	}

	for _, sk := range s.keys {
		if len(sk) <= len(words) && slices.Equal(words[len(words)-len(sk):], sk) {
			return true
		}
	}

	return false
}

// Headers returns a copy of headers with sensitive values redacted.
func (s *Sanitizer) Headers(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}

	out := make(map[string]string, len(headers))

	for k, v := range headers {
		if s.IsSensitive(k) {
			out[k] = Redacted
		} else {
			out[k] = v
		}
	}

	return out
}

// Body returns a copy of a decoded JSON value with sensitive values
// redacted at any depth. Scalars are returned unchanged.
func (s *Sanitizer) Body(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))

		for k, child := range val {
			if s.IsSensitive(k) {
				out[k] = Redacted
			} else {
				out[k] = s.Body(child)
			}
		}

		return out
	case map[string]string:
		return s.Headers(val)
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = s.Body(child)
		}

		return out
	default:
		return v
	}
}

// keyWords splits a key into lowercase words.
func keyWords(key string) []string {
	runes := []rune(strings.TrimSpace(key))
	words := make([]string, 0, 4)

	var cur []rune

	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}

	for i, r := range runes {
		switch {
		case r == '-' || r == '_' || r == '.' || unicode.IsSpace(r):
			flush()

			continue
		case unicode.IsUpper(r) && i > 0:
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])

			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}

		cur = append(cur, r)
	}

	flush()

	return words
}
