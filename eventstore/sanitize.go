package eventstore

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// TruncationMarker is appended when a sanitized payload exceeds its cap.
const TruncationMarker = "...[truncated]"

// Sanitize converts an arbitrary value into a bounded string safe to store.
// Structured values become compact JSON; anything JSON cannot encode falls
// back to fmt formatting. Values longer than maxLen are truncated with an
// explicit marker. ok is false only when v is nil. Sanitize never fails:
// logging payloads is best-effort by contract.
func Sanitize(v any, maxLen int) (out string, ok bool) {
	if v == nil {
		return "", false
	}

	var s string
	switch val := v.(type) {
	case string:
		s = val
	case []byte:
		s = string(val)
	case json.RawMessage:
		s = string(val)
	default:
		if b, err := json.Marshal(val); err == nil {
			s = string(b)
		} else {
			s = fmt.Sprintf("%v", val)
		}
	}

	if maxLen > 0 && len(s) > maxLen {
		// Back off to a rune boundary so the stored prefix stays valid UTF-8.
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + TruncationMarker
	}
	return s, true
}

// sanitize applies the store's configured payload cap.
func (s *Store) sanitize(v any) (string, bool) {
	return Sanitize(v, s.maxPayloadLen)
}

// sanitizePtr is sanitize with a *string result for nullable columns.
func (s *Store) sanitizePtr(v any) *string {
	out, ok := s.sanitize(v)
	if !ok {
		return nil
	}
	return &out
}
