package usecase

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"grading-orchestrator/internal/domain"
)

// stripCodeFences removes a surrounding markdown fence from model output.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "{[") {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// extractJSON returns the outermost {...} or [...] span of s.
func extractJSON(s string, opening, closing byte) (string, bool) {
	s = stripCodeFences(s)
	start := strings.IndexByte(s, opening)
	end := strings.LastIndexByte(s, closing)
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

// decodeInto parses the first JSON object in raw into dst. A response that
// is not JSON, or lacks one of the required keys, is a malformed-response error.
func decodeInto(op, raw string, dst any, required ...string) error {
	body, ok := extractJSON(raw, '{', '}')
	if !ok {
		return domain.Malformed(op, fmt.Errorf("%w: no json object", domain.ErrMalformedResponse))
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &keys); err != nil {
		return domain.Malformed(op, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err))
	}
	if err := requireKeys(keys, required...); err != nil {
		return domain.Malformed(op, err)
	}
	if err := json.Unmarshal([]byte(body), dst); err != nil {
		return domain.Malformed(op, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err))
	}
	return nil
}

func requireKeys(m map[string]json.RawMessage, keys ...string) error {
	var missing []string
	for _, k := range keys {
		v, ok := m[k]
		if !ok || len(bytes.TrimSpace(v)) == 0 || string(bytes.TrimSpace(v)) == "null" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", domain.ErrMalformedResponse, strings.Join(missing, ", "))
	}
	return nil
}

// flexFloat accepts numbers and numeric strings ("7.5", "80%").
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		pct := strings.HasSuffix(s, "%")
		s = strings.TrimSuffix(s, "%")
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", s)
		}
		if pct {
			v /= 100
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// flexInt accepts integers, floats and numeric strings, rounding to nearest.
type flexInt int

func (i *flexInt) UnmarshalJSON(b []byte) error {
	var f flexFloat
	if err := f.UnmarshalJSON(b); err != nil {
		return err
	}
	if f >= 0 {
		*i = flexInt(float64(f) + 0.5)
	} else {
		*i = flexInt(float64(f) - 0.5)
	}
	return nil
}

// flexStrings accepts a string array or a single string.
type flexStrings []string

func (s *flexStrings) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		if one = strings.TrimSpace(one); one != "" {
			*s = []string{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}
