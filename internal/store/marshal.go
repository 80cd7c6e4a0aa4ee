package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/tracebed/internal/verdict"
)

// marshalJSON encodes v as compact JSON TEXT with HTML escaping disabled so
// captured output is stored verbatim.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func marshalVerdict(v verdict.Verdict) (string, error) {
	s, err := marshalJSON(v)
	if err != nil {
		return "", fmt.Errorf("marshal verdict %q: %w", v.Case, err)
	}
	return s, nil
}

func unmarshalVerdict(data string) (verdict.Verdict, error) {
	var v verdict.Verdict
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return verdict.Verdict{}, fmt.Errorf("unmarshal verdict: %w", err)
	}
	return v, nil
}

func marshalErrors(errs []string) (string, error) {
	if errs == nil {
		errs = []string{}
	}
	s, err := marshalJSON(errs)
	if err != nil {
		return "", fmt.Errorf("marshal errors: %w", err)
	}
	return s, nil
}

func unmarshalErrors(data string) ([]string, error) {
	var errs []string
	if data == "" {
		return []string{}, nil
	}
	if err := json.Unmarshal([]byte(data), &errs); err != nil {
		return nil, fmt.Errorf("unmarshal errors: %w", err)
	}
	return errs, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
