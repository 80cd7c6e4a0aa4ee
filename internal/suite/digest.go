package suite

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// DigestDomain prefixes every suite digest. The version suffix leaves room
// for a different encoding later.
const DigestDomain = "tracebed/suite/v1"

// Digest returns the content identity of a suite: the SHA-256 of its
// name and cases encoded as JSON, with domain separation. Two loads of the
// same description yield the same digest whatever its file format, so run
// history can tell when a suite changed between runs.
func Digest(s *Suite) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Map keys (trace levels, env) are sorted by encoding/json.
	if err := enc.Encode(struct {
		Name  string `json:"name"`
		Cases []Case `json:"cases"`
	}{s.Name, s.Cases}); err != nil {
		return "", fmt.Errorf("digest suite %q: %w", s.Name, err)
	}
	return hashWithDomain(DigestDomain, buf.Bytes()), nil
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
