// Package hasher produces deterministic canonical bytes and SHA-256 digests
// for arbitrary JSON-compatible content (RFC 8785 canonical form).
package hasher

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"unicode/utf8"

	"github.com/gowebpki/jcs"

	"attestline/internal/domain"
)

const (
	DefaultPreviewRunes = 2000
	ellipsis            = "..."
)

// HashingError is returned when content cannot be represented as JSON, for
// example channels, functions, NaN or cyclic values.
type HashingError struct {
	Err error
}

func (e *HashingError) Error() string {
	return "canonicalize content: " + e.Err.Error()
}

func (e *HashingError) Unwrap() error { return e.Err }

func (e *HashingError) Is(target error) bool {
	return target == domain.ErrHashing
}

type Hasher struct {
	// PreviewRunes bounds Preview output; zero means DefaultPreviewRunes.
	PreviewRunes int
}

// Canonicalize returns the RFC 8785 canonical JSON encoding of v.
func (h Hasher) Canonicalize(v any) ([]byte, error) {
	raw, err := encode(v)
	if err != nil {
		return nil, &HashingError{Err: err}
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, &HashingError{Err: err}
	}
	return out, nil
}

// Hash returns the lowercase hex SHA-256 of the canonical form of v.
func (h Hasher) Hash(v any) (string, error) {
	b, err := h.Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Preview returns a bounded human-readable excerpt of v. Strings are shown
// verbatim, everything else as canonical JSON. Never part of any hash.
func (h Hasher) Preview(v any) string {
	var text string
	switch t := v.(type) {
	case string:
		text = t
	case nil:
		return ""
	default:
		b, err := h.Canonicalize(v)
		if err != nil {
			return ""
		}
		text = string(b)
	}
	return truncate(text, h.previewRunes())
}

func (h Hasher) previewRunes() int {
	if h.PreviewRunes > 0 {
		return h.PreviewRunes
	}
	return DefaultPreviewRunes
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	count := 0
	for idx := range s {
		if count == max {
			return s[:idx] + ellipsis
		}
		count++
	}
	return s
}

func encode(v any) ([]byte, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errors.New("invalid raw json")
		}
		return raw, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
