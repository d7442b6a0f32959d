// Package username derives unique display handles from identity
// provider profiles.
package username

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

const (
	MinLength = 4
	MaxLength = 64
)

// Normalize lower-cases the base handle, maps spaces to dots, and
// strips everything outside [a-z0-9._-]. The result is padded or
// trimmed into the 4-64 character bounds.
func Normalize(base string) string {
	lowered := strings.ToLower(strings.TrimSpace(base))
	var b strings.Builder
	for _, r := range lowered {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('.')
		}
	}
	handle := b.String()
	if len(handle) > MaxLength {
		handle = handle[:MaxLength]
	}
	if len(handle) < MinLength {
		handle = pad(handle)
	}
	return handle
}

// WithSuffix appends a random 4-hex suffix for collision resolution,
// trimming the base first so the result stays within bounds.
func WithSuffix(handle string) string {
	suffix := randomSuffix()
	maxBase := MaxLength - len(suffix) - 1
	if len(handle) > maxBase {
		handle = handle[:maxBase]
	}
	return handle + "_" + suffix
}

func pad(handle string) string {
	if handle == "" {
		handle = "user"
	}
	for len(handle) < MinLength {
		handle += randomSuffix()
	}
	if len(handle) > MaxLength {
		handle = handle[:MaxLength]
	}
	return handle
}

func randomSuffix() string {
	buf := make([]byte, 2)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
