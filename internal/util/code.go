package util

import (
	"fmt"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const SessionCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateSessionCode returns a random uppercase alphanumeric code of the given length.
func GenerateSessionCode(length int) (string, error) {
	code, err := gonanoid.Generate(SessionCodeAlphabet, length)
	if err != nil {
		return "", fmt.Errorf("generate session code: %w", err)
	}
	return code, nil
}

// NormalizeSessionCode trims and uppercases a user-entered code.
func NormalizeSessionCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsValidSessionCode reports whether code is an already-normalized code of the given length.
func IsValidSessionCode(code string, length int) bool {
	if len(code) != length {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(SessionCodeAlphabet, r) {
			return false
		}
	}
	return true
}
