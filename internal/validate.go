package internal

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrInvalidRequest = errors.New("invalid request parameters")
	ErrCodeTooLong    = errors.New("code exceeds maximum length")
)

// MaxCodeLength caps the size of a submitted cell.
const MaxCodeLength = 10000

// ValidateCode rejects obviously unusable cell submissions before they
// reach the execution channel.
func ValidateCode(code string) error {
	if code == "" {
		return ErrInvalidRequest
	}
	if len(code) > MaxCodeLength {
		return fmt.Errorf("%w: max length allowed is %d", ErrCodeTooLong, MaxCodeLength)
	}
	if !utf8.ValidString(code) {
		return fmt.Errorf("%w: code is not valid UTF-8", ErrInvalidRequest)
	}
	return nil
}
