// Package form validates raw request fields into typed values before
// they reach the portfolio engine.
package form

import (
	"errors"
	"strconv"
	"strings"
)

var (
	ErrBlank       = errors.New("value is blank")
	ErrNotInteger  = errors.New("not an integer")
	ErrNotPositive = errors.New("must be positive")
)

// ParseShareCount turns a raw share-count field into a validated
// positive integer. Fractional, zero and negative counts are rejected.
func ParseShareCount(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrBlank
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}
	if n < 1 {
		return 0, ErrNotPositive
	}

	return n, nil
}

// ParseSymbol normalizes a ticker symbol field. Symbols are compared
// case-insensitively everywhere, so they are upper-cased once here.
func ParseSymbol(raw string) (string, error) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	if raw == "" {
		return "", ErrBlank
	}
	return raw, nil
}
