package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers both a missing transaction and one owned by another
	// profile, so callers cannot probe for foreign ids.
	ErrNotFound       = errors.New("not found")
	ErrInvalidDate    = errors.New("invalid date")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrEmptyCategory  = errors.New("empty category")
	ErrMessageTooLong = errors.New("message too long")
	ErrEmptyUsername  = errors.New("empty username")
	ErrPersistence    = errors.New("persistence failure")
)

// Persistence wraps a store failure so that it matches both ErrPersistence
// and the original cause. ErrNotFound passes through unchanged.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPersistence) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

// IsValidation reports whether err is caused by bad caller input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidDate) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrEmptyCategory) ||
		errors.Is(err, ErrMessageTooLong) ||
		errors.Is(err, ErrEmptyUsername)
}
