package config

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration indicates the CA key location is missing or unusable.
	ErrConfiguration = errors.New("configuration error")
	// ErrInvalidConfiguration indicates a missing or invalid authority setting.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// MissingKeyError is returned when a setting required by the authority is absent.
type MissingKeyError struct {
	Section string
	Key     string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("%s: section [%s] is missing required key %q", ErrInvalidConfiguration, e.Section, e.Key)
}

func (e *MissingKeyError) Unwrap() error {
	return ErrInvalidConfiguration
}
