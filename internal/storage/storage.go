// Package storage defines the backend contract used to fetch host public keys
// and publish signed host certificates.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	// HostKeySuffix is appended to a principal to name its published public key.
	HostKeySuffix = ".pub"
	// CertificateSuffix is appended to a principal to name its certificate.
	CertificateSuffix = "-cert.pub"
)

var (
	// ErrNotFound is returned when no public key has been published for a host.
	ErrNotFound = errors.New("not found")
	// ErrInvalidName is returned when a principal cannot be used as an object name.
	ErrInvalidName = errors.New("invalid object name")
)

// Locator is an address a published certificate can be retrieved from.
type Locator string

func (l Locator) String() string { return string(l) }

// Backend stores host public keys and the certificates issued for them.
// Implementations must be safe for concurrent use.
type Backend interface {
	// FetchHostPublicKey returns the raw public key previously published for
	// principal, or an error wrapping ErrNotFound.
	FetchHostPublicKey(ctx context.Context, principal string) ([]byte, error)

	// UploadCertificate stores data under CertificateName(principal) and
	// returns where it can be fetched from. Uploading again replaces the object.
	UploadCertificate(ctx context.Context, principal string, data []byte) (Locator, error)
}

// HostKeyName returns the object name of the host public key for principal.
func HostKeyName(prefix, principal string) (string, error) {
	return objectName(prefix, principal, HostKeySuffix)
}

// CertificateName returns the object name of the certificate for principal.
func CertificateName(prefix, principal string) (string, error) {
	return objectName(prefix, principal, CertificateSuffix)
}

func objectName(prefix, principal, suffix string) (string, error) {
	if err := ValidatePrincipal(principal); err != nil {
		return "", err
	}
	return prefix + principal + suffix, nil
}

// ValidatePrincipal rejects principals that would escape a key prefix or directory.
func ValidatePrincipal(principal string) error {
	switch {
	case principal == "":
		return fmt.Errorf("%w: empty principal", ErrInvalidName)
	case principal == "." || principal == ".." || strings.Contains(principal, ".."):
		return fmt.Errorf("%w: %q", ErrInvalidName, principal)
	case strings.ContainsAny(principal, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, principal)
	}
	return nil
}
