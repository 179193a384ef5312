// Package pki loads the SSH certificate authority key used to sign host
// certificates. Implementations include a local key file (development and
// small fleets), an AWS SSM Parameter Store SecureString, and an AWS KMS key
// that never leaves the HSM.
package pki

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

var (
	// ErrPassphraseProtected is returned for encrypted CA keys, which cannot be used unattended.
	ErrPassphraseProtected = errors.New("CA private key is passphrase protected")
	// ErrKeyMismatch is returned when a CA key does not match its published public key.
	ErrKeyMismatch = errors.New("CA private key does not match public key")
)

// ParsePrivateKey parses a PEM or OpenSSH encoded CA private key.
func ParsePrivateKey(data []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, ErrPassphraseProtected
		}
		return nil, fmt.Errorf("failed to parse CA private key: %w", err)
	}
	return signer, nil
}

// ParseAuthorizedKey parses exactly one key in authorized_keys format,
// rejecting trailing data.
func ParseAuthorizedKey(data []byte) (ssh.PublicKey, error) {
	pub, _, _, rest, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(rest)) > 0 {
		return nil, fmt.Errorf("trailing data after end of public key")
	}
	return pub, nil
}

// PublicKeysEqual reports whether two SSH public keys are identical.
func PublicKeysEqual(a, b ssh.PublicKey) bool {
	return a.Type() == b.Type() && bytes.Equal(a.Marshal(), b.Marshal())
}

// KnownHostsLine renders the CA public key as a known_hosts @cert-authority
// entry trusted for hosts matching pattern.
func KnownHostsLine(ca ssh.PublicKey, pattern string) string {
	return "@cert-authority " + pattern + " " + string(bytes.TrimSpace(ssh.MarshalAuthorizedKey(ca)))
}
