package pki

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// LoadFileSigner loads a CA private key from keyPath. When a public key sits
// next to it (keyPath + ".pub") the pair is verified to match.
func LoadFileSigner(keyPath string) (ssh.Signer, error) {
	keyData, err := os.ReadFile(keyPath) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read CA key file: %w", err)
	}

	signer, err := ParsePrivateKey(keyData)
	if err != nil {
		return nil, err
	}

	pubData, err := os.ReadFile(keyPath + ".pub") // #nosec G304
	switch {
	case errors.Is(err, os.ErrNotExist):
		return signer, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read CA public key file: %w", err)
	}

	pub, err := ParseAuthorizedKey(pubData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA public key %s.pub: %w", keyPath, err)
	}
	if !PublicKeysEqual(pub, signer.PublicKey()) {
		return nil, fmt.Errorf("%w: %s", ErrKeyMismatch, keyPath)
	}

	return signer, nil
}
