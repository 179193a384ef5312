package signer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
)

// DefaultKeygenBinary is the OpenSSH key tool looked up on PATH.
const DefaultKeygenBinary = "ssh-keygen"

// KeygenPrimitive signs by running OpenSSH ssh-keygen against a CA key file.
type KeygenPrimitive struct {
	binary string
	caPath string
	caPub  ssh.PublicKey
}

// KeygenOption configures a KeygenPrimitive.
type KeygenOption func(*KeygenPrimitive)

// WithBinary overrides the ssh-keygen binary.
func WithBinary(path string) KeygenOption {
	return func(k *KeygenPrimitive) { k.binary = path }
}

// NewKeygenPrimitive creates a primitive that signs with the private key at
// caPath. caPub is the matching public key, used to verify the output.
func NewKeygenPrimitive(caPath string, caPub ssh.PublicKey, opts ...KeygenOption) *KeygenPrimitive {
	k := &KeygenPrimitive{
		binary: DefaultKeygenBinary,
		caPath: caPath,
		caPub:  caPub,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Authority returns the CA public key.
func (k *KeygenPrimitive) Authority() ssh.PublicKey {
	return k.caPub
}

// Sign runs ssh-keygen in host mode and reads back <key>-cert.pub, which
// ssh-keygen writes next to the staged key.
func (k *KeygenPrimitive) Sign(ctx context.Context, req Request) ([]byte, error) {
	for _, p := range req.Principals {
		if strings.Contains(p, ",") {
			return nil, fmt.Errorf("%w: principal %q contains a comma", ErrSigningFailed, p)
		}
	}

	binary, err := exec.LookPath(k.binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found: %w", ErrSigningFailed, k.binary, err)
	}

	args := []string{
		"-s", k.caPath,
		"-I", req.KeyID,
		"-h",
		"-n", strings.Join(req.Principals, ","),
		"-V", req.Window.KeygenArg(),
		"-z", strconv.FormatUint(req.Serial, 10),
		req.PublicKeyPath,
	}

	cmd := exec.CommandContext(ctx, binary, args...) // #nosec G204 - arguments are validated principals and operator configuration
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%w: ssh-keygen failed: %w: %s", ErrSigningFailed, err, strings.TrimSpace(string(output)))
	}

	certPath := strings.TrimSuffix(req.PublicKeyPath, ".pub") + "-cert.pub"
	data, err := os.ReadFile(certPath) // #nosec G304 - path is inside the run directory
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: ssh-keygen did not write %s: %s", ErrSigningFailed, certPath, strings.TrimSpace(string(output)))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read certificate: %w", ErrSigningFailed, err)
	}

	return data, nil
}
