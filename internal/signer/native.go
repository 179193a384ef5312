package signer

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"slices"

	"golang.org/x/crypto/ssh"

	"github.com/wolfeidau/hostcert/internal/pki"
)

// NativePrimitive signs in process with an ssh.Signer, which may be file,
// SSM or KMS backed.
type NativePrimitive struct {
	ca ssh.Signer
}

// NewNativePrimitive creates a primitive signing with ca.
func NewNativePrimitive(ca ssh.Signer) *NativePrimitive {
	return &NativePrimitive{ca: ca}
}

// Authority returns the CA public key.
func (n *NativePrimitive) Authority() ssh.PublicKey {
	return n.ca.PublicKey()
}

// Sign reads the staged host key and signs a host certificate for it.
func (n *NativePrimitive) Sign(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(req.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read staged public key: %w", err)
	}
	hostKey, err := pki.ParseAuthorizedKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse staged public key: %w", err)
	}

	cert := &ssh.Certificate{
		Key:             hostKey,
		Serial:          req.Serial,
		CertType:        ssh.HostCert,
		KeyId:           req.KeyID,
		ValidPrincipals: slices.Clone(req.Principals),
		ValidAfter:      uint64(req.Window.IssuedAt.Unix()),
		ValidBefore:     uint64(req.Window.Expires.Unix()),
	}

	if err := cert.SignCert(rand.Reader, n.ca); err != nil {
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}

	return ssh.MarshalAuthorizedKey(cert), nil
}
