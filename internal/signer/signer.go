// Package signer produces CA signed SSH host certificates.
//
// A Signer stages the host public key in a private per-run temporary
// directory, hands it to a Primitive together with the certificate
// constraints, then parses the result back and checks it before returning
// it to the caller. The temporary directory is removed on every path.
package signer

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/wolfeidau/hostcert/internal/pki"
	"github.com/wolfeidau/hostcert/internal/validity"
)

var (
	// ErrInvalidPublicKey is returned when the host public key cannot be parsed.
	ErrInvalidPublicKey = errors.New("invalid host public key")
	// ErrSigningFailed is returned when the signing primitive fails or returns
	// a certificate that does not match the request.
	ErrSigningFailed = errors.New("signing failed")
)

const hostKeyFile = "host.pub"

// Request carries everything a Primitive needs to sign one host key.
type Request struct {
	// PublicKeyPath is the staged host public key inside the run directory.
	PublicKeyPath string
	// PublicKey is the parsed host key.
	PublicKey  ssh.PublicKey
	Principals []string
	KeyID      string
	Reason     string
	Serial     uint64
	Window     validity.Window
}

// Primitive signs a staged host key and returns the certificate in
// authorized_keys format.
type Primitive interface {
	Sign(ctx context.Context, req Request) ([]byte, error)
	// Authority returns the CA public key the primitive signs with.
	Authority() ssh.PublicKey
}

// Option configures a Signer.
type Option func(*Signer)

// WithTempDir sets the parent directory for per-run work directories.
func WithTempDir(dir string) Option {
	return func(s *Signer) { s.tempDir = dir }
}

// WithSerialSource replaces the random serial generator.
func WithSerialSource(fn func() (uint64, error)) Option {
	return func(s *Signer) { s.serial = fn }
}

// Signer issues host certificates with a Primitive. It holds no per-run state
// and is safe for concurrent use.
type Signer struct {
	primitive Primitive
	tempDir   string
	serial    func() (uint64, error)
}

// New creates a Signer using primitive.
func New(primitive Primitive, opts ...Option) *Signer {
	s := &Signer{
		primitive: primitive,
		serial:    randomSerial,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authority returns the CA public key certificates are signed with.
func (s *Signer) Authority() ssh.PublicKey {
	return s.primitive.Authority()
}

// Sign certifies publicKey as a host key for principals over window.
func (s *Signer) Sign(ctx context.Context, publicKey []byte, window validity.Window, principals []string, reason, keyID string) (SignedCertificate, error) {
	hostKey, err := pki.ParseAuthorizedKey(publicKey)
	if err != nil {
		return SignedCertificate{}, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}
	if _, ok := hostKey.(*ssh.Certificate); ok {
		return SignedCertificate{}, fmt.Errorf("%w: got a certificate, expected a raw public key", ErrInvalidPublicKey)
	}
	if len(principals) == 0 {
		return SignedCertificate{}, fmt.Errorf("%w: no principals", ErrSigningFailed)
	}

	serial, err := s.serial()
	if err != nil {
		return SignedCertificate{}, fmt.Errorf("%w: failed to generate serial: %w", ErrSigningFailed, err)
	}

	workDir, err := os.MkdirTemp(s.tempDir, "hostcert-")
	if err != nil {
		return SignedCertificate{}, fmt.Errorf("%w: failed to create work directory: %w", ErrSigningFailed, err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			log.Warn().Err(rmErr).Str("dir", workDir).Msg("Failed to remove work directory")
		}
	}()

	keyPath := filepath.Join(workDir, hostKeyFile)
	if err := os.WriteFile(keyPath, publicKey, 0600); err != nil {
		return SignedCertificate{}, fmt.Errorf("%w: failed to stage public key: %w", ErrSigningFailed, err)
	}

	req := Request{
		PublicKeyPath: keyPath,
		PublicKey:     hostKey,
		Principals:    slices.Clone(principals),
		KeyID:         keyID,
		Reason:        reason,
		Serial:        serial,
		Window:        window,
	}

	raw, err := s.primitive.Sign(ctx, req)
	if err != nil {
		if errors.Is(err, ErrSigningFailed) {
			return SignedCertificate{}, err
		}
		return SignedCertificate{}, fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}

	cert, err := s.verify(raw, req)
	if err != nil {
		return SignedCertificate{}, fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}

	log.Info().
		Str("key_id", cert.KeyId).
		Uint64("serial", cert.Serial).
		Strs("principals", cert.ValidPrincipals).
		Str("reason", reason).
		Str("ca", ssh.FingerprintSHA256(s.primitive.Authority())).
		Time("expires", window.Expires).
		Msg("Signed host certificate")

	return SignedCertificate{
		raw:    bytes.Clone(raw),
		cert:   cert,
		reason: reason,
	}, nil
}

// verify checks the certificate returned by the primitive matches req.
func (s *Signer) verify(raw []byte, req Request) (*ssh.Certificate, error) {
	cert, err := ParseCertificate(raw)
	if err != nil {
		return nil, err
	}

	switch {
	case cert.CertType != ssh.HostCert:
		return nil, fmt.Errorf("certificate type %d is not a host certificate", cert.CertType)
	case !pki.PublicKeysEqual(cert.Key, req.PublicKey):
		return nil, errors.New("certificate does not certify the requested host key")
	case !pki.PublicKeysEqual(cert.SignatureKey, s.primitive.Authority()):
		return nil, errors.New("certificate is not signed by the configured authority")
	case !slices.Equal(cert.ValidPrincipals, req.Principals):
		return nil, fmt.Errorf("certificate principals %v do not match %v", cert.ValidPrincipals, req.Principals)
	case cert.KeyId != req.KeyID:
		return nil, fmt.Errorf("certificate key id %q does not match %q", cert.KeyId, req.KeyID)
	case cert.Serial != req.Serial:
		return nil, fmt.Errorf("certificate serial %d does not match %d", cert.Serial, req.Serial)
	case cert.ValidAfter != uint64(req.Window.IssuedAt.Unix()):
		return nil, fmt.Errorf("certificate start %d does not match %d", cert.ValidAfter, req.Window.IssuedAt.Unix())
	case cert.ValidBefore != uint64(req.Window.Expires.Unix()):
		return nil, fmt.Errorf("certificate expiry %d does not match %d", cert.ValidBefore, req.Window.Expires.Unix())
	}

	return cert, nil
}

func randomSerial() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
