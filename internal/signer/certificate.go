package signer

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ssh"

	"github.com/wolfeidau/hostcert/internal/pki"
)

// SignedCertificate is an issued host certificate. It is immutable, accessors
// return copies.
type SignedCertificate struct {
	raw    []byte
	cert   *ssh.Certificate
	reason string
}

// Bytes returns the certificate in authorized_keys format, as written to a
// host's <key>-cert.pub file.
func (c SignedCertificate) Bytes() []byte { return append([]byte(nil), c.raw...) }

// KeyID returns the certificate key identifier.
func (c SignedCertificate) KeyID() string { return c.cert.KeyId }

// Serial returns the certificate serial number.
func (c SignedCertificate) Serial() uint64 { return c.cert.Serial }

// Principals returns the host names the certificate is valid for, in signing order.
func (c SignedCertificate) Principals() []string {
	return append([]string(nil), c.cert.ValidPrincipals...)
}

// ValidAfter returns the start of the validity window.
func (c SignedCertificate) ValidAfter() time.Time { return unixTime(c.cert.ValidAfter) }

// ValidBefore returns the expiry of the certificate.
func (c SignedCertificate) ValidBefore() time.Time { return unixTime(c.cert.ValidBefore) }

// Reason returns the audit reason recorded when the certificate was signed.
func (c SignedCertificate) Reason() string { return c.reason }

// Fingerprint returns the base58 encoded SHA-256 of the certificate wire bytes.
func (c SignedCertificate) Fingerprint() string {
	sum := sha256.Sum256(c.cert.Marshal())
	return base58.Encode(sum[:])
}

// HostKeyFingerprint returns the OpenSSH SHA256 fingerprint of the certified host key.
func (c SignedCertificate) HostKeyFingerprint() string {
	return ssh.FingerprintSHA256(c.cert.Key)
}

// ParseCertificate decodes a certificate in authorized_keys format.
func ParseCertificate(data []byte) (*ssh.Certificate, error) {
	key, err := pki.ParseAuthorizedKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	cert, ok := key.(*ssh.Certificate)
	if !ok {
		return nil, fmt.Errorf("found %s public key instead of a certificate", key.Type())
	}
	return cert, nil
}

func unixTime(v uint64) time.Time {
	if v > uint64(ssh.CertTimeInfinity>>1) {
		return time.Time{}
	}
	return time.Unix(int64(v), 0).UTC()
}
