package issuance

import (
	"context"

	"github.com/wolfeidau/hostcert/internal/signer"
	"github.com/wolfeidau/hostcert/internal/storage"
	"github.com/wolfeidau/hostcert/internal/validity"
)

// CertificateSigner signs host keys, satisfied by *signer.Signer.
type CertificateSigner interface {
	Sign(ctx context.Context, publicKey []byte, window validity.Window, principals []string, reason, keyID string) (signer.SignedCertificate, error)
}

// KeyFetcher retrieves the raw public key published for a host.
type KeyFetcher struct {
	backend storage.Backend
}

func NewKeyFetcher(backend storage.Backend) *KeyFetcher {
	return &KeyFetcher{backend: backend}
}

// Fetch returns the key bytes verbatim. A missing key surfaces as storage.ErrNotFound.
func (f *KeyFetcher) Fetch(ctx context.Context, canonical string) ([]byte, error) {
	return f.backend.FetchHostPublicKey(ctx, canonical)
}

// Publisher uploads certificates next to the host key.
type Publisher struct {
	backend storage.Backend
}

func NewPublisher(backend storage.Backend) *Publisher {
	return &Publisher{backend: backend}
}

// Publish makes a single upload attempt.
func (p *Publisher) Publish(ctx context.Context, canonical string, cert signer.SignedCertificate) (storage.Locator, error) {
	return p.backend.UploadCertificate(ctx, canonical, cert.Bytes())
}
