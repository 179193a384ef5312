// Package memory provides an in-memory storage backend for development and testing.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/wolfeidau/hostcert/internal/storage"
)

var _ storage.Backend = (*Backend)(nil)

// Backend keeps host keys and certificates in maps keyed by object name.
type Backend struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string][]byte
}

// New creates an empty in-memory backend.
func New(prefix string) *Backend {
	return &Backend{
		prefix:  prefix,
		objects: make(map[string][]byte),
	}
}

// PutHostPublicKey publishes a host public key.
func (b *Backend) PutHostPublicKey(principal string, key []byte) error {
	name, err := storage.HostKeyName(b.prefix, principal)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[name] = clone(key)
	return nil
}

// FetchHostPublicKey returns the stored public key for principal.
func (b *Backend) FetchHostPublicKey(ctx context.Context, principal string) ([]byte, error) {
	name, err := storage.HostKeyName(b.prefix, principal)
	if err != nil {
		return nil, err
	}
	return b.get(name)
}

// UploadCertificate stores data for principal, replacing any previous certificate.
func (b *Backend) UploadCertificate(ctx context.Context, principal string, data []byte) (storage.Locator, error) {
	name, err := storage.CertificateName(b.prefix, principal)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[name] = clone(data)

	return storage.Locator("memory://" + name), nil
}

// Certificate returns the stored certificate for principal.
func (b *Backend) Certificate(principal string) ([]byte, error) {
	name, err := storage.CertificateName(b.prefix, principal)
	if err != nil {
		return nil, err
	}
	return b.get(name)
}

func (b *Backend) get(name string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.objects[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, name)
	}
	// Return a copy to avoid external modifications
	return clone(data), nil
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
