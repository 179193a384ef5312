// Package filesystem stores host keys and certificates in a local directory,
// typically a shared mount consumed by provisioning tooling.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/hostcert/internal/storage"
)

var _ storage.Backend = (*Backend)(nil)

// Backend reads <dir>/<principal>.pub and writes <dir>/<principal>-cert.pub.
type Backend struct {
	dir string
}

// New creates a backend rooted at dir. The directory must already exist.
func New(dir string) (*Backend, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve directory %s: %w", dir, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}

	return &Backend{dir: abs}, nil
}

// FetchHostPublicKey reads the host key file for principal.
func (b *Backend) FetchHostPublicKey(ctx context.Context, principal string) ([]byte, error) {
	name, err := storage.HostKeyName("", principal)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(b.dir, name)
	data, err := os.ReadFile(path) // #nosec G304 - principal validated against path separators
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	return data, nil
}

// UploadCertificate writes the certificate through a temp file and rename so
// readers never observe a partial certificate.
func (b *Backend) UploadCertificate(ctx context.Context, principal string, data []byte) (storage.Locator, error) {
	name, err := storage.CertificateName("", principal)
	if err != nil {
		return "", err
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := filepath.Join(b.dir, name)

	tmp, err := os.CreateTemp(b.dir, "."+name+".*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to set certificate permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close certificate: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to move certificate into place: %w", err)
	}

	log.Debug().Str("path", path).Int("bytes", len(data)).Msg("certificate written")

	return storage.Locator((&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()), nil
}
