// Package s3 stores host keys and certificates in an Amazon S3 bucket.
package s3

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/minio/crc64nvme"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/hostcert/internal/storage"
)

// maxKeySize bounds host key downloads, OpenSSH public keys are a few KiB at most.
const maxKeySize = 64 * 1024

var _ storage.Backend = (*Backend)(nil)

// API is the subset of the S3 client used by Backend.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Presigner creates presigned GET requests for published certificates.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Config for an S3 backend.
type Config struct {
	Bucket string
	Prefix string
	// PresignTTL, when positive, makes UploadCertificate return a presigned
	// HTTPS URL instead of an s3:// URI.
	PresignTTL time.Duration
}

// Backend implements storage.Backend on S3.
type Backend struct {
	client    API
	presigner Presigner
	cfg       Config
}

// New creates a backend. presigner may be nil when cfg.PresignTTL is zero.
func New(client API, presigner Presigner, cfg Config) (*Backend, error) {
	if client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.PresignTTL > 0 && presigner == nil {
		return nil, fmt.Errorf("presigner is required when presign TTL is set")
	}

	return &Backend{client: client, presigner: presigner, cfg: cfg}, nil
}

// NewFromClient creates a backend from an S3 client, deriving the presigner from it.
func NewFromClient(client *s3.Client, cfg Config) (*Backend, error) {
	return New(client, s3.NewPresignClient(client), cfg)
}

// FetchHostPublicKey downloads <prefix><principal>.pub.
func (b *Backend) FetchHostPublicKey(ctx context.Context, principal string) ([]byte, error) {
	key, err := storage.HostKeyName(b.cfg.Prefix, principal)
	if err != nil {
		return nil, err
	}

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: s3://%s/%s", storage.ErrNotFound, b.cfg.Bucket, key)
		}
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", b.cfg.Bucket, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxKeySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", b.cfg.Bucket, key, err)
	}
	if len(data) > maxKeySize {
		return nil, fmt.Errorf("host key s3://%s/%s exceeds %d bytes", b.cfg.Bucket, key, maxKeySize)
	}

	return data, nil
}

// UploadCertificate puts <prefix><principal>-cert.pub with a CRC64NVME checksum.
func (b *Backend) UploadCertificate(ctx context.Context, principal string, data []byte) (storage.Locator, error) {
	key, err := storage.CertificateName(b.cfg.Prefix, principal)
	if err != nil {
		return "", err
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(b.cfg.Bucket),
		Key:               aws.String(key),
		Body:              bytes.NewReader(data),
		ContentLength:     aws.Int64(int64(len(data))),
		ContentType:       aws.String("text/plain"),
		ChecksumAlgorithm: types.ChecksumAlgorithmCrc64nvme,
		ChecksumCRC64NVME: aws.String(checksum(data)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put s3://%s/%s: %w", b.cfg.Bucket, key, err)
	}

	log.Debug().
		Str("bucket", b.cfg.Bucket).
		Str("key", key).
		Int("bytes", len(data)).
		Msg("certificate uploaded")

	if b.cfg.PresignTTL <= 0 {
		return storage.Locator(fmt.Sprintf("s3://%s/%s", b.cfg.Bucket, key)), nil
	}

	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(b.cfg.PresignTTL))
	if err != nil {
		return "", fmt.Errorf("failed to presign s3://%s/%s: %w", b.cfg.Bucket, key, err)
	}

	return storage.Locator(req.URL), nil
}

// checksum returns the base64 encoded big-endian CRC64NVME of data as S3 expects it.
func checksum(data []byte) string {
	h := crc64nvme.New()
	h.Write(data)

	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], h.Sum64())
	return base64.StdEncoding.EncodeToString(sum[:])
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
