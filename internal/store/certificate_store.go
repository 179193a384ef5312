// Package store records an audit ledger of issued host certificates.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wolfeidau/hostcert/internal/signer"
	"github.com/wolfeidau/hostcert/internal/storage"
)

// RetentionAfterExpiry is how long records are kept once a certificate expires.
const RetentionAfterExpiry = 30 * 24 * time.Hour

var (
	ErrIssuanceNotFound      = errors.New("issuance record not found")
	ErrIssuanceAlreadyExists = errors.New("issuance record already exists")
	ErrThrottled             = errors.New("AWS request throttled")
)

// IssuanceRecord describes one published host certificate.
type IssuanceRecord struct {
	Serial      string    `dynamodbav:"serial"`
	IssuanceID  string    `dynamodbav:"issuance_id"`
	KeyID       string    `dynamodbav:"key_id"`
	Principals  []string  `dynamodbav:"principals"`
	Environment string    `dynamodbav:"environment"`
	Authority   string    `dynamodbav:"authority"`
	Reason      string    `dynamodbav:"reason,omitempty"`
	Fingerprint string    `dynamodbav:"fingerprint"`
	HostKey     string    `dynamodbav:"host_key"`
	IssuedAt    time.Time `dynamodbav:"issued_at"`
	ExpiresAt   time.Time `dynamodbav:"expires_at"`
	Locator     string    `dynamodbav:"locator"`
	TTL         int64     `dynamodbav:"ttl"` // Unix seconds for DynamoDB TTL
}

// IssuanceStore is the ledger of published certificates.
type IssuanceStore interface {
	// Register stores a record, failing with ErrIssuanceAlreadyExists for a known serial.
	Register(ctx context.Context, record *IssuanceRecord) error

	// Get retrieves a record by certificate serial.
	Get(ctx context.Context, serial string) (*IssuanceRecord, error)

	// ListByPrincipal returns the records whose key id is principal, newest first.
	ListByPrincipal(ctx context.Context, principal string) ([]*IssuanceRecord, error)

	// List returns records matching opts, newest first.
	List(ctx context.Context, opts ListOptions) ([]*IssuanceRecord, error)
}

// ListOptions filters List.
type ListOptions struct {
	Environment string // empty = all
	Limit       int    // 0 = no limit
}

// NewIssuanceRecord builds the ledger entry for a published certificate.
func NewIssuanceRecord(id, environment, authority string, cert signer.SignedCertificate, locator storage.Locator) *IssuanceRecord {
	expires := cert.ValidBefore()
	return &IssuanceRecord{
		Serial:      FormatSerial(cert.Serial()),
		IssuanceID:  id,
		KeyID:       cert.KeyID(),
		Principals:  cert.Principals(),
		Environment: environment,
		Authority:   authority,
		Reason:      cert.Reason(),
		Fingerprint: cert.Fingerprint(),
		HostKey:     cert.HostKeyFingerprint(),
		IssuedAt:    cert.ValidAfter(),
		ExpiresAt:   expires,
		Locator:     locator.String(),
		TTL:         expires.Add(RetentionAfterExpiry).Unix(),
	}
}

// FormatSerial renders a certificate serial the way ssh-keygen -L prints it.
func FormatSerial(serial uint64) string {
	return strconv.FormatUint(serial, 10)
}

func copyRecord(r *IssuanceRecord) *IssuanceRecord {
	c := *r
	c.Principals = append([]string(nil), r.Principals...)
	return &c
}

func wrapAWSError(err error, msg string) error {
	if err == nil {
		return nil
	}

	var provisionedErr *types.ProvisionedThroughputExceededException
	if errors.As(err, &provisionedErr) {
		return fmt.Errorf("%s: %w: %v", msg, ErrThrottled, err)
	}

	// not every throttling response is typed
	errMsg := err.Error()
	if strings.Contains(errMsg, "ThrottlingException") ||
		strings.Contains(errMsg, "RequestLimitExceeded") {
		return fmt.Errorf("%s: %w: %v", msg, ErrThrottled, err)
	}

	return fmt.Errorf("%s: %w", msg, err)
}
