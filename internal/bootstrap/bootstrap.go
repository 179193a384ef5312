// Package bootstrap creates the AWS resources an authority needs, the host
// key bucket and the issuance ledger table. It is used against LocalStack in
// development and by integration tests.
package bootstrap

import (
	"context"
	"fmt"
)

// Bootstrap creates the configured bucket and ledger table. Existing
// resources are reused unless CleanResources is set.
func Bootstrap(ctx context.Context, cfg Config) (*Resources, error) {
	resources := &Resources{}

	if cfg.Bucket != "" {
		if cfg.S3Client == nil {
			return nil, fmt.Errorf("S3Client is required to create bucket %s", cfg.Bucket)
		}
		if err := CreateBucket(ctx, cfg.S3Client, cfg.Bucket, cfg.Region); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		resources.Bucket = cfg.Bucket
	}

	if cfg.LedgerTable != "" {
		if cfg.DynamoClient == nil {
			return nil, fmt.Errorf("DynamoClient is required to create table %s", cfg.LedgerTable)
		}
		if err := CreateLedgerTable(ctx, cfg.DynamoClient, cfg.LedgerTable, cfg.CleanResources); err != nil {
			return nil, fmt.Errorf("failed to create ledger table: %w", err)
		}
		resources.LedgerTable = cfg.LedgerTable
	}

	return resources, nil
}
