package bootstrap

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// TableAPI is the subset of the DynamoDB client used to manage the ledger table.
type TableAPI interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// BucketAPI is the subset of the S3 client used to manage the key bucket.
type BucketAPI interface {
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// Config holds the resources to create for an authority.
type Config struct {
	// AWS SDK clients, a nil client skips its resources
	S3Client     BucketAPI
	DynamoClient TableAPI

	// Bucket holding host keys and certificates, skipped when empty
	Bucket string
	// Region for the bucket location constraint
	Region string
	// LedgerTable is the issuance ledger table, skipped when empty
	LedgerTable string

	// CleanResources deletes an existing ledger table before creating it
	CleanResources bool
}

// Resources holds identifiers for created infrastructure resources
type Resources struct {
	Bucket      string
	LedgerTable string
}
