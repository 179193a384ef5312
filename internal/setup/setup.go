// Package setup builds the storage backend, CA signer and issuance ledger
// of a resolved authority.
package setup

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/wolfeidau/hostcert/internal/bootstrap"
	"github.com/wolfeidau/hostcert/internal/config"
	"github.com/wolfeidau/hostcert/internal/issuance"
	"github.com/wolfeidau/hostcert/internal/pki"
	"github.com/wolfeidau/hostcert/internal/signer"
	"github.com/wolfeidau/hostcert/internal/storage"
	"github.com/wolfeidau/hostcert/internal/storage/filesystem"
	"github.com/wolfeidau/hostcert/internal/storage/memory"
	"github.com/wolfeidau/hostcert/internal/storage/s3"
	"github.com/wolfeidau/hostcert/internal/store"
)

// Open builds the components of authority. AWS configuration is only loaded
// when a component needs it.
func Open(ctx context.Context, authority *config.Authority) (*issuance.Components, error) {
	awsCfg := &lazyAWSConfig{authority: authority}

	backend, err := NewBackend(ctx, authority, awsCfg.load)
	if err != nil {
		return nil, err
	}

	ca, err := NewCASigner(ctx, authority, awsCfg.load)
	if err != nil {
		return nil, err
	}

	certSigner, err := NewSigner(authority, ca)
	if err != nil {
		return nil, err
	}

	ledger, err := NewLedger(ctx, authority, awsCfg.load)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("environment", authority.Environment).
		Str("authority", authority.Name).
		Str("backend", authority.Backend).
		Str("signer", authority.Signer).
		Str("ledger", authority.Ledger).
		Str("ca", ssh.FingerprintSHA256(ca.PublicKey())).
		Msg("authority opened")

	return &issuance.Components{
		Authority: authority,
		Backend:   backend,
		Signer:    certSigner,
		Ledger:    ledger,
	}, nil
}

// AWSConfigFunc returns the AWS configuration for the authority.
type AWSConfigFunc func(ctx context.Context) (aws.Config, error)

// NewBackend creates the storage backend named by the authority.
func NewBackend(ctx context.Context, authority *config.Authority, loadAWS AWSConfigFunc) (storage.Backend, error) {
	switch authority.Backend {
	case config.BackendS3:
		bucket, err := authority.RequireSetting(config.KeyBucket)
		if err != nil {
			return nil, err
		}

		var presignTTL time.Duration
		if v := authority.Setting(config.KeyPresignTTL); v != "" {
			presignTTL, err = time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", config.ErrInvalidConfiguration, config.KeyPresignTTL, err)
			}
		}

		client, err := newS3Client(ctx, authority, loadAWS)
		if err != nil {
			return nil, err
		}

		return s3.NewFromClient(client, s3.Config{
			Bucket:     bucket,
			Prefix:     authority.Setting(config.KeyPrefix),
			PresignTTL: presignTTL,
		})

	case config.BackendFilesystem:
		dir, err := authority.RequireSetting(config.KeyDirectory)
		if err != nil {
			return nil, err
		}
		backend, err := filesystem.New(dir)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfiguration, err)
		}
		return backend, nil

	case config.BackendMemory:
		return memory.New(authority.Setting(config.KeyPrefix)), nil

	default:
		return nil, fmt.Errorf("%w: unknown backend %q", config.ErrInvalidConfiguration, authority.Backend)
	}
}

// NewCASigner loads the CA key from its configured source.
func NewCASigner(ctx context.Context, authority *config.Authority, loadAWS AWSConfigFunc) (ssh.Signer, error) {
	switch authority.KeySource {
	case config.KeySourceFile:
		ca, err := pki.LoadFileSigner(authority.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
		}
		return ca, nil

	case config.KeySourceSSM:
		cfg, err := loadAWS(ctx)
		if err != nil {
			return nil, err
		}
		client := ssm.NewFromConfig(cfg, func(o *ssm.Options) {
			o.BaseEndpoint = endpoint(authority)
		})
		ca, err := pki.LoadSSMSigner(ctx, client, authority.PrivateKeySSM)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
		}
		return ca, nil

	case config.KeySourceKMS:
		cfg, err := loadAWS(ctx)
		if err != nil {
			return nil, err
		}
		client := kms.NewFromConfig(cfg, func(o *kms.Options) {
			o.BaseEndpoint = endpoint(authority)
		})
		// the signer is used after Open returns
		ca, err := pki.NewKMSSigner(context.WithoutCancel(ctx), client, authority.KMSKeyID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
		}
		return ca, nil

	default:
		return nil, fmt.Errorf("%w: unknown key source %q", config.ErrConfiguration, authority.KeySource)
	}
}

// NewSigner wraps the CA key in the signing primitive named by the authority.
func NewSigner(authority *config.Authority, ca ssh.Signer) (*signer.Signer, error) {
	switch authority.Signer {
	case config.SignerNative:
		return signer.New(signer.NewNativePrimitive(ca)), nil
	case config.SignerKeygen:
		if authority.KeySource != config.KeySourceFile {
			return nil, fmt.Errorf("%w: %s signer requires a private key file", config.ErrInvalidConfiguration, config.SignerKeygen)
		}
		var opts []signer.KeygenOption
		if bin := authority.Setting(config.KeyKeygenBinary); bin != "" {
			opts = append(opts, signer.WithBinary(bin))
		}
		return signer.New(signer.NewKeygenPrimitive(authority.PrivateKeyPath, ca.PublicKey(), opts...)), nil
	default:
		return nil, fmt.Errorf("%w: unknown signer %q", config.ErrInvalidConfiguration, authority.Signer)
	}
}

// NewLedger creates the issuance ledger, nil when disabled.
func NewLedger(ctx context.Context, authority *config.Authority, loadAWS AWSConfigFunc) (store.IssuanceStore, error) {
	switch authority.Ledger {
	case config.LedgerNone, "":
		return nil, nil
	case config.LedgerMemory:
		return store.NewMemoryIssuanceStore(), nil
	case config.LedgerDynamoDB:
		table, err := authority.RequireSetting(config.KeyLedgerTable)
		if err != nil {
			return nil, err
		}
		cfg, err := loadAWS(ctx)
		if err != nil {
			return nil, err
		}
		client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			o.BaseEndpoint = endpoint(authority)
		})
		return store.NewDynamoDBIssuanceStore(client, table), nil
	default:
		return nil, fmt.Errorf("%w: unknown ledger %q", config.ErrInvalidConfiguration, authority.Ledger)
	}
}

// NewBootstrapConfig describes the AWS resources the authority needs, a
// bucket for the s3 backend and a table for the dynamodb ledger.
func NewBootstrapConfig(ctx context.Context, authority *config.Authority, loadAWS AWSConfigFunc) (bootstrap.Config, error) {
	cfg := bootstrap.Config{}

	if authority.Backend == config.BackendS3 {
		bucket, err := authority.RequireSetting(config.KeyBucket)
		if err != nil {
			return cfg, err
		}
		client, err := newS3Client(ctx, authority, loadAWS)
		if err != nil {
			return cfg, err
		}
		cfg.S3Client = client
		cfg.Bucket = bucket
		cfg.Region = client.Options().Region
	}

	if authority.Ledger == config.LedgerDynamoDB {
		table, err := authority.RequireSetting(config.KeyLedgerTable)
		if err != nil {
			return cfg, err
		}
		awsCfg, err := loadAWS(ctx)
		if err != nil {
			return cfg, err
		}
		cfg.DynamoClient = dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			o.BaseEndpoint = endpoint(authority)
		})
		cfg.LedgerTable = table
	}

	return cfg, nil
}

func newS3Client(ctx context.Context, authority *config.Authority, loadAWS AWSConfigFunc) (*awss3.Client, error) {
	pathStyle := false
	if v := authority.Setting(config.KeyPathStyle); v != "" {
		var err error
		pathStyle, err = strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", config.ErrInvalidConfiguration, config.KeyPathStyle, err)
		}
	}

	cfg, err := loadAWS(ctx)
	if err != nil {
		return nil, err
	}

	return awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		o.BaseEndpoint = endpoint(authority)
		o.UsePathStyle = pathStyle
	}), nil
}

// LoadAWSConfig loads the default AWS configuration, applying the region,
// profile and static credential settings of the authority.
func LoadAWSConfig(ctx context.Context, authority *config.Authority) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if region := authority.Setting(config.KeyRegion); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if profile := authority.Setting(config.KeyProfile); profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}

	accessKey := authority.Setting(config.KeyAccessKeyID)
	secretKey := authority.Setting(config.KeySecretAccessKey)
	if accessKey != "" || secretKey != "" {
		if accessKey == "" || secretKey == "" {
			return aws.Config{}, fmt.Errorf("%w: %s and %s must be set together",
				config.ErrInvalidConfiguration, config.KeyAccessKeyID, config.KeySecretAccessKey)
		}
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("%w: failed to load AWS config: %v", config.ErrConfiguration, err)
	}
	return cfg, nil
}

type lazyAWSConfig struct {
	authority *config.Authority

	once sync.Once
	cfg  aws.Config
	err  error
}

func (l *lazyAWSConfig) load(ctx context.Context) (aws.Config, error) {
	l.once.Do(func() {
		l.cfg, l.err = LoadAWSConfig(ctx, l.authority)
	})
	return l.cfg, l.err
}

// endpoint returns the custom service endpoint, nil for the AWS default.
func endpoint(authority *config.Authority) *string {
	if v := authority.Setting(config.KeyEndpoint); v != "" {
		return aws.String(v)
	}
	return nil
}
