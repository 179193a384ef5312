package pki

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"golang.org/x/crypto/ssh"
)

// KMSAPI is the subset of the KMS client used for signing.
type KMSAPI interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// NewKMSSigner creates an SSH CA signer backed by an ECC_NIST_P256 KMS key.
// The kmsKeyID can be a key ID, key ARN, alias name, or alias ARN.
// The CA private key never leaves KMS, only digests are sent for signing.
func NewKMSSigner(ctx context.Context, client KMSAPI, kmsKeyID string) (ssh.Signer, error) {
	pubKeyOutput, err := client.GetPublicKey(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(kmsKeyID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get public key from KMS: %w", err)
	}

	// Parse the public key from KMS (DER-encoded)
	kmsPublicKey, err := x509.ParsePKIXPublicKey(pubKeyOutput.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse KMS public key: %w", err)
	}

	ecdsaPubKey, ok := kmsPublicKey.(*ecdsa.PublicKey)
	if !ok || ecdsaPubKey.Curve != elliptic.P256() {
		return nil, fmt.Errorf("KMS key is not ECDSA P-256 (got %T)", kmsPublicKey)
	}

	signer, err := ssh.NewSignerFromSigner(&kmsDigestSigner{
		client: client,
		keyID:  kmsKeyID,
		pub:    ecdsaPubKey,
		ctx:    ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH signer from KMS key: %w", err)
	}

	return signer, nil
}

// kmsDigestSigner is a crypto.Signer sending SHA-256 digests to KMS.
type kmsDigestSigner struct {
	client KMSAPI
	keyID  string
	pub    *ecdsa.PublicKey
	ctx    context.Context
}

func (k *kmsDigestSigner) Public() crypto.PublicKey {
	return k.pub
}

// Sign signs the digest using AWS KMS. ecdsa-sha2-nistp256 signatures hash
// with SHA-256 before calling Sign.
func (k *kmsDigestSigner) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts.HashFunc() != crypto.SHA256 {
		return nil, fmt.Errorf("KMS signer only supports SHA256, got %v", opts.HashFunc())
	}

	out, err := k.client.Sign(k.ctx, &kms.SignInput{
		KeyId:            aws.String(k.keyID),
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: types.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS sign %s: %w", k.keyID, err)
	}

	// KMS returns a DER-encoded ASN.1 SEQUENCE of r and s, re-encode it so
	// any non-canonical encoding is normalised before ssh converts it.
	var sig struct {
		R, S *big.Int
	}
	if _, err := asn1.Unmarshal(out.Signature, &sig); err != nil {
		return nil, fmt.Errorf("failed to parse KMS signature: %w", err)
	}
	return asn1.Marshal(sig)
}
