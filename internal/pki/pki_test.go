package pki

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func generateKeyPEM(t *testing.T) ([]byte, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	block, err := ssh.MarshalPrivateKey(priv, "test-ca")
	require.NoError(t, err)

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	return pem.EncodeToMemory(block), sshPub
}

func TestLoadFileSigner(t *testing.T) {
	t.Run("key without public key", func(t *testing.T) {
		dir := t.TempDir()
		keyPEM, pub := generateKeyPEM(t)
		keyPath := filepath.Join(dir, "ca_key")
		require.NoError(t, os.WriteFile(keyPath, keyPEM, 0600))

		signer, err := LoadFileSigner(keyPath)
		require.NoError(t, err)
		assert.True(t, PublicKeysEqual(pub, signer.PublicKey()))
	})

	t.Run("matching public key", func(t *testing.T) {
		dir := t.TempDir()
		keyPEM, pub := generateKeyPEM(t)
		keyPath := filepath.Join(dir, "ca_key")
		require.NoError(t, os.WriteFile(keyPath, keyPEM, 0600))
		require.NoError(t, os.WriteFile(keyPath+".pub", ssh.MarshalAuthorizedKey(pub), 0644))

		_, err := LoadFileSigner(keyPath)
		require.NoError(t, err)
	})

	t.Run("mismatched public key", func(t *testing.T) {
		dir := t.TempDir()
		keyPEM, _ := generateKeyPEM(t)
		_, otherPub := generateKeyPEM(t)
		keyPath := filepath.Join(dir, "ca_key")
		require.NoError(t, os.WriteFile(keyPath, keyPEM, 0600))
		require.NoError(t, os.WriteFile(keyPath+".pub", ssh.MarshalAuthorizedKey(otherPub), 0644))

		_, err := LoadFileSigner(keyPath)
		require.ErrorIs(t, err, ErrKeyMismatch)
	})

	t.Run("passphrase protected", func(t *testing.T) {
		dir := t.TempDir()
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "test-ca", []byte("secret"))
		require.NoError(t, err)
		keyPath := filepath.Join(dir, "ca_key")
		require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600))

		_, err = LoadFileSigner(keyPath)
		require.ErrorIs(t, err, ErrPassphraseProtected)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFileSigner(filepath.Join(t.TempDir(), "missing"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("garbage", func(t *testing.T) {
		keyPath := filepath.Join(t.TempDir(), "ca_key")
		require.NoError(t, os.WriteFile(keyPath, []byte("not a key"), 0600))
		_, err := LoadFileSigner(keyPath)
		require.Error(t, err)
	})
}

func TestParseAuthorizedKey(t *testing.T) {
	_, pub := generateKeyPEM(t)
	line := ssh.MarshalAuthorizedKey(pub)

	parsed, err := ParseAuthorizedKey(line)
	require.NoError(t, err)
	assert.True(t, PublicKeysEqual(pub, parsed))

	_, err = ParseAuthorizedKey(append(append([]byte{}, line...), line...))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")

	_, err = ParseAuthorizedKey([]byte("ssh-ed25519 not-base64"))
	require.Error(t, err)
}

func TestKnownHostsLine(t *testing.T) {
	_, pub := generateKeyPEM(t)
	line := KnownHostsLine(pub, "*.example.com")
	assert.True(t, strings.HasPrefix(line, "@cert-authority *.example.com ssh-ed25519 "))
	assert.NotContains(t, line, "\n")
}

type fakeSSM struct {
	params map[string]string
}

func (f *fakeSSM) GetParameter(ctx context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	if !aws.ToBool(in.WithDecryption) {
		return nil, errors.New("expected decryption")
	}
	v, ok := f.params[aws.ToString(in.Name)]
	if !ok {
		return nil, &ssmtypes.ParameterNotFound{}
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: aws.String(v)}}, nil
}

func TestLoadSSMSigner(t *testing.T) {
	keyPEM, pub := generateKeyPEM(t)
	client := &fakeSSM{params: map[string]string{"/hostcert/prod/ca_key": string(keyPEM)}}

	signer, err := LoadSSMSigner(context.Background(), client, "/hostcert/prod/ca_key")
	require.NoError(t, err)
	assert.True(t, PublicKeysEqual(pub, signer.PublicKey()))

	_, err = LoadSSMSigner(context.Background(), client, "/hostcert/dev/ca_key")
	require.Error(t, err)
	var notFound *ssmtypes.ParameterNotFound
	assert.ErrorAs(t, err, &notFound)
}

type fakeKMS struct {
	key   *ecdsa.PrivateKey
	signs int
}

func (f *fakeKMS) GetPublicKey(ctx context.Context, in *kms.GetPublicKeyInput, _ ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	der, err := x509.MarshalPKIXPublicKey(&f.key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &kms.GetPublicKeyOutput{KeyId: in.KeyId, PublicKey: der}, nil
}

func (f *fakeKMS) Sign(ctx context.Context, in *kms.SignInput, _ ...func(*kms.Options)) (*kms.SignOutput, error) {
	if in.MessageType != types.MessageTypeDigest || in.SigningAlgorithm != types.SigningAlgorithmSpecEcdsaSha256 {
		return nil, errors.New("unexpected sign request")
	}
	f.signs++
	sig, err := ecdsa.SignASN1(rand.Reader, f.key, in.Message)
	if err != nil {
		return nil, err
	}
	return &kms.SignOutput{Signature: sig}, nil
}

func TestNewKMSSigner(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	client := &fakeKMS{key: key}

	signer, err := NewKMSSigner(context.Background(), client, "alias/host-ca")
	require.NoError(t, err)
	assert.Equal(t, ssh.KeyAlgoECDSA256, signer.PublicKey().Type())

	hostKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	hostPub, err := ssh.NewPublicKey(&hostKey.PublicKey)
	require.NoError(t, err)

	now := time.Now()
	cert := &ssh.Certificate{
		Key:             hostPub,
		KeyId:           "db1.example.com",
		CertType:        ssh.HostCert,
		ValidPrincipals: []string{"db1.example.com"},
		ValidAfter:      uint64(now.Unix()),
		ValidBefore:     uint64(now.Add(time.Hour).Unix()),
	}
	require.NoError(t, cert.SignCert(rand.Reader, signer))
	assert.Equal(t, 1, client.signs)

	checker := ssh.CertChecker{
		IsHostAuthority: func(auth ssh.PublicKey, address string) bool {
			return PublicKeysEqual(auth, signer.PublicKey())
		},
	}
	require.NoError(t, checker.CheckHostKey("db1.example.com:22", nil, cert))

	t.Run("rejects non P-256 keys", func(t *testing.T) {
		key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		require.NoError(t, err)
		_, err = NewKMSSigner(context.Background(), &fakeKMS{key: key}, "alias/host-ca")
		require.Error(t, err)
	})
}
