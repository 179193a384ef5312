package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/wolfeidau/hostcert/internal/pki"
	"github.com/wolfeidau/hostcert/internal/validity"
)

func newCA(t *testing.T) (ssh.Signer, []byte) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "host-ca")
	require.NoError(t, err)
	return signer, pem.EncodeToMemory(block)
}

func newHostKey(t *testing.T) (ssh.PublicKey, []byte) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return sshPub, ssh.MarshalAuthorizedKey(sshPub)
}

func testWindow(t *testing.T) validity.Window {
	t.Helper()
	w, err := validity.Parse("+1w", time.Now())
	require.NoError(t, err)
	return w
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "work directory left behind")
}

func TestSignNative(t *testing.T) {
	ca, _ := newCA(t)
	hostKey, hostPub := newHostKey(t)
	tmp := t.TempDir()
	window := testWindow(t)

	s := New(NewNativePrimitive(ca), WithTempDir(tmp))
	principals := []string{"db1.example.com", "db1", "db1.example.com"}

	cert, err := s.Sign(context.Background(), hostPub, window, principals, "initial issue", "db1.example.com")
	require.NoError(t, err)
	assertEmptyDir(t, tmp)

	assert.Equal(t, principals, cert.Principals())
	assert.Equal(t, "db1.example.com", cert.KeyID())
	assert.Equal(t, "initial issue", cert.Reason())
	assert.Equal(t, window.Expires.Unix(), cert.ValidBefore().Unix())
	assert.Equal(t, window.IssuedAt.Unix(), cert.ValidAfter().Unix())
	assert.NotEmpty(t, cert.Fingerprint())
	assert.Equal(t, ssh.FingerprintSHA256(hostKey), cert.HostKeyFingerprint())

	parsed, err := ParseCertificate(cert.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(ssh.HostCert), parsed.CertType)
	assert.Equal(t, cert.Serial(), parsed.Serial)

	checker := ssh.CertChecker{
		IsHostAuthority: func(auth ssh.PublicKey, _ string) bool {
			return pki.PublicKeysEqual(auth, ca.PublicKey())
		},
	}
	require.NoError(t, checker.CheckHostKey("db1.example.com:22", nil, parsed))
	require.Error(t, checker.CheckHostKey("web1.example.com:22", nil, parsed))
}

func TestSignNativeRepeatable(t *testing.T) {
	ca, _ := newCA(t)
	_, hostPub := newHostKey(t)
	window := testWindow(t)
	s := New(NewNativePrimitive(ca), WithTempDir(t.TempDir()))
	principals := []string{"web1", "web1.internal"}

	first, err := s.Sign(context.Background(), hostPub, window, principals, "", "web1")
	require.NoError(t, err)
	second, err := s.Sign(context.Background(), hostPub, window, principals, "", "web1")
	require.NoError(t, err)

	assert.Equal(t, first.Principals(), second.Principals())
	assert.True(t, first.ValidBefore().Equal(second.ValidBefore()))
	assert.True(t, first.ValidAfter().Equal(second.ValidAfter()))
	assert.NotEqual(t, first.Serial(), second.Serial())
}

func TestSignedCertificateIsImmutable(t *testing.T) {
	ca, _ := newCA(t)
	_, hostPub := newHostKey(t)
	s := New(NewNativePrimitive(ca), WithTempDir(t.TempDir()))

	principals := []string{"a.example.com", "b.example.com"}
	cert, err := s.Sign(context.Background(), hostPub, testWindow(t), principals, "", "a.example.com")
	require.NoError(t, err)

	principals[0] = "mutated"
	got := cert.Principals()
	got[1] = "mutated"
	b := cert.Bytes()
	b[0] = 'X'

	assert.Equal(t, []string{"a.example.com", "b.example.com"}, cert.Principals())
	assert.NotEqual(t, byte('X'), cert.Bytes()[0])
}

func TestSignInvalidPublicKey(t *testing.T) {
	ca, _ := newCA(t)
	hostKey, hostPub := newHostKey(t)

	self := &ssh.Certificate{
		Key:             hostKey,
		CertType:        ssh.HostCert,
		ValidPrincipals: []string{"db1"},
		ValidBefore:     ssh.CertTimeInfinity,
	}
	require.NoError(t, self.SignCert(rand.Reader, ca))

	tests := []struct {
		name string
		key  []byte
	}{
		{name: "garbage", key: []byte("not a key")},
		{name: "empty", key: nil},
		{name: "certificate", key: ssh.MarshalAuthorizedKey(self)},
		{name: "trailing data", key: append(append([]byte{}, hostPub...), hostPub...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmp := t.TempDir()
			s := New(NewNativePrimitive(ca), WithTempDir(tmp))
			_, err := s.Sign(context.Background(), tt.key, testWindow(t), []string{"db1"}, "", "db1")
			require.ErrorIs(t, err, ErrInvalidPublicKey)
			assertEmptyDir(t, tmp)
		})
	}
}

type recordingPrimitive struct {
	authority ssh.PublicKey
	err       error
	out       []byte
	seen      Request
	mode      os.FileMode
}

func (r *recordingPrimitive) Authority() ssh.PublicKey { return r.authority }

func (r *recordingPrimitive) Sign(_ context.Context, req Request) ([]byte, error) {
	r.seen = req
	if info, err := os.Stat(req.PublicKeyPath); err == nil {
		r.mode = info.Mode().Perm()
	}
	return r.out, r.err
}

func TestSignPrimitiveFailure(t *testing.T) {
	ca, _ := newCA(t)
	_, hostPub := newHostKey(t)
	tmp := t.TempDir()

	prim := &recordingPrimitive{authority: ca.PublicKey(), err: errors.New("hsm unavailable")}
	s := New(prim, WithTempDir(tmp), WithSerialSource(func() (uint64, error) { return 42, nil }))

	_, err := s.Sign(context.Background(), hostPub, testWindow(t), []string{"db1"}, "rotate", "db1")
	require.ErrorIs(t, err, ErrSigningFailed)
	assert.Contains(t, err.Error(), "hsm unavailable")

	assert.Equal(t, uint64(42), prim.seen.Serial)
	assert.Equal(t, "rotate", prim.seen.Reason)
	assert.Equal(t, os.FileMode(0600), prim.mode)
	assert.NoFileExists(t, prim.seen.PublicKeyPath)
	assertEmptyDir(t, tmp)
}

func TestSignRejectsMismatchedOutput(t *testing.T) {
	ca, _ := newCA(t)
	hostKey, hostPub := newHostKey(t)
	window := testWindow(t)

	wrong := &ssh.Certificate{
		Key:             hostKey,
		Serial:          7,
		CertType:        ssh.HostCert,
		KeyId:           "db1",
		ValidPrincipals: []string{"other"},
		ValidAfter:      uint64(window.IssuedAt.Unix()),
		ValidBefore:     uint64(window.Expires.Unix()),
	}
	require.NoError(t, wrong.SignCert(rand.Reader, ca))

	tmp := t.TempDir()
	prim := &recordingPrimitive{authority: ca.PublicKey(), out: ssh.MarshalAuthorizedKey(wrong)}
	s := New(prim, WithTempDir(tmp), WithSerialSource(func() (uint64, error) { return 7, nil }))

	_, err := s.Sign(context.Background(), hostPub, window, []string{"db1"}, "", "db1")
	require.ErrorIs(t, err, ErrSigningFailed)
	assert.Contains(t, err.Error(), "principals")
	assertEmptyDir(t, tmp)

	t.Run("shifted start", func(t *testing.T) {
		late := &ssh.Certificate{
			Key:             hostKey,
			Serial:          7,
			CertType:        ssh.HostCert,
			KeyId:           "db1",
			ValidPrincipals: []string{"db1"},
			ValidAfter:      uint64(window.IssuedAt.Add(time.Hour).Unix()),
			ValidBefore:     uint64(window.Expires.Unix()),
		}
		require.NoError(t, late.SignCert(rand.Reader, ca))
		prim.out = ssh.MarshalAuthorizedKey(late)

		_, err := s.Sign(context.Background(), hostPub, window, []string{"db1"}, "", "db1")
		require.ErrorIs(t, err, ErrSigningFailed)
		assert.Contains(t, err.Error(), "start")
	})
}

func TestSignKeygenFailure(t *testing.T) {
	ca, _ := newCA(t)
	_, hostPub := newHostKey(t)

	fake := filepath.Join(t.TempDir(), "fake-keygen")
	script := "#!/bin/sh\necho 'Load key: invalid format' >&2\nexit 255\n"
	require.NoError(t, os.WriteFile(fake, []byte(script), 0700))

	tmp := t.TempDir()
	prim := NewKeygenPrimitive("/nonexistent/ca_key", ca.PublicKey(), WithBinary(fake))
	s := New(prim, WithTempDir(tmp))

	_, err := s.Sign(context.Background(), hostPub, testWindow(t), []string{"db1"}, "", "db1")
	require.ErrorIs(t, err, ErrSigningFailed)
	assert.Contains(t, err.Error(), "invalid format")
	assertEmptyDir(t, tmp)

	t.Run("missing binary", func(t *testing.T) {
		prim := NewKeygenPrimitive("/nonexistent/ca_key", ca.PublicKey(), WithBinary(filepath.Join(t.TempDir(), "missing")))
		_, err := New(prim, WithTempDir(tmp)).Sign(context.Background(), hostPub, testWindow(t), []string{"db1"}, "", "db1")
		require.ErrorIs(t, err, ErrSigningFailed)
		assertEmptyDir(t, tmp)
	})

	t.Run("comma in principal", func(t *testing.T) {
		_, err := New(prim, WithTempDir(tmp)).Sign(context.Background(), hostPub, testWindow(t), []string{"a,b"}, "", "a,b")
		require.ErrorIs(t, err, ErrSigningFailed)
	})
}

func TestSignKeygen(t *testing.T) {
	if _, err := exec.LookPath(DefaultKeygenBinary); err != nil {
		t.Skip("ssh-keygen not available")
	}

	ca, caPEM := newCA(t)
	caPath := filepath.Join(t.TempDir(), "ca_key")
	require.NoError(t, os.WriteFile(caPath, caPEM, 0600))

	_, hostPub := newHostKey(t)
	tmp := t.TempDir()
	window := testWindow(t)

	s := New(NewKeygenPrimitive(caPath, ca.PublicKey()), WithTempDir(tmp))
	cert, err := s.Sign(context.Background(), hostPub, window, []string{"db1.example.com", "db1"}, "", "db1.example.com")
	require.NoError(t, err)
	assertEmptyDir(t, tmp)

	assert.Equal(t, []string{"db1.example.com", "db1"}, cert.Principals())
	assert.Equal(t, window.Expires.Unix(), cert.ValidBefore().Unix())
	assert.Equal(t, window.IssuedAt.Unix(), cert.ValidAfter().Unix())

	t.Run("expiry in repeated DST hour", func(t *testing.T) {
		// ssh-keygen runs with New York time, 05:30 UTC is the second 01:30
		// on the morning clocks go back
		t.Setenv("TZ", "America/New_York")
		now := time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)
		window, err := validity.Parse("20261101053000", now)
		require.NoError(t, err)

		cert, err := s.Sign(context.Background(), hostPub, window, []string{"db1.example.com"}, "", "db1.example.com")
		require.NoError(t, err)
		assert.Equal(t, window.Expires.Unix(), cert.ValidBefore().Unix())
		assert.Equal(t, window.IssuedAt.Unix(), cert.ValidAfter().Unix())
	})
}
