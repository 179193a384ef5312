package commands

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/wolfeidau/hostcert/internal/bootstrap"
	"github.com/wolfeidau/hostcert/internal/config"
	"github.com/wolfeidau/hostcert/internal/issuance"
	"github.com/wolfeidau/hostcert/internal/setup"
	"github.com/wolfeidau/hostcert/internal/storage/memory"
	"github.com/wolfeidau/hostcert/internal/store"
)

type testEnv struct {
	globals *Globals
	out     *bytes.Buffer
	backend *memory.Backend
	ledger  *store.MemoryIssuanceStore
	caPub   ssh.PublicKey
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	home := t.TempDir()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "prod-ca")
	require.NoError(t, err)
	keyPath := config.DefaultPrivateKeyPath(home, "prod")
	require.NoError(t, os.MkdirAll(filepath.Dir(keyPath), 0700))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600))
	caSigner, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfgPath := filepath.Join(home, "config.ini")
	require.NoError(t, os.WriteFile(cfgPath, []byte("[prod.memory]\nledger = memory\n"), 0600))

	env := &testEnv{
		out:     &bytes.Buffer{},
		backend: memory.New(""),
		ledger:  store.NewMemoryIssuanceStore(),
		caPub:   caSigner.PublicKey(),
	}

	// the memory backend and ledger are shared across invocations so tests
	// can seed host keys and read back certificates
	open := func(ctx context.Context, authority *config.Authority) (*issuance.Components, error) {
		comps, err := setup.Open(ctx, authority)
		if err != nil {
			return nil, err
		}
		comps.Backend = env.backend
		comps.Ledger = env.ledger
		return comps, nil
	}

	env.globals = &Globals{
		Settings:   config.Settings{HomeDir: home, ConfigPath: cfgPath, Authority: config.BackendMemory},
		Stdout:     env.out,
		Open:       open,
		OpenLedger: func(context.Context, *config.Authority) (store.IssuanceStore, error) { return env.ledger, nil },
	}
	return env
}

func (e *testEnv) putHostKey(t *testing.T, principal string) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	require.NoError(t, e.backend.PutHostPublicKey(principal, ssh.MarshalAuthorizedKey(sshPub)))
}

func TestSignCmd_Run(t *testing.T) {
	env := newTestEnv(t)
	env.putHostKey(t, "web1")

	cmd := &SignCmd{
		Environment: "prod",
		Hostnames:   []string{"web1", "web1.internal"},
		Validity:    "+1w",
		Reason:      "new host",
	}
	require.NoError(t, cmd.Run(context.Background(), env.globals))

	assert.Equal(t, "memory://web1-cert.pub\n", env.out.String())

	data, err := env.backend.Certificate("web1")
	require.NoError(t, err)
	key, _, _, _, err := ssh.ParseAuthorizedKey(data)
	require.NoError(t, err)
	cert := key.(*ssh.Certificate)
	assert.Equal(t, []string{"web1", "web1.internal"}, cert.ValidPrincipals)
	assert.Equal(t, uint32(ssh.HostCert), cert.CertType)
}

func TestSignCmd_Errors(t *testing.T) {
	env := newTestEnv(t)

	err := (&SignCmd{Environment: "prod", Hostnames: []string{"db1"}}).Run(context.Background(), env.globals)
	require.ErrorIs(t, err, issuance.ErrNotFound)

	err = (&SignCmd{Environment: "prod", Hostnames: []string{"db1"}, PrivateKey: "/nonexistent/ca_key"}).Run(context.Background(), env.globals)
	require.ErrorIs(t, err, issuance.ErrConfiguration)

	assert.Empty(t, env.out.String())
}

func TestParseHosts(t *testing.T) {
	input := `
# database tier
db1.example.com db1
db2.example.com   # trailing comment

	web1 web1.internal web1.example.com
`
	hosts, err := ParseHosts(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"db1.example.com", "db1"},
		{"db2.example.com"},
		{"web1", "web1.internal", "web1.example.com"},
	}, hosts)

	hosts, err = ParseHosts(strings.NewReader("# nothing\n\n"))
	require.NoError(t, err)
	assert.Empty(t, hosts)
}

func TestBatchCmd_Run(t *testing.T) {
	env := newTestEnv(t)
	env.putHostKey(t, "db1")
	env.putHostKey(t, "db2")

	file := filepath.Join(t.TempDir(), "hosts.txt")
	require.NoError(t, os.WriteFile(file, []byte("db1 db1.example.com\nmissing\ndb2\n"), 0600))

	cmd := &BatchCmd{Environment: "prod", File: file, Parallelism: 2}
	err := cmd.Run(context.Background(), env.globals)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3 issuances failed")

	assert.Equal(t, "db1\tmemory://db1-cert.pub\ndb2\tmemory://db2-cert.pub\n", env.out.String())

	t.Run("empty file", func(t *testing.T) {
		empty := filepath.Join(t.TempDir(), "hosts.txt")
		require.NoError(t, os.WriteFile(empty, []byte("# none\n"), 0600))
		err := (&BatchCmd{Environment: "prod", File: empty}).Run(context.Background(), env.globals)
		require.Error(t, err)
	})
}

func TestInspectCmd_Run(t *testing.T) {
	env := newTestEnv(t)
	env.putHostKey(t, "db1.example.com")

	require.NoError(t, (&SignCmd{
		Environment: "prod",
		Hostnames:   []string{"db1.example.com", "db1"},
		Validity:    "+2d",
	}).Run(context.Background(), env.globals))

	data, err := env.backend.Certificate("db1.example.com")
	require.NoError(t, err)
	file := filepath.Join(t.TempDir(), "ssh_host_ed25519_key-cert.pub")
	require.NoError(t, os.WriteFile(file, data, 0600))

	env.out.Reset()
	require.NoError(t, (&InspectCmd{File: file}).Run(context.Background(), env.globals))

	out := env.out.String()
	assert.Contains(t, out, "host certificate")
	assert.Contains(t, out, "db1.example.com, db1")
	assert.Contains(t, out, ssh.FingerprintSHA256(env.caPub))
	assert.NotContains(t, out, "expired")

	t.Run("raw public key", func(t *testing.T) {
		pub, _, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		sshPub, err := ssh.NewPublicKey(pub)
		require.NoError(t, err)
		raw := filepath.Join(t.TempDir(), "ssh_host_ed25519_key.pub")
		require.NoError(t, os.WriteFile(raw, ssh.MarshalAuthorizedKey(sshPub), 0600))

		err = (&InspectCmd{File: raw}).Run(context.Background(), env.globals)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "instead of a certificate")
	})
}

func TestHistoryCmd_Run(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	for i, host := range []string{"db1", "db1", "web1"} {
		require.NoError(t, env.ledger.Register(ctx, &store.IssuanceRecord{
			Serial:      store.FormatSerial(uint64(100 + i)),
			KeyID:       host,
			Principals:  []string{host},
			Environment: "prod",
			Reason:      "rotation",
			IssuedAt:    base.Add(time.Duration(i) * time.Hour),
			ExpiresAt:   base.Add(24 * time.Hour),
			Locator:     "memory://" + host + "-cert.pub",
		}))
	}

	require.NoError(t, env.ledger.Register(ctx, &store.IssuanceRecord{
		Serial:      store.FormatSerial(200),
		KeyID:       "db1",
		Principals:  []string{"db1"},
		Environment: "staging",
		IssuedAt:    base.Add(5 * time.Hour),
		ExpiresAt:   base.Add(24 * time.Hour),
	}))

	require.NoError(t, (&HistoryCmd{Environment: "prod", Principal: "db1"}).Run(ctx, env.globals))
	lines := strings.Split(strings.TrimSpace(env.out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "SERIAL"))
	assert.True(t, strings.HasPrefix(lines[1], "101"))

	env.out.Reset()
	require.NoError(t, (&HistoryCmd{Environment: "prod", Limit: 1}).Run(ctx, env.globals))
	lines = strings.Split(strings.TrimSpace(env.out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "102"))

	t.Run("memory ledger", func(t *testing.T) {
		globals := *env.globals
		globals.OpenLedger = nil
		err := (&HistoryCmd{Environment: "prod"}).Run(ctx, &globals)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not persist")
	})

	t.Run("ledger disabled", func(t *testing.T) {
		globals := *env.globals
		globals.Settings.ConfigPath = filepath.Join(t.TempDir(), "missing.ini")
		err := (&HistoryCmd{Environment: "prod"}).Run(ctx, &globals)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no ledger configured")
	})
}

func TestKnownHostsCmd_Run(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, (&KnownHostsCmd{Environment: "prod", Pattern: "*.example.com"}).Run(context.Background(), env.globals))

	line := strings.TrimSpace(env.out.String())
	assert.True(t, strings.HasPrefix(line, "@cert-authority *.example.com ssh-ed25519 "))

	fields := strings.Fields(line)
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.Join(fields[2:], " ")))
	require.NoError(t, err)
	assert.Equal(t, env.caPub.Marshal(), pub.Marshal())
}

func TestBootstrapCmd_Run(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("nothing to create", func(t *testing.T) {
		globals := *env.globals
		globals.Settings.ConfigPath = filepath.Join(t.TempDir(), "missing.ini")
		err := (&BootstrapCmd{Environment: "prod"}).Run(ctx, &globals)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nothing to bootstrap")
	})

	t.Run("s3 and dynamodb", func(t *testing.T) {
		cfgPath := filepath.Join(t.TempDir(), "config.ini")
		require.NoError(t, os.WriteFile(cfgPath, []byte(`
[prod.s3]
region = ap-southeast-2
endpoint = http://localhost:4566
access_key_id = test
secret_access_key = test
bucket = host-keys
ledger = dynamodb
ledger_table = hostcert-issuances
`), 0600))

		var got bootstrap.Config
		globals := *env.globals
		globals.Settings.ConfigPath = cfgPath
		globals.Settings.Authority = "s3"
		globals.Provision = func(_ context.Context, cfg bootstrap.Config) (*bootstrap.Resources, error) {
			got = cfg
			return &bootstrap.Resources{Bucket: cfg.Bucket, LedgerTable: cfg.LedgerTable}, nil
		}

		env.out.Reset()
		require.NoError(t, (&BootstrapCmd{Environment: "prod", Clean: true}).Run(ctx, &globals))

		assert.Equal(t, "host-keys", got.Bucket)
		assert.Equal(t, "ap-southeast-2", got.Region)
		assert.Equal(t, "hostcert-issuances", got.LedgerTable)
		assert.True(t, got.CleanResources)
		assert.NotNil(t, got.S3Client)
		assert.NotNil(t, got.DynamoClient)
		assert.Equal(t, "bucket\thost-keys\nledger_table\thostcert-issuances\n", env.out.String())
	})
}
