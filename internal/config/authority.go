// Package config resolves a certificate authority for an environment from
// command line overrides, an INI config file and conventional defaults.
//
// A config file groups settings per environment and authority:
//
//	[prod]
//	region = us-west-2
//
//	[prod.s3]
//	bucket      = acme-host-keys
//	private_key = /etc/ssh_ca/prod/ca_key
//	ledger      = dynamodb
//	ledger_table = hostcert-issuance
//
// Keys absent from [prod.s3] are looked up in [prod] and then in the
// top level of the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-ini/ini"
	"github.com/rs/zerolog/log"
)

// Setting keys understood by the resolver.
const (
	KeyBackend         = "backend"
	KeyPrivateKey      = "private_key"
	KeyPrivateKeySSM   = "private_key_ssm"
	KeyKMSKeyID        = "kms_key_id"
	KeySigner          = "signer"
	KeyKeygenBinary    = "ssh_keygen"
	KeyLedger          = "ledger"
	KeyLedgerTable     = "ledger_table"
	KeyBucket          = "bucket"
	KeyRegion          = "region"
	KeyProfile         = "profile"
	KeyEndpoint        = "endpoint"
	KeyAccessKeyID     = "access_key_id"
	KeySecretAccessKey = "secret_access_key"
	KeyPrefix          = "prefix"
	KeyPresignTTL      = "presign_ttl"
	KeyPathStyle       = "path_style"
	KeyDirectory       = "directory"
)

// Backend kinds.
const (
	BackendS3         = "s3"
	BackendFilesystem = "file"
	BackendMemory     = "memory"
)

// Signer kinds.
const (
	SignerNative = "native"
	SignerKeygen = "ssh-keygen"
)

// Ledger kinds.
const (
	LedgerNone     = "none"
	LedgerMemory   = "memory"
	LedgerDynamoDB = "dynamodb"
)

const flagSourceName = "flags"

// DefaultAuthority is used when no authority is selected.
const DefaultAuthority = BackendS3

// KeySource identifies where the CA private key lives.
type KeySource string

const (
	KeySourceFile KeySource = "file"
	KeySourceSSM  KeySource = "ssm"
	KeySourceKMS  KeySource = "kms"
)

// Settings are the process wide inputs, read once at start up and passed down.
type Settings struct {
	// ConfigPath is the INI file to read. A missing file is treated as empty.
	ConfigPath string
	// Authority selects the authority section, DefaultAuthority when empty.
	Authority string
	// Overrides hold explicit command line values, keyed by setting name.
	Overrides map[string]string
	// HomeDir anchors default paths, os.UserHomeDir when empty.
	HomeDir string
}

// DefaultDir returns the directory holding the default config file and CA keys.
func DefaultDir(home string) string {
	return filepath.Join(home, ".ssh_ca")
}

// DefaultConfigPath returns the conventional config file location.
func DefaultConfigPath(home string) string {
	return filepath.Join(DefaultDir(home), "config.ini")
}

// DefaultPrivateKeyPath returns the conventional CA key location for environment.
func DefaultPrivateKeyPath(home, environment string) string {
	return filepath.Join(DefaultDir(home), environment, "ca_key")
}

// Authority is a resolved certificate authority. It is never mutated after Resolve.
type Authority struct {
	Environment    string
	Name           string
	Backend        string
	Signer         string
	Ledger         string
	KeySource      KeySource
	PrivateKeyPath string
	PrivateKeySSM  string
	KMSKeyID       string

	home     string
	section  string
	settings *Resolver
}

// Section returns the config section name of the authority.
func (a *Authority) Section() string { return a.section }

// Setting returns an authority specific setting, empty when unset.
func (a *Authority) Setting(key string) string {
	return a.settings.Get(key)
}

// RequireSetting returns a setting or a *MissingKeyError.
func (a *Authority) RequireSetting(key string) (string, error) {
	v := a.settings.Get(key)
	if v == "" {
		return "", &MissingKeyError{Section: a.section, Key: key}
	}
	return v, nil
}

// Resolve builds the authority for environment. It fails before any network
// or signing activity when the CA key or required backend settings are unusable.
func Resolve(s Settings, environment string) (*Authority, error) {
	if err := validateName("environment", environment); err != nil {
		return nil, err
	}

	name := s.Authority
	if name == "" {
		name = DefaultAuthority
	}
	if err := validateName("authority", name); err != nil {
		return nil, err
	}

	home := s.HomeDir
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to get home directory: %v", ErrConfiguration, err)
		}
	}

	configPath := s.ConfigPath
	if configPath == "" {
		configPath = DefaultConfigPath(home)
	}

	file, err := loadFile(configPath)
	if err != nil {
		return nil, err
	}

	section := environment + "." + name
	resolver := NewResolver(
		NewMapSource(flagSourceName, s.Overrides),
		NewSectionSource(file, section),
		NewSectionSource(file, ini.DefaultSection),
		NewMapSource("defaults", map[string]string{
			KeyBackend:    name,
			KeyPrivateKey: DefaultPrivateKeyPath(home, environment),
			KeySigner:     SignerNative,
			KeyLedger:     LedgerNone,
		}),
	)

	a := &Authority{
		Environment: environment,
		Name:        name,
		Backend:     resolver.Get(KeyBackend),
		Signer:      resolver.Get(KeySigner),
		Ledger:      resolver.Get(KeyLedger),
		home:        home,
		section:     section,
		settings:    resolver,
	}

	if err := a.resolveKey(); err != nil {
		return nil, err
	}
	if err := a.validate(); err != nil {
		return nil, err
	}

	log.Debug().
		Str("environment", a.Environment).
		Str("authority", a.Name).
		Str("backend", a.Backend).
		Str("key_source", string(a.KeySource)).
		Str("config", configPath).
		Msg("authority resolved")

	return a, nil
}

// resolveKey picks the CA key source, kms_key_id > private_key_ssm > private_key.
// A private_key given on the command line always selects the key file.
func (a *Authority) resolveKey() error {
	path, from, _ := a.settings.Lookup(KeyPrivateKey)
	if from == flagSourceName {
		return a.resolveKeyFile(path, from)
	}

	if id := a.settings.Get(KeyKMSKeyID); id != "" {
		a.KeySource = KeySourceKMS
		a.KMSKeyID = id
		return nil
	}
	if param := a.settings.Get(KeyPrivateKeySSM); param != "" {
		a.KeySource = KeySourceSSM
		a.PrivateKeySSM = param
		return nil
	}

	return a.resolveKeyFile(path, from)
}

func (a *Authority) resolveKeyFile(path, from string) error {
	abs, err := filepath.Abs(expandHome(path, a.home))
	if err != nil {
		return fmt.Errorf("%w: private key path %q: %v", ErrConfiguration, path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: CA private key %s (from %s) does not exist", ErrConfiguration, abs, from)
		}
		return fmt.Errorf("%w: CA private key %s: %v", ErrConfiguration, abs, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: CA private key %s is not a regular file", ErrConfiguration, abs)
	}

	a.KeySource = KeySourceFile
	a.PrivateKeyPath = abs
	return nil
}

func (a *Authority) validate() error {
	switch a.Backend {
	case BackendS3:
		if _, err := a.RequireSetting(KeyBucket); err != nil {
			return err
		}
	case BackendFilesystem:
		if _, err := a.RequireSetting(KeyDirectory); err != nil {
			return err
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: unknown backend %q in [%s]", ErrInvalidConfiguration, a.Backend, a.section)
	}

	switch a.Signer {
	case SignerNative:
	case SignerKeygen:
		if a.KeySource != KeySourceFile {
			return fmt.Errorf("%w: signer %q requires a private_key file, got %s key source",
				ErrInvalidConfiguration, SignerKeygen, a.KeySource)
		}
	default:
		return fmt.Errorf("%w: unknown signer %q in [%s]", ErrInvalidConfiguration, a.Signer, a.section)
	}

	switch a.Ledger {
	case LedgerNone, LedgerMemory:
	case LedgerDynamoDB:
		if _, err := a.RequireSetting(KeyLedgerTable); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown ledger %q in [%s]", ErrInvalidConfiguration, a.Ledger, a.section)
	}

	return nil
}

func loadFile(path string) (*ini.File, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Debug().Str("config", path).Msg("config file not found, using defaults")
		return ini.Empty(), nil
	}

	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load config file %s: %v", ErrConfiguration, path, err)
	}
	return file, nil
}

func validateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%w: %s name is required", ErrConfiguration, kind)
	}
	if strings.ContainsAny(name, `/\.`) || strings.TrimSpace(name) != name {
		return fmt.Errorf("%w: invalid %s name %q", ErrConfiguration, kind, name)
	}
	return nil
}

// expandHome replaces a leading ~ with home.
func expandHome(path, home string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[1:])
	}
	return path
}
