// Package issuance drives a host certificate through the pipeline
// ResolvingAuthority, FetchingKey, Signing, Publishing and Done. Any stage
// may end in Failed, reported as a *StageError.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/hostcert/internal/config"
	"github.com/wolfeidau/hostcert/internal/signer"
	"github.com/wolfeidau/hostcert/internal/storage"
	"github.com/wolfeidau/hostcert/internal/store"
	"github.com/wolfeidau/hostcert/internal/validity"
)

// Request asks for one host certificate.
type Request struct {
	Environment string
	// Principals are the host names, the first is the canonical storage key
	// and key id.
	Principals []string
	// Validity is a validity interval, validity.DefaultSpec when empty.
	Validity string
	Reason   string
	// PrivateKey overrides the configured CA key path.
	PrivateKey string
}

// Result is a published certificate.
type Result struct {
	ID          string
	Locator     storage.Locator
	Certificate signer.SignedCertificate
}

// Components are the live dependencies of a resolved authority. They are
// shared by concurrent runs and must not be mutated.
type Components struct {
	Authority *config.Authority
	Backend   storage.Backend
	Signer    CertificateSigner
	// Ledger is optional.
	Ledger store.IssuanceStore
}

// OpenFunc builds the components for a resolved authority.
type OpenFunc func(ctx context.Context, authority *config.Authority) (*Components, error)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the time source used for validity windows.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator sets the issuance id generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// Orchestrator runs issuance pipelines. Authorities are resolved and opened
// once per environment and CA key override, then reused.
type Orchestrator struct {
	settings config.Settings
	open     OpenFunc
	now      func() time.Time
	newID    func() string

	mu     sync.Mutex
	opened map[openKey]*Components
}

type openKey struct {
	environment string
	privateKey  string
}

// New creates an Orchestrator resolving authorities from settings.
func New(settings config.Settings, open OpenFunc, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		settings: settings,
		open:     open,
		now:      time.Now,
		newID:    uuid.NewString,
		opened:   make(map[openKey]*Components),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Issue runs one request through the pipeline and returns the published
// certificate locator. Failures are returned as *StageError.
func (o *Orchestrator) Issue(ctx context.Context, req Request) (Result, error) {
	id := o.newID()
	logger := log.With().
		Str("issuance_id", id).
		Str("environment", req.Environment).
		Strs("principals", req.Principals).
		Logger()

	logger.Debug().Stringer("stage", ResolvingAuthority).Msg("Issuance stage")
	window, comps, err := o.resolve(ctx, req)
	if err != nil {
		return Result{}, o.fail(logger, stageError(ResolvingAuthority, ErrConfiguration, err))
	}
	canonical := req.Principals[0]

	logger.Debug().Stringer("stage", FetchingKey).Msg("Issuance stage")
	publicKey, err := NewKeyFetcher(comps.Backend).Fetch(ctx, canonical)
	if err != nil {
		return Result{}, o.fail(logger, stageError(FetchingKey, ErrNotFound, err))
	}

	logger.Debug().Stringer("stage", Signing).Msg("Issuance stage")
	cert, err := comps.Signer.Sign(ctx, publicKey, window, req.Principals, req.Reason, canonical)
	if err != nil {
		kind := ErrSigningFailed
		if errors.Is(err, signer.ErrInvalidPublicKey) {
			kind = ErrInvalidPublicKey
		}
		return Result{}, o.fail(logger, stageError(Signing, kind, err))
	}

	logger.Debug().Stringer("stage", Publishing).Msg("Issuance stage")
	locator, err := NewPublisher(comps.Backend).Publish(ctx, canonical, cert)
	if err != nil {
		return Result{}, o.fail(logger, stageError(Publishing, ErrPublish, err))
	}

	if comps.Ledger != nil {
		record := store.NewIssuanceRecord(id, comps.Authority.Environment, comps.Authority.Name, cert, locator)
		if err := comps.Ledger.Register(ctx, record); err != nil {
			logger.Warn().Err(err).Str("serial", record.Serial).Msg("Failed to record issuance in ledger")
		}
	}

	logger.Info().
		Stringer("stage", Done).
		Uint64("serial", cert.Serial()).
		Str("locator", locator.String()).
		Time("expires", cert.ValidBefore()).
		Msg("Issued host certificate")

	return Result{ID: id, Locator: locator, Certificate: cert}, nil
}

func (o *Orchestrator) fail(logger zerolog.Logger, err *StageError) error {
	logger.Error().Err(err.Err).Stringer("stage", Failed).Str("failed_stage", err.Stage.String()).Msg("Issuance failed")
	return err
}

// resolve performs every check that needs no host key: principals, validity,
// authority and its components.
func (o *Orchestrator) resolve(ctx context.Context, req Request) (validity.Window, *Components, error) {
	if len(req.Principals) == 0 {
		return validity.Window{}, nil, errors.New("at least one principal is required")
	}
	for i, p := range req.Principals {
		if p == "" {
			return validity.Window{}, nil, fmt.Errorf("principal %d is empty", i)
		}
	}
	if err := storage.ValidatePrincipal(req.Principals[0]); err != nil {
		return validity.Window{}, nil, err
	}

	spec := req.Validity
	if spec == "" {
		spec = validity.DefaultSpec
	}
	window, err := validity.Parse(spec, o.now())
	if err != nil {
		return validity.Window{}, nil, err
	}

	comps, err := o.components(ctx, req.Environment, req.PrivateKey)
	if err != nil {
		return validity.Window{}, nil, err
	}
	return window, comps, nil
}

func (o *Orchestrator) components(ctx context.Context, environment, privateKey string) (*Components, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := openKey{environment: environment, privateKey: privateKey}
	if comps, ok := o.opened[key]; ok {
		return comps, nil
	}

	settings := o.settings
	if privateKey != "" {
		settings.Overrides = maps.Clone(o.settings.Overrides)
		if settings.Overrides == nil {
			settings.Overrides = map[string]string{}
		}
		settings.Overrides[config.KeyPrivateKey] = privateKey
	}

	authority, err := config.Resolve(settings, environment)
	if err != nil {
		return nil, err
	}

	comps, err := o.open(ctx, authority)
	if err != nil {
		return nil, err
	}
	if comps.Authority == nil {
		comps.Authority = authority
	}

	o.opened[key] = comps
	return comps, nil
}
