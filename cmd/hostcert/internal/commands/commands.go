package commands

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/wolfeidau/hostcert/internal/bootstrap"
	"github.com/wolfeidau/hostcert/internal/config"
	"github.com/wolfeidau/hostcert/internal/issuance"
	"github.com/wolfeidau/hostcert/internal/setup"
	"github.com/wolfeidau/hostcert/internal/store"
	"github.com/wolfeidau/hostcert/internal/validity"
)

// DefaultValidity is the --validity default.
const DefaultValidity = validity.DefaultSpec

type Globals struct {
	Debug    bool
	Version  string
	Settings config.Settings

	// Stdout receives command output, os.Stdout when nil.
	Stdout io.Writer
	// Open builds authority components, setup.Open when nil.
	Open issuance.OpenFunc
	// OpenLedger builds the issuance ledger, setup.NewLedger when nil.
	OpenLedger func(ctx context.Context, authority *config.Authority) (store.IssuanceStore, error)
	// Provision creates AWS resources, bootstrap.Bootstrap when nil.
	Provision func(ctx context.Context, cfg bootstrap.Config) (*bootstrap.Resources, error)
}

func (g *Globals) stdout() io.Writer {
	if g.Stdout != nil {
		return g.Stdout
	}
	return os.Stdout
}

func (g *Globals) orchestrator() *issuance.Orchestrator {
	open := g.Open
	if open == nil {
		open = setup.Open
	}
	return issuance.New(g.Settings, open)
}

func (g *Globals) ledger(ctx context.Context, authority *config.Authority) (store.IssuanceStore, error) {
	if g.OpenLedger != nil {
		return g.OpenLedger(ctx, authority)
	}
	if authority.Ledger == config.LedgerMemory {
		return nil, fmt.Errorf("%s ledger of [%s] does not persist between invocations, set %s = %s",
			config.LedgerMemory, authority.Section(), config.KeyLedger, config.LedgerDynamoDB)
	}
	return setup.NewLedger(ctx, authority, func(ctx context.Context) (aws.Config, error) {
		return setup.LoadAWSConfig(ctx, authority)
	})
}

// resolve resolves the authority for environment with an optional CA key override.
func (g *Globals) resolve(environment, privateKey string) (*config.Authority, error) {
	settings := g.Settings
	if privateKey != "" {
		settings.Overrides = maps.Clone(g.Settings.Overrides)
		if settings.Overrides == nil {
			settings.Overrides = map[string]string{}
		}
		settings.Overrides[config.KeyPrivateKey] = privateKey
	}
	return config.Resolve(settings, environment)
}
