package commands

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/hostcert/internal/bootstrap"
	"github.com/wolfeidau/hostcert/internal/setup"
)

// BootstrapCmd creates the bucket and ledger table of an AWS backed authority.
type BootstrapCmd struct {
	Environment string `arg:"" help:"Environment the authority belongs to, e.g. prod"`
	Clean       bool   `help:"Delete and recreate an existing ledger table"`
}

func (c *BootstrapCmd) Run(ctx context.Context, globals *Globals) error {
	authority, err := globals.resolve(c.Environment, "")
	if err != nil {
		return err
	}

	cfg, err := setup.NewBootstrapConfig(ctx, authority, func(ctx context.Context) (aws.Config, error) {
		return setup.LoadAWSConfig(ctx, authority)
	})
	if err != nil {
		return err
	}
	if cfg.Bucket == "" && cfg.LedgerTable == "" {
		return fmt.Errorf("nothing to bootstrap for [%s], backend %s and ledger %s need no AWS resources",
			authority.Section(), authority.Backend, authority.Ledger)
	}
	cfg.CleanResources = c.Clean

	provision := globals.Provision
	if provision == nil {
		provision = bootstrap.Bootstrap
	}

	res, err := provision(ctx, cfg)
	if err != nil {
		return err
	}

	log.Info().
		Str("bucket", res.Bucket).
		Str("ledger_table", res.LedgerTable).
		Msg("Bootstrapped authority resources")

	out := globals.stdout()
	if res.Bucket != "" {
		fmt.Fprintf(out, "bucket\t%s\n", res.Bucket)
	}
	if res.LedgerTable != "" {
		fmt.Fprintf(out, "ledger_table\t%s\n", res.LedgerTable)
	}
	return nil
}
