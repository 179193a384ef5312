package commands

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/wolfeidau/hostcert/internal/pki"
	"github.com/wolfeidau/hostcert/internal/setup"
)

// KnownHostsCmd prints the @cert-authority line clients add to known_hosts.
type KnownHostsCmd struct {
	Environment string `arg:"" help:"Environment the authority belongs to, e.g. prod"`
	Pattern     string `help:"Host pattern the authority is trusted for" default:"*"`
	PrivateKey  string `help:"CA private key, overrides the configured key" type:"path"`
}

func (c *KnownHostsCmd) Run(ctx context.Context, globals *Globals) error {
	authority, err := globals.resolve(c.Environment, c.PrivateKey)
	if err != nil {
		return err
	}

	ca, err := setup.NewCASigner(ctx, authority, func(ctx context.Context) (aws.Config, error) {
		return setup.LoadAWSConfig(ctx, authority)
	})
	if err != nil {
		return err
	}

	pattern := c.Pattern
	if pattern == "" {
		pattern = "*"
	}

	fmt.Fprintln(globals.stdout(), pki.KnownHostsLine(ca.PublicKey(), pattern))
	return nil
}
