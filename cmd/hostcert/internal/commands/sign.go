package commands

import (
	"context"
	"fmt"

	"github.com/wolfeidau/hostcert/internal/issuance"
)

// SignCmd signs one certificate valid for every given hostname. The first
// hostname names the host key to fetch and the published certificate.
type SignCmd struct {
	Environment string   `arg:"" help:"Environment the authority belongs to, e.g. prod"`
	Hostnames   []string `arg:"" help:"Host principals, the first is used as storage key and key id"`
	Validity    string   `help:"Validity, relative (+104w, +1w2d) or absolute (YYYYMMDD[HHMMSS] UTC)" default:"${validity}"`
	Reason      string   `help:"Reason recorded for audit" default:""`
	PrivateKey  string   `help:"CA private key, overrides the configured key" type:"path"`
}

func (c *SignCmd) Run(ctx context.Context, globals *Globals) error {
	res, err := globals.orchestrator().Issue(ctx, issuance.Request{
		Environment: c.Environment,
		Principals:  c.Hostnames,
		Validity:    c.Validity,
		Reason:      c.Reason,
		PrivateKey:  c.PrivateKey,
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(globals.stdout(), res.Locator)
	return nil
}
