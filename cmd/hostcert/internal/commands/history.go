package commands

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/wolfeidau/hostcert/internal/config"
	"github.com/wolfeidau/hostcert/internal/store"
)

// HistoryCmd lists certificates recorded in the issuance ledger.
type HistoryCmd struct {
	Environment string `arg:"" help:"Environment the authority belongs to, e.g. prod"`
	Principal   string `help:"Only show certificates whose canonical host (key id) matches" default:""`
	Limit       int    `help:"Maximum number of records" default:"50"`
}

func (c *HistoryCmd) Run(ctx context.Context, globals *Globals) error {
	authority, err := globals.resolve(c.Environment, "")
	if err != nil {
		return err
	}
	if authority.Ledger == config.LedgerNone {
		return fmt.Errorf("no ledger configured for [%s], set %s", authority.Section(), config.KeyLedger)
	}

	ledger, err := globals.ledger(ctx, authority)
	if err != nil {
		return err
	}

	var records []*store.IssuanceRecord
	if c.Principal != "" {
		records, err = ledger.ListByPrincipal(ctx, c.Principal)
		records = slices.DeleteFunc(records, func(r *store.IssuanceRecord) bool {
			return r.Environment != c.Environment
		})
		if c.Limit > 0 && len(records) > c.Limit {
			records = records[:c.Limit]
		}
	} else {
		records, err = ledger.List(ctx, store.ListOptions{Environment: c.Environment, Limit: c.Limit})
	}
	if err != nil {
		return fmt.Errorf("failed to list issuances: %w", err)
	}

	w := tabwriter.NewWriter(globals.stdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERIAL\tKEY ID\tPRINCIPALS\tISSUED\tEXPIRES\tREASON\tLOCATOR")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Serial,
			r.KeyID,
			strings.Join(r.Principals, ","),
			r.IssuedAt.UTC().Format(time.RFC3339),
			r.ExpiresAt.UTC().Format(time.RFC3339),
			r.Reason,
			r.Locator,
		)
	}

	return w.Flush()
}
