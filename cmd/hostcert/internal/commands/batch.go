package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/hostcert/internal/issuance"
)

// BatchCmd signs a certificate for every host listed in a file.
type BatchCmd struct {
	Environment string `arg:"" help:"Environment the authority belongs to, e.g. prod"`
	File        string `help:"Hosts file, one host per line with optional extra principals, - for stdin" required:"" short:"f"`
	Parallelism int    `help:"Maximum concurrent issuances" default:"4"`
	Validity    string `help:"Validity, relative (+104w, +1w2d) or absolute (YYYYMMDD[HHMMSS] UTC)" default:"${validity}"`
	Reason      string `help:"Reason recorded for audit" default:""`
	PrivateKey  string `help:"CA private key, overrides the configured key" type:"path"`
}

func (c *BatchCmd) Run(ctx context.Context, globals *Globals) error {
	hosts, err := c.readHosts()
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		return fmt.Errorf("no hosts in %s", c.File)
	}

	requests := make([]issuance.Request, 0, len(hosts))
	for _, principals := range hosts {
		requests = append(requests, issuance.Request{
			Environment: c.Environment,
			Principals:  principals,
			Validity:    c.Validity,
			Reason:      c.Reason,
			PrivateKey:  c.PrivateKey,
		})
	}

	outcomes := issuance.IssueAll(ctx, globals.orchestrator(), requests, c.Parallelism)

	out := globals.stdout()
	for _, o := range outcomes {
		if o.Err != nil {
			log.Error().Err(o.Err).Strs("principals", o.Request.Principals).Msg("Issuance failed")
			continue
		}
		fmt.Fprintf(out, "%s\t%s\n", o.Request.Principals[0], o.Result.Locator)
	}

	if failed := issuance.Failures(outcomes); failed > 0 {
		return fmt.Errorf("%d of %d issuances failed", failed, len(outcomes))
	}
	return nil
}

func (c *BatchCmd) readHosts() ([][]string, error) {
	if c.File == "-" {
		return ParseHosts(os.Stdin)
	}

	f, err := os.Open(c.File)
	if err != nil {
		return nil, fmt.Errorf("failed to open hosts file: %w", err)
	}
	defer f.Close()

	return ParseHosts(f)
}

// ParseHosts reads one host per line. Extra whitespace separated fields are
// additional principals. Blank lines and # comments are skipped.
func ParseHosts(r io.Reader) ([][]string, error) {
	var hosts [][]string

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		hosts = append(hosts, fields)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read hosts: %w", err)
	}

	return hosts, nil
}
