package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/wolfeidau/hostcert/internal/signer"
)

// InspectCmd decodes a certificate file.
type InspectCmd struct {
	File string `arg:"" help:"Certificate file, e.g. ssh_host_ed25519_key-cert.pub" type:"existingfile"`
}

func (c *InspectCmd) Run(ctx context.Context, globals *Globals) error {
	data, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("failed to read certificate: %w", err)
	}

	cert, err := signer.ParseCertificate(data)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(globals.stdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Type:\t%s\n", certType(cert.CertType))
	fmt.Fprintf(w, "Key ID:\t%s\n", cert.KeyId)
	fmt.Fprintf(w, "Serial:\t%d\n", cert.Serial)
	fmt.Fprintf(w, "Public key:\t%s %s\n", cert.Key.Type(), ssh.FingerprintSHA256(cert.Key))
	fmt.Fprintf(w, "Signing CA:\t%s %s\n", cert.SignatureKey.Type(), ssh.FingerprintSHA256(cert.SignatureKey))
	fmt.Fprintf(w, "Principals:\t%s\n", strings.Join(cert.ValidPrincipals, ", "))
	fmt.Fprintf(w, "Valid:\t%s\n", validRange(cert))

	return w.Flush()
}

func certType(t uint32) string {
	switch t {
	case ssh.HostCert:
		return "host certificate"
	case ssh.UserCert:
		return "user certificate"
	default:
		return fmt.Sprintf("unknown (%d)", t)
	}
}

func validRange(cert *ssh.Certificate) string {
	if cert.ValidBefore == ssh.CertTimeInfinity {
		return "forever"
	}

	from := time.Unix(int64(cert.ValidAfter), 0).UTC()
	to := time.Unix(int64(cert.ValidBefore), 0).UTC()
	s := fmt.Sprintf("from %s to %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	if time.Now().After(to) {
		s += " (expired)"
	}
	return s
}
