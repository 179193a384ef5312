package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/wolfeidau/hostcert/cmd/hostcert/internal/commands"
	"github.com/wolfeidau/hostcert/internal/config"
	"github.com/wolfeidau/hostcert/internal/logger"
)

var (
	version = "dev"
	cli     struct {
		Sign       commands.SignCmd       `cmd:"" help:"Sign a host certificate"`
		Batch      commands.BatchCmd      `cmd:"" help:"Sign host certificates for every host in a file"`
		Inspect    commands.InspectCmd    `cmd:"" help:"Decode a host certificate"`
		History    commands.HistoryCmd    `cmd:"" help:"List recorded issuances"`
		KnownHosts commands.KnownHostsCmd `cmd:"" name:"known-hosts" help:"Print the known_hosts line trusting the authority"`
		Bootstrap  commands.BootstrapCmd  `cmd:"" help:"Create the bucket and ledger table of an authority"`

		Debug     bool   `help:"Enable debug mode."`
		Config    string `help:"Config file, defaults to ~/.ssh_ca/config.ini." env:"SSH_CA_CONFIG" type:"path"`
		Authority string `help:"Certificate authority name." env:"SSH_CA_AUTHORITY" default:"${authority}"`
		Version   kong.VersionFlag
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Name("hostcert"),
		kong.Description("Issue CA signed SSH host certificates."),
		kong.Vars{
			"version":   version,
			"authority": config.DefaultAuthority,
			"validity":  commands.DefaultValidity,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))

	logger.Install(logger.Setup(cli.Debug))

	err := cmd.Run(&commands.Globals{
		Debug:   cli.Debug,
		Version: version,
		Settings: config.Settings{
			ConfigPath: cli.Config,
			Authority:  cli.Authority,
		},
	})
	cmd.FatalIfErrorf(err)
}
