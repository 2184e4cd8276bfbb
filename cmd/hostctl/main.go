package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nupi-ai/hostd/internal/version"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "hostctl",
		Short: "hostctl - control a running hostd over its websocket control plane",
		Long: `hostctl connects to the control plane of a hostd instance and issues
commands to it: read or replace its configuration, trigger a cluster-wide
reset, follow its log stream or list the routes it serves.

The secret is read from --secret, then HOSTD_SECRET, then prompted for when
stdin is a terminal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Version = version.String()
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	pf := root.PersistentFlags()
	pf.String("url", defaultURL, "control plane URL")
	pf.String("group", defaultGroup, "cluster group id")
	pf.String("secret", "", "control plane secret (default $HOSTD_SECRET)")
	pf.Duration("timeout", defaultTimeout, "time to wait for each reply")
	pf.Bool("insecure", false, "skip TLS certificate verification for wss:// URLs")
	pf.Bool("json", false, "Output in JSON format")

	root.AddCommand(
		newAccessTokenCommand(),
		newConfigCommand(),
		newRegisterCommand(),
		newResetCommand(),
		newStatusCommand(),
		newLogsCommand(),
		newURLsCommand(),
		newVersionCommand(),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
