package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nupi-ai/hostd/internal/version"
)

// exitError carries the exit code of a supervised child out of cobra.
type exitError struct {
	code int
}

func (e exitError) Error() string { return fmt.Sprintf("server exited with code %d", e.code) }

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "hostd",
		Short:         "hostd - pluggable worker host serving schema-derived APIs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Version = version.String()
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	supervise := newSuperviseCommand()
	root.RunE = supervise.RunE
	root.Flags().AddFlagSet(supervise.Flags())

	root.AddCommand(
		newServeCommand(),
		supervise,
		newStopCommand(),
		newVersionCommand(),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the hostd version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Format(version.String()))
		},
	}
}
