package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nupi-ai/hostd/internal/config"
	daemonruntime "github.com/nupi-ai/hostd/internal/runtime"
	"github.com/nupi-ai/hostd/internal/supervisor"
)

const supervisorPIDFile = "supervisor.pid"

func newSuperviseCommand() *cobra.Command {
	flags := &hostFlags{}
	cmd := &cobra.Command{
		Use:   "supervise",
		Short: "Run the host as a child process and relaunch it on reset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSupervise(cmd.Context(), flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func runSupervise(ctx context.Context, flags *hostFlags) error {
	environ := flags.environ()
	settings := config.SettingsFromEnv(config.FromEnviron(environ))
	paths, err := config.EnsureInstanceDirs(settings.Instance)
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate hostd binary: %w", err)
	}

	pidFile := filepath.Join(paths.RunDir, supervisorPIDFile)
	if err := daemonruntime.WritePIDFile(pidFile, os.Getpid()); err != nil {
		return err
	}
	defer daemonruntime.RemovePIDFile(pidFile)

	logger := log.New(os.Stderr, "", log.LstdFlags)
	sup := supervisor.New(supervisor.Options{
		Command:    []string{exe, "serve"},
		Env:        environ,
		SocketPath: paths.IPCSocket,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Logger:     logger,
	})

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	code, err := sup.Run(ctx)
	if err != nil {
		return err
	}
	if code != 0 {
		return exitError{code: code}
	}
	return nil
}
