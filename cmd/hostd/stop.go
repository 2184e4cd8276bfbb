package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nupi-ai/hostd/internal/config"
	"github.com/nupi-ai/hostd/internal/procutil"
	daemonruntime "github.com/nupi-ai/hostd/internal/runtime"
)

const serverPIDFile = "hostd.pid"

func newStopCommand() *cobra.Command {
	var (
		instance string
		grace    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running host (the supervisor when there is one)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if instance == "" {
				instance = config.SettingsFromEnv(config.FromEnviron(nil)).Instance
			}
			stopped, err := stopInstance(cmd.Context(), config.GetInstancePaths(instance), grace)
			if err != nil {
				return err
			}
			if !stopped {
				fmt.Fprintf(cmd.OutOrStdout(), "hostd instance %s is not running\n", instance)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "hostd instance %s stopped\n", instance)
			return nil
		},
	}
	cmd.Flags().StringVar(&instance, "instance", "", "instance name")
	cmd.Flags().DurationVar(&grace, "grace", 10*time.Second, "time to wait before killing")
	return cmd
}

// stopInstance stops the supervisor when one runs, otherwise the server.
// It reports whether a live process was found.
func stopInstance(ctx context.Context, paths config.InstancePaths, grace time.Duration) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, name := range []string{supervisorPIDFile, serverPIDFile} {
		pidFile := filepath.Join(paths.RunDir, name)
		pid, err := daemonruntime.ReadPIDFile(pidFile)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return false, err
		}
		if !procutil.IsProcessAlive(pid) {
			daemonruntime.RemovePIDFile(pidFile)
			continue
		}
		if err := procutil.Stop(ctx, pid, grace); err != nil {
			return false, err
		}
		daemonruntime.RemovePIDFile(pidFile)
		return true, nil
	}
	return false, nil
}
