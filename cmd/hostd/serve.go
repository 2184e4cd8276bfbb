package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nupi-ai/hostd/internal/config"
	"github.com/nupi-ai/hostd/internal/daemon"
	"github.com/nupi-ai/hostd/internal/version"
)

type hostFlags struct {
	instance    string
	manifest    string
	webPort     int
	controlPort int
}

func (f *hostFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.instance, "instance", "", "instance name (overrides "+config.EnvInstance+")")
	cmd.Flags().StringVar(&f.manifest, "manifest", "", "worker manifest file or directory (overrides "+config.EnvManifest+")")
	cmd.Flags().IntVar(&f.webPort, "web-port", 0, "API port (overrides "+config.EnvWebPort+")")
	cmd.Flags().IntVar(&f.controlPort, "control-port", 0, "control-plane port (overrides "+config.EnvControlPort+")")
}

// environ returns the process environment with flag values layered on top
// as system variables, in KEY=VALUE form so it can be handed to a child.
func (f *hostFlags) environ() []string {
	env := os.Environ()
	set := func(key, value string) {
		if value != "" {
			env = append(env, key+"="+value)
		}
	}
	set(config.EnvInstance, f.instance)
	set(config.EnvManifest, f.manifest)
	if f.webPort > 0 {
		set(config.EnvWebPort, strconv.Itoa(f.webPort))
	}
	if f.controlPort > 0 {
		set(config.EnvControlPort, strconv.Itoa(f.controlPort))
	}
	return env
}

func newServeCommand() *cobra.Command {
	flags := &hostFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the host in the foreground without a supervisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func runServe(ctx context.Context, flags *hostFlags) error {
	env := config.FromEnviron(flags.environ())
	settings := config.SettingsFromEnv(env)
	if _, err := config.EnsureInstanceDirs(settings.Instance); err != nil {
		return err
	}

	d, err := daemon.New(daemon.Options{Env: env})
	if err != nil {
		return err
	}
	log.SetOutput(d.Writer())
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	log.Printf("[Daemon] hostd %s serving instance %s (PID: %d)", version.Format(version.String()), settings.Instance, os.Getpid())
	if settings.IPCSocket != "" {
		log.Printf("[Daemon] supervised through %s", settings.IPCSocket)
	}
	return d.Run(ctx)
}
