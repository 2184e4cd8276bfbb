package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nupi-ai/hostd/internal/config"
	"github.com/nupi-ai/hostd/internal/controlclient"
	"github.com/nupi-ai/hostd/internal/controlplane"
	"github.com/nupi-ai/hostd/internal/version"
)

func newAccessTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "access-token",
		Short: "Issue a short-lived API token bound to this connection",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, _ []string, s *session) error {
			resp, err := s.call(cmd.Context(), controlplane.CmdAccessToken, nil)
			if err != nil {
				return err
			}
			tok, err := controlclient.Decode[controlplane.TokenData](resp)
			if err != nil {
				return err
			}
			return s.out.Print(tok, func(w io.Writer) {
				fmt.Fprintln(w, tok.Token)
				fmt.Fprintf(w, "expires %s\n", tok.ExpiresAt.Local().Format(time.RFC3339))
			})
		}),
	}
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or replace the server configuration",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Print the current configuration as YAML (or JSON with --json)",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, _ []string, s *session) error {
			resp, err := s.call(cmd.Context(), controlplane.CmdConfig, nil)
			if err != nil {
				return err
			}
			cfg, err := controlclient.Decode[config.ServerConfig](resp)
			if err != nil {
				return err
			}
			var encodeErr error
			printErr := s.out.Print(cfg, func(w io.Writer) {
				enc := yaml.NewEncoder(w)
				enc.SetIndent(2)
				encodeErr = enc.Encode(cfg)
				if encodeErr == nil {
					encodeErr = enc.Close()
				}
			})
			return errors.Join(printErr, encodeErr)
		}),
	}

	save := &cobra.Command{
		Use:   "save FILE",
		Short: "Replace the configuration with a YAML or JSON document",
		Long: `save validates FILE locally and sends it to the host. System variables
of the current configuration are kept by the host. The host rebuilds once the
new revision is picked up by its config worker.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfig(args[0])
			if err != nil {
				return err
			}
			return withSession(func(cmd *cobra.Command, _ []string, s *session) error {
				resp, err := s.call(cmd.Context(), controlplane.CmdConfigSave, cfg)
				if err != nil {
					return err
				}
				res, err := controlclient.Decode[controlplane.ConfigSaveData](resp)
				if err != nil {
					return err
				}
				msg := "Configuration unchanged"
				if res.Saved {
					msg = "Configuration saved"
				}
				return s.out.Success(msg, map[string]any{"saved": res.Saved})
			})(cmd, args)
		},
	}

	cmd.AddCommand(get, save)
	return cmd
}

// loadServerConfig reads a server config document. Files ending in .json are
// decoded as strict JSON, anything else as YAML.
func loadServerConfig(path string) (config.ServerConfig, error) {
	var cfg config.ServerConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Env = config.NormalizeEnv(cfg.Env)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newRegisterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Identify the host and check version compatibility",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, _ []string, s *session) error {
			resp, err := s.call(cmd.Context(), controlplane.CmdRegister, nil)
			if err != nil {
				return err
			}
			reg, err := controlclient.Decode[controlplane.RegisterData](resp)
			if err != nil {
				return err
			}
			if warning := version.Mismatch(reg.Version); warning != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), warning)
			}
			return s.out.Print(reg, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintf(tw, "Instance:\t%s\n", reg.Instance)
				fmt.Fprintf(tw, "Group:\t%s\n", reg.GroupID)
				fmt.Fprintf(tw, "Version:\t%s\n", version.Format(reg.Version))
				fmt.Fprintf(tw, "Status:\t%s\n", reg.Status)
				fmt.Fprintf(tw, "Connection:\t%s\n", reg.ConnectionID)
				tw.Flush()
			})
		}),
	}
}

func newResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reboot every host of the group",
		Long: `reset asks the host to reboot. The request is debounced and announced to
every instance of the cluster group; each one rebuilds its workers, through
its supervisor when it has one.`,
		Args: cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, _ []string, s *session) error {
			if _, err := s.call(cmd.Context(), controlplane.CmdServerReset, nil); err != nil {
				return err
			}
			return s.out.Success("Reset requested", nil)
		}),
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the host status and the last build error",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, _ []string, s *session) error {
			resp, err := s.call(cmd.Context(), controlplane.CmdStatus, nil)
			if err != nil {
				return err
			}
			st, err := controlclient.Decode[controlplane.StatusData](resp)
			if err != nil {
				return err
			}
			return s.out.Print(st, func(w io.Writer) {
				fmt.Fprintf(w, "Status: %s\n", st.Status)
				if st.Error != nil {
					fmt.Fprintf(w, "Error:  %s\n", st.Error.Message)
				}
			})
		}),
	}
}

func newURLsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "urls",
		Short: "List the routes the host serves",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, _ []string, s *session) error {
			resp, err := s.call(cmd.Context(), controlplane.CmdURLList, nil)
			if err != nil {
				return err
			}
			list, err := controlclient.Decode[controlplane.URLListData](resp)
			if err != nil {
				return err
			}
			return s.out.Print(list, func(w io.Writer) {
				for _, u := range routeURLs(list) {
					fmt.Fprintln(w, u)
				}
			})
		}),
	}
}

// routeURLs joins each route onto the base URL.
func routeURLs(list controlplane.URLListData) []string {
	base := strings.TrimRight(list.BaseURL, "/")
	out := make([]string, 0, len(list.Routes))
	for _, r := range list.Routes {
		out = append(out, base+"/"+strings.TrimLeft(r, "/"))
	}
	return out
}

func newLogsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "Follow the host log stream until interrupted",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, _ []string, s *session) error {
			ctx, stop := notifyContext(cmd.Context())
			defer stop()
			if _, err := s.call(ctx, controlplane.CmdStartLog, nil); err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-s.client.Done():
					return controlclient.ErrClosed
				case line := <-s.client.Logs():
					if err := printLogLine(s.out, line); err != nil {
						return err
					}
				}
			}
		}),
	}
}

func printLogLine(out *OutputFormatter, line controlplane.LogData) error {
	if out.JSON() {
		data, err := json.Marshal(line)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out.w, string(data))
		return err
	}
	_, err := fmt.Fprintf(out.w, "%s %-5s %s\n", line.Timestamp.Local().Format("15:04:05.000"), strings.ToUpper(line.Level), line.Message)
	return err
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the hostctl version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Format(version.String()))
		},
	}
}
