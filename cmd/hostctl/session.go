package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/nupi-ai/hostd/internal/config"
	"github.com/nupi-ai/hostd/internal/controlclient"
	"github.com/nupi-ai/hostd/internal/controlplane"
)

const (
	defaultURL     = "ws://127.0.0.1:8081"
	defaultGroup   = config.DefaultGroupID
	defaultTimeout = 10 * time.Second
	secretEnv      = config.EnvSecret
)

var errNoSecret = errors.New("no secret: pass --secret or set " + secretEnv)

// session is one connected command invocation.
type session struct {
	client  *controlclient.Client
	out     *OutputFormatter
	timeout time.Duration
}

// resolveSecret prefers the flag, then the environment, then an interactive
// prompt when stdin is a terminal.
func resolveSecret(flag string, getenv func(string) string, stdin int, stderr io.Writer) (string, error) {
	if s := strings.TrimSpace(flag); s != "" {
		return s, nil
	}
	if s := strings.TrimSpace(getenv(secretEnv)); s != "" {
		return s, nil
	}
	if !terminal.IsTerminal(stdin) {
		return "", errNoSecret
	}
	fmt.Fprint(stderr, "Secret: ")
	raw, err := terminal.ReadPassword(stdin)
	fmt.Fprintln(stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	if s := strings.TrimSpace(string(raw)); s != "" {
		return s, nil
	}
	return "", errNoSecret
}

func connect(cmd *cobra.Command) (*session, error) {
	flags := cmd.Flags()
	url, _ := flags.GetString("url")
	group, _ := flags.GetString("group")
	secretFlag, _ := flags.GetString("secret")
	timeout, _ := flags.GetDuration("timeout")
	insecure, _ := flags.GetBool("insecure")

	secret, err := resolveSecret(secretFlag, os.Getenv, int(os.Stdin.Fd()), cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	client, err := controlclient.Dial(ctx, controlclient.Options{URL: url, GroupID: group, Secret: secret, Insecure: insecure})
	if err != nil {
		return nil, err
	}
	return &session{client: client, out: newOutputFormatter(cmd), timeout: timeout}, nil
}

func (s *session) Close() error { return s.client.Close() }

func (s *session) call(ctx context.Context, command controlplane.Command, data any) (controlplane.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Call(ctx, command, data)
}

// withSession connects, runs fn and closes the connection.
func withSession(fn func(cmd *cobra.Command, args []string, s *session) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := connect(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(cmd, args, s)
	}
}
