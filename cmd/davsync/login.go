package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/openmined/davsync/internal/creds"
	"github.com/openmined/davsync/internal/davsdk"
	"github.com/openmined/davsync/internal/utils"
	"github.com/openmined/davsync/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var errLoginCancelled = errors.New("login cancelled")

func init() {
	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newLogoutCmd())
}

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store credentials for the configured server and user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromViper(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			client, err := davsdk.New(&davsdk.ClientConfig{
				ServerURL:  cfg.ServerURL,
				RemotePath: cfg.RemotePath,
				Insecure:   cfg.Insecure,
			})
			if err != nil {
				return err
			}
			defer client.Close()

			account := cfg.User
			if u, err := url.Parse(cfg.ServerURL); err == nil {
				account = cfg.User + "@" + u.Host
			}

			credentials := &creds.HTTPCredentials{
				AppName:  version.AppName,
				User:     cfg.User,
				Account:  account,
				Resolver: client,
				Prompter: &termPrompter{in: cmd.InOrStdin(), out: cmd.ErrOrStderr()},
				Store:    creds.NewStore(credentialsPath(cfg)),
			}
			if err := credentials.Fetch(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", yellow("WARN"), err)
			}
			if err := credentials.AskFromUser(cmd.Context()); err != nil {
				return err
			}
			if !credentials.Ready() {
				return errLoginCancelled
			}

			if err := cfg.Save(cfg.Path); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			secret, _ := credentials.Secret()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s as %s\n", green("Logged in"), cyan(account))
			fmt.Fprintf(out, "%-12s %s\n", "AUTH", credentials.AuthType())
			fmt.Fprintf(out, "%-12s %s\n", "SECRET", utils.MaskSecret(secret))
			fmt.Fprintf(out, "%-12s %s\n", "CONFIG", cfg.Path)
			fmt.Fprintf(out, "%-12s %s\n", "DATA DIR", cfg.DataDir)
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromViper(cmd)
			if err != nil {
				return err
			}
			if err := creds.NewStore(credentialsPath(cfg)).Delete(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), green("Logged out"))
			return nil
		},
	}
}

// termPrompter reads a password without echo from a terminal, or a plain line otherwise.
type termPrompter struct {
	in  io.Reader
	out io.Writer
}

func (t *termPrompter) PromptPassword(ctx context.Context, req creds.PromptRequest) (string, bool, error) {
	if req.FetchError != "" {
		fmt.Fprintf(t.out, "%s: reading the stored password failed: %s\n", yellow("WARN"), req.FetchError)
	}
	fmt.Fprintf(t.out, "%s password for %s: ", req.AppName, req.Account)

	var (
		password string
		err      error
	)
	if f, ok := t.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		var b []byte
		b, err = term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(t.out)
		password = string(b)
	} else {
		password, err = bufio.NewReader(t.in).ReadString('\n')
		if errors.Is(err, io.EOF) && password != "" {
			err = nil
		}
	}
	if errors.Is(err, io.EOF) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if ctx.Err() != nil {
		return "", false, ctx.Err()
	}

	password = strings.TrimRight(password, "\r\n")
	if password == "" {
		return "", false, nil
	}
	return password, true, nil
}
