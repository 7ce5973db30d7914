package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rcourtman/pagegen/internal/auth"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

// prompter reads answers from the command's input. Passwords are read
// without echo when stdin is a terminal.
type prompter struct {
	in     io.Reader
	out    io.Writer
	reader *bufio.Reader
}

func newPrompter(cmd *cobra.Command) *prompter {
	return &prompter{in: cmd.InOrStdin(), out: cmd.ErrOrStderr()}
}

func (p *prompter) line(prompt string) (string, error) {
	if p.reader == nil {
		p.reader = bufio.NewReader(p.in)
	}
	fmt.Fprint(p.out, prompt)
	text, err := p.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && text != "") {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimRight(text, "\r\n"), nil
}

func (p *prompter) secret(prompt string) (string, error) {
	if f, ok := p.in.(*os.File); ok && isTerminal(int(f.Fd())) {
		fmt.Fprint(p.out, prompt)
		b, err := readPassword(int(f.Fd()))
		fmt.Fprintln(p.out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	return p.line(prompt)
}

func newLoginCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session",
		Example: `  pagegen login --email you@example.com
  echo "$PASSWORD" | pagegen login --email you@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configFrom(cmd))
			if err != nil {
				return err
			}
			defer a.close()

			p := newPrompter(cmd)
			if email == "" {
				if email, err = p.line("Email: "); err != nil {
					return err
				}
			}
			password, err := p.secret("Password: ")
			if err != nil {
				return err
			}

			profile, err := a.auth.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Logged in as %s\n", displayName(profile.Name, profile.Email))

			if err := a.selector.Refresh(cmd.Context()); err != nil {
				return err
			}
			printSelection(out, a.selector.Snapshot())
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email address")
	return cmd
}

func newRegisterCmd() *cobra.Command {
	var reg auth.Registration
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create a new account",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configFrom(cmd))
			if err != nil {
				return err
			}
			defer a.close()

			p := newPrompter(cmd)
			for _, field := range []struct {
				prompt string
				value  *string
			}{
				{"Email: ", &reg.Email},
				{"Phone: ", &reg.Phone},
				{"Country: ", &reg.Country},
			} {
				if *field.value != "" {
					continue
				}
				if *field.value, err = p.line(field.prompt); err != nil {
					return err
				}
			}
			if reg.Password, err = p.secret("Password: "); err != nil {
				return err
			}

			msg, err := a.auth.Register(cmd.Context(), reg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
	cmd.Flags().StringVar(&reg.Email, "email", "", "account email address")
	cmd.Flags().StringVar(&reg.Phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&reg.Country, "country", "", "country")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configFrom(cmd))
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.auth.Logout(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the session and the active product",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configFrom(cmd))
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			profile, ok := a.store.Profile()
			if _, live := a.store.Credential(); !ok || !live {
				if a.store.CredentialExpired() {
					fmt.Fprintln(out, "Session expired. Run `pagegen login`.")
				} else {
					fmt.Fprintln(out, "Not logged in.")
				}
				return nil
			}
			fmt.Fprintf(out, "Logged in as %s (user %s)\n", displayName(profile.Name, profile.Email), a.store.UserID())

			if refresh {
				if err := a.selector.Refresh(cmd.Context()); err != nil {
					return err
				}
			} else {
				a.selector.LoadCached()
			}
			printSelection(out, a.selector.Snapshot())
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "re-read product access from the server")
	return cmd
}

func displayName(name, email string) string {
	switch {
	case name != "" && email != "":
		return fmt.Sprintf("%s <%s>", name, email)
	case name != "":
		return name
	case email != "":
		return email
	}
	return "unknown user"
}
