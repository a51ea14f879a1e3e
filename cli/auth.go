package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrinal-mann/Knugget-new/core"
)

// NewLoginCmd creates the "login" subcommand.
func NewLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and persist the session",
		Args:  cobra.NoArgs,
		RunE:  runLogin,
	}
	cmd.Flags().String("email", "", "Account email (defaults to KNUGGET_EMAIL)")
	cmd.Flags().String("password", "", "Account password (defaults to KNUGGET_PASSWORD)")
	return cmd
}

func runLogin(cmd *cobra.Command, _ []string) error {
	email, password, err := resolveCredentials(cmd)
	if err != nil {
		return err
	}

	client, err := setupClient(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	user, err := client.Login(cmd.Context(), email, password)
	if err != nil {
		return serviceError("login failed", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s <%s>\n", user.Name, user.Email)
	printPlanLine(cmd.OutOrStdout(), user)
	return nil
}

func resolveCredentials(cmd *cobra.Command) (string, string, error) {
	email, _ := cmd.Flags().GetString("email")
	if strings.TrimSpace(email) == "" {
		email = os.Getenv("KNUGGET_EMAIL")
	}
	password, _ := cmd.Flags().GetString("password")
	if password == "" {
		password = os.Getenv("KNUGGET_PASSWORD")
	}
	if strings.TrimSpace(email) == "" || password == "" {
		return "", "", exitError(exitConfig, "credentials required: pass --email and --password, or set KNUGGET_EMAIL and KNUGGET_PASSWORD")
	}
	return email, password, nil
}

// NewLogoutCmd creates the "logout" subcommand.
func NewLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear stored credentials",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

func runLogout(cmd *cobra.Command, _ []string) error {
	client, err := setupClient(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if !client.Authenticated() {
		fmt.Fprintln(cmd.OutOrStdout(), "Not signed in.")
		return nil
	}
	client.Logout(cmd.Context())
	fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
	return nil
}

// NewWhoamiCmd creates the "whoami" subcommand.
func NewWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account",
		Args:  cobra.NoArgs,
		RunE:  runWhoami,
	}
	cmd.Flags().Bool("remote", false, "Fetch a fresh profile from the backend")
	return cmd
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	client, err := setupClient(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()
	out := cmd.OutOrStdout()

	if remote, _ := cmd.Flags().GetBool("remote"); remote {
		user, err := client.Profile(cmd.Context())
		if err != nil {
			return serviceError("fetching profile", err)
		}
		printUser(out, user)
		return nil
	}

	if user, ok := client.CurrentUser(); ok {
		printUser(out, user)
		return nil
	}
	if snap, ok := client.LastKnownAuth(cmd.Context()); ok && snap.User.ID != "" {
		fmt.Fprintf(out, "Last session: %s <%s> (%s)\n",
			snap.User.Name, snap.User.Email, snap.UpdatedAt.Format(time.RFC822))
	}
	return exitError(exitAuth, "not signed in")
}

func printUser(w io.Writer, user core.User) {
	fmt.Fprintf(w, "%s <%s>\n", user.Name, user.Email)
	printPlanLine(w, user)
}

func printPlanLine(w io.Writer, user core.User) {
	fmt.Fprintf(w, "Plan: %s, credits: %d\n", user.Plan, user.Credits)
}
