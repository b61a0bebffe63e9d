package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/swapr"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := buildRoot(nil)
	err := root.ExecuteContext(ctx)
	stop()

	var ee *exitError
	switch {
	case err == nil:
	case errors.As(err, &ee):
		os.Exit(ee.code)
	default:
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(swapr.ExitFailed)
	}
}

// buildRoot creates the root command and its subcommands. opts are passed
// to swapr.Open for every local command.
func buildRoot(opts []swapr.OpenOption) *cobra.Command {
	globalFlags := &GlobalFlags{}
	upgradeFlags := &UpgradeFlags{}
	resolveFlags := &UpgradeFlags{}
	statusFlags := &StatusFlags{}
	serveFlags := &ServeFlags{}
	issueFlags := &IssueFlags{}

	swaprCommand := &command{global: globalFlags, openOpts: opts}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createUpgradeCommand(swaprCommand, upgradeFlags),
		createRollbackCommand(swaprCommand),
		createStatusCommand(swaprCommand, statusFlags),
		createResolveCommand(swaprCommand, resolveFlags),
		createServeCommand(swaprCommand, serveFlags),
		createAuthCommand(swaprCommand, issueFlags),
		createVersionCommand(),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "swapr",
		Short: "Upgrade and roll back a service binary",
		Long: `Swapr replaces the executable of a running service with a new build,
waits for the service to answer on its health URL and restores the
previous binary when it does not.

Configuration is read from an optional TOML file (--config), then SWAPR_*
environment variables, then flags.

Examples:
  swapr upgrade ./target/release/wolfserve
  swapr upgrade                      # resolve or build a candidate
  swapr rollback
  swapr status --json
  swapr serve --listen 127.0.0.1:9360
  swapr status --api-url http://host:9360   # ask a remote agent`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "remote agent URL (e.g. http://host:9360)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Minute, "remote request timeout")
	root.PersistentFlags().StringVar(&flags.APIToken, "api-token", "", "bearer token for the remote agent (default $"+envAPIToken+")")
	root.PersistentFlags().StringVar(&flags.APICA, "api-ca", "", "PEM CA bundle to verify an https agent")
	addConfigFlags(root.PersistentFlags())
	return root
}

func createUpgradeCommand(swaprCommand *command, flags *UpgradeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upgrade [candidate]",
		Short: "Install a new binary, rolling back if it does not come up healthy",
		Long: `Back up the installed binary, stop the service, install the candidate,
start the service and wait for its health URL. On failure the previous
binary is restored and started again.

Without an argument the candidate is resolved from the configured
locations, building it from the source directory when none exists.

Exit status: 0 committed, 1 rolled back, 2 failed, 3 another attempt holds the lock.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return swaprCommand.Upgrade(cmd, *flags, args)
		},
	}
	cmd.Flags().BoolVar(&flags.NoBuild, "no-build", false, "never build; fail when no candidate exists")
	return cmd
}

func createRollbackCommand(swaprCommand *command) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Restore the most recent backup",
		Long: `Stop the service, restore the most recent backup, start the service and
wait for its health URL. The backup is removed once the service is healthy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return swaprCommand.Rollback(cmd)
		},
	}
}

func createStatusCommand(swaprCommand *command, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the installed version, service state, backups and lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return swaprCommand.Status(cmd, *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print the report as JSON")
	return cmd
}

func createResolveCommand(swaprCommand *command, flags *UpgradeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the candidate an argument-less upgrade would install",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return swaprCommand.Resolve(cmd, *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.NoBuild, "no-build", false, "only search; do not build")
	return cmd
}

// createServeCommand creates the serve subcommand
func createServeCommand(swaprCommand *command, flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP agent",
		Long: `Serve status, upgrade, rollback and metrics over HTTP until interrupted.

Examples:
  swapr serve
  swapr serve --listen 0.0.0.0:9360 --base-path /swapr`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return swaprCommand.Serve(cmd, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "listen address (default server.listen)")
	cmd.Flags().StringVar(&flags.BasePath, "base-path", "", "URL prefix for all endpoints")
	return cmd
}

func createAuthCommand(swaprCommand *command, flags *IssueFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage agent API credentials",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "hash-token [token]",
		Short: "Print a bearer token and its hash for server.auth.token_hash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return swaprCommand.HashToken(cmd, args)
		},
	})

	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a JWT with server.auth.jwt_secret",
		Long: `Sign a JWT for the agent API. Scopes are status, upgrade, rollback or *.

Examples:
  swapr auth issue --subject dashboard --scopes status --ttl 720h
  swapr auth issue --subject ci --scopes upgrade,status`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return swaprCommand.IssueToken(cmd, *flags)
		},
	}
	issue.Flags().StringVar(&flags.Subject, "subject", "", "token subject")
	issue.Flags().StringSliceVar(&flags.Scopes, "scopes", []string{"*"}, "granted scopes")
	issue.Flags().DurationVar(&flags.TTL, "ttl", 24*time.Hour, "token lifetime")
	_ = issue.MarkFlagRequired("subject")
	cmd.AddCommand(issue)
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the swapr version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "swapr %s\n", version)
		},
	}
}
