package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/swapr"
)

// exitError carries a non-zero process exit status out of a command.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func exitCode(code int) error {
	if code == swapr.ExitOK {
		return nil
	}
	return &exitError{code: code}
}

type command struct {
	global *GlobalFlags
	// openOpts are appended when opening the agent; tests inject fakes here.
	openOpts []swapr.OpenOption
}

// remote returns a client for --api-url, or nil to run locally.
func (c *command) remote() (*APIClient, error) {
	if c.global.APIUrl == "" {
		return nil, nil
	}
	api := NewAPIClient(c.global.APIUrl, c.global.APITimeout)
	token := c.global.APIToken
	if token == "" {
		token = os.Getenv(envAPIToken)
	}
	api.SetToken(token)
	if c.global.APICA != "" {
		if err := api.TrustCA(c.global.APICA); err != nil {
			return nil, err
		}
	}
	return api, nil
}

// open loads the configuration (file, environment, flags) and wires an agent.
func (c *command) open(cmd *cobra.Command, extra map[string]any) (*swapr.Agent, error) {
	ov := configOverrides(cmd.Flags())
	for k, v := range extra {
		ov[k] = v
	}
	cfg, err := swapr.LoadConfig(c.global.ConfigPath, ov)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if err := swapr.RegisterMetricsDefault(); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	opts := append([]swapr.OpenOption{swapr.WithLogWriter(cmd.ErrOrStderr())}, c.openOpts...)
	return swapr.Open(cfg, opts...)
}

// finish exports metrics for the textfile collector and releases the agent.
func (c *command) finish(a *swapr.Agent) {
	if path := a.Config().Metrics.Textfile; path != "" {
		if err := swapr.WriteMetricsTextfile(path); err != nil {
			a.Logger().Warn("writing metrics textfile", "path", path, "error", err)
		}
	}
	if err := a.Close(); err != nil {
		a.Logger().Warn("closing agent", "error", err)
	}
}

func absCandidate(args []string) (string, error) {
	if len(args) == 0 || args[0] == "" {
		return "", nil
	}
	return filepath.Abs(args[0])
}

func (c *command) Upgrade(cmd *cobra.Command, f UpgradeFlags, args []string) error {
	candidate, err := absCandidate(args)
	if err != nil {
		return err
	}
	api, err := c.remote()
	if err != nil {
		return err
	}
	if api != nil {
		res, err := api.Upgrade(cmd.Context(), candidate)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), res.Summary)
		return exitCode(res.ExitCode)
	}

	extra := map[string]any{}
	if f.NoBuild {
		extra["resolver.no_build"] = true
	}
	a, err := c.open(cmd, extra)
	if err != nil {
		return err
	}
	defer c.finish(a)

	res := a.Upgrade(cmd.Context(), candidate)
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), res.Line())
	return exitCode(res.ExitCode())
}

func (c *command) Rollback(cmd *cobra.Command) error {
	api, err := c.remote()
	if err != nil {
		return err
	}
	if api != nil {
		res, err := api.Rollback(cmd.Context())
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), res.Summary)
		return exitCode(res.ExitCode)
	}

	a, err := c.open(cmd, nil)
	if err != nil {
		return err
	}
	defer c.finish(a)

	res := a.Rollback(cmd.Context())
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), res.Line())
	return exitCode(res.ExitCode())
}

func (c *command) Status(cmd *cobra.Command, f StatusFlags) error {
	var rep swapr.Report
	api, err := c.remote()
	if err != nil {
		return err
	}
	if api != nil {
		rep, err = api.GetStatus(cmd.Context())
	} else {
		var a *swapr.Agent
		if a, err = c.open(cmd, nil); err != nil {
			return err
		}
		defer c.finish(a)
		rep, err = a.Status(cmd.Context())
	}
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(cmd.OutOrStdout(), rep)
		return nil
	}
	printReport(cmd.OutOrStdout(), rep)
	return nil
}

// Resolve prints the candidate an argument-less upgrade would install.
func (c *command) Resolve(cmd *cobra.Command, f UpgradeFlags) error {
	extra := map[string]any{}
	if f.NoBuild {
		extra["resolver.no_build"] = true
	}
	a, err := c.open(cmd, extra)
	if err != nil {
		return err
	}
	defer c.finish(a)

	p, err := a.Resolve(cmd.Context())
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), p)
	return nil
}

// Serve runs the HTTP agent until the command context is cancelled.
func (c *command) Serve(cmd *cobra.Command, f ServeFlags) error {
	extra := map[string]any{}
	if f.Listen != "" {
		extra["server.listen"] = f.Listen
	}
	if f.BasePath != "" {
		extra["server.base_path"] = f.BasePath
	}
	a, err := c.open(cmd, extra)
	if err != nil {
		return err
	}
	defer c.finish(a)
	log := a.Logger()
	ctx := cmd.Context()

	agentSrv, err := swapr.NewHTTPServer(a)
	if err != nil {
		return err
	}
	errCh := make(chan error, 2)
	servers := []*http.Server{agentSrv}
	if addr := a.Config().Metrics.Listen; addr != "" {
		servers = append(servers, swapr.NewMetricsServer(addr))
	}
	for _, srv := range servers {
		go func(srv *http.Server) {
			log.Info("listening", "addr", srv.Addr, "tls", srv.TLSConfig != nil)
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s: %w", srv.Addr, err)
			}
		}(srv)
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return err
}

// HashToken prints a bearer token and the hash to put in
// server.auth.token_hash. A token is generated when none is given.
func (c *command) HashToken(cmd *cobra.Command, args []string) error {
	var token string
	if len(args) > 0 {
		token = args[0]
	} else {
		var err error
		if token, err = swapr.GenerateAPIToken(); err != nil {
			return err
		}
	}
	hash, err := swapr.HashAPIToken(token)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "token: %s\n", token)
	_, _ = fmt.Fprintf(out, "token_hash: %s\n", hash)
	return nil
}

// IssueToken signs a JWT with server.auth.jwt_secret.
func (c *command) IssueToken(cmd *cobra.Command, f IssueFlags) error {
	cfg, err := swapr.LoadConfig(c.global.ConfigPath, configOverrides(cmd.Flags()))
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	token, exp, err := swapr.IssueAPIToken(cfg, f.Subject, f.Scopes, f.TTL)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
	return nil
}
